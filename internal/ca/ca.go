// Package ca runs the per-appliance certificate authority for agent mTLS
// enrollment.
//
// Lifecycle:
//  1. Appliance boots -> CA keypair generated (or loaded from disk)
//  2. Agent registers insecurely once with needs_certificates -> receives
//     CA cert plus a signed client cert
//  3. Agent reconnects with mTLS; the CA private key never leaves the box
//
// HIPAA: 164.312(e)(1) - Transmission security
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	caOrg      = "Meridian MSP"
	caCommonName = "Meridian Fleet Appliance CA"

	caLifetime        = 10 * 365 * 24 * time.Hour
	leafLifetime      = 365 * 24 * time.Hour
	serverReuseWindow = 30 * 24 * time.Hour
)

// AgentCA owns the CA keypair and issues leaf certificates for agents and
// for the appliance's own gRPC listener.
type AgentCA struct {
	Dir    string
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
}

// New returns an AgentCA rooted at dir. Call EnsureCA before issuing.
func New(dir string) *AgentCA {
	return &AgentCA{Dir: dir}
}

func (ca *AgentCA) caCertPath() string { return filepath.Join(ca.Dir, "ca.crt") }
func (ca *AgentCA) caKeyPath() string  { return filepath.Join(ca.Dir, "ca.key") }

// ServerCertPath is where the gRPC listener cert is cached.
func (ca *AgentCA) ServerCertPath() string { return filepath.Join(ca.Dir, "server.crt") }

// ServerKeyPath is where the gRPC listener key is cached.
func (ca *AgentCA) ServerKeyPath() string { return filepath.Join(ca.Dir, "server.key") }

// EnsureCA loads the CA from disk or generates a fresh one (P-256, ten
// years, 128-bit random serial).
func (ca *AgentCA) EnsureCA() error {
	if err := os.MkdirAll(ca.Dir, 0o755); err != nil {
		return fmt.Errorf("create CA dir: %w", err)
	}

	if ca.loadExisting() == nil {
		return nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{caOrg},
			CommonName:   caCommonName,
		},
		NotBefore:             now,
		NotAfter:              now.Add(caLifetime),
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA cert: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse CA cert: %w", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal CA key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(ca.caKeyPath(), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(ca.caCertPath(), certPEM, 0o644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}

	ca.caCert = cert
	ca.caKey = key
	return nil
}

func (ca *AgentCA) loadExisting() error {
	certPEM, err := os.ReadFile(ca.caCertPath())
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(ca.caKeyPath())
	if err != nil {
		return err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return fmt.Errorf("no PEM block in CA cert")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("no PEM block in CA key")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse CA key: %w", err)
	}

	ca.caCert = cert
	ca.caKey = key
	return nil
}

// IssueAgentCert signs a one-year clientAuth certificate for an enrolling
// agent. CN is agent-{hostname}; the bare hostname rides as a DNS SAN.
// Returns (cert_pem, key_pem, ca_cert_pem); the key is generated here and
// returned only over this enrollment response.
func (ca *AgentCA) IssueAgentCert(hostname, agentID string) (certPEM, keyPEM, caPEM []byte, err error) {
	if ca.caCert == nil || ca.caKey == nil {
		return nil, nil, nil, fmt.Errorf("CA not initialized, call EnsureCA first")
	}

	agentKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate agent key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, nil, err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{caOrg},
			CommonName:   fmt.Sprintf("agent-%s", hostname),
		},
		NotBefore:   now,
		NotAfter:    now.Add(leafLifetime),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		DNSNames:    []string{hostname},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.caCert, &agentKey.PublicKey, ca.caKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("sign agent cert: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyBytes, err := x509.MarshalECPrivateKey(agentKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal agent key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	caPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.caCert.Raw})

	return certPEM, keyPEM, caPEM, nil
}

// GenerateServerCert returns a serverAuth certificate for the gRPC
// listener. A cached cert with more than 30 days left is reused so agents
// do not see the listener identity churn on every boot. applianceAddr may
// be an IP (preferred, becomes an IP SAN) or a hostname (DNS SAN).
func (ca *AgentCA) GenerateServerCert(applianceAddr string) (certPEM, keyPEM []byte, err error) {
	if ca.caCert == nil || ca.caKey == nil {
		return nil, nil, fmt.Errorf("CA not initialized, call EnsureCA first")
	}

	if existingCert, existingKey, ok := ca.loadExistingServerCert(); ok {
		return existingCert, existingKey, nil
	}

	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate server key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{caOrg},
			CommonName:   "Meridian Fleet Appliance",
		},
		NotBefore:   now,
		NotAfter:    now.Add(leafLifetime),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(applianceAddr); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else if applianceAddr != "" {
		template.DNSNames = []string{applianceAddr}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.caCert, &serverKey.PublicKey, ca.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("sign server cert: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyBytes, err := x509.MarshalECPrivateKey(serverKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal server key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	_ = os.WriteFile(ca.ServerCertPath(), certPEM, 0o644)
	_ = os.WriteFile(ca.ServerKeyPath(), keyPEM, 0o600)

	return certPEM, keyPEM, nil
}

// CACertPEM returns the CA certificate as PEM.
func (ca *AgentCA) CACertPEM() ([]byte, error) {
	if ca.caCert == nil {
		return nil, fmt.Errorf("CA not initialized")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.caCert.Raw}), nil
}

func (ca *AgentCA) loadExistingServerCert() (certPEM, keyPEM []byte, ok bool) {
	certData, err := os.ReadFile(ca.ServerCertPath())
	if err != nil {
		return nil, nil, false
	}
	keyData, err := os.ReadFile(ca.ServerKeyPath())
	if err != nil {
		return nil, nil, false
	}

	block, _ := pem.Decode(certData)
	if block == nil {
		return nil, nil, false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, false
	}

	if time.Until(cert.NotAfter) > serverReuseWindow {
		return certData, keyData, true
	}
	return nil, nil, false
}

func randomSerial() (*big.Int, error) {
	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}
