// Package discovery locates the customer's Active Directory environment and
// enumerates its computer objects.
//
// Domain discovery is zero-touch: DNS SRV records, resolv.conf search
// domains, systemd-networkd DHCP leases, and finally an LDAP rootDSE probe
// against any candidate host. Enumeration runs Get-ADComputer on a domain
// controller over WinRM. Both results are reported to the control plane so
// partners see the environment without configuring anything by hand.
package discovery

import (
	"context"
	"log"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DiscoveredDomain is the wire payload for a found AD domain.
type DiscoveredDomain struct {
	DomainName        string   `json:"domain_name"`  // "lakeside.local"
	NetBIOSName       string   `json:"netbios_name"` // "LAKESIDE"
	DomainControllers []string `json:"domain_controllers"`
	DNSServers        []string `json:"dns_servers"`
	DiscoveredAt      string   `json:"discovered_at"`
	DiscoveryMethod   string   `json:"discovery_method"` // dns_srv, resolv_conf, dhcp, ldap_rootdse
}

// Paths are vars so tests can point them at fixtures.
var (
	resolvConfPath = "/etc/resolv.conf"
	dhcpLeaseDir   = "/run/systemd/netif/leases"
)

// DomainDiscovery probes the local network for an AD domain.
type DomainDiscovery struct {
	resolver        *net.Resolver
	knownCandidates []string // operator-supplied DC/DNS IPs to try last
}

// NewDomainDiscovery returns a discoverer that additionally probes the given
// candidate hosts via LDAP rootDSE when passive methods find nothing.
func NewDomainDiscovery(knownCandidates []string) *DomainDiscovery {
	return &DomainDiscovery{
		resolver:        net.DefaultResolver,
		knownCandidates: knownCandidates,
	}
}

// Discover walks the method waterfall and returns the first hit, or nil when
// no domain could be found within the timeout.
func (d *DomainDiscovery) Discover(ctx context.Context, timeout time.Duration) *DiscoveredDomain {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if domain := d.discoverViaDNSSRV(ctx); domain != nil {
		domain.DiscoveryMethod = "dns_srv"
		log.Printf("[discovery] Domain found via DNS SRV: %s", domain.DomainName)
		return domain
	}

	if domain := d.discoverViaResolvConf(ctx); domain != nil {
		domain.DiscoveryMethod = "resolv_conf"
		log.Printf("[discovery] Domain found via resolv.conf: %s", domain.DomainName)
		return domain
	}

	if domain := d.discoverViaDHCP(ctx); domain != nil {
		domain.DiscoveryMethod = "dhcp"
		log.Printf("[discovery] Domain found via DHCP lease: %s", domain.DomainName)
		return domain
	}

	if domain := d.discoverViaLDAP(ctx); domain != nil {
		domain.DiscoveryMethod = "ldap_rootdse"
		log.Printf("[discovery] Domain found via LDAP rootDSE: %s", domain.DomainName)
		return domain
	}

	log.Printf("[discovery] AD domain auto-discovery failed, manual configuration required")
	return nil
}

// discoverViaDNSSRV looks up _ldap._tcp.dc._msdcs.<search-domain>, the SRV
// record every AD DC registers.
func (d *DomainDiscovery) discoverViaDNSSRV(ctx context.Context) *DiscoveredDomain {
	for _, domain := range readSearchDomains() {
		_, srvs, err := d.resolver.LookupSRV(ctx, "ldap", "tcp", "dc._msdcs."+domain)
		if err != nil || len(srvs) == 0 {
			continue
		}

		var dcs []string
		for _, srv := range srvs {
			host := strings.TrimSuffix(srv.Target, ".")
			if host != "" {
				dcs = append(dcs, host)
			}
		}
		if len(dcs) == 0 {
			continue
		}

		return &DiscoveredDomain{
			DomainName:        domain,
			NetBIOSName:       netbiosName(domain),
			DomainControllers: dcs,
			DNSServers:        readNameservers(),
			DiscoveredAt:      time.Now().UTC().Format(time.RFC3339),
		}
	}
	return nil
}

// discoverViaResolvConf uses search domains as the domain hint and tries to
// confirm by asking each configured nameserver for its rootDSE (on most
// small-business networks the DC is also the DNS server).
func (d *DomainDiscovery) discoverViaResolvConf(ctx context.Context) *DiscoveredDomain {
	searchDomains := readSearchDomains()
	nameservers := readNameservers()

	for _, domain := range searchDomains {
		for _, server := range nameservers {
			dn := queryRootDSE(ctx, server)
			if dn == "" {
				continue
			}
			if confirmed := dnToDomain(dn); confirmed != "" {
				return &DiscoveredDomain{
					DomainName:        confirmed,
					NetBIOSName:       netbiosName(confirmed),
					DomainControllers: []string{server},
					DNSServers:        nameservers,
					DiscoveredAt:      time.Now().UTC().Format(time.RFC3339),
				}
			}
		}

		// Unconfirmed hint is still worth reporting, as long as it looks
		// like a real domain and not a reverse zone.
		if strings.Contains(domain, ".") && !strings.HasSuffix(domain, ".in-addr.arpa") {
			return &DiscoveredDomain{
				DomainName:   domain,
				NetBIOSName:  netbiosName(domain),
				DNSServers:   nameservers,
				DiscoveredAt: time.Now().UTC().Format(time.RFC3339),
			}
		}
	}
	return nil
}

// discoverViaDHCP reads systemd-networkd lease files for a DOMAINNAME option.
func (d *DomainDiscovery) discoverViaDHCP(_ context.Context) *DiscoveredDomain {
	entries, err := os.ReadDir(dhcpLeaseDir)
	if err != nil {
		return nil
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dhcpLeaseDir, entry.Name()))
		if err != nil {
			continue
		}

		domain := leaseDomainName(string(data))
		if domain == "" {
			continue
		}
		return &DiscoveredDomain{
			DomainName:   domain,
			NetBIOSName:  netbiosName(domain),
			DNSServers:   readNameservers(),
			DiscoveredAt: time.Now().UTC().Format(time.RFC3339),
		}
	}
	return nil
}

// leaseDomainName extracts the DOMAINNAME option from a lease file body.
func leaseDomainName(lease string) string {
	for _, line := range strings.Split(lease, "\n") {
		if !strings.HasPrefix(line, "DOMAINNAME=") {
			continue
		}
		domain := strings.TrimPrefix(line, "DOMAINNAME=")
		domain = strings.Trim(domain, "\"' \t")
		if domain != "" && strings.Contains(domain, ".") {
			return domain
		}
	}
	return ""
}

// discoverViaLDAP probes operator-supplied candidates plus the nameservers
// directly on port 389.
func (d *DomainDiscovery) discoverViaLDAP(ctx context.Context) *DiscoveredDomain {
	candidates := append([]string{}, d.knownCandidates...)
	candidates = append(candidates, readNameservers()...)

	for _, host := range candidates {
		dn := queryRootDSE(ctx, host)
		if dn == "" {
			continue
		}
		domain := dnToDomain(dn)
		if domain == "" {
			continue
		}
		return &DiscoveredDomain{
			DomainName:        domain,
			NetBIOSName:       netbiosName(domain),
			DomainControllers: []string{host},
			DNSServers:        readNameservers(),
			DiscoveredAt:      time.Now().UTC().Format(time.RFC3339),
		}
	}
	return nil
}

// queryRootDSE asks host:389 for its defaultNamingContext with a minimal
// hand-built LDAP SearchRequest. AD answers rootDSE searches without a bind,
// so no LDAP library is needed.
func queryRootDSE(ctx context.Context, host string) string {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, "389"))
	if err != nil {
		return ""
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write(rootDSESearchRequest()); err != nil {
		return ""
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return ""
	}

	return namingContextFromResponse(buf[:n])
}

// rootDSESearchRequest builds the BER packet for:
// messageID=1, baseObject="", scope=baseObject, sizeLimit=1, timeLimit=5,
// filter=(objectClass=*), attributes=[defaultNamingContext].
func rootDSESearchRequest() []byte {
	attrs := berSequence(berOctetString("defaultNamingContext"))

	// Present filter (tag 0x87) on objectClass.
	filter := append([]byte{0x87, 0x0b}, []byte("objectClass")...)

	var body []byte
	body = append(body, berOctetString("")...) // baseObject
	body = append(body, berEnum(0)...)         // scope: baseObject
	body = append(body, berEnum(0)...)         // derefAliases: never
	body = append(body, berInteger(1)...)      // sizeLimit
	body = append(body, berInteger(5)...)      // timeLimit
	body = append(body, berBool(false)...)     // typesOnly
	body = append(body, filter...)
	body = append(body, attrs...)

	searchReq := berTagged(0x63, body) // SearchRequest application tag

	var msg []byte
	msg = append(msg, berInteger(1)...) // messageID
	msg = append(msg, searchReq...)
	return berSequence(msg)
}

// namingContextFromResponse pulls the defaultNamingContext value out of the
// LDAP response without a full BER parser.
func namingContextFromResponse(data []byte) string {
	marker := "defaultNamingContext"
	idx := strings.Index(string(data), marker)
	if idx < 0 {
		return findDNPattern(data)
	}

	// The attribute value follows as the next OCTET STRING (tag 0x04).
	rest := data[idx+len(marker):]
	for i := 0; i < len(rest)-2; i++ {
		if rest[i] == 0x04 {
			length := int(rest[i+1])
			if length > 0 && i+2+length <= len(rest) {
				return string(rest[i+2 : i+2+length])
			}
		}
	}
	return findDNPattern(data)
}

var dnPattern = regexp.MustCompile(`DC=[A-Za-z0-9_-]+(?:,DC=[A-Za-z0-9_-]+)*`)

func findDNPattern(data []byte) string {
	if match := dnPattern.Find(data); match != nil {
		return string(match)
	}
	return ""
}

// --- BER encoding helpers ---

func berSequence(data []byte) []byte {
	return berTagged(0x30, data)
}

func berTagged(tag byte, data []byte) []byte {
	out := []byte{tag}
	out = append(out, berLength(len(data))...)
	return append(out, data...)
}

func berLength(l int) []byte {
	switch {
	case l < 128:
		return []byte{byte(l)}
	case l < 256:
		return []byte{0x81, byte(l)}
	default:
		return []byte{0x82, byte(l >> 8), byte(l & 0xff)}
	}
}

func berInteger(val int) []byte {
	var data []byte
	switch {
	case val == 0:
		data = []byte{0}
	case val < 128:
		data = []byte{byte(val)}
	case val < 32768:
		data = []byte{byte(val >> 8), byte(val & 0xff)}
	default:
		data = []byte{byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)}
	}
	return append([]byte{0x02, byte(len(data))}, data...)
}

func berOctetString(val string) []byte {
	out := []byte{0x04}
	out = append(out, berLength(len(val))...)
	return append(out, []byte(val)...)
}

func berEnum(val int) []byte {
	return []byte{0x0a, 0x01, byte(val)}
}

func berBool(val bool) []byte {
	if val {
		return []byte{0x01, 0x01, 0xff}
	}
	return []byte{0x01, 0x01, 0x00}
}

// --- Domain string helpers ---

// dnToDomain converts "DC=lakeside,DC=local" to "lakeside.local".
func dnToDomain(dn string) string {
	var parts []string
	for _, component := range strings.Split(dn, ",") {
		component = strings.TrimSpace(component)
		if strings.HasPrefix(strings.ToUpper(component), "DC=") {
			parts = append(parts, component[3:])
		}
	}
	return strings.Join(parts, ".")
}

// netbiosName derives the NetBIOS name from the first DNS label.
func netbiosName(domain string) string {
	parts := strings.Split(domain, ".")
	if len(parts) > 0 {
		return strings.ToUpper(parts[0])
	}
	return ""
}

// readSearchDomains parses search/domain lines from resolv.conf.
func readSearchDomains() []string {
	data, err := os.ReadFile(resolvConfPath)
	if err != nil {
		return nil
	}

	var domains []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "search "):
			domains = append(domains, strings.Fields(line)[1:]...)
		case strings.HasPrefix(line, "domain "):
			if fields := strings.Fields(line); len(fields) >= 2 {
				domains = append(domains, fields[1])
			}
		}
	}
	return domains
}

// readNameservers parses nameserver lines from resolv.conf.
func readNameservers() []string {
	data, err := os.ReadFile(resolvConfPath)
	if err != nil {
		return nil
	}

	var servers []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "nameserver ") {
			if fields := strings.Fields(line); len(fields) >= 2 {
				servers = append(servers, fields[1])
			}
		}
	}
	return servers
}
