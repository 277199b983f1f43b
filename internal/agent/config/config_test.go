package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFreshInstall(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PROGRAMDATA", dir)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != filepath.Join(dir, "MeridianFleet") {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.CertFile != filepath.Join(cfg.DataDir, "agent.crt") {
		t.Errorf("CertFile = %q", cfg.CertFile)
	}
	if cfg.CapabilityTier != "heal" {
		t.Errorf("CapabilityTier = %q", cfg.CapabilityTier)
	}
	if cfg.HasCertificates() {
		t.Error("fresh install reports certificates present")
	}
}

func TestLoadExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.json")
	seed := map[string]string{
		"appliance_addr":  "appliance.clinic.example:50051",
		"domain":          "clinic.example",
		"data_dir":        dir,
		"capability_tier": "full",
	}
	data, _ := json.Marshal(seed)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ApplianceAddr != "appliance.clinic.example:50051" {
		t.Errorf("ApplianceAddr = %q", cfg.ApplianceAddr)
	}
	if cfg.Domain != "clinic.example" {
		t.Errorf("Domain = %q", cfg.Domain)
	}
	if cfg.CapabilityTier != "full" {
		t.Errorf("CapabilityTier = %q", cfg.CapabilityTier)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted malformed JSON")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{DataDir: dir, ApplianceAddr: "10.20.0.5:50051"}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(filepath.Join(dir, "agent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ApplianceAddr != "10.20.0.5:50051" {
		t.Errorf("ApplianceAddr = %q", loaded.ApplianceAddr)
	}
	if loaded.QueuePath() != filepath.Join(dir, "offline-queue.db") {
		t.Errorf("QueuePath = %q", loaded.QueuePath())
	}
}

func TestHasCertificates(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		DataDir:  dir,
		CertFile: filepath.Join(dir, "agent.crt"),
		KeyFile:  filepath.Join(dir, "agent.key"),
		CAFile:   filepath.Join(dir, "ca.crt"),
	}
	if cfg.HasCertificates() {
		t.Error("HasCertificates true with no files")
	}
	for _, p := range []string{cfg.CertFile, cfg.KeyFile, cfg.CAFile} {
		if err := os.WriteFile(p, []byte("pem"), 0o600); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	if !cfg.HasCertificates() {
		t.Error("HasCertificates false with all files present")
	}
}
