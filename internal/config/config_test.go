package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/musignet/musignet/internal/proto"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty key file", func(c *Config) { c.Identity.KeyFile = " " }},
		{"empty signing key file", func(c *Config) { c.Identity.SigningKeyFile = "" }},
		{"bad network", func(c *Config) { c.Identity.Network = "signet" }},
		{"port out of range", func(c *Config) { c.P2P.ListenPort = 70000 }},
		{"unknown capability", func(c *Config) { c.Signer.Capabilities = []string{"spend", "mint"} }},
		{"negative fee", func(c *Config) { c.Signer.FeeSats = -1 }},
		{"min above max", func(c *Config) { c.Signer.MinAmount = 100; c.Signer.MaxAmount = 50 }},
		{"zero expiry", func(c *Config) { c.Session.ExpirySec = 0 }},
		{"zero sweep interval", func(c *Config) { c.Session.SweepIntervalSec = 0 }},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCapabilityBits(t *testing.T) {
	s := Signer{Capabilities: []string{"spend", "wallet_create", "sweep"}}
	bits, err := s.CapabilityBits()
	if err != nil {
		t.Fatal(err)
	}
	want := proto.CapSpend | proto.CapWalletCreate | proto.CapSweep
	if bits != want {
		t.Fatalf("bits = %#x, want %#x", bits, want)
	}

	if _, err := (Signer{Capabilities: []string{"teleport"}}).CapabilityBits(); err == nil {
		t.Fatal("unknown capability accepted")
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "musignet.json")

	cfg := Default()
	cfg.Identity.Nickname = "alice"
	cfg.Identity.Network = "regtest"
	cfg.Signer.Enabled = true
	cfg.Signer.FeeSats = 42

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Identity.Nickname != "alice" || loaded.Identity.Network != "regtest" {
		t.Fatalf("identity lost in roundtrip: %+v", loaded.Identity)
	}
	if !loaded.Signer.Enabled || loaded.Signer.FeeSats != 42 {
		t.Fatalf("signer lost in roundtrip: %+v", loaded.Signer)
	}
}

func TestSaveRefusesInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "musignet.json")
	cfg := Default()
	cfg.Identity.Network = "nope"
	if err := Save(path, cfg); err == nil {
		t.Fatal("invalid config written to disk")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("refused save still left a file behind")
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "musignet.json")
	partial := []byte(`{"identity": {"nickname": "bob"}}`)
	if err := os.WriteFile(path, partial, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.Nickname != "bob" {
		t.Fatalf("nickname not applied: %q", cfg.Identity.Nickname)
	}
	// Fields absent from the file fall back to defaults.
	if cfg.Identity.Network != "testnet" || cfg.Session.ExpirySec != 300 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "musignet.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity": {"nickname": "carol"}}`)...)
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.Nickname != "carol" {
		t.Fatalf("nickname not applied: %q", cfg.Identity.Nickname)
	}
}

func TestEnsure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "musignet.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first Ensure should create the file")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	again, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second Ensure should load, not create")
	}
	if again.Identity.Network != cfg.Identity.Network {
		t.Fatal("Ensure roundtrip mismatch")
	}
}
