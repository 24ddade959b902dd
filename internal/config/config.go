package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/musignet/musignet/internal/proto"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Signer   Signer   `json:"signer"`
	Session  Session  `json:"session"`
	Storage  Storage  `json:"storage"`
}

type Identity struct {
	// KeyFile holds the libp2p transport identity key.
	KeyFile string `json:"key_file"`
	// SigningKeyFile holds the secp256k1 signing key, 32 bytes hex.
	// Generated on first run when missing.
	SigningKeyFile string `json:"signing_key_file"`
	Nickname       string `json:"nickname"`
	// Network is mainnet, testnet or regtest.
	Network string `json:"network"`
}

type P2P struct {
	ListenPort     int      `json:"listen_port"`
	MdnsEnabled    bool     `json:"mdns_enabled"`
	BootstrapAddrs []string `json:"bootstrap_addrs"`
}

type Signer struct {
	// Enabled controls whether this node advertises itself as a co-signer
	// once the DHT is ready.
	Enabled bool `json:"enabled"`
	// Capabilities: spend, wallet_create, sweep.
	Capabilities []string `json:"capabilities"`
	FeeSats      int64    `json:"fee_sats"`
	MinAmount    int64    `json:"min_amount"`
	MaxAmount    int64    `json:"max_amount"`
}

type Session struct {
	ExpirySec        int `json:"expiry_seconds"`
	SweepIntervalSec int `json:"sweep_interval_seconds"`
}

type Storage struct {
	DataDir string `json:"data_dir"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile:        "data/identity.key",
			SigningKeyFile: "data/signing.key",
			Network:        "testnet",
		},
		P2P: P2P{
			ListenPort:  0,
			MdnsEnabled: true,
		},
		Signer: Signer{
			Enabled:      false,
			Capabilities: []string{"spend", "wallet_create"},
		},
		Session: Session{
			ExpirySec:        300,
			SweepIntervalSec: 300,
		},
		Storage: Storage{
			DataDir: "data",
		},
	}
}

// CapabilityBits maps the configured capability names to the wire bitset.
func (s Signer) CapabilityBits() (uint32, error) {
	var bits uint32
	for _, name := range s.Capabilities {
		switch name {
		case "spend":
			bits |= proto.CapSpend
		case "wallet_create":
			bits |= proto.CapWalletCreate
		case "sweep":
			bits |= proto.CapSweep
		default:
			return 0, fmt.Errorf("unknown signer capability %q", name)
		}
	}
	return bits, nil
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Identity.SigningKeyFile) == "" {
		return errors.New("identity.signing_key_file is required")
	}
	switch c.Identity.Network {
	case "mainnet", "testnet", "regtest":
	default:
		return errors.New("identity.network must be mainnet, testnet or regtest")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}

	// Signer
	if _, err := c.Signer.CapabilityBits(); err != nil {
		return fmt.Errorf("signer.capabilities: %w", err)
	}
	if c.Signer.FeeSats < 0 {
		return errors.New("signer.fee_sats must be >= 0")
	}
	if c.Signer.MinAmount < 0 || c.Signer.MaxAmount < 0 {
		return errors.New("signer amounts must be >= 0")
	}
	if c.Signer.MaxAmount > 0 && c.Signer.MinAmount > c.Signer.MaxAmount {
		return errors.New("signer.min_amount must be <= signer.max_amount")
	}

	// Session
	if c.Session.ExpirySec <= 0 {
		return errors.New("session.expiry_seconds must be > 0")
	}
	if c.Session.SweepIntervalSec <= 0 {
		return errors.New("session.sweep_interval_seconds must be > 0")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return errors.New("storage.data_dir is required")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return writeJSONFile(path, cfg)
}

// writeJSONFile writes pretty-printed JSON atomically: temp file in the
// same directory, then rename.
func writeJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
