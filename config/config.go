// Package config loads node configuration: the CLI flags, the on-disk
// JSON overlay, and the genesis parameters for both chains.
package config

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultListenPort is the node's fixed P2P listening port.
const DefaultListenPort = 44034

// DefaultNetworkName is used when --network-name is not given.
const DefaultNetworkName = "purple"

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`
	NodeCert string `json:"node_cert"`
	NodeKey  string `json:"node_key"`
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

// GenesisConfig describes each chain's initial state.
type GenesisConfig struct {
	ChainID        string            `json:"chain_id"`
	Alloc          map[string]uint64 `json:"alloc"`           // pubkey hex -> initial balance
	AuthorizedKeys []string          `json:"authorized_keys"` // empty -> open mining policy
	Timestamp      int64             `json:"timestamp"`
}

// Config holds all node configuration: CLI-overridable fields plus an
// optional on-disk JSON overlay for seed peers, TLS, and genesis.
type Config struct {
	NetworkName   string        `json:"network_name"`
	MempoolSizeMB int           `json:"mempool_size_mb"`
	MaxPeers      int           `json:"max_peers"`
	ListenPort    int           `json:"listen_port"`
	DataDir       string        `json:"data_dir,omitempty"` // empty -> derived from NetworkName
	Genesis       GenesisConfig `json:"genesis"`
	SeedPeers     []SeedPeer    `json:"seed_peers,omitempty"`
	TLS           *TLSConfig    `json:"tls,omitempty"`
	FinalityDepth uint64        `json:"finality_depth"` // 0 -> chain.DefaultFinalityHorizon

	Difficulty  uint32 `json:"difficulty"`    // pow chain leading-zero-bit target
	MaxBlockTxs int    `json:"max_block_txs"` // 0 -> consensus.Proposer default

	Mine    bool `json:"-"` // run the local proof-of-work miner
	Propose bool `json:"-"` // run the local state-block proposer

	ValidatorKeystore string `json:"-"` // path to an encrypted mining/proposing key
	ValidatorPassword string `json:"-"` // decrypts ValidatorKeystore
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NetworkName:   DefaultNetworkName,
		MempoolSizeMB: 150,
		MaxPeers:      8,
		ListenPort:    DefaultListenPort,
		Difficulty:    8,
		Genesis: GenesisConfig{
			ChainID: DefaultNetworkName,
			Alloc:   map[string]uint64{},
		},
	}
}

// ParseFlags builds a Config from the command line:
// --network-name, --mempool-size, --max-peers, plus an optional
// --config overlay file for seed peers / TLS / genesis, and the
// validator flags that enable this node's own block production.
func ParseFlags(fs *flag.FlagSet, args []string) (*Config, error) {
	networkName := fs.String("network-name", DefaultNetworkName, "network name; determines the storage root")
	mempoolSize := fs.Int("mempool-size", 150, "mempool size in MB")
	maxPeers := fs.Int("max-peers", 8, "maximum simultaneous peer connections")
	configPath := fs.String("config", "", "optional path to a JSON config overlay (seed peers, TLS, genesis)")
	difficulty := fs.Uint("difficulty", 8, "pow chain leading-zero-bit difficulty target")
	mine := fs.Bool("mine", false, "run the local proof-of-work miner")
	propose := fs.Bool("propose", false, "run the local state-block proposer")
	validatorKeystore := fs.String("validator-keystore", "", "path to an encrypted mining/proposing keystore")
	validatorPassword := fs.String("validator-password", "", "password for --validator-keystore")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		overlay, err := Load(*configPath)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		cfg = overlay
	}

	cfg.NetworkName = *networkName
	cfg.MempoolSizeMB = *mempoolSize
	cfg.MaxPeers = *maxPeers
	cfg.Difficulty = uint32(*difficulty)
	cfg.Mine = *mine
	cfg.Propose = *propose
	cfg.ValidatorKeystore = *validatorKeystore
	cfg.ValidatorPassword = *validatorPassword
	if cfg.ListenPort == 0 {
		cfg.ListenPort = DefaultListenPort
	}
	if cfg.Genesis.ChainID == "" {
		cfg.Genesis.ChainID = cfg.NetworkName
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads a JSON config overlay file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required fields are well-formed.
func (c *Config) Validate() error {
	if c.NetworkName == "" {
		return fmt.Errorf("network_name must not be empty")
	}
	if c.MempoolSizeMB <= 0 {
		return fmt.Errorf("mempool_size must be > 0, got %d", c.MempoolSizeMB)
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("max_peers must be > 0, got %d", c.MaxPeers)
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port must be 1-65535, got %d", c.ListenPort)
	}
	if (c.Mine || c.Propose) && c.ValidatorKeystore == "" {
		return fmt.Errorf("--mine/--propose require --validator-keystore")
	}
	for i, k := range c.Genesis.AuthorizedKeys {
		b, err := hex.DecodeString(k)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("genesis.authorized_keys[%d]: must be 64-char hex (32 bytes ed25519 pubkey), got %q", i, k)
		}
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// StorageRoot returns <home>/purple/<network_name>/db, unless DataDir
// was explicitly overridden in the config overlay.
func (c *Config) StorageRoot() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, "purple", c.NetworkName, "db"), nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
