package infra

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration. Values loaded from yaml
// can be overridden by environment variables afterwards.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Ledger struct {
		Chain        string  `yaml:"chain"`
		Network      string  `yaml:"network"`
		NodeWSURL    string  `yaml:"node_ws_url"`
		RPCPerSecond float64 `yaml:"rpc_per_second"`
		RPCBurst     int     `yaml:"rpc_burst"`
	} `yaml:"ledger"`

	Tracking struct {
		PollIntervalSec int `yaml:"poll_interval_sec"`
		// PendingLedgerThreshold is how many validated ledgers must pass
		// before a still-pending submission is looked up by hash.
		PendingLedgerThreshold int64    `yaml:"pending_ledger_threshold"`
		RegistrySize           int      `yaml:"registry_size"`
		Wallets                []string `yaml:"wallets"`
	} `yaml:"tracking"`

	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file, applies
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Tracking.PollIntervalSec <= 0 {
		cfg.Tracking.PollIntervalSec = 10
	}
	if cfg.Tracking.PendingLedgerThreshold <= 0 {
		cfg.Tracking.PendingLedgerThreshold = 3
	}
	if cfg.Tracking.RegistrySize <= 0 {
		cfg.Tracking.RegistrySize = 32
	}
	if cfg.Ledger.RPCPerSecond <= 0 {
		cfg.Ledger.RPCPerSecond = 10
	}
	if cfg.Ledger.RPCBurst <= 0 {
		cfg.Ledger.RPCBurst = 5
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "dextrack.db"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Ledger.Chain == "" || c.Ledger.Network == "" {
		return fmt.Errorf("ledger chain and network are required")
	}
	if !strings.HasPrefix(c.Ledger.NodeWSURL, "ws://") && !strings.HasPrefix(c.Ledger.NodeWSURL, "wss://") {
		return fmt.Errorf("invalid node WS URL: %s", c.Ledger.NodeWSURL)
	}
	for _, w := range c.Tracking.Wallets {
		if w == "" {
			return fmt.Errorf("empty wallet address in tracking.wallets")
		}
	}
	return nil
}

// overrideWithEnv applies environment variables over file values.
// Environment takes precedence so deployments can swap nodes without
// editing the config file.
func overrideWithEnv(cfg *Config) {
	if url := os.Getenv("DEXTRACK_NODE_URL"); url != "" {
		cfg.Ledger.NodeWSURL = url
	}
	if path := os.Getenv("DEXTRACK_DB_PATH"); path != "" {
		cfg.Storage.DBPath = path
	}
	if network := os.Getenv("DEXTRACK_NETWORK"); network != "" {
		cfg.Ledger.Network = network
	}
}
