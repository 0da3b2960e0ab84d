package appconf

import (
	"fmt"

	"gopkg.in/gcfg.v1"
)

type SourceParams struct {
	Endpoint  string `gcfg:"endpoint"`
	Username  string `gcfg:"username"`
	Insecure  bool   `gcfg:"insecure"`
	NFSExport string `gcfg:"nfs-export"`
}

type TargetParams struct {
	Kubeconfig   string `gcfg:"kubeconfig"`
	Namespace    string `gcfg:"namespace"`
	StorageClass string `gcfg:"storage-class"`
}

type StagingParams struct {
	Dir string `gcfg:"dir"`
}

type TransferParams struct {
	MountDir        string `gcfg:"mount-dir"`
	DownloadWorkers int    `gcfg:"download-workers"`
	RetryLimit      int    `gcfg:"retry-limit"`
}

type VaultParams struct {
	Backend string `gcfg:"backend"`
	Path    string `gcfg:"path"`
}

// Config represents the vmigrate configuration.
type Config struct {
	Source   SourceParams
	Target   TargetParams
	Staging  StagingParams
	Transfer TransferParams
	Vault    VaultParams
}

func defaults() Config {
	return Config{
		Target: TargetParams{
			Namespace: "default",
		},
		Staging: StagingParams{
			Dir: "/var/lib/vmigrate/staging",
		},
		Transfer: TransferParams{
			MountDir:        "/mnt/vmigrate-export",
			DownloadWorkers: 4,
			RetryLimit:      5,
		},
		Vault: VaultParams{
			Backend: "env",
		},
	}
}

// NewConfig reads and parses the configuration file and returns
// a new instance of Config on success.
func NewConfig(p string) (*Config, error) {
	cfg := defaults()

	if err := gcfg.ReadFileInto(&cfg, p); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %s", err)
	}

	return &cfg, cfg.validate()
}

// NewConfigFromString is a test hook parsing the configuration from a string.
func NewConfigFromString(s string) (*Config, error) {
	cfg := defaults()

	if err := gcfg.ReadStringInto(&cfg, s); err != nil {
		return nil, fmt.Errorf("failed to parse config: %s", err)
	}

	return &cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Staging.Dir == "" {
		return fmt.Errorf("staging directory is not configured")
	}

	if c.Transfer.DownloadWorkers <= 0 {
		return fmt.Errorf("download-workers must be positive")
	}

	switch c.Vault.Backend {
	case "env":
	case "file":
		if c.Vault.Path == "" {
			return fmt.Errorf("vault backend %q requires a path", c.Vault.Backend)
		}
	default:
		return fmt.Errorf("unknown vault backend: %s", c.Vault.Backend)
	}

	return nil
}
