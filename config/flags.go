package config

import (
	"github.com/spf13/pflag"
)

// Flags command line overrides, applied after the file and the environment.
type Flags struct {
	Path          string
	NodeID        string
	DatabaseDSN   string
	MetricsListen string
	Shadow        bool
	Debug         bool
}

// Register binds the flags to fs.
func (f *Flags) Register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.Path, "config", "c", "", "path to yaml config")
	fs.StringVar(&f.NodeID, "node-id", "", "node identity used for cross-node sync")
	fs.StringVar(&f.DatabaseDSN, "dsn", "", "database dsn, overrides database.dsn")
	fs.StringVar(&f.MetricsListen, "metrics-listen", "", "address of the /metrics endpoint, e.g. :9090")
	fs.BoolVar(&f.Shadow, "shadow", false, "audit and log transfers without moving funds")
	fs.BoolVar(&f.Debug, "debug", false, "development logging")
}

// Load reads the configuration and applies the flag overrides.
func (f *Flags) Load() (Config, error) {
	cfg, err := Load(f.Path)
	if err != nil {
		return Config{}, err
	}
	f.apply(&cfg)
	return cfg, cfg.Validate()
}

func (f *Flags) apply(c *Config) {
	if f.NodeID != "" {
		c.Node.ID = f.NodeID
	}
	if f.DatabaseDSN != "" {
		c.Database.DSN = f.DatabaseDSN
	}
	if f.MetricsListen != "" {
		c.Metrics.Listen = f.MetricsListen
	}
	if f.Shadow {
		c.Settlement.ShadowMode = true
	}
}
