// Package config loads the engine configuration from a YAML file with an
// environment overlay for deployment specific values.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/ecocore/internal/domain"
)

// EnvPrefix prefix of every environment override.
const EnvPrefix = "ECOCORE_"

// Money amount written as a decimal string, e.g. "100000.50".
type Money domain.Micros

// UnmarshalYAML parses a decimal string into micros.
func (m *Money) UnmarshalYAML(n *yaml.Node) error {
	d, err := decimal.NewFromString(strings.TrimSpace(n.Value))
	if err != nil {
		return fmt.Errorf("line %d: incorrect money value %q: %w", n.Line, n.Value, err)
	}
	v, err := domain.FromDecimal(d)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*m = Money(v)
	return nil
}

// MarshalYAML writes the amount as a decimal string.
func (m Money) MarshalYAML() (any, error) {
	return domain.Micros(m).Decimal().String(), nil
}

// Micros returns the amount as micros.
func (m Money) Micros() domain.Micros { return domain.Micros(m) }

type Config struct {
	Node       Node          `yaml:"node"`
	Database   Database      `yaml:"database"`
	Journal    Journal       `yaml:"journal"`
	Cache      Cache         `yaml:"cache"`
	Bridge     Bridge        `yaml:"bridge"`
	Settlement Settlement    `yaml:"settlement"`
	Regulator  Regulator     `yaml:"regulator"`
	Market     Market        `yaml:"market"`
	Pricing    Pricing       `yaml:"pricing"`
	Economy    Economy       `yaml:"economy"`
	Sync       Sync          `yaml:"sync"`
	Metrics    Metrics       `yaml:"metrics"`
	Catalog    []CatalogItem `yaml:"catalog"`
}

type Node struct {
	ID        string `yaml:"id"`
	IOWorkers int    `yaml:"io_workers"`
	// Online is the population estimate used for saturation and the
	// controller target.
	Online int `yaml:"online"`
}

type Database struct {
	Driver       string   `yaml:"driver"`
	DSN          string   `yaml:"dsn"`
	MaxOpenConns int      `yaml:"max_open_conns"`
	Postgres     Postgres `yaml:"postgres"`
}

type Postgres struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

type Journal struct {
	Dir              string `yaml:"dir"`
	SegmentThreshold int    `yaml:"segment_threshold"`
	MaxSegments      int    `yaml:"max_segments"`
}

type Cache struct {
	Capacity     int           `yaml:"capacity"`
	IdleExpiry   time.Duration `yaml:"idle_expiry"`
	JanitorEvery time.Duration `yaml:"janitor_every"`
}

type Bridge struct {
	WarnCooldown time.Duration `yaml:"warn_cooldown"`
}

type Settlement struct {
	FallbackMode          string        `yaml:"fallback_mode"`
	FallbackTaxRate       float64       `yaml:"fallback_tax_rate"`
	ShadowMode            bool          `yaml:"shadow_mode"`
	VelocityHalfLife      time.Duration `yaml:"velocity_half_life"`
	VelocityIdle          time.Duration `yaml:"velocity_idle"`
	ReconcileInterval     time.Duration `yaml:"reconcile_interval"`
	ReconcileInitialDelay time.Duration `yaml:"reconcile_initial_delay"`
	ReconcileTimeout      time.Duration `yaml:"reconcile_timeout"`
}

type Regulator struct {
	BaseTaxRate       float64 `yaml:"base_tax_rate"`
	LuxuryThreshold   Money   `yaml:"luxury_threshold"`
	LuxuryTaxRate     float64 `yaml:"luxury_tax_rate"`
	WealthGapTaxRate  float64 `yaml:"wealth_gap_tax_rate"`
	PoorThreshold     Money   `yaml:"poor_threshold"`
	RichThreshold     Money   `yaml:"rich_threshold"`
	WarningRatio      float64 `yaml:"warning_ratio"`
	WarningMinAmount  Money   `yaml:"warning_min_amount"`
	NewbieHours       float64 `yaml:"newbie_hours"`
	VeteranHours      float64 `yaml:"veteran_hours"`
	VelocityThreshold float64 `yaml:"velocity_threshold"`
}

type Market struct {
	SeasonalAmplitude    float64 `yaml:"seasonal_amplitude"`
	WeekendMultiplier    float64 `yaml:"weekend_multiplier"`
	NewbieProtectionRate float64 `yaml:"newbie_protection_rate"`
	SeasonalWeight       float64 `yaml:"seasonal_weight"`
	WeekendWeight        float64 `yaml:"weekend_weight"`
	NewbieWeight         float64 `yaml:"newbie_weight"`
	InflationWeight      float64 `yaml:"inflation_weight"`
}

type Pricing struct {
	Interval          time.Duration `yaml:"interval"`
	DefaultLambda     float64       `yaml:"default_lambda"`
	TauDays           float64       `yaml:"tau_days"`
	TargetRatePerUser float64       `yaml:"target_rate_per_user"`
	SellRatio         float64       `yaml:"sell_ratio"`
	HistoryDays       int           `yaml:"history_days"`
	HistoryCapacity   int           `yaml:"history_capacity"`
	BatchChunk        int           `yaml:"batch_chunk"`
}

type Economy struct {
	M1Supply            Money         `yaml:"m1_supply"`
	VolatilityThreshold Money         `yaml:"volatility_threshold"`
	DailyDecayRate      float64       `yaml:"daily_decay_rate"`
	CapacityPerUser     float64       `yaml:"capacity_per_user"`
	AnalyticsInterval   time.Duration `yaml:"analytics_interval"`
	DecayInterval       time.Duration `yaml:"decay_interval"`
	StateFile           string        `yaml:"state_file"`
}

type Sync struct {
	Enabled       bool   `yaml:"enabled"`
	Transport     string `yaml:"transport"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Channel       string `yaml:"channel"`
	QueueSize     int    `yaml:"queue_size"`
	FlushBatch    int    `yaml:"flush_batch"`
}

type Metrics struct {
	Listen string `yaml:"listen"`
}

type CatalogItem struct {
	ProductID string  `yaml:"product_id"`
	BasePrice Money   `yaml:"base_price"`
	Lambda    float64 `yaml:"lambda"`
}

// envOverlay deployment values that may come from the environment.
type envOverlay struct {
	NodeID           string `env:"NODE_ID"`
	DatabaseDriver   string `env:"DATABASE_DRIVER"`
	DatabaseDSN      string `env:"DATABASE_DSN"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	JournalDir       string `env:"JOURNAL_DIR"`
	RedisAddr        string `env:"REDIS_ADDR"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	MetricsListen    string `env:"METRICS_LISTEN"`
}

// Default returns the configuration used for every value a file leaves out.
func Default() Config {
	return Config{
		Node: Node{IOWorkers: 16, Online: 1},
		Database: Database{
			Driver: "sqlite",
			DSN:    "ecocore.db",
			Postgres: Postgres{
				Port:    5432,
				SSLMode: "disable",
			},
		},
		Journal: Journal{Dir: "data/journal"},
		Cache: Cache{
			Capacity:     2000,
			IdleExpiry:   2 * time.Hour,
			JanitorEvery: time.Minute,
		},
		Bridge: Bridge{WarnCooldown: 5 * time.Minute},
		Settlement: Settlement{
			FallbackMode:          "permissive",
			FallbackTaxRate:       0.05,
			VelocityHalfLife:      time.Minute,
			VelocityIdle:          5 * time.Minute,
			ReconcileInterval:     10 * time.Minute,
			ReconcileInitialDelay: time.Minute,
			ReconcileTimeout:      5 * time.Minute,
		},
		Regulator: Regulator{
			BaseTaxRate:       0.05,
			LuxuryThreshold:   Money(100_000 * domain.MicrosPerUnit),
			LuxuryTaxRate:     0.10,
			WealthGapTaxRate:  0.20,
			PoorThreshold:     Money(10_000 * domain.MicrosPerUnit),
			RichThreshold:     Money(1_000_000 * domain.MicrosPerUnit),
			WarningRatio:      0.9,
			WarningMinAmount:  Money(50_000 * domain.MicrosPerUnit),
			NewbieHours:       10,
			VeteranHours:      100,
			VelocityThreshold: 20,
		},
		Market: Market{
			SeasonalAmplitude:    0.15,
			WeekendMultiplier:    1.2,
			NewbieProtectionRate: 0.2,
			SeasonalWeight:       0.25,
			WeekendWeight:        0.25,
			NewbieWeight:         0.25,
			InflationWeight:      0.25,
		},
		Pricing: Pricing{
			Interval:          2 * time.Second,
			DefaultLambda:     0.002,
			TauDays:           7,
			TargetRatePerUser: 0.05,
			SellRatio:         0.5,
			HistoryDays:       7,
			HistoryCapacity:   3000,
			BatchChunk:        500,
		},
		Economy: Economy{
			M1Supply:            Money(10_000_000 * domain.MicrosPerUnit),
			VolatilityThreshold: Money(50_000 * domain.MicrosPerUnit),
			DailyDecayRate:      0.05,
			CapacityPerUser:     5000,
			AnalyticsInterval:   time.Second,
			DecayInterval:       30 * time.Minute,
			StateFile:           "data/economy.yaml",
		},
		Sync: Sync{
			Transport:  "redis",
			RedisAddr:  "127.0.0.1:6379",
			Channel:    "ecobridge:global_trade",
			QueueSize:  10000,
			FlushBatch: 100,
		},
	}
}

// Load reads path (optional) and the process environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, nil)
}

// LoadWithEnv is Load with an explicit environment. A nil environ reads the process environment.
func LoadWithEnv(path string, environ map[string]string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	var ov envOverlay
	if err := env.ParseWithOptions(&ov, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	ov.apply(&cfg)

	if cfg.Node.ID == "" {
		cfg.Node.ID = "node-" + uuid.NewString()[:8]
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (ov envOverlay) apply(c *Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Node.ID, ov.NodeID)
	set(&c.Database.Driver, ov.DatabaseDriver)
	set(&c.Database.DSN, ov.DatabaseDSN)
	set(&c.Database.Postgres.Password, ov.PostgresPassword)
	set(&c.Journal.Dir, ov.JournalDir)
	set(&c.Sync.RedisAddr, ov.RedisAddr)
	set(&c.Sync.RedisPassword, ov.RedisPassword)
	set(&c.Metrics.Listen, ov.MetricsListen)
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" && c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host or database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}

	if c.Journal.Dir == "" {
		return fmt.Errorf("journal.dir is required")
	}
	if c.Node.IOWorkers <= 0 {
		return fmt.Errorf("node.io_workers must be positive, got %d", c.Node.IOWorkers)
	}
	if c.Node.Online < 0 {
		return fmt.Errorf("node.online must not be negative, got %d", c.Node.Online)
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be positive, got %d", c.Cache.Capacity)
	}

	switch c.Settlement.FallbackMode {
	case "permissive", "strict":
	default:
		return fmt.Errorf("settlement.fallback_mode must be permissive or strict, got %q", c.Settlement.FallbackMode)
	}
	if err := rate("settlement.fallback_tax_rate", c.Settlement.FallbackTaxRate); err != nil {
		return err
	}
	for name, v := range map[string]float64{
		"regulator.base_tax_rate":       c.Regulator.BaseTaxRate,
		"regulator.luxury_tax_rate":     c.Regulator.LuxuryTaxRate,
		"regulator.wealth_gap_tax_rate": c.Regulator.WealthGapTaxRate,
		"regulator.warning_ratio":       c.Regulator.WarningRatio,
		"economy.daily_decay_rate":      c.Economy.DailyDecayRate,
	} {
		if err := rate(name, v); err != nil {
			return err
		}
	}
	if c.Regulator.PoorThreshold > c.Regulator.RichThreshold {
		return fmt.Errorf("regulator.poor_threshold %s exceeds rich_threshold %s",
			c.Regulator.PoorThreshold.Micros(), c.Regulator.RichThreshold.Micros())
	}

	if c.Pricing.Interval <= 0 {
		return fmt.Errorf("pricing.interval must be positive")
	}
	if c.Pricing.SellRatio <= 0 || c.Pricing.SellRatio > 1 {
		return fmt.Errorf("pricing.sell_ratio must be in (0, 1], got %v", c.Pricing.SellRatio)
	}
	if c.Pricing.TauDays <= 0 {
		return fmt.Errorf("pricing.tau_days must be positive, got %v", c.Pricing.TauDays)
	}
	if c.Economy.M1Supply <= 0 {
		return fmt.Errorf("economy.m1_supply must be positive")
	}

	if c.Sync.Enabled {
		switch c.Sync.Transport {
		case "redis":
			if c.Sync.RedisAddr == "" {
				return fmt.Errorf("sync.redis_addr is required for the redis transport")
			}
		case "memory":
		default:
			return fmt.Errorf("unsupported sync.transport %q", c.Sync.Transport)
		}
	}

	seen := make(map[string]struct{}, len(c.Catalog))
	for i, it := range c.Catalog {
		if it.ProductID == "" {
			return fmt.Errorf("catalog[%d]: product_id is required", i)
		}
		if _, dup := seen[it.ProductID]; dup {
			return fmt.Errorf("catalog[%d]: duplicate product_id %q", i, it.ProductID)
		}
		seen[it.ProductID] = struct{}{}
		if it.BasePrice <= 0 {
			return fmt.Errorf("catalog[%d]: base_price of %q must be positive", i, it.ProductID)
		}
		if it.Lambda < 0 {
			return fmt.Errorf("catalog[%d]: lambda of %q must not be negative", i, it.ProductID)
		}
	}
	return nil
}

func rate(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be in [0, 1], got %v", name, v)
	}
	return nil
}
