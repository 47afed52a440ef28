// Package config loads the daemon configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Addr        string   `yaml:"addr"`
	DBPath      string   `yaml:"db_path"`
	CORSOrigins []string `yaml:"cors_origins"`

	Ledger     LedgerConfig     `yaml:"ledger"`
	Settle     SettleConfig     `yaml:"settle"`
	Log        LogConfig        `yaml:"log"`
	Currencies []CurrencyConfig `yaml:"currencies"`
}

// LedgerConfig bounds every account balance. Values are exact decimal
// strings; empty means the symmetric default of ±10^100.
type LedgerConfig struct {
	Min string `yaml:"min"`
	Max string `yaml:"max"`
}

type SettleConfig struct {
	IdleIntervalMS  int `yaml:"idle_interval_ms"`
	TrendWindowDays int `yaml:"trend_window_days"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// CurrencyConfig declares one unit of account the daemon circulates. The
// daemon creates the owning authority account for each at startup.
type CurrencyConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

func Default() Config {
	return Config{
		Addr:   ":8090",
		DBPath: "bazaar.db",
		Settle: SettleConfig{
			IdleIntervalMS:  1000,
			TrendWindowDays: 7,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist) over the defaults, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, err
		}
		if err == nil {
			if err := yaml.Unmarshal(content, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("BAZAAR_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("BAZAAR_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BAZAAR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BAZAAR_CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.CORSOrigins = origins
	}

	return cfg, nil
}

// LedgerBounds parses the configured balance bounds.
func (c Config) LedgerBounds() (min, max decimal.Decimal, err error) {
	bound := decimal.New(1, 100)
	min, max = bound.Neg(), bound

	if c.Ledger.Min != "" {
		if min, err = decimal.NewFromString(c.Ledger.Min); err != nil {
			return min, max, fmt.Errorf("ledger min: %w", err)
		}
	}
	if c.Ledger.Max != "" {
		if max, err = decimal.NewFromString(c.Ledger.Max); err != nil {
			return min, max, fmt.Errorf("ledger max: %w", err)
		}
	}
	if min.GreaterThan(max) {
		return min, max, fmt.Errorf("ledger min %s exceeds max %s", min, max)
	}
	return min, max, nil
}

// IdleInterval returns the settlement loop's idle tick.
func (c Config) IdleInterval() time.Duration {
	ms := c.Settle.IdleIntervalMS
	if ms <= 0 {
		ms = 1000
	}
	return time.Duration(ms) * time.Millisecond
}

// CurrencyIDs parses the configured currency ids.
func (c Config) CurrencyIDs() (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(c.Currencies))
	for _, cur := range c.Currencies {
		id, err := uuid.Parse(cur.ID)
		if err != nil {
			return nil, fmt.Errorf("currency %q: %w", cur.Name, err)
		}
		out[id] = cur.Name
	}
	return out, nil
}
