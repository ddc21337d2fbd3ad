package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	SQLitePath          string        `mapstructure:"SQLITE_PATH"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	CacheTTL            time.Duration `mapstructure:"CACHE_TTL"`
	BedDirectoryFile    string        `mapstructure:"BED_DIRECTORY_FILE"`
	WardTimezone        string        `mapstructure:"WARD_TIMEZONE"`
	SaveMode            string        `mapstructure:"SAVE_MODE"`
	VersionPolicy       string        `mapstructure:"VERSION_POLICY"`
	TeamReadConcurrency int           `mapstructure:"TEAM_READ_CONCURRENCY"`
	BodyLimit           string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"SQLITE_PATH", "REDIS_URL", "CACHE_TTL", "BED_DIRECTORY_FILE",
	"WARD_TIMEZONE", "SAVE_MODE", "VERSION_POLICY", "TEAM_READ_CONCURRENCY",
	"BODY_LIMIT", "REQUEST_TIMEOUT", "CORS_ORIGINS",
}

// Load reads the environment, then an optional .env file in the working
// directory. DATABASE_URL selects Postgres; without it the server runs on
// the embedded SQLite file at SQLITE_PATH.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SQLITE_PATH", "./data/handover.db")
	v.SetDefault("CACHE_TTL", "2m")
	v.SetDefault("WARD_TIMEZONE", "Local")
	v.SetDefault("SAVE_MODE", "atomic")
	v.SetDefault("VERSION_POLICY", "best-effort")
	v.SetDefault("TEAM_READ_CONCURRENCY", 4)
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

// Location resolves WARD_TIMEZONE. "Local" and "" mean the host zone.
func (c *Config) Location() (*time.Location, error) {
	if c.WardTimezone == "" || c.WardTimezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.WardTimezone)
	if err != nil {
		return nil, fmt.Errorf("WARD_TIMEZONE %q: %w", c.WardTimezone, err)
	}
	return loc, nil
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	switch c.SaveMode {
	case "", "atomic", "independent":
	default:
		return fmt.Errorf("SAVE_MODE must be \"atomic\" or \"independent\", got %q", c.SaveMode)
	}
	switch c.VersionPolicy {
	case "", "best-effort", "strict":
	default:
		return fmt.Errorf("VERSION_POLICY must be \"best-effort\" or \"strict\", got %q", c.VersionPolicy)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.TeamReadConcurrency <= 0 {
		return fmt.Errorf("TEAM_READ_CONCURRENCY must be positive, got %d", c.TeamReadConcurrency)
	}
	if c.UsesPostgres() && c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if !c.UsesPostgres() && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when DATABASE_URL is not set")
	}
	return nil
}
