package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration file. The core consumes the database,
// pool, progression, and permission sections; the periodic_cap schedule
// fields are carried for the external reset scheduler, which owns them.
type Config struct {
	Database    Database     `yaml:"database"`
	Pool        Pool         `yaml:"pool"`
	Characters  Characters   `yaml:"characters"`
	LevelReq    map[int]int64 `yaml:"level_req"`
	XPRate      RateTable    `yaml:"xp_rate"`
	PeriodicCap *PeriodicCap `yaml:"periodic_cap"`
	Confirm     Confirm      `yaml:"confirm"`
	Permissions Permissions  `yaml:"permissions"`
}

// Database holds connection and table settings. Table names are interpolated
// into SQL text, so Validate restricts them to plain identifiers.
type Database struct {
	URL            string `yaml:"url"`
	CharacterTable string `yaml:"character_table"`
	AccountTable   string `yaml:"account_table"`
}

// Pool tunes the connection pool manager.
type Pool struct {
	MinConns        int32    `yaml:"min_conns"`
	MaxConns        int32    `yaml:"max_conns"`
	MaxRetries      int      `yaml:"max_retries"`
	RetryDelay      Duration `yaml:"retry_delay"`
	StaggerInterval Duration `yaml:"stagger_interval"`
}

// Characters holds per-pool character limits.
type Characters struct {
	MaxPerPool int `yaml:"max_per_pool"`
}

// PeriodicCap bounds roleplay XP per reset period. Cron and Timezone belong
// to the external scheduler that triggers the reset.
type PeriodicCap struct {
	Value    RateTable `yaml:"value"`
	Cron     string    `yaml:"cron"`
	Timezone string    `yaml:"timezone"`
}

// Confirm tunes the confirmation broker.
type Confirm struct {
	Timeout Duration `yaml:"timeout"`
}

// Permissions maps Discord roles to named permissions. Nested entries
// expand to basic permissions; Default applies to every caller.
type Permissions struct {
	Default []string            `yaml:"default"`
	Basic   []string            `yaml:"basic_permissions"`
	Nested  map[string][]string `yaml:"nested_permissions"`
	Roles   map[int64][]string  `yaml:"roles"`
}

// Default returns a Config with the stock tuning values. Progression tables
// have no sensible defaults and must come from the file.
func Default() *Config {
	return &Config{
		Database: Database{
			CharacterTable: "characters",
			AccountTable:   "accounts",
		},
		Pool: Pool{
			MinConns:        1,
			MaxConns:        5,
			MaxRetries:      3,
			RetryDelay:      Duration(2 * time.Second),
			StaggerInterval: Duration(250 * time.Millisecond),
		},
		Characters: Characters{MaxPerPool: 10},
		Confirm:    Confirm{Timeout: Duration(5 * time.Second)},
	}
}

// Load reads the YAML file at path, applies environment overrides
// (DATABASE_URL wins over the file value), and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Database.URL = url
	}
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required (or set DATABASE_URL)"))
	}
	if !identifierPattern.MatchString(c.Database.CharacterTable) {
		errs = append(errs, fmt.Errorf("database.character_table %q is not a plain identifier", c.Database.CharacterTable))
	}
	if !identifierPattern.MatchString(c.Database.AccountTable) {
		errs = append(errs, fmt.Errorf("database.account_table %q is not a plain identifier", c.Database.AccountTable))
	}
	if c.Pool.MinConns < 0 || c.Pool.MaxConns < 1 || c.Pool.MinConns > c.Pool.MaxConns {
		errs = append(errs, fmt.Errorf("pool: min_conns %d / max_conns %d out of range", c.Pool.MinConns, c.Pool.MaxConns))
	}
	if c.Pool.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("pool.max_retries must be at least 1, got %d", c.Pool.MaxRetries))
	}
	if c.Pool.RetryDelay < 0 || c.Pool.StaggerInterval < 0 {
		errs = append(errs, errors.New("pool delays must not be negative"))
	}
	if c.Characters.MaxPerPool < 1 {
		errs = append(errs, fmt.Errorf("characters.max_per_pool must be at least 1, got %d", c.Characters.MaxPerPool))
	}
	if len(c.LevelReq) == 0 {
		errs = append(errs, errors.New("level_req must define at least one level"))
	}
	if c.XPRate.IsZero() {
		errs = append(errs, errors.New("xp_rate is required"))
	}
	if c.Confirm.Timeout <= 0 {
		errs = append(errs, errors.New("confirm.timeout must be positive"))
	}
	return errors.Join(errs...)
}
