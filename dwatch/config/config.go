package config

import (
	"fmt"
	"strings"
	"time"

	internal "github.com/fleetops/driftwatch/dwatch"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
// There is deliberately no package-level instance: LoadConfig returns the
// value and callers pass it down explicitly.
type Config struct {
	Fields  FieldsConfig  `mapstructure:"fields"`
	Source  SourceConfig  `mapstructure:"source"`
	Store   StoreConfig   `mapstructure:"store"`
	Apply   ApplyConfig   `mapstructure:"apply"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// FieldsConfig declares the static field lists for a run. Identity fields
// build the composite key, comparison fields build the signature, volatile
// fields mark operational churn that never counts as configuration drift.
type FieldsConfig struct {
	Identity   []string            `mapstructure:"identity"`
	Comparison []string            `mapstructure:"comparison"`
	Volatile   []string            `mapstructure:"volatile"`
	Normalize  map[string][]string `mapstructure:"normalize"`
}

// SourceConfig locates the latest dataset export.
type SourceConfig struct {
	Path       string `mapstructure:"path"`
	Format     string `mapstructure:"format"` // csv | json | dir
	Pattern    string `mapstructure:"pattern"`
	IgnoreFile string `mapstructure:"ignoreFile"`
	Workers    int    `mapstructure:"workers"`
}

// StoreConfig locates the snapshot database and the cursor key-value store.
type StoreConfig struct {
	DSN          string `mapstructure:"dsn"`
	CursorStore  string `mapstructure:"cursorStore"` // sqlite | badger
	BadgerDir    string `mapstructure:"badgerDir"`
	EventLogPath string `mapstructure:"eventLogPath"`
	MaxCellChars int    `mapstructure:"maxCellChars"`
}

// ApplyConfig bounds one invocation of the resumable chunk applier.
type ApplyConfig struct {
	ChunkSize     int64         `mapstructure:"chunkSize"`
	TimeBudget    time.Duration `mapstructure:"timeBudget"`
	RetryMaxTries uint64        `mapstructure:"retryMaxTries"`
	RetryInterval time.Duration `mapstructure:"retryInterval"`
	DebounceDelay time.Duration `mapstructure:"debounceDelay"`
	MaxLockAge    time.Duration `mapstructure:"maxLockAge"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix(strings.ToUpper(internal.DefaultAppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults will be used.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.Fields.Identity) == 0 {
		return fmt.Errorf("fields.identity must name at least one field")
	}
	comparison := make(map[string]bool, len(c.Fields.Comparison))
	for _, f := range c.Fields.Comparison {
		comparison[f] = true
	}
	for _, f := range c.Fields.Identity {
		if !comparison[f] {
			return fmt.Errorf("identity field %q must also appear in fields.comparison", f)
		}
	}
	for _, f := range c.Fields.Volatile {
		if !comparison[f] {
			return fmt.Errorf("volatile field %q must also appear in fields.comparison", f)
		}
	}
	if c.Apply.ChunkSize <= 0 {
		return fmt.Errorf("apply.chunkSize must be positive, got %d", c.Apply.ChunkSize)
	}
	switch c.Store.CursorStore {
	case "sqlite", "badger":
	default:
		return fmt.Errorf("store.cursorStore must be sqlite or badger, got %q", c.Store.CursorStore)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Default field profile matches the multiplayer server list export:
	// a server is identified by its endpoint, players/guests churn freely.
	v.SetDefault("fields.identity", []string{"ip", "port"})
	v.SetDefault("fields.comparison", []string{
		"ip", "port", "sname", "owner", "map", "cversion", "version",
		"official", "partner", "featured", "password", "maxplayers",
		"modlist", "modstotal", "modstotalsize", "location", "sdesc",
		"tags", "players", "guests", "playerslist",
	})
	v.SetDefault("fields.volatile", []string{"players", "guests", "playerslist"})
	v.SetDefault("fields.normalize", map[string][]string{
		"sname":    {"strip_color_codes", "collapse_whitespace"},
		"sdesc":    {"strip_color_codes", "collapse_whitespace"},
		"map":      {"strip_path_prefix:/levels/", "strip_path_suffix:/info.json"},
		"modlist":  {"strip_archive_suffix", "collapse_whitespace"},
		"tags":     {"collapse_whitespace"},
		"ip":       {"lowercase"},
		"owner":    {"strip_color_codes", "collapse_whitespace"},
		"location": {"collapse_whitespace"},
	})

	v.SetDefault("source.format", "json")
	v.SetDefault("source.pattern", "*.csv")
	v.SetDefault("source.ignoreFile", ".dwignore")
	v.SetDefault("source.workers", 4)

	v.SetDefault("store.dsn", internal.DefaultDBPath)
	v.SetDefault("store.cursorStore", "sqlite")
	v.SetDefault("store.badgerDir", internal.DefaultCursorDir)
	v.SetDefault("store.eventLogPath", internal.DefaultEventLog)
	v.SetDefault("store.maxCellChars", 1000)

	v.SetDefault("apply.chunkSize", int64(500))
	v.SetDefault("apply.timeBudget", 4*time.Minute)
	v.SetDefault("apply.retryMaxTries", uint64(3))
	v.SetDefault("apply.retryInterval", 250*time.Millisecond)
	v.SetDefault("apply.debounceDelay", 2*time.Second)
	v.SetDefault("apply.maxLockAge", 30*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}
