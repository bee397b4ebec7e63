// Package config loads offsync settings from defaults, an optional YAML
// file and OFFSYNC_* environment variables, and validates them against an
// embedded CUE schema.
package config

import (
	_ "embed"
	"fmt"
	"reflect"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes environment overrides, e.g. OFFSYNC_SYNC_WORKERS.
const EnvPrefix = "OFFSYNC"

type Config struct {
	Store        StoreConfig        `mapstructure:"store" json:"store" yaml:"store"`
	Cache        CacheConfig        `mapstructure:"cache" json:"cache" yaml:"cache"`
	Remote       RemoteConfig       `mapstructure:"remote" json:"remote" yaml:"remote"`
	Sync         SyncConfig         `mapstructure:"sync" json:"sync" yaml:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" json:"connectivity" yaml:"connectivity"`
	Logging      LoggingConfig      `mapstructure:"logging" json:"logging" yaml:"logging"`
	Server       ServerConfig       `mapstructure:"server" json:"server" yaml:"server"`
	Collections  []string           `mapstructure:"collections" json:"collections" yaml:"collections"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" json:"path" yaml:"path"`
}

// CacheConfig sizes the cache tiers. An empty DiskDir disables the disk tier.
type CacheConfig struct {
	MemoryEntries int    `mapstructure:"memory_entries" json:"memory_entries" yaml:"memory_entries"`
	DiskDir       string `mapstructure:"disk_dir" json:"disk_dir" yaml:"disk_dir"`
	DiskMaxBytes  int64  `mapstructure:"disk_max_bytes" json:"disk_max_bytes" yaml:"disk_max_bytes"`
}

// RemoteConfig locates the remote data source. An empty BaseURL runs an
// in-process remote, useful for demos and scenario runs.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
}

type SyncConfig struct {
	Workers     int           `mapstructure:"workers" json:"workers" yaml:"workers"`
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts" yaml:"max_attempts"`
	CallTimeout time.Duration `mapstructure:"call_timeout" json:"call_timeout" yaml:"call_timeout"`
	Freshness   time.Duration `mapstructure:"freshness" json:"freshness" yaml:"freshness"`
	// Schedule is a cron spec for periodic passes; empty runs the
	// continuous sync loop instead.
	Schedule string        `mapstructure:"schedule" json:"schedule" yaml:"schedule"`
	Backoff  BackoffConfig `mapstructure:"backoff" json:"backoff" yaml:"backoff"`
}

type BackoffConfig struct {
	Base       time.Duration `mapstructure:"base" json:"base" yaml:"base"`
	Max        time.Duration `mapstructure:"max" json:"max" yaml:"max"`
	Multiplier float64       `mapstructure:"multiplier" json:"multiplier" yaml:"multiplier"`
	Jitter     float64       `mapstructure:"jitter" json:"jitter" yaml:"jitter"`
}

// ConnectivityConfig controls the health prober. A zero ProbeInterval
// assumes the remote is always reachable.
type ConnectivityConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval" json:"probe_interval" yaml:"probe_interval"`
	FailThreshold int           `mapstructure:"fail_threshold" json:"fail_threshold" yaml:"fail_threshold"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`
	Format string `mapstructure:"format" json:"format" yaml:"format"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" json:"addr" yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Path: "offsync.db"},
		Cache: CacheConfig{
			MemoryEntries: 256,
			DiskDir:       ".offsync-cache",
			DiskMaxBytes:  64 << 20,
		},
		Remote: RemoteConfig{Timeout: 10 * time.Second},
		Sync: SyncConfig{
			Workers:     4,
			MaxAttempts: 8,
			CallTimeout: 15 * time.Second,
			Freshness:   5 * time.Minute,
			Backoff: BackoffConfig{
				Base:       time.Second,
				Max:        5 * time.Minute,
				Multiplier: 2,
				Jitter:     0.2,
			},
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
			FailThreshold: 2,
		},
		Logging:     LoggingConfig{Level: "info", Format: "text"},
		Server:      ServerConfig{Addr: ":8080"},
		Collections: []string{"default"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("cache.memory_entries", d.Cache.MemoryEntries)
	v.SetDefault("cache.disk_dir", d.Cache.DiskDir)
	v.SetDefault("cache.disk_max_bytes", d.Cache.DiskMaxBytes)
	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("sync.workers", d.Sync.Workers)
	v.SetDefault("sync.max_attempts", d.Sync.MaxAttempts)
	v.SetDefault("sync.call_timeout", d.Sync.CallTimeout)
	v.SetDefault("sync.freshness", d.Sync.Freshness)
	v.SetDefault("sync.schedule", d.Sync.Schedule)
	v.SetDefault("sync.backoff.base", d.Sync.Backoff.Base)
	v.SetDefault("sync.backoff.max", d.Sync.Backoff.Max)
	v.SetDefault("sync.backoff.multiplier", d.Sync.Backoff.Multiplier)
	v.SetDefault("sync.backoff.jitter", d.Sync.Backoff.Jitter)
	v.SetDefault("connectivity.probe_interval", d.Connectivity.ProbeInterval)
	v.SetDefault("connectivity.fail_threshold", d.Connectivity.FailThreshold)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("collections", d.Collections)
}

// New returns a viper instance with defaults and environment binding, for
// callers that bind command-line flags before loading.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from path (optional) over defaults and the
// environment, then validates it.
func Load(path string) (*Config, error) {
	return LoadWith(New(), path)
}

// LoadWith is Load on a caller-prepared viper instance.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration against the embedded schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue")).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	val := ctx.Encode(c)
	if err := val.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}

	seen := make(map[string]bool, len(c.Collections))
	for _, name := range c.Collections {
		if seen[name] {
			return fmt.Errorf("invalid config: duplicate collection %q", name)
		}
		seen[name] = true
	}
	return nil
}

// YAML renders the configuration as it would appear in a config file, with
// durations in Go duration syntax.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(fileValue(reflect.ValueOf(*c)))
}

var durationType = reflect.TypeOf(time.Duration(0))

func fileValue(v reflect.Value) any {
	if v.Type() == durationType {
		return time.Duration(v.Int()).String()
	}
	if v.Kind() != reflect.Struct {
		return v.Interface()
	}
	out := make(map[string]any, v.NumField())
	for i := 0; i < v.NumField(); i++ {
		key := v.Type().Field(i).Tag.Get("yaml")
		out[key] = fileValue(v.Field(i))
	}
	return out
}
