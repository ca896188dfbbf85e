// Package config loads the watchtower's runtime configuration via
// viper, following the toolkit's own config-loading pattern: a YAML
// file overridable by environment variables, unmarshaled into typed
// structs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration object.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	RPC         RPCConfig
	Scheduler   SchedulerConfig
	Broadcaster BroadcasterConfig
	Watcher     WatcherConfig
	Log         LogConfig
}

// ServerConfig configures the ingress HTTP listener.
type ServerConfig struct {
	Bind          string
	MaxBodyBytes  int
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	URL string
}

// RedisConfig configures the ready/retry index connection.
type RedisConfig struct {
	URL string
}

// RPCConfig maps chain IDs to their configured RPC endpoints.
type RPCConfig struct {
	Chains map[uint64][]string
}

// SchedulerConfig configures the per-chain dispatch loop.
type SchedulerConfig struct {
	PollIntervalMs  int
	LeaseTTLSeconds int
	MaxConcurrency  int
	RetryMinMs      int
	RetryMaxMs      int
}

// BroadcasterConfig configures broadcast fan-out.
type BroadcasterConfig struct {
	Fanout    int
	TimeoutMs int
}

// WatcherConfig configures the per-chain reconciliation loop.
type WatcherConfig struct {
	PollIntervalMs int
	UseWebsocket   bool
}

// LogConfig configures wtlog.Configure.
type LogConfig struct {
	Level   string
	Pretty  bool
	File    string
	MaxSize int
}

// Load reads configuration from path (default "config.yaml" if empty),
// overlaying any WATCHTOWER_-prefixed environment variables so operators
// can override individual settings without editing the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	v.SetEnvPrefix("WATCHTOWER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	rawChains := v.GetStringMapStringSlice("rpc.chains")
	chains := make(map[uint64][]string, len(rawChains))
	for key, urls := range rawChains {
		var chainID uint64
		if _, err := fmt.Sscanf(key, "%d", &chainID); err != nil {
			return nil, fmt.Errorf("rpc.chains key %q must be a numeric chain id: %w", key, err)
		}
		chains[chainID] = urls
	}

	cfg := &Config{
		Server: ServerConfig{
			Bind:         v.GetString("server.bind"),
			MaxBodyBytes: v.GetInt("server.max_body_bytes"),
		},
		Database: DatabaseConfig{URL: v.GetString("database.url")},
		Redis:    RedisConfig{URL: v.GetString("redis.url")},
		RPC:      RPCConfig{Chains: chains},
		Scheduler: SchedulerConfig{
			PollIntervalMs:  v.GetInt("scheduler.poll_interval_ms"),
			LeaseTTLSeconds: v.GetInt("scheduler.lease_ttl_seconds"),
			MaxConcurrency:  v.GetInt("scheduler.max_concurrency"),
			RetryMinMs:      v.GetInt("scheduler.retry_min_ms"),
			RetryMaxMs:      v.GetInt("scheduler.retry_max_ms"),
		},
		Broadcaster: BroadcasterConfig{
			Fanout:    v.GetInt("broadcaster.fanout"),
			TimeoutMs: v.GetInt("broadcaster.timeout_ms"),
		},
		Watcher: WatcherConfig{
			PollIntervalMs: v.GetInt("watcher.poll_interval_ms"),
			UseWebsocket:   v.GetBool("watcher.use_websocket"),
		},
		Log: LogConfig{
			Level:   v.GetString("log.level"),
			Pretty:  v.GetBool("log.pretty"),
			File:    v.GetString("log.file"),
			MaxSize: v.GetInt("log.max_size"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bind", "0.0.0.0:8080")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("scheduler.poll_interval_ms", 250)
	v.SetDefault("scheduler.lease_ttl_seconds", 30)
	v.SetDefault("scheduler.max_concurrency", 16)
	v.SetDefault("scheduler.retry_min_ms", 250)
	v.SetDefault("scheduler.retry_max_ms", 30000)
	v.SetDefault("broadcaster.fanout", 2)
	v.SetDefault("broadcaster.timeout_ms", 5000)
	v.SetDefault("watcher.poll_interval_ms", 2000)
	v.SetDefault("watcher.use_websocket", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Durations converts millisecond/second config fields
// into time.Duration for the scheduler package.
func (c SchedulerConfig) Durations() (poll, lease, retryMin, retryMax time.Duration) {
	return time.Duration(c.PollIntervalMs) * time.Millisecond,
		time.Duration(c.LeaseTTLSeconds) * time.Second,
		time.Duration(c.RetryMinMs) * time.Millisecond,
		time.Duration(c.RetryMaxMs) * time.Millisecond
}
