package config

import (
	"time"
)

type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
	Bus     BusConfig     `mapstructure:"bus"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	Twitch  TwitchConfig  `mapstructure:"twitch"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// ServerConfig is the admin listener serving the REST API, /health and
// /metrics. Distinct from the bridge listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type BusConfig struct {
	RatePerSecond        int                  `mapstructure:"rate_per_second"`
	DedupCacheSize       int                  `mapstructure:"dedup_cache_size"`
	StatsIntervalSeconds int                  `mapstructure:"stats_interval_seconds"`
	CircuitBreaker       CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxRequests uint32        `mapstructure:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type BridgeConfig struct {
	Addr            string  `mapstructure:"addr"`
	PingIntervalSec int     `mapstructure:"ping_interval_seconds"`
	PongTimeoutSec  int     `mapstructure:"pong_timeout_seconds"`
	FramesPerSecond float64 `mapstructure:"frames_per_second"`
	FrameBurst      int     `mapstructure:"frame_burst"`
}

type TwitchConfig struct {
	Enabled  bool        `mapstructure:"enabled"`
	Username string      `mapstructure:"username"`
	OAuth    string      `mapstructure:"oauth"`
	Channels []string    `mapstructure:"channels"`
	Retry    RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxRetries      uint64        `mapstructure:"max_retries"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
