package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("server.port", 8080)

	viper.SetDefault("bus.rate_per_second", 20)
	viper.SetDefault("bus.dedup_cache_size", 10000)
	viper.SetDefault("bus.stats_interval_seconds", 60)

	viper.SetDefault("bridge.addr", "127.0.0.1:9876")
	viper.SetDefault("bridge.ping_interval_seconds", 30)
	viper.SetDefault("bridge.pong_timeout_seconds", 75)
	viper.SetDefault("bridge.frames_per_second", 200)
	viper.SetDefault("bridge.frame_burst", 400)

	viper.SetDefault("twitch.retry.initial_interval", "1s")
	viper.SetDefault("twitch.retry.max_interval", "30s")
	viper.SetDefault("twitch.retry.multiplier", 2.0)
	viper.SetDefault("twitch.retry.max_retries", 10)
}

func bindEnvVariables() {
	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("server.port", "SERVER_PORT")

	viper.BindEnv("bus.rate_per_second", "BUS_RATE_PER_SECOND")
	viper.BindEnv("bus.dedup_cache_size", "BUS_DEDUP_CACHE_SIZE")
	viper.BindEnv("bus.stats_interval_seconds", "BUS_STATS_INTERVAL_SECONDS")

	viper.BindEnv("bridge.addr", "BRIDGE_ADDR")

	viper.BindEnv("twitch.enabled", "TWITCH_ENABLED")
	viper.BindEnv("twitch.username", "TWITCH_USERNAME")
	viper.BindEnv("twitch.oauth", "TWITCH_OAUTH")
}
