package config

import (
	"fmt"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errs []error

	if err := validateServer(cfg.Server); err != nil {
		errs = append(errs, err)
	}
	if err := validateBus(cfg.Bus); err != nil {
		errs = append(errs, err)
	}
	if err := validateBridge(cfg.Bridge); err != nil {
		errs = append(errs, err)
	}
	if err := validateTwitch(cfg.Twitch); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}
	return nil
}

func validateBus(cfg BusConfig) error {
	if cfg.RatePerSecond < 1 {
		return &ValidationError{
			Field:   "bus.rate_per_second",
			Message: "rate ceiling must be at least 1",
		}
	}
	if cfg.DedupCacheSize < 1 {
		return &ValidationError{
			Field:   "bus.dedup_cache_size",
			Message: "dedup cache size must be at least 1",
		}
	}
	if cfg.StatsIntervalSeconds < 1 {
		return &ValidationError{
			Field:   "bus.stats_interval_seconds",
			Message: "stats interval must be at least 1 second",
		}
	}
	return nil
}

func validateBridge(cfg BridgeConfig) error {
	if cfg.Addr == "" {
		return &ValidationError{
			Field:   "bridge.addr",
			Message: "listen address is required",
		}
	}
	if cfg.PongTimeoutSec > 0 && cfg.PingIntervalSec >= cfg.PongTimeoutSec {
		return &ValidationError{
			Field:   "bridge.ping_interval_seconds",
			Message: "ping interval must be shorter than the pong timeout",
		}
	}
	return nil
}

func validateTwitch(cfg TwitchConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if len(cfg.Channels) == 0 {
		return &ValidationError{
			Field:   "twitch.channels",
			Message: "at least one channel is required when twitch is enabled",
		}
	}
	if cfg.Username != "" && cfg.OAuth == "" {
		return &ValidationError{
			Field:   "twitch.oauth",
			Message: "oauth token is required when a username is set (or set TWITCH_OAUTH)",
		}
	}
	return nil
}
