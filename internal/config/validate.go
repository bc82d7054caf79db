package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate rejects configs that could not be applied. Used both at
// startup and as the hot-reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Discord.Token) == "" {
		return errors.New("discord.token is required")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if cfg.Behavior.MaxKeywords < 0 {
		return errors.New("behavior.max_keywords must be >= 0")
	}

	durations := []struct{ path, raw string }{
		{"behavior.patience", cfg.Behavior.Patience},
		{"dispatcher.retry_base", cfg.Dispatcher.RetryBase},
		{"dispatcher.retry_max_delay", cfg.Dispatcher.RetryMaxDelay},
		{"dispatcher.send_timeout", cfg.Dispatcher.SendTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	for _, n := range []struct {
		path string
		v    int
	}{
		{"engine.workers", cfg.Engine.Workers},
		{"engine.queue_size", cfg.Engine.QueueSize},
		{"dispatcher.workers", cfg.Dispatcher.Workers},
		{"dispatcher.queue_size", cfg.Dispatcher.QueueSize},
		{"dispatcher.rate_per_sec", cfg.Dispatcher.RatePerSec},
		{"dispatcher.retry_max", cfg.Dispatcher.RetryMax},
	} {
		if n.v < 0 {
			return fmt.Errorf("%s must be >= 0", n.path)
		}
	}
	return nil
}
