package web

import (
	"time"

	"github.com/addrsync/internal/config"
)

// Config represents the HTTP server settings.
type Config struct {
	Addr            string
	APIKey          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// ConfigFrom derives server settings from the service configuration.
// The write timeout is long enough for a synchronous reconciliation.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	c.Addr = cfg.HTTPAddr
	c.APIKey = cfg.APIKey
	return c
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8080",
		ReadTimeout:     15 * time.Minute,
		WriteTimeout:    30 * time.Minute,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}
