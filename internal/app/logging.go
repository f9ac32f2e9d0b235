package app

import (
	"fmt"
	"strings"

	"github.com/router-for-me/chatgate/internal/config"
	log "github.com/sirupsen/logrus"
)

// ConfigureLogging applies the configured logrus level and format.
func ConfigureLogging(cfg config.LoggingConfig) error {
	level, errParse := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if errParse != nil {
		return fmt.Errorf("logging: %w", errParse)
	}
	log.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("logging: unknown format %q", cfg.Format)
	}
	return nil
}
