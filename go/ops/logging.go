// Package ops holds the coordinator's operational plumbing: logging
// setup, append-only audit journals, and Prometheus instrumentation.
package ops

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// LogConfig configures process logging. Fields bind to flags and
// environment through go-flags tags.
type LogConfig struct {
	Level  string `long:"log.level" env:"LOG_LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `long:"log.format" env:"LOG_FORMAT" default:"text" choice:"json" choice:"text" description:"Logging output format"`
}

// InitLog configures the global logger from parsed flags.
func InitLog(cfg LogConfig) {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}
	if lvl, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.WithField("level", cfg.Level).Warn("unrecognized log level, using info")
		log.SetLevel(log.InfoLevel)
	}
}
