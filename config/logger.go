package config

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogConfig struct {
	Debug bool `mapstructure:"debug"`
	Trace bool `mapstructure:"trace"`
	// Print human-readable output to console
	Console bool `mapstructure:"console"`
	// File enables a rolling log file when set
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max-size-mb"`
	MaxBackups int    `mapstructure:"max-backups"`
	MaxAgeDays int    `mapstructure:"max-age-days"`
}

// ConfigureLogger replaces the global logger according to c.
func ConfigureLogger(c LogConfig) error {
	var writers []io.Writer
	if c.Console {
		writers = append(writers, zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = os.Stderr
			w.TimeFormat = time.RFC3339
		}))
	} else {
		writers = append(writers, os.Stderr)
	}
	if c.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.File), 0o755); err != nil {
			return err
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,  // megabytes
			MaxBackups: c.MaxBackups, // files
			MaxAge:     c.MaxAgeDays, // days
		})
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if c.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if c.Trace {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}

	log.Debug().
		Bool("console", c.Console).
		Str("file", c.File).
		Int("maxSizeMB", c.MaxSizeMB).
		Int("maxBackups", c.MaxBackups).
		Int("maxAgeInDays", c.MaxAgeDays).
		Msg("Logging configured")
	return nil
}
