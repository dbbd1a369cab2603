package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Store holds the live configuration. Readers get an immutable snapshot.
type Store struct {
	current atomic.Pointer[Config]
}

func NewStore(c *Config) *Store {
	s := &Store{}
	s.current.Store(c)
	return s
}

func (s *Store) Get() *Config {
	return s.current.Load()
}

// Reload decodes v again and swaps it in. An invalid configuration is
// rejected and the previous one stays active.
func (s *Store) Reload(v *viper.Viper) error {
	c, err := Load(v)
	if err != nil {
		return err
	}
	s.current.Store(c)
	return nil
}

// Watch reloads the store whenever the config file changes on disk.
func (s *Store) Watch(v *viper.Viper) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := s.Reload(v); err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("Ignoring invalid config change")
			return
		}
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Reloaded config")
	})
	v.WatchConfig()
}
