package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mrmod/gerrit-verify/backend"
	"github.com/mrmod/gerrit-verify/config"
	"github.com/mrmod/gerrit-verify/gerrit"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "gerrit-verify",
	Short: "Keeps Gerrit Verified votes consistent across topics",
	Long: `gerrit-verify listens to the Gerrit event stream and removes Verified votes
from every open change of a topic when the topic is modified. It also serves
an endpoint that lets permitted users trigger the CI verify job of a change.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (yaml); settings can also come from GERRIT_VERIFY_* variables")
	flags.Bool("enable-debug-logging", false, "Enable debug logging")
	flags.Bool("enable-trace-logging", false, "Enable trace logging")
	flags.Bool("console-logging", false, "Print human-readable logs")
}

// loadConfig reads the config file named by --config, the environment and
// the logging flags, then configures the global logger.
func loadConfig(cmd *cobra.Command) (*viper.Viper, *config.Config, error) {
	return readConfig(cmd, config.Load)
}

// readConfig is loadConfig with a choice of decoder.
func readConfig(cmd *cobra.Command, load func(*viper.Viper) (*config.Config, error)) (*viper.Viper, *config.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	v := config.New(file)
	for key, flag := range map[string]string{
		"log.debug":   "enable-debug-logging",
		"log.trace":   "enable-trace-logging",
		"log.console": "console-logging",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, nil, errors.Wrapf(err, "bind flag %s", flag)
		}
	}
	if file != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, errors.Wrapf(err, "read config %s", file)
		}
	}
	c, err := load(v)
	if err != nil {
		return nil, nil, err
	}
	if err := config.ConfigureLogger(c.Log); err != nil {
		return nil, nil, errors.Wrap(err, "configure logging")
	}
	return v, c, nil
}

func newRESTClient(c *config.Config) (*gerrit.RESTClient, error) {
	client, err := gerrit.NewRESTClient(c.Gerrit.URL, c.Gerrit.Username, c.Gerrit.Password)
	if err != nil {
		return nil, errors.Wrap(err, "create gerrit rest client")
	}
	return client, nil
}

// newBackend opens the configured backend. It returns a nil Backend for
// type "none".
func newBackend(c *config.Config) (backend.Backend, error) {
	switch c.Backend.Type {
	case "redis":
		log.Debug().Str("address", c.Backend.RedisAddress).Int("db", c.Backend.RedisDB).Msg("Using redis backend")
		return backend.NewRedisBackend(c.Backend.RedisAddress, c.Backend.RedisPassword, c.Backend.RedisDB), nil
	case "sqlite":
		log.Debug().Str("path", c.Backend.SQLitePath).Msg("Using sqlite backend")
		b, err := backend.NewSQLiteBackend(c.Backend.SQLitePath)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite backend")
		}
		return b, nil
	}
	log.Debug().Msg("Running without a backend")
	return nil, nil
}

func closeBackend(b backend.Backend) {
	if b == nil {
		return
	}
	if err := b.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close backend")
	}
}

func formatTime(t time.Time) string {
	return t.Local().Format(time.RFC3339)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
