// Package config loads gerrit-verify settings from a config file,
// GERRIT_VERIFY_* environment variables and command line flags.
package config

import (
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/mrmod/gerrit-verify/unverify"
	"github.com/mrmod/gerrit-verify/verifytrigger"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "GERRIT_VERIFY"

type GerritConfig struct {
	// SshURL is the stream-events endpoint, ssh://user@host:29418
	SshURL     string `mapstructure:"ssh-url"`
	SshKeyPath string `mapstructure:"ssh-key-path"`
	// URL is the canonical web URL, also used for the REST API
	URL          string `mapstructure:"url"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	PasswordPath string `mapstructure:"password-path"`
}

type UnverifyConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	BotUsername     string `mapstructure:"gerrit-bot-username"`
	MaxTopicChanges int    `mapstructure:"max-topic-changes"`
}

type HostConfig struct {
	Hostname              string `mapstructure:"hostname"`
	Target                string `mapstructure:"target"`
	JenkinsJobURL         string `mapstructure:"jenkins-job-url"`
	JenkinsJobToken       string `mapstructure:"jenkins-job-token"`
	JenkinsJobTokenPath   string `mapstructure:"jenkins-job-token-path"`
	BuildkiteOrgSlug      string `mapstructure:"buildkite-org-slug"`
	BuildkitePipelineSlug string `mapstructure:"buildkite-pipeline-slug"`
	// BuildkiteAPIURL defaults to verifytrigger.DefaultBuildkiteAPIURL
	BuildkiteAPIURL       string `mapstructure:"buildkite-api-url"`
	BuildkiteAPIToken     string `mapstructure:"buildkite-api-token"`
	BuildkiteAPITokenPath string `mapstructure:"buildkite-api-token-path"`
}

type VerifyTriggerConfig struct {
	Enabled         bool         `mapstructure:"enabled"`
	PermittedGroups []string     `mapstructure:"permitted-group"`
	ProjectPrefixes []string     `mapstructure:"project-prefix"`
	Hosts           []HostConfig `mapstructure:"hosts"`
}

type BackendConfig struct {
	Type          string `mapstructure:"type"`
	RedisAddress  string `mapstructure:"redis-address"`
	RedisPassword string `mapstructure:"redis-password"`
	RedisDB       int    `mapstructure:"redis-db"`
	SQLitePath    string `mapstructure:"sqlite-path"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

type Config struct {
	Gerrit        GerritConfig        `mapstructure:"gerrit"`
	Unverify      UnverifyConfig      `mapstructure:"unverify"`
	VerifyTrigger VerifyTriggerConfig `mapstructure:"verify-trigger"`
	Backend       BackendConfig       `mapstructure:"backend"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Log           LogConfig           `mapstructure:"log"`
}

// SetDefaults registers every key so environment overrides apply to it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("gerrit.ssh-url", "ssh://gerrit:29418")
	v.SetDefault("gerrit.ssh-key-path", "")
	v.SetDefault("gerrit.url", "")
	v.SetDefault("gerrit.username", "")
	v.SetDefault("gerrit.password", "")
	v.SetDefault("gerrit.password-path", "")
	v.SetDefault("unverify.enabled", true)
	v.SetDefault("unverify.gerrit-bot-username", "")
	v.SetDefault("unverify.max-topic-changes", unverify.DefaultMaxTopicChanges)
	v.SetDefault("verify-trigger.enabled", true)
	v.SetDefault("verify-trigger.permitted-group", []string{})
	v.SetDefault("verify-trigger.project-prefix", []string{})
	v.SetDefault("backend.type", "redis")
	v.SetDefault("backend.redis-address", "localhost:6379")
	v.SetDefault("backend.redis-password", "")
	v.SetDefault("backend.redis-db", 0)
	v.SetDefault("backend.sqlite-path", "gerrit-verify.db")
	v.SetDefault("http.listen", ":10005")
	v.SetDefault("log.debug", false)
	v.SetDefault("log.trace", false)
	v.SetDefault("log.console", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max-size-mb", 10)
	v.SetDefault("log.max-backups", 10)
	v.SetDefault("log.max-age-days", 10)
}

// New returns a viper instance reading file (when set) and the environment.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
	}
	return v
}

// Load decodes v, reads secret files and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := c.readSecrets(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) readSecrets() error {
	if c.Gerrit.PasswordPath != "" {
		password, err := readToken(c.Gerrit.PasswordPath)
		if err != nil {
			return errors.Wrap(err, "read gerrit password")
		}
		c.Gerrit.Password = password
	}
	for i := range c.VerifyTrigger.Hosts {
		h := &c.VerifyTrigger.Hosts[i]
		if h.JenkinsJobTokenPath != "" {
			token, err := readToken(h.JenkinsJobTokenPath)
			if err != nil {
				return errors.Wrapf(err, "read jenkins job token of %s", h.Hostname)
			}
			h.JenkinsJobToken = token
		}
		if h.BuildkiteAPITokenPath != "" {
			token, err := readToken(h.BuildkiteAPITokenPath)
			if err != nil {
				return errors.Wrapf(err, "read buildkite api token of %s", h.Hostname)
			}
			h.BuildkiteAPIToken = token
		}
		if h.Target == verifytrigger.TargetBuildkite && h.BuildkiteAPIURL == "" {
			h.BuildkiteAPIURL = verifytrigger.DefaultBuildkiteAPIURL
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Gerrit.URL == "" {
		return errors.New("gerrit.url is required")
	}
	if c.Unverify.Enabled && strings.TrimSpace(c.Unverify.BotUsername) == "" {
		return errors.New("unverify.gerrit-bot-username is required when unverify is enabled")
	}
	if c.Unverify.MaxTopicChanges < 0 {
		return errors.Errorf("unverify.max-topic-changes must not be negative, got %d", c.Unverify.MaxTopicChanges)
	}
	if err := c.validateBackend(); err != nil {
		return err
	}
	for _, h := range c.VerifyTrigger.Hosts {
		if h.Hostname == "" {
			return errors.New("verify-trigger.hosts entries need a hostname")
		}
		switch h.Target {
		case "", verifytrigger.TargetJenkins:
		case verifytrigger.TargetBuildkite:
			if err := validateBuildkiteHost(h); err != nil {
				return err
			}
		default:
			return errors.Errorf("verify-trigger host %s has unknown target %q", h.Hostname, h.Target)
		}
	}
	return nil
}

func validateBuildkiteHost(h HostConfig) error {
	if h.BuildkiteOrgSlug == "" || h.BuildkitePipelineSlug == "" {
		return errors.Errorf("verify-trigger host %s needs buildkite-org-slug and buildkite-pipeline-slug", h.Hostname)
	}
	if h.BuildkiteAPIToken == "" {
		return errors.Errorf("verify-trigger host %s needs buildkite-api-token or buildkite-api-token-path", h.Hostname)
	}
	u, err := url.Parse(h.BuildkiteAPIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.Errorf("verify-trigger host %s has buildkite-api-url %q, want an absolute url", h.Hostname, h.BuildkiteAPIURL)
	}
	return nil
}

// LoadBackend decodes v for commands that only read the backend. Gerrit
// settings and secret files are not needed and not checked.
func LoadBackend(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := c.validateBackend(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validateBackend() error {
	switch c.Backend.Type {
	case "redis", "sqlite", "none":
		return nil
	}
	return errors.Errorf("backend.type must be redis, sqlite or none, got %q", c.Backend.Type)
}

// PropagatorConfig returns the unverify settings.
func (c *Config) PropagatorConfig() unverify.Config {
	return unverify.Config{
		BotUsername:     c.Unverify.BotUsername,
		MaxTopicChanges: c.Unverify.MaxTopicChanges,
	}
}

// TriggerSettings returns the gateway view of the configuration.
func (c *Config) TriggerSettings() verifytrigger.Settings {
	s := verifytrigger.Settings{
		CanonicalWebURL: c.Gerrit.URL,
		PermittedGroups: c.VerifyTrigger.PermittedGroups,
		ProjectPrefixes: c.VerifyTrigger.ProjectPrefixes,
	}
	for _, h := range c.VerifyTrigger.Hosts {
		s.Hosts = append(s.Hosts, verifytrigger.HostSettings{
			Hostname:              h.Hostname,
			Target:                h.Target,
			JenkinsJobURL:         h.JenkinsJobURL,
			JenkinsJobToken:       h.JenkinsJobToken,
			BuildkiteOrgSlug:      h.BuildkiteOrgSlug,
			BuildkitePipelineSlug: h.BuildkitePipelineSlug,
			BuildkiteAPIURL:       h.BuildkiteAPIURL,
			BuildkiteAPIToken:     h.BuildkiteAPIToken,
		})
	}
	return s
}

func readToken(tokenPath string) (string, error) {
	fh, err := os.Open(tokenPath)
	if err != nil {
		return "", err
	}
	defer fh.Close()
	b, err := io.ReadAll(fh)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}
