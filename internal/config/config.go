package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tales/internal/progress"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "TALES"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "tales.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "tales_session"
	defaultIssuer          = "tales-auth"
	defaultGuestTokenTTL   = 30 * 24 * time.Hour
	defaultSanityDataset   = "production"
	defaultSanityVersion   = "2023-05-03"
	defaultContentTimeout  = 15 * time.Second
	defaultFlushOnClose    = true
	defaultIdleTimeout     = 30 * time.Minute
	defaultProgressPolicy  = string(progress.PolicyPosition)
	maxCompletionThreshold = 100
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	GuestTokenTTL     time.Duration

	ProgressDebounce            time.Duration
	ProgressCompletionThreshold int
	ProgressPolicy              progress.Policy
	FlushOnClose                bool
	SessionIdleTimeout          time.Duration

	SanityProjectID  string
	SanityDataset    string
	SanityAPIVersion string
	SanityToken      string
	ContentTimeout   time.Duration
}

// ContentSourceEnabled reports whether a Sanity project is configured.
func (c AppConfig) ContentSourceEnabled() bool {
	return strings.TrimSpace(c.SanityProjectID) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.guest_token_ttl", defaultGuestTokenTTL)
	configViper.SetDefault("progress.debounce", progress.DefaultDebounce)
	configViper.SetDefault("progress.completion_threshold", progress.DefaultCompletionThreshold)
	configViper.SetDefault("progress.policy", defaultProgressPolicy)
	configViper.SetDefault("reading.flush_on_close", defaultFlushOnClose)
	configViper.SetDefault("reading.idle_timeout", defaultIdleTimeout)
	configViper.SetDefault("content.sanity.dataset", defaultSanityDataset)
	configViper.SetDefault("content.sanity.api_version", defaultSanityVersion)
	configViper.SetDefault("content.timeout", defaultContentTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	policy, err := progress.ParsePolicy(configViper.GetString("progress.policy"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("progress.policy: %w", err)
	}

	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		GuestTokenTTL:     configViper.GetDuration("auth.guest_token_ttl"),

		ProgressDebounce:            configViper.GetDuration("progress.debounce"),
		ProgressCompletionThreshold: configViper.GetInt("progress.completion_threshold"),
		ProgressPolicy:              policy,
		FlushOnClose:                configViper.GetBool("reading.flush_on_close"),
		SessionIdleTimeout:          configViper.GetDuration("reading.idle_timeout"),

		SanityProjectID:  configViper.GetString("content.sanity.project_id"),
		SanityDataset:    configViper.GetString("content.sanity.dataset"),
		SanityAPIVersion: configViper.GetString("content.sanity.api_version"),
		SanityToken:      configViper.GetString("content.sanity.token"),
		ContentTimeout:   configViper.GetDuration("content.timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.ProgressDebounce <= 0 {
		return fmt.Errorf("progress.debounce must be positive")
	}
	if c.ProgressCompletionThreshold <= 0 || c.ProgressCompletionThreshold > maxCompletionThreshold {
		return fmt.Errorf("progress.completion_threshold must be within 1..%d", maxCompletionThreshold)
	}
	if c.SessionIdleTimeout < 0 {
		return fmt.Errorf("reading.idle_timeout must not be negative")
	}
	if c.ContentSourceEnabled() && strings.TrimSpace(c.SanityDataset) == "" {
		return fmt.Errorf("content.sanity.dataset is required when content.sanity.project_id is set")
	}
	return nil
}
