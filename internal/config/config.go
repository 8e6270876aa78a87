package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/PlanFactsLab/planfacts/backend/internal/trust"
)

const (
	envPrefix           = "PLANFACTS"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "planfacts.db"
	defaultLogLevel     = "info"

	defaultTTLDays          = 180
	defaultSybilWindowDays  = 30
	defaultConsensusMinimum = 3
)

// AppConfig captures runtime configuration for the API server and the batch
// subcommands.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	AdminSigningSecret string

	VerificationTTLDays int
	SybilWindowDays     int
	ConsensusMinimum    int
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
	configViper.SetDefault("trust.ttl_days", defaultTTLDays)
	configViper.SetDefault("trust.sybil_window_days", defaultSybilWindowDays)
	configViper.SetDefault("trust.consensus_minimum", defaultConsensusMinimum)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		AdminSigningSecret:  configViper.GetString("admin.signing_secret"),
		VerificationTTLDays: configViper.GetInt("trust.ttl_days"),
		SybilWindowDays:     configViper.GetInt("trust.sybil_window_days"),
		ConsensusMinimum:    configViper.GetInt("trust.consensus_minimum"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AdminSigningSecret) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	if c.VerificationTTLDays <= 0 || c.SybilWindowDays <= 0 || c.ConsensusMinimum <= 0 {
		return fmt.Errorf("trust thresholds must be positive")
	}
	return nil
}

// TrustConfig maps the day-granular settings onto the trust package's
// immutable configuration object.
func (c AppConfig) TrustConfig() trust.Config {
	return trust.Config{
		VerificationTTL:  time.Duration(c.VerificationTTLDays) * 24 * time.Hour,
		SybilWindow:      time.Duration(c.SybilWindowDays) * 24 * time.Hour,
		ConsensusMinimum: c.ConsensusMinimum,
	}
}
