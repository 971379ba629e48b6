package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Step-up fail modes. "flagged" reproduces the original asymmetric policy:
// on oracle failure MFA is required only when the attempt was already
// flagged suspicious. "always" requires MFA whenever the risk assessment
// cannot be completed.
const (
	StepUpFailModeFlagged = "flagged"
	StepUpFailModeAlways  = "always"
)

// ServerConfig holds all configuration for the server.
// Tags use mapstructure for Viper unmarshalling.
type ServerConfig struct {
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`
	// RedisAddr selects the redis-backed session stores when non-empty;
	// the in-memory stores are used otherwise.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// External collaborators.
	IdentityBaseURL   string `mapstructure:"IDENTITY_BASE_URL"`
	IdentityAPIKey    string `mapstructure:"IDENTITY_API_KEY"`
	RiskOracleURL     string `mapstructure:"RISK_ORACLE_URL"`
	RiskOracleTimeout int    `mapstructure:"RISK_ORACLE_TIMEOUT_MS"`
	PresenceVerifyURL string `mapstructure:"PRESENCE_VERIFY_URL"`
	PresenceSecret    string `mapstructure:"PRESENCE_SECRET"`

	// Flow behavior.
	StepUpFailMode    string `mapstructure:"STEPUP_FAIL_MODE"`
	PendingSessionTTL int    `mapstructure:"PENDING_SESSION_TTL_MIN"`
	EnrollmentTTL     int    `mapstructure:"ENROLLMENT_TTL_MIN"`
	TOTPIssuer        string `mapstructure:"TOTP_ISSUER"`
}

// OracleTimeout returns the risk oracle call timeout as a duration.
func (c *ServerConfig) OracleTimeout() time.Duration {
	return time.Duration(c.RiskOracleTimeout) * time.Millisecond
}

// PendingTTL returns the pending multi-factor session lifetime.
func (c *ServerConfig) PendingTTL() time.Duration {
	return time.Duration(c.PendingSessionTTL) * time.Minute
}

// EnrollTTL returns the enrollment session lifetime.
func (c *ServerConfig) EnrollTTL() time.Duration {
	return time.Duration(c.EnrollmentTTL) * time.Minute
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/fortress/")
	v.AddConfigPath("$HOME/.fortress")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/fortress_dev")
	v.SetDefault("MONGO_DB_NAME", "fortress_dev")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("OTEL_SERVICE_NAME", "fortress-auth")
	v.SetDefault("IDENTITY_BASE_URL", "http://localhost:9099")
	v.SetDefault("IDENTITY_API_KEY", "")
	v.SetDefault("RISK_ORACLE_URL", "http://localhost:3400/evaluate")
	v.SetDefault("RISK_ORACLE_TIMEOUT_MS", 5000)
	v.SetDefault("PRESENCE_VERIFY_URL", "https://challenges.example.com/siteverify")
	v.SetDefault("PRESENCE_SECRET", "")
	v.SetDefault("STEPUP_FAIL_MODE", StepUpFailModeFlagged)
	v.SetDefault("PENDING_SESSION_TTL_MIN", 5)
	v.SetDefault("ENROLLMENT_TTL_MIN", 10)
	v.SetDefault("TOTP_ISSUER", "Fortress Auth")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if cfg.StepUpFailMode != StepUpFailModeFlagged && cfg.StepUpFailMode != StepUpFailModeAlways {
		return nil, fmt.Errorf("invalid STEPUP_FAIL_MODE %q", cfg.StepUpFailMode)
	}

	return &cfg, nil
}
