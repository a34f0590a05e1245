// Package config loads server configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// StripeConfig holds the payment processor settings.
type StripeConfig struct {
	SecretKey       string `yaml:"secret_key"`
	WebhookSecret   string `yaml:"webhook_secret"`
	PriceID         string `yaml:"price_id"`
	SuccessURL      string `yaml:"success_url"`
	CancelURL       string `yaml:"cancel_url"`
	PortalReturnURL string `yaml:"portal_return_url"`
}

// OIDCConfig holds the identity provider settings.
type OIDCConfig struct {
	IssuerURL string `yaml:"issuer_url"`
	ClientID  string `yaml:"client_id"`
}

// ServerConfig is the full service configuration.
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`

	OIDC        OIDCConfig   `yaml:"oidc"`
	Stripe      StripeConfig `yaml:"stripe"`
	AdminEmails []string     `yaml:"admin_emails"`

	// SigningKeyPEM is the PKCS#8 Ed25519 private key for access tokens.
	SigningKeyPEM string `yaml:"signing_key_pem"`

	ValidateRateLimit string `yaml:"validate_rate_limit"`
	RedisURL          string `yaml:"redis_url"`

	// ReconcileCron runs periodic entitlement reconciliation when set
	// (standard cron expression). Empty disables the schedule.
	ReconcileCron  string `yaml:"reconcile_cron"`
	ReconcileLimit int    `yaml:"reconcile_limit"`
}

// Load reads configuration from the YAML file at path (when non-empty), then
// applies environment variable overrides, then validates.
func Load(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{
		ListenAddr:        ":8080",
		LogLevel:          "info",
		ValidateRateLimit: "10-M",
		ReconcileLimit:    200,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *ServerConfig) {
	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.OIDC.IssuerURL, "OIDC_ISSUER_URL")
	setString(&cfg.OIDC.ClientID, "OIDC_CLIENT_ID")
	setString(&cfg.SigningKeyPEM, "LICENSE_SIGNING_PRIVATE_KEY")
	setString(&cfg.Stripe.SecretKey, "STRIPE_SECRET_KEY")
	setString(&cfg.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setString(&cfg.Stripe.PriceID, "STRIPE_PRICE_ID")
	setString(&cfg.Stripe.SuccessURL, "STRIPE_SUCCESS_URL")
	setString(&cfg.Stripe.CancelURL, "STRIPE_CANCEL_URL")
	setString(&cfg.Stripe.PortalReturnURL, "STRIPE_PORTAL_RETURN_URL")
	setString(&cfg.ValidateRateLimit, "VALIDATE_RATE_LIMIT")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.ReconcileCron, "RECONCILE_CRON")

	if value := os.Getenv("ADMIN_EMAILS"); value != "" {
		cfg.AdminEmails = splitList(value)
	}
	if value := os.Getenv("RECONCILE_LIMIT"); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			cfg.ReconcileLimit = n
		}
	}
}

func setString(target *string, envKey string) {
	if value := os.Getenv(envKey); value != "" {
		*target = value
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that the settings the server cannot run without are present.
func (c *ServerConfig) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (DATABASE_URL)")
	}
	if c.SigningKeyPEM == "" {
		return fmt.Errorf("signing_key_pem is required (LICENSE_SIGNING_PRIVATE_KEY)")
	}
	if c.OIDC.IssuerURL == "" {
		return fmt.Errorf("oidc.issuer_url is required (OIDC_ISSUER_URL)")
	}
	if c.OIDC.ClientID == "" {
		return fmt.Errorf("oidc.client_id is required (OIDC_CLIENT_ID)")
	}
	return nil
}
