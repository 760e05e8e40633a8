package config

import (
	"fmt"
	"time"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	minJWTSecretBytes = 32
)

type Config struct {
	Env                     string
	HTTPAddr                string
	StorageDriver           string
	DatabaseURL             string
	CORSAllowedOrigins      []string
	RateLimitPerMinute      int
	JWTSecret               string
	JWTIssuer               string
	JWTAudience             string
	WSMaxMessageBytes       int64
	WSPingInterval          time.Duration
	ShutdownTimeout         time.Duration
	SessionReportWebhookURL string
	ReportTimezone          string
	NATSURL                 string
	OTELEndpoint            string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	switch c.StorageDriver {
	case StorageDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER=%s", StorageDriverPostgres)
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StorageDriverPostgres, StorageDriverMemory, c.StorageDriver)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", c.RateLimitPerMinute)
	}
	if c.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("WS_MAX_MESSAGE_BYTES must be positive, got %d", c.WSMaxMessageBytes)
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("WS_PING_INTERVAL_SEC must be positive, got %s", c.WSPingInterval)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT_SEC must be positive, got %s", c.ShutdownTimeout)
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < minJWTSecretBytes {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretBytes)
	}
	if _, err := time.LoadLocation(c.ReportTimezone); err != nil {
		return fmt.Errorf("REPORT_TIMEZONE is invalid: %w", err)
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "HTTP_ADDR", value: c.HTTPAddr},
		{name: "STORAGE_DRIVER", value: c.StorageDriver},
		{name: "JWT_ISSUER", value: c.JWTIssuer},
		{name: "JWT_AUDIENCE", value: c.JWTAudience},
		{name: "REPORT_TIMEZONE", value: c.ReportTimezone},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// AuthEnabled reports whether bearer tokens can be verified.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}
