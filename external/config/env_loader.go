package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/pokerpoints/internal/config"
)

type envConfig struct {
	Env                     string   `env:"ENV" envDefault:"production"`
	HTTPAddr                string   `env:"HTTP_ADDR" envDefault:":8080"`
	StorageDriver           string   `env:"STORAGE_DRIVER" envDefault:"postgres"`
	DatabaseURL             string   `env:"DATABASE_URL"`
	CORSAllowedOrigins      []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:4200"`
	RateLimitPerMinute      int      `env:"RATE_LIMIT_PER_MINUTE" envDefault:"600"`
	JWTSecret               string   `env:"JWT_SECRET"`
	JWTIssuer               string   `env:"JWT_ISSUER" envDefault:"pokerpoints"`
	JWTAudience             string   `env:"JWT_AUDIENCE" envDefault:"pokerpoints"`
	WSMaxMessageBytes       int64    `env:"WS_MAX_MESSAGE_BYTES" envDefault:"16384"`
	WSPingIntervalSec       int      `env:"WS_PING_INTERVAL_SEC" envDefault:"15"`
	ShutdownTimeoutSec      int      `env:"SHUTDOWN_TIMEOUT_SEC" envDefault:"10"`
	SessionReportWebhookURL string   `env:"SESSION_REPORT_WEBHOOK_URL"`
	ReportTimezone          string   `env:"REPORT_TIMEZONE" envDefault:"UTC"`
	NATSURL                 string   `env:"NATS_URL"`
	OTELEndpoint            string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                     raw.Env,
		HTTPAddr:                raw.HTTPAddr,
		StorageDriver:           strings.ToLower(strings.TrimSpace(raw.StorageDriver)),
		DatabaseURL:             raw.DatabaseURL,
		CORSAllowedOrigins:      trimOrigins(raw.CORSAllowedOrigins),
		RateLimitPerMinute:      raw.RateLimitPerMinute,
		JWTSecret:               raw.JWTSecret,
		JWTIssuer:               raw.JWTIssuer,
		JWTAudience:             raw.JWTAudience,
		WSMaxMessageBytes:       raw.WSMaxMessageBytes,
		WSPingInterval:          time.Duration(raw.WSPingIntervalSec) * time.Second,
		ShutdownTimeout:         time.Duration(raw.ShutdownTimeoutSec) * time.Second,
		SessionReportWebhookURL: raw.SessionReportWebhookURL,
		ReportTimezone:          raw.ReportTimezone,
		NATSURL:                 raw.NATSURL,
		OTELEndpoint:            raw.OTELEndpoint,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func trimOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
