package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/foxseedlab/pokerpoints/internal/webhook"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	clientTimeout = 20 * time.Second
	userAgent     = "pokerpoints-webhook/1"
	eventHeader   = "X-Pokerpoints-Event"
	// deliveryHeader carries the session id.
	deliveryHeader = "X-Pokerpoints-Delivery"
	reportEvent    = "session.report"
	maxErrorBody   = 512
)

// HTTPSender posts session reports as JSON to a single configured URL.
type HTTPSender struct {
	reportURL string
	client    *http.Client
}

func NewHTTPSender(reportURL string) *HTTPSender {
	return &HTTPSender{
		reportURL: reportURL,
		client: &http.Client{
			Timeout:   clientTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (s *HTTPSender) SendSessionReport(ctx context.Context, payload webhook.SessionReportPayload) error {
	if s.reportURL == "" {
		slog.Debug("session report webhook is not configured; skipping", "session_id", payload.SessionID)
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode session report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.reportURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build session report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(eventHeader, reportEvent)
	req.Header.Set(deliveryHeader, payload.SessionID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post session report: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("session report webhook returned status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}
	slog.Info("session report delivered", "session_id", payload.SessionID, "access_code", payload.AccessCode, "status", resp.StatusCode)
	return nil
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
