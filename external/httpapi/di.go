package httpapi

import (
	"context"
	"net/http"

	"github.com/foxseedlab/pokerpoints/external/metrics"
	"github.com/foxseedlab/pokerpoints/external/websocket"
	"github.com/foxseedlab/pokerpoints/internal/auth"
	"github.com/foxseedlab/pokerpoints/internal/config"
	"github.com/foxseedlab/pokerpoints/internal/repository"
	"github.com/foxseedlab/pokerpoints/internal/session"
	"github.com/samber/do/v2"
)

type pinger interface {
	Ping(ctx context.Context) error
}

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (http.Handler, error) {
		cfg := do.MustInvoke[*config.Config](i)
		opts := RouterOptions{
			AllowedOrigins:     cfg.CORSAllowedOrigins,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			Manager:            do.MustInvoke[*session.Manager](i),
			Verifier:           do.MustInvoke[auth.Verifier](i),
			WebSocket:          do.MustInvoke[*websocket.Handler](i),
			Metrics:            do.MustInvoke[*metrics.PrometheusRecorder](i).Handler(),
		}
		if p, ok := do.MustInvoke[repository.Repository](i).(pinger); ok {
			opts.Ready = p.Ping
		}
		return Router(opts), nil
	})
}
