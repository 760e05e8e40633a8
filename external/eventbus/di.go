package eventbus

import (
	"fmt"
	"log/slog"

	"github.com/foxseedlab/pokerpoints/internal/config"
	"github.com/foxseedlab/pokerpoints/internal/eventbus"
	"github.com/nats-io/nats.go"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (eventbus.Publisher, error) {
		c := do.MustInvoke[*config.Config](i)
		if c.NATSURL == "" {
			slog.Info("NATS_URL is not set; integration events are disabled")
			return NopPublisher{}, nil
		}
		p, err := NewNATSPublisher(c.NATSURL,
			nats.Name("pokerpoints"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("nats disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("nats reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect nats: %w", err)
		}
		return p, nil
	})
}
