package session

import (
	"github.com/foxseedlab/pokerpoints/internal/config"
	"github.com/foxseedlab/pokerpoints/internal/directory"
	"github.com/foxseedlab/pokerpoints/internal/eventbus"
	"github.com/foxseedlab/pokerpoints/internal/metrics"
	"github.com/foxseedlab/pokerpoints/internal/queue"
	"github.com/foxseedlab/pokerpoints/internal/registry"
	"github.com/foxseedlab/pokerpoints/internal/repository"
	"github.com/foxseedlab/pokerpoints/internal/voting"
	"github.com/foxseedlab/pokerpoints/internal/webhook"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		wh := do.MustInvoke[webhook.Sender](i)
		pub := do.MustInvoke[eventbus.Publisher](i)
		rec := do.MustInvoke[metrics.Recorder](i)
		return NewManager(
			cfg,
			directory.New(repo),
			queue.New(repo),
			voting.New(repo),
			registry.New(repo),
			wh,
			pub,
			rec,
		), nil
	})
}
