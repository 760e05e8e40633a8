package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxseedlab/pokerpoints/internal/config"
	"github.com/foxseedlab/pokerpoints/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/do/v2"
)

const databaseInitTimeout = 15 * time.Second

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (repository.Repository, error) {
		cfg := do.MustInvoke[*config.Config](i)
		ctx, cancel := context.WithTimeout(context.Background(), databaseInitTimeout)
		defer cancel()

		if cfg.StorageDriver == config.StorageDriverMemory {
			slog.Warn("using in-memory storage; data is lost on restart")
			return NewMemoryRepository(), nil
		}

		p, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect database: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		if err := RunMigration(ctx, p); err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to run migration: %w", err)
		}
		repo := NewPostgresRepository(p)
		if err := repo.ClearAllConnections(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to reset participant presence: %w", err)
		}
		return repo, nil
	})
}
