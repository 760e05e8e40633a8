package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintAccessCode      = "sessions_access_code_key"
	constraintSingleActive    = "idx_stories_single_active"
	constraintSingleOrganizer = "idx_participants_single_organizer"
)

var migrationStatements = []string{
	`DO $$ BEGIN CREATE TYPE story_status AS ENUM ('pending', 'active', 'completed'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		access_code VARCHAR(20) NOT NULL,
		name VARCHAR(100),
		deck_type VARCHAR(50) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		organizer_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT ` + constraintAccessCode + ` UNIQUE (access_code)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_organizer ON sessions (organizer_id) WHERE organizer_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS stories (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		title VARCHAR(255) NOT NULL,
		url TEXT,
		sort_order INTEGER NOT NULL,
		status story_status NOT NULL DEFAULT 'pending',
		final_score NUMERIC(12, 1),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (status <> 'active' OR final_score IS NULL)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stories_session_order ON stories (session_id, sort_order)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + constraintSingleActive + ` ON stories (session_id) WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS participants (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		display_name VARCHAR(50) NOT NULL,
		is_observer BOOLEAN NOT NULL DEFAULT FALSE,
		is_organizer BOOLEAN NOT NULL DEFAULT FALSE,
		connection_id TEXT,
		user_id TEXT,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_session ON participants (session_id, joined_at)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_user ON participants (user_id) WHERE user_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + constraintSingleOrganizer + ` ON participants (session_id) WHERE is_organizer`,
	`CREATE TABLE IF NOT EXISTS votes (
		id UUID PRIMARY KEY,
		story_id UUID NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
		participant_id UUID NOT NULL REFERENCES participants(id) ON DELETE CASCADE,
		card_value VARCHAR(10) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (story_id, participant_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_votes_story ON votes (story_id, created_at)`,
	// Widens final_score on databases created with NUMERIC(6, 1).
	`ALTER TABLE stories ALTER COLUMN final_score TYPE NUMERIC(12, 1)`,
}

func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
