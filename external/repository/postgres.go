package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxseedlab/pokerpoints/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgInvalidTextRepr     = "22P02"
	pgNumericOutOfRange   = "22003"

	sessionColumns     = `id, access_code, name, deck_type, is_active, organizer_id, created_at`
	storyColumns       = `id, session_id, title, url, sort_order, status, final_score::text, created_at`
	participantColumns = `id, session_id, display_name, is_observer, is_organizer, connection_id, user_id, joined_at`
	voteColumns        = `id, story_id, participant_id, card_value, created_at`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresRepository struct {
	pool *pgxpool.Pool
	db   querier
	inTx bool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool, db: pool}
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repository.Repository) error) error {
	if r.inTx {
		return fn(ctx, r)
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &PostgresRepository{pool: r.pool, db: tx, inTx: true})
	})
}

func (r *PostgresRepository) CreateSession(ctx context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO sessions (id, access_code, name, deck_type, is_active, organizer_id)
		 VALUES ($1, $2, $3, $4, TRUE, $5)
		 RETURNING `+sessionColumns,
		newID(), input.AccessCode, input.Name, input.DeckType, input.OrganizerID)
	s, err := scanSession(row)
	if err != nil {
		return nil, translateError(err)
	}
	return s, nil
}

func (r *PostgresRepository) AccessCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE access_code = $1)`, code).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) GetSessionByCode(ctx context.Context, code string) (*repository.Session, error) {
	row := r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE access_code = $1`, code)
	s, err := scanSession(row)
	if err != nil {
		return nil, translateError(err)
	}
	return s, nil
}

func (r *PostgresRepository) GetSessionByID(ctx context.Context, id string) (*repository.Session, error) {
	row := r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		return nil, translateError(err)
	}
	return s, nil
}

func (r *PostgresRepository) DeactivateSession(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `UPDATE sessions SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ListSessionsForUser(ctx context.Context, userID string, limit int) ([]repository.Session, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions s
		 WHERE s.organizer_id = $1
		    OR EXISTS (SELECT 1 FROM participants p WHERE p.session_id = s.id AND p.user_id = $1)
		 ORDER BY s.created_at DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) CreateStories(ctx context.Context, sessionID string, status repository.StoryStatus, inputs []repository.CreateStoryInput) ([]repository.Story, error) {
	if status == repository.StoryStatusActive && len(inputs) != 1 {
		return nil, fmt.Errorf("exactly one story can be created active, got %d", len(inputs))
	}
	var created []repository.Story
	err := r.RunInTx(ctx, func(ctx context.Context, tx repository.Repository) error {
		db := tx.(*PostgresRepository).db
		var locked string
		if err := db.QueryRow(ctx, `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&locked); err != nil {
			return translateError(err)
		}
		var maxOrder int
		if err := db.QueryRow(ctx, `SELECT COALESCE(MAX(sort_order), 0) FROM stories WHERE session_id = $1`, sessionID).Scan(&maxOrder); err != nil {
			return err
		}
		created = make([]repository.Story, 0, len(inputs))
		for i, in := range inputs {
			row := db.QueryRow(ctx,
				`INSERT INTO stories (id, session_id, title, url, sort_order, status)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 RETURNING `+storyColumns,
				newID(), sessionID, in.Title, in.URL, maxOrder+i+1, string(status))
			st, err := scanStory(row)
			if err != nil {
				return translateError(err)
			}
			created = append(created, *st)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *PostgresRepository) GetStory(ctx context.Context, id string) (*repository.Story, error) {
	return r.queryStory(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = $1`, id)
}

func (r *PostgresRepository) GetActiveStory(ctx context.Context, sessionID string) (*repository.Story, error) {
	return r.queryStory(ctx, `SELECT `+storyColumns+` FROM stories WHERE session_id = $1 AND status = 'active'`, sessionID)
}

func (r *PostgresRepository) GetNextPendingStory(ctx context.Context, sessionID string) (*repository.Story, error) {
	return r.queryStory(ctx,
		`SELECT `+storyColumns+` FROM stories
		 WHERE session_id = $1 AND status = 'pending'
		 ORDER BY sort_order ASC, created_at ASC
		 LIMIT 1`,
		sessionID)
}

func (r *PostgresRepository) GetLatestCompletedStory(ctx context.Context, sessionID string) (*repository.Story, error) {
	return r.queryStory(ctx,
		`SELECT `+storyColumns+` FROM stories
		 WHERE session_id = $1 AND status = 'completed'
		 ORDER BY sort_order DESC, created_at DESC
		 LIMIT 1`,
		sessionID)
}

func (r *PostgresRepository) queryStory(ctx context.Context, sql string, args ...any) (*repository.Story, error) {
	st, err := scanStory(r.db.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, translateError(err)
	}
	return st, nil
}

func (r *PostgresRepository) ListStories(ctx context.Context, sessionID string) ([]repository.Story, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE session_id = $1 ORDER BY sort_order ASC, created_at ASC`,
		sessionID)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()
	var list []repository.Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *st)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) UpdateStoryStatus(ctx context.Context, input repository.UpdateStoryStatusInput) (*repository.Story, error) {
	var score *string
	if input.FinalScore != nil && input.Status != repository.StoryStatusActive {
		s := input.FinalScore.StringFixed(1)
		score = &s
	}
	return r.queryStory(ctx,
		`UPDATE stories SET status = $2, final_score = $3::numeric
		 WHERE id = $1
		 RETURNING `+storyColumns,
		input.StoryID, string(input.Status), score)
}

func (r *PostgresRepository) UpdateStoryDetails(ctx context.Context, id, title string, url *string) (*repository.Story, error) {
	return r.queryStory(ctx,
		`UPDATE stories SET title = $2, url = $3 WHERE id = $1 RETURNING `+storyColumns,
		id, title, url)
}

func (r *PostgresRepository) DeleteStory(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM stories WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) CreateParticipant(ctx context.Context, input repository.CreateParticipantInput) (*repository.Participant, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO participants (id, session_id, display_name, is_observer, is_organizer, connection_id, user_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+participantColumns,
		newID(), input.SessionID, input.DisplayName, input.IsObserver, input.IsOrganizer, input.ConnectionID, input.UserID)
	p, err := scanParticipant(row)
	if err != nil {
		return nil, translateError(err)
	}
	return p, nil
}

func (r *PostgresRepository) GetParticipant(ctx context.Context, id string) (*repository.Participant, error) {
	row := r.db.QueryRow(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = $1`, id)
	p, err := scanParticipant(row)
	if err != nil {
		return nil, translateError(err)
	}
	return p, nil
}

func (r *PostgresRepository) ListParticipants(ctx context.Context, sessionID string) ([]repository.Participant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE session_id = $1 ORDER BY joined_at ASC`,
		sessionID)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()
	var list []repository.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) CountParticipants(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM participants WHERE session_id = $1`, sessionID).Scan(&n)
	return n, translateError(err)
}

func (r *PostgresRepository) SetParticipantConnection(ctx context.Context, id string, connectionID *string) error {
	tag, err := r.db.Exec(ctx, `UPDATE participants SET connection_id = $2 WHERE id = $1`, id, connectionID)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ClearParticipantConnection(ctx context.Context, id, connectionID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE participants SET connection_id = NULL WHERE id = $1 AND connection_id = $2`,
		id, connectionID)
	if err != nil {
		return false, translateError(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) ClearAllConnections(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `UPDATE participants SET connection_id = NULL WHERE connection_id IS NOT NULL`)
	return err
}

func (r *PostgresRepository) UpsertVote(ctx context.Context, input repository.UpsertVoteInput) (*repository.Vote, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO votes (id, story_id, participant_id, card_value)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (story_id, participant_id) DO UPDATE SET card_value = EXCLUDED.card_value
		 RETURNING `+voteColumns,
		newID(), input.StoryID, input.ParticipantID, input.CardValue)
	var v repository.Vote
	if err := row.Scan(&v.ID, &v.StoryID, &v.ParticipantID, &v.CardValue, &v.CreatedAt); err != nil {
		return nil, translateError(err)
	}
	return &v, nil
}

func (r *PostgresRepository) DeleteVotesByStory(ctx context.Context, storyID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM votes WHERE story_id = $1`, storyID)
	return translateError(err)
}

func (r *PostgresRepository) ListVotesByStory(ctx context.Context, storyID string) ([]repository.VoteDetail, error) {
	rows, err := r.db.Query(ctx,
		`SELECT v.id, v.story_id, v.participant_id, v.card_value, v.created_at, COALESCE(p.display_name, '')
		 FROM votes v
		 LEFT JOIN participants p ON p.id = v.participant_id
		 WHERE v.story_id = $1
		 ORDER BY v.created_at ASC, v.id ASC`,
		storyID)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()
	var list []repository.VoteDetail
	for rows.Next() {
		var d repository.VoteDetail
		if err := rows.Scan(&d.ID, &d.StoryID, &d.ParticipantID, &d.CardValue, &d.CreatedAt, &d.DisplayName); err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return list, rows.Err()
}

func scanSession(row pgx.Row) (*repository.Session, error) {
	var s repository.Session
	if err := row.Scan(&s.ID, &s.AccessCode, &s.Name, &s.DeckType, &s.IsActive, &s.OrganizerID, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanStory(row pgx.Row) (*repository.Story, error) {
	var st repository.Story
	var status string
	var score *string
	if err := row.Scan(&st.ID, &st.SessionID, &st.Title, &st.URL, &st.SortOrder, &status, &score, &st.CreatedAt); err != nil {
		return nil, err
	}
	st.Status = repository.StoryStatus(status)
	if score != nil {
		d, err := decimal.NewFromString(*score)
		if err != nil {
			return nil, fmt.Errorf("invalid final_score %q: %w", *score, err)
		}
		st.FinalScore = &d
	}
	return &st, nil
}

func scanParticipant(row pgx.Row) (*repository.Participant, error) {
	var p repository.Participant
	if err := row.Scan(&p.ID, &p.SessionID, &p.DisplayName, &p.IsObserver, &p.IsOrganizer, &p.ConnectionID, &p.UserID, &p.JoinedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// translateError maps driver errors onto the repository sentinels.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		switch pgErr.ConstraintName {
		case constraintAccessCode:
			return repository.ErrAccessCodeTaken
		case constraintSingleActive:
			return repository.ErrActiveStoryExists
		case constraintSingleOrganizer:
			return repository.ErrOrganizerTaken
		}
	case pgForeignKeyViolation, pgInvalidTextRepr:
		return repository.ErrNotFound
	case pgNumericOutOfRange:
		return repository.ErrScoreOutOfRange
	}
	return err
}
