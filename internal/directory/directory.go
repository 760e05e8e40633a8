package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/foxseedlab/pokerpoints/internal/repository"
	"github.com/foxseedlab/pokerpoints/internal/voting"
)

const (
	maxSessionNameRunes  = 100
	userSessionListLimit = 20
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrUnauthorized    = errors.New("only the session organizer can do this")
	ErrInvalidDeckType = errors.New("unknown deck type")
	ErrInvalidName     = errors.New("session name is too long")
)

type CreateSessionInput struct {
	DeckType    string
	Name        string
	OrganizerID string
}

type DeactivateResult struct {
	Session *repository.Session
	// CompletedStory is the story that was active when the session ended.
	CompletedStory *repository.Story
	// Changed is false when the session had already been deactivated.
	Changed bool
}

type Directory struct {
	repo     repository.Repository
	generate CodeGenerator
}

func New(repo repository.Repository) *Directory {
	return NewWithGenerator(repo, RandomAccessCode)
}

func NewWithGenerator(repo repository.Repository, generate CodeGenerator) *Directory {
	return &Directory{repo: repo, generate: generate}
}

func (d *Directory) CreateSession(ctx context.Context, input CreateSessionInput) (*repository.Session, error) {
	deckType, ok := NormalizeDeckType(input.DeckType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDeckType, input.DeckType)
	}
	name := strings.TrimSpace(input.Name)
	if utf8.RuneCountInString(name) > maxSessionNameRunes {
		return nil, ErrInvalidName
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		code := d.generate()
		exists, err := d.repo.AccessCodeExists(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("failed to check access code: %w", err)
		}
		if exists {
			slog.Debug("access code collision; retrying", "attempt", attempt)
			continue
		}
		s, err := d.repo.CreateSession(ctx, repository.CreateSessionInput{
			AccessCode:  code,
			Name:        optional(name),
			DeckType:    deckType,
			OrganizerID: optional(input.OrganizerID),
		})
		if errors.Is(err, repository.ErrAccessCodeTaken) {
			slog.Debug("access code taken concurrently; retrying", "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		slog.Info("session created", "session_id", s.ID, "access_code", s.AccessCode, "deck_type", s.DeckType)
		return s, nil
	}
}

// ResolveByCode returns the active session for a human-entered code.
func (d *Directory) ResolveByCode(ctx context.Context, code string) (*repository.Session, error) {
	s, err := d.Info(ctx, code)
	if err != nil {
		return nil, err
	}
	if !s.IsActive {
		return nil, ErrNotFound
	}
	return s, nil
}

// Info returns the session for a code whether or not it is still active.
func (d *Directory) Info(ctx context.Context, code string) (*repository.Session, error) {
	code = NormalizeAccessCode(code)
	if !IsValidAccessCode(code) {
		return nil, ErrNotFound
	}
	s, err := d.repo.GetSessionByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return s, nil
}

func (d *Directory) GetByID(ctx context.Context, id string) (*repository.Session, error) {
	s, err := d.repo.GetSessionByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return s, nil
}

func (d *Directory) ListForUser(ctx context.Context, userID string) ([]repository.Session, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}
	return d.repo.ListSessionsForUser(ctx, userID, userSessionListLimit)
}

// Deactivate ends a session on behalf of its organizer. The active story, if
// any, is completed with the score its current votes produce, in the same
// transaction that clears the active flag.
func (d *Directory) Deactivate(ctx context.Context, code, requestingUserID string) (*DeactivateResult, error) {
	s, err := d.Info(ctx, code)
	if err != nil {
		return nil, err
	}
	if requestingUserID == "" || s.OrganizerID == nil || *s.OrganizerID != requestingUserID {
		return nil, ErrUnauthorized
	}
	if !s.IsActive {
		return &DeactivateResult{Session: s}, nil
	}

	result := &DeactivateResult{Session: s, Changed: true}
	err = d.repo.RunInTx(ctx, func(ctx context.Context, tx repository.Repository) error {
		active, err := tx.GetActiveStory(ctx, s.ID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
		case err != nil:
			return err
		default:
			completed, err := voting.FinalizeStory(ctx, tx, active.ID)
			if err != nil {
				return err
			}
			result.CompletedStory = completed
		}
		return tx.DeactivateSession(ctx, s.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate session: %w", err)
	}
	s.IsActive = false
	slog.Info("session deactivated", "session_id", s.ID, "access_code", s.AccessCode)
	return result, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
