package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrAccessCodeTaken   = errors.New("access code already in use")
	ErrActiveStoryExists = errors.New("session already has an active story")
	ErrOrganizerTaken    = errors.New("session already has an organizer")
	ErrScoreOutOfRange   = errors.New("final score is out of range")
)

// FinalScoreIntegerDigits is how many digits a final score may carry before
// its single decimal place.
const FinalScoreIntegerDigits = 11

// FinalScoreInRange reports whether a score fits the stored precision.
func FinalScoreInRange(score decimal.Decimal) bool {
	return score.Abs().LessThan(decimal.New(1, FinalScoreIntegerDigits))
}

type CreateSessionInput struct {
	AccessCode  string
	Name        *string
	DeckType    string
	OrganizerID *string
}

type CreateStoryInput struct {
	Title string
	URL   *string
}

type CreateParticipantInput struct {
	SessionID    string
	DisplayName  string
	IsObserver   bool
	IsOrganizer  bool
	ConnectionID *string
	UserID       *string
}

type UpdateStoryStatusInput struct {
	StoryID    string
	Status     StoryStatus
	FinalScore *decimal.Decimal
}

type UpsertVoteInput struct {
	StoryID       string
	ParticipantID string
	CardValue     string
}

type SessionRepository interface {
	// CreateSession returns ErrAccessCodeTaken when the code collides.
	CreateSession(ctx context.Context, input CreateSessionInput) (*Session, error)
	AccessCodeExists(ctx context.Context, code string) (bool, error)
	// GetSessionByCode matches the code exactly and ignores IsActive.
	GetSessionByCode(ctx context.Context, code string) (*Session, error)
	GetSessionByID(ctx context.Context, id string) (*Session, error)
	DeactivateSession(ctx context.Context, id string) error
	// ListSessionsForUser returns sessions the user organized or joined, newest first.
	ListSessionsForUser(ctx context.Context, userID string, limit int) ([]Session, error)
}

type StoryRepository interface {
	// CreateStories appends stories after the session's current maximum
	// sort order, preserving input order. With status active only one input
	// is allowed and ErrActiveStoryExists is returned when the session
	// already has one.
	CreateStories(ctx context.Context, sessionID string, status StoryStatus, inputs []CreateStoryInput) ([]Story, error)
	GetStory(ctx context.Context, id string) (*Story, error)
	GetActiveStory(ctx context.Context, sessionID string) (*Story, error)
	// GetNextPendingStory returns the lowest sort order pending story.
	GetNextPendingStory(ctx context.Context, sessionID string) (*Story, error)
	// GetLatestCompletedStory returns the completed story with the highest sort order.
	GetLatestCompletedStory(ctx context.Context, sessionID string) (*Story, error)
	ListStories(ctx context.Context, sessionID string) ([]Story, error)
	// UpdateStoryStatus returns ErrScoreOutOfRange when FinalScore does not
	// fit FinalScoreIntegerDigits, and ErrActiveStoryExists when activating would
	// give the session a second active story.
	UpdateStoryStatus(ctx context.Context, input UpdateStoryStatusInput) (*Story, error)
	UpdateStoryDetails(ctx context.Context, id, title string, url *string) (*Story, error)
	DeleteStory(ctx context.Context, id string) error
}

type ParticipantRepository interface {
	// CreateParticipant returns ErrOrganizerTaken when IsOrganizer is set and
	// the session already has an organizer.
	CreateParticipant(ctx context.Context, input CreateParticipantInput) (*Participant, error)
	GetParticipant(ctx context.Context, id string) (*Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]Participant, error)
	CountParticipants(ctx context.Context, sessionID string) (int, error)
	SetParticipantConnection(ctx context.Context, id string, connectionID *string) error
	// ClearParticipantConnection clears the connection only while it still
	// equals connectionID and reports whether it did.
	ClearParticipantConnection(ctx context.Context, id, connectionID string) (bool, error)
	ClearAllConnections(ctx context.Context) error
}

type VoteRepository interface {
	UpsertVote(ctx context.Context, input UpsertVoteInput) (*Vote, error)
	DeleteVotesByStory(ctx context.Context, storyID string) error
	// ListVotesByStory returns votes in cast order.
	ListVotesByStory(ctx context.Context, storyID string) ([]VoteDetail, error)
}

type Repository interface {
	SessionRepository
	StoryRepository
	ParticipantRepository
	VoteRepository

	// RunInTx runs fn atomically. The repository passed to fn must be used
	// for every call inside the transaction. Nested calls join the outer
	// transaction.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error
}
