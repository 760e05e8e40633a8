package repository

import (
	"time"

	"github.com/shopspring/decimal"
)

type StoryStatus string

const (
	StoryStatusPending   StoryStatus = "pending"
	StoryStatusActive    StoryStatus = "active"
	StoryStatusCompleted StoryStatus = "completed"
)

type Session struct {
	ID          string
	AccessCode  string
	Name        *string
	DeckType    string
	IsActive    bool
	OrganizerID *string
	CreatedAt   time.Time
}

type Story struct {
	ID         string
	SessionID  string
	Title      string
	URL        *string
	SortOrder  int
	Status     StoryStatus
	FinalScore *decimal.Decimal
	CreatedAt  time.Time
}

type Participant struct {
	ID           string
	SessionID    string
	DisplayName  string
	IsObserver   bool
	IsOrganizer  bool
	ConnectionID *string
	UserID       *string
	JoinedAt     time.Time
}

type Vote struct {
	ID            string
	StoryID       string
	ParticipantID string
	CardValue     string
	CreatedAt     time.Time
}

// VoteDetail is a vote joined with the voter's display name. DisplayName is
// empty when the participant row no longer exists.
type VoteDetail struct {
	Vote
	DisplayName string
}
