package session

import (
	"time"

	"github.com/foxseedlab/pokerpoints/internal/repository"
	"github.com/foxseedlab/pokerpoints/internal/voting"
	"github.com/shopspring/decimal"
)

const (
	EventUserJoined        = "UserJoined"
	EventUserLeft          = "UserLeft"
	EventVoteCast          = "VoteCast"
	EventVotesRevealed     = "VotesRevealed"
	EventVotesReset        = "VotesReset"
	EventStoryUpdated      = "StoryUpdated"
	EventStoryQueueUpdated = "StoryQueueUpdated"
	EventStoriesAdded      = "StoriesAdded"
	EventStoryDeleted      = "StoryDeleted"
	EventSessionState      = "SessionState"
	EventSessionEnded      = "SessionEnded"
)

// Event is one message pushed to a connection.
type Event struct {
	Type    string
	Payload any
}

type ParticipantView struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	IsObserver  bool   `json:"isObserver"`
	IsOrganizer bool   `json:"isOrganizer"`
	IsConnected bool   `json:"isConnected"`
}

type StoryView struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	URL        *string  `json:"url"`
	SortOrder  int      `json:"sortOrder"`
	Status     string   `json:"status"`
	FinalScore *Score  `json:"finalScore"`
}

type VoteView struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	CardValue     string `json:"cardValue"`
}

type VoteStatusView struct {
	ParticipantID string `json:"participantId"`
	HasVoted      bool   `json:"hasVoted"`
}

type SessionInfo struct {
	ID           string            `json:"id"`
	AccessCode   string            `json:"accessCode"`
	Name         *string           `json:"name"`
	DeckType     string            `json:"deckType"`
	IsActive     bool              `json:"isActive"`
	CreatedAt    time.Time         `json:"createdAt"`
	Participants []ParticipantView `json:"participants"`
	CurrentStory *StoryView        `json:"currentStory"`
}

// SessionState is the full snapshot a client needs to resynchronize.
type SessionState struct {
	Session       SessionInfo       `json:"session"`
	CurrentStory  *StoryView        `json:"currentStory"`
	Participants  []ParticipantView `json:"participants"`
	VoteStatuses  []VoteStatusView  `json:"voteStatuses"`
	RevealedVotes []VoteView        `json:"revealedVotes"`
}

type UserJoinedPayload struct {
	Participant ParticipantView `json:"participant"`
}

type UserLeftPayload struct {
	ParticipantID string `json:"participantId"`
}

type VoteCastPayload struct {
	ParticipantID string `json:"participantId"`
}

type VotesRevealedPayload struct {
	StoryID     string     `json:"storyId"`
	Votes       []VoteView `json:"votes"`
	Average     *Score     `json:"average"`
	IsConsensus bool       `json:"isConsensus"`
}

type VotesResetPayload struct {
	StoryID string `json:"storyId"`
}

type StoryUpdatedPayload struct {
	Story StoryView `json:"story"`
}

type StoriesPayload struct {
	Stories []StoryView `json:"stories"`
}

type StoryDeletedPayload struct {
	StoryID string `json:"storyId"`
}

type SessionEndedPayload struct {
	AccessCode string `json:"accessCode"`
}

type JoinResult struct {
	Participant ParticipantView `json:"participant"`
	Reconnected bool            `json:"reconnected"`
}

type SessionSummary struct {
	ID          string    `json:"id"`
	AccessCode  string    `json:"accessCode"`
	Name        *string   `json:"name"`
	DeckType    string    `json:"deckType"`
	IsActive    bool      `json:"isActive"`
	IsOrganizer bool      `json:"isOrganizer"`
	CreatedAt   time.Time `json:"createdAt"`
}

type HistoryStory struct {
	StoryView
	Votes []VoteView `json:"votes"`
}

type SessionHistory struct {
	Session SessionSummary `json:"session"`
	Stories []HistoryStory `json:"stories"`
}

// Score is a one-place decimal that encodes as a JSON number without a
// round trip through float64.
type Score struct {
	d decimal.Decimal
}

func (s Score) Decimal() decimal.Decimal { return s.d }

func (s Score) String() string { return s.d.StringFixed(1) }

func (s Score) MarshalJSON() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Score) UnmarshalJSON(b []byte) error {
	return s.d.UnmarshalJSON(b)
}

func scoreOf(d *decimal.Decimal) *Score {
	if d == nil {
		return nil
	}
	return &Score{d: *d}
}

func storyView(st *repository.Story) *StoryView {
	if st == nil {
		return nil
	}
	return &StoryView{
		ID:         st.ID,
		Title:      st.Title,
		URL:        st.URL,
		SortOrder:  st.SortOrder,
		Status:     string(st.Status),
		FinalScore: scoreOf(st.FinalScore),
	}
}

func storyViews(stories []repository.Story) []StoryView {
	out := make([]StoryView, 0, len(stories))
	for i := range stories {
		out = append(out, *storyView(&stories[i]))
	}
	return out
}

func voteViews(votes []voting.RevealedVote) []VoteView {
	out := make([]VoteView, 0, len(votes))
	for _, v := range votes {
		out = append(out, VoteView{ParticipantID: v.ParticipantID, DisplayName: v.DisplayName, CardValue: v.CardValue})
	}
	return out
}

func revealPayload(r *voting.Result) VotesRevealedPayload {
	return VotesRevealedPayload{
		StoryID:     r.StoryID,
		Votes:       voteViews(r.Votes),
		Average:     scoreOf(r.Average),
		IsConsensus: r.IsConsensus,
	}
}

func sessionSummary(s *repository.Session, userID string) SessionSummary {
	return SessionSummary{
		ID:          s.ID,
		AccessCode:  s.AccessCode,
		Name:        s.Name,
		DeckType:    s.DeckType,
		IsActive:    s.IsActive,
		IsOrganizer: userID != "" && s.OrganizerID != nil && *s.OrganizerID == userID,
		CreatedAt:   s.CreatedAt,
	}
}
