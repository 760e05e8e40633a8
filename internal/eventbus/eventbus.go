package eventbus

import (
	"context"
	"time"
)

const (
	SubjectSessionCreated = "pokerpoints.session.created"
	SubjectSessionEnded   = "pokerpoints.session.ended"
	SubjectStoryCompleted = "pokerpoints.story.completed"
)

// Publisher emits integration events for other systems. Delivery is best
// effort.
type Publisher interface {
	Publish(ctx context.Context, subject string, event any) error
}

type SessionEvent struct {
	SessionID  string    `json:"sessionId"`
	AccessCode string    `json:"accessCode"`
	DeckType   string    `json:"deckType"`
	OccurredAt time.Time `json:"occurredAt"`
}

type StoryCompletedEvent struct {
	SessionID  string    `json:"sessionId"`
	StoryID    string    `json:"storyId"`
	Title      string    `json:"title"`
	FinalScore *string   `json:"finalScore"`
	OccurredAt time.Time `json:"occurredAt"`
}
