package webhook

import "context"

const SessionReportSchemaVersion = "2026-10-01"

type Sender interface {
	SendSessionReport(ctx context.Context, payload SessionReportPayload) error
}

type SessionReportPayload struct {
	SchemaVersion      string                     `json:"schema_version"`
	SessionID          string                     `json:"session_id"`
	AccessCode         string                     `json:"access_code"`
	SessionName        string                     `json:"session_name"`
	DeckType           string                     `json:"deck_type"`
	StartAt            string                     `json:"start_at"`
	EndAt              string                     `json:"end_at"`
	Timezone           string                     `json:"timezone"`
	DurationSeconds    int64                      `json:"duration_seconds"`
	Participants       []string                   `json:"participants"`
	ParticipantDetails []SessionReportParticipant `json:"participant_details"`
	StoryCount         int                        `json:"story_count"`
	EstimatedCount     int                        `json:"estimated_count"`
	Stories            []SessionReportStory       `json:"stories"`
	Report             string                     `json:"report"`
}

type SessionReportParticipant struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
	IsObserver    bool   `json:"is_observer"`
	IsOrganizer   bool   `json:"is_organizer"`
}

type SessionReportStory struct {
	Title      string  `json:"title"`
	URL        string  `json:"url,omitempty"`
	Status     string  `json:"status"`
	FinalScore *string `json:"final_score"`
	VoteCount  int     `json:"vote_count"`
}
