package session

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/foxseedlab/pokerpoints/internal/repository"
	"github.com/foxseedlab/pokerpoints/internal/webhook"
)

// Kept separate from time.DateTime so the report layout can change on its own.
const reportTimeLayout = "2006-01-02 15:04:05"

type sessionReport struct {
	session      *repository.Session
	endedAt      time.Time
	timezone     string
	loc          *time.Location
	participants []repository.Participant
	stories      []repository.Story
	// voteCounts is keyed by story id.
	voteCounts map[string]int
}

func buildSessionReportText(r sessionReport) string {
	loc := safeLocation(r.loc)
	participants := canonicalParticipants(r.participants)
	names := make([]string, 0, len(participants))
	for _, p := range participants {
		name := p.DisplayName
		if p.IsObserver {
			name += reportObserverSuffix
		}
		names = append(names, name)
	}

	startText := r.session.CreatedAt.In(loc).Format(reportTimeLayout)
	endText := r.endedAt.In(loc).Format(reportTimeLayout)

	lines := []string{
		fmt.Sprintf(reportSessionLine, sessionName(r.session), r.session.AccessCode),
		fmt.Sprintf(reportDeckLine, r.session.DeckType),
		fmt.Sprintf(reportPeriodLine, startText, endText, r.timezone),
		fmt.Sprintf(reportDurationLine, formatElapsedHMS(r.endedAt.Sub(r.session.CreatedAt))),
		fmt.Sprintf(reportParticipantsLine, strings.Join(names, ", ")),
		"",
	}
	for i, st := range r.stories {
		lines = append(lines, fmt.Sprintf(reportStoryLine, i+1, st.Title, reportScore(st)))
	}
	return strings.Join(lines, "\n")
}

func buildSessionReportPayload(r sessionReport) webhook.SessionReportPayload {
	loc := safeLocation(r.loc)
	participants := canonicalParticipants(r.participants)
	names := make([]string, 0, len(participants))
	details := make([]webhook.SessionReportParticipant, 0, len(participants))
	for _, p := range participants {
		names = append(names, p.DisplayName)
		details = append(details, webhook.SessionReportParticipant{
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			IsObserver:    p.IsObserver,
			IsOrganizer:   p.IsOrganizer,
		})
	}

	stories := make([]webhook.SessionReportStory, 0, len(r.stories))
	estimated := 0
	for _, st := range r.stories {
		var score *string
		if st.FinalScore != nil {
			v := st.FinalScore.StringFixed(1)
			score = &v
			estimated++
		}
		stories = append(stories, webhook.SessionReportStory{
			Title:      st.Title,
			URL:        deref(st.URL),
			Status:     string(st.Status),
			FinalScore: score,
			VoteCount:  r.voteCounts[st.ID],
		})
	}

	durationSeconds := int64(r.endedAt.Sub(r.session.CreatedAt).Seconds())
	if durationSeconds < 0 {
		durationSeconds = 0
	}

	return webhook.SessionReportPayload{
		SchemaVersion:      webhook.SessionReportSchemaVersion,
		SessionID:          r.session.ID,
		AccessCode:         r.session.AccessCode,
		SessionName:        sessionName(r.session),
		DeckType:           r.session.DeckType,
		StartAt:            r.session.CreatedAt.In(loc).Format(time.RFC3339),
		EndAt:              r.endedAt.In(loc).Format(time.RFC3339),
		Timezone:           r.timezone,
		DurationSeconds:    durationSeconds,
		Participants:       names,
		ParticipantDetails: details,
		StoryCount:         len(r.stories),
		EstimatedCount:     estimated,
		Stories:            stories,
		Report:             buildSessionReportText(r),
	}
}

// canonicalParticipants drops blank names and orders the rest by name,
// case-insensitively, with the id as a tiebreaker.
func canonicalParticipants(participants []repository.Participant) []repository.Participant {
	list := make([]repository.Participant, 0, len(participants))
	for _, p := range participants {
		if strings.TrimSpace(p.DisplayName) == "" {
			continue
		}
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		in := strings.ToLower(list[i].DisplayName)
		jn := strings.ToLower(list[j].DisplayName)
		if in != jn {
			return in < jn
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func sessionName(s *repository.Session) string {
	if s.Name == nil || strings.TrimSpace(*s.Name) == "" {
		return reportUnnamedSession
	}
	return *s.Name
}

func reportScore(st repository.Story) string {
	if st.FinalScore == nil {
		return reportNoScore
	}
	return st.FinalScore.StringFixed(1)
}

func formatElapsedHMS(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func safeLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
