package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/foxseedlab/pokerpoints/internal/directory"
	"github.com/foxseedlab/pokerpoints/internal/eventbus"
	"github.com/foxseedlab/pokerpoints/internal/repository"
)

// CreateSession opens a new session. userID is empty for guests.
func (m *Manager) CreateSession(ctx context.Context, deckType, name, userID string) (*SessionSummary, error) {
	s, err := m.directory.CreateSession(ctx, directory.CreateSessionInput{
		DeckType:    deckType,
		Name:        name,
		OrganizerID: userID,
	})
	if err != nil {
		return nil, AsError(err)
	}
	m.metrics.SessionCreated()
	m.publish(eventbus.SubjectSessionCreated, sessionEvent(s))
	summary := sessionSummary(s, userID)
	return &summary, nil
}

// SessionInfo returns the public view of a session in any status.
func (m *Manager) SessionInfo(ctx context.Context, code string) (*SessionInfo, error) {
	s, err := m.directory.Info(ctx, code)
	if err != nil {
		return nil, AsError(err)
	}
	info, _, err := m.sessionInfo(ctx, s)
	if err != nil {
		return nil, AsError(err)
	}
	return info, nil
}

// SessionStateByCode is the polling counterpart of GetSessionState. Only
// active sessions are visible.
func (m *Manager) SessionStateByCode(ctx context.Context, code string) (*SessionState, error) {
	s, err := m.directory.ResolveByCode(ctx, code)
	if err != nil {
		return nil, AsError(err)
	}
	state, err := m.buildState(ctx, s)
	if err != nil {
		return nil, AsError(err)
	}
	return state, nil
}

// EndSession deactivates the session on behalf of its organizer and tells
// every connection of the session. Ending an ended session is a no-op.
func (m *Manager) EndSession(ctx context.Context, code, userID string) error {
	if userID == "" {
		return newError(CodeUnauthenticated, messageSignInRequired)
	}
	s, err := m.directory.Info(ctx, code)
	if err != nil {
		return AsError(err)
	}
	unlock := m.locks.lock(s.ID)
	defer unlock()

	result, err := m.directory.Deactivate(ctx, s.AccessCode, userID)
	if err != nil {
		return AsError(err)
	}
	if !result.Changed {
		return nil
	}
	endedAt := time.Now()
	if result.CompletedStory != nil {
		m.publishStoryCompleted(result.Session, result.CompletedStory)
	}
	m.hub.broadcast(s.AccessCode, Event{Type: EventSessionEnded, Payload: SessionEndedPayload{AccessCode: s.AccessCode}})
	m.publish(eventbus.SubjectSessionEnded, sessionEvent(result.Session))
	go m.sendReport(result.Session, endedAt)
	return nil
}

// History returns every story of the session with the votes of completed
// stories. Only the organizer and past participants may read it.
func (m *Manager) History(ctx context.Context, code, userID string) (*SessionHistory, error) {
	if userID == "" {
		return nil, newError(CodeUnauthenticated, messageSignInRequired)
	}
	s, err := m.directory.Info(ctx, code)
	if err != nil {
		return nil, AsError(err)
	}
	allowed, err := m.canReadHistory(ctx, s, userID)
	if err != nil {
		return nil, AsError(err)
	}
	if !allowed {
		return nil, newError(CodeForbidden, messageHistoryForbidden)
	}

	stories, err := m.queue.List(ctx, s.ID)
	if err != nil {
		return nil, AsError(err)
	}
	history := &SessionHistory{
		Session: sessionSummary(s, userID),
		Stories: make([]HistoryStory, 0, len(stories)),
	}
	for i := range stories {
		entry := HistoryStory{StoryView: *storyView(&stories[i]), Votes: []VoteView{}}
		if stories[i].Status == repository.StoryStatusCompleted {
			result, err := m.voting.Reveal(ctx, stories[i].ID)
			if err != nil {
				return nil, AsError(err)
			}
			entry.Votes = voteViews(result.Votes)
		}
		history.Stories = append(history.Stories, entry)
	}
	return history, nil
}

// UserSessions lists the recent sessions the user organized or joined.
func (m *Manager) UserSessions(ctx context.Context, userID string) ([]SessionSummary, error) {
	if userID == "" {
		return nil, newError(CodeUnauthenticated, messageSignInRequired)
	}
	sessions, err := m.directory.ListForUser(ctx, userID)
	if err != nil {
		return nil, AsError(err)
	}
	out := make([]SessionSummary, 0, len(sessions))
	for i := range sessions {
		out = append(out, sessionSummary(&sessions[i], userID))
	}
	return out, nil
}

func (m *Manager) canReadHistory(ctx context.Context, s *repository.Session, userID string) (bool, error) {
	if s.OrganizerID != nil && *s.OrganizerID == userID {
		return true, nil
	}
	participants, err := m.registry.ListBySession(ctx, s.ID)
	if err != nil {
		return false, err
	}
	for _, p := range participants {
		if p.UserID != nil && *p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// buildState assembles the full snapshot of an active or ended session.
// Card values are only included once the current story is completed.
func (m *Manager) buildState(ctx context.Context, s *repository.Session) (*SessionState, error) {
	info, current, err := m.sessionInfo(ctx, s)
	if err != nil {
		return nil, err
	}

	voterIDs := make([]string, 0, len(info.Participants))
	for _, p := range info.Participants {
		if !p.IsObserver {
			voterIDs = append(voterIDs, p.ID)
		}
	}
	storyID := ""
	if current != nil {
		storyID = current.ID
	}
	statuses, err := m.voting.VoteStatuses(ctx, storyID, voterIDs)
	if err != nil {
		return nil, err
	}
	state := &SessionState{
		Session:       *info,
		CurrentStory:  info.CurrentStory,
		Participants:  info.Participants,
		VoteStatuses:  make([]VoteStatusView, 0, len(statuses)),
		RevealedVotes: []VoteView{},
	}
	for _, st := range statuses {
		state.VoteStatuses = append(state.VoteStatuses, VoteStatusView{ParticipantID: st.ParticipantID, HasVoted: st.HasVoted})
	}
	if current != nil && current.Status == repository.StoryStatusCompleted {
		result, err := m.voting.Reveal(ctx, current.ID)
		if err != nil {
			return nil, err
		}
		state.RevealedVotes = voteViews(result.Votes)
	}
	return state, nil
}

// sessionInfo returns the public view plus the current story: the active
// story, or the latest completed one between stories.
func (m *Manager) sessionInfo(ctx context.Context, s *repository.Session) (*SessionInfo, *repository.Story, error) {
	participants, err := m.registry.ListBySession(ctx, s.ID)
	if err != nil {
		return nil, nil, err
	}
	current, err := m.queue.Active(ctx, s.ID)
	if err != nil {
		return nil, nil, err
	}
	if current == nil {
		if current, err = m.queue.LatestCompleted(ctx, s.ID); err != nil {
			return nil, nil, err
		}
	}
	views := make([]ParticipantView, 0, len(participants))
	for i := range participants {
		views = append(views, m.participantView(&participants[i]))
	}
	return &SessionInfo{
		ID:           s.ID,
		AccessCode:   s.AccessCode,
		Name:         s.Name,
		DeckType:     s.DeckType,
		IsActive:     s.IsActive,
		CreatedAt:    s.CreatedAt,
		Participants: views,
		CurrentStory: storyView(current),
	}, current, nil
}

// sendReport posts the session report to the webhook. It runs detached
// from the request that ended the session.
func (m *Manager) sendReport(s *repository.Session, endedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	participants, err := m.registry.ListBySession(ctx, s.ID)
	if err != nil {
		slog.Error("failed to load participants for session report", "error", err, "session_id", s.ID)
		return
	}
	stories, err := m.queue.List(ctx, s.ID)
	if err != nil {
		slog.Error("failed to load stories for session report", "error", err, "session_id", s.ID)
		return
	}
	voteCounts := make(map[string]int, len(stories))
	for _, st := range stories {
		result, err := m.voting.Reveal(ctx, st.ID)
		if err != nil {
			slog.Error("failed to load votes for session report", "error", err, "session_id", s.ID, "story_id", st.ID)
			return
		}
		voteCounts[st.ID] = len(result.Votes)
	}

	loc, err := time.LoadLocation(m.cfg.ReportTimezone)
	if err != nil {
		slog.Warn("failed to load report timezone; falling back to UTC", "error", err, "timezone", m.cfg.ReportTimezone)
		loc = time.UTC
	}
	payload := buildSessionReportPayload(sessionReport{
		session:      s,
		endedAt:      endedAt,
		timezone:     m.cfg.ReportTimezone,
		loc:          loc,
		participants: participants,
		stories:      stories,
		voteCounts:   voteCounts,
	})
	if err := m.webhook.SendSessionReport(ctx, payload); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Error("session report timed out", "session_id", s.ID)
			return
		}
		slog.Error("failed to send session report", "error", err, "session_id", s.ID)
		return
	}
	slog.Info("session report sent", "session_id", s.ID, "story_count", len(stories))
}

func sessionEvent(s *repository.Session) eventbus.SessionEvent {
	return eventbus.SessionEvent{
		SessionID:  s.ID,
		AccessCode: s.AccessCode,
		DeckType:   s.DeckType,
		OccurredAt: time.Now().UTC(),
	}
}
