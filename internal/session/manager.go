package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/foxseedlab/pokerpoints/internal/config"
	"github.com/foxseedlab/pokerpoints/internal/directory"
	"github.com/foxseedlab/pokerpoints/internal/eventbus"
	"github.com/foxseedlab/pokerpoints/internal/metrics"
	"github.com/foxseedlab/pokerpoints/internal/queue"
	"github.com/foxseedlab/pokerpoints/internal/registry"
	"github.com/foxseedlab/pokerpoints/internal/repository"
	"github.com/foxseedlab/pokerpoints/internal/voting"
	"github.com/foxseedlab/pokerpoints/internal/webhook"
)

const (
	publishTimeout = 5 * time.Second
	reportTimeout  = 30 * time.Second
)

// Manager coordinates client actions for every live session. Each action
// re-reads what it needs from storage and then broadcasts the resulting
// events to the session's connections.
type Manager struct {
	cfg       *config.Config
	directory *directory.Directory
	queue     *queue.Queue
	voting    *voting.Engine
	registry  *registry.Registry
	webhook   webhook.Sender
	publisher eventbus.Publisher
	metrics   metrics.Recorder

	hub   *hub
	locks *sessionLocks
}

func NewManager(cfg *config.Config, dir *directory.Directory, q *queue.Queue, eng *voting.Engine, reg *registry.Registry, wh webhook.Sender, pub eventbus.Publisher, rec metrics.Recorder) *Manager {
	return &Manager{
		cfg:       cfg,
		directory: dir,
		queue:     q,
		voting:    eng,
		registry:  reg,
		webhook:   wh,
		publisher: pub,
		metrics:   rec,
		hub:       newHub(),
		locks:     newSessionLocks(),
	}
}

type JoinRequest struct {
	AccessCode            string
	DisplayName           string
	IsObserver            bool
	ExistingParticipantID string
}

type StoryDetails struct {
	StoryID string
	Title   string
	URL     string
}

// caller is the participant behind a connection and the session it belongs to.
type caller struct {
	participant *repository.Participant
	session     *repository.Session
}

// Connect registers a new transport connection.
func (m *Manager) Connect(c Conn) {
	m.metrics.ConnectionOpened()
	slog.Debug("connection opened", "connection_id", c.ID())
}

// Disconnect releases the connection's presence. The participant record is
// kept so the same person can reconnect later.
func (m *Manager) Disconnect(ctx context.Context, c Conn) {
	m.metrics.ConnectionClosed()
	if err := m.detach(ctx, c); err != nil {
		slog.Error("failed to release connection", "error", err, "connection_id", c.ID())
	}
}

func (m *Manager) Join(ctx context.Context, c Conn, req JoinRequest) (result *JoinResult, err error) {
	defer func() { err = m.observe("join", c, err) }()

	s, err := m.directory.ResolveByCode(ctx, req.AccessCode)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.lock(s.ID)
	defer unlock()

	if req.ExistingParticipantID != "" {
		res, err := m.reconnect(ctx, c, s, req.ExistingParticipantID)
		if err != nil || res != nil {
			return res, err
		}
		slog.Info("unknown participant on reconnect; joining as new", "session_id", s.ID, "participant_id", req.ExistingParticipantID)
	}

	name, err := registry.NormalizeDisplayName(req.DisplayName)
	if err != nil {
		return nil, err
	}
	if err := m.detach(ctx, c); err != nil {
		return nil, err
	}
	count, err := m.registry.CountBySession(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	p, err := m.registry.Join(ctx, registry.JoinInput{
		SessionID:    s.ID,
		DisplayName:  name,
		IsObserver:   req.IsObserver,
		IsOrganizer:  count == 0,
		UserID:       c.UserID(),
		ConnectionID: c.ID(),
	})
	if err != nil {
		return nil, err
	}
	slog.Info("participant joined", "session_id", s.ID, "participant_id", p.ID, "is_organizer", p.IsOrganizer, "is_observer", p.IsObserver)

	view := m.participantView(p)
	m.hub.subscribe(s.AccessCode, c)
	m.hub.broadcast(s.AccessCode, Event{Type: EventUserJoined, Payload: UserJoinedPayload{Participant: view}})

	if p.IsOrganizer {
		story, created, err := m.queue.GetOrCreateActiveStory(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		if created {
			m.hub.broadcast(s.AccessCode, Event{Type: EventStoryUpdated, Payload: StoryUpdatedPayload{Story: *storyView(story)}})
		}
	}
	return &JoinResult{Participant: view}, nil
}

// reconnect rebinds the connection to a known participant of the session.
// It returns nil, nil when the participant does not belong to the session.
func (m *Manager) reconnect(ctx context.Context, c Conn, s *repository.Session, participantID string) (*JoinResult, error) {
	existing, err := m.registry.LookupByID(ctx, participantID)
	if err != nil {
		if errors.Is(err, registry.ErrParticipantNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if existing.SessionID != s.ID {
		return nil, nil
	}
	if bound, err := m.registry.LookupByConnection(ctx, c.ID()); err != nil {
		return nil, err
	} else if bound != nil && bound.ID != existing.ID {
		if err := m.detach(ctx, c); err != nil {
			return nil, err
		}
	}

	p, previous, err := m.registry.Reconnect(ctx, existing.ID, c.ID())
	if err != nil {
		return nil, err
	}
	if previous != "" {
		m.hub.unsubscribe(previous)
	}
	slog.Info("participant reconnected", "session_id", s.ID, "participant_id", p.ID, "is_organizer", p.IsOrganizer)

	view := m.participantView(p)
	m.hub.subscribe(s.AccessCode, c)
	m.hub.broadcast(s.AccessCode, Event{Type: EventUserJoined, Payload: UserJoinedPayload{Participant: view}})

	state, err := m.buildState(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := c.Send(Event{Type: EventSessionState, Payload: state}); err != nil {
		slog.Debug("dropping session state for closed connection", "connection_id", c.ID(), "error", err)
	}
	return &JoinResult{Participant: view, Reconnected: true}, nil
}

func (m *Manager) Leave(ctx context.Context, c Conn) (err error) {
	defer func() { err = m.observe("leave", c, err) }()
	p, err := m.registry.LookupByConnection(ctx, c.ID())
	if err != nil {
		return err
	}
	if p == nil {
		return newError(CodeFailedPrecondition, messageJoinFirst)
	}
	return m.detach(ctx, c)
}

// detach releases the connection's current binding, if any, and tells the
// rest of its session.
func (m *Manager) detach(ctx context.Context, c Conn) error {
	m.hub.unsubscribe(c.ID())
	p, err := m.registry.Disconnect(ctx, c.ID())
	if err != nil || p == nil {
		return err
	}
	s, err := m.directory.GetByID(ctx, p.SessionID)
	if err != nil {
		return err
	}
	slog.Info("participant left", "session_id", s.ID, "participant_id", p.ID)
	m.hub.broadcast(s.AccessCode, Event{Type: EventUserLeft, Payload: UserLeftPayload{ParticipantID: p.ID}})
	return nil
}

func (m *Manager) CastVote(ctx context.Context, c Conn, cardValue string) (err error) {
	defer func() { err = m.observe("castVote", c, err) }()
	cl, err := m.boundCaller(ctx, c, true)
	if err != nil {
		return err
	}
	if cl.participant.IsObserver {
		return newError(CodeForbidden, messageObserverCannotVote)
	}
	unlock := m.locks.lock(cl.session.ID)
	defer unlock()

	active, err := m.requireActiveStory(ctx, cl.session.ID)
	if err != nil {
		return err
	}
	if _, err := m.voting.CastVote(ctx, active.ID, cl.participant.ID, cardValue); err != nil {
		return err
	}
	m.hub.broadcast(cl.session.AccessCode, Event{Type: EventVoteCast, Payload: VoteCastPayload{ParticipantID: cl.participant.ID}})
	return nil
}

func (m *Manager) RevealVotes(ctx context.Context, c Conn) (err error) {
	defer func() { err = m.observe("revealVotes", c, err) }()
	cl, err := m.organizerCaller(ctx, c)
	if err != nil {
		return err
	}
	unlock := m.locks.lock(cl.session.ID)
	defer unlock()

	active, err := m.requireActiveStory(ctx, cl.session.ID)
	if err != nil {
		return err
	}
	result, err := m.voting.Reveal(ctx, active.ID)
	if err != nil {
		return err
	}
	m.hub.broadcast(cl.session.AccessCode, Event{Type: EventVotesRevealed, Payload: revealPayload(result)})
	return nil
}

func (m *Manager) ResetVotes(ctx context.Context, c Conn) (err error) {
	defer func() { err = m.observe("resetVotes", c, err) }()
	cl, err := m.organizerCaller(ctx, c)
	if err != nil {
		return err
	}
	unlock := m.locks.lock(cl.session.ID)
	defer unlock()

	active, err := m.requireActiveStory(ctx, cl.session.ID)
	if err != nil {
		return err
	}
	if err := m.voting.ResetVotes(ctx, active.ID); err != nil {
		return err
	}
	m.hub.broadcast(cl.session.AccessCode, Event{Type: EventVotesReset, Payload: VotesResetPayload{StoryID: active.ID}})
	return nil
}

// NextStory completes the active story and moves on to the next queued
// story, or a blank one when the queue is empty.
func (m *Manager) NextStory(ctx context.Context, c Conn, title string) (story *StoryView, err error) {
	defer func() { err = m.observe("nextStory", c, err) }()
	cl, err := m.organizerCaller(ctx, c)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.lock(cl.session.ID)
	defer unlock()

	if err := m.completeActive(ctx, cl.session, ""); err != nil {
		return nil, err
	}
	next, err := m.queue.ActivateNext(ctx, cl.session.ID)
	if err != nil {
		return nil, err
	}
	if next == nil {
		if next, _, err = m.queue.GetOrCreateActiveStory(ctx, cl.session.ID); err != nil {
			return nil, err
		}
	}
	if title = strings.TrimSpace(title); title != "" {
		if next, err = m.queue.Update(ctx, next.ID, title, deref(next.URL)); err != nil {
			return nil, err
		}
	}
	return m.announceStoryChange(ctx, cl.session, next)
}

func (m *Manager) StartStory(ctx context.Context, c Conn, storyID string) (story *StoryView, err error) {
	defer func() { err = m.observe("startStory", c, err) }()
	cl, err := m.organizerCaller(ctx, c)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.lock(cl.session.ID)
	defer unlock()

	target, err := m.sessionStory(ctx, cl.session.ID, storyID)
	if err != nil {
		return nil, err
	}
	switch target.Status {
	case repository.StoryStatusActive:
		return storyView(target), nil
	case repository.StoryStatusCompleted:
		return nil, newError(CodeFailedPrecondition, messageRestartCompleted)
	}
	if err := m.completeActive(ctx, cl.session, ""); err != nil {
		return nil, err
	}
	started, err := m.queue.Activate(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	return m.announceStoryChange(ctx, cl.session, started)
}

func (m *Manager) RestartStory(ctx context.Context, c Conn, storyID string) (story *StoryView, err error) {
	defer func() { err = m.observe("restartStory", c, err) }()
	cl, err := m.organizerCaller(ctx, c)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.lock(cl.session.ID)
	defer unlock()

	target, err := m.sessionStory(ctx, cl.session.ID, storyID)
	if err != nil {
		return nil, err
	}
	if err := m.completeActive(ctx, cl.session, target.ID); err != nil {
		return nil, err
	}
	restarted, err := m.queue.Restart(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	slog.Info("story restarted", "session_id", cl.session.ID, "story_id", restarted.ID)
	return m.announceStoryChange(ctx, cl.session, restarted)
}

// UpdateStory renames the active story.
func (m *Manager) UpdateStory(ctx context.Context, c Conn, title string) (story *StoryView, err error) {
	defer func() { err = m.observe("updateStory", c, err) }()
	cl, err := m.organizerCaller(ctx, c)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.lock(cl.session.ID)
	defer unlock()

	active, err := m.requireActiveStory(ctx, cl.session.ID)
	if err != nil {
		return nil, err
	}
	updated, err := m.queue.Update(ctx, active.ID, title, deref(active.URL))
	if err != nil {
		return nil, err
	}
	view := storyView(updated)
	m.hub.broadcast(cl.session.AccessCode, Event{Type: EventStoryUpdated, Payload: StoryUpdatedPayload{Story: *view}})
	return view, nil
}

// UpdateStoryDetails edits any story of the session. An empty StoryID
// targets the active story.
func (m *Manager) UpdateStoryDetails(ctx context.Context, c Conn, details StoryDetails) (story *StoryView, err error) {
	defer func() { err = m.observe("updateStoryDetails", c, err) }()
	cl, err := m.organizerCaller(ctx, c)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.lock(cl.session.ID)
	defer unlock()

	var target *repository.Story
	if details.StoryID == "" {
		target, err = m.requireActiveStory(ctx, cl.session.ID)
	} else {
		target, err = m.sessionStory(ctx, cl.session.ID, details.StoryID)
	}
	if err != nil {
		return nil, err
	}
	updated, err := m.queue.Update(ctx, target.ID, details.Title, details.URL)
	if err != nil {
		return nil, err
	}
	view := storyView(updated)
	if updated.Status == repository.StoryStatusActive {
		m.hub.broadcast(cl.session.AccessCode, Event{Type: EventStoryUpdated, Payload: StoryUpdatedPayload{Story: *view}})
		return view, nil
	}
	if err := m.broadcastQueue(ctx, cl.session); err != nil {
		return nil, err
	}
	return view, nil
}

func (m *Manager) AddStories(ctx context.Context, c Conn, stories []queue.NewStory) (added []StoryView, err error) {
	defer func() { err = m.observe("addStories", c, err) }()
	cl, err := m.organizerCaller(ctx, c)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.lock(cl.session.ID)
	defer unlock()

	created, err := m.queue.Enqueue(ctx, cl.session.ID, stories)
	if err != nil {
		return nil, err
	}
	views := storyViews(created)
	m.hub.broadcast(cl.session.AccessCode, Event{Type: EventStoriesAdded, Payload: StoriesPayload{Stories: views}})
	return views, nil
}

func (m *Manager) DeleteStory(ctx context.Context, c Conn, storyID string) (err error) {
	defer func() { err = m.observe("deleteStory", c, err) }()
	cl, err := m.organizerCaller(ctx, c)
	if err != nil {
		return err
	}
	unlock := m.locks.lock(cl.session.ID)
	defer unlock()

	target, err := m.sessionStory(ctx, cl.session.ID, storyID)
	if err != nil {
		return err
	}
	if target.Status == repository.StoryStatusActive {
		return newError(CodeFailedPrecondition, messageCannotDeleteActive)
	}
	if err := m.queue.Delete(ctx, target.ID); err != nil {
		return err
	}
	m.hub.broadcast(cl.session.AccessCode, Event{Type: EventStoryDeleted, Payload: StoryDeletedPayload{StoryID: target.ID}})
	return nil
}

// GetSessionState replies to the caller only.
func (m *Manager) GetSessionState(ctx context.Context, c Conn) (state *SessionState, err error) {
	defer func() { err = m.observe("getSessionState", c, err) }()
	cl, err := m.boundCaller(ctx, c, false)
	if err != nil {
		return nil, err
	}
	return m.buildState(ctx, cl.session)
}

func (m *Manager) GetStoryQueue(ctx context.Context, c Conn) (stories []StoryView, err error) {
	defer func() { err = m.observe("getStoryQueue", c, err) }()
	cl, err := m.boundCaller(ctx, c, false)
	if err != nil {
		return nil, err
	}
	pending, err := m.queue.Pending(ctx, cl.session.ID)
	if err != nil {
		return nil, err
	}
	return storyViews(pending), nil
}

func (m *Manager) boundCaller(ctx context.Context, c Conn, requireActive bool) (*caller, error) {
	p, err := m.registry.LookupByConnection(ctx, c.ID())
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, newError(CodeFailedPrecondition, messageJoinFirst)
	}
	s, err := m.directory.GetByID(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if requireActive && !s.IsActive {
		return nil, newError(CodeFailedPrecondition, messageSessionEnded)
	}
	return &caller{participant: p, session: s}, nil
}

func (m *Manager) organizerCaller(ctx context.Context, c Conn) (*caller, error) {
	cl, err := m.boundCaller(ctx, c, true)
	if err != nil {
		return nil, err
	}
	if !cl.participant.IsOrganizer {
		return nil, newError(CodeForbidden, messageOrganizerOnly)
	}
	return cl, nil
}

func (m *Manager) requireActiveStory(ctx context.Context, sessionID string) (*repository.Story, error) {
	active, err := m.queue.Active(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, newError(CodeFailedPrecondition, messageNoActiveStory)
	}
	return active, nil
}

func (m *Manager) sessionStory(ctx context.Context, sessionID, storyID string) (*repository.Story, error) {
	st, err := m.queue.Get(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if st.SessionID != sessionID {
		return nil, newError(CodeNotFound, messageStoryNotFound)
	}
	return st, nil
}

// completeActive finalizes the session's active story unless it is keep.
func (m *Manager) completeActive(ctx context.Context, s *repository.Session, keep string) error {
	active, err := m.queue.Active(ctx, s.ID)
	if err != nil || active == nil || active.ID == keep {
		return err
	}
	completed, err := m.queue.Finalize(ctx, active.ID)
	if err != nil {
		return err
	}
	m.publishStoryCompleted(s, completed)
	return nil
}

// announceStoryChange broadcasts a new active story in the fixed order
// VotesReset, StoryUpdated, StoryQueueUpdated.
func (m *Manager) announceStoryChange(ctx context.Context, s *repository.Session, story *repository.Story) (*StoryView, error) {
	pending, err := m.queue.Pending(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	view := storyView(story)
	m.hub.broadcast(s.AccessCode, Event{Type: EventVotesReset, Payload: VotesResetPayload{StoryID: story.ID}})
	m.hub.broadcast(s.AccessCode, Event{Type: EventStoryUpdated, Payload: StoryUpdatedPayload{Story: *view}})
	m.hub.broadcast(s.AccessCode, Event{Type: EventStoryQueueUpdated, Payload: StoriesPayload{Stories: storyViews(pending)}})
	slog.Info("story activated", "session_id", s.ID, "story_id", story.ID)
	return view, nil
}

func (m *Manager) broadcastQueue(ctx context.Context, s *repository.Session) error {
	pending, err := m.queue.Pending(ctx, s.ID)
	if err != nil {
		return err
	}
	m.hub.broadcast(s.AccessCode, Event{Type: EventStoryQueueUpdated, Payload: StoriesPayload{Stories: storyViews(pending)}})
	return nil
}

func (m *Manager) participantView(p *repository.Participant) ParticipantView {
	return ParticipantView{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		IsObserver:  p.IsObserver,
		IsOrganizer: p.IsOrganizer,
		IsConnected: m.registry.IsConnected(p.ID),
	}
}

// observe records the action outcome and converts err into an *Error.
func (m *Manager) observe(action string, c Conn, err error) error {
	if err == nil {
		m.metrics.ActionHandled(action, metrics.OutcomeOK)
		return nil
	}
	e := AsError(err)
	if e.Code == CodeInternal {
		m.metrics.ActionHandled(action, metrics.OutcomeFailed)
		slog.Error("action failed", "action", action, "connection_id", connID(c), "error", err)
		return e
	}
	m.metrics.ActionHandled(action, metrics.OutcomeRejected)
	slog.Info("action rejected", "action", action, "connection_id", connID(c), "code", e.Code, "reason", e.Message)
	return e
}

func (m *Manager) publish(subject string, event any) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := m.publisher.Publish(ctx, subject, event); err != nil {
		slog.Warn("failed to publish integration event", "subject", subject, "error", err)
	}
}

func (m *Manager) publishStoryCompleted(s *repository.Session, st *repository.Story) {
	var score *string
	if st.FinalScore != nil {
		v := st.FinalScore.StringFixed(1)
		score = &v
	}
	m.publish(eventbus.SubjectStoryCompleted, eventbus.StoryCompletedEvent{
		SessionID:  s.ID,
		StoryID:    st.ID,
		Title:      st.Title,
		FinalScore: score,
		OccurredAt: time.Now().UTC(),
	})
}

func connID(c Conn) string {
	if c == nil {
		return ""
	}
	return c.ID()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
