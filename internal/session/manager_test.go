package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	extrepo "github.com/foxseedlab/pokerpoints/external/repository"
	"github.com/foxseedlab/pokerpoints/internal/config"
	"github.com/foxseedlab/pokerpoints/internal/directory"
	"github.com/foxseedlab/pokerpoints/internal/eventbus"
	"github.com/foxseedlab/pokerpoints/internal/metrics"
	"github.com/foxseedlab/pokerpoints/internal/queue"
	"github.com/foxseedlab/pokerpoints/internal/registry"
	"github.com/foxseedlab/pokerpoints/internal/repository"
	"github.com/foxseedlab/pokerpoints/internal/voting"
	"github.com/foxseedlab/pokerpoints/internal/webhook"
	"github.com/shopspring/decimal"
)

type fakeConn struct {
	id     string
	userID string

	mu     sync.Mutex
	events []Event
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *fakeConn) last(eventType string) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == eventType {
			return c.events[i], true
		}
	}
	return Event{}, false
}

type fakeWebhook struct {
	reports chan webhook.SessionReportPayload
}

func (w *fakeWebhook) SendSessionReport(_ context.Context, payload webhook.SessionReportPayload) error {
	w.reports <- payload
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *fakePublisher) Publish(_ context.Context, subject string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *fakePublisher) published(subject string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.subjects {
		if s == subject {
			return true
		}
	}
	return false
}

type testEnv struct {
	m   *Manager
	wh  *fakeWebhook
	pub *fakePublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := extrepo.NewMemoryRepository()
	wh := &fakeWebhook{reports: make(chan webhook.SessionReportPayload, 1)}
	pub := &fakePublisher{}
	m := NewManager(
		&config.Config{ReportTimezone: "UTC"},
		directory.New(repo),
		queue.New(repo),
		voting.New(repo),
		registry.New(repo),
		wh,
		pub,
		metrics.Nop{},
	)
	return &testEnv{m: m, wh: wh, pub: pub}
}

func (e *testEnv) createSession(t *testing.T, userID string) *SessionSummary {
	t.Helper()
	s, err := e.m.CreateSession(context.Background(), "", "Sprint", userID)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return s
}

func (e *testEnv) join(t *testing.T, c *fakeConn, code, name string, observer bool) *JoinResult {
	t.Helper()
	res, err := e.m.Join(context.Background(), c, JoinRequest{AccessCode: code, DisplayName: name, IsObserver: observer})
	if err != nil {
		t.Fatalf("failed to join as %s: %v", name, err)
	}
	return res
}

func assertCode(t *testing.T, err error, want Code) {
	t.Helper()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error with code %s, got %v", want, err)
	}
	if e.Code != want {
		t.Fatalf("expected code %s, got %s (%s)", want, e.Code, e.Message)
	}
}

func TestManager_VotingRound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.createSession(t, "u1")

	alice := newFakeConn("c-alice", "u1")
	bob := newFakeConn("c-bob", "")
	aliceJoin := env.join(t, alice, s.AccessCode, "Alice", false)
	if !aliceJoin.Participant.IsOrganizer {
		t.Fatalf("expected first participant to be organizer")
	}
	if _, ok := alice.last(EventStoryUpdated); !ok {
		t.Fatalf("expected organizer join to announce the first story, got %v", alice.types())
	}
	bobJoin := env.join(t, bob, s.AccessCode, "Bob", false)
	if bobJoin.Participant.IsOrganizer {
		t.Fatalf("expected second participant not to be organizer")
	}

	if err := env.m.CastVote(ctx, alice, "5"); err != nil {
		t.Fatalf("failed to cast vote: %v", err)
	}
	if err := env.m.CastVote(ctx, bob, "8"); err != nil {
		t.Fatalf("failed to cast vote: %v", err)
	}
	ev, ok := bob.last(EventVoteCast)
	if !ok {
		t.Fatalf("expected VoteCast broadcast, got %v", bob.types())
	}
	if p := ev.Payload.(VoteCastPayload); p.ParticipantID != bobJoin.Participant.ID {
		t.Fatalf("expected VoteCast for %s, got %s", bobJoin.Participant.ID, p.ParticipantID)
	}

	if err := env.m.RevealVotes(ctx, alice); err != nil {
		t.Fatalf("failed to reveal votes: %v", err)
	}
	ev, ok = bob.last(EventVotesRevealed)
	if !ok {
		t.Fatalf("expected VotesRevealed broadcast, got %v", bob.types())
	}
	revealed := ev.Payload.(VotesRevealedPayload)
	if revealed.Average == nil || revealed.Average.String() != "6.5" {
		t.Fatalf("expected average 6.5, got %v", revealed.Average)
	}
	if revealed.IsConsensus {
		t.Fatalf("expected no consensus")
	}
	if len(revealed.Votes) != 2 {
		t.Fatalf("expected 2 revealed votes, got %d", len(revealed.Votes))
	}

	before := bob.count()
	next, err := env.m.NextStory(ctx, alice, "")
	if err != nil {
		t.Fatalf("failed to move to next story: %v", err)
	}
	if next.Title != queue.DefaultStoryTitle || next.Status != string(repository.StoryStatusActive) {
		t.Fatalf("unexpected next story: %+v", next)
	}
	got := bob.types()[before:]
	want := []string{EventVotesReset, EventStoryUpdated, EventStoryQueueUpdated}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	state, err := env.m.SessionStateByCode(ctx, s.AccessCode)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if state.CurrentStory == nil || state.CurrentStory.ID != next.ID {
		t.Fatalf("expected current story %s, got %+v", next.ID, state.CurrentStory)
	}
	if len(state.VoteStatuses) != 2 {
		t.Fatalf("expected 2 vote statuses, got %d", len(state.VoteStatuses))
	}
	for _, vs := range state.VoteStatuses {
		if vs.HasVoted {
			t.Fatalf("expected %s not to have voted on the new story", vs.ParticipantID)
		}
	}
	if len(state.RevealedVotes) != 0 {
		t.Fatalf("expected no revealed votes on the new story, got %d", len(state.RevealedVotes))
	}

	history, err := env.m.History(ctx, s.AccessCode, "u1")
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(history.Stories) != 2 {
		t.Fatalf("expected 2 stories, got %d", len(history.Stories))
	}
	first := history.Stories[0]
	if first.Status != string(repository.StoryStatusCompleted) || first.FinalScore == nil || first.FinalScore.String() != "6.5" {
		t.Fatalf("expected completed story with score 6.5, got %+v", first.StoryView)
	}
	if len(first.Votes) != 2 {
		t.Fatalf("expected completed story votes in history, got %d", len(first.Votes))
	}
	if len(history.Stories[1].Votes) != 0 {
		t.Fatalf("expected active story votes to be hidden")
	}
}

func TestManager_LargestCardCompletesStory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.createSession(t, "u1")
	alice := newFakeConn("c-alice", "u1")
	env.join(t, alice, s.AccessCode, "Alice", false)

	if err := env.m.CastVote(ctx, alice, "1e400"); err != nil {
		t.Fatalf("expected exponent card to be accepted as a non-numeric card, got %v", err)
	}
	assertCode(t, env.m.CastVote(ctx, alice, "99999999999"), CodeInvalidArgument)
	if err := env.m.CastVote(ctx, alice, "9999999999"); err != nil {
		t.Fatalf("failed to cast vote: %v", err)
	}
	if err := env.m.RevealVotes(ctx, alice); err != nil {
		t.Fatalf("failed to reveal votes: %v", err)
	}
	ev, ok := alice.last(EventVotesRevealed)
	if !ok {
		t.Fatalf("expected VotesRevealed broadcast, got %v", alice.types())
	}
	if avg := ev.Payload.(VotesRevealedPayload).Average; avg == nil || avg.String() != "9999999999.0" {
		t.Fatalf("expected average 9999999999.0, got %v", avg)
	}
	if _, err := env.m.NextStory(ctx, alice, ""); err != nil {
		t.Fatalf("failed to move to next story: %v", err)
	}
	history, err := env.m.History(ctx, s.AccessCode, "u1")
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	first := history.Stories[0]
	if first.Status != string(repository.StoryStatusCompleted) || first.FinalScore == nil || first.FinalScore.String() != "9999999999.0" {
		t.Fatalf("expected completed story with the largest score, got %+v", first.StoryView)
	}
}

func TestManager_OrganizerOnlyActions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.createSession(t, "")

	alice := newFakeConn("c-alice", "")
	bob := newFakeConn("c-bob", "")
	env.join(t, alice, s.AccessCode, "Alice", false)
	env.join(t, bob, s.AccessCode, "Bob", false)

	before := alice.count()
	assertCode(t, env.m.RevealVotes(ctx, bob), CodeForbidden)
	assertCode(t, env.m.ResetVotes(ctx, bob), CodeForbidden)
	_, err := env.m.NextStory(ctx, bob, "")
	assertCode(t, err, CodeForbidden)
	_, err = env.m.AddStories(ctx, bob, []queue.NewStory{{Title: "A"}})
	assertCode(t, err, CodeForbidden)
	if alice.count() != before {
		t.Fatalf("expected no broadcast after rejected actions, got %v", alice.types()[before:])
	}
}

func TestManager_ObserverCannotVote(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, "")

	alice := newFakeConn("c-alice", "")
	carol := newFakeConn("c-carol", "")
	env.join(t, alice, s.AccessCode, "Alice", false)
	env.join(t, carol, s.AccessCode, "Carol", true)

	assertCode(t, env.m.CastVote(context.Background(), carol, "3"), CodeForbidden)
}

func TestManager_ActionsRequireJoin(t *testing.T) {
	env := newTestEnv(t)
	stranger := newFakeConn("c-stranger", "")

	assertCode(t, env.m.CastVote(context.Background(), stranger, "3"), CodeFailedPrecondition)
	_, err := env.m.GetSessionState(context.Background(), stranger)
	assertCode(t, err, CodeFailedPrecondition)
}

func TestManager_JoinUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.m.Join(context.Background(), newFakeConn("c1", ""), JoinRequest{AccessCode: "ZZZZZZ", DisplayName: "Alice"})
	assertCode(t, err, CodeNotFound)
}

func TestManager_ReconnectKeepsOrganizer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.createSession(t, "")

	first := newFakeConn("c-1", "")
	joined := env.join(t, first, s.AccessCode, "Alice", false)
	if err := env.m.CastVote(ctx, first, "3"); err != nil {
		t.Fatalf("failed to cast vote: %v", err)
	}
	env.m.Disconnect(ctx, first)

	second := newFakeConn("c-2", "")
	res, err := env.m.Join(ctx, second, JoinRequest{
		AccessCode:            s.AccessCode,
		DisplayName:           "Alice",
		ExistingParticipantID: joined.Participant.ID,
	})
	if err != nil {
		t.Fatalf("failed to reconnect: %v", err)
	}
	if !res.Reconnected || res.Participant.ID != joined.Participant.ID {
		t.Fatalf("expected reconnect to the same participant, got %+v", res)
	}
	if !res.Participant.IsOrganizer {
		t.Fatalf("expected organizer role to survive reconnect")
	}
	ev, ok := second.last(EventSessionState)
	if !ok {
		t.Fatalf("expected private SessionState push, got %v", second.types())
	}
	state := ev.Payload.(*SessionState)
	if len(state.VoteStatuses) != 1 || !state.VoteStatuses[0].HasVoted {
		t.Fatalf("expected prior vote to be reported, got %+v", state.VoteStatuses)
	}
	if len(state.RevealedVotes) != 0 {
		t.Fatalf("expected no card values before reveal, got %+v", state.RevealedVotes)
	}
	if err := env.m.RevealVotes(ctx, second); err != nil {
		t.Fatalf("expected reconnected organizer to reveal, got %v", err)
	}
}

func TestManager_ReconnectUnknownParticipantJoinsFresh(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, "")

	res, err := env.m.Join(context.Background(), newFakeConn("c-1", ""), JoinRequest{
		AccessCode:            s.AccessCode,
		DisplayName:           "Alice",
		ExistingParticipantID: "missing",
	})
	if err != nil {
		t.Fatalf("failed to join: %v", err)
	}
	if res.Reconnected || res.Participant.DisplayName != "Alice" {
		t.Fatalf("expected a fresh join, got %+v", res)
	}
}

func TestManager_ConcurrentFirstJoinHasOneOrganizer(t *testing.T) {
	env := newTestEnv(t)
	s := env.createSession(t, "")

	const n = 10
	var wg sync.WaitGroup
	results := make([]*JoinResult, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newFakeConn(fmt.Sprintf("c-%d", i), "")
			results[i], errs[i] = env.m.Join(context.Background(), c, JoinRequest{AccessCode: s.AccessCode, DisplayName: fmt.Sprintf("P%d", i)})
		}()
	}
	wg.Wait()

	organizers := 0
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("join %d failed: %v", i, errs[i])
		}
		if results[i].Participant.IsOrganizer {
			organizers++
		}
	}
	if organizers != 1 {
		t.Fatalf("expected exactly one organizer, got %d", organizers)
	}
}

func TestManager_DeleteActiveStoryRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.createSession(t, "")

	alice := newFakeConn("c-alice", "")
	env.join(t, alice, s.AccessCode, "Alice", false)
	state, err := env.m.GetSessionState(ctx, alice)
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if state.CurrentStory == nil {
		t.Fatalf("expected an active story")
	}

	assertCode(t, env.m.DeleteStory(ctx, alice, state.CurrentStory.ID), CodeFailedPrecondition)

	added, err := env.m.AddStories(ctx, alice, []queue.NewStory{{Title: "Queued"}})
	if err != nil {
		t.Fatalf("failed to add stories: %v", err)
	}
	if err := env.m.DeleteStory(ctx, alice, added[0].ID); err != nil {
		t.Fatalf("failed to delete queued story: %v", err)
	}
	if _, ok := alice.last(EventStoryDeleted); !ok {
		t.Fatalf("expected StoryDeleted broadcast, got %v", alice.types())
	}
}

func TestManager_StartAndRestartStory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.createSession(t, "")

	alice := newFakeConn("c-alice", "")
	env.join(t, alice, s.AccessCode, "Alice", false)
	added, err := env.m.AddStories(ctx, alice, []queue.NewStory{{Title: "A"}, {Title: "B"}})
	if err != nil {
		t.Fatalf("failed to add stories: %v", err)
	}
	if err := env.m.CastVote(ctx, alice, "2"); err != nil {
		t.Fatalf("failed to cast vote: %v", err)
	}

	started, err := env.m.StartStory(ctx, alice, added[1].ID)
	if err != nil {
		t.Fatalf("failed to start story: %v", err)
	}
	if started.ID != added[1].ID || started.Status != string(repository.StoryStatusActive) {
		t.Fatalf("unexpected started story: %+v", started)
	}

	queued, err := env.m.GetStoryQueue(ctx, alice)
	if err != nil {
		t.Fatalf("failed to get queue: %v", err)
	}
	if len(queued) != 2 || queued[0].Status != string(repository.StoryStatusCompleted) || queued[1].ID != added[0].ID {
		t.Fatalf("unexpected queue: %+v", queued)
	}

	_, err = env.m.StartStory(ctx, alice, queued[0].ID)
	assertCode(t, err, CodeFailedPrecondition)

	restarted, err := env.m.RestartStory(ctx, alice, queued[0].ID)
	if err != nil {
		t.Fatalf("failed to restart story: %v", err)
	}
	if restarted.FinalScore != nil || restarted.Status != string(repository.StoryStatusActive) {
		t.Fatalf("expected restarted story to be active without score, got %+v", restarted)
	}
	state, err := env.m.GetSessionState(ctx, alice)
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if len(state.VoteStatuses) != 1 || state.VoteStatuses[0].HasVoted {
		t.Fatalf("expected restart to clear votes, got %+v", state.VoteStatuses)
	}
}

func TestManager_EndSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.createSession(t, "u1")

	alice := newFakeConn("c-alice", "u1")
	bob := newFakeConn("c-bob", "u2")
	env.join(t, alice, s.AccessCode, "Alice", false)
	env.join(t, bob, s.AccessCode, "Bob", false)
	if err := env.m.CastVote(ctx, bob, "3"); err != nil {
		t.Fatalf("failed to cast vote: %v", err)
	}

	assertCode(t, env.m.EndSession(ctx, s.AccessCode, ""), CodeUnauthenticated)
	assertCode(t, env.m.EndSession(ctx, s.AccessCode, "u2"), CodeForbidden)

	if err := env.m.EndSession(ctx, s.AccessCode, "u1"); err != nil {
		t.Fatalf("failed to end session: %v", err)
	}
	if _, ok := bob.last(EventSessionEnded); !ok {
		t.Fatalf("expected SessionEnded broadcast, got %v", bob.types())
	}
	if !env.pub.published(eventbus.SubjectSessionEnded) || !env.pub.published(eventbus.SubjectStoryCompleted) {
		t.Fatalf("expected session ended and story completed events, got %v", env.pub.subjects)
	}

	select {
	case report := <-env.wh.reports:
		if report.AccessCode != s.AccessCode || report.StoryCount != 1 || report.EstimatedCount != 1 {
			t.Fatalf("unexpected report: %+v", report)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected session report to be sent")
	}

	assertCode(t, env.m.CastVote(ctx, bob, "5"), CodeFailedPrecondition)
	if err := env.m.EndSession(ctx, s.AccessCode, "u1"); err != nil {
		t.Fatalf("expected ending an ended session to succeed, got %v", err)
	}

	info, err := env.m.SessionInfo(ctx, s.AccessCode)
	if err != nil {
		t.Fatalf("failed to load session info: %v", err)
	}
	if info.IsActive {
		t.Fatalf("expected session to be inactive")
	}
	if info.CurrentStory == nil || info.CurrentStory.FinalScore == nil || info.CurrentStory.FinalScore.String() != "3.0" {
		t.Fatalf("expected the last story to be completed with score 3, got %+v", info.CurrentStory)
	}
	_, err = env.m.SessionStateByCode(ctx, s.AccessCode)
	assertCode(t, err, CodeNotFound)
}

func TestManager_History(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.createSession(t, "u1")
	env.join(t, newFakeConn("c-bob", "u2"), s.AccessCode, "Bob", false)

	_, err := env.m.History(ctx, s.AccessCode, "")
	assertCode(t, err, CodeUnauthenticated)
	_, err = env.m.History(ctx, s.AccessCode, "stranger")
	assertCode(t, err, CodeForbidden)
	if _, err := env.m.History(ctx, s.AccessCode, "u2"); err != nil {
		t.Fatalf("expected past participant to read history, got %v", err)
	}
}

func TestManager_UserSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owned := env.createSession(t, "u1")
	joined := env.createSession(t, "u2")
	env.join(t, newFakeConn("c-1", "u2"), joined.AccessCode, "Owner", false)
	env.join(t, newFakeConn("c-2", "u1"), joined.AccessCode, "Guest", false)

	sessions, err := env.m.UserSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	for _, summary := range sessions {
		wantOrganizer := summary.AccessCode == owned.AccessCode
		if summary.IsOrganizer != wantOrganizer {
			t.Fatalf("unexpected organizer flag for %s: %v", summary.AccessCode, summary.IsOrganizer)
		}
	}
}

func TestManager_TallyUsesBankersRounding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.createSession(t, "")

	conns := []*fakeConn{newFakeConn("c-1", ""), newFakeConn("c-2", "")}
	for i, c := range conns {
		env.join(t, c, s.AccessCode, fmt.Sprintf("P%d", i), false)
	}
	if err := env.m.CastVote(ctx, conns[0], "2"); err != nil {
		t.Fatalf("failed to cast vote: %v", err)
	}
	if err := env.m.CastVote(ctx, conns[1], "2.5"); err != nil {
		t.Fatalf("failed to cast vote: %v", err)
	}
	if _, err := env.m.NextStory(ctx, conns[0], ""); err != nil {
		t.Fatalf("failed to move to next story: %v", err)
	}
	stories, err := env.m.queue.List(ctx, mustSessionID(t, env, s.AccessCode))
	if err != nil {
		t.Fatalf("failed to list stories: %v", err)
	}
	if stories[0].FinalScore == nil || !stories[0].FinalScore.Equal(decimal.RequireFromString("2.2")) {
		t.Fatalf("expected final score 2.2, got %v", stories[0].FinalScore)
	}
}

func mustSessionID(t *testing.T, env *testEnv, code string) string {
	t.Helper()
	s, err := env.m.directory.Info(context.Background(), code)
	if err != nil {
		t.Fatalf("failed to resolve session: %v", err)
	}
	return s.ID
}
