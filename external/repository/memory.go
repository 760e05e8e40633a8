package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/foxseedlab/pokerpoints/internal/repository"
	"github.com/google/uuid"
)

type voteKey struct {
	storyID       string
	participantID string
}

type memoryTables struct {
	lastTime     time.Time
	sessions     map[string]repository.Session
	codes        map[string]string
	stories      map[string]repository.Story
	participants map[string]repository.Participant
	votes        map[voteKey]repository.Vote
}

type memoryStore struct {
	mu sync.Mutex
	memoryTables
}

func (s *memoryStore) snapshot() memoryTables {
	return memoryTables{
		lastTime:     s.lastTime,
		sessions:     cloneMap(s.sessions),
		codes:        cloneMap(s.codes),
		stories:      cloneMap(s.stories),
		participants: cloneMap(s.participants),
		votes:        cloneMap(s.votes),
	}
}

// now is strictly increasing so creation order survives equal wall clock readings.
func (s *memoryStore) now() time.Time {
	t := time.Now().UTC()
	if !t.After(s.lastTime) {
		t = s.lastTime.Add(time.Microsecond)
	}
	s.lastTime = t
	return t
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MemoryRepository keeps every record in process memory. It enforces the
// same uniqueness rules as the PostgreSQL schema and is used for local
// development and tests.
type MemoryRepository struct {
	store *memoryStore
	inTx  bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{store: &memoryStore{memoryTables: memoryTables{
		sessions:     map[string]repository.Session{},
		codes:        map[string]string{},
		stories:      map[string]repository.Story{},
		participants: map[string]repository.Participant{},
		votes:        map[voteKey]repository.Vote{},
	}}}
}

func (r *MemoryRepository) lock() func() {
	if r.inTx {
		return func() {}
	}
	r.store.mu.Lock()
	return r.store.mu.Unlock
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemoryRepository) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repository.Repository) error) error {
	if r.inTx {
		return fn(ctx, r)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	snap := r.store.snapshot()
	if err := fn(ctx, &MemoryRepository{store: r.store, inTx: true}); err != nil {
		r.store.memoryTables = snap
		return err
	}
	return nil
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (r *MemoryRepository) CreateSession(_ context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	defer r.lock()()
	if _, taken := r.store.codes[input.AccessCode]; taken {
		return nil, repository.ErrAccessCodeTaken
	}
	s := repository.Session{
		ID:          newID(),
		AccessCode:  input.AccessCode,
		Name:        input.Name,
		DeckType:    input.DeckType,
		IsActive:    true,
		OrganizerID: input.OrganizerID,
		CreatedAt:   r.store.now(),
	}
	r.store.sessions[s.ID] = s
	r.store.codes[s.AccessCode] = s.ID
	return &s, nil
}

func (r *MemoryRepository) AccessCodeExists(_ context.Context, code string) (bool, error) {
	defer r.lock()()
	_, ok := r.store.codes[code]
	return ok, nil
}

func (r *MemoryRepository) GetSessionByCode(_ context.Context, code string) (*repository.Session, error) {
	defer r.lock()()
	id, ok := r.store.codes[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	s := r.store.sessions[id]
	return &s, nil
}

func (r *MemoryRepository) GetSessionByID(_ context.Context, id string) (*repository.Session, error) {
	defer r.lock()()
	s, ok := r.store.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) DeactivateSession(_ context.Context, id string) error {
	defer r.lock()()
	s, ok := r.store.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.IsActive = false
	r.store.sessions[id] = s
	return nil
}

func (r *MemoryRepository) ListSessionsForUser(_ context.Context, userID string, limit int) ([]repository.Session, error) {
	defer r.lock()()
	joined := map[string]bool{}
	for _, p := range r.store.participants {
		if p.UserID != nil && *p.UserID == userID {
			joined[p.SessionID] = true
		}
	}
	var list []repository.Session
	for _, s := range r.store.sessions {
		if joined[s.ID] || (s.OrganizerID != nil && *s.OrganizerID == userID) {
			list = append(list, s)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (r *MemoryRepository) CreateStories(_ context.Context, sessionID string, status repository.StoryStatus, inputs []repository.CreateStoryInput) ([]repository.Story, error) {
	defer r.lock()()
	if _, ok := r.store.sessions[sessionID]; !ok {
		return nil, repository.ErrNotFound
	}
	if status == repository.StoryStatusActive {
		if len(inputs) != 1 {
			return nil, fmt.Errorf("exactly one story can be created active, got %d", len(inputs))
		}
		if _, ok := r.activeStory(sessionID); ok {
			return nil, repository.ErrActiveStoryExists
		}
	}
	maxOrder := 0
	for _, st := range r.store.stories {
		if st.SessionID == sessionID && st.SortOrder > maxOrder {
			maxOrder = st.SortOrder
		}
	}
	created := make([]repository.Story, 0, len(inputs))
	for i, in := range inputs {
		st := repository.Story{
			ID:        newID(),
			SessionID: sessionID,
			Title:     in.Title,
			URL:       in.URL,
			SortOrder: maxOrder + i + 1,
			Status:    status,
			CreatedAt: r.store.now(),
		}
		r.store.stories[st.ID] = st
		created = append(created, st)
	}
	return created, nil
}

func (r *MemoryRepository) activeStory(sessionID string) (repository.Story, bool) {
	for _, st := range r.store.stories {
		if st.SessionID == sessionID && st.Status == repository.StoryStatusActive {
			return st, true
		}
	}
	return repository.Story{}, false
}

func (r *MemoryRepository) sessionStories(sessionID string) []repository.Story {
	var list []repository.Story
	for _, st := range r.store.stories {
		if st.SessionID == sessionID {
			list = append(list, st)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].SortOrder != list[j].SortOrder {
			return list[i].SortOrder < list[j].SortOrder
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

func (r *MemoryRepository) GetStory(_ context.Context, id string) (*repository.Story, error) {
	defer r.lock()()
	st, ok := r.store.stories[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &st, nil
}

func (r *MemoryRepository) GetActiveStory(_ context.Context, sessionID string) (*repository.Story, error) {
	defer r.lock()()
	st, ok := r.activeStory(sessionID)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &st, nil
}

func (r *MemoryRepository) GetNextPendingStory(_ context.Context, sessionID string) (*repository.Story, error) {
	defer r.lock()()
	for _, st := range r.sessionStories(sessionID) {
		if st.Status == repository.StoryStatusPending {
			return &st, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *MemoryRepository) GetLatestCompletedStory(_ context.Context, sessionID string) (*repository.Story, error) {
	defer r.lock()()
	list := r.sessionStories(sessionID)
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Status == repository.StoryStatusCompleted {
			st := list[i]
			return &st, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *MemoryRepository) ListStories(_ context.Context, sessionID string) ([]repository.Story, error) {
	defer r.lock()()
	return r.sessionStories(sessionID), nil
}

func (r *MemoryRepository) UpdateStoryStatus(_ context.Context, input repository.UpdateStoryStatusInput) (*repository.Story, error) {
	defer r.lock()()
	st, ok := r.store.stories[input.StoryID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if input.Status == repository.StoryStatusActive {
		if other, exists := r.activeStory(st.SessionID); exists && other.ID != st.ID {
			return nil, repository.ErrActiveStoryExists
		}
	}
	if input.FinalScore != nil && input.Status != repository.StoryStatusActive &&
		!repository.FinalScoreInRange(input.FinalScore.Round(1)) {
		return nil, repository.ErrScoreOutOfRange
	}
	st.Status = input.Status
	st.FinalScore = input.FinalScore
	if st.Status == repository.StoryStatusActive {
		st.FinalScore = nil
	}
	r.store.stories[st.ID] = st
	return &st, nil
}

func (r *MemoryRepository) UpdateStoryDetails(_ context.Context, id, title string, url *string) (*repository.Story, error) {
	defer r.lock()()
	st, ok := r.store.stories[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	st.Title = title
	st.URL = url
	r.store.stories[id] = st
	return &st, nil
}

func (r *MemoryRepository) DeleteStory(_ context.Context, id string) error {
	defer r.lock()()
	if _, ok := r.store.stories[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.store.stories, id)
	for k := range r.store.votes {
		if k.storyID == id {
			delete(r.store.votes, k)
		}
	}
	return nil
}

func (r *MemoryRepository) CreateParticipant(_ context.Context, input repository.CreateParticipantInput) (*repository.Participant, error) {
	defer r.lock()()
	if _, ok := r.store.sessions[input.SessionID]; !ok {
		return nil, repository.ErrNotFound
	}
	if input.IsOrganizer {
		for _, p := range r.store.participants {
			if p.SessionID == input.SessionID && p.IsOrganizer {
				return nil, repository.ErrOrganizerTaken
			}
		}
	}
	p := repository.Participant{
		ID:           newID(),
		SessionID:    input.SessionID,
		DisplayName:  input.DisplayName,
		IsObserver:   input.IsObserver,
		IsOrganizer:  input.IsOrganizer,
		ConnectionID: input.ConnectionID,
		UserID:       input.UserID,
		JoinedAt:     r.store.now(),
	}
	r.store.participants[p.ID] = p
	return &p, nil
}

func (r *MemoryRepository) GetParticipant(_ context.Context, id string) (*repository.Participant, error) {
	defer r.lock()()
	p, ok := r.store.participants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) ListParticipants(_ context.Context, sessionID string) ([]repository.Participant, error) {
	defer r.lock()()
	var list []repository.Participant
	for _, p := range r.store.participants {
		if p.SessionID == sessionID {
			list = append(list, p)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].JoinedAt.Before(list[j].JoinedAt) })
	return list, nil
}

func (r *MemoryRepository) CountParticipants(_ context.Context, sessionID string) (int, error) {
	defer r.lock()()
	n := 0
	for _, p := range r.store.participants {
		if p.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) SetParticipantConnection(_ context.Context, id string, connectionID *string) error {
	defer r.lock()()
	p, ok := r.store.participants[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.ConnectionID = connectionID
	r.store.participants[id] = p
	return nil
}

func (r *MemoryRepository) ClearParticipantConnection(_ context.Context, id, connectionID string) (bool, error) {
	defer r.lock()()
	p, ok := r.store.participants[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if p.ConnectionID == nil || *p.ConnectionID != connectionID {
		return false, nil
	}
	p.ConnectionID = nil
	r.store.participants[id] = p
	return true, nil
}

func (r *MemoryRepository) ClearAllConnections(_ context.Context) error {
	defer r.lock()()
	for id, p := range r.store.participants {
		p.ConnectionID = nil
		r.store.participants[id] = p
	}
	return nil
}

func (r *MemoryRepository) UpsertVote(_ context.Context, input repository.UpsertVoteInput) (*repository.Vote, error) {
	defer r.lock()()
	if _, ok := r.store.stories[input.StoryID]; !ok {
		return nil, repository.ErrNotFound
	}
	if _, ok := r.store.participants[input.ParticipantID]; !ok {
		return nil, repository.ErrNotFound
	}
	key := voteKey{storyID: input.StoryID, participantID: input.ParticipantID}
	v, ok := r.store.votes[key]
	if !ok {
		v = repository.Vote{
			ID:            newID(),
			StoryID:       input.StoryID,
			ParticipantID: input.ParticipantID,
			CreatedAt:     r.store.now(),
		}
	}
	v.CardValue = input.CardValue
	r.store.votes[key] = v
	return &v, nil
}

func (r *MemoryRepository) DeleteVotesByStory(_ context.Context, storyID string) error {
	defer r.lock()()
	for k := range r.store.votes {
		if k.storyID == storyID {
			delete(r.store.votes, k)
		}
	}
	return nil
}

func (r *MemoryRepository) ListVotesByStory(_ context.Context, storyID string) ([]repository.VoteDetail, error) {
	defer r.lock()()
	var list []repository.VoteDetail
	for k, v := range r.store.votes {
		if k.storyID != storyID {
			continue
		}
		d := repository.VoteDetail{Vote: v}
		if p, ok := r.store.participants[v.ParticipantID]; ok {
			d.DisplayName = p.DisplayName
		}
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}
