package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/foxseedlab/pokerpoints/internal/repository"
)

const MaxDisplayNameRunes = 50

var (
	ErrParticipantNotFound = errors.New("participant not found")
	ErrInvalidDisplayName  = fmt.Errorf("display name must be 1 to %d characters", MaxDisplayNameRunes)
)

type JoinInput struct {
	SessionID    string
	DisplayName  string
	IsObserver   bool
	IsOrganizer  bool
	UserID       string
	ConnectionID string
}

// Registry tracks session membership. Participant records live in storage;
// which live connection belongs to which participant is kept in process
// memory and mirrored to the participant's connection_id column.
type Registry struct {
	repo repository.Repository

	mu            sync.Mutex
	byConnection  map[string]string
	byParticipant map[string]string
}

func New(repo repository.Repository) *Registry {
	return &Registry{
		repo:          repo,
		byConnection:  make(map[string]string),
		byParticipant: make(map[string]string),
	}
}

func NormalizeDisplayName(name string) (string, error) {
	n := strings.TrimSpace(name)
	if n == "" || utf8.RuneCountInString(n) > MaxDisplayNameRunes {
		return "", ErrInvalidDisplayName
	}
	return n, nil
}

// Join creates a participant bound to the connection. When the organizer
// seat was taken concurrently the participant is created as a regular
// member instead.
func (r *Registry) Join(ctx context.Context, input JoinInput) (*repository.Participant, error) {
	name, err := NormalizeDisplayName(input.DisplayName)
	if err != nil {
		return nil, err
	}
	create := repository.CreateParticipantInput{
		SessionID:    input.SessionID,
		DisplayName:  name,
		IsObserver:   input.IsObserver,
		IsOrganizer:  input.IsOrganizer,
		ConnectionID: optional(input.ConnectionID),
		UserID:       optional(input.UserID),
	}
	p, err := r.repo.CreateParticipant(ctx, create)
	if errors.Is(err, repository.ErrOrganizerTaken) {
		slog.Warn("organizer seat already taken; joining as member", "session_id", input.SessionID)
		create.IsOrganizer = false
		p, err = r.repo.CreateParticipant(ctx, create)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create participant: %w", err)
	}
	if input.ConnectionID != "" {
		r.bind(input.ConnectionID, p.ID)
	}
	return p, nil
}

// Reconnect binds a new connection to an existing participant. The
// previously bound connection id, if any, is returned so the caller can
// detach it.
func (r *Registry) Reconnect(ctx context.Context, participantID, connectionID string) (p *repository.Participant, previousConnectionID string, err error) {
	p, err = r.LookupByID(ctx, participantID)
	if err != nil {
		return nil, "", err
	}
	if err := r.repo.SetParticipantConnection(ctx, p.ID, &connectionID); err != nil {
		return nil, "", fmt.Errorf("failed to store connection: %w", err)
	}
	p.ConnectionID = &connectionID
	previousConnectionID = r.bind(connectionID, p.ID)
	return p, previousConnectionID, nil
}

// Disconnect releases the connection. It returns nil when the connection was
// not bound to any participant or the participant has since moved to another
// connection.
func (r *Registry) Disconnect(ctx context.Context, connectionID string) (*repository.Participant, error) {
	r.mu.Lock()
	participantID, ok := r.byConnection[connectionID]
	if ok {
		delete(r.byConnection, connectionID)
		if r.byParticipant[participantID] == connectionID {
			delete(r.byParticipant, participantID)
		} else {
			// A newer connection already took over this participant.
			ok = false
		}
	}
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}

	cleared, err := r.repo.ClearParticipantConnection(ctx, participantID, connectionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to clear connection: %w", err)
	}
	if !cleared {
		// Reconnect stored a newer connection between the unbind and here.
		return nil, nil
	}
	return r.LookupByID(ctx, participantID)
}

// LookupByConnection returns the participant bound to the connection or nil.
func (r *Registry) LookupByConnection(ctx context.Context, connectionID string) (*repository.Participant, error) {
	r.mu.Lock()
	participantID, ok := r.byConnection[connectionID]
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	p, err := r.LookupByID(ctx, participantID)
	if errors.Is(err, ErrParticipantNotFound) {
		r.unbind(connectionID)
		return nil, nil
	}
	return p, err
}

func (r *Registry) LookupByID(ctx context.Context, participantID string) (*repository.Participant, error) {
	p, err := r.repo.GetParticipant(ctx, participantID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load participant: %w", err)
	}
	return p, nil
}

func (r *Registry) ListBySession(ctx context.Context, sessionID string) ([]repository.Participant, error) {
	list, err := r.repo.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return list, nil
}

func (r *Registry) CountBySession(ctx context.Context, sessionID string) (int, error) {
	n, err := r.repo.CountParticipants(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to count participants: %w", err)
	}
	return n, nil
}

// IsConnected reports whether the participant has a live connection in this process.
func (r *Registry) IsConnected(participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byParticipant[participantID]
	return ok
}

func (r *Registry) bind(connectionID, participantID string) (previous string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byConnection[connectionID]; ok && old != participantID && r.byParticipant[old] == connectionID {
		delete(r.byParticipant, old)
	}
	previous = r.byParticipant[participantID]
	if previous == connectionID {
		previous = ""
	}
	if previous != "" {
		delete(r.byConnection, previous)
	}
	r.byConnection[connectionID] = participantID
	r.byParticipant[participantID] = connectionID
	return previous
}

func (r *Registry) unbind(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if participantID, ok := r.byConnection[connectionID]; ok {
		delete(r.byConnection, connectionID)
		if r.byParticipant[participantID] == connectionID {
			delete(r.byParticipant, participantID)
		}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
