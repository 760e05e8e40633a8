package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/foxseedlab/pokerpoints/internal/repository"
	"github.com/foxseedlab/pokerpoints/internal/voting"
	"github.com/shopspring/decimal"
)

const (
	DefaultStoryTitle = "New Story"

	MaxTitleRunes = 255
	MaxURLRunes   = 2048
	MaxBatchSize  = 100
)

var (
	ErrStoryNotFound = errors.New("story not found")
	ErrInvalidTitle  = fmt.Errorf("story title must be 1 to %d characters", MaxTitleRunes)
	ErrInvalidURL    = fmt.Errorf("story url must be at most %d characters", MaxURLRunes)
	ErrInvalidBatch  = fmt.Errorf("between 1 and %d stories can be added at once", MaxBatchSize)
	ErrNotPending    = errors.New("story is not pending")
)

type NewStory struct {
	Title string
	URL   string
}

type Queue struct {
	repo repository.Repository
}

func New(repo repository.Repository) *Queue {
	return &Queue{repo: repo}
}

// GetOrCreateActiveStory returns the session's active story, creating a
// placeholder one when none exists. created reports whether this call made it.
func (q *Queue) GetOrCreateActiveStory(ctx context.Context, sessionID string) (story *repository.Story, created bool, err error) {
	active, err := q.Active(ctx, sessionID)
	if err != nil || active != nil {
		return active, false, err
	}
	stories, err := q.repo.CreateStories(ctx, sessionID, repository.StoryStatusActive, []repository.CreateStoryInput{{Title: DefaultStoryTitle}})
	if errors.Is(err, repository.ErrActiveStoryExists) {
		active, err := q.Active(ctx, sessionID)
		return active, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create active story: %w", err)
	}
	slog.Info("active story created", "session_id", sessionID, "story_id", stories[0].ID)
	return &stories[0], true, nil
}

// Active returns the session's active story or nil when there is none.
func (q *Queue) Active(ctx context.Context, sessionID string) (*repository.Story, error) {
	st, err := q.repo.GetActiveStory(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active story: %w", err)
	}
	return st, nil
}

func (q *Queue) Get(ctx context.Context, storyID string) (*repository.Story, error) {
	st, err := q.repo.GetStory(ctx, storyID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrStoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load story: %w", err)
	}
	return st, nil
}

// Enqueue appends pending stories after the session's current last story.
func (q *Queue) Enqueue(ctx context.Context, sessionID string, stories []NewStory) ([]repository.Story, error) {
	if len(stories) == 0 || len(stories) > MaxBatchSize {
		return nil, ErrInvalidBatch
	}
	inputs := make([]repository.CreateStoryInput, 0, len(stories))
	for _, s := range stories {
		title, url, err := normalizeDetails(s.Title, s.URL)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, repository.CreateStoryInput{Title: title, URL: url})
	}
	created, err := q.repo.CreateStories(ctx, sessionID, repository.StoryStatusPending, inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue stories: %w", err)
	}
	return created, nil
}

// ActivateNext activates the pending story with the lowest sort order. It
// returns nil when nothing is queued.
func (q *Queue) ActivateNext(ctx context.Context, sessionID string) (*repository.Story, error) {
	next, err := q.repo.GetNextPendingStory(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load next story: %w", err)
	}
	return q.Activate(ctx, next.ID)
}

// Activate makes a pending story active. The caller completes the previous
// active story first.
func (q *Queue) Activate(ctx context.Context, storyID string) (*repository.Story, error) {
	st, err := q.Get(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if st.Status != repository.StoryStatusPending {
		return nil, ErrNotPending
	}
	return q.setStatus(ctx, storyID, repository.StoryStatusActive, nil)
}

// Complete marks the story completed with the given score, which may be nil
// when no numeric card was played.
func (q *Queue) Complete(ctx context.Context, storyID string, finalScore *decimal.Decimal) (*repository.Story, error) {
	return q.setStatus(ctx, storyID, repository.StoryStatusCompleted, finalScore)
}

// Finalize completes the story with the score its current votes produce.
func (q *Queue) Finalize(ctx context.Context, storyID string) (*repository.Story, error) {
	var completed *repository.Story
	err := q.repo.RunInTx(ctx, func(ctx context.Context, tx repository.Repository) error {
		tally, err := voting.TallyStory(ctx, tx, storyID)
		if err != nil {
			return err
		}
		completed, err = New(tx).Complete(ctx, storyID, tally.Average)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, ErrStoryNotFound) {
		return nil, ErrStoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete story: %w", err)
	}
	slog.Info("story completed", "story_id", completed.ID, "session_id", completed.SessionID, "final_score", formatScore(completed.FinalScore))
	return completed, nil
}

// Restart clears the story's votes and makes it active again with no score.
func (q *Queue) Restart(ctx context.Context, storyID string) (*repository.Story, error) {
	var restarted *repository.Story
	err := q.repo.RunInTx(ctx, func(ctx context.Context, tx repository.Repository) error {
		if err := tx.DeleteVotesByStory(ctx, storyID); err != nil {
			return err
		}
		var err error
		restarted, err = tx.UpdateStoryStatus(ctx, repository.UpdateStoryStatusInput{
			StoryID: storyID,
			Status:  repository.StoryStatusActive,
		})
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrStoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to restart story: %w", err)
	}
	return restarted, nil
}

func (q *Queue) Update(ctx context.Context, storyID, title, url string) (*repository.Story, error) {
	t, u, err := normalizeDetails(title, url)
	if err != nil {
		return nil, err
	}
	st, err := q.repo.UpdateStoryDetails(ctx, storyID, t, u)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrStoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update story: %w", err)
	}
	return st, nil
}

func (q *Queue) Delete(ctx context.Context, storyID string) error {
	err := q.repo.DeleteStory(ctx, storyID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrStoryNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete story: %w", err)
	}
	return nil
}

// List returns every story of the session ordered by sort order.
func (q *Queue) List(ctx context.Context, sessionID string) ([]repository.Story, error) {
	stories, err := q.repo.ListStories(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}
	return stories, nil
}

// Pending returns the queue view: every story that is not active.
func (q *Queue) Pending(ctx context.Context, sessionID string) ([]repository.Story, error) {
	stories, err := q.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]repository.Story, 0, len(stories))
	for _, st := range stories {
		if st.Status != repository.StoryStatusActive {
			out = append(out, st)
		}
	}
	return out, nil
}

// LatestCompleted returns the most recently ordered completed story or nil.
func (q *Queue) LatestCompleted(ctx context.Context, sessionID string) (*repository.Story, error) {
	st, err := q.repo.GetLatestCompletedStory(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load completed story: %w", err)
	}
	return st, nil
}

func (q *Queue) setStatus(ctx context.Context, storyID string, status repository.StoryStatus, score *decimal.Decimal) (*repository.Story, error) {
	st, err := q.repo.UpdateStoryStatus(ctx, repository.UpdateStoryStatusInput{
		StoryID:    storyID,
		Status:     status,
		FinalScore: score,
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrStoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set story %s: %w", status, err)
	}
	return st, nil
}

func normalizeDetails(title, url string) (string, *string, error) {
	t := strings.TrimSpace(title)
	if t == "" || utf8.RuneCountInString(t) > MaxTitleRunes {
		return "", nil, ErrInvalidTitle
	}
	u := strings.TrimSpace(url)
	if utf8.RuneCountInString(u) > MaxURLRunes {
		return "", nil, ErrInvalidURL
	}
	if u == "" {
		return t, nil, nil
	}
	return t, &u, nil
}

func formatScore(d *decimal.Decimal) string {
	if d == nil {
		return "none"
	}
	return d.StringFixed(1)
}
