package voting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/foxseedlab/pokerpoints/internal/repository"
	"github.com/shopspring/decimal"
)

// UnknownVoterName labels votes whose participant record is gone.
const UnknownVoterName = "Unknown"

var (
	ErrEmptyCardValue   = errors.New("card value is required")
	ErrCardValueTooLong = fmt.Errorf("card value must be at most %d characters", MaxCardValueLength)
	ErrStoryNotFound    = errors.New("story not found")
)

type RevealedVote struct {
	ParticipantID string
	DisplayName   string
	CardValue     string
}

type Result struct {
	StoryID     string
	Votes       []RevealedVote
	Average     *decimal.Decimal
	IsConsensus bool
}

type VoteStatus struct {
	ParticipantID string
	HasVoted      bool
}

type Engine struct {
	repo repository.Repository
}

func New(repo repository.Repository) *Engine {
	return &Engine{repo: repo}
}

// CastVote records the participant's card for the story, replacing any
// previous card.
func (e *Engine) CastVote(ctx context.Context, storyID, participantID, cardValue string) (*repository.Vote, error) {
	cardValue = strings.TrimSpace(cardValue)
	if cardValue == "" {
		return nil, ErrEmptyCardValue
	}
	if utf8.RuneCountInString(cardValue) > MaxCardValueLength {
		return nil, ErrCardValueTooLong
	}
	v, err := e.repo.UpsertVote(ctx, repository.UpsertVoteInput{
		StoryID:       storyID,
		ParticipantID: participantID,
		CardValue:     cardValue,
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrStoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store vote: %w", err)
	}
	return v, nil
}

func (e *Engine) ResetVotes(ctx context.Context, storyID string) error {
	if err := e.repo.DeleteVotesByStory(ctx, storyID); err != nil {
		return fmt.Errorf("failed to reset votes: %w", err)
	}
	return nil
}

// Reveal discloses every vote on the story together with its tally. The
// result is a snapshot; later votes do not change it.
func (e *Engine) Reveal(ctx context.Context, storyID string) (*Result, error) {
	votes, err := e.repo.ListVotesByStory(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	return buildResult(storyID, votes), nil
}

// VoteStatuses tells which participants have voted on the story without
// exposing any card value. An empty storyID reports nobody as voted.
func (e *Engine) VoteStatuses(ctx context.Context, storyID string, participantIDs []string) ([]VoteStatus, error) {
	voted := map[string]bool{}
	if storyID != "" {
		votes, err := e.repo.ListVotesByStory(ctx, storyID)
		if err != nil {
			return nil, fmt.Errorf("failed to list votes: %w", err)
		}
		for _, v := range votes {
			voted[v.ParticipantID] = true
		}
	}
	statuses := make([]VoteStatus, 0, len(participantIDs))
	for _, id := range participantIDs {
		statuses = append(statuses, VoteStatus{ParticipantID: id, HasVoted: voted[id]})
	}
	return statuses, nil
}

// TallyStory tallies the story's current votes without changing the story.
func TallyStory(ctx context.Context, repo repository.Repository, storyID string) (Tally, error) {
	votes, err := repo.ListVotesByStory(ctx, storyID)
	if err != nil {
		return Tally{}, err
	}
	return TallyCards(cardValues(votes)), nil
}

// FinalizeStory completes the story with the average of its current votes.
// Votes are read and the score written in one transaction.
func FinalizeStory(ctx context.Context, repo repository.Repository, storyID string) (*repository.Story, error) {
	var completed *repository.Story
	err := repo.RunInTx(ctx, func(ctx context.Context, tx repository.Repository) error {
		tally, err := TallyStory(ctx, tx, storyID)
		if err != nil {
			return err
		}
		completed, err = tx.UpdateStoryStatus(ctx, repository.UpdateStoryStatusInput{
			StoryID:    storyID,
			Status:     repository.StoryStatusCompleted,
			FinalScore: tally.Average,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

func buildResult(storyID string, votes []repository.VoteDetail) *Result {
	revealed := make([]RevealedVote, 0, len(votes))
	for _, v := range votes {
		name := v.DisplayName
		if name == "" {
			name = UnknownVoterName
		}
		revealed = append(revealed, RevealedVote{
			ParticipantID: v.ParticipantID,
			DisplayName:   name,
			CardValue:     v.CardValue,
		})
	}
	tally := TallyCards(cardValues(votes))
	return &Result{
		StoryID:     storyID,
		Votes:       revealed,
		Average:     tally.Average,
		IsConsensus: tally.IsConsensus,
	}
}

func cardValues(votes []repository.VoteDetail) []string {
	values := make([]string, 0, len(votes))
	for _, v := range votes {
		values = append(values, v.CardValue)
	}
	return values
}
