package websocket

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/foxseedlab/pokerpoints/internal/queue"
	"github.com/foxseedlab/pokerpoints/internal/session"
)

const (
	frameResult = "Result"
	frameError  = "Error"
)

type clientFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type frame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

type joinPayload struct {
	AccessCode            string `json:"accessCode"`
	DisplayName           string `json:"displayName"`
	IsObserver            bool   `json:"isObserver"`
	ExistingParticipantID string `json:"existingParticipantId"`
}

type castVotePayload struct {
	CardValue string `json:"cardValue"`
}

type titlePayload struct {
	Title string `json:"title"`
}

type storyIDPayload struct {
	StoryID string `json:"storyId"`
}

type storyDetailsPayload struct {
	StoryID string `json:"storyId"`
	Title   string `json:"title"`
	URL     string `json:"url"`
}

type addStoriesPayload struct {
	Stories []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"stories"`
}

type okPayload struct {
	OK bool `json:"ok"`
}

// dispatch runs one client frame and returns its Result or Error frame.
func (h *Handler) dispatch(ctx context.Context, c *conn, in clientFrame) frame {
	result, err := h.handle(ctx, c, in)
	if err != nil {
		e := session.AsError(err)
		return frame{Type: frameError, RequestID: in.RequestID, Code: string(e.Code), Message: e.Message}
	}
	return frame{Type: frameResult, RequestID: in.RequestID, Payload: result}
}

func (h *Handler) handle(ctx context.Context, c *conn, in clientFrame) (any, error) {
	m := h.manager
	switch in.Type {
	case "join":
		var p joinPayload
		if err := decode(in, &p); err != nil {
			return nil, err
		}
		return m.Join(ctx, c, session.JoinRequest{
			AccessCode:            p.AccessCode,
			DisplayName:           p.DisplayName,
			IsObserver:            p.IsObserver,
			ExistingParticipantID: p.ExistingParticipantID,
		})
	case "leave":
		return ok(m.Leave(ctx, c))
	case "castVote":
		var p castVotePayload
		if err := decode(in, &p); err != nil {
			return nil, err
		}
		return ok(m.CastVote(ctx, c, p.CardValue))
	case "revealVotes":
		return ok(m.RevealVotes(ctx, c))
	case "resetVotes":
		return ok(m.ResetVotes(ctx, c))
	case "nextStory":
		var p titlePayload
		if err := decode(in, &p); err != nil {
			return nil, err
		}
		return m.NextStory(ctx, c, p.Title)
	case "startStory":
		var p storyIDPayload
		if err := decode(in, &p); err != nil {
			return nil, err
		}
		return m.StartStory(ctx, c, p.StoryID)
	case "restartStory":
		var p storyIDPayload
		if err := decode(in, &p); err != nil {
			return nil, err
		}
		return m.RestartStory(ctx, c, p.StoryID)
	case "updateStory":
		var p titlePayload
		if err := decode(in, &p); err != nil {
			return nil, err
		}
		return m.UpdateStory(ctx, c, p.Title)
	case "updateStoryDetails":
		var p storyDetailsPayload
		if err := decode(in, &p); err != nil {
			return nil, err
		}
		return m.UpdateStoryDetails(ctx, c, session.StoryDetails{StoryID: p.StoryID, Title: p.Title, URL: p.URL})
	case "addStories":
		var p addStoriesPayload
		if err := decode(in, &p); err != nil {
			return nil, err
		}
		stories := make([]queue.NewStory, 0, len(p.Stories))
		for _, s := range p.Stories {
			stories = append(stories, queue.NewStory{Title: s.Title, URL: s.URL})
		}
		return m.AddStories(ctx, c, stories)
	case "deleteStory":
		var p storyIDPayload
		if err := decode(in, &p); err != nil {
			return nil, err
		}
		return ok(m.DeleteStory(ctx, c, p.StoryID))
	case "getSessionState":
		return m.GetSessionState(ctx, c)
	case "getStoryQueue":
		return m.GetStoryQueue(ctx, c)
	}
	slog.Info("unknown websocket action", "type", in.Type, "connection_id", c.id)
	return nil, &session.Error{Code: session.CodeInvalidArgument, Message: "unknown action " + in.Type}
}

func decode(in clientFrame, dst any) error {
	if len(in.Payload) == 0 || string(in.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(in.Payload, dst); err != nil {
		return &session.Error{Code: session.CodeInvalidArgument, Message: "payload is not valid for " + in.Type}
	}
	return nil
}

func ok(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return okPayload{OK: true}, nil
}
