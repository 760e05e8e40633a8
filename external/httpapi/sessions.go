package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/foxseedlab/pokerpoints/internal/auth"
	"github.com/foxseedlab/pokerpoints/internal/session"
	"github.com/go-chi/chi/v5"
)

const maxRequestBytes = 64 << 10

type sessionAPI struct {
	manager *session.Manager
}

type createSessionRequest struct {
	DeckType string `json:"deckType"`
	Name     string `json:"name"`
}

type createSessionResponse struct {
	SessionID  string  `json:"sessionId"`
	AccessCode string  `json:"accessCode"`
	Name       *string `json:"name"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *sessionAPI) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, &session.Error{Code: session.CodeInvalidArgument, Message: "request body is not valid JSON"})
		return
	}
	s, err := a.manager.CreateSession(r.Context(), req.DeckType, req.Name, auth.UserIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: s.ID, AccessCode: s.AccessCode, Name: s.Name})
}

func (a *sessionAPI) sessionInfo(w http.ResponseWriter, r *http.Request) {
	info, err := a.manager.SessionInfo(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *sessionAPI) sessionState(w http.ResponseWriter, r *http.Request) {
	state, err := a.manager.SessionStateByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *sessionAPI) deactivate(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.EndSession(r.Context(), chi.URLParam(r, "code"), auth.UserIDFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *sessionAPI) history(w http.ResponseWriter, r *http.Request) {
	h, err := a.manager.History(r.Context(), chi.URLParam(r, "code"), auth.UserIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (a *sessionAPI) mySessions(w http.ResponseWriter, r *http.Request) {
	list, err := a.manager.UserSessions(r.Context(), auth.UserIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []session.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	e := session.AsError(err)
	if e.Code == session.CodeInternal {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, statusFor(e.Code), errorResponse{Code: string(e.Code), Message: e.Message})
}

func statusFor(code session.Code) int {
	switch code {
	case session.CodeNotFound:
		return http.StatusNotFound
	case session.CodeForbidden:
		return http.StatusForbidden
	case session.CodeUnauthenticated:
		return http.StatusUnauthorized
	case session.CodeFailedPrecondition:
		return http.StatusConflict
	case session.CodeInvalidArgument:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
