package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rudnitski/HealthUp-sub002/internal/auth"
	"github.com/rudnitski/HealthUp-sub002/internal/chat"
	"github.com/rudnitski/HealthUp-sub002/internal/session"
)

type createSessionRequest struct {
	PatientHint string `json:"patient_hint"`
}

type rosterEntry struct {
	PatientID   string `json:"patient_id"`
	FullName    string `json:"full_name"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
}

type createSessionResponse struct {
	SessionID string        `json:"session_id"`
	PatientID string        `json:"patient_id,omitempty"`
	Patients  []rosterEntry `json:"patients,omitempty"`
}

type postMessageRequest struct {
	Text string `json:"text"`
}

func handleCreateSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Chat == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat dependencies are not configured", false, nil)
		return
	}

	accountID, err := accountFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "ACCOUNT_REQUIRED", err.Error(), false, nil)
		return
	}
	if err := requireRole(r, auth.RoleChatUser); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request createSessionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil && !errors.Is(err, io.EOF) {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid session request body", false, map[string]any{"details": err.Error()})
		return
	}

	snap, err := deps.Chat.CreateSession(r.Context(), accountID, request.PatientHint)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_CREATE_FAILED", "session could not be created", true, map[string]any{"details": err.Error()})
		return
	}

	response := createSessionResponse{SessionID: snap.Token, PatientID: snap.Scope.PatientID}
	if snap.AwaitingPick {
		response.Patients = make([]rosterEntry, 0, len(snap.Roster))
		for _, p := range snap.Roster {
			entry := rosterEntry{PatientID: p.PatientID, FullName: p.FullName}
			if p.DateOfBirth != nil {
				entry.DateOfBirth = p.DateOfBirth.Format("2006-01-02")
			}
			response.Patients = append(response.Patients, entry)
		}
	}
	writeJSON(w, http.StatusCreated, response)
}

func handlePostMessage(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Chat == nil || deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat dependencies are not configured", false, nil)
		return
	}

	snap, ok := sessionForAccount(deps, w, r)
	if !ok {
		return
	}

	var request postMessageRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid message body", false, map[string]any{"details": err.Error()})
		return
	}

	if err := deps.Chat.HandleMessage(r.Context(), snap.Token, request.Text); err != nil {
		writeMessageError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func handleDeleteSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Chat == nil || deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat dependencies are not configured", false, nil)
		return
	}

	accountID, err := accountFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "ACCOUNT_REQUIRED", err.Error(), false, nil)
		return
	}
	if err := requireRole(r, auth.RoleChatUser); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	token := r.PathValue("session")
	snap, err := deps.Sessions.Get(token)
	if err == nil && snap.AccountID == accountID {
		deps.Chat.CloseSession(token)
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeMessageError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(ctx, w, http.StatusBadRequest, "EMPTY_MESSAGE", "message text is required", false, nil)
	case errors.Is(err, session.ErrBusy):
		writeError(ctx, w, http.StatusConflict, "BUSY", "a turn is already in flight for this session", true, nil)
	case errors.Is(err, session.ErrMessageLimit):
		writeError(ctx, w, http.StatusTooManyRequests, "MESSAGE_LIMIT", "session message limit reached", false, nil)
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrClosed):
		writeError(ctx, w, http.StatusNotFound, "NOT_FOUND", "session does not exist or has expired", false, nil)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "MESSAGE_FAILED", "message could not be accepted", true, map[string]any{"details": err.Error()})
	}
}

// sessionForAccount resolves the path token and enforces ownership. A
// session owned by another account answers exactly like a missing one.
func sessionForAccount(deps Dependencies, w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	accountID, err := accountFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "ACCOUNT_REQUIRED", err.Error(), false, nil)
		return session.Session{}, false
	}
	if err := requireRole(r, auth.RoleChatUser); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return session.Session{}, false
	}

	token := r.PathValue("session")
	snap, err := deps.Sessions.Get(token)
	if err != nil || snap.AccountID != accountID {
		writeError(r.Context(), w, http.StatusNotFound, "NOT_FOUND", "session does not exist or has expired", false, nil)
		return session.Session{}, false
	}
	return snap, true
}

func accountFromRequest(r *http.Request) (string, error) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if strings.TrimSpace(identity.AccountID) != "" {
			return identity.AccountID, nil
		}
	}
	accountID := strings.TrimSpace(r.Header.Get("X-Account-ID"))
	if accountID == "" {
		return "", fmt.Errorf("account context is required")
	}
	return accountID, nil
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}
