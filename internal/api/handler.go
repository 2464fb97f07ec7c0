// Package api serves the chat command endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HernanFAR/PrivateChat/internal/chat/admission"
	"github.com/HernanFAR/PrivateChat/internal/chat/room"
	"github.com/HernanFAR/PrivateChat/internal/chat/session"
	"github.com/HernanFAR/PrivateChat/internal/identity"
)

const maxBodyBytes = 16 << 10

// Identities issues and checks bearer tokens.
type Identities interface {
	Issue(name string) (string, identity.Identity, error)
	Verify(token string) (identity.Identity, error)
}

// Sessions registers the session of a newly issued identity.
type Sessions interface {
	Register(userID, name string, now time.Time) (*session.UserSession, error)
}

// Commands applies room commands on behalf of a user.
type Commands interface {
	EnterRoom(ctx context.Context, userID, roomID string) error
	LeaveRoom(ctx context.Context, userID, roomID string) error
	SendMessage(ctx context.Context, userID, roomID, text string) error
}

// Revoker forces the live connection of a user to close.
type Revoker interface {
	Unauthorized(userID string) bool
}

// Handler serves the command API.
type Handler struct {
	identities Identities
	sessions   Sessions
	commands   Commands
	revoker    Revoker
	limiter    admission.Limiter
	logger     *zap.Logger
	now        func() time.Time
}

// NewHandler creates a Handler.
//
// Precondition: every argument except now must be non-nil. now may be nil, in which case time.Now is used.
func NewHandler(identities Identities, sessions Sessions, commands Commands, revoker Revoker, limiter admission.Limiter, logger *zap.Logger, now func() time.Time) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{
		identities: identities,
		sessions:   sessions,
		commands:   commands,
		revoker:    revoker,
		limiter:    limiter,
		logger:     logger,
		now:        now,
	}
}

// Routes returns the HTTP routes. ws, when non-nil, is mounted as the
// realtime endpoint; it bypasses admission control.
func (h *Handler) Routes(ws http.Handler) http.Handler {
	mux := http.NewServeMux()

	command := func(fn http.HandlerFunc) http.Handler {
		return h.recoverer(h.logRequests(h.admit(fn)))
	}
	authed := func(fn authedFunc) http.Handler {
		return command(h.authenticate(fn))
	}

	mux.Handle("POST /user", command(h.createUser))
	mux.Handle("POST /api/chat/{room}", authed(h.enterRoom))
	mux.Handle("DELETE /api/chat/{room}", authed(h.leaveRoom))
	mux.Handle("POST /api/chat/{room}/message", authed(h.sendMessage))
	mux.Handle("GET /healthz", h.recoverer(http.HandlerFunc(h.health)))
	if ws != nil {
		mux.Handle("GET /websocket/chat", h.recoverer(ws))
	}
	return mux
}

type createUserRequest struct {
	Name string `json:"name" validate:"required,max=64"`
}

type createUserResponse struct {
	Token string `json:"token"`
}

type sendMessageRequest struct {
	Message string `json:"message" validate:"required,max=2000"`
}

type errorsResponse struct {
	Errors []string `json:"errors"`
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	token, id, err := h.identities.Issue(req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.sessions.Register(id.ID, id.Name, h.now()); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("identity issued", zap.String("user", id.ID), zap.String("name", id.Name))
	writeJSON(w, http.StatusOK, createUserResponse{Token: token})
}

func (h *Handler) enterRoom(w http.ResponseWriter, r *http.Request, id identity.Identity) {
	if err := h.commands.EnterRoom(r.Context(), id.ID, r.PathValue("room")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) leaveRoom(w http.ResponseWriter, r *http.Request, id identity.Identity) {
	if err := h.commands.LeaveRoom(r.Context(), id.ID, r.PathValue("room")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request, id identity.Identity) {
	var req sendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.commands.SendMessage(r.Context(), id.ID, r.PathValue("room"), req.Message); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorsResponse{Errors: []string{"malformed request body"}})
		return false
	}
	if msgs := validateRequest(dst); len(msgs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, errorsResponse{Errors: msgs})
		return false
	}
	return true
}

// fail maps a command error onto the HTTP error surface.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *room.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorsResponse{Errors: verr.Messages})
	case errors.Is(err, session.ErrCapacityExceeded):
		writeJSON(w, http.StatusUnprocessableEntity, errorsResponse{Errors: []string{session.ErrCapacityExceeded.Error()}})
	case errors.Is(err, identity.ErrInvalidName):
		writeJSON(w, http.StatusUnprocessableEntity, errorsResponse{Errors: []string{err.Error()}})
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorsResponse{Errors: []string{err.Error()}})
	case errors.Is(err, session.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorsResponse{Errors: []string{err.Error()}})
	case errors.Is(err, admission.ErrOverloaded):
		writeJSON(w, http.StatusTooManyRequests, errorsResponse{Errors: []string{err.Error()}})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		h.logger.Error("command failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorsResponse{Errors: []string{"internal error"}})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
