package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/HernanFAR/PrivateChat/internal/chat/admission"
	"github.com/HernanFAR/PrivateChat/internal/identity"
	"github.com/HernanFAR/PrivateChat/internal/realtime"
)

type authedFunc func(w http.ResponseWriter, r *http.Request, id identity.Identity)

// admit rejects the request with 429 when the global token bucket is empty.
func (h *Handler) admit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorsResponse{Errors: []string{admission.ErrOverloaded.Error()}})
			return
		}
		next(w, r)
	}
}

// authenticate verifies the bearer token. A correctly signed token that
// failed a claim check gets its subject's live connection scheduled for abort.
func (h *Handler) authenticate(next authedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := realtime.BearerToken(r)
		id, err := h.identities.Verify(token)
		if err != nil {
			if id.ID != "" {
				h.revoker.Unauthorized(id.ID)
			}
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeJSON(w, http.StatusUnauthorized, errorsResponse{Errors: []string{"unauthorized"}})
			return
		}
		next(w, r, id)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := h.now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", h.now().Sub(start)),
		)
	}
}

func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				h.logger.Error("handler panic",
					zap.String("path", r.URL.Path),
					zap.Any("panic", v),
					zap.Stack("stack"),
				)
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
