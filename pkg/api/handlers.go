package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/rudder/pkg/adapter"
	"github.com/Mindburn-Labs/rudder/pkg/audit"
	"github.com/Mindburn-Labs/rudder/pkg/engine"
	"github.com/Mindburn-Labs/rudder/pkg/store"
)

// defaultAuditLimit caps the audit read when the caller names none.
const defaultAuditLimit = 1000

// submitResponse is the 202 body for an accepted envelope.
type submitResponse struct {
	RequestID string            `json:"request_id"`
	Status    string            `json:"status"`
	Replayed  bool              `json:"idempotent_replay,omitempty"`
	Links     map[string]string `json:"links"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "Bad Request", "failed to read request body")
		return
	}

	env, result := s.validator.Validate(raw)
	if !result.Valid {
		p := NewProblem(r, http.StatusBadRequest, "Invalid Envelope", "envelope failed validation")
		p.Errors = result.Errors
		WriteProblem(w, p)
		return
	}

	out, err := s.engine.Handle(r.Context(), env, engine.HandleOptions{})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		RequestID: out.RequestID,
		Status:    string(out.Status),
		Replayed:  out.Replayed,
		Links:     map[string]string{"self": "/v1/requests/" + out.RequestID},
	})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("idempotency_key")
	if key == "" {
		WriteError(w, r, http.StatusBadRequest, "Bad Request", "idempotency_key query parameter is required")
		return
	}
	rec, err := s.store.FindByIdempotencyKey(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteError(w, r, http.StatusNotFound, "Not Found", "no request holds that idempotency key")
			return
		}
		s.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteError(w, r, http.StatusNotFound, "Not Found", "no such request")
			return
		}
		s.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteError(w, r, http.StatusNotFound, "Not Found", "no such request")
			return
		}
		s.internal(w, r, err)
		return
	}

	q, ok := audit.QueryableOf(s.audit)
	if !ok {
		WriteError(w, r, http.StatusNotImplemented, "Not Implemented",
			"the configured audit sink does not support reads")
		return
	}

	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := q.Query(r.Context(), id, limit)
	if err != nil {
		s.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": id,
		"events":     events,
	})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	backend := chi.URLParam(r, "backend")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "Bad Request", "failed to read callback body")
		return
	}

	if s.cbSecret != "" {
		if !s.callbackSignatureValid(backend, body, r.Header.Get("X-Rudder-Signature")) {
			WriteError(w, r, http.StatusUnauthorized, "Unauthorized", "invalid callback signature")
			return
		}
	}

	out, err := s.engine.IngestCallback(r.Context(), backend, body)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

// callbackSignatureValid checks the hex HMAC-SHA256 of the body under
// the backend's derived callback key.
func (s *Server) callbackSignatureValid(backend string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	keyHex, err := adapter.DeriveCallbackKey(s.cbSecret, backend)
	if err != nil {
		return false
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.telemetry.Snapshot(r.Context())
	if err != nil {
		s.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"version": s.version,
	})
}

// writeEngineError maps engine error kinds to HTTP problems.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := engine.AsError(err)
	if !ok {
		s.internal(w, r, err)
		return
	}
	switch e.Kind {
	case engine.KindInvalidEnvelope:
		p := NewProblem(r, http.StatusBadRequest, "Invalid Envelope", e.Message)
		p.Errors = e.Fields
		WriteProblem(w, p)
	case engine.KindIdempotencyConflict:
		p := NewProblem(r, http.StatusConflict, "Idempotency Conflict", e.Message)
		p.RequestID = e.RequestID
		WriteProblem(w, p)
	case engine.KindPolicyDenied:
		p := NewProblem(r, http.StatusForbidden, "Policy Denied", e.Message)
		p.RequestID = e.RequestID
		p.Violations = e.Violations
		WriteProblem(w, p)
	case engine.KindCallbackInvalid:
		WriteError(w, r, http.StatusBadRequest, "Invalid Callback", e.Message)
	case engine.KindUnknownExternalID, engine.KindRequestGone:
		WriteError(w, r, http.StatusNotFound, "Not Found", e.Message)
	default:
		s.internal(w, r, err)
	}
}

// internal logs the cause and answers with a generic 500; internals
// never leak to the client.
func (s *Server) internal(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.ErrorContext(r.Context(), "internal server error",
		"path", r.URL.Path, "error", err, "request_id", RequestIDFrom(r.Context()))
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred. Please try again later.")
}
