// Package webhook receives authenticated provider callbacks and hands them to
// the response handler.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/louisbranch/escalator/internal/services/escalation/domain"
	"github.com/louisbranch/escalator/internal/services/escalation/response"
)

const defaultMaxBodyBytes = 64 << 10

// ResponseHandler applies one callback.
type ResponseHandler interface {
	HandleResponse(ctx context.Context, channel domain.Channel, externalID string, rawPayload string) (response.Result, error)
}

type callbackRequest struct {
	ExternalID string `json:"external_id"`
	Payload    string `json:"payload"`
}

type callbackResponse struct {
	Status     string `json:"status"`
	Response   string `json:"response,omitempty"`
	TaskStatus string `json:"task_status,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type server struct {
	handler  ResponseHandler
	verifier *Verifier
	logf     func(string, ...any)
}

// NewRouter mounts POST /v1/callbacks/{channel} and GET /healthz. A nil logf
// uses log.Printf.
func NewRouter(handler ResponseHandler, verifier *Verifier, logf func(string, ...any)) (http.Handler, error) {
	if handler == nil {
		return nil, errors.New("response handler is required")
	}
	if verifier == nil {
		return nil, errors.New("callback verifier is required")
	}
	if logf == nil {
		logf = log.Printf
	}
	s := &server{handler: handler, verifier: verifier, logf: logf}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/v1/callbacks/{channel}", s.callback)
	return r, nil
}

func (s *server) callback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, defaultMaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable body"})
		return
	}
	if err := s.verifier.Verify(bearerToken(r.Header.Get("Authorization")), body); err != nil {
		s.logf("reject callback %s: %v", middleware.GetReqID(r.Context()), err)
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	channel, err := domain.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil || !channel.AcceptsResponses() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown channel"})
		return
	}
	var req callbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}

	result, err := s.handler.HandleResponse(r.Context(), channel, req.ExternalID, req.Payload)
	switch {
	case err == nil:
	case errors.Is(err, response.ErrExternalIDRequired):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "external_id is required"})
		return
	case errors.Is(err, response.ErrUnknownExternalID):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown external_id"})
		return
	default:
		s.logf("handle %s callback %s: %v", channel, req.ExternalID, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	out := callbackResponse{Status: "applied", Response: string(result.Kind), TaskStatus: string(result.TaskStatus)}
	switch {
	case !result.Recognized:
		out.Status = "ignored"
	case result.Duplicate:
		out.Status = "duplicate"
	}
	writeJSON(w, http.StatusOK, out)
}

func bearerToken(header string) string {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
