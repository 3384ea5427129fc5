package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/director/pkg/director"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps director errors onto HTTP statuses.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *director.ValidationError
		notFoundErr   *director.NotFoundError
		artifactErr   *director.ArtifactUpdateFailedError
	)

	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: validationErr.Reason,
			Field: validationErr.Field,
		})
	case errors.As(err, &notFoundErr):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: notFoundErr.Error()})
	case errors.As(err, &artifactErr):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "recording artifact failed"})
	case director.IsRetryable(err):
		s.log.WithError(err).WithField("path", r.URL.Path).Warn("Transient failure")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error:     "temporarily unavailable",
			Retryable: true,
		})
	default:
		s.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// decodeBody decodes a JSON request body into v. An empty body is only
// accepted when allowEmpty is set.
func decodeBody(r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}

	if err != nil {
		return &director.ValidationError{Reason: fmt.Sprintf("invalid request body: %v", err)}
	}

	return nil
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Query handlers ---

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer", Field: "limit"})

			return
		}

		limit = min(n, maxListLimit)
	}

	runs, err := s.director.ListRuns(r.Context(), r.URL.Query().Get("project"), limit)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.director.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.director.GetGroup(
		r.Context(), chi.URLParam(r, "runID"), chi.URLParam(r, "groupID"),
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, group)
}

func (s *server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.director.ListInstances(
		r.Context(), chi.URLParam(r, "runID"), chi.URLParam(r, "groupID"),
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

func (s *server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.director.GetInstance(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, inst)
}
