package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/director/pkg/director"
	"github.com/ethpandaops/director/pkg/results"
)

type claimResponse struct {
	Claimed bool `json:"claimed"`
	*director.Claim
}

type reportTestsRequest struct {
	Tests []results.Test `json:"tests"`
}

type attachArtifactRequest struct {
	Kind       string `json:"kind"`
	ArtifactID string `json:"artifactId"`
	URL        string `json:"url"`
}

type uploadURLRequest struct {
	ArtifactID  string `json:"artifactId"`
	ContentType string `json:"contentType,omitempty"`
}

func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req director.RunRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)

		return
	}

	res, err := s.director.CreateRun(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}

	writeJSON(w, status, res)
}

func (s *server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var worker director.WorkerContext
	if err := decodeBody(r, &worker, true); err != nil {
		s.writeError(w, r, err)

		return
	}

	claim, err := s.director.ClaimNextSpec(
		r.Context(), chi.URLParam(r, "runID"), chi.URLParam(r, "groupID"), worker,
	)
	if errors.Is(err, director.ErrNoSpecsAvailable) {
		writeJSON(w, http.StatusOK, claimResponse{Claimed: false})

		return
	}

	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, claimResponse{Claimed: true, Claim: claim})
}

func (s *server) handleReportTests(w http.ResponseWriter, r *http.Request) {
	var req reportTestsRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)

		return
	}

	inst, err := s.director.ReportInstanceTests(r.Context(), chi.URLParam(r, "instanceID"), req.Tests)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, inst)
}

func (s *server) handleMergeResults(w http.ResponseWriter, r *http.Request) {
	var update results.Update
	if err := decodeBody(r, &update, false); err != nil {
		s.writeError(w, r, err)

		return
	}

	inst, err := s.director.MergeInstanceResults(r.Context(), chi.URLParam(r, "instanceID"), &update)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, inst)
}

func (s *server) handleAttachArtifact(w http.ResponseWriter, r *http.Request) {
	var req attachArtifactRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)

		return
	}

	err := s.director.AttachArtifactURL(
		r.Context(), chi.URLParam(r, "instanceID"), req.Kind, req.ArtifactID, req.URL,
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleUploadURL presigns an upload for an artifact of an existing
// instance. The worker records the returned URL once the upload finished.
func (s *server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	if s.presigner == nil {
		writeJSON(w, http.StatusNotImplemented,
			errorResponse{Error: "artifact storage is not configured"})

		return
	}

	var req uploadURLRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)

		return
	}

	inst, err := s.director.GetInstance(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	upload, err := s.presigner.PresignUpload(
		r.Context(), inst.RunID, inst.InstanceID, req.ArtifactID, req.ContentType,
	)
	if err != nil {
		s.writeError(w, r, &director.ValidationError{Field: "artifactId", Reason: err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, upload)
}
