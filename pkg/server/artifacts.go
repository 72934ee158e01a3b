package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/maestroproj/maestro/pkg/artifacts"
	"github.com/maestroproj/maestro/pkg/storage"
)

func (s *Server) mountArtifacts(r chi.Router) {
	r.Get("/", s.handleListArtifacts)
	r.Post("/versions", s.handleCreateArtifactVersion)
	r.Get("/{artifactID}/versions", s.handleListArtifactVersions)
	r.Get("/{artifactID}/versions/latest", s.handleGetLatestArtifactVersion)
	r.Get("/{artifactID}/versions/{version}", s.handleGetArtifactVersion)
	r.Delete("/{artifactID}/versions/{version}", s.handleDeleteArtifactVersion)
	r.Get("/{artifactID}/lineage/{version}", s.handleArtifactLineage)
	r.Post("/{artifactID}/apply-version-limit", s.handleApplyVersionLimit)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	ids, err := s.svc.Artifacts.ListArtifacts()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list artifacts: %s", err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"artifacts": ids,
		"count":     len(ids),
		"timestamp": storage.Now(),
	})
}

type createVersionRequest struct {
	ArtifactID    string         `json:"artifact_id"`
	Content       map[string]any `json:"content"`
	ParentVersion *int           `json:"parent_version,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
}

func (s *Server) handleCreateArtifactVersion(w http.ResponseWriter, r *http.Request) {
	var req createVersionRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if req.ArtifactID == "" {
		respondError(w, http.StatusBadRequest, "artifact_id is required")
		return
	}

	handle, err := s.svc.Artifacts.SaveVersion(
		req.ArtifactID, req.Content, req.ParentVersion, req.Metadata, req.Tags)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to save version: %s", err)
		return
	}
	_, version, err := artifacts.ParseHandle(handle)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to parse handle: %s", err)
		return
	}

	respond(w, http.StatusCreated, map[string]any{
		"artifact_id": req.ArtifactID,
		"version":     version,
		"handle":      handle,
		"timestamp":   storage.Now(),
	})
}

func (s *Server) handleListArtifactVersions(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	versions, err := s.svc.Artifacts.ListVersions(artifactID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Artifact '%s' not found", artifactID)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"artifact_id": artifactID,
		"versions":    versions,
		"count":       len(versions),
	})
}

func (s *Server) handleGetArtifactVersion(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid version number")
		return
	}

	artifact, err := s.svc.Artifacts.GetVersion(artifactID, version)
	if err != nil {
		respondError(w, http.StatusNotFound,
			"Version %d of artifact '%s' not found", version, artifactID)
		return
	}
	respond(w, http.StatusOK, artifact)
}

func (s *Server) handleGetLatestArtifactVersion(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")

	versions, err := s.svc.Artifacts.ListVersions(artifactID)
	if err != nil || len(versions) == 0 {
		respondError(w, http.StatusNotFound, "Artifact '%s' not found", artifactID)
		return
	}
	latest := versions[0].Version
	for _, v := range versions {
		if v.Version > latest {
			latest = v.Version
		}
	}

	artifact, err := s.svc.Artifacts.GetVersion(artifactID, latest)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read version: %s", err)
		return
	}
	respond(w, http.StatusOK, artifact)
}

func (s *Server) handleDeleteArtifactVersion(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid version number")
		return
	}

	ok, err := s.svc.Artifacts.DeleteVersion(artifactID, version)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to delete version: %s", err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound,
			"Version %d of artifact '%s' not found", version, artifactID)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"artifact_id": artifactID,
		"version":     version,
		"status":      "deleted",
		"timestamp":   storage.Now(),
	})
}

func (s *Server) handleArtifactLineage(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid version number")
		return
	}

	lineage, err := s.svc.Artifacts.Lineage(artifactID, version)
	if err != nil {
		respondError(w, http.StatusNotFound,
			"Version %d of artifact '%s' not found", version, artifactID)
		return
	}

	handles := make([]string, len(lineage))
	for i, v := range lineage {
		handles[i] = artifacts.Handle(artifactID, v)
	}
	respond(w, http.StatusOK, map[string]any{
		"artifact_id": artifactID,
		"version":     version,
		"lineage":     lineage,
		"handles":     handles,
		"timestamp":   storage.Now(),
	})
}

func (s *Server) handleApplyVersionLimit(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	maxVersions := intQuery(r, "max_versions", 10, 1, 1000)

	deletedCount, err := s.svc.Artifacts.ApplyVersionLimit(artifactID, maxVersions)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to apply version limit: %s", err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"artifact_id":   artifactID,
		"max_versions":  maxVersions,
		"deleted_count": deletedCount,
		"timestamp":     storage.Now(),
	})
}
