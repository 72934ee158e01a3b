package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maestroproj/maestro/pkg/memory"
	"github.com/maestroproj/maestro/pkg/storage"
)

func (s *Server) mountMemory(r chi.Router) {
	r.Get("/", s.handleListMemories)
	r.Post("/", s.handleCreateMemory)
	r.Post("/retrieve", s.handleRetrieveMemories)
	r.Post("/apply-retention", s.handleApplyRetention)
	r.Get("/{memoryID}", s.handleGetMemory)
	r.Delete("/{memoryID}", s.handleDeleteMemory)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50, 1, 500)
	offset := intQuery(r, "offset", 0, 0, 1<<30)
	memoryType := r.URL.Query().Get("memory_type")

	memories, err := s.svc.Memory.List(memoryType, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list memories: %s", err)
		return
	}

	respond(w, http.StatusOK, map[string]any{
		"memories":  memories,
		"count":     len(memories),
		"timestamp": storage.Now(),
	})
}

type createMemoryRequest struct {
	MemoryType    string         `json:"memory_type"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	ExpiresInDays int            `json:"expires_in_days,omitempty"`
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if req.Content == "" {
		respondError(w, http.StatusBadRequest, "content is required")
		return
	}

	id, err := s.svc.Memory.Store(req.MemoryType, req.Content, req.Metadata, req.Tags, req.ExpiresInDays)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to store memory: %s", err)
		return
	}
	stored, err := s.svc.Memory.Get(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read stored memory: %s", err)
		return
	}
	respond(w, http.StatusCreated, stored)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "memoryID")
	m, err := s.svc.Memory.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Memory '%s' not found", id)
		return
	}
	respond(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "memoryID")
	ok, err := s.svc.Memory.Delete(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to delete memory: %s", err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "Memory '%s' not found", id)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"memory_id": id,
		"status":    "deleted",
		"timestamp": storage.Now(),
	})
}

type retrieveMemoriesRequest struct {
	Query      string   `json:"query"`
	MemoryType string   `json:"memory_type,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Mode       string   `json:"mode,omitempty"`
}

func (s *Server) handleRetrieveMemories(w http.ResponseWriter, r *http.Request) {
	var req retrieveMemoriesRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}

	memories, err := s.svc.Memory.Retrieve(memory.RetrieveOptions{
		Query:      req.Query,
		MemoryType: req.MemoryType,
		Tags:       req.Tags,
		Limit:      req.Limit,
		Mode:       req.Mode,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to retrieve memories: %s", err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"memories":  memories,
		"count":     len(memories),
		"query":     req.Query,
		"timestamp": storage.Now(),
	})
}

func (s *Server) handleApplyRetention(w http.ResponseWriter, r *http.Request) {
	deletedCount, err := s.svc.Memory.ApplyRetention()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to apply retention: %s", err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"deleted_count": deletedCount,
		"timestamp":     storage.Now(),
	})
}
