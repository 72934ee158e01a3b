package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/storage"
)

func (s *Server) mountRegistries(r chi.Router) {
	r.Get("/agents", s.handleListAgents)
	r.Post("/agents", s.handleCreateAgent)
	r.Get("/agents/{agentID}", s.handleGetAgent)
	r.Put("/agents/{agentID}", s.handleUpdateAgent)
	r.Delete("/agents/{agentID}", s.handleDeleteAgent)

	r.Get("/orchestrator", s.handleGetOrchestrator)
	r.Put("/orchestrator", s.handleUpdateOrchestrator)

	r.Get("/tools", s.handleListTools)
	r.Post("/tools", s.handleCreateTool)
	r.Get("/tools/{toolID}", s.handleGetTool)
	r.Put("/tools/{toolID}", s.handleUpdateTool)
	r.Delete("/tools/{toolID}", s.handleDeleteTool)

	r.Get("/model-profiles", s.handleListModelProfiles)
	r.Post("/model-profiles", s.handleCreateModelProfile)
	r.Get("/model-profiles/{profileID}", s.handleGetModelProfile)
	r.Put("/model-profiles/{profileID}", s.handleUpdateModelProfile)
	r.Delete("/model-profiles/{profileID}", s.handleDeleteModelProfile)

	r.Get("/workflows", s.handleListWorkflows)
	r.Post("/workflows", s.handleCreateWorkflow)
	r.Get("/workflows/{workflowID}", s.handleGetWorkflow)
	r.Put("/workflows/{workflowID}", s.handleUpdateWorkflow)
	r.Delete("/workflows/{workflowID}", s.handleDeleteWorkflow)

	r.Get("/governance", s.handleGetGovernance)
	r.Put("/governance", s.handleUpdateGovernance)

	r.Get("/system-config", s.handleGetSystemConfig)
	r.Put("/system-config", s.handleUpdateSystemConfig)

	r.Get("/context/strategies", s.handleGetContextStrategies)
	r.Put("/context/strategies", s.handleUpdateContextStrategies)

	r.Post("/reload", s.handleReloadRegistries)
}

// registryError maps CRUD errors onto status codes: unknown ids are
// 404, validation failures (including in-use deletions) are 400.
func registryError(w http.ResponseWriter, err error) {
	switch {
	case registry.IsNotFound(err):
		respondError(w, http.StatusNotFound, "%s", err)
	default:
		if _, ok := registry.AsValidationError(err); ok {
			respondError(w, http.StatusBadRequest, "%s", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "%s", err)
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.svc.Registry.ListAgents(r.URL.Query().Get("capability"))
	respond(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	agent, ok := s.svc.Registry.GetAgent(id)
	if !ok {
		respondError(w, http.StatusNotFound, "Agent '%s' not found", id)
		return
	}
	respond(w, http.StatusOK, agent)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var agent registry.Agent
	if err := decode(r, &agent); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if err := s.svc.Registry.CreateAgent(&agent); err != nil {
		registryError(w, err)
		return
	}
	respond(w, http.StatusCreated, agent)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var agent registry.Agent
	if err := decode(r, &agent); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if err := s.svc.Registry.UpdateAgent(chi.URLParam(r, "agentID"), &agent); err != nil {
		registryError(w, err)
		return
	}
	respond(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	if err := s.svc.Registry.DeleteAgent(id); err != nil {
		registryError(w, err)
		return
	}
	respond(w, http.StatusOK, deleted("agent_id", id))
}

func (s *Server) handleGetOrchestrator(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.svc.Registry.GetAgent(registry.OrchestratorAgentID)
	if !ok {
		respondError(w, http.StatusNotFound, "Orchestrator agent not found")
		return
	}
	respond(w, http.StatusOK, agent)
}

func (s *Server) handleUpdateOrchestrator(w http.ResponseWriter, r *http.Request) {
	var agent registry.Agent
	if err := decode(r, &agent); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if err := s.svc.Registry.UpdateAgent(registry.OrchestratorAgentID, &agent); err != nil {
		registryError(w, err)
		return
	}
	respond(w, http.StatusOK, agent)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools := s.svc.Registry.ListTools(r.URL.Query().Get("tag"))
	respond(w, http.StatusOK, map[string]any{"tools": tools, "count": len(tools)})
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "toolID")
	tool, ok := s.svc.Registry.GetTool(id)
	if !ok {
		respondError(w, http.StatusNotFound, "Tool '%s' not found", id)
		return
	}
	respond(w, http.StatusOK, tool)
}

func (s *Server) handleCreateTool(w http.ResponseWriter, r *http.Request) {
	var tool registry.Tool
	if err := decode(r, &tool); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if err := s.svc.Registry.CreateTool(&tool); err != nil {
		registryError(w, err)
		return
	}
	respond(w, http.StatusCreated, tool)
}

func (s *Server) handleUpdateTool(w http.ResponseWriter, r *http.Request) {
	var tool registry.Tool
	if err := decode(r, &tool); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if err := s.svc.Registry.UpdateTool(chi.URLParam(r, "toolID"), &tool); err != nil {
		registryError(w, err)
		return
	}
	respond(w, http.StatusOK, tool)
}

func (s *Server) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "toolID")
	if err := s.svc.Registry.DeleteTool(id); err != nil {
		registryError(w, err)
		return
	}
	respond(w, http.StatusOK, deleted("tool_id", id))
}

func (s *Server) handleListModelProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := s.svc.Registry.ListModelProfiles()
	respond(w, http.StatusOK, map[string]any{"profiles": profiles, "count": len(profiles)})
}

func (s *Server) handleGetModelProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "profileID")
	profile, ok := s.svc.Registry.GetModelProfile(id)
	if !ok {
		respondError(w, http.StatusNotFound, "Model profile '%s' not found", id)
		return
	}
	respond(w, http.StatusOK, profile)
}

func (s *Server) handleCreateModelProfile(w http.ResponseWriter, r *http.Request) {
	var profile registry.ModelProfile
	if err := decode(r, &profile); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if err := s.svc.Registry.CreateModelProfile(&profile); err != nil {
		registryError(w, err)
		return
	}
	respond(w, http.StatusCreated, profile)
}

func (s *Server) handleUpdateModelProfile(w http.ResponseWriter, r *http.Request) {
	var profile registry.ModelProfile
	if err := decode(r, &profile); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if err := s.svc.Registry.UpdateModelProfile(chi.URLParam(r, "profileID"), &profile); err != nil {
		registryError(w, err)
		return
	}
	respond(w, http.StatusOK, profile)
}

func (s *Server) handleDeleteModelProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "profileID")
	if err := s.svc.Registry.DeleteModelProfile(id); err != nil {
		registryError(w, err)
		return
	}
	respond(w, http.StatusOK, deleted("profile_id", id))
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows := s.svc.Registry.ListWorkflows()
	respond(w, http.StatusOK, map[string]any{"workflows": workflows, "count": len(workflows)})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	wf, ok := s.svc.Registry.GetWorkflow(id)
	if !ok {
		respondError(w, http.StatusNotFound, "Workflow '%s' not found", id)
		return
	}
	respond(w, http.StatusOK, wf)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf registry.Workflow
	if err := decode(r, &wf); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if err := s.svc.Registry.CreateWorkflow(&wf); err != nil {
		registryError(w, err)
		return
	}
	respond(w, http.StatusCreated, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf registry.Workflow
	if err := decode(r, &wf); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if err := s.svc.Registry.UpdateWorkflow(chi.URLParam(r, "workflowID"), &wf); err != nil {
		registryError(w, err)
		return
	}
	respond(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	if err := s.svc.Registry.DeleteWorkflow(id); err != nil {
		registryError(w, err)
		return
	}
	respond(w, http.StatusOK, deleted("workflow_id", id))
}

func (s *Server) handleGetGovernance(w http.ResponseWriter, r *http.Request) {
	gp := s.svc.Registry.GovernancePoliciesDoc()
	if gp == nil {
		gp = &registry.GovernancePolicies{Policies: map[string]any{}}
	}
	respond(w, http.StatusOK, gp)
}

func (s *Server) handleUpdateGovernance(w http.ResponseWriter, r *http.Request) {
	var gp registry.GovernancePolicies
	if err := decode(r, &gp); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if err := s.svc.Registry.UpdateGovernancePolicies(&gp); err != nil {
		registryError(w, err)
		return
	}
	respond(w, http.StatusOK, gp)
}

func (s *Server) handleGetSystemConfig(w http.ResponseWriter, r *http.Request) {
	doc, err := s.svc.Registry.SystemConfig()
	if err != nil {
		registryError(w, err)
		return
	}
	respond(w, http.StatusOK, doc)
}

func (s *Server) handleUpdateSystemConfig(w http.ResponseWriter, r *http.Request) {
	var doc map[string]any
	if err := decode(r, &doc); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if err := s.svc.Registry.UpdateSystemConfig(doc); err != nil {
		registryError(w, err)
		return
	}
	respond(w, http.StatusOK, doc)
}

func (s *Server) handleGetContextStrategies(w http.ResponseWriter, r *http.Request) {
	doc, err := s.svc.Registry.ContextStrategies()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "%s", err)
		return
	}
	respond(w, http.StatusOK, doc)
}

func (s *Server) handleUpdateContextStrategies(w http.ResponseWriter, r *http.Request) {
	var doc map[string]any
	if err := decode(r, &doc); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if err := s.svc.Registry.UpdateContextStrategies(doc); err != nil {
		registryError(w, err)
		return
	}
	respond(w, http.StatusOK, doc)
}

func (s *Server) handleReloadRegistries(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Registry.LoadAll(); err != nil {
		respondError(w, http.StatusInternalServerError, "Reload failed: %s", err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"status":    "reloaded",
		"stats":     s.svc.Registry.Stats(),
		"timestamp": storage.Now(),
	})
}

func deleted(idKey, id string) map[string]any {
	return map[string]any{
		idKey:       id,
		"status":    "deleted",
		"timestamp": storage.Now(),
	}
}
