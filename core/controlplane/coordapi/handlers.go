package coordapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/corralhq/corral/core/infra/locks"
	"github.com/corralhq/corral/core/infra/registry"
)

type acquireRequest struct {
	Resource string `json:"resource"`
	Agent    string `json:"agent"`
	Mode     string `json:"mode"`
	// TTLSeconds left unset takes the policy lease for the resource; an
	// explicit zero acquires without a lease.
	TTLSeconds *int64 `json:"ttl_seconds"`
	Wait       bool   `json:"wait"`
	// MaxWaitSeconds left unset takes the policy ceiling.
	MaxWaitSeconds *int64 `json:"max_wait_seconds"`
}

type releaseRequest struct {
	Resource string `json:"resource"`
	Agent    string `json:"agent"`
}

type checkRequest struct {
	Resource string `json:"resource"`
	Mode     string `json:"mode"`
}

type coordinateRequest struct {
	Task      string   `json:"task"`
	Agent     string   `json:"agent"`
	Resources []string `json:"resources"`
}

type registerAgentRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
}

type heartbeatRequest struct {
	Agent string `json:"agent"`
}

type failureRequest struct {
	Agent string `json:"agent"`
	Error string `json:"error"`
}

type assignRequest struct {
	Task  string `json:"task"`
	Agent string `json:"agent"`
}

type shareRequest struct {
	From   string          `json:"from"`
	Target string          `json:"target"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// parseMode resolves the request mode, defaulting empty to exclusive and
// rejecting anything unknown.
func parseMode(raw string) (locks.Mode, error) {
	if strings.TrimSpace(raw) == "" {
		return locks.ModeExclusive, nil
	}
	return locks.ParseMode(raw)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	listed := s.coordinator.ListLocks(r.Context(), resource)
	writeJSON(w, http.StatusOK, map[string]any{"locks": listed, "count": len(listed)})
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Resource) == "" || strings.TrimSpace(req.Agent) == "" {
		http.Error(w, "resource and agent required", http.StatusBadRequest)
		return
	}

	ttl := time.Duration(0)
	if req.TTLSeconds != nil {
		if *req.TTLSeconds < 0 {
			http.Error(w, "ttl_seconds must not be negative", http.StatusBadRequest)
			return
		}
		ttl = time.Duration(*req.TTLSeconds) * time.Second
	} else if s.ttlFor != nil {
		ttl = s.ttlFor(req.Resource)
	}

	maxWait := s.maxWait
	if req.MaxWaitSeconds != nil {
		if *req.MaxWaitSeconds < 0 {
			http.Error(w, "max_wait_seconds must not be negative", http.StatusBadRequest)
			return
		}
		maxWait = time.Duration(*req.MaxWaitSeconds) * time.Second
	}

	if !s.coordinator.Acquire(r.Context(), req.Resource, req.Agent, mode, ttl, req.Wait, maxWait) {
		http.Error(w, "lock unavailable", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"acquired": true,
		"resource": strings.TrimSpace(req.Resource),
		"agent":    strings.TrimSpace(req.Agent),
		"mode":     string(mode),
	})
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.coordinator.Release(r.Context(), req.Resource, req.Agent) {
		http.Error(w, "lock not held", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": true})
}

func (s *Server) handleReleaseAll(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Agent) == "" {
		http.Error(w, "agent required", http.StatusBadRequest)
		return
	}
	count := s.coordinator.ReleaseAllForAgent(r.Context(), req.Agent)
	writeJSON(w, http.StatusOK, map[string]any{"released": count})
}

func (s *Server) handleCheckLock(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Resource) == "" {
		http.Error(w, "resource required", http.StatusBadRequest)
		return
	}
	available := s.coordinator.CheckAvailable(r.Context(), req.Resource, mode)
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":  strings.TrimSpace(req.Resource),
		"mode":      string(mode),
		"available": available,
	})
}

func (s *Server) handleCoordinate(w http.ResponseWriter, r *http.Request) {
	var req coordinateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Task) == "" || strings.TrimSpace(req.Agent) == "" || len(req.Resources) == 0 {
		http.Error(w, "task, agent, and resources required", http.StatusBadRequest)
		return
	}
	if !s.coordinator.CoordinateMultiResource(r.Context(), req.Task, req.Agent, req.Resources) {
		http.Error(w, "resources unavailable", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"coordinated": true,
		"task":        strings.TrimSpace(req.Task),
		"resources":   req.Resources,
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	filter := registry.Filter{Task: strings.TrimSpace(r.URL.Query().Get("task"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := registry.ParseStatus(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Status = status
	}

	agents, err := s.directory.ListAgents(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("view") == "snapshot" {
		writeJSON(w, http.StatusOK, registry.BuildSnapshot(agents))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		http.Error(w, "agent id required", http.StatusBadRequest)
		return
	}
	agent := registry.Agent{
		ID:           strings.TrimSpace(req.ID),
		Name:         req.Name,
		Capabilities: req.Capabilities,
	}
	if req.Status != "" {
		status, err := registry.ParseStatus(req.Status)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		agent.Status = status
	}
	if err := s.directory.PutAgent(r.Context(), agent); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	stored, err := s.directory.GetAgent(r.Context(), agent.ID)
	if err != nil || stored == nil {
		writeJSON(w, http.StatusCreated, agent)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Agent) == "" {
		http.Error(w, "agent required", http.StatusBadRequest)
		return
	}
	if err := s.directory.UpdateHeartbeat(r.Context(), req.Agent); err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			http.Error(w, "agent not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Agent) == "" {
		http.Error(w, "agent required", http.StatusBadRequest)
		return
	}
	if !s.coordinator.HandleAgentFailure(r.Context(), req.Agent, req.Error) {
		http.Error(w, "failure cascade incomplete", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"handled": true})
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Task) == "" || strings.TrimSpace(req.Agent) == "" {
		http.Error(w, "task and agent required", http.StatusBadRequest)
		return
	}
	if !s.coordinator.AssignTask(r.Context(), req.Task, req.Agent) {
		http.Error(w, "task already assigned or agent not eligible", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assigned": true,
		"task":     strings.TrimSpace(req.Task),
		"agent":    strings.TrimSpace(req.Agent),
	})
}

func (s *Server) handleShareKnowledge(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Target) == "" || strings.TrimSpace(req.Key) == "" {
		http.Error(w, "target and key required", http.StatusBadRequest)
		return
	}
	if !s.coordinator.ShareKnowledge(r.Context(), req.From, req.Target, req.Key, req.Value) {
		http.Error(w, "knowledge share failed", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shared": true})
}
