package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/neboloop/lens/internal/fault"
	"github.com/neboloop/lens/internal/httputil"
	"github.com/neboloop/lens/internal/protocol"
	"github.com/neboloop/lens/internal/registry"
)

type ctxKey string

const ctxUserID ctxKey = "daemonUserId"

// handleQuery accepts a query and returns immediately; the pipeline runs
// asynchronously and is observed via polling.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		Query  string `json:"query"`
	}
	if err := httputil.ParseBody(r, &req); err != nil {
		httputil.WriteCode(w, http.StatusBadRequest, fault.CodeInvalidQuery, "invalid JSON body")
		return
	}

	taskID, err := s.master.SubmitQuery(r.Context(), req.UserID, req.Query)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"taskId":  taskID,
		"status":  "pending",
		"message": "query accepted",
	})
}

// handleGetTask polls one task, scoped to the calling user.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		httputil.WriteCode(w, http.StatusBadRequest, fault.CodeMissingUserID, "userId query parameter is required")
		return
	}

	task, err := s.master.GetTask(r.Context(), taskID, userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	resp := map[string]any{
		"taskId": task.TaskID,
		"userId": task.UserID,
		"status": task.Status,
	}
	if task.Decision != "" {
		resp["decision"] = task.Decision
	}
	if task.SpawnedAgentID != "" {
		resp["spawnedAgentId"] = task.SpawnedAgentID
	}
	if task.Result != nil {
		resp["result"] = task.Result
	}
	if task.ErrorCode != "" {
		resp["error"] = map[string]string{
			"code":    task.ErrorCode,
			"message": task.ErrorMessage,
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTestSpawn is the diagnostic direct-spawn endpoint; it bypasses the
// planner entirely.
func (s *Server) handleTestSpawn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Goal  string `json:"goal"`
	}
	if err := httputil.ParseBody(r, &req); err != nil || req.Email == "" || req.Goal == "" {
		httputil.WriteCode(w, http.StatusBadRequest, fault.CodeInvalidQuery, "email and goal are required")
		return
	}

	agentID, err := s.registry.SpawnAgent(r.Context(), req.Email, req.Goal, registry.SpawnOptions{})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "agentId": agentID})
}

// handleTestGetAgent is the diagnostic agent read (no user scoping).
func (s *Server) handleTestGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	agent, err := s.registry.GetAgent(r.Context(), agentID, "")
	if err != nil {
		httputil.WriteCode(w, http.StatusNotFound, fault.CodeAgentNotFound, "agent not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, agent)
}

// daemonAuth authenticates the REST fallback with the same bearer token the
// socket uses.
func (s *Server) daemonAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		token = strings.TrimPrefix(token, "Bearer ")
		if token == "" {
			httputil.WriteCode(w, http.StatusUnauthorized, fault.CodeForbidden, "missing bearer token")
			return
		}
		userID, err := s.tokens.Verify(token)
		if err != nil {
			httputil.WriteCode(w, http.StatusUnauthorized, fault.CodeForbidden, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUserID, userID)))
	})
}

func daemonUser(r *http.Request) string {
	userID, _ := r.Context().Value(ctxUserID).(string)
	return userID
}

// handleDaemonHeartbeat is the REST fallback for heartbeats.
func (s *Server) handleDaemonHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb protocol.Heartbeat
	if err := httputil.ParseBody(r, &hb); err != nil {
		httputil.WriteCode(w, http.StatusBadRequest, fault.CodeInvalidQuery, "invalid heartbeat body")
		return
	}
	s.registry.MarkHeartbeat(daemonUser(r), &hb)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleSubAgentStatus is the REST fallback for status updates.
func (s *Server) handleSubAgentStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	var req struct {
		Status      string `json:"status"`
		Observation string `json:"observation,omitempty"`
	}
	if err := httputil.ParseBody(r, &req); err != nil {
		httputil.WriteCode(w, http.StatusBadRequest, fault.CodeInvalidQuery, "invalid status body")
		return
	}
	s.registry.ApplyStatusUpdate(r.Context(), daemonUser(r), agentID, req.Status, req.Observation)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleSubAgentComplete is the REST fallback for terminal events.
func (s *Server) handleSubAgentComplete(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	var req struct {
		Result string `json:"result,omitempty"`
		Error  string `json:"error,omitempty"`
	}
	if err := httputil.ParseBody(r, &req); err != nil {
		httputil.WriteCode(w, http.StatusBadRequest, fault.CodeInvalidQuery, "invalid complete body")
		return
	}
	s.registry.ApplyComplete(r.Context(), daemonUser(r), agentID, req.Result, req.Error)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleSubAgentLog is the REST fallback for log lines.
func (s *Server) handleSubAgentLog(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	var req struct {
		Line   string `json:"line"`
		Stream string `json:"stream"`
	}
	if err := httputil.ParseBody(r, &req); err != nil {
		httputil.WriteCode(w, http.StatusBadRequest, fault.CodeInvalidQuery, "invalid log body")
		return
	}
	s.registry.ApplyLog(daemonUser(r), agentID, req.Line, req.Stream)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}
