package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentos-dev/agentos/internal/capability"
	"github.com/agentos-dev/agentos/internal/storage"
	"github.com/agentos-dev/agentos/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sandboxStatus := "disabled"
	if s.sandbox != nil {
		sandboxStatus = "unavailable"
		if s.sandbox.Available(r.Context()) {
			sandboxStatus = "ok"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"queues":          s.bus.QueueCount(),
		"tools":           len(s.capability.List()),
		"sandbox":         sandboxStatus,
		"tools_refreshed": s.capability.LastRefreshed().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	configs, err := s.service.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": configs})
}

func (s *Server) handleExtensions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	installed, err := s.extensions.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	records := make([]*models.ExtensionRecord, 0, len(installed))
	for _, i := range installed {
		records = append(records, i.Record)
	}
	writeJSON(w, http.StatusOK, map[string]any{"extensions": records})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.capability.List()})
}

type invokeRequest struct {
	ToolID        string          `json:"tool_id"`
	Inputs        json.RawMessage `json:"inputs,omitempty"`
	Actor         string          `json:"actor"`
	SessionID     string          `json:"session_id,omitempty"`
	Mode          string          `json:"mode,omitempty"`
	SpecFrozen    bool            `json:"spec_frozen"`
	ApprovalToken string          `json:"approval_token,omitempty"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ToolID == "" {
		writeError(w, http.StatusBadRequest, "tool_id is required")
		return
	}
	// The admin surface defaults to EXECUTION; the router still refuses
	// any mode it does not recognize.
	mode := models.ExecutionMode(req.Mode)
	if mode == "" {
		mode = models.ModeExecution
	}
	inv := &models.ToolInvocation{
		InvocationID:  uuid.New().String(),
		ToolID:        req.ToolID,
		Inputs:        req.Inputs,
		Actor:         req.Actor,
		SessionID:     req.SessionID,
		Mode:          mode,
		SpecFrozen:    req.SpecFrozen,
		ApprovalToken: req.ApprovalToken,
		Timestamp:     time.Now().UTC(),
	}
	result, err := s.router.Invoke(r.Context(), inv, capability.ExecutionContext{
		SessionID: req.SessionID,
		UserID:    req.Actor,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	pending, err := s.queue.Pending(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": pending})
}

// handleDecisionReview serves POST /api/decisions/{id}/approve and
// /api/decisions/{id}/reject.
func (s *Server) handleDecisionReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/decisions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	decisionID, verb := parts[0], parts[1]
	reviewer := r.Header.Get("X-Reviewer")
	if reviewer == "" {
		writeError(w, http.StatusBadRequest, "X-Reviewer header is required")
		return
	}

	var err error
	switch verb {
	case "approve":
		err = s.queue.Approve(r.Context(), decisionID, reviewer)
	case "reject":
		err = s.queue.Reject(r.Context(), decisionID, reviewer)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown decision")
			return
		}
		// A lost compare-and-set means another reviewer got there first.
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"decision_id": decisionID, "status": verb})
}
