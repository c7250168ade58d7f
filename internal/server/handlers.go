package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/seshat-ai/seshat/internal/ltm"
	"github.com/seshat-ai/seshat/internal/session"
	"github.com/seshat-ai/seshat/pkg/models"
)

type createSessionRequest struct {
	SessionID string                `json:"session_id,omitempty"`
	Config    *models.SessionConfig `json:"config,omitempty"`
	LLMConfig map[string]any        `json:"llm_config,omitempty"`
	Metadata  map[string]any        `json:"metadata,omitempty"`
}

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body", "detail": err.Error()})
			return
		}
	}

	state, err := s.manager.Create(r.Context(), session.CreateOptions{
		SessionID: req.SessionID,
		Config:    req.Config,
		LLMConfig: req.LLMConfig,
		Metadata:  req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, state)
}

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": s.manager.List()})
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.manager.GetInfo(sessionID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Service) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Terminate(r.Context(), sessionID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

type sendMessageRequest struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

func (s *Service) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body", "detail": err.Error()})
		return
	}
	if req.Role == "" {
		req.Role = models.RoleUser
	}
	if !req.Role.Valid() {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "invalid_type",
			"detail": fmt.Sprintf("unknown role %q", req.Role),
		})
		return
	}
	if req.Content == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty_field", "detail": "content is required"})
		return
	}

	msg, err := s.manager.SendMessage(r.Context(), sessionID(r), req.Role, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, msg)
}

func (s *Service) handleRecentMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	msgs, err := s.manager.RecentMessages(sessionID(r), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Service) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.ClearConversation(r.Context(), sessionID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Service) handlePutContext(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body", "detail": err.Error()})
		return
	}
	if len(values) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty_field", "detail": "no context values provided"})
		return
	}

	id := sessionID(r)
	for key, value := range values {
		if err := s.manager.PutContext(id, key, value); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"stored": len(values)})
}

func (s *Service) handleListContext(w http.ResponseWriter, r *http.Request) {
	items, err := s.manager.ContextItems(sessionID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Service) handleGetContext(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := s.manager.GetContext(sessionID(r), key, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
}

type enqueueRequest struct {
	ID         string            `json:"id,omitempty"`
	Type       models.MemoryType `json:"type,omitempty"`
	Data       *map[string]any   `json:"data"`
	Importance float64           `json:"importance,omitempty"`
}

func (s *Service) handleEnqueuePending(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body", "detail": err.Error()})
		return
	}

	item := models.PendingItem{
		ID:         req.ID,
		Type:       req.Type,
		Importance: req.Importance,
	}
	// An explicit null data value is valid; an absent key is not.
	if req.Data != nil {
		item.Data = *req.Data
		item.HasData = true
	}

	if err := s.manager.EnqueuePending(sessionID(r), item); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": item.ID, "status": "queued"})
}

func (s *Service) handleListPending(w http.ResponseWriter, r *http.Request) {
	items, err := s.manager.PendingItems(sessionID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Service) handlePromote(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	res, err := s.manager.PromoteNow(r.Context(), sessionID(r), all)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var q ltm.Query
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body", "detail": err.Error()})
			return
		}
	}
	results, err := s.manager.Retrieve(r.Context(), sessionID(r), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

type enrichRequest struct {
	Query ltm.Query         `json:"query"`
	Opts  ltm.EnrichOptions `json:"options"`
}

func (s *Service) handleEnrich(w http.ResponseWriter, r *http.Request) {
	var req enrichRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body", "detail": err.Error()})
			return
		}
	}
	enriched, err := s.manager.EnrichContext(r.Context(), sessionID(r), req.Query, req.Opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, enriched)
}

func (s *Service) handleStoreMemory(w http.ResponseWriter, r *http.Request) {
	var mem models.Memory
	if err := json.NewDecoder(r.Body).Decode(&mem); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body", "detail": err.Error()})
		return
	}
	stored, err := s.manager.StoreMemory(r.Context(), sessionID(r), &mem)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, stored)
}

func (s *Service) handleQueryMemories(w http.ResponseWriter, r *http.Request) {
	f := ltm.Filter{
		Type:  models.MemoryType(r.URL.Query().Get("type")),
		Limit: queryInt(r, "limit", 0),
	}
	if v := r.URL.Query().Get("min_importance"); v != "" {
		if imp, err := strconv.ParseFloat(v, 64); err == nil {
			f.MinImportance = imp
		}
	}

	memories, err := s.manager.QueryMemories(r.Context(), sessionID(r), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"memories": memories, "count": len(memories)})
}

func (s *Service) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	mem, err := s.manager.GetMemory(r.Context(), sessionID(r), chi.URLParam(r, "memoryID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, mem)
}

func (s *Service) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body", "detail": err.Error()})
		return
	}
	mem, err := s.manager.UpdateMemory(r.Context(), sessionID(r), chi.URLParam(r, "memoryID"), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, mem)
}

func (s *Service) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteMemory(r.Context(), sessionID(r), chi.URLParam(r, "memoryID")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Service) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if err := s.manager.SaveSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "saved"})
}

func (s *Service) handleListSaved(w http.ResponseWriter, r *http.Request) {
	saved, err := s.manager.ListSaved(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"saved": saved})
}

func (s *Service) handleRestoreSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.manager.RestoreSession(r.Context(), sessionID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, state)
}

func (s *Service) handleDeleteSaved(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteSaved(r.Context(), sessionID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
