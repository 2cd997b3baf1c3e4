package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/roundtablehq/roundtable/internal/broadcast"
	"github.com/roundtablehq/roundtable/internal/service"
	"github.com/roundtablehq/roundtable/internal/store"
	"github.com/roundtablehq/roundtable/pkg/models"
)

// apiServer exposes the minimal ingestion and CRUD surface. Everything
// heavier than a row read goes through the service layer so the arrival
// rules apply uniformly.
type apiServer struct {
	svc    *service.Service
	store  store.Store
	hub    *broadcast.Hub
	logger *slog.Logger
}

func newAPIServer(svc *service.Service, st store.Store, hub *broadcast.Hub, logger *slog.Logger) *apiServer {
	return &apiServer{svc: svc, store: st, hub: hub, logger: logger}
}

func (s *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /ws", s.hub)

	mux.HandleFunc("POST /api/agents", s.createAgent)
	mux.HandleFunc("GET /api/agents", s.listAgents)

	mux.HandleFunc("POST /api/conversations", s.createConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.listMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.postMessage)
	mux.HandleFunc("POST /api/conversations/{id}/agents", s.addAgent)
	mux.HandleFunc("POST /api/conversations/{id}/trigger/{agent}", s.triggerAgent)
	return mux
}

func (s *apiServer) createAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string   `json:"name"`
		Model           string   `json:"model"`
		Instructions    string   `json:"instructions"`
		ThinkingEnabled bool     `json:"thinking_enabled"`
		Tools           []string `json:"tools"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" || req.Model == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("name and model are required"))
		return
	}
	now := time.Now().UTC()
	agent := &models.Agent{
		ID:              uuid.NewString(),
		Name:            req.Name,
		Model:           req.Model,
		Instructions:    req.Instructions,
		ThinkingEnabled: req.ThinkingEnabled,
		Tools:           req.Tools,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateAgent(r.Context(), agent); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, agent)
}

func (s *apiServer) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agents)
}

func (s *apiServer) createConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
		Mode  string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	conv, err := s.svc.CreateConversation(r.Context(), req.Title, models.ConversationMode(req.Mode))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, conv)
}

func (s *apiServer) listMessages(w http.ResponseWriter, r *http.Request) {
	history, err := s.store.History(r.Context(), r.PathValue("id"), 100)
	if err != nil {
		s.writeError(w, s.statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *apiServer) postMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Author  string `json:"author"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Author == "" {
		req.Author = "human"
	}
	msg, err := s.svc.PostHumanMessage(r.Context(), r.PathValue("id"), req.Author, req.Content)
	if err != nil {
		s.writeError(w, s.statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, msg)
}

func (s *apiServer) addAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.AddAgent(r.Context(), r.PathValue("id"), req.AgentID); err != nil {
		s.writeError(w, s.statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) triggerAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.TriggerAgent(r.Context(), r.PathValue("id"), r.PathValue("agent")); err != nil {
		s.writeError(w, s.statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *apiServer) statusFor(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
