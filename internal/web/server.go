// Package web exposes the generation pipeline over HTTP: a server-sent-events
// endpoint, a websocket transport and a model-check endpoint.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/codefionn/plauderkasten/internal/consts"
	"github.com/codefionn/plauderkasten/internal/llm"
	"github.com/codefionn/plauderkasten/internal/logger"
	"github.com/codefionn/plauderkasten/internal/orchestrator"
	"github.com/julienschmidt/httprouter"
)

// Server serves the HTTP API.
type Server struct {
	addr       string
	httpServer *http.Server
	orch       *orchestrator.Orchestrator
	log        *logger.Logger
}

// NewServer creates a server bound to addr.
func NewServer(addr string, orch *orchestrator.Orchestrator) *Server {
	s := &Server{
		addr: addr,
		orch: orch,
		log:  logger.Global().WithPrefix("web"),
	}

	router := httprouter.New()
	router.POST("/api/generate", s.handleGenerate)
	router.POST("/api/models/check", s.handleModelsCheck)
	router.GET("/api/providers", s.handleProviders)
	router.GET("/api/presets", s.handlePresets)
	router.GET("/ws", s.handleWebsocket)

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// No write timeout: generate streams can legitimately run for
		// minutes; the orchestrator bounds them itself.
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("listening on %s", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), consts.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// handleGenerate streams generation events as server-sent events, one
// "data:" frame per event, ending after the terminal event.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, llm.CodePipelineCritical, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, llm.CodePipelineCritical, "user_id is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, llm.CodePipelineCritical, "streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// A dropped connection cancels the run at the next chunk boundary.
	events := s.orch.Generate(r.Context(), req.toOrchestrator(r.Context().Done()))
	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.log.Error("event marshal failed: %v", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			s.log.Debug("client went away: %v", err)
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleModelsCheck(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req modelsCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, llm.CodePipelineCritical, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, llm.CodePipelineCritical, "user_id is required")
		return
	}

	models, err := s.orch.CheckModels(r.Context(), req.UserID)
	if err != nil {
		status := http.StatusBadGateway
		if llm.IsCode(err, llm.CodeAPIKeyRequired) {
			status = http.StatusBadRequest
		}
		writeError(w, status, llm.CodeOf(err), err.Error())
		return
	}

	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	writeJSON(w, http.StatusOK, modelsCheckResponse{Models: names})
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string][]string{"providers": llm.RegisteredProviders()})
}

func (s *Server) handlePresets(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string][]string{"presets": s.orch.PresetNames()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code llm.ErrorCode, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
