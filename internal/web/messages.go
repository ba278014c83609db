package web

import (
	"github.com/codefionn/plauderkasten/internal/llm"
	"github.com/codefionn/plauderkasten/internal/orchestrator"
)

// GenerateRequest is the request body for POST /api/generate and the payload
// of a websocket generate envelope.
type GenerateRequest struct {
	UserID        string        `json:"user_id"`
	Text          string        `json:"text,omitempty"`
	History       []llm.Message `json:"history,omitempty"`
	Action        string        `json:"action,omitempty"`
	ModelOverride string        `json:"model_override,omitempty"`
	TargetMessage *llm.Message  `json:"target_message,omitempty"`
}

func (r *GenerateRequest) toOrchestrator(cancel <-chan struct{}) *orchestrator.Request {
	return &orchestrator.Request{
		UserID:        r.UserID,
		UserText:      r.Text,
		History:       r.History,
		Action:        r.Action,
		ModelOverride: r.ModelOverride,
		TargetMessage: r.TargetMessage,
		Cancel:        cancel,
	}
}

// Websocket envelope types.
const (
	wsTypeGenerate    = "generate"
	wsTypeStop        = "stop"
	wsTypeCheckModels = "check_models"
	wsTypeEvent       = "event"
	wsTypeModels      = "models"
)

// wsEnvelope frames every websocket message in both directions.
type wsEnvelope struct {
	Type string `json:"type"`

	// Client to server.
	Request *GenerateRequest `json:"request,omitempty"`

	// Server to client.
	Event  *llm.StreamEvent `json:"event,omitempty"`
	Models []string         `json:"models,omitempty"`
}

// modelsCheckRequest is the request body for POST /api/models/check.
type modelsCheckRequest struct {
	UserID string `json:"user_id"`
}

// modelsCheckResponse lists the verified models after a successful check.
type modelsCheckResponse struct {
	Models []string `json:"models"`
}

// errorResponse is the JSON error body for non-streaming endpoints.
type errorResponse struct {
	Code    llm.ErrorCode `json:"code"`
	Message string        `json:"message"`
}
