package llm

import (
	"math"

	"github.com/codefionn/plauderkasten/internal/keypool"
)

// Message roles. History only ever carries these two; the system prompt
// travels separately.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Message represents one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationConfig carries the sampling parameters for one call.
type GenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"top_p"`
	MaxOutputTokens int     `json:"max_output_tokens"`
}

// TokenUsage reports token accounting when the backend provides it.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_token_count"`
	CompletionTokens int `json:"candidates_token_count"`
	TotalTokens      int `json:"total_token_count"`
}

// EventType discriminates stream events on the wire.
type EventType string

const (
	EventTypeChunk EventType = "chunk"
	EventTypeFull  EventType = "full"
	EventTypeError EventType = "error"
)

// StreamEvent is the canonical event emitted to callers. Every request ends
// with exactly one terminal event (full or error); chunks precede it.
type StreamEvent struct {
	Type EventType `json:"type"`

	// Chunk and full payload.
	Content string `json:"content,omitempty"`

	// Full-only payload.
	Usage        *TokenUsage `json:"token_usage,omitempty"`
	Notification string      `json:"notification,omitempty"`

	// Error-only payload.
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// IsTerminal reports whether the event ends a stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventTypeFull || e.Type == EventTypeError
}

// ChunkEvent builds a chunk event.
func ChunkEvent(text string) StreamEvent {
	return StreamEvent{Type: EventTypeChunk, Content: text}
}

// FullEvent builds the successful terminal event.
func FullEvent(text string, usage *TokenUsage) StreamEvent {
	return StreamEvent{Type: EventTypeFull, Content: text, Usage: usage}
}

// ErrorEvent builds the failing terminal event.
func ErrorEvent(code ErrorCode, message string) StreamEvent {
	return StreamEvent{Type: EventTypeError, Code: code, Message: message}
}

// ErrorEventFrom converts any error into a terminal error event, falling back
// to PIPELINE_CRITICAL for errors without a code.
func ErrorEventFrom(err error) StreamEvent {
	return ErrorEvent(CodeOf(err), err.Error())
}

// CallRequest is the input to one Provider.Call.
type CallRequest struct {
	UserID       string
	Pool         *keypool.Pool
	ModelPool    []string
	History      []Message
	SystemPrompt string
	Config       GenerationConfig
	Stream       bool

	// Proxy is an optional proxy URL for backends that honor one.
	Proxy string
	// BaseURL overrides the backend endpoint for OpenAI-compatible hosts.
	BaseURL string
	// SharedKey is the anonymous credential for shared-compute backends.
	SharedKey string
}

// CallResult is the output of one Provider.Call. For streaming calls Events
// is non-nil and Content is empty; for non-streaming calls the reverse holds.
type CallResult struct {
	Content   string
	ModelUsed string
	Usage     *TokenUsage
	Events    <-chan StreamEvent
}

// EstimateTokens returns a rough token estimate for the provided text.
// Deliberately a character heuristic, not a tokenizer: roughly one token per
// two characters, which overshoots for English and holds for CJK. The
// context budget in consts is tuned against this estimate.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / 2))
}

// EstimateMessageTokens returns the token estimate for one message.
func EstimateMessageTokens(msg Message) int {
	return EstimateTokens(msg.Content)
}
