package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/codefionn/plauderkasten/internal/consts"
	"github.com/codefionn/plauderkasten/internal/logger"
)

const (
	hordeAPIURL        = "https://koboldai.net/api"
	hordeDefaultAPIKey = "0000000000"
)

// HordeProvider implements Provider for the KoboldAI Horde shared-compute
// network. The Horde has no per-user credential pool; everyone can ride on the
// anonymous key, so pool failover does not apply here. Streaming only.
type HordeProvider struct {
	BaseURL string
	Client  *http.Client
	log     *logger.Logger
}

// NewHordeProvider creates a Horde provider against the public endpoint.
func NewHordeProvider() *HordeProvider {
	return &HordeProvider{
		BaseURL: hordeAPIURL,
		Client:  &http.Client{Timeout: consts.HordeClientTimeout},
		log:     logger.Global().WithPrefix("horde"),
	}
}

func (p *HordeProvider) Name() string {
	return ProviderKoboldHorde
}

type hordeParams struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	MaxContextLength int     `json:"max_context_length"`
	MaxLength        int     `json:"max_length"`
}

type hordePayload struct {
	Prompt string      `json:"prompt"`
	Models []string    `json:"models,omitempty"`
	Params hordeParams `json:"params"`
	Stream bool        `json:"stream"`
}

func (p *HordeProvider) Call(ctx context.Context, req *CallRequest) (*CallResult, error) {
	if !req.Stream {
		return nil, Coded(CodeStreamingUnsupported, "KoboldAI Horde only supports streaming generation")
	}

	apiKey := req.SharedKey
	if strings.TrimSpace(apiKey) == "" {
		apiKey = hordeDefaultAPIKey
	}

	params := hordeParams{
		Temperature:      req.Config.Temperature,
		TopP:             req.Config.TopP,
		MaxContextLength: 4096,
		MaxLength:        1024,
	}
	if params.Temperature <= 0 {
		params.Temperature = consts.DefaultTemperature
	}
	if params.TopP <= 0 {
		params.TopP = consts.DefaultTopP
	}

	payload := hordePayload{
		Prompt: EncodeHordePrompt(req.SystemPrompt, req.History),
		Models: req.ModelPool,
		Params: params,
		Stream: true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode Horde payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/v2/generate/text/async", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("apikey", apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	client := p.Client
	if req.Proxy != "" {
		proxied, err := proxyHTTPClient(req.Proxy)
		if err != nil {
			return nil, err
		}
		proxied.Timeout = client.Timeout
		client = proxied
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, CodedWrap(CodeAllServicesFailed, err, "KoboldAI Horde request failed")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, Coded(CodeAllServicesFailed, "KoboldAI Horde error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	modelUsed := "Unknown Horde Model"
	if len(req.ModelPool) > 0 {
		modelUsed = req.ModelPool[0]
	}

	events := make(chan StreamEvent)
	go p.consumeStream(ctx, resp.Body, events)

	return &CallResult{Events: events, ModelUsed: modelUsed}, nil
}

type hordeStreamData struct {
	Generation *string `json:"generation,omitempty"`
	Finished   *int    `json:"finished,omitempty"`
}

func (p *HordeProvider) consumeStream(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), consts.BufferSize1MB)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var data hordeStreamData
		if err := json.Unmarshal([]byte(line[len("data: "):]), &data); err != nil {
			continue
		}
		if data.Generation != nil {
			if !emit(ChunkEvent(*data.Generation)) {
				return
			}
			continue
		}
		if data.Finished != nil {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		p.log.Error("stream read failed: %v", err)
		emit(ErrorEventFrom(CodedWrap(CodeAllServicesFailed, err, "KoboldAI Horde stream failed")))
		return
	}
	emit(StreamEvent{Type: EventTypeFull})
}

// EncodeHordePrompt flattens a system prompt and chat history into the plain
// text transcript format Horde text models expect, with a trailing "AI:" cue
// for the next completion.
func EncodeHordePrompt(systemPrompt string, history []Message) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(systemPrompt))
	sb.WriteString("\n\n")
	for _, msg := range history {
		switch msg.Role {
		case RoleUser:
			sb.WriteString("You: " + msg.Content + "\n")
		case RoleModel:
			sb.WriteString("AI: " + msg.Content + "\n")
		}
	}
	sb.WriteString("AI:")
	return sb.String()
}
