package llm

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/codefionn/plauderkasten/internal/consts"
	"github.com/codefionn/plauderkasten/internal/logger"
)

// AnthropicProvider implements Provider for the Anthropic Messages API, with
// the same nested model x credential failover loop as the other hosted
// families.
type AnthropicProvider struct {
	log *logger.Logger
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider() *AnthropicProvider {
	return &AnthropicProvider{log: logger.Global().WithPrefix("anthropic")}
}

func (p *AnthropicProvider) Name() string {
	return ProviderAnthropic
}

func (p *AnthropicProvider) Call(ctx context.Context, req *CallRequest) (*CallResult, error) {
	if req.Pool == nil || req.Pool.Len() == 0 {
		return nil, Coded(CodeAPIKeyRequired, "anthropic call requires at least one API key")
	}
	if len(req.ModelPool) == 0 {
		return nil, Coded(CodeAllServicesFailed, "anthropic call requires a non-empty model pool")
	}

	indices := req.Pool.AvailableIndices()
	if len(indices) == 0 {
		return nil, Coded(CodeAllKeysCooling, "all Anthropic API keys are cooling down")
	}

	params, err := anthropicMessageParams(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, model := range req.ModelPool {
		params.Model = anthropic.Model(model)
		for _, idx := range indices {
			req.Pool.Configure(idx)

			// Retrying is the credential pool's job, not the SDK's.
			opts := []option.RequestOption{
				option.WithAPIKey(req.Pool.Key(idx)),
				option.WithMaxRetries(0),
			}
			if httpClient, perr := proxyHTTPClient(req.Proxy); perr == nil && httpClient != nil {
				opts = append(opts, option.WithHTTPClient(httpClient))
			}
			client := anthropic.NewClient(opts...)

			result, err := p.attempt(ctx, client, params, req, model, idx)
			if err == nil {
				return result, nil
			}
			if IsCode(err, CodeSafetyBlocked) {
				return nil, err
			}
			lastErr = err
			p.log.Warn("call failed, model %q key index %d: %v", model, idx, err)
			req.Pool.ReportFailure(idx)
		}
	}

	return nil, CodedWrap(CodeAllServicesFailed, lastErr, "all Anthropic models and API keys failed")
}

func (p *AnthropicProvider) attempt(ctx context.Context, client anthropic.Client, params anthropic.MessageNewParams, req *CallRequest, model string, keyIdx int) (*CallResult, error) {
	if !req.Stream {
		msg, err := client.Messages.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("anthropic completion failed: %w", err)
		}
		if msg.StopReason == anthropic.StopReasonRefusal {
			return nil, Coded(CodeSafetyBlocked, "response refused by the model")
		}
		req.Pool.ReportSuccess(keyIdx)
		return &CallResult{
			Content:   collectAnthropicText(msg.Content),
			ModelUsed: model,
			Usage: &TokenUsage{
				PromptTokens:     int(msg.Usage.InputTokens),
				CompletionTokens: int(msg.Usage.OutputTokens),
				TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			},
		}, nil
	}

	stream := client.Messages.NewStreaming(ctx, params)
	if stream == nil {
		return nil, fmt.Errorf("anthropic stream failed: no stream returned")
	}

	// First event pulled synchronously so credential failover still applies.
	if !stream.Next() {
		err := stream.Err()
		stream.Close()
		if err != nil {
			return nil, fmt.Errorf("anthropic stream failed: %w", err)
		}
		req.Pool.ReportSuccess(keyIdx)
		events := make(chan StreamEvent, 1)
		events <- StreamEvent{Type: EventTypeFull}
		close(events)
		return &CallResult{Events: events, ModelUsed: model}, nil
	}
	req.Pool.ReportSuccess(keyIdx)

	events := make(chan StreamEvent)
	go p.forwardStream(ctx, stream, events)
	return &CallResult{Events: events, ModelUsed: model}, nil
}

func (p *AnthropicProvider) forwardStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- StreamEvent) {
	defer close(events)
	defer stream.Close()

	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	usage := &TokenUsage{}
	for {
		switch event := stream.Current().AsAny().(type) {
		case anthropic.MessageStartEvent:
			usage.PromptTokens = int(event.Message.Usage.InputTokens)
		case anthropic.MessageDeltaEvent:
			usage.CompletionTokens = int(event.Usage.OutputTokens)
		case anthropic.ContentBlockDeltaEvent:
			if textDelta, ok := event.Delta.AsAny().(anthropic.TextDelta); ok && textDelta.Text != "" {
				if !emit(ChunkEvent(textDelta.Text)) {
					return
				}
			}
		}
		if !stream.Next() {
			break
		}
	}
	if err := stream.Err(); err != nil {
		emit(ErrorEventFrom(fmt.Errorf("anthropic stream failed: %w", err)))
		return
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	emit(StreamEvent{Type: EventTypeFull, Usage: usage})
}

func anthropicMessageParams(req *CallRequest) (anthropic.MessageNewParams, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.History))
	for _, msg := range req.History {
		if msg.Content == "" {
			continue
		}
		role := anthropic.MessageParamRoleUser
		if msg.Role == RoleModel {
			role = anthropic.MessageParamRoleAssistant
		}
		messages = append(messages, anthropic.MessageParam{
			Role:    role,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
		})
	}
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic completion requires at least one user or assistant message")
	}

	maxTokens := req.Config.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = consts.DefaultMaxOutputTokens
	}

	params := anthropic.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Config.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Config.Temperature)
	}
	if req.Config.TopP > 0 {
		params.TopP = anthropic.Float(req.Config.TopP)
	}
	return params, nil
}

func collectAnthropicText(blocks []anthropic.ContentBlockUnion) string {
	var sb strings.Builder
	for _, block := range blocks {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	return sb.String()
}
