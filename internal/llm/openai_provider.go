package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/plauderkasten/internal/keypool"
	"github.com/codefionn/plauderkasten/internal/logger"
	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

const openAICompatDefaultBaseURL = "https://api.openai.com/v1"

// OpenAICompatProvider implements Provider for OpenAI-compatible hosts. The
// base URL comes from the request, so the same provider serves api.openai.com
// and self-hosted compatible servers.
type OpenAICompatProvider struct {
	log *logger.Logger
}

// NewOpenAICompatProvider creates an OpenAI-compatible provider.
func NewOpenAICompatProvider() *OpenAICompatProvider {
	return &OpenAICompatProvider{log: logger.Global().WithPrefix("openai")}
}

func (p *OpenAICompatProvider) Name() string {
	return ProviderOpenAICompatible
}

func (p *OpenAICompatProvider) Call(ctx context.Context, req *CallRequest) (*CallResult, error) {
	if req.Pool == nil || req.Pool.Len() == 0 {
		return nil, Coded(CodeAPIKeyRequired, "openai-compatible call requires at least one API key")
	}
	if len(req.ModelPool) == 0 {
		return nil, Coded(CodeAllServicesFailed, "openai-compatible call requires a non-empty model pool")
	}

	indices := req.Pool.AvailableIndices()
	if len(indices) == 0 {
		return nil, Coded(CodeAllKeysCooling, "all OpenAI-compatible API keys are cooling down")
	}

	baseURL := strings.TrimSpace(req.BaseURL)
	if baseURL == "" {
		baseURL = openAICompatDefaultBaseURL
	}

	var lastErr error
	for _, model := range req.ModelPool {
		for _, idx := range indices {
			req.Pool.Configure(idx)
			client := newOpenAIClient(req.Pool.Key(idx), baseURL, req.Proxy)

			result, err := p.attempt(ctx, client, model, req, idx)
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

	return nil, CodedWrap(CodeAllServicesFailed, lastErr, "all OpenAI-compatible models and API keys failed")
}

func newOpenAIClient(apiKey, baseURL, proxy string) openai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		// Retrying is the credential pool's job, not the SDK's.
		option.WithMaxRetries(0),
	}
	if httpClient, err := proxyHTTPClient(proxy); err == nil && httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return openai.NewClient(opts...)
}

func (p *OpenAICompatProvider) attempt(ctx context.Context, client openai.Client, model string, req *CallRequest, keyIdx int) (*CallResult, error) {
	params := openAIChatParams(model, req)

	if !req.Stream {
		resp, err := client.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, openAIError(err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("openai completion returned no choices")
		}
		req.Pool.ReportSuccess(keyIdx)
		return &CallResult{
			Content:   resp.Choices[0].Message.Content,
			ModelUsed: model,
			Usage: &TokenUsage{
				PromptTokens:     int(resp.Usage.PromptTokens),
				CompletionTokens: int(resp.Usage.CompletionTokens),
				TotalTokens:      int(resp.Usage.TotalTokens),
			},
		}, nil
	}

	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}
	stream := client.Chat.Completions.NewStreaming(ctx, params)

	// Pull the first chunk before handing the stream over so auth and
	// connection failures still drive credential failover.
	if !stream.Next() {
		err := stream.Err()
		stream.Close()
		if err != nil {
			return nil, openAIError(err)
		}
		// Stream opened and immediately ended. Valid, just empty.
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

func (p *OpenAICompatProvider) forwardStream(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], events chan<- StreamEvent) {
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

	var usage *TokenUsage
	for {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			usage = &TokenUsage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
		if len(chunk.Choices) > 0 {
			if text := chunk.Choices[0].Delta.Content; text != "" {
				if !emit(ChunkEvent(text)) {
					return
				}
			}
		}
		if !stream.Next() {
			break
		}
	}
	if err := stream.Err(); err != nil {
		emit(ErrorEventFrom(fmt.Errorf("openai stream failed: %w", err)))
		return
	}
	emit(StreamEvent{Type: EventTypeFull, Usage: usage})
}

func openAIChatParams(model string, req *CallRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, msg := range req.History {
		if msg.Content == "" {
			continue
		}
		if msg.Role == RoleModel {
			messages = append(messages, openai.AssistantMessage(msg.Content))
		} else {
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.Config.Temperature > 0 {
		params.Temperature = openai.Float(req.Config.Temperature)
	}
	if req.Config.TopP > 0 {
		params.TopP = openai.Float(req.Config.TopP)
	}
	if req.Config.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.Config.MaxOutputTokens))
	}
	return params
}

// openAIError maps content-policy rejections onto the safety code so the
// caller stops retrying; everything else stays a plain wrapped error.
func openAIError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "content_policy") || strings.Contains(msg, "content management policy") {
		return CodedWrap(CodeSafetyBlocked, err, "request blocked by content policy")
	}
	return fmt.Errorf("openai completion failed: %w", err)
}

// OpenAIModelLister lists models from an OpenAI-compatible host. Satisfies
// keypool.ModelLister.
type OpenAIModelLister struct {
	BaseURL string
	Proxy   string
}

// NewOpenAIModelLister creates a lister for the given host; an empty base URL
// targets api.openai.com.
func NewOpenAIModelLister(baseURL string) *OpenAIModelLister {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = openAICompatDefaultBaseURL
	}
	return &OpenAIModelLister{BaseURL: baseURL}
}

// ListModels fetches the model catalog visible to apiKey. OpenAI-compatible
// listings carry no capability metadata, so every model is reported as
// generation-capable.
func (l *OpenAIModelLister) ListModels(ctx context.Context, apiKey string) ([]keypool.ModelInfo, error) {
	client := newOpenAIClient(apiKey, l.BaseURL, l.Proxy)

	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	var models []keypool.ModelInfo
	for page != nil {
		for _, m := range page.Data {
			models = append(models, keypool.ModelInfo{
				Name:        m.ID,
				DisplayName: m.ID,
				Methods:     []string{"generateContent"},
			})
		}
		page, err = page.GetNextPage()
		if err != nil {
			return nil, fmt.Errorf("failed to list models: %w", err)
		}
	}
	return models, nil
}
