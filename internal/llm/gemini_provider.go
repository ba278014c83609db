package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/codefionn/plauderkasten/internal/keypool"
	"github.com/codefionn/plauderkasten/internal/logger"
	genai "google.golang.org/genai"
)

const geminiListModelsURL = "https://generativelanguage.googleapis.com/v1beta/models"

// GeminiProvider implements Provider for the Google Gemini API. It iterates
// model x available-credential in nested order, activating each credential
// before the call and reporting the outcome back into the pool.
type GeminiProvider struct {
	log *logger.Logger
}

// NewGeminiProvider creates a Gemini provider.
func NewGeminiProvider() *GeminiProvider {
	return &GeminiProvider{log: logger.Global().WithPrefix("gemini")}
}

func (p *GeminiProvider) Name() string {
	return ProviderGemini
}

func (p *GeminiProvider) Call(ctx context.Context, req *CallRequest) (*CallResult, error) {
	if req.Pool == nil || req.Pool.Len() == 0 {
		return nil, Coded(CodeAPIKeyRequired, "gemini call requires at least one API key")
	}
	if len(req.ModelPool) == 0 {
		return nil, Coded(CodeAllServicesFailed, "gemini call requires a non-empty model pool")
	}

	indices := req.Pool.AvailableIndices()
	if len(indices) == 0 {
		return nil, Coded(CodeAllKeysCooling, "all Gemini API keys are cooling down")
	}

	httpClient, err := proxyHTTPClient(req.Proxy)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, model := range req.ModelPool {
		modelName := normalizeGeminiModelName(model)
		for _, idx := range indices {
			req.Pool.Configure(idx)

			client, err := newGeminiClient(ctx, req.Pool.Key(idx), httpClient)
			if err != nil {
				lastErr = err
				req.Pool.ReportFailure(idx)
				continue
			}

			result, err := p.attempt(ctx, client, modelName, req, idx)
			if err == nil {
				return result, nil
			}
			if IsCode(err, CodeSafetyBlocked) {
				// Content is the problem, not the credential: terminal.
				return nil, err
			}
			lastErr = err
			p.log.Warn("call failed, model %q key index %d: %v", modelName, idx, err)
			req.Pool.ReportFailure(idx)
		}
	}

	return nil, CodedWrap(CodeAllServicesFailed, lastErr, "all Gemini models and API keys failed")
}

func (p *GeminiProvider) attempt(ctx context.Context, client *genai.Client, model string, req *CallRequest, keyIdx int) (*CallResult, error) {
	contents := geminiHistory(req.History)
	cfg := geminiGenerateConfig(req)

	if !req.Stream {
		resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
		if err != nil {
			return nil, fmt.Errorf("gemini completion failed: %w", err)
		}
		if err := geminiBlockError(resp); err != nil {
			return nil, err
		}
		req.Pool.ReportSuccess(keyIdx)
		return &CallResult{
			Content:   geminiResponseText(resp),
			ModelUsed: model,
			Usage:     geminiUsage(resp),
		}, nil
	}

	stream := client.Models.GenerateContentStream(ctx, model, contents, cfg)
	events, err := p.openStream(ctx, stream, req.Pool, keyIdx)
	if err != nil {
		return nil, err
	}
	return &CallResult{Events: events, ModelUsed: model}, nil
}

// openStream pulls the first item synchronously so that connection and auth
// failures still participate in credential failover, then forwards the rest
// of the stream on a channel. The channel carries chunks followed by one
// terminal event (a content-less full event with usage, or an error) and is
// then closed.
func (p *GeminiProvider) openStream(ctx context.Context, stream iter.Seq2[*genai.GenerateContentResponse, error], pool *keypool.Pool, keyIdx int) (<-chan StreamEvent, error) {
	next, stop := iter.Pull2(stream)

	first, firstErr, valid := next()
	if firstErr != nil {
		stop()
		return nil, fmt.Errorf("gemini stream failed: %w", firstErr)
	}
	if valid {
		if err := geminiBlockError(first); err != nil {
			stop()
			return nil, err
		}
	}
	pool.ReportSuccess(keyIdx)

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer stop()

		var usage *TokenUsage
		emit := func(ev StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		resp, err, ok := first, error(nil), valid
		for ok {
			if u := geminiUsage(resp); u != nil {
				usage = u
			}
			if text := geminiResponseText(resp); strings.TrimSpace(text) != "" {
				if !emit(ChunkEvent(text)) {
					return
				}
			}
			resp, err, ok = next()
			if err != nil {
				emit(ErrorEventFrom(fmt.Errorf("gemini stream failed: %w", err)))
				return
			}
		}
		emit(StreamEvent{Type: EventTypeFull, Usage: usage})
	}()

	return events, nil
}

func newGeminiClient(ctx context.Context, apiKey string, httpClient *http.Client) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return client, nil
}

func geminiHistory(history []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		if msg.Content == "" {
			continue
		}
		role := genai.Role(genai.RoleUser)
		if msg.Role == RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return contents
}

func geminiGenerateConfig(req *CallRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Config.Temperature > 0 {
		temp := float32(req.Config.Temperature)
		cfg.Temperature = &temp
	}
	if req.Config.TopP > 0 {
		topP := float32(req.Config.TopP)
		cfg.TopP = &topP
	}
	if req.Config.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Config.MaxOutputTokens)
	}

	// Moderation is handled upstream of this service; relax the built-in
	// filters so the backend reports blocks instead of silently truncating.
	cfg.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
	}

	return cfg
}

func geminiBlockError(resp *genai.GenerateContentResponse) error {
	if resp == nil {
		return nil
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return Coded(CodeSafetyBlocked, "prompt blocked by safety filter: %s", resp.PromptFeedback.BlockReason)
	}
	for _, candidate := range resp.Candidates {
		if candidate != nil && candidate.FinishReason == genai.FinishReasonSafety {
			return Coded(CodeSafetyBlocked, "response blocked by safety filter")
		}
	}
	return nil
}

func geminiResponseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

func geminiUsage(resp *genai.GenerateContentResponse) *TokenUsage {
	if resp == nil || resp.UsageMetadata == nil {
		return nil
	}
	return &TokenUsage{
		PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
		CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
	}
}

func normalizeGeminiModelName(modelName string) string {
	trimmed := strings.TrimSpace(modelName)
	if trimmed == "" {
		return "models/gemini-2.0-flash"
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "models/") {
		return trimmed
	}
	return "models/" + trimmed
}

func proxyHTTPClient(proxyURL string) (*http.Client, error) {
	if strings.TrimSpace(proxyURL) == "" {
		return nil, nil
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %q: %w", proxyURL, err)
	}
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(parsed)},
	}, nil
}

// GeminiModelLister lists the models a Gemini API key grants access to.
// Satisfies keypool.ModelLister.
type GeminiModelLister struct {
	BaseURL string
	Client  *http.Client
}

// NewGeminiModelLister creates a lister against the public Gemini endpoint.
func NewGeminiModelLister() *GeminiModelLister {
	return &GeminiModelLister{
		BaseURL: geminiListModelsURL,
		Client:  &http.Client{},
	}
}

type geminiModelsList struct {
	Models []geminiModelData `json:"models"`
}

type geminiModelData struct {
	Name                       string   `json:"name"`
	DisplayName                string   `json:"displayName"`
	Description                string   `json:"description"`
	InputTokenLimit            int      `json:"inputTokenLimit"`
	OutputTokenLimit           int      `json:"outputTokenLimit"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

// ListModels fetches the model catalog visible to apiKey.
func (l *GeminiModelLister) ListModels(ctx context.Context, apiKey string) ([]keypool.ModelInfo, error) {
	endpoint := l.BaseURL + "?pageSize=1000"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var list geminiModelsList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	models := make([]keypool.ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, keypool.ModelInfo{
			Name:             m.Name,
			DisplayName:      m.DisplayName,
			Description:      m.Description,
			InputTokenLimit:  m.InputTokenLimit,
			OutputTokenLimit: m.OutputTokenLimit,
			Methods:          m.SupportedGenerationMethods,
		})
	}
	return models, nil
}
