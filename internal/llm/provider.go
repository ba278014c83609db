package llm

import (
	"context"
	"sort"
)

// Provider abstracts one backend family's call semantics. Implementations are
// stateless; constructing one per call is cheap and expected. A Provider
// iterates the credential pool itself and reports per-credential success and
// failure into it, but never owns the pool's lifecycle.
type Provider interface {
	// Name returns the registry name of the provider.
	Name() string

	// Call issues one generation request. Streaming calls return a CallResult
	// whose Events channel yields chunks followed by exactly one terminal
	// event, then closes. The terminal event is either a content-less full
	// event carrying usage or an error event; accumulating chunk text into
	// the consumer-facing full event is the orchestrator's job.
	// Non-streaming calls return the complete content directly.
	Call(ctx context.Context, req *CallRequest) (*CallResult, error)
}

// Provider registry names.
const (
	ProviderGemini           = "google_gemini"
	ProviderKoboldHorde      = "koboldai_horde"
	ProviderOpenAICompatible = "openai_compatible"
	ProviderAnthropic        = "anthropic"
)

var providerRegistry = map[string]func() Provider{
	ProviderGemini:           func() Provider { return NewGeminiProvider() },
	ProviderKoboldHorde:      func() Provider { return NewHordeProvider() },
	ProviderOpenAICompatible: func() Provider { return NewOpenAICompatProvider() },
	ProviderAnthropic:        func() Provider { return NewAnthropicProvider() },
}

// NewProvider resolves a registered provider by name. Unknown names fail with
// UNKNOWN_PROVIDER before any network I/O happens.
func NewProvider(name string) (Provider, error) {
	ctor, ok := providerRegistry[name]
	if !ok {
		return nil, Coded(CodeUnknownProvider, "unknown LLM provider: %s", name)
	}
	return ctor(), nil
}

// RegisteredProviders lists the known provider names, sorted.
func RegisteredProviders() []string {
	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
