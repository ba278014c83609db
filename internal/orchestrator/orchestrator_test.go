package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/codefionn/plauderkasten/internal/config"
	"github.com/codefionn/plauderkasten/internal/keypool"
	"github.com/codefionn/plauderkasten/internal/llm"
)

// fakeProvider satisfies llm.Provider and feeds a scripted event stream.
type fakeProvider struct {
	name      string
	calls     atomic.Int32
	events    []llm.StreamEvent
	callErr   error
	panicking bool
	modelUsed string
	// resume, when set, gates every event after the first so a test can
	// order its own actions between chunks.
	resume <-chan struct{}
	// lastReq captures the request for assertions.
	lastReq *llm.CallRequest
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Call(ctx context.Context, req *llm.CallRequest) (*llm.CallResult, error) {
	f.calls.Add(1)
	f.lastReq = req
	if f.panicking {
		panic("scripted provider panic")
	}
	if f.callErr != nil {
		return nil, f.callErr
	}

	events := make(chan llm.StreamEvent)
	go func() {
		defer close(events)
		for i, ev := range f.events {
			if i > 0 && f.resume != nil {
				select {
				case <-f.resume:
				case <-ctx.Done():
					return
				}
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	model := f.modelUsed
	if model == "" && len(req.ModelPool) > 0 {
		model = req.ModelPool[0]
	}
	return &llm.CallResult{Events: events, ModelUsed: model}, nil
}

func writeDoc(t *testing.T, root, dir, name, body string) {
	t.Helper()
	path := filepath.Join(root, dir, name+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

const testUserDoc = `{
	"api_keys": ["key-1", "key-2"],
	"preset": "story",
	"active_modules": {"story": ["main"]},
	"llm_service_config": {"provider": "google_gemini"}
}`

const testPresetDoc = `{
	"temperature": 0.7,
	"top_p": 0.95,
	"prompts": [{"identifier": "main", "content": "You are a storyteller."}]
}`

// newTestOrchestrator builds an orchestrator over a populated config store
// with the given fake provider wired in.
func newTestOrchestrator(t *testing.T, fake *fakeProvider) *Orchestrator {
	t.Helper()
	root := t.TempDir()
	writeDoc(t, root, "users", "u1", testUserDoc)
	writeDoc(t, root, "presets", "story", testPresetDoc)

	store, err := config.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	o := New(store)
	t.Cleanup(o.Close)
	if fake != nil {
		o.newProvider = func(name string) (llm.Provider, error) {
			return fake, nil
		}
	}
	return o
}

// markModelsChecked marks the user's pool as verified so generation passes
// the MODELS_NOT_CHECKED precondition.
func markModelsChecked(o *Orchestrator, userID string, keys []string) {
	pool := o.pools.Get(userID, keys)
	pool.SetVerifiedModels([]keypool.ModelInfo{
		{Name: "models/gemini-1.5-pro", DisplayName: "Pro", Methods: []string{"generateContent"}},
	})
}

func drain(t *testing.T, events <-chan llm.StreamEvent) []llm.StreamEvent {
	t.Helper()
	var got []llm.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) == 0 {
		t.Fatal("stream closed without any event")
	}
	last := got[len(got)-1]
	if !last.IsTerminal() {
		t.Fatalf("stream did not end with a terminal event: %+v", last)
	}
	for _, ev := range got[:len(got)-1] {
		if ev.IsTerminal() {
			t.Fatalf("terminal event before end of stream: %+v", ev)
		}
	}
	return got
}

func TestGenerateRequiresAPIKey(t *testing.T) {
	fake := &fakeProvider{name: llm.ProviderGemini}
	o := newTestOrchestrator(t, fake)

	// A user that never saved a config has no keys.
	got := drain(t, o.Generate(context.Background(), &Request{UserID: "nobody", UserText: "hi"}))
	if len(got) != 1 || got[0].Code != llm.CodeAPIKeyRequired {
		t.Fatalf("expected lone API_KEY_REQUIRED event, got %+v", got)
	}
	if fake.calls.Load() != 0 {
		t.Fatal("provider must not be called without keys")
	}
}

func TestGenerateWithoutKeysEvictsStalePool(t *testing.T) {
	fake := &fakeProvider{name: llm.ProviderGemini}
	o := newTestOrchestrator(t, fake)

	// A pool cached while the user still had keys.
	markModelsChecked(o, "nobody", []string{"stale-key"})

	got := drain(t, o.Generate(context.Background(), &Request{UserID: "nobody", UserText: "hi"}))
	if got[0].Code != llm.CodeAPIKeyRequired {
		t.Fatalf("expected API_KEY_REQUIRED, got %+v", got)
	}

	// The cached pool was destroyed, not kept around with wiped-out keys.
	if o.pools.Get("nobody", []string{"stale-key"}).ModelsChecked() {
		t.Fatal("stale pool survived a keyless request")
	}
}

func TestGenerateRequiresModelCheck(t *testing.T) {
	fake := &fakeProvider{name: llm.ProviderGemini}
	o := newTestOrchestrator(t, fake)

	got := drain(t, o.Generate(context.Background(), &Request{UserID: "u1", UserText: "hi"}))
	if len(got) != 1 || got[0].Code != llm.CodeModelsNotChecked {
		t.Fatalf("expected lone MODELS_NOT_CHECKED event, got %+v", got)
	}
	if fake.calls.Load() != 0 {
		t.Fatal("provider must not be called before a model check")
	}
}

func TestGenerateInvalidPresetMakesNoProviderCalls(t *testing.T) {
	fake := &fakeProvider{name: llm.ProviderGemini}

	root := t.TempDir()
	// User points at a preset that does not exist.
	writeDoc(t, root, "users", "u1", `{
		"api_keys": ["key-1"],
		"preset": "missing",
		"llm_service_config": {"provider": "google_gemini"}
	}`)
	store, err := config.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	o := New(store)
	defer o.Close()
	o.newProvider = func(string) (llm.Provider, error) { return fake, nil }
	markModelsChecked(o, "u1", []string{"key-1"})

	got := drain(t, o.Generate(context.Background(), &Request{UserID: "u1", UserText: "hi"}))
	terminal := got[len(got)-1]
	if terminal.Code != llm.CodeInvalidPreset {
		t.Fatalf("expected INVALID_PRESET, got %+v", got)
	}
	if !strings.Contains(terminal.Message, `"missing"`) {
		t.Fatalf("error message should name the preset: %q", terminal.Message)
	}
	if fake.calls.Load() != 0 {
		t.Fatal("an invalid preset must abort before any provider call")
	}
}

func TestGenerateStreamsAndAccumulates(t *testing.T) {
	fake := &fakeProvider{
		name:      llm.ProviderGemini,
		modelUsed: "models/gemini-1.5-pro",
		events: []llm.StreamEvent{
			llm.ChunkEvent("Hel"),
			llm.ChunkEvent("lo"),
			{Type: llm.EventTypeFull, Usage: &llm.TokenUsage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}},
		},
	}
	o := newTestOrchestrator(t, fake)
	markModelsChecked(o, "u1", []string{"key-1", "key-2"})

	got := drain(t, o.Generate(context.Background(), &Request{UserID: "u1", UserText: "hi"}))
	if len(got) != 3 {
		t.Fatalf("expected 2 chunks + full, got %+v", got)
	}
	terminal := got[2]
	if terminal.Type != llm.EventTypeFull || terminal.Content != "Hello" {
		t.Fatalf("bad terminal event: %+v", terminal)
	}
	if terminal.Usage == nil || terminal.Usage.TotalTokens != 12 {
		t.Fatalf("usage lost: %+v", terminal.Usage)
	}
	if terminal.Notification != "[model: gemini-1.5-pro]" {
		t.Fatalf("notification = %q", terminal.Notification)
	}

	if fake.lastReq.SystemPrompt == "" {
		t.Fatal("system prompt missing from provider call")
	}
	if !fake.lastReq.Stream {
		t.Fatal("orchestrator must request streaming")
	}
}

func TestGenerateEmptyStreamYieldsEmptyResponse(t *testing.T) {
	fake := &fakeProvider{
		name:   llm.ProviderGemini,
		events: []llm.StreamEvent{{Type: llm.EventTypeFull}},
	}
	o := newTestOrchestrator(t, fake)
	markModelsChecked(o, "u1", []string{"key-1", "key-2"})

	got := drain(t, o.Generate(context.Background(), &Request{UserID: "u1", UserText: "hi"}))
	if got[len(got)-1].Code != llm.CodeEmptyResponse {
		t.Fatalf("expected EMPTY_RESPONSE, got %+v", got)
	}
}

func TestGenerateWhitespaceOnlyIsEmpty(t *testing.T) {
	fake := &fakeProvider{
		name: llm.ProviderGemini,
		events: []llm.StreamEvent{
			llm.ChunkEvent("  \n\t "),
			{Type: llm.EventTypeFull},
		},
	}
	o := newTestOrchestrator(t, fake)
	markModelsChecked(o, "u1", []string{"key-1", "key-2"})

	got := drain(t, o.Generate(context.Background(), &Request{UserID: "u1", UserText: "hi"}))
	if got[len(got)-1].Code != llm.CodeEmptyResponse {
		t.Fatalf("expected EMPTY_RESPONSE, got %+v", got)
	}
}

func TestGenerateCancelBetweenChunks(t *testing.T) {
	fake := &fakeProvider{
		name: llm.ProviderGemini,
		events: []llm.StreamEvent{
			llm.ChunkEvent("first"),
			llm.ChunkEvent("second"),
			{Type: llm.EventTypeFull},
		},
	}
	o := newTestOrchestrator(t, fake)
	markModelsChecked(o, "u1", []string{"key-1", "key-2"})

	// The provider holds its second chunk until the cancel channel closes,
	// so the abort is always observed between chunks.
	cancel := make(chan struct{})
	fake.resume = cancel
	events := o.Generate(context.Background(), &Request{UserID: "u1", UserText: "hi", Cancel: cancel})

	first := <-events
	if first.Content != "first" {
		t.Fatalf("first event = %+v", first)
	}
	close(cancel)

	var terminal llm.StreamEvent
	for ev := range events {
		terminal = ev
	}
	if terminal.Code != llm.CodeUserAborted {
		t.Fatalf("expected USER_ABORTED terminal, got %+v", terminal)
	}
}

func TestGenerateCancelBeforeDispatch(t *testing.T) {
	fake := &fakeProvider{name: llm.ProviderGemini}
	o := newTestOrchestrator(t, fake)
	markModelsChecked(o, "u1", []string{"key-1", "key-2"})

	cancel := make(chan struct{})
	close(cancel)

	got := drain(t, o.Generate(context.Background(), &Request{UserID: "u1", UserText: "hi", Cancel: cancel}))
	if len(got) != 1 || got[0].Code != llm.CodeUserAborted {
		t.Fatalf("expected lone USER_ABORTED event, got %+v", got)
	}
	if fake.calls.Load() != 0 {
		t.Fatal("provider must not be called after cancellation")
	}
}

func TestGenerateUnknownAction(t *testing.T) {
	fake := &fakeProvider{name: llm.ProviderGemini}
	o := newTestOrchestrator(t, fake)
	markModelsChecked(o, "u1", []string{"key-1", "key-2"})

	got := drain(t, o.Generate(context.Background(), &Request{UserID: "u1", Action: "frobnicate"}))
	if got[len(got)-1].Code != llm.CodeUnknownAction {
		t.Fatalf("expected UNKNOWN_ACTION, got %+v", got)
	}
	if fake.calls.Load() != 0 {
		t.Fatal("unknown actions must not reach the provider")
	}
}

func TestGeneratePanicBecomesPipelineCritical(t *testing.T) {
	fake := &fakeProvider{name: llm.ProviderGemini, panicking: true}
	o := newTestOrchestrator(t, fake)
	markModelsChecked(o, "u1", []string{"key-1", "key-2"})

	got := drain(t, o.Generate(context.Background(), &Request{UserID: "u1", UserText: "hi"}))
	if got[len(got)-1].Code != llm.CodePipelineCritical {
		t.Fatalf("expected PIPELINE_CRITICAL, got %+v", got)
	}
}

func TestGenerateProviderErrorPassesCodeThrough(t *testing.T) {
	fake := &fakeProvider{
		name:    llm.ProviderGemini,
		callErr: llm.Coded(llm.CodeAllServicesFailed, "everything down"),
	}
	o := newTestOrchestrator(t, fake)
	markModelsChecked(o, "u1", []string{"key-1", "key-2"})

	got := drain(t, o.Generate(context.Background(), &Request{UserID: "u1", UserText: "hi"}))
	if got[len(got)-1].Code != llm.CodeAllServicesFailed {
		t.Fatalf("expected ALL_SERVICES_FAILED, got %+v", got)
	}
}

func TestGenerateActionAppendsInstruction(t *testing.T) {
	fake := &fakeProvider{
		name: llm.ProviderGemini,
		events: []llm.StreamEvent{
			llm.ChunkEvent("more story"),
			{Type: llm.EventTypeFull},
		},
	}
	o := newTestOrchestrator(t, fake)
	markModelsChecked(o, "u1", []string{"key-1", "key-2"})

	target := llm.Message{Role: llm.RoleModel, Content: "previous reply"}
	drain(t, o.Generate(context.Background(), &Request{
		UserID:        "u1",
		Action:        ActionContinue,
		History:       []llm.Message{{Role: llm.RoleUser, Content: "once upon"}},
		TargetMessage: &target,
	}))

	req := fake.lastReq
	if req == nil {
		t.Fatal("provider never called")
	}
	// The instruction extends the assembled prompt instead of replacing it.
	if !containsAll(req.SystemPrompt, "You are a storyteller.", "# Instruction:") {
		t.Fatalf("system prompt missing base or instruction: %q", req.SystemPrompt)
	}
	last := req.History[len(req.History)-1]
	if last.Content != "previous reply" {
		t.Fatalf("target message not re-appended: %+v", req.History)
	}
}

func TestModelPoolSelection(t *testing.T) {
	o := newTestOrchestrator(t, nil)

	gemini := config.UserConfig{Service: config.LLMServiceConfig{Provider: llm.ProviderGemini}}
	pool := o.pools.Get("u-models", []string{"k"})

	// No verified models, no override: hardcoded fallback.
	got := o.modelPoolFor(gemini, pool, "")
	if len(got) != 1 || got[0] != "models/gemini-1.5-pro-latest" {
		t.Fatalf("fallback pool = %v", got)
	}

	// Verified models win over the fallback.
	pool.SetVerifiedModels([]keypool.ModelInfo{
		{Name: "models/gemini-1.5-flash", Methods: []string{"generateContent"}},
	})
	got = o.modelPoolFor(gemini, pool, "")
	if len(got) != 1 || got[0] != "models/gemini-1.5-flash" {
		t.Fatalf("verified pool = %v", got)
	}

	// An override beats everything.
	got = o.modelPoolFor(gemini, pool, "models/gemini-exp")
	if len(got) != 1 || got[0] != "models/gemini-exp" {
		t.Fatalf("override pool = %v", got)
	}

	// Horde uses its own model list.
	horde := config.UserConfig{Service: config.LLMServiceConfig{
		Provider:    llm.ProviderKoboldHorde,
		HordeModels: []string{"m1", "m2"},
	}}
	got = o.modelPoolFor(horde, pool, "")
	if len(got) != 2 || got[0] != "m1" {
		t.Fatalf("horde pool = %v", got)
	}

	// Horde with no configured models falls back to the default.
	horde.Service.HordeModels = nil
	got = o.modelPoolFor(horde, pool, "")
	if len(got) != 1 || got[0] != defaultHordeModel {
		t.Fatalf("horde default pool = %v", got)
	}
}

func TestCheckModelsVerifiesPool(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	o.listerFor = func(config.UserConfig) keypool.ModelLister {
		return listerFunc(func(ctx context.Context, apiKey string) ([]keypool.ModelInfo, error) {
			return []keypool.ModelInfo{
				{Name: "models/gemini-1.5-pro", Methods: []string{"generateContent"}},
			}, nil
		})
	}

	models, err := o.CheckModels(context.Background(), "u1")
	if err != nil {
		t.Fatalf("CheckModels: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("models = %v", models)
	}

	pool := o.pools.Get("u1", []string{"key-1", "key-2"})
	if !pool.ModelsChecked() {
		t.Fatal("pool must be marked as checked after discovery")
	}
}

func TestCheckModelsWithoutKeys(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	_, err := o.CheckModels(context.Background(), "nobody")
	if !llm.IsCode(err, llm.CodeAPIKeyRequired) {
		t.Fatalf("expected API_KEY_REQUIRED, got %v", err)
	}
}

type listerFunc func(ctx context.Context, apiKey string) ([]keypool.ModelInfo, error)

func (f listerFunc) ListModels(ctx context.Context, apiKey string) ([]keypool.ModelInfo, error) {
	return f(ctx, apiKey)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
