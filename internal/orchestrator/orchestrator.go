// Package orchestrator drives one generation request end to end: config
// resolution, precondition checks, prompt assembly, history truncation,
// provider dispatch and stream normalization.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/plauderkasten/internal/config"
	"github.com/codefionn/plauderkasten/internal/consts"
	"github.com/codefionn/plauderkasten/internal/keypool"
	"github.com/codefionn/plauderkasten/internal/llm"
	"github.com/codefionn/plauderkasten/internal/logger"
	"github.com/codefionn/plauderkasten/internal/prompt"
)

// Request actions.
const (
	ActionNew               = "new"
	ActionRewrite           = "rewrite"
	ActionContinue          = "continue"
	ActionRegenerateOptions = "regenerate_options"
)

const defaultHordeModel = "Chronos-Hermes-13b"

// Request describes one generation run.
type Request struct {
	UserID   string
	UserText string
	History  []llm.Message
	// Action is one of the Action constants; empty means ActionNew.
	Action string
	// ModelOverride forces a specific model for this request only.
	ModelOverride string
	// TargetMessage is the message an action operates on (continue and
	// regenerate_options re-append it to the history).
	TargetMessage *llm.Message
	// Cancel aborts the run; checked before dispatch and at every chunk
	// boundary.
	Cancel <-chan struct{}
}

// Orchestrator owns the long-lived collaborators a generation run needs.
type Orchestrator struct {
	store     *config.Store
	pools     *PoolRegistry
	assembler *prompt.Assembler
	log       *logger.Logger

	// newProvider is swappable for tests.
	newProvider func(name string) (llm.Provider, error)
	// listerFor returns the model lister used by CheckModels.
	listerFor func(cfg config.UserConfig) keypool.ModelLister
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithProviderFactory replaces how provider names resolve to providers.
func WithProviderFactory(f func(name string) (llm.Provider, error)) Option {
	return func(o *Orchestrator) { o.newProvider = f }
}

// WithModelLister replaces the lister used by CheckModels.
func WithModelLister(f func(cfg config.UserConfig) keypool.ModelLister) Option {
	return func(o *Orchestrator) { o.listerFor = f }
}

// New creates an orchestrator over the given config store.
func New(store *config.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		pools:       NewPoolRegistry(),
		assembler:   prompt.NewAssembler(),
		log:         logger.Global().WithPrefix("orchestrator"),
		newProvider: llm.NewProvider,
		listerFor: func(config.UserConfig) keypool.ModelLister {
			return llm.NewGeminiModelLister()
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Close releases the cached credential pools.
func (o *Orchestrator) Close() {
	o.pools.Close()
}

// Generate runs one request and returns its event stream. The stream always
// carries zero or more chunk events followed by exactly one terminal event,
// then closes, no matter how the run fails.
func (o *Orchestrator) Generate(ctx context.Context, req *Request) <-chan llm.StreamEvent {
	events := make(chan llm.StreamEvent, 1)
	go func() {
		defer close(events)
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("generation panicked for user %s: %v", req.UserID, r)
				events <- llm.ErrorEvent(llm.CodePipelineCritical, "unexpected internal error during generation")
			}
		}()
		o.run(ctx, req, events)
	}()
	return events
}

func (o *Orchestrator) run(ctx context.Context, req *Request, events chan<- llm.StreamEvent) {
	action := req.Action
	if action == "" {
		action = ActionNew
	}
	o.log.Info("starting generation for user %s, action %s", req.UserID, action)

	userCfg := o.store.User(req.UserID)
	providerName := userCfg.Service.Provider
	isGemini := providerName == llm.ProviderGemini

	// Preconditions, checked before any network I/O.
	if isGemini && len(userCfg.APIKeys) == 0 {
		// Evict any pool built from since-removed keys so their secrets
		// get wiped.
		o.pools.Drop(req.UserID)
		events <- llm.ErrorEvent(llm.CodeAPIKeyRequired, "generation requires an API key; add one in settings and connect")
		return
	}
	pool := o.pools.Get(req.UserID, userCfg.APIKeys)
	if isGemini && !pool.ModelsChecked() {
		events <- llm.ErrorEvent(llm.CodeModelsNotChecked, "models were never verified; run a model check first")
		return
	}
	if cancelled(req.Cancel) {
		events <- llm.ErrorEvent(llm.CodeUserAborted, "generation aborted by user")
		return
	}

	history := append([]llm.Message(nil), req.History...)

	systemPrompt, err := o.systemPromptFor(req, userCfg, action)
	if err != nil {
		events <- llm.ErrorEventFrom(err)
		return
	}
	if strings.TrimSpace(systemPrompt) == "" {
		events <- llm.ErrorEvent(llm.CodeInvalidPreset, fmt.Sprintf("active preset %q is invalid or renders empty", userCfg.Preset))
		return
	}

	switch action {
	case ActionNew:
		if req.UserText != "" {
			history = append(history, llm.Message{Role: llm.RoleUser, Content: req.UserText})
		}
	case ActionContinue, ActionRegenerateOptions:
		if req.TargetMessage != nil {
			history = append(history, *req.TargetMessage)
		}
	}

	modelPool := o.modelPoolFor(userCfg, pool, req.ModelOverride)
	history = prompt.TruncateHistory(systemPrompt, history, consts.MaxContextTokens)

	genCfg := llm.GenerationConfig{
		Temperature:     consts.DefaultTemperature,
		TopP:            consts.DefaultTopP,
		MaxOutputTokens: userCfg.MaxTokens,
	}
	if preset, ok := o.store.Preset(userCfg.Preset); ok {
		if preset.Temperature > 0 {
			genCfg.Temperature = preset.Temperature
		}
		if preset.TopP > 0 {
			genCfg.TopP = preset.TopP
		}
	}

	provider, err := o.newProvider(providerName)
	if err != nil {
		events <- llm.ErrorEventFrom(err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, consts.GenerationTimeout)
	defer cancel()
	if req.Cancel != nil {
		go func() {
			select {
			case <-req.Cancel:
				cancel()
			case <-callCtx.Done():
			}
		}()
	}

	result, err := provider.Call(callCtx, &llm.CallRequest{
		UserID:       req.UserID,
		Pool:         pool,
		ModelPool:    modelPool,
		History:      history,
		SystemPrompt: systemPrompt,
		Config:       genCfg,
		Stream:       true,
		Proxy:        userCfg.Service.Proxy,
		BaseURL:      userCfg.Service.BaseURL,
		SharedKey:    userCfg.Service.SharedKey,
	})
	if err != nil {
		o.log.Error("provider call failed for user %s: %v", req.UserID, err)
		events <- llm.ErrorEventFrom(err)
		return
	}

	notification := modelNotification(result.ModelUsed, providerName, isGemini)
	o.forward(req, result.Events, notification, events)
}

// forward normalizes the provider stream into the consumer-facing one:
// chunks pass through in order, text accumulates for the terminal full event,
// and cancellation is honored at every chunk boundary.
func (o *Orchestrator) forward(req *Request, upstream <-chan llm.StreamEvent, notification string, events chan<- llm.StreamEvent) {
	var full strings.Builder
	var usage *llm.TokenUsage

	for ev := range upstream {
		if cancelled(req.Cancel) {
			o.log.Info("generation stopped by user %s", req.UserID)
			events <- llm.ErrorEvent(llm.CodeUserAborted, "generation aborted by user")
			return
		}

		switch ev.Type {
		case llm.EventTypeChunk:
			full.WriteString(ev.Content)
			events <- ev
		case llm.EventTypeError:
			events <- ev
			return
		case llm.EventTypeFull:
			if ev.Usage != nil {
				usage = ev.Usage
			}
			text := strings.TrimSpace(full.String())
			if text == "" {
				o.log.Warn("generation for user %s produced no content", req.UserID)
				events <- llm.ErrorEvent(llm.CodeEmptyResponse, "the model generated no usable content")
				return
			}
			terminal := llm.FullEvent(text, usage)
			terminal.Notification = notification
			events <- terminal
			return
		}
	}

	// Upstream closed without a terminal event. Treat like an empty run so
	// the consumer still sees a well-formed stream.
	text := strings.TrimSpace(full.String())
	if text == "" {
		events <- llm.ErrorEvent(llm.CodeEmptyResponse, "the model generated no usable content")
		return
	}
	terminal := llm.FullEvent(text, usage)
	terminal.Notification = notification
	events <- terminal
}

// systemPromptFor builds the base system prompt and appends the action
// instruction for non-new actions.
func (o *Orchestrator) systemPromptFor(req *Request, userCfg config.UserConfig, action string) (string, error) {
	base := o.buildSystemPrompt(userCfg)

	switch action {
	case ActionNew:
		return base, nil
	case ActionRewrite:
		return base + "\n\n# Instruction:\nRegenerate your previous reply. Provide a different but equally fitting response that stays in character.", nil
	case ActionContinue:
		return base + "\n\n# Instruction:\nContinue from the end of your previous reply, expanding the content or developing the plot.", nil
	case ActionRegenerateOptions:
		return base + "\n\n# Instruction:\nOffer three different, concise options for how the story could continue.", nil
	default:
		return "", llm.Coded(llm.CodeUnknownAction, "unknown message action: %q", action)
	}
}

// buildSystemPrompt resolves the user's preset, character, persona and world
// books into the assembled system prompt. A missing preset yields "" which
// the caller surfaces as INVALID_PRESET.
func (o *Orchestrator) buildSystemPrompt(userCfg config.UserConfig) string {
	preset, ok := o.store.Preset(userCfg.Preset)
	if !ok {
		o.log.Error("preset %q not found", userCfg.Preset)
		return ""
	}

	charCard, _ := o.store.Character(userCfg.ActiveCharacter)
	if charCard.Name == "" {
		charCard.Name = consts.DefaultCharacterName
	}

	var persona config.CharacterCard
	if userCfg.UserPersona != "" && userCfg.UserPersona != consts.DefaultPersonaName {
		persona, _ = o.store.Character(userCfg.UserPersona)
	}
	personaName := persona.Name
	if personaName == "" {
		personaName = consts.DefaultPersonaName
	}

	worldInfo := o.loadWorldInfo(charCard.LinkedWorlds, userCfg.WorldInfo)

	ctx := prompt.Context{
		prompt.KeyChar:               charCard.Name,
		prompt.KeyUser:               personaName,
		prompt.KeyDescription:        charCard.Description,
		prompt.KeyPersonality:        charCard.Personality,
		prompt.KeyScenario:           charCard.FirstMes,
		prompt.KeyWorldInfo:          worldInfo,
		prompt.KeyPersonaDescription: persona.Description,
		prompt.KeyDialogueExamples:   charCard.MesExample,
	}

	active := userCfg.ActiveModules[userCfg.Preset]
	modules := make([]prompt.Module, 0, len(preset.Prompts))
	for _, m := range preset.OrderedModules(active) {
		modules = append(modules, prompt.Module{
			Identifier: m.Identifier,
			Marker:     m.Marker,
			Content:    m.Content,
		})
	}

	return o.assembler.Assemble(modules, ctx)
}

// loadWorldInfo flattens the union of the linked world books into lore lines.
func (o *Orchestrator) loadWorldInfo(linked, selected []string) string {
	seen := make(map[string]bool)
	var lines []string
	for _, name := range append(append([]string(nil), linked...), selected...) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		world, ok := o.store.World(name)
		if !ok {
			continue
		}
		for _, entry := range world.Entries {
			if entry.Content != "" {
				lines = append(lines, "- "+entry.Content)
			}
		}
	}
	return strings.Join(lines, "\n")
}

// modelPoolFor selects the candidate models for this run: the Horde pool for
// the Horde provider, otherwise override, then verified models, then the
// hardcoded fallback.
func (o *Orchestrator) modelPoolFor(userCfg config.UserConfig, pool *keypool.Pool, override string) []string {
	if userCfg.Service.Provider == llm.ProviderKoboldHorde {
		if len(userCfg.Service.HordeModels) > 0 {
			return userCfg.Service.HordeModels
		}
		return []string{defaultHordeModel}
	}

	if override == "" {
		override = userCfg.ModelOverride
	}
	if override != "" {
		return []string{override}
	}
	if verified := pool.VerifiedModelNames(); len(verified) > 0 {
		return verified
	}
	return []string{consts.FallbackGeminiModel}
}

// modelNotification renders the terminal event's model tag: the short model
// name for hosted Gemini, the provider name otherwise.
func modelNotification(modelUsed, providerName string, isGemini bool) string {
	name := providerName
	if isGemini {
		if i := strings.LastIndex(modelUsed, "/"); i >= 0 {
			name = modelUsed[i+1:]
		} else {
			name = modelUsed
		}
	}
	return "[model: " + name + "]"
}

// PresetNames lists the presets available to pick from.
func (o *Orchestrator) PresetNames() []string {
	return o.store.PresetNames()
}

// CheckModels verifies the user's credentials by running model discovery and
// returns the verified catalog.
func (o *Orchestrator) CheckModels(ctx context.Context, userID string) ([]keypool.ModelInfo, error) {
	userCfg := o.store.User(userID)
	if len(userCfg.APIKeys) == 0 {
		o.pools.Drop(userID)
		return nil, llm.Coded(llm.CodeAPIKeyRequired, "model check requires at least one API key")
	}

	pool := o.pools.Get(userID, userCfg.APIKeys)
	models, err := pool.DiscoverModels(ctx, o.listerFor(userCfg), consts.ModelDiscoveryTimeout)
	if err != nil {
		return nil, llm.CodedWrap(llm.CodeAllServicesFailed, err, "model discovery failed for every key")
	}
	return models, nil
}

func cancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}
