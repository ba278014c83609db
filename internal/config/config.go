// Package config loads the per-user JSON documents that drive generation:
// user settings, presets, character cards and world books.
package config

import (
	"github.com/codefionn/plauderkasten/internal/consts"
)

// LLMServiceConfig selects and parameterizes the backend family for a user.
type LLMServiceConfig struct {
	Provider string `json:"provider"`
	// Proxy is an optional outbound proxy URL.
	Proxy string `json:"proxy,omitempty"`
	// BaseURL overrides the endpoint for OpenAI-compatible hosts.
	BaseURL string `json:"base_url,omitempty"`
	// SharedKey is the anonymous credential for shared-compute backends.
	SharedKey string `json:"shared_key,omitempty"`
	// HordeModels is the model pool used when Provider is koboldai_horde.
	HordeModels []string `json:"horde_models,omitempty"`
}

// UserConfig is one user's settings document.
type UserConfig struct {
	APIKeys         []string         `json:"api_keys"`
	Service         LLMServiceConfig `json:"llm_service_config"`
	Preset          string           `json:"preset"`
	ActiveCharacter string           `json:"active_character"`
	UserPersona     string           `json:"user_persona"`
	WorldInfo       []string         `json:"world_info,omitempty"`
	ModelOverride   string           `json:"model_override,omitempty"`
	MaxTokens       int              `json:"max_tokens"`
	// ActiveModules maps a preset name to the identifiers of its enabled
	// prompt modules.
	ActiveModules map[string][]string `json:"active_modules,omitempty"`
}

// PromptModule is one entry of a preset's prompt list.
type PromptModule struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`
	Marker     bool   `json:"marker,omitempty"`
	Content    string `json:"content,omitempty"`
}

// PromptOrderEntry references a module inside a prompt order list.
type PromptOrderEntry struct {
	Identifier string `json:"identifier"`
	Enabled    bool   `json:"enabled"`
}

// PromptOrder pins the module ordering for one character slot. The web UI
// writes orders under the fixed pseudo-character id 100001.
type PromptOrder struct {
	CharacterID int                `json:"character_id"`
	Order       []PromptOrderEntry `json:"order"`
}

// promptOrderCharacterID is the slot the UI stores its ordering under.
const promptOrderCharacterID = 100001

// Preset is a generation preset: sampling parameters plus the prompt modules
// the system prompt is assembled from.
type Preset struct {
	Name        string         `json:"name,omitempty"`
	Temperature float64        `json:"temperature"`
	TopP        float64        `json:"top_p"`
	Prompts     []PromptModule `json:"prompts"`
	PromptOrder []PromptOrder  `json:"prompt_order,omitempty"`
}

// OrderedModules resolves the preset's modules in effective order, keeping
// only identifiers listed in active. When the preset carries a prompt order
// for the UI slot, that order wins; otherwise declaration order is used.
func (p Preset) OrderedModules(active []string) []PromptModule {
	activeSet := make(map[string]bool, len(active))
	for _, id := range active {
		activeSet[id] = true
	}

	byID := make(map[string]PromptModule, len(p.Prompts))
	for _, module := range p.Prompts {
		byID[module.Identifier] = module
	}

	var order *PromptOrder
	for i := range p.PromptOrder {
		if p.PromptOrder[i].CharacterID == promptOrderCharacterID {
			order = &p.PromptOrder[i]
			break
		}
	}

	var modules []PromptModule
	if order != nil && len(order.Order) > 0 {
		for _, entry := range order.Order {
			if !activeSet[entry.Identifier] {
				continue
			}
			if module, ok := byID[entry.Identifier]; ok {
				modules = append(modules, module)
			}
		}
		return modules
	}

	for _, module := range p.Prompts {
		if activeSet[module.Identifier] {
			modules = append(modules, module)
		}
	}
	return modules
}

// CharacterCard describes a character or a user persona.
type CharacterCard struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Personality  string   `json:"personality,omitempty"`
	FirstMes     string   `json:"first_mes,omitempty"`
	MesExample   string   `json:"mes_example,omitempty"`
	LinkedWorlds []string `json:"linked_worlds,omitempty"`
}

// WorldBookEntry is one lore entry.
type WorldBookEntry struct {
	Content string `json:"content"`
}

// WorldBook is a named collection of lore entries.
type WorldBook struct {
	Name    string           `json:"name,omitempty"`
	Entries []WorldBookEntry `json:"entries"`
}

// DefaultUserConfig returns the settings a user has before saving anything.
func DefaultUserConfig() UserConfig {
	return UserConfig{
		Service:         LLMServiceConfig{Provider: "google_gemini"},
		Preset:          consts.DefaultPresetName,
		ActiveCharacter: consts.DefaultCharacterName,
		UserPersona:     consts.DefaultPersonaName,
		MaxTokens:       consts.DefaultMaxOutputTokens,
	}
}

// applyDefaults fills zero-valued fields after JSON decoding.
func (u *UserConfig) applyDefaults() {
	if u.Service.Provider == "" {
		u.Service.Provider = "google_gemini"
	}
	if u.Preset == "" {
		u.Preset = consts.DefaultPresetName
	}
	if u.ActiveCharacter == "" {
		u.ActiveCharacter = consts.DefaultCharacterName
	}
	if u.UserPersona == "" {
		u.UserPersona = consts.DefaultPersonaName
	}
	if u.MaxTokens <= 0 {
		u.MaxTokens = consts.DefaultMaxOutputTokens
	}
}
