package consts

import "time"

// Credential pool behavior
const (
	// KeyCooldown is how long a failed API key is skipped before it becomes
	// eligible again.
	KeyCooldown = 5 * time.Minute
	// ModelDiscoveryTimeout bounds a single model-listing attempt per key.
	ModelDiscoveryTimeout = 20 * time.Second
)

// Context budgeting
const (
	// MaxContextTokens is the estimated token budget for system prompt plus
	// history. Tuned together with llm.EstimateTokens; changing one without
	// the other invalidates the budget.
	MaxContextTokens = 7000
	// DefaultMaxOutputTokens is used when the user config does not set one.
	DefaultMaxOutputTokens = 4096
)

// Generation defaults
const (
	DefaultTemperature = 0.8
	DefaultTopP        = 0.9
)

// Timeouts
const (
	// GenerationTimeout caps one full generation call, including streaming.
	// The upstream behavior left this unbounded; a bound keeps cancellation
	// meaningful when a backend stalls.
	GenerationTimeout = 10 * time.Minute
	// HordeClientTimeout is the HTTP client timeout for KoboldAI Horde jobs.
	HordeClientTimeout = 300 * time.Second
	// ShutdownTimeout bounds graceful HTTP server shutdown.
	ShutdownTimeout = 5 * time.Second
)

// Buffer sizes
const (
	BufferSize256KB = 256 * 1024
	BufferSize1MB   = 1024 * 1024
)

// FallbackGeminiModel is the last-resort model when neither an override nor a
// verified model list is usable.
const FallbackGeminiModel = "models/gemini-1.5-pro-latest"

// Default names used when a user has not configured their own.
const (
	DefaultCharacterName = "Assistant"
	DefaultPersonaName   = "User"
	DefaultPresetName    = "assistant"
)
