// Package keypool tracks a set of API credentials for one provider account:
// which one to try first, which ones are cooling down after a failure, and
// which models the account has been verified against.
package keypool

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/plauderkasten/internal/consts"
	"github.com/codefionn/plauderkasten/internal/logger"
	"github.com/codefionn/plauderkasten/internal/securemem"
)

var (
	// ErrNoKeys signals a pool constructed without any usable credentials.
	ErrNoKeys = errors.New("keypool: no API keys configured")
	// ErrAllCooling signals that every credential is inside its cooldown
	// window. Distinct from ErrNoKeys: retrying later can succeed.
	ErrAllCooling = errors.New("keypool: all API keys are cooling down")
	// ErrDiscoveryFailed signals that model discovery failed on every key.
	ErrDiscoveryFailed = errors.New("keypool: model discovery failed on all keys")
)

// ModelInfo describes one model as reported by the backend's listing API.
type ModelInfo struct {
	Name             string   `json:"name"`
	DisplayName      string   `json:"display_name"`
	Description      string   `json:"description,omitempty"`
	InputTokenLimit  int      `json:"input_token_limit,omitempty"`
	OutputTokenLimit int      `json:"output_token_limit,omitempty"`
	Methods          []string `json:"supported_generation_methods,omitempty"`
}

// SupportsGeneration reports whether the model can serve text generation.
func (m ModelInfo) SupportsGeneration() bool {
	for _, method := range m.Methods {
		if method == "generateContent" {
			return true
		}
	}
	return false
}

// ModelLister lists the models a single credential grants access to.
type ModelLister interface {
	ListModels(ctx context.Context, apiKey string) ([]ModelInfo, error)
}

// Pool owns a fixed set of credentials and their standing. All methods are
// safe for concurrent use; success/failure bookkeeping is atomic per call.
type Pool struct {
	mu        sync.Mutex
	keys      []*securemem.String
	priority  []int
	cooldowns map[int]time.Time
	active    int
	verified  []ModelInfo
	checked   bool

	cooldown time.Duration
	now      func() time.Time
	log      *logger.Logger
}

// New builds a pool from raw key strings. Blank entries are dropped; the
// remaining keys keep their relative order as initial priority.
func New(rawKeys []string) *Pool {
	keys := make([]*securemem.String, 0, len(rawKeys))
	for _, raw := range rawKeys {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		keys = append(keys, securemem.NewString(trimmed))
	}

	p := &Pool{
		keys:      keys,
		priority:  make([]int, len(keys)),
		cooldowns: make(map[int]time.Time),
		cooldown:  consts.KeyCooldown,
		now:       time.Now,
		log:       logger.Global().WithPrefix("keypool"),
	}
	for i := range keys {
		p.priority[i] = i
	}
	if len(keys) == 0 {
		p.log.Debug("instantiated with an empty key set")
	}
	return p
}

// Len returns the number of credentials in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Key returns a plaintext copy of credential i, or "" if out of range.
func (p *Pool) Key(i int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.keys) {
		return ""
	}
	return p.keys[i].String()
}

// Configure makes credential i the active one for ambient single-key
// operations. No side effects beyond activation.
func (p *Pool) Configure(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.keys) {
		return
	}
	p.active = i
}

// ActiveIndex returns the currently active credential index.
func (p *Pool) ActiveIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// ReportSuccess moves credential i to the front of the priority order,
// clears its cooldown, and adopts it as active.
func (p *Pool) ReportSuccess(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.keys) {
		return
	}
	p.active = i
	p.priority = moveToFront(p.priority, i)
	delete(p.cooldowns, i)
}

// ReportFailure moves credential i to the back of the priority order and
// stamps its cooldown.
func (p *Pool) ReportFailure(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.keys) {
		return
	}
	p.priority = moveToBack(p.priority, i)
	p.cooldowns[i] = p.now()
}

// AvailableIndices returns the priority order filtered to credentials whose
// cooldown has elapsed. A sole credential stays eligible even while cooling
// down, so a one-key pool never starves itself.
func (p *Pool) AvailableIndices() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	available := make([]int, 0, len(p.priority))
	for _, idx := range p.priority {
		stamp, cooling := p.cooldowns[idx]
		if !cooling || now.Sub(stamp) > p.cooldown {
			available = append(available, idx)
		}
	}
	if len(available) == 0 && len(p.keys) == 1 {
		return []int{0}
	}
	return available
}

// MatchesKeys reports whether the pool holds exactly the given key set, in
// order. Used to decide when a cached pool must be rebuilt.
func (p *Pool) MatchesKeys(rawKeys []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cleaned := make([]string, 0, len(rawKeys))
	for _, raw := range rawKeys {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) != len(p.keys) {
		return false
	}
	for i, key := range p.keys {
		if !key.Equal(cleaned[i]) {
			return false
		}
	}
	return true
}

// Destroy wipes all credentials from memory. The pool must not be used
// afterwards.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range p.keys {
		key.Destroy()
	}
	p.keys = nil
	p.priority = nil
	p.cooldowns = map[int]time.Time{}
}

func moveToFront(order []int, i int) []int {
	out := make([]int, 0, len(order))
	out = append(out, i)
	for _, v := range order {
		if v != i {
			out = append(out, v)
		}
	}
	return out
}

func moveToBack(order []int, i int) []int {
	out := make([]int, 0, len(order))
	for _, v := range order {
		if v != i {
			out = append(out, v)
		}
	}
	return append(out, i)
}

// DiscoverModels walks the credentials round-robin starting at the active
// one, asking each for the account's model list with a bounded per-attempt
// timeout. The first credential that answers becomes active and its
// generation-capable models (sorted by display name) are cached as the
// verified list. Total failure caches an empty list and returns
// ErrDiscoveryFailed wrapping the last error.
func (p *Pool) DiscoverModels(ctx context.Context, lister ModelLister, perAttempt time.Duration) ([]ModelInfo, error) {
	p.mu.Lock()
	count := len(p.keys)
	start := p.active
	p.mu.Unlock()

	if count == 0 {
		return nil, ErrNoKeys
	}
	if perAttempt <= 0 {
		perAttempt = consts.ModelDiscoveryTimeout
	}

	var lastErr error
	for i := 0; i < count; i++ {
		idx := (start + i) % count
		key := p.Key(idx)

		attemptCtx, cancel := context.WithTimeout(ctx, perAttempt)
		models, err := lister.ListModels(attemptCtx, key)
		cancel()
		if err != nil {
			lastErr = err
			p.log.Warn("model discovery failed on key index %d: %v", idx, err)
			continue
		}

		usable := make([]ModelInfo, 0, len(models))
		for _, m := range models {
			if m.SupportsGeneration() {
				usable = append(usable, m)
			}
		}
		sort.Slice(usable, func(a, b int) bool {
			return usable[a].DisplayName < usable[b].DisplayName
		})

		if len(usable) > 0 {
			p.mu.Lock()
			p.active = idx
			p.verified = usable
			p.checked = true
			p.mu.Unlock()
			p.log.Info("verified %d models using key index %d", len(usable), idx)
			return usable, nil
		}
		lastErr = ErrDiscoveryFailed
	}

	p.mu.Lock()
	p.verified = nil
	p.checked = true
	p.mu.Unlock()
	p.log.Error("all %d keys failed model discovery", count)
	if lastErr == nil {
		lastErr = ErrDiscoveryFailed
	}
	if errors.Is(lastErr, ErrDiscoveryFailed) {
		return nil, lastErr
	}
	return nil, errors.Join(ErrDiscoveryFailed, lastErr)
}

// VerifiedModels returns the cached verified model list.
func (p *Pool) VerifiedModels() []ModelInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ModelInfo, len(p.verified))
	copy(out, p.verified)
	return out
}

// VerifiedModelNames returns just the model identifiers, in verified order.
func (p *Pool) VerifiedModelNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.verified))
	for i, m := range p.verified {
		names[i] = m.Name
	}
	return names
}

// ModelsChecked reports whether discovery ran at least once for this pool.
func (p *Pool) ModelsChecked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checked
}

// SetVerifiedModels overrides the verified model cache. Intended for tests
// and for restoring a persisted cache.
func (p *Pool) SetVerifiedModels(models []ModelInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verified = append([]ModelInfo(nil), models...)
	p.checked = true
}

// SetClock overrides the pool's time source. Intended for tests.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetCooldown overrides the cooldown duration. Intended for tests.
func (p *Pool) SetCooldown(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldown = d
}
