package orchestrator

import (
	"sync"

	"github.com/codefionn/plauderkasten/internal/keypool"
	"github.com/codefionn/plauderkasten/internal/logger"
)

// PoolRegistry caches one credential pool per user. Priority order, cooldowns
// and the verified model cache live on the pool, so keeping the same pool
// across requests is what makes failover learning stick. A pool is rebuilt
// only when the user's key set actually changes.
type PoolRegistry struct {
	mu    sync.Mutex
	pools map[string]*keypool.Pool
	log   *logger.Logger
}

// NewPoolRegistry creates an empty registry.
func NewPoolRegistry() *PoolRegistry {
	return &PoolRegistry{
		pools: make(map[string]*keypool.Pool),
		log:   logger.Global().WithPrefix("pools"),
	}
}

// Get returns the pool for userID, reusing the cached one while its key set
// matches keys. A changed key set destroys the old pool, which wipes its
// secrets, cooldowns and verified models.
func (r *PoolRegistry) Get(userID string, keys []string) *keypool.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pool, ok := r.pools[userID]; ok {
		if pool.MatchesKeys(keys) {
			return pool
		}
		r.log.Info("key set changed for user %s, rebuilding pool", userID)
		pool.Destroy()
	}

	pool := keypool.New(keys)
	r.pools[userID] = pool
	return pool
}

// Drop removes and destroys the pool for userID, if any.
func (r *PoolRegistry) Drop(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pool, ok := r.pools[userID]; ok {
		pool.Destroy()
		delete(r.pools, userID)
	}
}

// Close destroys every cached pool.
func (r *PoolRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, pool := range r.pools {
		pool.Destroy()
		delete(r.pools, userID)
	}
}
