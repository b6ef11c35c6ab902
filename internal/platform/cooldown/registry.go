// Package cooldown tracks per-key unavailability windows shared by the
// embedding and generation dispatch layers. The registry is process-wide
// mutable state; double-marking under a race is harmless (idempotent mark).
package cooldown

import (
	"sync"
	"time"
)

type Registry struct {
	mu    sync.RWMutex
	until map[string]time.Time
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{until: map[string]time.Time{}, now: time.Now}
}

// KeyModel builds the composite registry key used by generation dispatch,
// which cools keys per (apiKey, model) pair.
func KeyModel(apiKey, model string) string {
	return apiKey + "|" + model
}

func (r *Registry) Mark(key string, d time.Duration) {
	r.MarkUntil(key, r.now().Add(d))
}

func (r *Registry) MarkUntil(key string, until time.Time) {
	r.mu.Lock()
	if existing, ok := r.until[key]; !ok || until.After(existing) {
		r.until[key] = until
	}
	r.mu.Unlock()
}

func (r *Registry) Available(key string) bool {
	r.mu.RLock()
	until, ok := r.until[key]
	r.mu.RUnlock()
	return !ok || !r.now().Before(until)
}

// Remaining returns the leftover cooldown for key, zero when available.
func (r *Registry) Remaining(key string) time.Duration {
	r.mu.RLock()
	until, ok := r.until[key]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	rem := until.Sub(r.now())
	if rem < 0 {
		return 0
	}
	return rem
}

func (r *Registry) Clear(key string) {
	r.mu.Lock()
	delete(r.until, key)
	r.mu.Unlock()
}

// Process-wide registries, initialized at start and shared by the embedding
// service and provider dispatch.
var (
	Embedding  = NewRegistry()
	Generation = NewRegistry()
)
