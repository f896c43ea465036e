package proxy

import (
	"sync"

	"github.com/medrelay/medrelay/internal/domain/model"
	"github.com/medrelay/medrelay/internal/domain/port/driven"
)

// DefaultMaxRotations is the per-fetch rotation budget: how many proxies a
// single fetch cycle may burn through before giving up on rotation.
const DefaultMaxRotations = 10

// Compile-time interface satisfaction check.
var _ driven.ProxyRotator = (*Rotator)(nil)

// Rotator hands out proxies from an ordered list in circular order. The
// rotation index persists across fetch cycles; the consumed-rotation counter
// is reset at the top of each cycle via ResetRetries. All methods are
// mutex-guarded so the component stays correct if fetch cycles ever overlap.
type Rotator struct {
	mu           sync.Mutex
	proxies      []model.ProxyDescriptor
	index        int
	retries      int
	maxRotations int
}

// NewRotator creates a Rotator over the given list. A nil or empty list is
// the "no proxies configured" mode: HasProxies reports false and both Next
// and TryNext return nil. maxRotations caps TryNext per fetch cycle; values
// below 1 fall back to DefaultMaxRotations.
func NewRotator(proxies []model.ProxyDescriptor, maxRotations int) *Rotator {
	if maxRotations < 1 {
		maxRotations = DefaultMaxRotations
	}
	return &Rotator{
		proxies:      proxies,
		maxRotations: maxRotations,
	}
}

// HasProxies reports whether any proxies are configured.
func (r *Rotator) HasProxies() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies) > 0
}

// ResetRetries zeroes the consumed-rotation counter. The rotation index is
// deliberately left alone so repeated failures don't always restart at the
// same dead proxy.
func (r *Rotator) ResetRetries() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = 0
}

// Next advances the rotation circularly and returns the next proxy, or nil
// when the list is empty.
func (r *Rotator) Next() *model.ProxyDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advance()
}

// TryNext is Next with a budget: once maxRotations proxies have been handed
// out in the current fetch cycle it returns nil, signaling the caller to stop
// rotating and propagate the last error.
func (r *Rotator) TryNext() *model.ProxyDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.retries >= r.maxRotations {
		return nil
	}
	next := r.advance()
	if next != nil {
		r.retries++
	}
	return next
}

// advance must be called with the mutex held.
func (r *Rotator) advance() *model.ProxyDescriptor {
	if len(r.proxies) == 0 {
		return nil
	}
	desc := r.proxies[r.index]
	r.index = (r.index + 1) % len(r.proxies)
	return &desc
}
