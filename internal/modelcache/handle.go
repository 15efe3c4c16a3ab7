package modelcache

import (
	"context"
	"time"

	"reel/internal/services"
)

// Handle is one reference to a cached instance.
type Handle struct {
	cache *Cache
	entry *entry
	token string
}

// Kind returns the model kind.
func (h *Handle) Kind() string { return h.entry.key.kind }

// Fingerprint returns the config fingerprint.
func (h *Handle) Fingerprint() string { return h.entry.key.fingerprint }

// Token returns the unique handle token.
func (h *Handle) Token() string { return h.token }

// Use runs fn with exclusive access to the instance. Only one job computes on
// an instance at a time; others wait until fn returns or ctx ends.
func (h *Handle) Use(ctx context.Context, fn func(context.Context, Instance) error) error {
	if !h.valid() {
		return services.Wrap(services.ErrInvalidHandle, "modelcache", "use", "handle is not held", nil)
	}
	select {
	case h.entry.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-h.entry.sem }()

	h.touch()
	err := fn(ctx, h.entry.inst)
	h.touch()
	return err
}

func (h *Handle) valid() bool {
	if h == nil || h.cache == nil {
		return false
	}
	h.cache.mu.Lock()
	defer h.cache.mu.Unlock()
	return h.cache.handles[h.token] == h.entry
}

func (h *Handle) touch() {
	h.cache.mu.Lock()
	h.entry.used = time.Now()
	h.cache.mu.Unlock()
}
