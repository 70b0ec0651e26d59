// Package executor consumes delivered command envelopes and runs the
// registered handler for each inside one database transaction, staging the
// reply and any emitted events through the outbox.
package executor

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// Handler is one registered command handler together with its retry
// classifier. The zero classifier falls back to domain.IsRetryable.
type Handler struct {
	Tag       string
	Fn        domain.HandlerFunc
	retryable func(error) bool
}

// Retryable reports whether a failed attempt of this handler is worth
// another try.
func (h Handler) Retryable(err error) bool {
	if h.retryable != nil {
		return h.retryable(err)
	}
	return domain.IsRetryable(err)
}

// HandlerOption customizes a registration.
type HandlerOption func(*Handler)

// WithRetryClassifier overrides the default error classification for one
// handler.
func WithRetryClassifier(fn func(error) bool) HandlerOption {
	return func(h *Handler) { h.retryable = fn }
}

// Registry maps command tags to handlers. Registration happens during boot,
// before any consumer starts; a duplicate tag is a wiring error and fails
// loudly instead of silently shadowing the first handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds fn to a command tag. A trailing "Command" suffix on the tag
// is stripped, so Register("CreateUserCommand", fn) and
// Register("CreateUser", fn) name the same handler.
func (r *Registry) Register(tag string, fn domain.HandlerFunc, opts ...HandlerOption) error {
	tag = NormalizeTag(tag)
	if tag == "" {
		return fmt.Errorf("op=executor.register: empty command tag: %w", domain.ErrInvalidArgument)
	}
	if fn == nil {
		return fmt.Errorf("op=executor.register: nil handler for %q: %w", tag, domain.ErrInvalidArgument)
	}
	h := Handler{Tag: tag, Fn: fn}
	for _, opt := range opts {
		opt(&h)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[tag]; exists {
		return fmt.Errorf("op=executor.register: handler for %q already registered: %w", tag, domain.ErrConflict)
	}
	r.handlers[tag] = h
	return nil
}

// MustRegister is Register for static wiring in main; it panics on error.
func (r *Registry) MustRegister(tag string, fn domain.HandlerFunc, opts ...HandlerOption) {
	if err := r.Register(tag, fn, opts...); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for a tag.
func (r *Registry) Lookup(tag string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[NormalizeTag(tag)]
	return h, ok
}

// Tags returns every registered command tag, sorted. The worker derives its
// consumer subscriptions from this.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.handlers))
	for tag := range r.handlers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// NormalizeTag strips the conventional "Command" suffix from a handler or
// envelope type name, so wire types and registrations agree on one tag.
func NormalizeTag(tag string) string {
	if tag != "Command" {
		tag = strings.TrimSuffix(tag, "Command")
	}
	return tag
}
