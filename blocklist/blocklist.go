// Package blocklist keeps the origins on which automatic prerender injection
// is disabled. The set lives under one key of the "sync" key-value area as
// {"<origin>": true, ...}.
package blocklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/hazyhaar/prerender/kvstore"
	"github.com/hazyhaar/prerender/speculate"
)

// Key is the storage key of the set.
const Key = "blockedOrigins"

// ErrInvalidOrigin is returned for an empty or unparseable origin.
var ErrInvalidOrigin = errors.New("blocklist: invalid origin")

// Option configures a List.
type Option func(*List)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *List) { b.logger = l }
}

// List is the cached blocked-origin set.
type List struct {
	kv     kvstore.Storage
	logger *slog.Logger

	mu     sync.RWMutex
	loaded bool
	set    map[string]bool
}

// New creates a List over kv.
func New(kv kvstore.Storage, opts ...Option) *List {
	b := &List{kv: kv, logger: slog.Default(), set: map[string]bool{}}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Load reads the set once.
func (b *List) Load(ctx context.Context) error {
	b.mu.RLock()
	loaded := b.loaded
	b.mu.RUnlock()
	if loaded {
		return nil
	}
	return b.Reload(ctx)
}

// Reload re-reads the set; the watcher calls it on external changes.
func (b *List) Reload(ctx context.Context) error {
	var set map[string]bool
	ok, err := kvGetInto(ctx, b.kv, &set)
	if err != nil {
		return fmt.Errorf("blocklist: load: %w", err)
	}
	if !ok || set == nil {
		set = map[string]bool{}
	}
	b.mu.Lock()
	b.set = set
	b.loaded = true
	b.mu.Unlock()
	b.logger.Debug("blocklist: loaded", "origins", len(set))
	return nil
}

// IsBlocked reports whether origin (or the origin of a URL) is blocked.
func (b *List) IsBlocked(ctx context.Context, origin string) (bool, error) {
	o, err := Normalize(origin)
	if err != nil {
		return false, err
	}
	if err := b.Load(ctx); err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.set[o], nil
}

// Block adds origin to the set.
func (b *List) Block(ctx context.Context, origin string) error {
	return b.update(ctx, origin, true)
}

// Allow removes origin from the set. Unknown origins are a no-op.
func (b *List) Allow(ctx context.Context, origin string) error {
	return b.update(ctx, origin, false)
}

// Origins returns the blocked origins in lexical order.
func (b *List) Origins(ctx context.Context) ([]string, error) {
	if err := b.Load(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.set))
	for o, on := range b.set {
		if on {
			out = append(out, o)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *List) update(ctx context.Context, origin string, blocked bool) error {
	o, err := Normalize(origin)
	if err != nil {
		return err
	}
	if err := b.Load(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.set[o] == blocked {
		return nil
	}
	next := make(map[string]bool, len(b.set)+1)
	for k, v := range b.set {
		next[k] = v
	}
	if blocked {
		next[o] = true
	} else {
		delete(next, o)
	}
	if err := b.kv.Set(ctx, map[string]any{Key: next}); err != nil {
		return fmt.Errorf("blocklist: save: %w", err)
	}
	b.set = next
	b.logger.Info("blocklist: updated", "origin", o, "blocked", blocked)
	return nil
}

// Normalize reduces a URL or origin to scheme://host[:port].
func Normalize(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", ErrInvalidOrigin
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, origin)
	}
	return speculate.Origin(u), nil
}

func kvGetInto(ctx context.Context, kv kvstore.Storage, v any) (bool, error) {
	vals, err := kv.Get(ctx, Key)
	if err != nil {
		return false, err
	}
	raw, ok := vals[Key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}
