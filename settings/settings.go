// Package settings stores the user-tunable switches of the prerender service
// in the "local" key-value area, one key per setting, with defaults for keys
// never written.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/hazyhaar/prerender/kvstore"
)

// Setting keys, as stored.
const (
	AutoInjection              = "autoInjection"
	MaxRulesByAnchors          = "maxRulesByAnchors"
	AnchorHoverInjection       = "anchorHoverInjection"
	LastVisitInjection         = "lastVisitInjection"
	CrossOriginSameSiteSupport = "crossOriginSameSiteSupport"
	RecordMetrics              = "recordMetrics"
)

// AutoInjectionMinVersion is the first Chromium version with speculation
// rules prerendering enabled by default.
const AutoInjectionMinVersion = 110

var (
	ErrUnknownKey   = errors.New("settings: unknown key")
	ErrInvalidValue = errors.New("settings: invalid value")
)

// Snapshot is the full set of settings at one point in time. Its JSON form
// is the reply to the "settings" message.
type Snapshot struct {
	AutoInjection              bool `json:"autoInjection" yaml:"auto_injection"`
	MaxRulesByAnchors          int  `json:"maxRulesByAnchors" yaml:"max_rules_by_anchors"`
	AnchorHoverInjection       bool `json:"anchorHoverInjection" yaml:"anchor_hover_injection"`
	LastVisitInjection         bool `json:"lastVisitInjection" yaml:"last_visit_injection"`
	CrossOriginSameSiteSupport bool `json:"crossOriginSameSiteSupport" yaml:"cross_origin_same_site_support"`
	RecordMetrics              bool `json:"recordMetrics" yaml:"record_metrics"`
}

// Defaults returns the defaults for a browser of the given major version.
func Defaults(chromiumVersion int) Snapshot {
	return Snapshot{
		AutoInjection:      chromiumVersion >= AutoInjectionMinVersion,
		MaxRulesByAnchors:  5,
		LastVisitInjection: true,
	}
}

// Keys lists every setting key in lexical order.
func Keys() []string {
	keys := []string{
		AutoInjection, MaxRulesByAnchors, AnchorHoverInjection,
		LastVisitInjection, CrossOriginSameSiteSupport, RecordMetrics,
	}
	sort.Strings(keys)
	return keys
}

// Option configures Settings.
type Option func(*Settings)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Settings) { s.logger = l }
}

// Settings is the cached view over the stored keys.
type Settings struct {
	kv       kvstore.Storage
	defaults Snapshot
	logger   *slog.Logger

	mu     sync.RWMutex
	loaded bool
	cur    Snapshot
}

// New creates Settings over kv with the given defaults.
func New(kv kvstore.Storage, defaults Snapshot, opts ...Option) *Settings {
	s := &Settings{kv: kv, defaults: defaults, cur: defaults, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load reads every key once. Later calls return immediately.
func (s *Settings) Load(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}
	return s.Reload(ctx)
}

// Reload re-reads every key from storage.
func (s *Settings) Reload(ctx context.Context) error {
	vals, err := s.kv.Get(ctx, Keys()...)
	if err != nil {
		return fmt.Errorf("settings: load: %w", err)
	}
	snap := s.defaults
	for key, raw := range vals {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			s.logger.Warn("settings: undecodable value ignored", "key", key, "error", err)
			continue
		}
		if err := apply(&snap, key, v); err != nil {
			s.logger.Warn("settings: invalid stored value ignored", "key", key, "error", err)
		}
	}

	s.mu.Lock()
	s.cur = snap
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// Snapshot returns the current settings.
func (s *Settings) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := s.Load(ctx); err != nil {
		return s.defaults, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur, nil
}

// Get returns one setting as bool or int.
func (s *Settings) Get(ctx context.Context, key string) (any, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return lookup(snap, key)
}

// Bool returns a boolean setting.
func (s *Settings) Bool(ctx context.Context, key string) (bool, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s is not a boolean", ErrInvalidValue, key)
	}
	return b, nil
}

// Set validates and stores one setting. Numbers may arrive as strings, the
// way HTML number inputs report them.
func (s *Settings) Set(ctx context.Context, key string, value any) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	s.mu.RLock()
	next := s.cur
	s.mu.RUnlock()

	if err := apply(&next, key, value); err != nil {
		return err
	}
	stored, _ := lookup(next, key)
	if err := s.kv.Set(ctx, map[string]any{key: stored}); err != nil {
		return fmt.Errorf("settings: set %s: %w", key, err)
	}

	s.mu.Lock()
	_ = apply(&s.cur, key, stored)
	s.mu.Unlock()
	s.logger.Info("settings: changed", "key", key, "value", stored)
	return nil
}

func lookup(s Snapshot, key string) (any, error) {
	switch key {
	case AutoInjection:
		return s.AutoInjection, nil
	case MaxRulesByAnchors:
		return s.MaxRulesByAnchors, nil
	case AnchorHoverInjection:
		return s.AnchorHoverInjection, nil
	case LastVisitInjection:
		return s.LastVisitInjection, nil
	case CrossOriginSameSiteSupport:
		return s.CrossOriginSameSiteSupport, nil
	case RecordMetrics:
		return s.RecordMetrics, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
}

func apply(s *Snapshot, key string, v any) error {
	if key == MaxRulesByAnchors {
		n, err := toInt(v)
		if err != nil {
			return err
		}
		s.MaxRulesByAnchors = n
		return nil
	}

	var field *bool
	switch key {
	case AutoInjection:
		field = &s.AutoInjection
	case AnchorHoverInjection:
		field = &s.AnchorHoverInjection
	case LastVisitInjection:
		field = &s.LastVisitInjection
	case CrossOriginSameSiteSupport:
		field = &s.CrossOriginSameSiteSupport
	case RecordMetrics:
		field = &s.RecordMetrics
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	b, err := toBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*field = b
	return nil
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, fmt.Errorf("%w: %q", ErrInvalidValue, x)
		}
		return b, nil
	}
	return false, fmt.Errorf("%w: %v is not a boolean", ErrInvalidValue, v)
}

func toInt(v any) (int, error) {
	var n float64
	switch x := v.(type) {
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case float64:
		n = x
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidValue, x)
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidValue, x)
		}
		n = f
	default:
		return 0, fmt.Errorf("%w: %v is not a number", ErrInvalidValue, v)
	}
	if n < 1 || n != float64(int(n)) {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %v", ErrInvalidValue, MaxRulesByAnchors, v)
	}
	return int(n), nil
}
