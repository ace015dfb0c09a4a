// Package metrics is the persistent LCP histogram store.
//
// Every sample lands in two series: the global one (id 0) and the one of its
// origin, split by whether the page was prerendered. Origins get permanent
// integer ids from an index record. Storage layout in the key-value area:
//
//	index    {".version":1,".nextId":N,"https://example.com":1,...}
//	lcp_n_ID {"count":..,"total":..,"bucket":[31 ints]}   not prerendered
//	lcp_p_ID {"count":..,"total":..,"bucket":[31 ints]}   prerendered
//
// The store is the only writer of these keys.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/hazyhaar/prerender/kvstore"
)

const (
	indexKey     = "index"
	indexVersion = 1
	globalID     = 0
)

// ErrInvalidSample is returned for an empty or reserved origin, or a
// negative, NaN or infinite latency.
var ErrInvalidSample = errors.New("metrics: invalid sample")

// LCP is the result of Read. The origin series are nil when the origin has
// never been recorded.
type LCP struct {
	AllN    Series  `json:"lcp_all_n"`
	AllP    Series  `json:"lcp_all_p"`
	OriginN *Series `json:"lcp_origin_n,omitempty"`
	OriginP *Series `json:"lcp_origin_p,omitempty"`
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store caches the persisted histograms. All methods are safe for concurrent
// use; storage round-trips are serialized by the store mutex and the cache
// only changes after a write succeeds.
type Store struct {
	kv     kvstore.Storage
	logger *slog.Logger

	mu     sync.Mutex
	loaded bool
	index  Index
	n      map[int]Series
	p      map[int]Series
}

// New creates a Store over kv. Call Load before use; other methods load
// lazily if it was not called.
func New(kv kvstore.Storage, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		logger: slog.Default(),
		index:  newIndex(),
		n:      map[int]Series{},
		p:      map[int]Series{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load reads the index and the global series. A second call returns
// immediately without touching storage.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

// Reload drops the cache and reads the index and global series again, for
// writes made by another process. Origin series reload lazily.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	return s.loadLocked(ctx)
}

func (s *Store) loadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	vals, err := s.kv.Get(ctx, indexKey, keyN(globalID), keyP(globalID))
	if err != nil {
		return fmt.Errorf("metrics: load: %w", err)
	}

	index := newIndex()
	if raw, ok := vals[indexKey]; ok {
		if err := json.Unmarshal(raw, &index); err != nil {
			return fmt.Errorf("metrics: load index: %w", err)
		}
	}
	n, err := decodeSeries(vals, keyN(globalID))
	if err != nil {
		return err
	}
	p, err := decodeSeries(vals, keyP(globalID))
	if err != nil {
		return err
	}

	s.index = index
	s.n = map[int]Series{globalID: n}
	s.p = map[int]Series{globalID: p}
	s.loaded = true
	s.logger.Debug("metrics: loaded", "origins", len(index.Origins), "next_id", index.NextID)
	return nil
}

// Record adds one LCP sample for origin.
func (s *Store) Record(ctx context.Context, origin string, prerendered bool, latencyMs float64) error {
	if err := validate(origin, latencyMs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return err
	}

	id, err := s.assignLocked(ctx, origin)
	if err != nil {
		return err
	}
	if err := s.warmLocked(ctx, id); err != nil {
		return err
	}

	cache := s.n
	if prerendered {
		cache = s.p
	}
	global := cache[globalID].with(latencyMs)
	local := cache[id].with(latencyMs)

	err = s.kv.Set(ctx, map[string]any{
		seriesKey(globalID, prerendered): global,
		seriesKey(id, prerendered):       local,
	})
	if err != nil {
		return fmt.Errorf("metrics: record %s: %w", origin, err)
	}
	cache[globalID] = global
	cache[id] = local
	return nil
}

// Read returns the global series and, if known, the origin's.
func (s *Store) Read(ctx context.Context, origin string) (LCP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return LCP{}, err
	}

	out := LCP{AllN: s.n[globalID], AllP: s.p[globalID]}
	id, ok := s.index.Origins[origin]
	if !ok || origin == "" {
		return out, nil
	}
	if err := s.warmLocked(ctx, id); err != nil {
		return LCP{}, err
	}
	n, p := s.n[id], s.p[id]
	out.OriginN, out.OriginP = &n, &p
	return out, nil
}

// ClearOrigin erases the origin's two series. Its id stays assigned, so
// later samples for the origin reuse it.
func (s *Store) ClearOrigin(ctx context.Context, origin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	id, ok := s.index.Origins[origin]
	if !ok {
		return nil
	}
	if err := s.kv.Remove(ctx, keyP(id), keyN(id)); err != nil {
		return fmt.Errorf("metrics: clear %s: %w", origin, err)
	}
	delete(s.n, id)
	delete(s.p, id)
	s.logger.Info("metrics: origin cleared", "origin", origin, "id", id)
	return nil
}

// ClearAll erases every series and the index; ids restart at 1.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return err
	}

	keys := []string{indexKey}
	for id := 0; id < s.index.NextID; id++ {
		keys = append(keys, keyN(id), keyP(id))
	}
	if err := s.kv.Remove(ctx, keys...); err != nil {
		return fmt.Errorf("metrics: clear all: %w", err)
	}
	s.index = newIndex()
	s.n = map[int]Series{globalID: {}}
	s.p = map[int]Series{globalID: {}}
	s.logger.Info("metrics: cleared")
	return nil
}

// Index returns a copy of the origin index.
func (s *Store) Index(ctx context.Context) (Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return Index{}, err
	}
	return s.index.clone(), nil
}

// EvaluateScore returns the seconds an LCP of lcpMs saved compared to the
// mean non-prerendered LCP of the origin, or of all origins when the origin
// has no baseline. It is 0 without any baseline.
func (s *Store) EvaluateScore(ctx context.Context, origin string, lcpMs float64) (float64, error) {
	if math.IsNaN(lcpMs) || lcpMs <= 0 {
		return 0, nil
	}
	lcp, err := s.Read(ctx, origin)
	if err != nil {
		return 0, err
	}
	var baseline float64
	switch {
	case lcp.OriginN != nil && lcp.OriginN.Count > 0:
		baseline = lcp.OriginN.Mean()
	case lcp.AllN.Count > 0:
		baseline = lcp.AllN.Mean()
	default:
		return 0, nil
	}
	return (baseline - lcpMs) / 1000, nil
}

// Dump logs the index and every cached series.
func (s *Store) Dump(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	s.logger.Info("metrics: index", "next_id", s.index.NextID, "origins", s.index.Origins)
	for id, sr := range s.n {
		s.logger.Info("metrics: lcp_n", "id", id, "count", sr.Count, "mean_ms", sr.Mean())
	}
	for id, sr := range s.p {
		s.logger.Info("metrics: lcp_p", "id", id, "count", sr.Count, "mean_ms", sr.Mean())
	}
	return nil
}

// assignLocked returns origin's id, persisting a new index entry first when
// the origin is new.
func (s *Store) assignLocked(ctx context.Context, origin string) (int, error) {
	if id, ok := s.index.Origins[origin]; ok {
		return id, nil
	}
	next := s.index.clone()
	id := next.NextID
	next.Origins[origin] = id
	next.NextID = id + 1
	if err := s.kv.Set(ctx, map[string]any{indexKey: next}); err != nil {
		return 0, fmt.Errorf("metrics: assign id for %s: %w", origin, err)
	}
	s.index = next
	s.logger.Debug("metrics: origin indexed", "origin", origin, "id", id)
	return id, nil
}

// warmLocked makes sure both series of id are cached. A missing record for
// a known id is an empty series.
func (s *Store) warmLocked(ctx context.Context, id int) error {
	_, hasN := s.n[id]
	_, hasP := s.p[id]
	if hasN && hasP {
		return nil
	}
	vals, err := s.kv.Get(ctx, keyN(id), keyP(id))
	if err != nil {
		return fmt.Errorf("metrics: read series %d: %w", id, err)
	}
	n, err := decodeSeries(vals, keyN(id))
	if err != nil {
		return err
	}
	p, err := decodeSeries(vals, keyP(id))
	if err != nil {
		return err
	}
	s.n[id] = n
	s.p[id] = p
	return nil
}

func decodeSeries(vals map[string]json.RawMessage, key string) (Series, error) {
	var sr Series
	raw, ok := vals[key]
	if !ok {
		return sr, nil
	}
	if err := json.Unmarshal(raw, &sr); err != nil {
		return Series{}, fmt.Errorf("metrics: decode %s: %w", key, err)
	}
	return sr, nil
}

func validate(origin string, ms float64) error {
	if origin == "" || strings.HasPrefix(origin, ".") {
		return fmt.Errorf("%w: origin %q", ErrInvalidSample, origin)
	}
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms < 0 {
		return fmt.Errorf("%w: latency %v", ErrInvalidSample, ms)
	}
	return nil
}
