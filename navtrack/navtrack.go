// Package navtrack learns first-order page transitions per tab and predicts
// the next destination.
//
// The model keeps one slot per source URL: the last URL navigated to from it
// and, independently, the last link selector clicked on it. A new transition
// overwrites the slot. There is no frequency counting and no eviction.
package navtrack

import (
	"log/slog"
	"strings"
	"sync"
)

// Kind distinguishes prediction events.
type Kind string

const (
	// Predict carries the recorded next destination of the page just reached.
	Predict Kind = "predict"
	// Hit reports that the navigation just completed is the one recorded
	// for the previous page.
	Hit Kind = "hit"
)

// Target is a predicted destination. Either field may be empty.
type Target struct {
	URL      string `json:"url,omitempty"`
	Selector string `json:"selector,omitempty"`
}

// Empty reports whether the target carries nothing.
func (t Target) Empty() bool { return t.URL == "" && t.Selector == "" }

// Event is delivered synchronously to the observer.
type Event struct {
	Kind  Kind   `json:"event"`
	TabID int    `json:"tab"`
	To    Target `json:"to"`
	From  string `json:"from,omitempty"`
}

// Handler receives prediction events. It must not block.
type Handler func(Event)

// Record is the transition stored for one source URL.
type Record struct {
	NextURL      string `json:"nextUrl,omitempty"`
	NextSelector string `json:"nextSelector,omitempty"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// Tracker holds the per-tab last URL and the transition table.
// All methods are safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	lastURL  map[int]string
	tracks   map[string]Record
	observer Handler
	logger   *slog.Logger
}

// New creates an empty Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		lastURL: make(map[int]string),
		tracks:  make(map[string]Record),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Observe installs the event handler, replacing any previous one.
// A nil handler drops events.
func (t *Tracker) Observe(h Handler) {
	t.mu.Lock()
	t.observer = h
	t.mu.Unlock()
}

// OnNavigation records that tabID now shows rawURL.
// The first navigation of a tab only records the URL.
func (t *Tracker) OnNavigation(tabID int, rawURL string) {
	if rawURL == "" {
		return
	}
	url := Normalize(rawURL)

	t.mu.Lock()
	prev, seen := t.lastURL[tabID]
	t.lastURL[tabID] = url
	if !seen {
		t.mu.Unlock()
		return
	}

	var events []Event
	if next, ok := t.tracks[url]; ok {
		to := Target{URL: next.NextURL, Selector: next.NextSelector}
		if !to.Empty() {
			events = append(events, Event{Kind: Predict, TabID: tabID, To: to})
		}
	}
	rec := t.tracks[prev]
	if rec.NextURL != "" && rec.NextURL == url {
		events = append(events, Event{Kind: Hit, TabID: tabID, From: prev, To: Target{URL: url}})
	}
	rec.NextURL = url
	t.tracks[prev] = rec
	observer := t.observer
	t.mu.Unlock()

	if observer == nil {
		return
	}
	for _, ev := range events {
		t.logger.Debug("navtrack: event", "kind", ev.Kind, "tab", tabID, "to", ev.To.URL, "selector", ev.To.Selector)
		observer(ev)
	}
}

// OnSelectorClick records that selector was clicked on fromURL, leading to
// targetURL. Only the selector slot of fromURL's record changes.
func (t *Tracker) OnSelectorClick(fromURL, selector, targetURL string) {
	if fromURL == "" || selector == "" {
		return
	}
	from := Normalize(fromURL)

	t.mu.Lock()
	rec := t.tracks[from]
	rec.NextSelector = selector
	t.tracks[from] = rec
	t.mu.Unlock()

	t.logger.Debug("navtrack: selector click", "from", from, "selector", selector, "target", targetURL)
}

// OnRemoved forgets the tab. Transitions learned from it are kept.
func (t *Tracker) OnRemoved(tabID int) {
	t.mu.Lock()
	delete(t.lastURL, tabID)
	t.mu.Unlock()
}

// Lookup returns the record for rawURL.
func (t *Tracker) Lookup(rawURL string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.tracks[Normalize(rawURL)]
	return rec, ok
}

// LastURL returns the normalized URL last seen in tabID.
func (t *Tracker) LastURL(tabID int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.lastURL[tabID]
	return u, ok
}

// Len returns the number of transition records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracks)
}

// Normalize strips the fragment.
func Normalize(rawURL string) string {
	u, _, _ := strings.Cut(rawURL, "#")
	return u
}
