package speculate

import (
	"net/url"
	"strings"
	"sync"
)

// WarmSet holds the URLs already offered for speculation during one page
// load. It is safe for concurrent use.
type WarmSet struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

// NewWarmSet returns an empty set.
func NewWarmSet() *WarmSet {
	return &WarmSet{urls: make(map[string]struct{})}
}

// Add marks u as warmed.
func (w *WarmSet) Add(u string) {
	w.mu.Lock()
	if w.urls == nil {
		w.urls = make(map[string]struct{})
	}
	w.urls[u] = struct{}{}
	w.mu.Unlock()
}

// Has reports whether u was warmed.
func (w *WarmSet) Has(u string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.urls[u]
	return ok
}

// Len returns the number of warmed URLs.
func (w *WarmSet) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.urls)
}

// List returns the warmed URLs in no particular order.
func (w *WarmSet) List() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.urls))
	for u := range w.urls {
		out = append(out, u)
	}
	return out
}

// IsEligible decides whether candidate may be speculatively loaded from the
// page at current. site is the current page's registrable domain when
// same-site speculation is enabled, "" otherwise. warmed may be nil.
//
// Rejected: unparseable or non-http(s) candidates, already warmed URLs, the
// page itself (ignoring the fragment, or followed only by '#' or '?'), and
// cross-origin URLs unless same-site mode matches scheme and site.
func IsEligible(candidate, current, site string, warmed *WarmSet) bool {
	c, err := url.Parse(candidate)
	if err != nil || c.Host == "" {
		return false
	}
	scheme := strings.ToLower(c.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	if warmed != nil && warmed.Has(candidate) {
		return false
	}

	cur := stripFragment(current)
	if stripFragment(candidate) == cur {
		return false
	}
	if rest, ok := strings.CutPrefix(candidate, cur); ok && rest != "" && (rest[0] == '#' || rest[0] == '?') {
		return false
	}

	p, err := url.Parse(current)
	if err != nil || p.Host == "" {
		return false
	}
	if Origin(c) == Origin(p) {
		return true
	}
	if site == "" || scheme != strings.ToLower(p.Scheme) {
		return false
	}
	return Site(c.Hostname()) == site
}

// Eligibility is what the generator needs from the filter.
type Eligibility interface {
	Eligible(candidate string) bool
	Warm(u string)
}

// Filter binds IsEligible to one page load.
type Filter struct {
	Current string
	Site    string
	Warmed  *WarmSet
}

// Eligible implements Eligibility.
func (f *Filter) Eligible(candidate string) bool {
	return IsEligible(candidate, f.Current, f.Site, f.Warmed)
}

// Warm implements Eligibility.
func (f *Filter) Warm(u string) {
	if f.Warmed != nil {
		f.Warmed.Add(u)
	}
}

func stripFragment(u string) string {
	s, _, _ := strings.Cut(u, "#")
	return s
}
