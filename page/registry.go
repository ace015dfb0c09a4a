package page

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hazyhaar/prerender/speculate"
)

// ErrNoPage is returned by Send when the tab has no live page.
var ErrNoPage = errors.New("page: no page in tab")

// Registry is an in-process host: it keeps the live Page of every tab and
// dispatches background commands to it.
type Registry struct {
	options func(tabID int) Options

	mu    sync.Mutex
	pages map[int]*Page
}

// NewRegistry returns an empty registry. options builds the Options of each
// new page; it may be nil.
func NewRegistry(options func(tabID int) Options) *Registry {
	return &Registry{options: options, pages: make(map[int]*Page)}
}

// Open starts a new page load in tabID, replacing the previous one.
func (r *Registry) Open(tabID int, url string, prerendering bool) *Page {
	var opts Options
	if r.options != nil {
		opts = r.options(tabID)
	}
	p := New(url, prerendering, opts)

	r.mu.Lock()
	old := r.pages[tabID]
	r.pages[tabID] = p
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return p
}

// Load opens a page in tabID from its markup and runs the load handling.
func (r *Registry) Load(ctx context.Context, tabID int, url, html string, prerendering bool) error {
	doc, err := speculate.ParseDocumentString(html, url)
	if err != nil {
		return fmt.Errorf("page: load %s: %w", url, err)
	}
	p := r.Open(tabID, url, prerendering)
	p.OnLoad(ctx, doc)
	return nil
}

// Get returns the live page of tabID.
func (r *Registry) Get(tabID int) (*Page, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pages[tabID]
	return p, ok
}

// CloseTab discards the page of tabID.
func (r *Registry) CloseTab(tabID int) {
	r.mu.Lock()
	p := r.pages[tabID]
	delete(r.pages, tabID)
	r.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

// Send dispatches cmd to the page of tabID.
func (r *Registry) Send(ctx context.Context, tabID int, cmd Command) (Reply, error) {
	p, ok := r.Get(tabID)
	if !ok {
		return Reply{}, fmt.Errorf("%w %d", ErrNoPage, tabID)
	}
	return p.Handle(ctx, cmd)
}
