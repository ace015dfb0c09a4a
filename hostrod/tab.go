package hostrod

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/prerender/page"
	"github.com/hazyhaar/prerender/speculate"
)

const navigateTimeout = 30 * time.Second

type tab struct {
	id     int
	rp     *rod.Page
	cancel context.CancelFunc

	mu    sync.Mutex
	model *page.Page
	url   string
}

func (t *tab) current() *page.Page {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.model
}

func (t *tab) currentURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

func (t *tab) close() {
	t.cancel()
	t.mu.Lock()
	m := t.model
	t.model = nil
	t.mu.Unlock()
	if m != nil {
		m.Close()
	}
	t.rp.Close()
}

// injector writes rules into one rod page.
type injector struct {
	rp *rod.Page
}

func (i injector) InjectRules(ctx context.Context, rulesJSON string) error {
	if _, err := i.rp.Context(ctx).Eval(injectJS, rulesJSON); err != nil {
		return fmt.Errorf("hostrod: inject rules: %w", err)
	}
	return nil
}

// Open creates a tab, installs the bootstrap script and navigates to url.
// It returns the new tab id.
func (h *Host) Open(ctx context.Context, url string) (int, error) {
	h.mu.Lock()
	if h.closed || h.browser == nil {
		h.mu.Unlock()
		return 0, ErrClosed
	}
	b := h.browser
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	var rp *rod.Page
	var err error
	if h.cfg.Stealth {
		rp, err = stealth.Page(b)
	} else {
		rp, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return 0, fmt.Errorf("hostrod: create tab: %w", err)
	}

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(rp); err != nil {
		rp.Close()
		return 0, fmt.Errorf("hostrod: add binding: %w", err)
	}
	if _, err := rp.EvalOnNewDocument(bootstrapJS); err != nil {
		rp.Close()
		return 0, fmt.Errorf("hostrod: bootstrap: %w", err)
	}
	if err := (proto.PageEnable{}).Call(rp); err != nil {
		h.cfg.Logger.Warn("hostrod: page enable failed", "tab", id, "error", err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	t := &tab{id: id, rp: rp, cancel: cancel}
	h.mu.Lock()
	h.tabs[id] = t
	h.mu.Unlock()

	go h.listen(lctx, t)

	if url != "" {
		if err := h.Navigate(ctx, id, url); err != nil {
			return id, err
		}
	}
	return id, nil
}

// Navigate loads url in the tab.
func (h *Host) Navigate(ctx context.Context, tabID int, url string) error {
	t, ok := h.tab(tabID)
	if !ok {
		return fmt.Errorf("%w %d", page.ErrNoPage, tabID)
	}
	navCtx, cancel := context.WithTimeout(ctx, navigateTimeout)
	defer cancel()
	if err := t.rp.Context(navCtx).Navigate(url); err != nil {
		return fmt.Errorf("hostrod: navigate %s: %w", url, err)
	}
	return nil
}

// Activate brings the tab to the front.
func (h *Host) Activate(ctx context.Context, tabID int) error {
	t, ok := h.tab(tabID)
	if !ok {
		return fmt.Errorf("%w %d", page.ErrNoPage, tabID)
	}
	if _, err := t.rp.Activate(); err != nil {
		return fmt.Errorf("hostrod: activate: %w", err)
	}
	h.events.OnTabActivated(ctx, tabID)
	return nil
}

// CloseTab closes one tab and reports its removal.
func (h *Host) CloseTab(tabID int) {
	h.mu.Lock()
	t, ok := h.tabs[tabID]
	delete(h.tabs, tabID)
	h.mu.Unlock()
	if !ok {
		return
	}
	t.close()
	h.events.OnTabRemoved(tabID)
}

// listen turns CDP events of the tab into page model calls and tab events.
func (h *Host) listen(ctx context.Context, t *tab) {
	wait := t.rp.Context(ctx).EachEvent(
		func(e *proto.PageFrameNavigated) {
			if e.Frame == nil || e.Frame.ParentID != "" {
				return
			}
			url := e.Frame.URL + e.Frame.URLFragment
			t.mu.Lock()
			t.url = url
			t.mu.Unlock()
			h.events.OnTabUpdated(ctx, t.id, url, false)
		},
		func(e *proto.PageLoadEventFired) {
			go h.loaded(ctx, t)
		},
		func(e *proto.RuntimeBindingCalled) {
			if e.Name != bindingName {
				return
			}
			go h.signal(ctx, t, e.Payload)
		},
	)
	wait()
}

// loaded starts a new page model for the document that just finished
// loading and reports the completed navigation.
func (h *Host) loaded(ctx context.Context, t *tab) {
	log := h.cfg.Logger
	res, err := t.rp.Context(ctx).Eval(stateJS)
	if err != nil {
		log.Warn("hostrod: page state", "tab", t.id, "error", err)
		return
	}
	st, err := decodeState(res.Value.Str())
	if err != nil {
		log.Warn("hostrod: page state", "tab", t.id, "error", err)
		return
	}
	doc, err := h.snapshot(ctx, t, st.URL)
	if err != nil {
		log.Warn("hostrod: snapshot", "tab", t.id, "url", st.URL, "error", err)
	}

	var opts page.Options
	if h.cfg.PageOptions != nil {
		opts = h.cfg.PageOptions(t.id)
	}
	if opts.Logger == nil {
		opts.Logger = log
	}
	opts.Injector = injector{rp: t.rp}
	m := page.New(st.URL, st.Prerendered, opts)
	m.OnLoad(ctx, doc)
	if st.Activated {
		m.OnPrerenderingChange(ctx)
	}

	t.mu.Lock()
	old := t.model
	t.model = m
	t.url = st.URL
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}

	h.events.OnTabUpdated(ctx, t.id, st.URL, true)
}

func (h *Host) snapshot(ctx context.Context, t *tab, url string) (*speculate.Document, error) {
	html, err := t.rp.Context(ctx).HTML()
	if err != nil {
		return nil, err
	}
	return speculate.ParseDocumentString(html, url)
}

func (h *Host) signal(ctx context.Context, t *tab, payload string) {
	log := h.cfg.Logger
	s, err := decodeSignal(payload)
	if err != nil {
		log.Debug("hostrod: bad signal", "tab", t.id, "error", err)
		return
	}

	switch s.Kind {
	case kindClick:
		h.events.OnSelectorClick(t.currentURL(), s.Selector, s.URL)
		return
	case kindHover:
		if _, err := h.events.OnAnchorHover(ctx, t.id, s.URL); err != nil {
			log.Warn("hostrod: hover", "tab", t.id, "url", s.URL, "error", err)
		}
		return
	}

	m := t.current()
	if m == nil {
		return
	}
	switch s.Kind {
	case kindMutation:
		doc, err := h.snapshot(ctx, t, m.URL())
		if err != nil {
			log.Debug("hostrod: snapshot", "tab", t.id, "error", err)
			return
		}
		m.OnMutation(doc)
	case kindPageShow:
		m.OnPageShow(ctx, s.Persisted)
	case kindPrerenderingChange:
		m.OnPrerenderingChange(ctx)
	case kindLCP:
		if err := m.ReportLCP(ctx, s.Value); err != nil {
			log.Warn("hostrod: lcp", "tab", t.id, "error", err)
		}
	}
}
