// Package page models the page side of a tab: one Page per page load holds
// the prerender status, watches the document for speculation rules, injects
// rules on request and reports status and paint latency to the background.
package page

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/prerender/idgen"
	"github.com/hazyhaar/prerender/speculate"
	"github.com/hazyhaar/prerender/status"
)

// Sender delivers a page message (MsgUpdate, MsgMetrics) to the background.
type Sender func(ctx context.Context, message string, st status.Status) error

// Injector puts a speculation-rules script into the live document.
type Injector interface {
	InjectRules(ctx context.Context, rulesJSON string) error
}

// Options configure a Page.
type Options struct {
	// Window is the mutation gate window. Default DefaultWindow.
	Window   time.Duration
	Sender   Sender
	Injector Injector
	Logger   *slog.Logger
	// LoadID overrides the generated page load id.
	LoadID string
}

// Page is one page load.
type Page struct {
	sender   Sender
	injector Injector
	logger   *slog.Logger
	gate     *Gate

	// insertMu serializes InsertRule so the rules check and the injection
	// act as one step.
	insertMu sync.Mutex

	mu       sync.Mutex
	st       status.Status
	doc      *speculate.Document
	queried  bool
	warmed   *speculate.WarmSet
	injected []string
}

// New starts a page load at url. prerendering is true when the load is a
// speculative prerender that has not been shown yet.
func New(url string, prerendering bool, opts Options) *Page {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LoadID == "" {
		opts.LoadID = idgen.New()
	}
	p := &Page{
		sender:   opts.Sender,
		injector: opts.Injector,
		logger:   opts.Logger,
		warmed:   speculate.NewWarmSet(),
		st: status.Status{
			URL:         url,
			Prerendered: prerendering,
			LoadID:      opts.LoadID,
		},
	}
	p.gate = NewGate(opts.Window, func() { p.checkRules(context.Background(), true) })
	return p
}

// LoadID returns the page load id.
func (p *Page) LoadID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.LoadID
}

// URL returns the page url.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.URL
}

// Status returns a copy of the current status without marking the page
// as queried.
func (p *Page) Status() status.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st
}

// Injected returns the urls warmed by injected rules so far.
func (p *Page) Injected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.injected...)
}

// Close stops pending mutation checks.
func (p *Page) Close() {
	p.gate.Stop()
}

// OnMutation replaces the document snapshot and schedules a rules check.
// Bursts within the gate window produce one check.
func (p *Page) OnMutation(doc *speculate.Document) {
	p.mu.Lock()
	if doc != nil {
		p.doc = doc
	}
	p.mu.Unlock()
	p.gate.Trigger()
}

// OnLoad records the loaded document and checks it for rules without
// notifying the background.
func (p *Page) OnLoad(ctx context.Context, doc *speculate.Document) {
	p.mu.Lock()
	if doc != nil {
		p.doc = doc
	}
	p.mu.Unlock()
	p.checkRules(ctx, false)
}

// OnPageShow handles a pageshow event. A persisted show is a restore from
// the back/forward cache and is reported at once.
func (p *Page) OnPageShow(ctx context.Context, persisted bool) {
	if !persisted {
		return
	}
	p.mu.Lock()
	if p.st.RestoredFromBFCache {
		p.mu.Unlock()
		return
	}
	p.st.RestoredFromBFCache = true
	st := p.st
	p.mu.Unlock()
	p.send(ctx, MsgUpdate, st)
}

// OnPrerenderingChange marks a prerendered page as activated.
func (p *Page) OnPrerenderingChange(ctx context.Context) {
	p.mu.Lock()
	p.st.Activated = true
	st, ok := p.st, p.shouldNotify()
	p.mu.Unlock()
	if ok {
		p.send(ctx, MsgUpdate, st)
	}
}

// ReportLCP records the effective largest contentful paint in
// milliseconds, sends it as a metrics sample and refreshes the badge.
func (p *Page) ReportLCP(ctx context.Context, ms float64) error {
	if ms < 0 {
		return fmt.Errorf("page: report lcp: negative value %v", ms)
	}
	p.mu.Lock()
	p.st.EffectiveLCP = ms
	st, ok := p.st, p.shouldNotify()
	p.mu.Unlock()

	p.send(ctx, MsgMetrics, st)
	if ok {
		p.send(ctx, MsgUpdate, st)
	}
	return nil
}

// QueryStatus returns the status and enables update notifications.
func (p *Page) QueryStatus() status.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queried = true
	return p.st
}

// InsertRule generates candidates for req and injects them as speculation
// rules. It returns the warmed urls, nil when nothing was eligible. Urls are
// marked warmed only once the injection succeeded.
func (p *Page) InsertRule(ctx context.Context, req InsertRule) ([]string, error) {
	p.insertMu.Lock()
	defer p.insertMu.Unlock()

	p.mu.Lock()
	var src speculate.Source
	if p.doc != nil {
		src = p.doc
	}
	filter := &deferredWarm{speculate.Filter{Current: p.st.URL, Site: req.Site, Warmed: p.warmed}}
	urls := speculate.Generate(src, speculate.Options{
		ExplicitURL: req.To.URL,
		Selector:    req.To.Selector,
		Limit:       req.Limit,
		HasRules:    p.st.HasSpecrules || p.st.HasInjectedSpecrules,
		Manual:      req.Manual,
	}, filter)
	p.mu.Unlock()

	if len(urls) == 0 {
		return nil, nil
	}
	rules, err := speculate.RulesJSON(urls)
	if err != nil {
		return nil, fmt.Errorf("page: insert rule: %w", err)
	}
	if p.injector != nil {
		if err := p.injector.InjectRules(ctx, rules); err != nil {
			return nil, fmt.Errorf("page: insert rule: %w", err)
		}
	}

	p.mu.Lock()
	for _, u := range urls {
		p.warmed.Add(u)
	}
	p.st.HasInjectedSpecrules = true
	p.injected = append(p.injected, urls...)
	st, ok := p.st, p.shouldNotify()
	p.mu.Unlock()

	p.logger.Debug("page: rules injected", "url", st.URL, "urls", urls)
	if ok {
		p.send(ctx, MsgUpdate, st)
	}
	return urls, nil
}

// Handle serves one background command.
func (p *Page) Handle(ctx context.Context, cmd Command) (Reply, error) {
	switch cmd.Command {
	case CmdQueryStatus:
		st := p.QueryStatus()
		return Reply{Status: &st}, nil
	case CmdInsertRule:
		if cmd.Insert == nil {
			return Reply{}, fmt.Errorf("page: %s: missing payload", cmd.Command)
		}
		urls, err := p.InsertRule(ctx, *cmd.Insert)
		return Reply{URLs: urls}, err
	default:
		return Reply{}, fmt.Errorf("page: unknown command %q", cmd.Command)
	}
}

func (p *Page) checkRules(ctx context.Context, notify bool) {
	p.mu.Lock()
	if p.doc != nil {
		p.st.HasSpecrules = p.doc.HasSpeculationRules()
	}
	st, ok := p.st, notify && p.shouldNotify()
	p.mu.Unlock()
	if ok {
		p.send(ctx, MsgUpdate, st)
	}
}

// deferredWarm checks eligibility against the page's warmed set but leaves
// warming to InsertRule.
type deferredWarm struct {
	speculate.Filter
}

func (*deferredWarm) Warm(string) {}

// shouldNotify reports whether an update may be sent. Caller holds p.mu.
func (p *Page) shouldNotify() bool {
	return p.queried && !(p.st.Prerendered && !p.st.Activated)
}

func (p *Page) send(ctx context.Context, message string, st status.Status) {
	if p.sender == nil {
		return
	}
	if err := p.sender(ctx, message, st); err != nil {
		p.logger.Warn("page: send failed", "message", message, "url", st.URL, "error", err)
	}
}
