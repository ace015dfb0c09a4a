// Package tweaks is the background orchestrator. It turns tab events into
// page commands, keeps the navigation predictor fed, applies the settings
// and blocked origins, records paint latency and maintains the per-tab
// badge. Page messages arrive through a connectivity.Router; the same
// operations are exposed over HTTP (Routes) and MCP (RegisterMCP).
package tweaks

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hazyhaar/prerender/blocklist"
	"github.com/hazyhaar/prerender/connectivity"
	"github.com/hazyhaar/prerender/metrics"
	"github.com/hazyhaar/prerender/navtrack"
	"github.com/hazyhaar/prerender/page"
	"github.com/hazyhaar/prerender/settings"
	"github.com/hazyhaar/prerender/speculate"
	"github.com/hazyhaar/prerender/status"
)

// Host delivers commands to the page living in a tab.
type Host interface {
	Send(ctx context.Context, tabID int, cmd page.Command) (page.Reply, error)
}

// Deps are the collaborators of a Service. Every field except Logger is
// required.
type Deps struct {
	Tracker   *navtrack.Tracker
	Metrics   *metrics.Store
	Settings  *settings.Settings
	Blocklist *blocklist.List
	Board     *status.Board
	Router    *connectivity.Router
	Host      Host
	Logger    *slog.Logger
}

// Service wires the components together.
type Service struct {
	tracker  *navtrack.Tracker
	metrics  *metrics.Store
	settings *settings.Settings
	blocked  *blocklist.List
	board    *status.Board
	router   *connectivity.Router
	host     Host
	logger   *slog.Logger

	adminUser string
	adminHash string
	audit     Auditor

	mu          sync.Mutex
	tabs        map[int]tab
	predictions map[int]navtrack.Target
	active      int
}

type tab struct {
	url    string
	loadID string
}

// Option configures a Service.
type Option func(*Service)

// WithAdmin protects the destructive HTTP endpoints with basic auth. An
// empty hash leaves them open.
func WithAdmin(user, bcryptHash string) Option {
	return func(s *Service) {
		s.adminUser = user
		s.adminHash = bcryptHash
	}
}

// New builds the service, registers its message handlers on the router and
// subscribes to the tracker.
func New(d Deps, opts ...Option) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Service{
		tracker:     d.Tracker,
		metrics:     d.Metrics,
		settings:    d.Settings,
		blocked:     d.Blocklist,
		board:       d.Board,
		router:      d.Router,
		host:        d.Host,
		logger:      d.Logger,
		adminUser:   "admin",
		tabs:        make(map[int]tab),
		predictions: make(map[int]navtrack.Target),
	}
	for _, o := range opts {
		o(s)
	}
	s.tracker.Observe(s.onPrediction)
	s.registerMessages()
	return s
}

// Load reads every persisted component.
func (s *Service) Load(ctx context.Context) error {
	if err := s.settings.Load(ctx); err != nil {
		return err
	}
	if err := s.blocked.Load(ctx); err != nil {
		return err
	}
	return s.metrics.Load(ctx)
}

// SetHost replaces the page host.
func (s *Service) SetHost(h Host) {
	s.mu.Lock()
	s.host = h
	s.mu.Unlock()
}

func (s *Service) getHost() Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

func (s *Service) onPrediction(e navtrack.Event) {
	switch e.Kind {
	case navtrack.Predict:
		s.mu.Lock()
		s.predictions[e.TabID] = e.To
		s.mu.Unlock()
		s.logger.Debug("tweaks: prediction", "tab", e.TabID, "url", e.To.URL, "selector", e.To.Selector)
	case navtrack.Hit:
		s.logger.Info("tweaks: prediction hit", "tab", e.TabID, "from", e.From, "url", e.To.URL)
	}
}

// OnTabUpdated handles a tab navigation. A loading update feeds the
// predictor; the complete update injects rules and queries the page.
func (s *Service) OnTabUpdated(ctx context.Context, tabID int, rawURL string, complete bool) {
	if rawURL == "" {
		return
	}
	s.navigate(tabID, rawURL)
	if !complete {
		return
	}

	if !speculate.IsHTTP(rawURL) {
		s.board.Update(tabID, &status.Status{URL: rawURL, UnsupportedPage: true})
		return
	}

	if err := s.autoInject(ctx, tabID, rawURL); err != nil {
		s.logger.Warn("tweaks: auto injection failed", "tab", tabID, "url", rawURL, "error", err)
	}
	s.checkStatus(ctx, tabID)
}

// navigate records the tab's url and feeds the tracker once per distinct
// page. The tab's prediction is reset so a stale one is never reused.
func (s *Service) navigate(tabID int, rawURL string) {
	s.mu.Lock()
	prev, known := s.tabs[tabID]
	same := known && navtrack.Normalize(prev.url) == navtrack.Normalize(rawURL)
	if !same {
		s.tabs[tabID] = tab{url: rawURL}
		delete(s.predictions, tabID)
	} else {
		prev.url = rawURL
		s.tabs[tabID] = prev
	}
	s.mu.Unlock()

	if !same {
		s.tracker.OnNavigation(tabID, rawURL)
	}
}

func (s *Service) autoInject(ctx context.Context, tabID int, rawURL string) error {
	snap, err := s.settings.Snapshot(ctx)
	if err != nil {
		return err
	}
	if !snap.AutoInjection {
		return nil
	}
	blocked, err := s.blocked.IsBlocked(ctx, speculate.OriginOf(rawURL))
	if err != nil {
		return err
	}
	if blocked {
		s.logger.Debug("tweaks: origin blocked", "tab", tabID, "url", rawURL)
		return nil
	}

	req := page.InsertRule{Limit: snap.MaxRulesByAnchors}
	if snap.CrossOriginSameSiteSupport {
		req.Site = speculate.SiteOf(rawURL)
	}
	if snap.LastVisitInjection {
		s.mu.Lock()
		req.To = s.predictions[tabID]
		s.mu.Unlock()
	}
	_, err = s.insert(ctx, tabID, req)
	return err
}

func (s *Service) insert(ctx context.Context, tabID int, req page.InsertRule) ([]string, error) {
	h := s.getHost()
	if h == nil {
		return nil, nil
	}
	reply, err := h.Send(ctx, tabID, page.Command{Command: page.CmdInsertRule, Insert: &req})
	if err != nil {
		return nil, err
	}
	if len(reply.URLs) > 0 {
		s.logger.Info("tweaks: rules inserted", "tab", tabID, "urls", reply.URLs)
	}
	return reply.URLs, nil
}

// checkStatus queries the page and refreshes the badge. A reply that no
// longer matches the tab's page is dropped.
func (s *Service) checkStatus(ctx context.Context, tabID int) {
	h := s.getHost()
	if h == nil {
		return
	}
	s.mu.Lock()
	asked := s.tabs[tabID].url
	s.mu.Unlock()

	reply, err := h.Send(ctx, tabID, page.Command{Command: page.CmdQueryStatus})
	if err != nil {
		s.logger.Debug("tweaks: query status failed", "tab", tabID, "error", err)
		return
	}
	if reply.Status == nil {
		return
	}

	s.mu.Lock()
	cur, ok := s.tabs[tabID]
	fresh := ok && cur.url == asked && navtrack.Normalize(reply.Status.URL) == navtrack.Normalize(asked)
	if fresh {
		cur.loadID = reply.Status.LoadID
		s.tabs[tabID] = cur
	}
	s.mu.Unlock()
	if !fresh {
		s.logger.Debug("tweaks: stale status dropped", "tab", tabID, "url", reply.Status.URL)
		return
	}
	s.board.Update(tabID, reply.Status)
}

// isStale reports whether st no longer describes the page in tabID. Every
// reply from a closed or unknown tab is stale.
func (s *Service) isStale(tabID int, st *status.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tabs[tabID]
	if !ok {
		return true
	}
	if navtrack.Normalize(cur.url) != navtrack.Normalize(st.URL) {
		return true
	}
	return cur.loadID != "" && st.LoadID != "" && cur.loadID != st.LoadID
}

// OnTabActivated handles a tab switch.
func (s *Service) OnTabActivated(ctx context.Context, tabID int) {
	s.mu.Lock()
	s.active = tabID
	t, ok := s.tabs[tabID]
	s.mu.Unlock()
	if ok && speculate.IsHTTP(t.url) {
		s.checkStatus(ctx, tabID)
	}
}

// OnTabRemoved forgets everything about the tab.
func (s *Service) OnTabRemoved(tabID int) {
	s.tracker.OnRemoved(tabID)
	s.board.Delete(tabID)
	s.mu.Lock()
	delete(s.tabs, tabID)
	delete(s.predictions, tabID)
	if s.active == tabID {
		s.active = 0
	}
	s.mu.Unlock()
}

// OnSelectorClick records that clicking selector on from led to target.
func (s *Service) OnSelectorClick(from, selector, target string) {
	s.tracker.OnSelectorClick(from, selector, target)
}

// OnAnchorHover warms the hovered link when hover injection is enabled and
// the tab's origin is not blocked.
func (s *Service) OnAnchorHover(ctx context.Context, tabID int, linkURL string) ([]string, error) {
	on, err := s.settings.Bool(ctx, settings.AnchorHoverInjection)
	if err != nil || !on {
		return nil, err
	}
	s.mu.Lock()
	t := s.tabs[tabID]
	s.mu.Unlock()
	if origin := speculate.OriginOf(t.url); origin != "" {
		blocked, err := s.blocked.IsBlocked(ctx, origin)
		if err != nil || blocked {
			return nil, err
		}
	}
	return s.insert(ctx, tabID, page.InsertRule{To: navtrack.Target{URL: linkURL}, Manual: true})
}

// PrerenderLink warms linkURL on the user's explicit request.
func (s *Service) PrerenderLink(ctx context.Context, tabID int, linkURL string) ([]string, error) {
	return s.insert(ctx, tabID, page.InsertRule{To: navtrack.Target{URL: linkURL}, Manual: true})
}

// Badge returns the current badge of a tab.
func (s *Service) Badge(tabID int) (status.Badge, bool) {
	return s.board.Badge(tabID)
}

// ActiveTab returns the last activated tab and its url.
func (s *Service) ActiveTab() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.tabs[s.active].url
}

// PageSender returns the page.Sender of tabID: page messages are routed
// through the message router with the tab in the context.
func (s *Service) PageSender(tabID int) page.Sender {
	return func(ctx context.Context, message string, st status.Status) error {
		_, err := s.Deliver(ctx, tabID, message, Message{Status: &st})
		return err
	}
}
