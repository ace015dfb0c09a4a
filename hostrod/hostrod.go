// Package hostrod is a real browser host: it drives Chrome through go-rod,
// keeps a page.Page model per tab, feeds tab events to the orchestrator and
// executes its commands in the live document.
package hostrod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/hazyhaar/prerender/page"
)

// ErrClosed is returned once the host has been closed.
var ErrClosed = errors.New("hostrod: host is closed")

// Events receives tab events. *tweaks.Service implements it.
type Events interface {
	OnTabUpdated(ctx context.Context, tabID int, url string, complete bool)
	OnTabActivated(ctx context.Context, tabID int)
	OnTabRemoved(tabID int)
	OnSelectorClick(from, selector, target string)
	OnAnchorHover(ctx context.Context, tabID int, url string) ([]string, error)
}

// Config configures the host.
type Config struct {
	// RemoteURL is the DevTools websocket of a running Chrome. Empty
	// launches a local one.
	RemoteURL string
	// Bin overrides the Chrome binary of the launcher.
	Bin      string
	Headless bool
	// Stealth opens tabs through go-rod/stealth.
	Stealth bool
	// PageOptions builds the model options of every page load. The host
	// sets the Injector.
	PageOptions func(tabID int) page.Options
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Host owns the browser and its tabs.
type Host struct {
	cfg    Config
	events Events

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	tabs    map[int]*tab
	nextID  int
	closed  bool
}

// New returns a host. Call Start before opening tabs.
func New(cfg Config, events Events) *Host {
	cfg.defaults()
	return &Host{cfg: cfg, events: events, tabs: make(map[int]*tab)}
}

// Start launches Chrome or connects to the remote instance.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	log := h.cfg.Logger

	wsURL := h.cfg.RemoteURL
	if wsURL != "" {
		log.Info("hostrod: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(h.cfg.Headless)
		if h.cfg.Bin != "" {
			l = l.Bin(h.cfg.Bin)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("hostrod: launch: %w", err)
		}
		wsURL = u
		h.lnch = l
		log.Info("hostrod: launched local chrome", "url", wsURL, "headless", h.cfg.Headless)
	}

	b := rod.New().Context(ctx).ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if h.lnch != nil {
			h.lnch.Cleanup()
			h.lnch = nil
		}
		return fmt.Errorf("hostrod: connect: %w", err)
	}
	h.browser = b
	return nil
}

// Close closes every tab and the browser.
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	tabs := h.tabs
	h.tabs = make(map[int]*tab)
	b, l := h.browser, h.lnch
	h.browser, h.lnch = nil, nil
	h.mu.Unlock()

	for _, t := range tabs {
		t.close()
	}
	var err error
	if b != nil {
		err = b.Close()
	}
	if l != nil {
		l.Cleanup()
	}
	return err
}

// Send implements the orchestrator's Host: it runs cmd against the model of
// the tab's current page load.
func (h *Host) Send(ctx context.Context, tabID int, cmd page.Command) (page.Reply, error) {
	t, ok := h.tab(tabID)
	if !ok {
		return page.Reply{}, fmt.Errorf("%w %d", page.ErrNoPage, tabID)
	}
	m := t.current()
	if m == nil {
		return page.Reply{}, fmt.Errorf("%w %d", page.ErrNoPage, tabID)
	}
	return m.Handle(ctx, cmd)
}

// Tabs returns the open tab ids.
func (h *Host) Tabs() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]int, 0, len(h.tabs))
	for id := range h.tabs {
		ids = append(ids, id)
	}
	return ids
}

func (h *Host) tab(tabID int) (*tab, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[tabID]
	return t, ok
}
