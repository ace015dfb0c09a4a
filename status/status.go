// Package status holds the per-page prerender status record and reduces it
// to the toolbar badge.
package status

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// Title is the first tooltip line of every badge.
const Title = "Prerender Tweaks"

// Status is the prerender state of one page load. The page owns it; other
// components receive whole copies. Score is the only field overlaid by the
// orchestrator.
type Status struct {
	Prerendered          bool    `json:"prerendered"`
	URL                  string  `json:"url"`
	Site                 string  `json:"site,omitempty"`
	Activated            bool    `json:"activated"`
	HasSpecrules         bool    `json:"hasSpecrules"`
	HasInjectedSpecrules bool    `json:"hasInjectedSpecrules"`
	RestoredFromBFCache  bool    `json:"restoredFromBFCache"`
	EffectiveLCP         float64 `json:"effectiveLargestContentfulPaint"`
	Score                float64 `json:"score,omitempty"`
	UnsupportedPage      bool    `json:"unsupportedPage,omitempty"`
	LoadID               string  `json:"loadId,omitempty"`
}

// Badge is what the toolbar shows for a tab. An empty Color leaves the
// previous color in place.
type Badge struct {
	Text    string `json:"text"`
	Color   string `json:"color,omitempty"`
	Tooltip string `json:"tooltip"`
}

// Render reduces st to a badge. Precedence: BFCache restore, then
// unsupported page, then the additive prerendered/rules flags. A non-zero
// score finally replaces the text and adds a tooltip line. A nil status
// renders the zero Badge.
func Render(st *Status) Badge {
	if st == nil {
		return Badge{}
	}

	text := "|"
	color := ""
	lines := []string{Title}

	switch {
	case st.RestoredFromBFCache:
		text += "$|"
		color = "#f0f"
		lines = append(lines, "Restored from BFCache")
	case st.UnsupportedPage:
		text = "X"
		color = "#f77"
		lines = append(lines, "Unsupported page")
	default:
		if st.Prerendered {
			text += "P|"
			color = "#00f"
			lines = append(lines, "Prerendered")
		}
		if st.HasInjectedSpecrules {
			text += "I|"
			if color == "" {
				color = "#ff0"
			}
			lines = append(lines, "Page contains tweaked speculationrules")
		} else if st.HasSpecrules {
			text += "S|"
			color = "#0f0"
			lines = append(lines, "Page contains speculationrules")
		}
	}
	if text == "|" {
		text = ""
	}

	if st.Score != 0 && !math.IsNaN(st.Score) {
		text = fmt.Sprintf("%+.1fs", st.Score)
		verb := "Improved"
		if st.Score < 0 {
			verb = "Slowed"
		}
		lines = append(lines, fmt.Sprintf("%s LCP by %.1f sec", verb, math.Abs(st.Score)))
	}

	return Badge{Text: text, Color: color, Tooltip: strings.Join(lines, "\n")}
}

// Board keeps the last status and badge of every tab.
type Board struct {
	mu   sync.RWMutex
	tabs map[int]entry
}

type entry struct {
	status Status
	badge  Badge
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{tabs: make(map[int]entry)}
}

// Update renders st for tabID and stores both. A nil status changes nothing.
func (b *Board) Update(tabID int, st *Status) (Badge, bool) {
	if st == nil {
		return Badge{}, false
	}
	badge := Render(st)
	b.mu.Lock()
	b.tabs[tabID] = entry{status: *st, badge: badge}
	b.mu.Unlock()
	return badge, true
}

// Badge returns the tab's current badge.
func (b *Board) Badge(tabID int) (Badge, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.tabs[tabID]
	return e.badge, ok
}

// Status returns a copy of the tab's last status.
func (b *Board) Status(tabID int) (Status, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.tabs[tabID]
	return e.status, ok
}

// Delete forgets the tab.
func (b *Board) Delete(tabID int) {
	b.mu.Lock()
	delete(b.tabs, tabID)
	b.mu.Unlock()
}
