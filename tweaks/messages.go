package tweaks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/prerender/idgen"
	"github.com/hazyhaar/prerender/kit"
	"github.com/hazyhaar/prerender/settings"
	"github.com/hazyhaar/prerender/speculate"
	"github.com/hazyhaar/prerender/status"
)

// Message names served by the router.
const (
	MsgUpdate             = "update"
	MsgMetrics            = "metrics"
	MsgSettings           = "settings"
	MsgClearAllMetrics    = "clearAllMetrics"
	MsgClearOriginMetrics = "clearOriginMetrics"
	MsgDebug              = "debug"
)

// ErrNoTab is returned for page messages that carry no sender tab.
var ErrNoTab = errors.New("tweaks: message without sender tab")

// Message is the payload of every routed message. Origin defaults to the
// origin of Status.URL.
type Message struct {
	Status *status.Status `json:"status,omitempty"`
	Origin string         `json:"origin,omitempty"`
}

func (m Message) origin() string {
	if m.Origin != "" {
		return m.Origin
	}
	if m.Status != nil {
		return speculate.OriginOf(m.Status.URL)
	}
	return ""
}

// Deliver routes a message as if sent by the page in tabID. A tabID of 0
// sends it without a sender tab, as the popup does.
func (s *Service) Deliver(ctx context.Context, tabID int, name string, msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("tweaks: deliver %s: %w", name, err)
	}
	if tabID != 0 {
		ctx = kit.WithTabID(ctx, tabID)
	}
	if kit.GetRequestID(ctx) == "" {
		ctx = kit.WithRequestID(ctx, idgen.New())
	}
	return s.router.Call(ctx, name, payload)
}

func (s *Service) registerMessages() {
	s.router.RegisterLocal(MsgUpdate, s.handleUpdate)
	s.router.RegisterLocal(MsgMetrics, s.handleMetrics)
	s.router.RegisterLocal(MsgSettings, s.handleSettings)
	s.router.RegisterLocal(MsgClearAllMetrics, s.handleClearAll)
	s.router.RegisterLocal(MsgClearOriginMetrics, s.handleClearOrigin)
	s.router.RegisterLocal(MsgDebug, s.handleDebug)
}

func decodeMessage(name string, payload []byte) (Message, error) {
	var m Message
	if len(payload) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		return m, fmt.Errorf("tweaks: %s: decode: %w", name, err)
	}
	return m, nil
}

// handleUpdate overlays the improvement score on prerendered pages and
// refreshes the tab's badge. Replies with the new badge.
func (s *Service) handleUpdate(ctx context.Context, payload []byte) ([]byte, error) {
	tabID, ok := kit.GetTabID(ctx)
	if !ok {
		return nil, ErrNoTab
	}
	m, err := decodeMessage(MsgUpdate, payload)
	if err != nil {
		return nil, err
	}
	if m.Status == nil {
		return nil, fmt.Errorf("tweaks: %s: missing status", MsgUpdate)
	}
	st := *m.Status
	if s.isStale(tabID, &st) {
		s.logger.Debug("tweaks: stale update dropped", "tab", tabID, "url", st.URL, "load_id", st.LoadID)
		return nil, nil
	}

	st.Score = 0
	if st.Prerendered && st.EffectiveLCP > 0 {
		score, err := s.metrics.EvaluateScore(ctx, m.origin(), st.EffectiveLCP)
		if err != nil {
			s.logger.Warn("tweaks: score failed", "tab", tabID, "origin", m.origin(), "error", err)
		} else if score > 0 {
			st.Score = score
		}
	}

	badge, _ := s.board.Update(tabID, &st)
	return json.Marshal(badge)
}

// handleMetrics records the page's paint latency. Pages restored from the
// back/forward cache are skipped.
func (s *Service) handleMetrics(ctx context.Context, payload []byte) ([]byte, error) {
	on, err := s.settings.Bool(ctx, settings.RecordMetrics)
	if err != nil {
		return nil, err
	}
	if !on {
		return nil, nil
	}
	m, err := decodeMessage(MsgMetrics, payload)
	if err != nil {
		return nil, err
	}
	if m.Status == nil {
		return nil, fmt.Errorf("tweaks: %s: missing status", MsgMetrics)
	}
	if m.Status.RestoredFromBFCache {
		return nil, nil
	}
	if err := s.metrics.Record(ctx, m.origin(), m.Status.Prerendered, m.Status.EffectiveLCP); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Service) handleSettings(ctx context.Context, _ []byte) ([]byte, error) {
	snap, err := s.settings.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}

func (s *Service) handleClearAll(ctx context.Context, _ []byte) ([]byte, error) {
	return nil, s.ClearMetrics(ctx, "")
}

// handleClearOrigin clears the payload's origin, or the active tab's.
func (s *Service) handleClearOrigin(ctx context.Context, payload []byte) ([]byte, error) {
	m, err := decodeMessage(MsgClearOriginMetrics, payload)
	if err != nil {
		return nil, err
	}
	origin := m.origin()
	if origin == "" {
		_, u := s.ActiveTab()
		origin = speculate.OriginOf(u)
	}
	if origin == "" {
		return nil, fmt.Errorf("tweaks: %s: no origin", MsgClearOriginMetrics)
	}
	return nil, s.ClearMetrics(ctx, origin)
}

func (s *Service) handleDebug(ctx context.Context, _ []byte) ([]byte, error) {
	return nil, s.metrics.Dump(ctx)
}
