package tweaks

import (
	"context"

	"github.com/hazyhaar/prerender/audit"
)

// Audit action names.
const (
	ActionClearMetrics = "metrics.clear"
	ActionSetSetting   = "settings.set"
	ActionBlock        = "blocklist.block"
	ActionAllow        = "blocklist.allow"
)

// Auditor records administrative changes. *audit.Log implements it.
type Auditor interface {
	Record(ctx context.Context, action string, params any, err error) error
}

// WithAudit records every administrative change to a.
func WithAudit(a Auditor) Option {
	return func(s *Service) { s.audit = a }
}

// ClearMetrics erases the histograms of origin, or all of them when origin
// is empty.
func (s *Service) ClearMetrics(ctx context.Context, origin string) error {
	var err error
	if origin == "" {
		err = s.metrics.ClearAll(ctx)
	} else {
		err = s.metrics.ClearOrigin(ctx, origin)
	}
	s.record(ctx, ActionClearMetrics, map[string]string{"origin": origin}, err)
	return err
}

// SetSetting validates and stores one setting.
func (s *Service) SetSetting(ctx context.Context, key string, value any) error {
	err := s.settings.Set(ctx, key, value)
	s.record(ctx, ActionSetSetting, map[string]any{"key": key, "value": value}, err)
	return err
}

// SetBlocked adds origin to the blocklist, or removes it.
func (s *Service) SetBlocked(ctx context.Context, origin string, blocked bool) error {
	var err error
	action := ActionBlock
	if blocked {
		err = s.blocked.Block(ctx, origin)
	} else {
		action = ActionAllow
		err = s.blocked.Allow(ctx, origin)
	}
	s.record(ctx, action, map[string]string{"origin": origin}, err)
	return err
}

// AuditTrail returns the latest audited changes, or nil without an audit log
// that supports queries.
func (s *Service) AuditTrail(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	q, ok := s.audit.(interface {
		Query(context.Context, audit.Filter) ([]audit.Entry, error)
	})
	if !ok {
		return nil, nil
	}
	return q.Query(ctx, f)
}

func (s *Service) record(ctx context.Context, action string, params any, opErr error) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, action, params, opErr); err != nil {
		s.logger.Warn("tweaks: audit failed", "action", action, "error", err)
	}
}
