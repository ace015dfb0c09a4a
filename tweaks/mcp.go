package tweaks

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/prerender/kit"
	"github.com/hazyhaar/prerender/navtrack"
	"github.com/hazyhaar/prerender/status"
)

// RegisterMCP registers the prerender tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerLCPTool(srv)
	s.registerBadgeTool(srv)
	s.registerPredictTool(srv)
	s.registerClearMetricsTool(srv)
	s.registerSettingsTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (s *Service) endpoint(name string, fn kit.Endpoint) kit.Endpoint {
	return kit.Logging(s.logger, name)(fn)
}

type lcpRequest struct {
	Origin string `json:"origin,omitempty"`
}

func (s *Service) registerLCPTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "prerender_lcp",
		Description: "Read the LCP histograms: global non-prerendered and prerendered series, plus the origin's when given.",
		InputSchema: inputSchema(map[string]any{
			"origin": map[string]any{"type": "string", "description": "Origin such as https://example.com"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*lcpRequest)
		return s.metrics.Read(ctx, r.Origin)
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[lcpRequest]())
}

type badgeRequest struct {
	Tab int `json:"tab"`
}

type badgeResponse struct {
	Tab    int            `json:"tab"`
	Badge  status.Badge   `json:"badge"`
	Status *status.Status `json:"status,omitempty"`
}

func (s *Service) registerBadgeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "prerender_badge",
		Description: "Show the badge and last prerender status of a tab.",
		InputSchema: inputSchema(map[string]any{
			"tab": map[string]any{"type": "integer", "description": "Tab id"},
		}, []string{"tab"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*badgeRequest)
		badge, ok := s.board.Badge(r.Tab)
		if !ok {
			return nil, fmt.Errorf("tweaks: no badge for tab %d", r.Tab)
		}
		resp := badgeResponse{Tab: r.Tab, Badge: badge}
		if st, ok := s.board.Status(r.Tab); ok {
			resp.Status = &st
		}
		return resp, nil
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[badgeRequest]())
}

type predictRequest struct {
	URL string `json:"url"`
}

type predictResponse struct {
	URL    string          `json:"url"`
	Found  bool            `json:"found"`
	Record navtrack.Record `json:"record"`
}

func (s *Service) registerPredictTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "prerender_predict",
		Description: "Look up the recorded next navigation (url and clicked selector) for a page.",
		InputSchema: inputSchema(map[string]any{
			"url": map[string]any{"type": "string", "description": "Page URL; the fragment is ignored"},
		}, []string{"url"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*predictRequest)
		if r.URL == "" {
			return nil, fmt.Errorf("tweaks: url required")
		}
		rec, ok := s.tracker.Lookup(r.URL)
		return predictResponse{URL: navtrack.Normalize(r.URL), Found: ok, Record: rec}, nil
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[predictRequest]())
}

type clearRequest struct {
	Origin string `json:"origin,omitempty"`
}

func (s *Service) registerClearMetricsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "prerender_clear_metrics",
		Description: "Clear the LCP histograms of one origin, or all of them when no origin is given.",
		InputSchema: inputSchema(map[string]any{
			"origin": map[string]any{"type": "string", "description": "Origin to clear; empty clears everything"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*clearRequest)
		if err := s.ClearMetrics(ctx, r.Origin); err != nil {
			return nil, err
		}
		if r.Origin == "" {
			return map[string]string{"status": "cleared"}, nil
		}
		return map[string]string{"status": "cleared", "origin": r.Origin}, nil
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[clearRequest]())
}

type settingsRequest struct {
	Key   string `json:"key,omitempty"`
	Value any    `json:"value,omitempty"`
}

func (s *Service) registerSettingsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "prerender_settings",
		Description: "Read all settings, or change one when key and value are given.",
		InputSchema: inputSchema(map[string]any{
			"key":   map[string]any{"type": "string", "description": "Setting name, e.g. autoInjection or maxRulesByAnchors"},
			"value": map[string]any{"description": "New value (boolean, or positive integer for maxRulesByAnchors)"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*settingsRequest)
		if r.Key != "" && r.Value != nil {
			if err := s.SetSetting(ctx, r.Key, r.Value); err != nil {
				return nil, err
			}
		}
		return s.settings.Snapshot(ctx)
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[settingsRequest]())
}
