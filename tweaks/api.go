package tweaks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/prerender/audit"
	"github.com/hazyhaar/prerender/blocklist"
	"github.com/hazyhaar/prerender/connectivity"
	"github.com/hazyhaar/prerender/metrics"
	"github.com/hazyhaar/prerender/settings"
	"github.com/hazyhaar/prerender/shield"
)

// Loader is implemented by hosts that can load a page from markup, such as
// the in-process page.Registry. The navigate endpoint uses it when the body
// carries html.
type Loader interface {
	Load(ctx context.Context, tabID int, url, html string, prerendering bool) error
}

// TabCloser is implemented by hosts that can close a tab.
type TabCloser interface {
	CloseTab(tabID int)
}

// Routes returns the HTTP API.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.APIStack() {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/api/services", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, slices.Collect(s.router.ListServices()))
	})

	r.Route("/api/tabs/{tabID}", func(r chi.Router) {
		r.Post("/navigate", s.apiNavigate)
		r.Post("/activate", func(w http.ResponseWriter, r *http.Request) {
			tabID, ok := tabParam(w, r)
			if !ok {
				return
			}
			s.OnTabActivated(r.Context(), tabID)
			writeBadge(w, s, tabID)
		})
		r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
			tabID, ok := tabParam(w, r)
			if !ok {
				return
			}
			s.OnTabRemoved(tabID)
			if c, ok := s.getHost().(TabCloser); ok {
				c.CloseTab(tabID)
			}
			writeJSON(w, 200, map[string]string{"status": "removed"})
		})
		r.Post("/click", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				From     string `json:"from"`
				Selector string `json:"selector"`
				Target   string `json:"target"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			s.OnSelectorClick(req.From, req.Selector, req.Target)
			writeJSON(w, 200, map[string]string{"status": "ok"})
		})
		r.Post("/prerender", func(w http.ResponseWriter, r *http.Request) {
			s.apiLink(w, r, s.PrerenderLink)
		})
		r.Post("/hover", func(w http.ResponseWriter, r *http.Request) {
			s.apiLink(w, r, s.OnAnchorHover)
		})
		r.Get("/badge", func(w http.ResponseWriter, r *http.Request) {
			tabID, ok := tabParam(w, r)
			if !ok {
				return
			}
			writeBadge(w, s, tabID)
		})
	})

	r.Post("/api/messages/{name}", s.apiMessage)

	r.Get("/api/predict", func(w http.ResponseWriter, r *http.Request) {
		rec, ok := s.tracker.Lookup(r.URL.Query().Get("url"))
		if !ok {
			writeJSON(w, 404, map[string]string{"error": "no prediction"})
			return
		}
		writeJSON(w, 200, rec)
	})

	r.Get("/api/metrics", func(w http.ResponseWriter, r *http.Request) {
		lcp, err := s.metrics.Read(r.Context(), r.URL.Query().Get("origin"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, lcp)
	})
	r.Group(func(r chi.Router) {
		r.Use(shield.BasicAuth("prerender", s.adminUser, s.adminHash))
		r.Delete("/api/metrics", func(w http.ResponseWriter, r *http.Request) {
			if err := s.ClearMetrics(r.Context(), ""); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "cleared"})
		})
		r.Delete("/api/metrics/origin", func(w http.ResponseWriter, r *http.Request) {
			origin := r.URL.Query().Get("origin")
			if origin == "" {
				writeJSON(w, 400, map[string]string{"error": "origin required"})
				return
			}
			if err := s.ClearMetrics(r.Context(), origin); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "cleared", "origin": origin})
		})
		r.Get("/api/audit", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			entries, err := s.AuditTrail(r.Context(), audit.Filter{
				Action: r.URL.Query().Get("action"),
				Limit:  limit,
			})
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, 200, map[string]any{"entries": entries})
		})
	})

	r.Get("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.settings.Snapshot(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, snap)
	})
	r.Get("/api/settings/{key}", func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		v, err := s.settings.Get(r.Context(), key)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, map[string]any{"key": key, "value": v})
	})
	r.Put("/api/settings/{key}", func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		var req struct {
			Value any `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		if err := s.SetSetting(r.Context(), key, req.Value); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		v, err := s.settings.Get(r.Context(), key)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, map[string]any{"key": key, "value": v})
	})

	r.Route("/api/blocked", func(r chi.Router) {
		r.Get("/", s.apiBlockedGet)
		r.Put("/", func(w http.ResponseWriter, r *http.Request) {
			s.apiBlockedSet(w, r, true)
		})
		r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
			s.apiBlockedSet(w, r, false)
		})
	})

	return r
}

func (s *Service) apiNavigate(w http.ResponseWriter, r *http.Request) {
	tabID, ok := tabParam(w, r)
	if !ok {
		return
	}
	var req struct {
		URL         string `json:"url"`
		Complete    bool   `json:"complete"`
		HTML        string `json:"html,omitempty"`
		Prerendered bool   `json:"prerendered,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if req.URL == "" {
		writeJSON(w, 400, map[string]string{"error": "url required"})
		return
	}
	if req.Complete && req.HTML != "" {
		l, ok := s.getHost().(Loader)
		if !ok {
			writeJSON(w, 400, map[string]string{"error": "host cannot load markup"})
			return
		}
		if err := l.Load(r.Context(), tabID, req.URL, req.HTML, req.Prerendered); err != nil {
			writeError(w, 400, err)
			return
		}
	}
	s.OnTabUpdated(r.Context(), tabID, req.URL, req.Complete)
	writeBadge(w, s, tabID)
}

func (s *Service) apiLink(w http.ResponseWriter, r *http.Request, fn func(context.Context, int, string) ([]string, error)) {
	tabID, ok := tabParam(w, r)
	if !ok {
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if req.URL == "" {
		writeJSON(w, 400, map[string]string{"error": "url required"})
		return
	}
	urls, err := fn(r.Context(), tabID, req.URL)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if urls == nil {
		urls = []string{}
	}
	writeJSON(w, 200, map[string]any{"urls": urls})
}

// apiMessage forwards the body to the router. The sender tab comes from
// the X-Tab-ID header.
func (s *Service) apiMessage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, 400, err)
		return
	}
	var msg Message
	if len(body) > 0 {
		if err := json.Unmarshal(body, &msg); err != nil {
			writeError(w, 400, err)
			return
		}
	}
	tabID := 0
	if h := r.Header.Get("X-Tab-ID"); h != "" {
		tabID, err = strconv.Atoi(h)
		if err != nil || tabID <= 0 {
			writeJSON(w, 400, map[string]string{"error": "invalid X-Tab-ID"})
			return
		}
	}

	resp, err := s.Deliver(r.Context(), tabID, name, msg)
	if err != nil {
		shield.GetLogger(r.Context()).Warn("tweaks: message failed", "message", name, "error", err)
		writeError(w, statusFor(err), err)
		return
	}
	if len(resp) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	w.Write(resp)
}

func (s *Service) apiBlockedGet(w http.ResponseWriter, r *http.Request) {
	origin := r.URL.Query().Get("origin")
	if origin == "" {
		list, err := s.blocked.Origins(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, map[string]any{"origins": list})
		return
	}
	blocked, err := s.blocked.IsBlocked(r.Context(), origin)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	norm, _ := blocklist.Normalize(origin)
	writeJSON(w, 200, map[string]any{"origin": norm, "blocked": blocked})
}

func (s *Service) apiBlockedSet(w http.ResponseWriter, r *http.Request, blocked bool) {
	origin := r.URL.Query().Get("origin")
	if err := s.SetBlocked(r.Context(), origin, blocked); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	norm, _ := blocklist.Normalize(origin)
	writeJSON(w, 200, map[string]any{"origin": norm, "blocked": blocked})
}

func tabParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "tabID"))
	if err != nil || id <= 0 {
		writeJSON(w, 400, map[string]string{"error": "invalid tab id"})
		return 0, false
	}
	return id, true
}

func writeBadge(w http.ResponseWriter, s *Service, tabID int) {
	badge, ok := s.Badge(tabID)
	writeJSON(w, 200, map[string]any{"tab": tabID, "badge": badge, "known": ok})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var notFound *connectivity.ErrServiceNotFound
	switch {
	case errors.As(err, &notFound), errors.Is(err, settings.ErrUnknownKey):
		return 404
	case errors.Is(err, settings.ErrInvalidValue),
		errors.Is(err, blocklist.ErrInvalidOrigin),
		errors.Is(err, metrics.ErrInvalidSample),
		errors.Is(err, ErrNoTab):
		return 400
	default:
		return 500
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
