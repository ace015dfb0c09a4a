package hostrod

import (
	"encoding/json"
	"fmt"
)

// bindingName is the Runtime binding the bootstrap script reports through.
const bindingName = "__prerender_binding"

// bootstrapJS runs in every document before its own scripts. It reports
// page events as JSON signals through the binding. Mutations are throttled
// with an in-flight flag so a burst produces one signal per 100 ms.
const bootstrapJS = `(() => {
  const send = (s) => { try { window.__prerender_binding(JSON.stringify(s)); } catch (e) {} };

  if (document.prerendering) {
    document.addEventListener('prerenderingchange', () => send({kind: 'prerenderingchange'}), {once: true});
  }
  window.addEventListener('pageshow', (e) => send({kind: 'pageshow', persisted: e.persisted}));

  let inFlight = false;
  const start = () => {
    new MutationObserver(() => {
      if (inFlight) return;
      inFlight = true;
      setTimeout(() => { inFlight = false; send({kind: 'mutation'}); }, 100);
    }).observe(document, {childList: true, subtree: true});
  };
  if (document.readyState === 'loading') {
    document.addEventListener('DOMContentLoaded', start);
  } else {
    start();
  }

  let lcp = 0;
  let reported = false;
  try {
    new PerformanceObserver((list) => {
      const entries = list.getEntries();
      const last = entries[entries.length - 1];
      if (!last) return;
      const nav = performance.getEntriesByType('navigation')[0];
      const activation = (nav && nav.activationStart) || 0;
      lcp = Math.max(0, last.startTime - activation);
    }).observe({type: 'largest-contentful-paint', buffered: true});
  } catch (e) {}
  const report = () => {
    if (reported || lcp <= 0) return;
    reported = true;
    send({kind: 'lcp', value: lcp});
  };
  document.addEventListener('visibilitychange', () => { if (document.visibilityState === 'hidden') report(); });
  window.addEventListener('pagehide', report);

  const selectorOf = (el) => {
    if (el.id) return el.tagName.toLowerCase() + '#' + el.id;
    const cls = [...el.classList].slice(0, 2).map((c) => '.' + c).join('');
    return el.tagName.toLowerCase() + cls;
  };
  document.addEventListener('click', (e) => {
    const a = e.target && e.target.closest && e.target.closest('a[href]');
    if (a) send({kind: 'click', selector: selectorOf(a), url: a.href});
  }, true);
  document.addEventListener('mouseover', (e) => {
    const a = e.target && e.target.closest && e.target.closest('a[href]');
    if (a) send({kind: 'hover', url: a.href});
  }, true);
})();`

// stateJS reports the page url and its prerender state as JSON.
const stateJS = `() => {
  const nav = performance.getEntriesByType('navigation')[0];
  const activated = !!(nav && nav.activationStart > 0);
  return JSON.stringify({
    url: location.href,
    prerendered: document.prerendering || activated,
    activated: activated,
  });
}`

// injectJS appends a speculation-rules script to the document head.
const injectJS = `(rules) => {
  const s = document.createElement('script');
  s.type = 'speculationrules';
  s.textContent = rules;
  (document.head || document.documentElement).appendChild(s);
}`

// Signal kinds sent by bootstrapJS.
const (
	kindMutation           = "mutation"
	kindPageShow           = "pageshow"
	kindPrerenderingChange = "prerenderingchange"
	kindLCP                = "lcp"
	kindClick              = "click"
	kindHover              = "hover"
)

type signal struct {
	Kind      string  `json:"kind"`
	Persisted bool    `json:"persisted,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Selector  string  `json:"selector,omitempty"`
	URL       string  `json:"url,omitempty"`
}

func decodeSignal(payload string) (signal, error) {
	var s signal
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return s, fmt.Errorf("hostrod: decode signal: %w", err)
	}
	switch s.Kind {
	case kindMutation, kindPageShow, kindPrerenderingChange:
	case kindLCP:
		if s.Value <= 0 {
			return s, fmt.Errorf("hostrod: lcp signal without value")
		}
	case kindClick:
		if s.Selector == "" || s.URL == "" {
			return s, fmt.Errorf("hostrod: click signal without selector or url")
		}
	case kindHover:
		if s.URL == "" {
			return s, fmt.Errorf("hostrod: hover signal without url")
		}
	default:
		return s, fmt.Errorf("hostrod: unknown signal %q", s.Kind)
	}
	return s, nil
}

type pageState struct {
	URL         string `json:"url"`
	Prerendered bool   `json:"prerendered"`
	Activated   bool   `json:"activated"`
}

func decodeState(raw string) (pageState, error) {
	var st pageState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return st, fmt.Errorf("hostrod: decode page state: %w", err)
	}
	return st, nil
}
