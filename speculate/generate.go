package speculate

// DefaultLimit caps the URLs produced by one Generate call.
const DefaultLimit = 5

// Source supplies candidate links from the current page.
type Source interface {
	// Anchors returns every link on the page in DOM order.
	Anchors() []string
	// Select returns the links of the elements matching selector, in DOM order.
	Select(selector string) []string
}

// Options drive one Generate call.
type Options struct {
	ExplicitURL string
	Selector    string
	Limit       int
	// HasRules is true when the page already carries native or injected rules.
	HasRules bool
	// Manual marks a user-initiated request (hover, context menu). It is
	// served even when the page already has rules.
	Manual bool
}

// Generate returns the URLs to warm, in source order, deduplicated, eligible
// and capped at the limit. The explicit URL comes first, then the links
// matched by the selector. Only when neither is given are all anchors used.
// Every returned URL is marked warmed, so a repeated call never returns it
// again within the same page load.
func Generate(src Source, opts Options, elig Eligibility) []string {
	if opts.HasRules && !opts.Manual {
		return nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var candidates []string
	if opts.ExplicitURL != "" {
		candidates = append(candidates, opts.ExplicitURL)
	}
	if opts.Selector != "" && src != nil {
		candidates = append(candidates, src.Select(opts.Selector)...)
	}
	if opts.ExplicitURL == "" && opts.Selector == "" && src != nil {
		candidates = src.Anchors()
	}

	seen := make(map[string]struct{}, len(candidates))
	var out []string
	for _, c := range candidates {
		if len(out) >= limit {
			break
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		if !elig.Eligible(c) {
			continue
		}
		out = append(out, c)
	}
	for _, u := range out {
		elig.Warm(u)
	}
	return out
}
