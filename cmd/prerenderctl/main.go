// Command prerenderctl inspects and edits the prerender database offline.
// A running prerenderd picks up the changes through its storage watcher.
//
// Usage:
//
//	prerenderctl report [origin]         # LCP histograms, global and per origin
//	prerenderctl clear [origin]          # erase all histograms or one origin
//	prerenderctl blocked                 # list blocked origins
//	prerenderctl block <origin>
//	prerenderctl allow <origin>
//	prerenderctl settings [key value]    # show or change settings
//	prerenderctl audit [action]          # latest administrative changes
//	prerenderctl hash <password>         # bcrypt hash for admin_password_hash
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/prerender/audit"
	"github.com/hazyhaar/prerender/blocklist"
	"github.com/hazyhaar/prerender/kit"
	"github.com/hazyhaar/prerender/kvstore"
	"github.com/hazyhaar/prerender/metrics"
	"github.com/hazyhaar/prerender/settings"
	"github.com/hazyhaar/prerender/shield"
	"github.com/hazyhaar/prerender/tweaks"
)

var errUsage = errors.New("usage: prerenderctl [-db path] report|clear|blocked|block|allow|settings|audit|hash [args]")

func main() {
	_ = godotenv.Load()

	dbPath := flag.String("db", env("PRERENDER_DB", "prerender.db"), "path to the prerender database")
	chromium := flag.Int("chromium-version", settings.AutoInjectionMinVersion, "browser major version for setting defaults")
	noColor := flag.Bool("no-color", false, "disable colored output")
	flag.Parse()
	if *noColor {
		color.NoColor = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, *dbPath, *chromium, flag.Args()); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "prerenderctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, w io.Writer, dbPath string, chromium int, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]

	if cmd == "hash" {
		if len(rest) != 1 {
			return errUsage
		}
		h, err := shield.HashPassword(rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(w, h)
		return nil
	}

	store, err := kvstore.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	local := store.Area(kvstore.AreaLocal)

	trail := audit.New(store.DB)
	if err := trail.Init(ctx); err != nil {
		return err
	}
	ctx = kit.WithTransport(ctx, "cli")

	switch cmd {
	case "report":
		return report(ctx, w, metrics.New(local), rest)
	case "clear":
		return clearMetrics(ctx, w, trail, metrics.New(local), rest)
	case "blocked", "block", "allow":
		return blocked(ctx, w, trail, blocklist.New(store.Area(kvstore.AreaSync)), cmd, rest)
	case "settings":
		return configure(ctx, w, trail, settings.New(local, settings.Defaults(chromium)), rest)
	case "audit":
		return showAudit(ctx, w, trail, rest)
	}
	return errUsage
}

func report(ctx context.Context, w io.Writer, m *metrics.Store, args []string) error {
	ix, err := m.Index(ctx)
	if err != nil {
		return err
	}
	origins := ix.Sorted()
	if len(args) > 0 {
		origins = args
	}

	lcp, err := m.Read(ctx, "")
	if err != nil {
		return err
	}
	printPair(w, "all origins", lcp.AllN, lcp.AllP)

	for _, o := range origins {
		lcp, err := m.Read(ctx, o)
		if err != nil {
			return err
		}
		if lcp.OriginN == nil {
			fmt.Fprintf(w, "\n%s: no samples\n", o)
			continue
		}
		printPair(w, o, *lcp.OriginN, *lcp.OriginP)
	}
	return nil
}

var (
	title  = color.New(color.FgCyan, color.Bold)
	normal = color.New(color.FgYellow)
	prerd  = color.New(color.FgGreen)
	faint  = color.New(color.Faint)
)

const barWidth = 30

func printPair(w io.Writer, name string, n, p metrics.Series) {
	fmt.Fprintln(w)
	title.Fprintln(w, name)
	normal.Fprintf(w, "  normal      n=%-6d mean=%.0fms\n", n.Count, n.Mean())
	prerd.Fprintf(w, "  prerendered n=%-6d mean=%.0fms\n", p.Count, p.Mean())
	if n.Count == 0 && p.Count == 0 {
		return
	}

	var peak int64
	last := 0
	for i := range metrics.NumBuckets {
		peak = max(peak, n.Bucket[i], p.Bucket[i])
		if n.Bucket[i] > 0 || p.Bucket[i] > 0 {
			last = i
		}
	}
	for i := 0; i <= last; i++ {
		faint.Fprintf(w, "  %-11s ", bucketLabel(i))
		normal.Fprintf(w, "%-*s", barWidth, bar(n.Bucket[i], peak))
		prerd.Fprintf(w, " %s", bar(p.Bucket[i], peak))
		fmt.Fprintf(w, " %d/%d\n", n.Bucket[i], p.Bucket[i])
	}
}

func bucketLabel(i int) string {
	lo := i * metrics.BucketWidth
	if i == metrics.NumBuckets-1 {
		return fmt.Sprintf(">=%dms", lo)
	}
	return fmt.Sprintf("%d-%dms", lo, lo+metrics.BucketWidth)
}

func bar(v, peak int64) string {
	if v == 0 || peak == 0 {
		return ""
	}
	return strings.Repeat("#", max(int(v*barWidth/peak), 1))
}

func clearMetrics(ctx context.Context, w io.Writer, trail *audit.Log, m *metrics.Store, args []string) error {
	var origin string
	var opErr error
	switch len(args) {
	case 0:
		opErr = m.ClearAll(ctx)
	case 1:
		origin = args[0]
		opErr = m.ClearOrigin(ctx, origin)
	default:
		return errUsage
	}
	if err := record(ctx, trail, tweaks.ActionClearMetrics, map[string]string{"origin": origin}, opErr); err != nil {
		return err
	}
	if origin == "" {
		fmt.Fprintln(w, "cleared all metrics")
	} else {
		fmt.Fprintln(w, "cleared", origin)
	}
	return nil
}

func blocked(ctx context.Context, w io.Writer, trail *audit.Log, l *blocklist.List, cmd string, args []string) error {
	switch {
	case cmd == "blocked" && len(args) == 0:
		origins, err := l.Origins(ctx)
		if err != nil {
			return err
		}
		for _, o := range origins {
			fmt.Fprintln(w, o)
		}
		return nil
	case cmd == "block" && len(args) == 1:
		opErr := l.Block(ctx, args[0])
		if err := record(ctx, trail, tweaks.ActionBlock, map[string]string{"origin": args[0]}, opErr); err != nil {
			return err
		}
		fmt.Fprintln(w, "blocked", args[0])
		return nil
	case cmd == "allow" && len(args) == 1:
		opErr := l.Allow(ctx, args[0])
		if err := record(ctx, trail, tweaks.ActionAllow, map[string]string{"origin": args[0]}, opErr); err != nil {
			return err
		}
		fmt.Fprintln(w, "allowed", args[0])
		return nil
	}
	return errUsage
}

func configure(ctx context.Context, w io.Writer, trail *audit.Log, s *settings.Settings, args []string) error {
	switch len(args) {
	case 0:
	case 2:
		opErr := s.Set(ctx, args[0], args[1])
		if err := record(ctx, trail, tweaks.ActionSetSetting, map[string]string{"key": args[0], "value": args[1]}, opErr); err != nil {
			return err
		}
	default:
		return errUsage
	}
	for _, k := range settings.Keys() {
		v, err := s.Get(ctx, k)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%-28s %v\n", k, v)
	}
	return nil
}

// record audits an action and returns its error, joined with the audit
// failure if there is one.
func record(ctx context.Context, trail *audit.Log, action string, params any, opErr error) error {
	return errors.Join(opErr, trail.Record(ctx, action, params, opErr))
}

func showAudit(ctx context.Context, w io.Writer, trail *audit.Log, args []string) error {
	if len(args) > 1 {
		return errUsage
	}
	f := audit.Filter{Limit: 50}
	if len(args) == 1 {
		f.Action = args[0]
	}
	entries, err := trail.Query(ctx, f)
	if err != nil {
		return err
	}
	for _, e := range entries {
		faint.Fprintf(w, "%s ", e.Time.Format(time.DateTime))
		c := prerd
		if e.Status != audit.StatusSuccess {
			c = color.New(color.FgRed)
		}
		c.Fprintf(w, "%-16s", e.Action)
		fmt.Fprintf(w, " %-5s %s", e.Transport, e.Parameters)
		if e.Error != "" {
			fmt.Fprintf(w, " error=%q", e.Error)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
