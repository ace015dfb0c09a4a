// Command prerenderd runs the prerender tweaks service: it drives Chrome
// tabs, predicts the next navigation, injects speculation rules and keeps
// LCP histograms.
//
// Usage:
//
//	prerenderd -config prerender.yaml
//	prerenderd -mcp-stdio            # serve MCP tools over stdin/stdout
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/prerender/audit"
	"github.com/hazyhaar/prerender/blocklist"
	"github.com/hazyhaar/prerender/connectivity"
	"github.com/hazyhaar/prerender/hostrod"
	"github.com/hazyhaar/prerender/kvstore"
	"github.com/hazyhaar/prerender/metrics"
	"github.com/hazyhaar/prerender/navtrack"
	"github.com/hazyhaar/prerender/page"
	"github.com/hazyhaar/prerender/settings"
	"github.com/hazyhaar/prerender/status"
	"github.com/hazyhaar/prerender/tweaks"
	"github.com/hazyhaar/prerender/watch"
)

const version = "1.0.0"

func main() {
	envFile := flag.String("env", ".env", "dotenv file loaded before reading the environment")
	configPath := flag.String("config", "", "path to prerender.yaml (env PRERENDER_CONFIG)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (env LOG_LEVEL)")
	mcpStdio := flag.Bool("mcp-stdio", false, "serve MCP tools over stdio instead of HTTP")
	flag.Parse()

	envErr := godotenv.Load(*envFile)

	if *configPath == "" {
		*configPath = env("PRERENDER_CONFIG", "")
	}
	if *logLevel == "" {
		*logLevel = env("LOG_LEVEL", "info")
	}

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.Warn("prerenderd: env file", "path", *envFile, "error", envErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *mcpStdio); err != nil {
		logger.Error("prerenderd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string, mcpStdio bool) error {
	cfg := tweaks.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = tweaks.LoadConfigFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	cfg.Listen = env("PRERENDER_LISTEN", cfg.Listen)
	cfg.DBPath = env("PRERENDER_DB", cfg.DBPath)
	cfg.AdminPasswordHash = env("PRERENDER_ADMIN_HASH", cfg.AdminPasswordHash)

	store, err := kvstore.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	local := store.Area(kvstore.AreaLocal)
	synced := store.Area(kvstore.AreaSync)

	set := settings.New(local, cfg.SettingsDefaults(), settings.WithLogger(logger))
	lcp := metrics.New(local, metrics.WithLogger(logger))
	blocked := blocklist.New(synced, blocklist.WithLogger(logger))

	trail := audit.New(store.DB)
	if err := trail.Init(ctx); err != nil {
		return err
	}
	if n, err := trail.Cleanup(ctx, cfg.AuditRetention); err != nil {
		logger.Warn("prerenderd: audit cleanup", "error", err)
	} else if n > 0 {
		logger.Info("prerenderd: audit cleanup", "removed", n)
	}

	router := connectivity.New(
		connectivity.WithLogger(logger),
		connectivity.WithMiddleware(
			connectivity.Recovery(logger),
			connectivity.Logging(logger),
			connectivity.Timeout(5*time.Second),
		),
	)

	svc := tweaks.New(tweaks.Deps{
		Tracker:   navtrack.New(navtrack.WithLogger(logger)),
		Metrics:   lcp,
		Settings:  set,
		Blocklist: blocked,
		Board:     status.NewBoard(),
		Router:    router,
		Logger:    logger,
	}, tweaks.WithAdmin(cfg.AdminUser, cfg.AdminPasswordHash), tweaks.WithAudit(trail))

	if err := svc.Load(ctx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	pageOptions := func(tabID int) page.Options {
		return page.Options{
			Window: cfg.GateWindow,
			Sender: svc.PageSender(tabID),
			Logger: logger,
		}
	}

	if cfg.Browser.Disabled {
		svc.SetHost(page.NewRegistry(pageOptions))
		logger.Info("prerenderd: browser disabled, pages are driven through the API")
	} else {
		host := hostrod.New(hostrod.Config{
			RemoteURL:   cfg.Browser.Remote,
			Bin:         cfg.Browser.Bin,
			Headless:    cfg.Browser.Headless,
			Stealth:     cfg.Browser.Stealth,
			PageOptions: pageOptions,
			Logger:      logger,
		}, svc)
		if err := host.Start(ctx); err != nil {
			return fmt.Errorf("start browser: %w", err)
		}
		defer host.Close()
		svc.SetHost(host)

		for _, u := range cfg.Browser.Open {
			id, err := host.Open(ctx, u)
			if err != nil {
				logger.Warn("prerenderd: open tab", "url", u, "error", err)
				continue
			}
			logger.Info("prerenderd: tab opened", "tab", id, "url", u)
		}
	}

	go watchStorage(ctx, store, cfg.Watch, logger, set, lcp, blocked)

	mcpSrv := mcp.NewServer(&mcp.Implementation{
		Name:    "prerender",
		Version: version,
	}, nil)
	svc.RegisterMCP(mcpSrv)

	if mcpStdio {
		logger.Info("prerenderd: serving MCP over stdio")
		if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp stdio: %w", err)
		}
		return nil
	}

	r := chi.NewRouter()
	if cfg.MCP {
		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
	}
	r.Mount("/", svc.Routes())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("prerenderd: listening", "addr", cfg.Listen, "mcp", cfg.MCP)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("http: %w", err)
	}
	logger.Info("prerenderd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("prerenderd: shutdown", "error", err)
	}
	return nil
}

// watchStorage reloads the cached components when another process, such as
// prerenderctl, writes to the database.
func watchStorage(ctx context.Context, store *kvstore.Store, cfg tweaks.WatchConfig, logger *slog.Logger,
	set *settings.Settings, lcp *metrics.Store, blocked *blocklist.List) {
	opts := func(area string) watch.Options {
		return watch.Options{
			Interval: cfg.Interval,
			Debounce: cfg.Debounce,
			Detector: watch.AreaDetector(area),
			Logger:   logger,
		}
	}

	go watch.New(store.DB, opts(kvstore.AreaSync)).OnChange(ctx, blocked.Reload)
	watch.New(store.DB, opts(kvstore.AreaLocal)).OnChange(ctx, func(ctx context.Context) error {
		if err := set.Reload(ctx); err != nil {
			return err
		}
		return lcp.Reload(ctx)
	})
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
