// Command ghpreview opens GitHub in Chrome and augments its pages: code
// search results get a file preview dialog.
//
// Usage:
//
//	ghpreview                                  # default configuration
//	ghpreview -config ghpreview.yaml           # browser, pages, hosts, database
//	ghpreview -url https://github.com/search?q=x&type=code
//	ghpreview -set personalToken=ghp_xxx       # edit options and exit
//	ghpreview -origin https://ghe.example.com -set customCSS='body{}'
//	ghpreview -list                            # print options and exit
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ghpreview"
	"github.com/hazyhaar/ghpreview/dbopen"
	"github.com/hazyhaar/ghpreview/hotfix"
	"github.com/hazyhaar/ghpreview/internal/browser"
	"github.com/hazyhaar/ghpreview/internal/config"
	"github.com/hazyhaar/ghpreview/internal/fetcher"
	"github.com/hazyhaar/ghpreview/options"
)

// sets collects repeated -set flags.
type sets []string

func (s *sets) String() string     { return strings.Join(*s, ",") }
func (s *sets) Set(v string) error { *s = append(*s, v); return nil }

func main() {
	configPath := flag.String("config", "", "path to ghpreview.yaml")
	singleURL := flag.String("url", "", "open this URL instead of the configured pages")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	dbPath := flag.String("db", "", "database path (overrides the configuration)")
	origin := flag.String("origin", options.DefaultOrigin, "options origin edited by -set and -list")
	list := flag.Bool("list", false, "print the options of -origin and exit")
	clearCache := flag.Bool("clear-cache", false, "drop cached hotfixes and exit")
	var edits sets
	flag.Var(&edits, "set", "key=value option edit, repeatable ("+strings.Join(options.Keys, ", ")+")")
	flag.Parse()

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("ghpreview: config", "error", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Database = *dbPath
	}
	if *singleURL != "" {
		cfg.Pages = []string{*singleURL}
	}

	db, err := dbopen.Open(cfg.Database, dbopen.WithMkdirAll())
	if err != nil {
		logger.Error("ghpreview: database", "path", cfg.Database, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	switch {
	case len(edits) > 0 || *list:
		err = editOptions(ctx, db, logger, *origin, edits)
	case *clearCache:
		err = clearHotfixes(ctx, db, logger)
	default:
		err = run(ctx, db, logger, cfg)
	}
	if err != nil {
		logger.Error("ghpreview: fatal", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

// editOptions applies -set edits to one origin then prints its options.
func editOptions(ctx context.Context, db *sql.DB, logger *slog.Logger, origin string, edits []string) error {
	if strings.Contains(origin, "://") {
		origin = options.Origin(origin)
	}
	store, err := options.NewStore(db, logger)
	if err != nil {
		return err
	}
	for _, e := range edits {
		key, value, ok := strings.Cut(e, "=")
		if !ok {
			return fmt.Errorf("-set %q: want key=value", e)
		}
		if _, err := store.Update(ctx, origin, key, value); err != nil {
			return err
		}
		logger.Info("ghpreview: option set", "origin", origin, "key", key)
	}

	o, err := store.GetAll(ctx, origin)
	if err != nil {
		return err
	}
	if o.PersonalToken != "" {
		o.PersonalToken = "********"
	}
	origins, err := store.Origins(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"origin": origin, "options": o, "configured": origins})
}

func clearHotfixes(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	cache, err := hotfix.New(db, nil, hotfix.Config{Logger: logger})
	if err != nil {
		return err
	}
	if err := cache.Clear(ctx); err != nil {
		return err
	}
	logger.Info("ghpreview: hotfix cache cleared")
	return nil
}

func run(ctx context.Context, db *sql.DB, logger *slog.Logger, cfg *config.Config) error {
	store, err := options.NewStore(db, logger)
	if err != nil {
		return err
	}
	go store.Watch(ctx, time.Second)

	fopts := []fetcher.Option{
		fetcher.WithLogger(logger),
		fetcher.WithToken(store.TokenFor),
		fetcher.WithClient(&http.Client{Timeout: cfg.Fetch.Timeout}),
	}
	if cfg.Fetch.UserAgent != "" {
		fopts = append(fopts, fetcher.WithUserAgent(cfg.Fetch.UserAgent))
	}
	f := fetcher.New(fopts...)

	var cache *hotfix.Cache
	if !cfg.Hotfix.Disabled {
		cache, err = hotfix.New(db, f, hotfix.Config{BaseURL: cfg.Hotfix.BaseURL, MaxAge: cfg.Hotfix.MaxAge, Logger: logger})
		if err != nil {
			return err
		}
		// Local builds never keep patches around.
		if hotfix.IsDevelopmentVersion(cfg.Version) {
			if err := cache.Clear(ctx); err != nil {
				logger.Warn("ghpreview: clear hotfix cache", "error", err)
			}
		}
	}

	app, err := ghpreview.New(ghpreview.Config{
		Options:    store,
		Fetcher:    f,
		Hotfix:     cache,
		Version:    cfg.Version,
		PreferDark: cfg.PreferDark,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer app.Close()

	allow, err := browser.NewAllowlist(cfg.AllowedHosts)
	if err != nil {
		return err
	}

	if cfg.HelpAddr != "" {
		srv := &http.Server{Addr: cfg.HelpAddr, Handler: app.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("ghpreview: help api listening", "addr", cfg.HelpAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ghpreview: help api", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	mgr := browser.NewManager(browser.Config{
		RemoteURL:       cfg.Browser.Remote,
		Bin:             cfg.Browser.Bin,
		Headless:        cfg.Browser.Headless,
		UserDataDir:     cfg.Browser.UserDataDir,
		XvfbDisplay:     cfg.Browser.XvfbDisplay,
		RecycleInterval: cfg.Browser.RecycleInterval,
		MemoryLimit:     cfg.Browser.MemoryLimit,
		Logger:          logger,
	})

	logger.Info("ghpreview: starting", "version", cfg.Version, "pages", len(cfg.Pages), "hosts", allow.Patterns())
	return app.Browse(ctx, ghpreview.BrowseConfig{
		Manager: mgr,
		Pages:   cfg.Pages,
		Allow:   allow,
		Stealth: cfg.Browser.StealthEnabled(),
	})
}
