// Package ghpreview augments GitHub pages open in Chrome: every tab gets a
// feature engine that runs the built-in features, hotfix styles and the
// user's custom CSS, and the shortcuts they define are served over HTTP.
package ghpreview

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/hazyhaar/ghpreview/dom"
	"github.com/hazyhaar/ghpreview/feature"
	"github.com/hazyhaar/ghpreview/features/previewresults"
	"github.com/hazyhaar/ghpreview/helpapi"
	"github.com/hazyhaar/ghpreview/highlight"
	"github.com/hazyhaar/ghpreview/hotfix"
	"github.com/hazyhaar/ghpreview/internal/fetcher"
	"github.com/hazyhaar/ghpreview/options"
	"github.com/hazyhaar/ghpreview/pagedetect"
)

// Style sheet ids injected once the gate opened.
const (
	HotfixStyleID    = "ghp-hotfix"
	CustomCSSStyleID = "ghp-custom-css"
)

// Config wires an App.
type Config struct {
	// Options is required.
	Options *options.Store
	// Fetcher defaults to one sending the per-origin personal token.
	Fetcher *fetcher.Fetcher
	// Hotfix is optional; nil disables hotfixes.
	Hotfix      *hotfix.Cache
	Highlighter *highlight.Highlighter
	// Copy overrides the system clipboard.
	Copy       func(string) error
	Version    string
	PreferDark bool
	Logger     *slog.Logger
}

// App holds what every tab shares.
type App struct {
	cfg       Config
	logger    *slog.Logger
	shortcuts *feature.Shortcuts
	localizer *hotfix.Localizer

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates an App.
func New(cfg Config) (*App, error) {
	if cfg.Options == nil {
		return nil, errors.New("ghpreview: Config.Options is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = fetcher.New(fetcher.WithLogger(cfg.Logger), fetcher.WithToken(cfg.Options.TokenFor))
	}
	if cfg.Highlighter == nil {
		cfg.Highlighter = highlight.New()
	}
	// A new token may unlock files that were fetched without one.
	cfg.Options.OnChange(cfg.Fetcher.Forget)
	return &App{
		cfg:       cfg,
		logger:    cfg.Logger,
		shortcuts: feature.NewShortcuts(),
		localizer: &hotfix.Localizer{},
		sessions:  make(map[string]*Session),
	}, nil
}

// Attach starts augmenting host. A new engine is built on every Load event
// the host publishes; the caller publishes the first one. The previous
// engine is stopped before the handler returns, so nothing it started acts
// on the new document.
func (a *App) Attach(ctx context.Context, id string, host dom.Host) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{ID: id, app: a, host: host, ctx: ctx, cancel: cancel}
	s.off = host.Bus().On(dom.Load, func(dom.Event) {
		s.stopEngine()
		go s.reload()
	})

	a.mu.Lock()
	if old, ok := a.sessions[id]; ok {
		old.close()
	}
	a.sessions[id] = s
	a.mu.Unlock()

	a.logger.Debug("ghpreview: tab attached", "tab", id, "url", host.URL())
	return s
}

// Detach stops augmenting a tab. Its instances are cancelled.
func (a *App) Detach(id string) {
	a.mu.Lock()
	s, ok := a.sessions[id]
	delete(a.sessions, id)
	a.mu.Unlock()
	if ok {
		s.close()
		a.logger.Debug("ghpreview: tab detached", "tab", id)
	}
}

// Session returns an attached tab.
func (a *App) Session(id string) (*Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[id]
	return s, ok
}

// Close detaches every tab.
func (a *App) Close() {
	a.mu.Lock()
	sessions := a.sessions
	a.sessions = make(map[string]*Session)
	a.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	if a.cfg.Hotfix != nil {
		a.cfg.Hotfix.Wait()
	}
}

// Shortcuts lists every hotkey a feature of the session applied with.
func (a *App) Shortcuts() []feature.Shortcut { return a.shortcuts.List() }

// Tabs reports the live instances of every attached tab.
func (a *App) Tabs() []helpapi.Tab {
	a.mu.RLock()
	out := make([]helpapi.Tab, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s.status())
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Handler serves the help API.
func (a *App) Handler() http.Handler { return helpapi.Router(a, a.logger) }

// registerFeatures adds the built-in features to a fresh engine.
func (a *App) registerFeatures(ctx context.Context, e *feature.Engine, host dom.Host) error {
	return previewresults.Register(ctx, e, previewresults.Config{
		Host:        host,
		Fetcher:     a.cfg.Fetcher,
		Highlighter: a.cfg.Highlighter,
		Copy:        a.cfg.Copy,
		PreferDark:  a.cfg.PreferDark,
		T:           a.localizer.T,
	})
}

func (a *App) engineConfig(host dom.Host, logger *slog.Logger) feature.Config {
	errorPages := make([]feature.Condition, len(pagedetect.ErrorPages))
	for i, d := range pagedetect.ErrorPages {
		errorPages[i] = d
	}
	return feature.Config{
		Host:       host,
		Options:    a.cfg.Options,
		ErrorPages: errorPages,
		NotFound:   pagedetect.Is404,
		LoggedOut:  pagedetect.IsLoggedOut,
		Shortcuts:  a.shortcuts,
		Logger:     logger,
		Version:    a.cfg.Version,
	}
}

// decorate runs once the gate of a page opened.
func (a *App) decorate(ctx context.Context, host dom.Host, opts options.Options) {
	a.cfg.Fetcher.SetLogHTTP(opts.LogHTTP)

	if a.cfg.Hotfix != nil && hotfix.Applicable(a.cfg.Version, host.URL()) {
		css, err := a.cfg.Hotfix.Styles(ctx, a.cfg.Version)
		switch {
		case err != nil:
			a.logger.Warn("ghpreview: style hotfix", "error", err)
		case css != "":
			if err := host.InjectStyle(ctx, HotfixStyleID, css); err != nil {
				a.logger.Warn("ghpreview: inject hotfix", "error", err)
			}
		}
		if m, err := a.cfg.Hotfix.Strings(ctx, a.cfg.Version); err != nil {
			a.logger.Debug("ghpreview: strings hotfix", "error", err)
		} else {
			a.localizer.Load(m)
		}
	}

	if opts.CustomCSS != "" {
		if err := host.InjectStyle(ctx, CustomCSSStyleID, opts.CustomCSS); err != nil {
			a.logger.Warn("ghpreview: inject custom css", "error", err)
		}
	}
}
