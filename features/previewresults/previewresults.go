// Package previewresults adds a preview button to every file of the code
// search results. The button opens a dialog showing the highlighted file,
// with controls to copy it or open it in a background tab.
package previewresults

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"

	"github.com/hazyhaar/ghpreview/dom"
	"github.com/hazyhaar/ghpreview/feature"
	"github.com/hazyhaar/ghpreview/highlight"
	"github.com/hazyhaar/ghpreview/pagedetect"
	"github.com/hazyhaar/ghpreview/selector"
)

const (
	ID feature.ID = "preview-results"

	// DialogSelector doubles as the deduplication marker: a dialog that
	// survived an in-page navigation means the feature is still installed.
	DialogSelector = ".ghp-preview-dialog"

	// LinkSelector matches the file name link of each search result.
	LinkSelector = `[data-testid="results-list"] .search-title a[href*="/blob/"]`

	mark           = "preview-results"
	dialogStyleID  = "ghp-preview"
	highlightStyle = "ghp-highlight"
	cleanupTimeout = 2 * time.Second
)

// Actions carried by the controls the feature injects.
const (
	ActionPreview = "preview"
	ActionCopy    = "copy"
	ActionOpen    = "open"
)

//go:embed preview.css
var dialogCSS string

// ErrNotBlob is returned for links that do not point at a file.
var ErrNotBlob = errors.New("previewresults: not a blob URL")

// TextFetcher downloads a file as text.
type TextFetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// Highlighter renders a file to HTML.
type Highlighter interface {
	Render(code, fileName string, theme highlight.Theme) (highlight.Result, error)
}

// Config holds the feature's collaborators.
type Config struct {
	Host    dom.Host
	Fetcher TextFetcher
	// Highlighter defaults to highlight.New().
	Highlighter Highlighter
	// Copy writes to the system clipboard. Default: clipboard.WriteAll.
	Copy func(text string) error
	// PreferDark resolves data-color-mode="auto".
	PreferDark bool
	// T localises UI strings.
	T      func(string) string
	Logger *slog.Logger
	// Report receives action failures.
	Report func(feature.ID, error)
}

func (c *Config) defaults() {
	if c.Highlighter == nil {
		c.Highlighter = highlight.New()
	}
	if c.Copy == nil {
		c.Copy = clipboard.WriteAll
	}
	if c.T == nil {
		c.T = func(s string) string { return s }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Report == nil {
		c.Report = func(id feature.ID, err error) {
			c.Logger.Error("previewresults: action failed", "feature", string(id), "error", err)
		}
	}
}

// Loader describes how the feature runs.
func Loader(cfg Config) feature.Loader {
	cfg.defaults()
	p := &preview{cfg: cfg}
	return feature.Loader{
		RunConditions: feature.RunConditions{
			Include: []feature.Condition{pagedetect.IsGlobalSearchResults},
		},
		Init:        feature.Inits(p.init),
		Shortcuts:   map[string]string{"p": "Preview file"},
		Deduplicate: DialogSelector,
	}
}

// Register adds the feature to e. Report and Logger default to the engine's.
func Register(ctx context.Context, e *feature.Engine, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = e.Logger()
	}
	if cfg.Report == nil {
		cfg.Report = e.Report
	}
	return e.Register(ctx, ID, Loader(cfg))
}

// RawURL maps a blob link to the raw file it shows, dropping the query and
// fragment.
func RawURL(href string) (string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("previewresults: parse %q: %w", href, err)
	}
	// /owner/repo/blob/ref/path
	parts := strings.SplitN(u.EscapedPath(), "/", 5)
	if len(parts) < 5 || parts[3] != "blob" || u.Host == "" {
		return "", fmt.Errorf("%w: %s", ErrNotBlob, href)
	}
	parts[3] = "raw"
	return u.Scheme + "://" + u.Host + strings.Join(parts, "/"), nil
}

type preview struct {
	cfg Config
}

// session is the state of one instance: the links it decorated and the
// file the dialog shows.
type session struct {
	*preview
	ctx context.Context

	mu      sync.Mutex
	links   map[string]dom.Element
	lastURL string
}

func (p *preview) init(ctx context.Context) (feature.Result, error) {
	host := p.cfg.Host
	if err := host.InjectStyle(ctx, dialogStyleID, dialogCSS); err != nil {
		return feature.Applied, fmt.Errorf("previewresults: style: %w", err)
	}
	titles := map[string]string{
		"copy":  p.cfg.T("Copy Contents to Clipboard"),
		"open":  p.cfg.T("Open in Background Tab"),
		"close": p.cfg.T("Close Preview"),
	}
	if _, err := host.Eval(ctx, installJS, titles); err != nil {
		return feature.Applied, fmt.Errorf("previewresults: install dialog: %w", err)
	}
	dom.OnCancel(ctx, func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if _, err := host.Eval(cctx, uninstallJS); err != nil {
			p.cfg.Logger.Debug("previewresults: uninstall", "error", err)
		}
	})

	s := &session{preview: p, ctx: ctx, links: make(map[string]dom.Element)}
	off := host.Bus().On(dom.Action, s.onAction)
	dom.OnCancel(ctx, off)

	if err := selector.Observe(ctx, host, []string{LinkSelector}, s.addButton, selector.Options{Mark: mark}); err != nil {
		return feature.Applied, err
	}
	return feature.Applied, nil
}

func (s *session) addButton(ctx context.Context, link dom.Element) {
	s.mu.Lock()
	s.links[link.Ref] = link
	s.mu.Unlock()

	if _, err := s.cfg.Host.Eval(ctx, addButtonJS, dom.RefSelector(link.Ref), link.Ref, s.cfg.T("Preview File")); err != nil && ctx.Err() == nil {
		s.cfg.Logger.Warn("previewresults: add button", "ref", link.Ref, "error", err)
	}
}

// onAction runs on the bus goroutine; the work itself must not block it.
func (s *session) onAction(ev dom.Event) {
	if s.ctx.Err() != nil {
		return
	}
	var run func(context.Context, dom.Event) error
	switch ev.Name {
	case ActionPreview:
		run = s.show
	case ActionCopy:
		run = s.copy
	case ActionOpen:
		run = s.open
	default:
		return
	}
	go func() {
		if err := run(s.ctx, ev); err != nil && s.ctx.Err() == nil {
			s.cfg.Report(ID, err)
		}
	}()
}

func (s *session) show(ctx context.Context, ev dom.Event) error {
	s.mu.Lock()
	link, ok := s.links[ev.Payload]
	s.mu.Unlock()
	if !ok {
		s.cfg.Logger.Debug("previewresults: unknown link", "ref", ev.Payload)
		return nil
	}

	raw, err := RawURL(link.Href)
	if err != nil {
		return err
	}
	body, err := s.cfg.Fetcher.FetchText(ctx, raw)
	if err != nil {
		return fmt.Errorf("previewresults: fetch: %w", err)
	}
	if ctx.Err() != nil {
		return nil
	}

	mode, _, err := s.cfg.Host.RootAttr(ctx, "data-color-mode")
	if err != nil {
		return fmt.Errorf("previewresults: color mode: %w", err)
	}
	fileName := strings.TrimSpace(link.Text)
	res, err := s.cfg.Highlighter.Render(body, fileName, highlight.ThemeFor(mode, s.cfg.PreferDark))
	if err != nil {
		return err
	}
	if err := s.cfg.Host.InjectStyle(ctx, highlightStyle, res.CSS); err != nil {
		return fmt.Errorf("previewresults: style: %w", err)
	}
	if _, err := s.cfg.Host.Eval(ctx, showJS, fileName, res.HTML); err != nil {
		return fmt.Errorf("previewresults: show: %w", err)
	}

	s.mu.Lock()
	s.lastURL = link.Href
	s.mu.Unlock()
	s.cfg.Logger.Debug("previewresults: shown", "file", fileName, "language", res.Language, "size", len(body))
	return nil
}

func (s *session) copy(ctx context.Context, _ dom.Event) error {
	raw, err := s.cfg.Host.Eval(ctx, textJS)
	if err != nil {
		return fmt.Errorf("previewresults: read dialog: %w", err)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return fmt.Errorf("previewresults: read dialog: %w", err)
	}
	if err := s.cfg.Copy(text); err != nil {
		return fmt.Errorf("previewresults: failed to copy text: %w", err)
	}
	return nil
}

func (s *session) open(ctx context.Context, _ dom.Event) error {
	s.mu.Lock()
	target := s.lastURL
	s.mu.Unlock()
	if target == "" {
		return nil
	}
	return s.cfg.Host.OpenBackground(ctx, target)
}
