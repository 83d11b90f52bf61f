package previewresults

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/ghpreview/dom"
	"github.com/hazyhaar/ghpreview/dom/domtest"
	"github.com/hazyhaar/ghpreview/feature"
	"github.com/hazyhaar/ghpreview/highlight"
)

const searchURL = "https://github.com/search?q=observe&type=code"

type fakeFetcher struct {
	mu   sync.Mutex
	urls []string
	body string
	err  error
}

func (f *fakeFetcher) FetchText(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	return f.body, f.err
}

func (f *fakeFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

type evalCall struct {
	js   string
	args []any
}

type fixture struct {
	host    *domtest.Host
	fetcher *fakeFetcher
	scope   *dom.Scope

	mu      sync.Mutex
	calls   []evalCall
	copied  []string
	reports []error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		host:    domtest.New(t, searchURL),
		fetcher: &fakeFetcher{body: "package main\n\nfunc main() {}\n"},
		scope:   dom.NewScope(context.Background()),
	}
	t.Cleanup(f.scope.Cancel)
	f.host.EvalFunc = func(js string, args []any) (json.RawMessage, error) {
		f.mu.Lock()
		f.calls = append(f.calls, evalCall{js, args})
		f.mu.Unlock()
		if js == textJS {
			return json.RawMessage(`"package main"`), nil
		}
		return json.RawMessage("true"), nil
	}
	return f
}

func (f *fixture) config() Config {
	return Config{
		Host:    f.host,
		Fetcher: f.fetcher,
		Copy: func(s string) error {
			f.mu.Lock()
			f.copied = append(f.copied, s)
			f.mu.Unlock()
			return nil
		},
		Report: func(_ feature.ID, err error) {
			f.mu.Lock()
			f.reports = append(f.reports, err)
			f.mu.Unlock()
		},
	}
}

func (f *fixture) start(t *testing.T, cfg Config) {
	t.Helper()
	l := Loader(cfg)
	res, err := l.Init[0](f.scope.Context())
	if err != nil || res != feature.Applied {
		t.Fatalf("init: %v %v", res, err)
	}
	f.host.Flush(t)
}

func (f *fixture) evals(js string) []evalCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []evalCall
	for _, c := range f.calls {
		if c.js == js {
			out = append(out, c)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRawURL(t *testing.T) {
	tests := []struct {
		href string
		want string
		err  bool
	}{
		{"https://github.com/o/r/blob/main/a.go", "https://github.com/o/r/raw/main/a.go", false},
		{"https://github.com/o/r/blob/main/dir/a.go?plain=1#L3", "https://github.com/o/r/raw/main/dir/a.go", false},
		{"https://github.com/blob/r/blob/v1/blob.go", "https://github.com/blob/r/raw/v1/blob.go", false},
		{"https://github.com/o/r/blob/main/a%20b.go", "https://github.com/o/r/raw/main/a%20b.go", false},
		{"https://github.com/o/r/tree/main/dir", "", true},
		{"/o/r/blob/main/a.go", "", true},
	}
	for _, tt := range tests {
		got, err := RawURL(tt.href)
		if tt.err {
			if !errors.Is(err, ErrNotBlob) {
				t.Errorf("RawURL(%q): got %q %v, want ErrNotBlob", tt.href, got, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("RawURL(%q) = %q, %v; want %q", tt.href, got, err, tt.want)
		}
	}
}

func TestLoader(t *testing.T) {
	l := Loader(Config{})
	if len(l.Include) != 1 || l.Include[0].Name() != "isGlobalSearchResults" {
		t.Errorf("Include: %v", l.Include)
	}
	if l.Shortcuts["p"] != "Preview file" {
		t.Errorf("Shortcuts: %v", l.Shortcuts)
	}
	if l.Deduplicate != DialogSelector {
		t.Errorf("Deduplicate: %q", l.Deduplicate)
	}
}

func TestInit_InstallsDialogAndButtons(t *testing.T) {
	f := newFixture(t)
	f.host.Insert(dom.Element{Ref: "r1", Href: "https://github.com/o/r/blob/main/a.go", Text: "a.go"}, LinkSelector)

	cfg := f.config()
	cfg.T = func(s string) string { return "T:" + s }
	f.start(t, cfg)
	f.host.Insert(dom.Element{Ref: "r2", Href: "https://github.com/o/r/blob/main/b.go", Text: "b.go"}, LinkSelector)
	f.host.Flush(t)

	if css, ok := f.host.Style(dialogStyleID); !ok || !strings.Contains(css, ".ghp-preview-dialog") {
		t.Errorf("dialog style not injected")
	}
	install := f.evals(installJS)
	if len(install) != 1 {
		t.Fatalf("install evals: %d", len(install))
	}
	if titles := install[0].args[0].(map[string]string); titles["copy"] != "T:Copy Contents to Clipboard" {
		t.Errorf("titles not localised: %v", titles)
	}

	buttons := f.evals(addButtonJS)
	if len(buttons) != 2 {
		t.Fatalf("buttons: got %d, want 2", len(buttons))
	}
	if sel := buttons[0].args[0]; sel != `[data-ghp-ref="r1"]` {
		t.Errorf("selector: %v", sel)
	}
	if ref := buttons[1].args[1]; ref != "r2" {
		t.Errorf("payload: %v", ref)
	}
}

func TestPreview_FetchesHighlightsAndShows(t *testing.T) {
	f := newFixture(t)
	f.host.SetRootAttr(context.Background(), "data-color-mode", "dark")
	f.host.Insert(dom.Element{Ref: "r1", Href: "https://github.com/o/r/blob/main/cmd/main.go?x=1", Text: " main.go "}, LinkSelector)
	f.start(t, f.config())

	f.host.Publish(dom.Event{Kind: dom.Action, Name: ActionPreview, Payload: "r1"})
	waitFor(t, "dialog shown", func() bool { return len(f.evals(showJS)) == 1 })

	if got := f.fetcher.fetched(); len(got) != 1 || got[0] != "https://github.com/o/r/raw/main/cmd/main.go" {
		t.Errorf("fetched: %v", got)
	}
	show := f.evals(showJS)[0]
	if show.args[0] != "main.go" {
		t.Errorf("file name: %v", show.args[0])
	}
	if html, _ := show.args[1].(string); !strings.Contains(html, "ghp-chroma") {
		t.Errorf("html not highlighted: %q", html)
	}
	dark, _ := highlight.New().CSS(highlight.Dark)
	if css, _ := f.host.Style(highlightStyle); css != dark {
		t.Errorf("highlight css is not the dark theme")
	}

	f.host.Publish(dom.Event{Kind: dom.Action, Name: ActionOpen})
	waitFor(t, "background tab", func() bool { return len(f.host.Opened()) == 1 })
	if got := f.host.Opened()[0]; got != "https://github.com/o/r/blob/main/cmd/main.go?x=1" {
		t.Errorf("opened %q, want the original link", got)
	}
}

func TestOpen_NothingPreviewed(t *testing.T) {
	f := newFixture(t)
	f.start(t, f.config())

	f.host.Publish(dom.Event{Kind: dom.Action, Name: ActionOpen})
	f.host.Publish(dom.Event{Kind: dom.Action, Name: "unrelated"})
	f.host.Flush(t)
	time.Sleep(20 * time.Millisecond)

	if got := f.host.Opened(); len(got) != 0 {
		t.Errorf("opened %v", got)
	}
}

func TestCopy(t *testing.T) {
	f := newFixture(t)
	f.start(t, f.config())

	f.host.Publish(dom.Event{Kind: dom.Action, Name: ActionCopy})
	waitFor(t, "clipboard", func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.copied) == 1
	})
	if f.copied[0] != "package main" {
		t.Errorf("copied %q", f.copied[0])
	}
}

func TestPreview_FetchErrorReported(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = errors.New("boom")
	f.host.Insert(dom.Element{Ref: "r1", Href: "https://github.com/o/r/blob/main/a.go", Text: "a.go"}, LinkSelector)
	f.start(t, f.config())

	f.host.Publish(dom.Event{Kind: dom.Action, Name: ActionPreview, Payload: "r1"})
	waitFor(t, "report", func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.reports) == 1
	})
	if len(f.evals(showJS)) != 0 {
		t.Error("dialog shown after a failed fetch")
	}
}

func TestCancel_UninstallsAndIgnoresActions(t *testing.T) {
	f := newFixture(t)
	f.host.Insert(dom.Element{Ref: "r1", Href: "https://github.com/o/r/blob/main/a.go", Text: "a.go"}, LinkSelector)
	f.start(t, f.config())

	f.scope.Cancel()
	if n := len(f.evals(uninstallJS)); n != 1 {
		t.Fatalf("uninstall evals: %d", n)
	}
	if n := len(f.host.Watches()); n != 0 {
		t.Errorf("watches left: %d", n)
	}

	f.host.Publish(dom.Event{Kind: dom.Action, Name: ActionPreview, Payload: "r1"})
	f.host.Insert(dom.Element{Ref: "r2", Href: "https://github.com/o/r/blob/main/b.go"}, LinkSelector)
	f.host.Flush(t)
	time.Sleep(20 * time.Millisecond)

	if got := f.fetcher.fetched(); len(got) != 0 {
		t.Errorf("fetched after cancel: %v", got)
	}
	if n := len(f.evals(addButtonJS)); n != 1 {
		t.Errorf("buttons after cancel: %d", n)
	}
}
