// Package highlight renders source files as highlighted, sanitised HTML
// for the preview dialog.
package highlight

import (
	"bytes"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/microcosm-cc/bluemonday"
)

// Theme is a chroma style name.
type Theme string

const (
	Light Theme = "github"
	Dark  Theme = "github-dark"
)

// ThemeFor picks the theme matching GitHub's data-color-mode attribute.
// "auto" follows preferDark; unknown or empty modes are light.
func ThemeFor(colorMode string, preferDark bool) Theme {
	switch colorMode {
	case "dark":
		return Dark
	case "auto":
		if preferDark {
			return Dark
		}
	}
	return Light
}

// ClassPrefix namespaces every generated class so page styles cannot
// collide with the highlighter's.
const ClassPrefix = "ghp-"

// Result is one rendered file.
type Result struct {
	HTML     string
	CSS      string
	Language string
}

// Highlighter renders files. It is safe for concurrent use.
type Highlighter struct {
	formatter *chromahtml.Formatter
	policy    *bluemonday.Policy

	mu  sync.Mutex
	css map[Theme]string
}

var classNames = regexp.MustCompile(`^[a-zA-Z0-9_ -]+$`)

// New returns a Highlighter.
func New() *Highlighter {
	p := bluemonday.NewPolicy()
	p.AllowElements("pre", "code", "span", "div")
	p.AllowAttrs("class").Matching(classNames).OnElements("pre", "code", "span", "div")
	p.AllowAttrs("tabindex").Matching(bluemonday.Integer).OnElements("pre")

	return &Highlighter{
		formatter: chromahtml.New(
			chromahtml.WithClasses(true),
			chromahtml.ClassPrefix(ClassPrefix),
			chromahtml.TabWidth(4),
		),
		policy: p,
		css:    make(map[Theme]string),
	}
}

// Lexer picks a lexer by file name, then by extension, then plain text.
func Lexer(fileName string) chroma.Lexer {
	base := path.Base(strings.TrimSpace(fileName))
	l := lexers.Match(base)
	if l == nil {
		if ext := strings.TrimPrefix(path.Ext(base), "."); ext != "" {
			l = lexers.Get(strings.ToLower(ext))
		}
	}
	if l == nil {
		l = lexers.Get("plaintext")
	}
	if l == nil {
		l = lexers.Fallback
	}
	return chroma.Coalesce(l)
}

// Render highlights code. The returned HTML only contains pre, code, span
// and div elements with class attributes.
func (h *Highlighter) Render(code, fileName string, theme Theme) (Result, error) {
	lexer := Lexer(fileName)
	style := styles.Get(string(theme))

	it, err := lexer.Tokenise(nil, code)
	if err != nil {
		return Result{}, fmt.Errorf("highlight: tokenise %s: %w", fileName, err)
	}
	var buf bytes.Buffer
	if err := h.formatter.Format(&buf, style, it); err != nil {
		return Result{}, fmt.Errorf("highlight: format %s: %w", fileName, err)
	}

	css, err := h.CSS(theme)
	if err != nil {
		return Result{}, err
	}
	return Result{
		HTML:     h.policy.Sanitize(buf.String()),
		CSS:      css,
		Language: lexer.Config().Name,
	}, nil
}

// CSS returns the style sheet of theme.
func (h *Highlighter) CSS(theme Theme) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if css, ok := h.css[theme]; ok {
		return css, nil
	}
	var buf bytes.Buffer
	if err := h.formatter.WriteCSS(&buf, styles.Get(string(theme))); err != nil {
		return "", fmt.Errorf("highlight: css %s: %w", theme, err)
	}
	h.css[theme] = buf.String()
	return h.css[theme], nil
}
