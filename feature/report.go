package feature

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hazyhaar/ghpreview/dom"
)

const (
	fineGrainedTokenSuggestion = "Please use a GitHub App, OAuth App, or a personal access token with fine-grained permissions."
	preferredTokenMessage      = "GitHub Search Preview does not support per-organization fine-grained tokens."
)

// Reporter logs feature failures and captured page errors. Token problems
// are expected (missing or under-scoped tokens) and logged at Info with a
// readable message; everything else is an Error tagged with the version.
type Reporter struct {
	logger  *slog.Logger
	version string
}

// NewReporter returns a Reporter writing to logger.
func NewReporter(logger *slog.Logger, version string) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{logger: logger, version: version}
}

// Report logs an initializer failure of feature id.
func (r *Reporter) Report(id ID, err error) {
	if err == nil {
		return
	}
	r.log(err.Error(), "", slog.String("feature", string(id)))
}

// ReportPage logs a PageError or Rejection event.
func (r *Reporter) ReportPage(e dom.Event) {
	r.log(e.Message, e.Stack, slog.String("source", e.Kind.String()), slog.String("url", e.URL))
}

func (r *Reporter) log(msg, stack string, attrs ...slog.Attr) {
	ctx := context.Background()
	switch {
	case strings.HasSuffix(msg, fineGrainedTokenSuggestion):
		msg = strings.Replace(msg, fineGrainedTokenSuggestion, preferredTokenMessage, 1)
		r.logger.LogAttrs(ctx, slog.LevelInfo, "feature: "+msg, attrs...)
	case strings.Contains(msg, "token"):
		r.logger.LogAttrs(ctx, slog.LevelInfo, "feature: "+msg, attrs...)
	default:
		attrs = append(attrs, slog.String("version", r.version), slog.String("error", msg))
		if stack != "" {
			attrs = append(attrs, slog.String("stack", stack))
		}
		r.logger.LogAttrs(ctx, slog.LevelError, "feature: failed", attrs...)
	}
}

// levelHandler filters records below a dynamic level before the wrapped
// handler sees them.
type levelHandler struct {
	level slog.Leveler
	next  slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level.Level() && h.next.Enabled(ctx, l)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, next: h.next.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, next: h.next.WithGroup(name)}
}
