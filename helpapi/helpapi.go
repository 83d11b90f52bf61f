// Package helpapi serves the keyboard shortcut help and the running
// feature instances over HTTP on localhost.
package helpapi

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/ghpreview/feature"
)

// Tab is one open page and its live feature instances.
type Tab struct {
	ID        string             `json:"id"`
	URL       string             `json:"url"`
	State     string             `json:"state"`
	Features  map[feature.ID]int `json:"features"`
	Instances []feature.Instance `json:"instances,omitempty"`
}

// Source feeds the API.
type Source interface {
	Shortcuts() []feature.Shortcut
	Tabs() []Tab
}

var helpPage = template.Must(template.New("help").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Keyboard shortcuts</title></head>
<body>
<h1>Keyboard shortcuts</h1>
<table>
{{range .}}<tr><td><kbd>{{.Hotkey}}</kbd></td><td>{{.Description}}</td></tr>
{{else}}<tr><td colspan="2">No feature has run yet.</td></tr>
{{end}}</table>
</body></html>
`))

// Router builds the handler.
func Router(src Source, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(headToGet)
	r.Use(securityHeaders)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := helpPage.Execute(w, src.Shortcuts()); err != nil {
			logger.Warn("helpapi: render", "error", err)
		}
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/shortcuts", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, src.Shortcuts())
		})
		r.Get("/features", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, src.Tabs())
		})
		r.Get("/features/{tabID}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "tabID")
			for _, t := range src.Tabs() {
				if t.ID == id {
					writeJSON(w, http.StatusOK, t)
					return
				}
			}
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown tab"})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// headToGet lets HEAD probes hit GET routes.
func headToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
