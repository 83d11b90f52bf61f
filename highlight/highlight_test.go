package highlight

import (
	"strings"
	"testing"
)

func TestThemeFor(t *testing.T) {
	cases := []struct {
		mode string
		dark bool
		want Theme
	}{
		{"light", true, Light},
		{"dark", false, Dark},
		{"auto", true, Dark},
		{"auto", false, Light},
		{"", true, Light},
		{"sepia", false, Light},
	}
	for _, c := range cases {
		if got := ThemeFor(c.mode, c.dark); got != c.want {
			t.Errorf("ThemeFor(%q, %v) = %s, want %s", c.mode, c.dark, got, c.want)
		}
	}
}

func TestLexer(t *testing.T) {
	cases := map[string]string{
		"main.go":        "Go",
		"src/app.py":     "Python",
		"Dockerfile":     "Docker",
		"README.unknown": "plaintext",
	}
	for name, want := range cases {
		if got := Lexer(name).Config().Name; got != want {
			t.Errorf("Lexer(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestRender(t *testing.T) {
	h := New()
	res, err := h.Render("package main\n\nfunc main() {}\n", "main.go", Dark)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if res.Language != "Go" {
		t.Errorf("Language: %s", res.Language)
	}
	if !strings.Contains(res.HTML, `class="ghp-chroma"`) {
		t.Errorf("missing prefixed chroma class:\n%s", res.HTML)
	}
	if !strings.Contains(res.HTML, "package") || !strings.Contains(res.HTML, "main") {
		t.Errorf("source text lost:\n%s", res.HTML)
	}
	if !strings.Contains(res.CSS, ".ghp-chroma") {
		t.Errorf("CSS not prefixed:\n%s", res.CSS)
	}
}

func TestRender_SanitisesMarkup(t *testing.T) {
	h := New()
	res, err := h.Render(`<script>alert(1)</script><img src=x onerror=alert(1)>`, "evil.txt", Light)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(res.HTML, "<script") || strings.Contains(res.HTML, "<img") {
		t.Fatalf("markup leaked through:\n%s", res.HTML)
	}
	if !strings.Contains(res.HTML, "&lt;script&gt;") {
		t.Fatalf("escaped source missing:\n%s", res.HTML)
	}
}

func TestCSS_Cached(t *testing.T) {
	h := New()
	a, err := h.CSS(Light)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := h.CSS(Light)
	d, _ := h.CSS(Dark)
	if a != b {
		t.Error("CSS not stable")
	}
	if a == d {
		t.Error("light and dark CSS identical")
	}
}
