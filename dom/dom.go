// Package dom is the boundary between the feature engine and the page it
// augments. The engine only ever sees a Host: the real one drives a Chrome
// tab (internal/browser), the fake one lives in dom/domtest.
//
// All page events funnel through a single Bus goroutine, so handlers observe
// navigation, matches and actions in the order the page produced them.
package dom

import (
	"context"
	"encoding/json"
)

// Element is a handle on a node inside the host document. It is a value:
// the node itself stays in the page and is addressed again through Ref.
type Element struct {
	Ref  string `json:"ref"`
	Tag  string `json:"tag"`
	Text string `json:"text"`
	Href string `json:"href"`
	// Pseudo is set when the notification fired on ::before or ::after
	// rather than on the element itself.
	Pseudo string `json:"pseudo"`
}

// Watch asks the host to report every element matching Selector that does
// not yet carry the seen class derived from Mark. Reporting does not set
// the class; the watcher does, through MarkSeen, once it delivers.
type Watch struct {
	ID       string
	Selector string
	Mark     string
}

// RefAttr is the attribute a host stamps on every element it reports, so
// scripts can find the element again from its Ref.
const RefAttr = "data-ghp-ref"

// RefSelector selects the element carrying ref.
func RefSelector(ref string) string {
	return "[" + RefAttr + "=\"" + ref + "\"]"
}

// SeenClass is the class a host adds to an element once a watch using mark
// has reported it.
func SeenClass(mark string) string {
	return "ghp-seen-" + mark
}

// Page is the read-only view page classifiers need.
type Page interface {
	URL() string
	Title(ctx context.Context) (string, error)
	Exists(ctx context.Context, selector string) (bool, error)
}

// Host is everything the engine and its features may do to a page.
type Host interface {
	Page

	// IsWebPage reports whether the current document is a displayable page
	// the extension is allowed to touch.
	IsWebPage() bool
	// WaitBody blocks until the document has a body.
	WaitBody(ctx context.Context) error
	RootAttr(ctx context.Context, name string) (string, bool, error)
	SetRootAttr(ctx context.Context, name, value string) error
	// DOMReady reports whether the document finished loading.
	DOMReady(ctx context.Context) (bool, error)

	InstallWatch(ctx context.Context, w Watch) error
	RemoveWatch(ctx context.Context, id string) error
	// MarkSeen adds the seen class of mark to the element ref, so no watch
	// using mark reports it again.
	MarkSeen(ctx context.Context, ref, mark string) error

	// CaptureErrors starts forwarding uncaught page errors and unhandled
	// rejections as events. Calling it again is a no-op.
	CaptureErrors(ctx context.Context) error
	InjectStyle(ctx context.Context, id, css string) error
	Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error)
	OpenBackground(ctx context.Context, url string) error

	Bus() *Bus
}
