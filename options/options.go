// Package options stores the per-origin settings ghpreview reads at page
// load: the token used for API calls, user CSS and logging switches.
//
// github.com uses the "default" origin; every other host (GitHub
// Enterprise) gets its own row, so the same browser can be pointed at
// several instances with different tokens.
package options

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DefaultOrigin holds the github.com settings.
const DefaultOrigin = "default"

// Options is one origin's settings.
type Options struct {
	ActionURL     string `json:"actionUrl"`
	CustomCSS     string `json:"customCSS"`
	PersonalToken string `json:"personalToken"`
	Logging       bool   `json:"logging"`
	LogHTTP       bool   `json:"logHTTP"`
}

// Defaults returns the settings of an origin nobody configured.
func Defaults() Options {
	return Options{ActionURL: "https://github.com/"}
}

// Origin maps a page URL to its storage origin.
func Origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return DefaultOrigin
	}
	host := strings.ToLower(u.Hostname())
	if host == "github.com" || strings.HasSuffix(host, ".github.com") {
		return DefaultOrigin
	}
	return u.Scheme + "://" + u.Host
}

// Keys lists the names accepted by Apply.
var Keys = []string{"actionUrl", "customCSS", "personalToken", "logging", "logHTTP"}

// Apply sets one field by its JSON name.
func (o *Options) Apply(key, value string) error {
	switch key {
	case "actionUrl":
		o.ActionURL = value
	case "customCSS":
		o.CustomCSS = value
	case "personalToken":
		o.PersonalToken = strings.TrimSpace(value)
	case "logging", "logHTTP":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("options: %s: %w", key, err)
		}
		if key == "logging" {
			o.Logging = b
		} else {
			o.LogHTTP = b
		}
	default:
		return fmt.Errorf("options: unknown key %q (known: %s)", key, strings.Join(Keys, ", "))
	}
	return nil
}
