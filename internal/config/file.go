// Package config loads the ghpreview YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Browser BrowserConfig `yaml:"browser"`
	// Pages are opened at startup.
	Pages []string `yaml:"pages"`
	// AllowedHosts are host globs features may run on. Empty means
	// github.com and gist.github.com.
	AllowedHosts []string `yaml:"allowed_hosts"`
	// Database holds options and the hotfix cache.
	Database string `yaml:"database"`
	// HelpAddr serves the shortcut help. Empty disables it.
	HelpAddr string `yaml:"help_addr"`
	// Version is reported with errors and selects hotfixes.
	Version string `yaml:"version"`
	// PreferDark resolves GitHub's "auto" color mode.
	PreferDark bool         `yaml:"prefer_dark"`
	Hotfix     HotfixConfig `yaml:"hotfix"`
	Fetch      FetchConfig  `yaml:"fetch"`
}

// BrowserConfig controls Chrome.
type BrowserConfig struct {
	Remote          string        `yaml:"remote"`
	Bin             string        `yaml:"bin"`
	Headless        bool          `yaml:"headless"`
	UserDataDir     string        `yaml:"user_data_dir"`
	XvfbDisplay     string        `yaml:"xvfb_display"`
	RecycleInterval time.Duration `yaml:"recycle_interval"`
	MemoryLimit     int64         `yaml:"memory_limit"`
	// Stealth defaults to true.
	Stealth *bool `yaml:"stealth"`
}

// HotfixConfig locates style patches.
type HotfixConfig struct {
	BaseURL string        `yaml:"base_url"`
	MaxAge  time.Duration `yaml:"max_age"`
	// Disabled skips hotfixes entirely.
	Disabled bool `yaml:"disabled"`
}

// FetchConfig tunes the background fetcher.
type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// StealthEnabled reports whether tabs hide automation fingerprints.
func (b BrowserConfig) StealthEnabled() bool { return b.Stealth == nil || *b.Stealth }

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default is the configuration used without a file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	dir := dataDir()
	if len(c.Pages) == 0 {
		c.Pages = []string{"https://github.com/search?type=code"}
	}
	if c.Database == "" {
		c.Database = filepath.Join(dir, "ghpreview.db")
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.Browser.UserDataDir == "" && c.Browser.Remote == "" {
		c.Browser.UserDataDir = filepath.Join(dir, "chrome")
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Hotfix.MaxAge <= 0 {
		c.Hotfix.MaxAge = 6 * time.Hour
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
}

func dataDir() string {
	if d, err := os.UserConfigDir(); err == nil {
		return filepath.Join(d, "ghpreview")
	}
	return ".ghpreview"
}
