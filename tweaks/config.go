package tweaks

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/prerender/page"
	"github.com/hazyhaar/prerender/settings"
)

// Config holds the prerenderd configuration.
type Config struct {
	DBPath            string         `yaml:"db_path"`
	Listen            string         `yaml:"listen"`
	ChromiumVersion   int            `yaml:"chromium_version"`
	GateWindow        time.Duration  `yaml:"gate_window"`
	Settings          SettingsConfig `yaml:"settings"`
	Browser           BrowserConfig  `yaml:"browser"`
	AdminUser         string         `yaml:"admin_user"`
	AdminPasswordHash string         `yaml:"admin_password_hash"`
	MCP               bool           `yaml:"mcp"`
	Watch             WatchConfig    `yaml:"watch"`

	// AuditRetention bounds the age of audit entries kept at startup.
	AuditRetention time.Duration `yaml:"audit_retention"`
}

// SettingsConfig overrides the built-in setting defaults. Unset fields keep
// the defaults for the configured Chromium version.
type SettingsConfig struct {
	AutoInjection              *bool `yaml:"auto_injection"`
	MaxRulesByAnchors          *int  `yaml:"max_rules_by_anchors"`
	AnchorHoverInjection       *bool `yaml:"anchor_hover_injection"`
	LastVisitInjection         *bool `yaml:"last_visit_injection"`
	CrossOriginSameSiteSupport *bool `yaml:"cross_origin_same_site_support"`
	RecordMetrics              *bool `yaml:"record_metrics"`
}

// BrowserConfig controls the Chrome host.
type BrowserConfig struct {
	// Remote is a DevTools websocket URL; empty launches a local Chrome.
	Remote   string `yaml:"remote"`
	Bin      string `yaml:"bin"`
	Headless bool   `yaml:"headless"`
	Stealth  bool   `yaml:"stealth"`

	// Open lists URLs opened in new tabs at startup.
	Open []string `yaml:"open"`

	// Disabled runs without a browser; pages are driven through the API.
	Disabled bool `yaml:"disabled"`
}

// WatchConfig controls the storage change watcher.
type WatchConfig struct {
	Interval time.Duration `yaml:"interval"`
	Debounce time.Duration `yaml:"debounce"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "prerender.db"
	}
	if c.Listen == "" {
		c.Listen = ":8420"
	}
	if c.ChromiumVersion <= 0 {
		c.ChromiumVersion = settings.AutoInjectionMinVersion
	}
	if c.GateWindow <= 0 {
		c.GateWindow = page.DefaultWindow
	}
	if c.AdminUser == "" {
		c.AdminUser = "admin"
	}
	if c.Watch.Interval <= 0 {
		c.Watch.Interval = 2 * time.Second
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = 200 * time.Millisecond
	}
	if c.AuditRetention <= 0 {
		c.AuditRetention = 30 * 24 * time.Hour
	}
}

// SettingsDefaults merges the configured overrides onto the defaults of
// the configured Chromium version.
func (c *Config) SettingsDefaults() settings.Snapshot {
	s := settings.Defaults(c.ChromiumVersion)
	o := c.Settings
	if o.AutoInjection != nil {
		s.AutoInjection = *o.AutoInjection
	}
	if o.MaxRulesByAnchors != nil && *o.MaxRulesByAnchors > 0 {
		s.MaxRulesByAnchors = *o.MaxRulesByAnchors
	}
	if o.AnchorHoverInjection != nil {
		s.AnchorHoverInjection = *o.AnchorHoverInjection
	}
	if o.LastVisitInjection != nil {
		s.LastVisitInjection = *o.LastVisitInjection
	}
	if o.CrossOriginSameSiteSupport != nil {
		s.CrossOriginSameSiteSupport = *o.CrossOriginSameSiteSupport
	}
	if o.RecordMetrics != nil {
		s.RecordMetrics = *o.RecordMetrics
	}
	return s
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

// LoadConfigFile reads a YAML config file and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.defaults()
	return cfg, nil
}
