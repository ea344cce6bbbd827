package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models crewline.yml.
type Config struct {
	Timezone struct {
		Reference string `yaml:"reference"`
		// Source is the zone inbound due times are expressed in: "reference"
		// or an IANA name.
		Source string `yaml:"source"`
	} `yaml:"timezone"`
	CRM struct {
		BaseURL          string `yaml:"base_url"`
		Token            string `yaml:"token"`
		TeamFieldKey     string `yaml:"team_field_key"`
		DealTeamFieldKey string `yaml:"deal_team_field_key"`
	} `yaml:"crm"`
	Chat struct {
		BaseURL string `yaml:"base_url"`
		Token   string `yaml:"token"`
	} `yaml:"chat"`
	Webhook struct {
		Secret             string `yaml:"secret"`
		DedupEnabled       *bool  `yaml:"dedup_enabled"`
		DedupBucketSeconds int    `yaml:"dedup_bucket_seconds"`
	} `yaml:"webhook"`
	Links struct {
		BaseURL  string `yaml:"base_url"`
		Secret   string `yaml:"secret"`
		TTLHours int    `yaml:"ttl_hours"`
	} `yaml:"links"`
	Publish struct {
		FingerprintTTLMinutes int      `yaml:"fingerprint_ttl_minutes"`
		RenameMode            string   `yaml:"rename_mode"`
		RenameWindowSeconds   int      `yaml:"rename_window_seconds"`
		RenameAttempts        int      `yaml:"rename_attempts"`
		HistoryLookback       int      `yaml:"history_lookback"`
		AllowedTypes          []string `yaml:"allowed_types"`
		BlockedTypes          []string `yaml:"blocked_types"`
		BlockedSubjects       []string `yaml:"blocked_subjects"`
	} `yaml:"publish"`
	API struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"api"`
	Teams []Team `yaml:"teams"`
}

// Team maps a crew identifier to its display name and chat channel. A team
// with an empty channel still resolves; some slots are deliberately unrouted.
type Team struct {
	ID      int64  `yaml:"id"`
	Name    string `yaml:"name"`
	Channel string `yaml:"channel"`
}

// RenameMode values accepted by publish.rename_mode.
const (
	RenameNever   = "never"
	RenameMissing = "missing"
	RenameAlways  = "always"
)

// Load reads and validates config from a workspace directory.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with crew config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Timezone.Reference == "" {
		return fmt.Errorf("config.timezone.reference is required")
	}
	if _, err := time.LoadLocation(c.Timezone.Reference); err != nil {
		return fmt.Errorf("config.timezone.reference: %w", err)
	}
	if c.Timezone.Source != "" && c.Timezone.Source != "reference" {
		if _, err := time.LoadLocation(c.Timezone.Source); err != nil {
			return fmt.Errorf("config.timezone.source: %w", err)
		}
	}
	switch c.Publish.RenameMode {
	case "", RenameNever, RenameMissing, RenameAlways:
	default:
		return fmt.Errorf("config.publish.rename_mode must be never, missing or always")
	}
	if len(c.Publish.AllowedTypes) > 0 && len(c.Publish.BlockedTypes) > 0 {
		return fmt.Errorf("config.publish: allowed_types and blocked_types are mutually exclusive")
	}
	seen := map[int64]string{}
	seenNames := map[string]string{}
	for _, t := range c.Teams {
		if t.ID == 0 {
			return fmt.Errorf("config.teams: team %q has no id", t.Name)
		}
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("config.teams: team %d has no name", t.ID)
		}
		if prev, ok := seen[t.ID]; ok {
			return fmt.Errorf("config.teams: id %d used by both %q and %q", t.ID, prev, t.Name)
		}
		seen[t.ID] = t.Name
		// Names resolve owner fallbacks and channels case-insensitively, so
		// they must be unique in that fold too.
		folded := strings.ToLower(strings.TrimSpace(t.Name))
		if prev, ok := seenNames[folded]; ok {
			return fmt.Errorf("config.teams: name %q duplicates %q", t.Name, prev)
		}
		seenNames[folded] = t.Name
	}
	return nil
}

// ReferenceLocation loads the reference time zone.
func (c *Config) ReferenceLocation() *time.Location {
	loc, err := time.LoadLocation(c.Timezone.Reference)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SourceLocation loads the zone inbound due times are expressed in.
func (c *Config) SourceLocation() *time.Location {
	if c.Timezone.Source == "" || c.Timezone.Source == "reference" {
		return c.ReferenceLocation()
	}
	loc, err := time.LoadLocation(c.Timezone.Source)
	if err != nil {
		return c.ReferenceLocation()
	}
	return loc
}

// TeamNames returns the id -> display name table.
func (c *Config) TeamNames() map[int64]string {
	out := make(map[int64]string, len(c.Teams))
	for _, t := range c.Teams {
		out[t.ID] = t.Name
	}
	return out
}

// TeamChannels returns the lowercased name -> channel table, omitting
// unrouted teams.
func (c *Config) TeamChannels() map[string]string {
	out := make(map[string]string, len(c.Teams))
	for _, t := range c.Teams {
		if t.Channel != "" {
			out[strings.ToLower(t.Name)] = t.Channel
		}
	}
	return out
}

// DedupEnabled reports whether the inbound dedup filter is active. It
// defaults on; the flag exists for debugging redelivery behaviour.
func (c *Config) DedupEnabled() bool {
	return c.Webhook.DedupEnabled == nil || *c.Webhook.DedupEnabled
}

// DedupBucket returns the dedup time-bucket width.
func (c *Config) DedupBucket() time.Duration {
	if c.Webhook.DedupBucketSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.Webhook.DedupBucketSeconds) * time.Second
}

// FingerprintTTL returns how long a stored publish fingerprint suppresses
// re-publishing an unchanged activity.
func (c *Config) FingerprintTTL() time.Duration {
	if c.Publish.FingerprintTTLMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Publish.FingerprintTTLMinutes) * time.Minute
}

// RenameWindow returns how long a label rewrite is defended.
func (c *Config) RenameWindow() time.Duration {
	if c.Publish.RenameWindowSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.Publish.RenameWindowSeconds) * time.Second
}

// RenameAttempts returns the corrective-rewrite ceiling per arm cycle.
func (c *Config) RenameAttempts() int {
	if c.Publish.RenameAttempts <= 0 {
		return 2
	}
	return c.Publish.RenameAttempts
}

// HistoryLookback bounds the marker-based fallback retraction scan.
func (c *Config) HistoryLookback() int {
	if c.Publish.HistoryLookback <= 0 {
		return 50
	}
	return c.Publish.HistoryLookback
}

// LinkTTL returns the signed completion link validity.
func (c *Config) LinkTTL() time.Duration {
	if c.Links.TTLHours <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(c.Links.TTLHours) * time.Hour
}

// RenameModeOrDefault returns the configured rename mode, defaulting to
// rewriting only when the subject does not already name the resolved crew.
func (c *Config) RenameModeOrDefault() string {
	if c.Publish.RenameMode == "" {
		return RenameMissing
	}
	return c.Publish.RenameMode
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crewline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

const defaultTemplate = `timezone:
  reference: Europe/Berlin
  source: reference

crm:
  base_url: ""
  token: ""
  team_field_key: ""
  deal_team_field_key: ""

chat:
  base_url: ""
  token: ""

webhook:
  secret: ""
  dedup_bucket_seconds: 20

links:
  base_url: ""
  secret: ""
  ttl_hours: 72

publish:
  fingerprint_ttl_minutes: 30
  rename_mode: missing
  rename_window_seconds: 120
  rename_attempts: 2
  history_lookback: 50
  blocked_types: []
  blocked_subjects: []

api:
  jwt_secret: ""

teams: []
`
