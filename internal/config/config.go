package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"opex/internal/approval"
)

// Config models opex.yml.
type Config struct {
	App struct {
		Name          string `yaml:"name"`
		PublicBaseURL string `yaml:"public_base_url"`
	} `yaml:"app"`
	Database      DatabaseConfig      `yaml:"database"`
	Log           LogConfig           `yaml:"log"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Escalation    EscalationConfig    `yaml:"escalation"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Auth          AuthConfig          `yaml:"auth"`
	RBAC          struct {
		DefaultRole string              `yaml:"default_role"`
		Roles       map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Directory []DirectoryUser `yaml:"directory"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ApprovalConfig struct {
	BaseChain      []string        `yaml:"base_chain"`
	TerminalMarker string          `yaml:"terminal_marker"`
	SignedLinks    bool            `yaml:"signed_links"`
	LinkTTL        time.Duration   `yaml:"link_ttl"`
	Rules          []approval.Rule `yaml:"rules"`
}

type EscalationConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Interval             time.Duration `yaml:"interval"`
	PendingAfter         time.Duration `yaml:"pending_after"`
	PendingTargetRole    string        `yaml:"pending_target_role"`
	ActionItemTargetRole string        `yaml:"action_item_target_role"`
}

type NotificationsConfig struct {
	Sender        string        `yaml:"sender"`
	From          string        `yaml:"from"`
	WebhookURL    string        `yaml:"webhook_url"`
	NATSURL       string        `yaml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxAttempts   int           `yaml:"max_attempts"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Lang          string        `yaml:"lang"`
}

type SessionsConfig struct {
	Backend   string        `yaml:"backend"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	TTL       time.Duration `yaml:"ttl"`
}

type AuthConfig struct {
	DevLogin bool `yaml:"dev_login"`
	// LegacyHeader accepts X-Actor-Email as the principal, for intranet
	// callers that sit behind an authenticating proxy.
	LegacyHeader bool `yaml:"legacy_header"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// DirectoryUser seeds the identity directory.
type DirectoryUser struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
	Roles []struct {
		Role  string `yaml:"role"`
		Store string `yaml:"store"`
	} `yaml:"roles"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with opex init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Approval.BaseChain) == 0 {
		return fmt.Errorf("config.approval.base_chain is required")
	}
	for i, role := range c.Approval.BaseChain {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("config.approval.base_chain[%d] is empty", i)
		}
	}
	if c.Approval.SignedLinks && c.Approval.LinkTTL <= 0 {
		return fmt.Errorf("config.approval.link_ttl must be positive when signed_links is on")
	}
	for _, rule := range c.Approval.Rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("config.approval.rules: %w", err)
		}
	}
	if c.Escalation.Enabled {
		if c.Escalation.Interval <= 0 || c.Escalation.PendingAfter <= 0 {
			return fmt.Errorf("config.escalation interval and pending_after must be positive")
		}
		if c.Escalation.PendingTargetRole == "" || c.Escalation.ActionItemTargetRole == "" {
			return fmt.Errorf("config.escalation target roles are required")
		}
	}
	switch c.Notifications.Sender {
	case "", "log":
	case "webhook":
		if c.Notifications.WebhookURL == "" {
			return fmt.Errorf("config.notifications.webhook_url is required for the webhook sender")
		}
	case "nats":
		if c.Notifications.NATSURL == "" {
			return fmt.Errorf("config.notifications.nats_url is required for the nats sender")
		}
	default:
		return fmt.Errorf("config.notifications.sender must be log, webhook or nats")
	}
	switch c.Sessions.Backend {
	case "", "memory":
	case "redis":
		if c.Sessions.RedisAddr == "" {
			return fmt.Errorf("config.sessions.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.sessions.backend must be memory or redis")
	}
	if len(c.RBAC.Roles) > 0 {
		if c.RBAC.DefaultRole != "" {
			if _, ok := c.RBAC.Roles[c.RBAC.DefaultRole]; !ok {
				return fmt.Errorf("config.rbac.default_role %s is not defined", c.RBAC.DefaultRole)
			}
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	seen := map[string]bool{}
	for _, u := range c.Directory {
		if u.ID == "" || u.Email == "" {
			return fmt.Errorf("config.directory entries need id and email")
		}
		key := strings.ToLower(u.Email)
		if seen[key] {
			return fmt.Errorf("config.directory has duplicate email %s", u.Email)
		}
		seen[key] = true
	}
	return nil
}

// ActiveRules returns the configured rules, or the built-in defaults when
// none are configured.
func (c *Config) ActiveRules() []approval.Rule {
	if len(c.Approval.Rules) > 0 {
		return c.Approval.Rules
	}
	return approval.DefaultRules()
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "opex.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the file keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `app:
  name: opex
  public_base_url: http://localhost:8080

database:
  driver: sqlite
  max_open_conns: 8
  max_idle_conns: 4
  conn_max_lifetime: 30m

log:
  level: info
  format: json

approval:
  base_chain: [AreaManager, HeadOfOperations]
  terminal_marker: ""
  signed_links: false
  link_ttl: 168h
  rules:
    - id: rule-happy-category
      name: happy-category-skips-area-manager
      trigger_field: category
      trigger_operator: contains
      trigger_value: Happy
      action_type: skip
      target_approver: AreaManager
      priority: 10
      is_active: true
    - id: rule-happy-store
      name: happy-store-skips-area-manager
      trigger_field: store
      trigger_operator: contains
      trigger_value: Happy
      action_type: skip
      target_approver: AreaManager
      priority: 10
      is_active: true
    - id: rule-helpers-hr
      name: helpers-add-hr
      trigger_field: category
      trigger_operator: equals
      trigger_value: Helpers
      action_type: add
      target_approver: HR
      priority: 20
      is_active: true

escalation:
  enabled: true
  interval: 15m
  pending_after: 48h
  pending_target_role: HeadOfOperations
  action_item_target_role: AreaManager

notifications:
  sender: log
  from: opex@localhost
  subject_prefix: notifications.opex
  max_attempts: 5
  poll_interval: 2s
  lang: en

sessions:
  backend: memory
  ttl: 12h

auth:
  dev_login: false
  legacy_header: false

rbac:
  default_role: Employee
  roles:
    Admin:
      description: "Full access"
      permissions: ["*"]
    Employee:
      description: "Any signed-in staff member"
      permissions: ["cleaning:create", "cleaning:view"]
    AreaManager:
      description: "Approves requests for their stores"
      permissions: ["cleaning:*", "actions:*", "escalations:view"]
    HeadOfOperations:
      description: "Final approver, owns escalations"
      permissions: ["cleaning:*", "actions:*", "escalations:*", "rules:manage"]
    HR:
      description: "Approves helper requests"
      permissions: ["cleaning:view", "cleaning:approve"]
`
