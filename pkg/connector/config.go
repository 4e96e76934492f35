// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the Feishu channel configuration.
type Config struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`
	// AdminAPIAddr is the listen address for the admin HTTP API that serves
	// /api/reload-accounts. Empty disables the API.
	AdminAPIAddr string `yaml:"admin_api_addr"`

	Accounts map[string]AccountConfig `yaml:"accounts" validate:"dive"`

	Dedupe     DedupeConfig   `yaml:"dedupe"`
	StaleAfter time.Duration  `yaml:"stale_after" validate:"gte=0"`
	Dispatch   DispatchConfig `yaml:"dispatch"`
	Gateway    GatewayConfig  `yaml:"gateway"`

	TextChunkLimit int `yaml:"text_chunk_limit" validate:"gte=0"`

	Logging zeroconfig.Config `yaml:"logging"`
}

// AccountConfig is the credential block of one account.
type AccountConfig struct {
	// Enabled defaults to true when omitted.
	Enabled   *bool  `yaml:"enabled"`
	Name      string `yaml:"name"`
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`
}

// IsEnabled reports whether the account is switched on.
func (a AccountConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

type DedupeConfig struct {
	TTL            time.Duration `yaml:"ttl" validate:"gte=0"`
	SweepThreshold int           `yaml:"sweep_threshold" validate:"gte=0"`
	SweepSchedule  string        `yaml:"sweep_schedule"`
}

type DispatchConfig struct {
	WebhookURL   string        `yaml:"webhook_url" validate:"omitempty,url"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
	QueueSize    int           `yaml:"queue_size" validate:"gte=0"`
	Workers      int           `yaml:"workers" validate:"gte=0"`
	DrainTimeout time.Duration `yaml:"drain_timeout" validate:"gte=0"`
}

type GatewayConfig struct {
	PingInterval      time.Duration `yaml:"ping_interval" validate:"gte=0"`
	PongWait          time.Duration `yaml:"pong_wait" validate:"gte=0"`
	ReconnectBaseWait time.Duration `yaml:"reconnect_base_wait" validate:"gte=0"`
	ReconnectMaxWait  time.Duration `yaml:"reconnect_max_wait" validate:"gte=0"`
}

// Account is a runnable account: enabled and carrying both credentials.
type Account struct {
	ID        string
	Name      string
	AppID     string
	AppSecret string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults, applies environment overrides and validates.
func (c *Config) PostProcess() error {
	c.applyDefaults()
	c.applyEnv(os.Getenv)
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cron.ParseStandard(c.Dedupe.SweepSchedule); err != nil {
		return fmt.Errorf("invalid config: dedupe.sweep_schedule: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://open.feishu.cn"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Accounts == nil {
		c.Accounts = make(map[string]AccountConfig)
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.SweepThreshold == 0 {
		c.Dedupe.SweepThreshold = DefaultDedupeSweepThreshold
	}
	if c.Dedupe.SweepSchedule == "" {
		c.Dedupe.SweepSchedule = "@every 1m"
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.Dispatch.Timeout == 0 {
		c.Dispatch.Timeout = 2 * time.Minute
	}
	if c.Dispatch.QueueSize == 0 {
		c.Dispatch.QueueSize = 256
	}
	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.DrainTimeout == 0 {
		c.Dispatch.DrainTimeout = 30 * time.Second
	}
	c.Gateway = c.Gateway.withDefaults()
}

func (g GatewayConfig) withDefaults() GatewayConfig {
	if g.PingInterval <= 0 {
		g.PingInterval = 30 * time.Second
	}
	if g.PongWait <= 0 {
		g.PongWait = 3 * g.PingInterval
	}
	if g.ReconnectBaseWait <= 0 {
		g.ReconnectBaseWait = time.Second
	}
	if g.ReconnectMaxWait <= 0 {
		g.ReconnectMaxWait = time.Minute
	}
	return g
}

// applyEnv overlays FEISHU_<ACCOUNT>_APP_ID / FEISHU_<ACCOUNT>_APP_SECRET on
// configured accounts. FEISHU_APP_ID / FEISHU_APP_SECRET define the "default"
// account when it is not configured.
func (c *Config) applyEnv(getenv func(string) string) {
	for id, acct := range c.Accounts {
		prefix := "FEISHU_" + envKey(id) + "_"
		if v := getenv(prefix + "APP_ID"); v != "" {
			acct.AppID = v
		}
		if v := getenv(prefix + "APP_SECRET"); v != "" {
			acct.AppSecret = v
		}
		c.Accounts[id] = acct
	}
	if _, ok := c.Accounts["default"]; !ok {
		appID, appSecret := getenv("FEISHU_APP_ID"), getenv("FEISHU_APP_SECRET")
		if appID != "" || appSecret != "" {
			c.Accounts["default"] = AccountConfig{AppID: appID, AppSecret: appSecret}
		}
	}
}

func envKey(accountID string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(accountID))
}

// RunnableAccounts returns the enabled accounts that carry both credentials,
// sorted by id. Skipped accounts are logged.
func (c *Config) RunnableAccounts(log zerolog.Logger) []Account {
	ids := lo.Keys(c.Accounts)
	sort.Strings(ids)
	var accounts []Account
	for _, id := range ids {
		acct := c.Accounts[id]
		switch {
		case !acct.IsEnabled():
			log.Info().Str("account_id", id).Msg("Account disabled, not starting")
		case acct.AppID == "" || acct.AppSecret == "":
			log.Info().Str("account_id", id).Msg("Account missing app_id or app_secret, not starting")
		default:
			accounts = append(accounts, Account{
				ID:        id,
				Name:      acct.Name,
				AppID:     acct.AppID,
				AppSecret: acct.AppSecret,
			})
		}
	}
	return accounts
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "base_url")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Map, "accounts")
	helper.Copy(up.Str, "dedupe", "ttl")
	helper.Copy(up.Int, "dedupe", "sweep_threshold")
	helper.Copy(up.Str, "dedupe", "sweep_schedule")
	helper.Copy(up.Str, "stale_after")
	helper.Copy(up.Str, "dispatch", "webhook_url")
	helper.Copy(up.Str, "dispatch", "timeout")
	helper.Copy(up.Int, "dispatch", "queue_size")
	helper.Copy(up.Int, "dispatch", "workers")
	helper.Copy(up.Str, "dispatch", "drain_timeout")
	helper.Copy(up.Str, "gateway", "ping_interval")
	helper.Copy(up.Str, "gateway", "pong_wait")
	helper.Copy(up.Str, "gateway", "reconnect_base_wait")
	helper.Copy(up.Str, "gateway", "reconnect_max_wait")
	helper.Copy(up.Int, "text_chunk_limit")
	helper.Copy(up.Map, "logging")
}

// ParseConfig merges user YAML onto the example config and post-processes
// the result. Keys missing from data keep their example values.
func ParseConfig(data []byte) (*Config, error) {
	var base yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &base); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	var user yaml.Node
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(user.Content) > 0 {
		upgradeConfig(up.NewHelper(&base, &user))
	}

	var cfg Config
	if err := base.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads and parses the config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}
