package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	DataDir   string          `json:"data_dir" toml:"data_dir" yaml:"data_dir"`
	Board     BoardConfig     `json:"board" toml:"board" yaml:"board"`
	Agent     AgentConfig     `json:"agent" toml:"agent" yaml:"agent"`
	Ports     PortsConfig     `json:"ports" toml:"ports" yaml:"ports"`
	RunLog    RunLogConfig    `json:"runlog" toml:"runlog" yaml:"runlog"`
	Broadcast BroadcastConfig `json:"broadcast" toml:"broadcast" yaml:"broadcast"`
	API       APIConfig       `json:"api" toml:"api" yaml:"api"`
	PRD       PRDConfig       `json:"prd" toml:"prd" yaml:"prd"`
	Notify    NotifyConfig    `json:"notify" toml:"notify" yaml:"notify"`
	Log       LogConfig       `json:"log" toml:"log" yaml:"log"`
}

// BoardConfig holds ticket repository settings.
type BoardConfig struct {
	Path               string   `json:"path,omitempty" toml:"path" yaml:"path,omitempty"` // default <data_dir>/tickets.json
	QuietPeriod        Duration `json:"quiet_period" toml:"quiet_period" yaml:"quiet_period"`
	RequireApprovedPRD bool     `json:"require_approved_prd" toml:"require_approved_prd" yaml:"require_approved_prd"`
	Watch              bool     `json:"watch" toml:"watch" yaml:"watch"`
}

// AgentConfig describes the external coding agent and how its output is read.
type AgentConfig struct {
	Command          string            `json:"command" toml:"command" yaml:"command"`
	Args             []string          `json:"args,omitempty" toml:"args" yaml:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty" toml:"env" yaml:"env,omitempty"`
	ProcessName      string            `json:"process_name" toml:"process_name" yaml:"process_name"`
	Sentinel         string            `json:"sentinel" toml:"sentinel" yaml:"sentinel"`
	IterationPattern string            `json:"iteration_pattern" toml:"iteration_pattern" yaml:"iteration_pattern"`
	ReadyPattern     string            `json:"ready_pattern,omitempty" toml:"ready_pattern" yaml:"ready_pattern,omitempty"`
	AwaitReadiness   bool              `json:"await_readiness" toml:"await_readiness" yaml:"await_readiness"`
	GracePeriod      Duration          `json:"grace_period" toml:"grace_period" yaml:"grace_period"`
	BufferBytes      int               `json:"buffer_bytes" toml:"buffer_bytes" yaml:"buffer_bytes"`
}

// PortsConfig bounds the port search for agent dev servers.
type PortsConfig struct {
	Base     int `json:"base" toml:"base" yaml:"base"`
	Attempts int `json:"attempts" toml:"attempts" yaml:"attempts"`
}

// RunLogConfig bounds the run journal. A zero Retention keeps every run.
type RunLogConfig struct {
	Retention     Duration `json:"retention" toml:"retention" yaml:"retention"`
	PruneSchedule string   `json:"prune_schedule" toml:"prune_schedule" yaml:"prune_schedule"` // cron expression
}

// BroadcastConfig tunes the status loop.
type BroadcastConfig struct {
	Interval      Duration `json:"interval" toml:"interval" yaml:"interval"`
	IdleThreshold Duration `json:"idle_threshold" toml:"idle_threshold" yaml:"idle_threshold"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host" toml:"host" yaml:"host"`
	Port int    `json:"port" toml:"port" yaml:"port"`
	Key  string `json:"api_key,omitempty" toml:"api_key" yaml:"api_key,omitempty"`
}

// PRDConfig holds the language model settings used for PRD generation.
// An empty APIKey disables generation.
type PRDConfig struct {
	Provider  string `json:"provider,omitempty" toml:"provider" yaml:"provider,omitempty"` // "anthropic" (default) or "openai"
	APIKey    string `json:"api_key,omitempty" toml:"api_key" yaml:"api_key,omitempty"`
	BaseURL   string `json:"base_url,omitempty" toml:"base_url" yaml:"base_url,omitempty"`
	Model     string `json:"model,omitempty" toml:"model" yaml:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty" toml:"max_tokens" yaml:"max_tokens,omitempty"`

	// FetchReferences pulls readable text from links in the ticket description.
	FetchReferences bool `json:"fetch_references" toml:"fetch_references" yaml:"fetch_references"`
}

// NotifyConfig selects where ticket completions and failed runs are
// announced. Each sink is enabled by its token or URL.
type NotifyConfig struct {
	SlackToken     string `json:"slack_token,omitempty" toml:"slack_token" yaml:"slack_token,omitempty"`
	SlackChannel   string `json:"slack_channel,omitempty" toml:"slack_channel" yaml:"slack_channel,omitempty"`
	TelegramToken  string `json:"telegram_token,omitempty" toml:"telegram_token" yaml:"telegram_token,omitempty"`
	TelegramChatID int64  `json:"telegram_chat_id,omitempty" toml:"telegram_chat_id" yaml:"telegram_chat_id,omitempty"`
	WebhookURL     string `json:"webhook_url,omitempty" toml:"webhook_url" yaml:"webhook_url,omitempty"`
	WebhookSecret  string `json:"webhook_secret,omitempty" toml:"webhook_secret" yaml:"webhook_secret,omitempty"`
}

// Enabled reports whether any sink is configured.
func (n NotifyConfig) Enabled() bool {
	return n.SlackToken != "" || n.TelegramToken != "" || n.WebhookURL != ""
}

// LogConfig controls the daemon logger.
type LogConfig struct {
	Level      string `json:"level" toml:"level" yaml:"level"`
	Format     string `json:"format" toml:"format" yaml:"format"` // "json" or "text"
	BufferSize int    `json:"buffer_size" toml:"buffer_size" yaml:"buffer_size"`
}

// Defaults returns a config usable without any file.
func Defaults() *Config {
	dataDir := ".codingd"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".codingd")
	}
	return &Config{
		DataDir: dataDir,
		Board: BoardConfig{
			QuietPeriod: Duration(500 * time.Millisecond),
			Watch:       true,
		},
		Agent: AgentConfig{
			Command:          "claude",
			Args:             []string{"--print", "--dangerously-skip-permissions"},
			ProcessName:      "claude",
			Sentinel:         "<promise>COMPLETE</promise>",
			IterationPattern: `(?im)^\s*=*\s*iteration\s+(\d+)`,
			GracePeriod:      Duration(2 * time.Second),
			BufferBytes:      256 << 10,
		},
		Ports:  PortsConfig{Base: 8081, Attempts: 20},
		RunLog: RunLogConfig{Retention: Duration(30 * 24 * time.Hour), PruneSchedule: "@daily"},
		Broadcast: BroadcastConfig{
			Interval:      Duration(3 * time.Second),
			IdleThreshold: Duration(2500 * time.Millisecond),
		},
		API: APIConfig{Host: "127.0.0.1", Port: 7420},
		PRD: PRDConfig{FetchReferences: true},
		Log: LogConfig{Level: "info", Format: "json", BufferSize: 1000},
	}
}

// TicketsPath is where the ticket document lives.
func (c *Config) TicketsPath() string {
	if c.Board.Path != "" {
		return c.Board.Path
	}
	return filepath.Join(c.DataDir, "tickets.json")
}

// RunLogPath is the SQLite run journal.
func (c *Config) RunLogPath() string {
	return filepath.Join(c.DataDir, "runs.db")
}

// Load reads a config file over Defaults. The decoder is chosen by extension:
// .json, .toml, .yaml or .yml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Defaults()
	if err := decode(filepath.Ext(path), data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(ext string, data []byte, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".json", "":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys: %v", undecoded)
		}
		return nil
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		return dec.Decode(cfg)
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
}

// LoadFromEnv builds a config from Defaults plus CODING_ environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := Defaults()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any CODING_ environment variables that are set.
func ApplyEnv(cfg *Config) error {
	var errs []string
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
				return
			}
			*dst = b
		}
	}

	str("CODING_DATA_DIR", &cfg.DataDir)
	str("CODING_BOARD_PATH", &cfg.Board.Path)
	dur("CODING_BOARD_QUIET_PERIOD", &cfg.Board.QuietPeriod)
	flag("CODING_REQUIRE_APPROVED_PRD", &cfg.Board.RequireApprovedPRD)
	flag("CODING_BOARD_WATCH", &cfg.Board.Watch)

	str("CODING_AGENT_COMMAND", &cfg.Agent.Command)
	if v := os.Getenv("CODING_AGENT_ARGS"); v != "" {
		cfg.Agent.Args = strings.Fields(v)
	}
	str("CODING_AGENT_PROCESS_NAME", &cfg.Agent.ProcessName)
	str("CODING_AGENT_SENTINEL", &cfg.Agent.Sentinel)
	str("CODING_AGENT_ITERATION_PATTERN", &cfg.Agent.IterationPattern)
	str("CODING_AGENT_READY_PATTERN", &cfg.Agent.ReadyPattern)
	flag("CODING_AGENT_AWAIT_READINESS", &cfg.Agent.AwaitReadiness)
	dur("CODING_AGENT_GRACE_PERIOD", &cfg.Agent.GracePeriod)
	num("CODING_AGENT_BUFFER_BYTES", &cfg.Agent.BufferBytes)

	num("CODING_PORT_BASE", &cfg.Ports.Base)
	num("CODING_PORT_ATTEMPTS", &cfg.Ports.Attempts)

	dur("CODING_RUNLOG_RETENTION", &cfg.RunLog.Retention)
	str("CODING_RUNLOG_PRUNE_SCHEDULE", &cfg.RunLog.PruneSchedule)

	dur("CODING_BROADCAST_INTERVAL", &cfg.Broadcast.Interval)
	dur("CODING_IDLE_THRESHOLD", &cfg.Broadcast.IdleThreshold)

	str("CODING_API_HOST", &cfg.API.Host)
	num("CODING_API_PORT", &cfg.API.Port)
	str("CODING_API_KEY", &cfg.API.Key)

	str("CODING_PRD_PROVIDER", &cfg.PRD.Provider)
	str("CODING_PRD_BASE_URL", &cfg.PRD.BaseURL)
	str("CODING_PRD_MODEL", &cfg.PRD.Model)
	num("CODING_PRD_MAX_TOKENS", &cfg.PRD.MaxTokens)
	flag("CODING_PRD_FETCH_REFERENCES", &cfg.PRD.FetchReferences)
	str("CODING_PRD_API_KEY", &cfg.PRD.APIKey)
	if cfg.PRD.APIKey == "" {
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			cfg.PRD.APIKey = key
			cfg.PRD.Provider = "anthropic"
		} else if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.PRD.APIKey = key
			cfg.PRD.Provider = "openai"
		}
	}

	str("CODING_SLACK_TOKEN", &cfg.Notify.SlackToken)
	str("CODING_SLACK_CHANNEL", &cfg.Notify.SlackChannel)
	str("CODING_TELEGRAM_TOKEN", &cfg.Notify.TelegramToken)
	if v := os.Getenv("CODING_TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("CODING_TELEGRAM_CHAT_ID: invalid integer %q", v))
		} else {
			cfg.Notify.TelegramChatID = id
		}
	}
	str("CODING_WEBHOOK_URL", &cfg.Notify.WebhookURL)
	str("CODING_WEBHOOK_SECRET", &cfg.Notify.WebhookSecret)

	str("CODING_LOG_LEVEL", &cfg.Log.Level)
	str("CODING_LOG_FORMAT", &cfg.Log.Format)
	num("CODING_LOG_BUFFER", &cfg.Log.BufferSize)

	if len(errs) > 0 {
		return fmt.Errorf("config: environment:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir is required")
	}
	if c.Board.QuietPeriod < 0 {
		errs = append(errs, "board.quiet_period must not be negative")
	}

	if c.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}
	if c.Agent.Sentinel == "" {
		errs = append(errs, "agent.sentinel is required")
	}
	if c.Agent.IterationPattern != "" {
		if _, err := regexp.Compile(c.Agent.IterationPattern); err != nil {
			errs = append(errs, fmt.Sprintf("agent.iteration_pattern: %v", err))
		}
	}
	if c.Agent.ReadyPattern != "" {
		if _, err := regexp.Compile(c.Agent.ReadyPattern); err != nil {
			errs = append(errs, fmt.Sprintf("agent.ready_pattern: %v", err))
		}
	}
	if c.Agent.AwaitReadiness && c.Agent.ReadyPattern == "" {
		errs = append(errs, "agent.await_readiness requires agent.ready_pattern")
	}
	if c.Agent.GracePeriod <= 0 {
		errs = append(errs, "agent.grace_period must be positive")
	}
	if c.Agent.BufferBytes <= 0 {
		errs = append(errs, "agent.buffer_bytes must be positive")
	}

	if c.Ports.Base < 1 || c.Ports.Base > 65535 {
		errs = append(errs, fmt.Sprintf("ports.base %d out of range", c.Ports.Base))
	}
	if c.Ports.Attempts < 1 {
		errs = append(errs, "ports.attempts must be at least 1")
	}

	if c.RunLog.Retention < 0 {
		errs = append(errs, "runlog.retention must not be negative")
	}
	if c.RunLog.Retention > 0 {
		if _, err := cron.ParseStandard(c.RunLog.PruneSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("runlog.prune_schedule: %v", err))
		}
	}

	if c.Broadcast.Interval < Duration(100*time.Millisecond) {
		errs = append(errs, "broadcast.interval must be at least 100ms")
	}
	if c.Broadcast.IdleThreshold <= 0 {
		errs = append(errs, "broadcast.idle_threshold must be positive")
	}

	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port %d out of range", c.API.Port))
	}

	switch strings.ToLower(c.PRD.Provider) {
	case "", "anthropic", "openai":
	default:
		errs = append(errs, fmt.Sprintf("prd.provider %q is not supported", c.PRD.Provider))
	}

	if c.Notify.SlackToken != "" && c.Notify.SlackChannel == "" {
		errs = append(errs, "notify.slack_channel is required with notify.slack_token")
	}
	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == 0 {
		errs = append(errs, "notify.telegram_chat_id is required with notify.telegram_token")
	}
	if c.Notify.WebhookURL != "" {
		if u, err := url.Parse(c.Notify.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("notify.webhook_url %q must be an http(s) URL", c.Notify.WebhookURL))
		}
	}

	switch c.Log.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be json or text", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Duration is a time.Duration written as a string ("3s", "250ms") in config
// files.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q", string(b))
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}
