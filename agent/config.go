package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentcove/keel/compaction"
	"github.com/agentcove/keel/llm"
)

const (
	// DefaultSafetyLimit bounds the number of LLM iterations a single turn
	// may run before the loop forces a wrap-up.
	DefaultSafetyLimit = 30

	// DefaultNudgeWindow is the number of consecutive read-only iterations
	// after which a nudge is injected.
	DefaultNudgeWindow = 5

	// DefaultCancelPollIntervalMs bounds how long a cancellation request can
	// go unnoticed while waiting on the provider.
	DefaultCancelPollIntervalMs = 100

	// DefaultToolOutputMaxChars caps tool output length before it enters
	// the conversation.
	DefaultToolOutputMaxChars = 30000

	// DefaultToolOutputMaxLines caps tool output line count.
	DefaultToolOutputMaxLines = 256
)

// Config holds orchestrator configuration.
type Config struct {
	Model        string `yaml:"model" json:"model"`
	Provider     string `yaml:"provider,omitempty" json:"provider,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	Mode         string `yaml:"mode,omitempty" json:"mode,omitempty"` // "normal" or "plan"

	SafetyLimit          int `yaml:"safety_limit" json:"safety_limit"`
	NudgeWindow          int `yaml:"nudge_window" json:"nudge_window"`
	CancelPollIntervalMs int `yaml:"cancel_poll_interval_ms" json:"cancel_poll_interval_ms"`
	ToolOutputMaxChars   int `yaml:"tool_output_max_chars" json:"tool_output_max_chars"`
	ToolOutputMaxLines   int `yaml:"tool_output_max_lines" json:"tool_output_max_lines"`

	Compaction compaction.Config `yaml:"compaction" json:"compaction"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Mode:                 string(ModeNormal),
		SafetyLimit:          DefaultSafetyLimit,
		NudgeWindow:          DefaultNudgeWindow,
		CancelPollIntervalMs: DefaultCancelPollIntervalMs,
		ToolOutputMaxChars:   DefaultToolOutputMaxChars,
		ToolOutputMaxLines:   DefaultToolOutputMaxLines,
		Compaction: compaction.Config{
			ContextLimit:      compaction.DefaultContextLimit,
			ThresholdFraction: compaction.DefaultThresholdFraction,
			PreserveRecent:    compaction.DefaultPreserveRecent,
		},
	}
}

// ApplyDefaults fills zero-valued fields with defaults. The compaction
// context limit is derived from the model catalog when left unset.
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = string(ModeNormal)
	}
	if c.SafetyLimit <= 0 {
		c.SafetyLimit = DefaultSafetyLimit
	}
	if c.NudgeWindow <= 0 {
		c.NudgeWindow = DefaultNudgeWindow
	}
	if c.CancelPollIntervalMs <= 0 {
		c.CancelPollIntervalMs = DefaultCancelPollIntervalMs
	}
	if c.ToolOutputMaxChars <= 0 {
		c.ToolOutputMaxChars = DefaultToolOutputMaxChars
	}
	if c.ToolOutputMaxLines <= 0 {
		c.ToolOutputMaxLines = DefaultToolOutputMaxLines
	}
	if c.Compaction.ContextLimit <= 0 {
		c.Compaction.ContextLimit = llm.ContextWindowFor(c.Model, compaction.DefaultContextLimit)
	}
	c.Compaction.ApplyDefaults()
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("config: model is required")
	}
	if _, ok := ParseMode(c.Mode); !ok {
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if err := c.Compaction.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// LoadConfig reads a YAML config file, applies defaults, and validates.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
