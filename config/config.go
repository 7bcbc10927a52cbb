package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cruxlabs/crux/errors"
	"gopkg.in/yaml.v3"
)

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

// Retry controls the execution runner's bounded retry loop for tool calls
// whose failure matches a retryable cause.
type Retry struct {
	MaxRetries int `yaml:"max_retries"`
	// DelayMS is the base delay; attempt n waits DelayMS * n.
	DelayMS int `yaml:"delay_ms"`
}

// Loop controls the repetition safety valve.
type Loop struct {
	WindowSize int `yaml:"window_size"`
	// Threshold is the number of identical signatures tolerated inside the
	// window; one more trips the detector.
	Threshold int `yaml:"threshold"`
}

// Compaction controls when conversation history is summarized.
type Compaction struct {
	MaxMessages     int `yaml:"max_messages"`
	MaxChars        int `yaml:"max_chars"`
	KeepRecent      int `yaml:"keep_recent"`
	MaxSummaryChars int `yaml:"max_summary_chars"`
}

// Recovery controls the journal that lets an interrupted turn resume.
type Recovery struct {
	SaveIntervalSeconds int `yaml:"save_interval_seconds"`
	TTLMinutes          int `yaml:"ttl_minutes"`
	MaxPoints           int `yaml:"max_points"`
	ResumeBudget        int `yaml:"resume_budget"`
	HistoryLimit        int `yaml:"history_limit"`
}

type Config struct {
	LLMClient            string           `yaml:"llm"`
	Model                string           `yaml:"model"`
	SummaryModel         string           `yaml:"summary_model"`
	Toolsets             []Toolset        `yaml:"toolsets"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	AllowedCommands      []string         `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`

	MaxIterations          int `yaml:"max_iterations"`
	ToolTimeoutSeconds     int `yaml:"tool_timeout_seconds"`
	ProviderTimeoutSeconds int `yaml:"provider_timeout_seconds"`
	MaxToolOutputChars     int `yaml:"max_tool_output_chars"`

	Retry      Retry      `yaml:"retry"`
	Loop       Loop       `yaml:"loop"`
	Compaction Compaction `yaml:"compaction"`
	Recovery   Recovery   `yaml:"recovery"`

	// AutoApprove maps an approval class ("edits", "terminal", "dangerous",
	// "none") to whether calls of that class run without confirmation.
	AutoApprove map[string]bool `yaml:"auto_approve"`
	// ApprovalOverrides reassigns individual tools to an approval class.
	ApprovalOverrides map[string]string `yaml:"approval_overrides"`
	// HaltOnReject stops the remainder of a batch when any call is rejected.
	HaltOnReject bool `yaml:"halt_on_reject"`
}

// LoadConfig loads configuration from the user's home directory and the
// current working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// Default .crux directory to be hidden
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, ".crux", ".crux/**")

	// Load user-level config first
	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".crux", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	// Load project-level config, overriding user-level
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".crux", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Note: Unmarshal will overwrite fields present in the YAML. This provides
	// a simple merge where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 30
	}
	if c.ToolTimeoutSeconds <= 0 {
		c.ToolTimeoutSeconds = 45
	}
	if c.ProviderTimeoutSeconds <= 0 {
		c.ProviderTimeoutSeconds = 300
	}
	if c.MaxToolOutputChars <= 0 {
		c.MaxToolOutputChars = 32000
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.DelayMS <= 0 {
		c.Retry.DelayMS = 500
	}
	if c.Loop.WindowSize <= 0 {
		c.Loop.WindowSize = 10
	}
	if c.Loop.Threshold <= 0 {
		c.Loop.Threshold = 3
	}
	if c.Compaction.MaxMessages <= 0 {
		c.Compaction.MaxMessages = 60
	}
	if c.Compaction.MaxChars <= 0 {
		c.Compaction.MaxChars = 120000
	}
	if c.Compaction.KeepRecent <= 0 {
		c.Compaction.KeepRecent = 10
	}
	if c.Compaction.MaxSummaryChars <= 0 {
		c.Compaction.MaxSummaryChars = 4000
	}
	if c.Recovery.SaveIntervalSeconds <= 0 {
		c.Recovery.SaveIntervalSeconds = 10
	}
	if c.Recovery.TTLMinutes <= 0 {
		c.Recovery.TTLMinutes = 30
	}
	if c.Recovery.MaxPoints <= 0 {
		c.Recovery.MaxPoints = 5
	}
	if c.Recovery.ResumeBudget <= 0 {
		c.Recovery.ResumeBudget = 3
	}
	if c.Recovery.HistoryLimit <= 0 {
		c.Recovery.HistoryLimit = 20
	}
}

// ToolTimeout returns the per-call tool timeout as a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// ProviderTimeout returns the per-turn provider timeout as a duration.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// RetryDelay returns the base retry delay as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Retry.DelayMS) * time.Millisecond
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts, nil
		}
	}
	if name == "default" {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	// Fallback to default if a specific toolset was requested but not found
	return c.GetToolset("default")
}
