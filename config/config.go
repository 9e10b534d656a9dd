// Package config holds user settings persisted to config.yaml.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/tether/paths"
)

// Config holds the application configuration
type Config struct {
	AutoEdit             bool     `yaml:"auto_edit,omitempty"`             // Auto-approve edit-class tools (Edit, Write)
	AllowedTools         []string `yaml:"allowed_tools,omitempty"`         // Tools pre-approved without prompting
	Debug                bool     `yaml:"debug,omitempty"`                 // Debug-level logging
	Theme                string   `yaml:"theme,omitempty"`                 // UI theme name (e.g., "dark-purple", "nord")
	NotificationsEnabled bool     `yaml:"notifications_enabled,omitempty"` // Desktop notifications when a turn completes
	ContextWindow        int      `yaml:"context_window,omitempty"`        // Model context window in tokens (default 200000)

	mu       sync.RWMutex
	filePath string
}

// DefaultContextWindow is the assumed model context window when the config
// does not override it.
const DefaultContextWindow = 200000

// Load reads the config from disk, or creates a new one if it doesn't exist
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AllowedTools: []string{},
		filePath:     path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// Ensure slices are initialized (not nil) after unmarshaling
	if cfg.AllowedTools == nil {
		cfg.AllowedTools = []string{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks loaded values for obvious corruption
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, tool := range c.AllowedTools {
		if tool == "" {
			return fmt.Errorf("empty allowed tool entry found")
		}
	}
	if c.ContextWindow < 0 {
		return fmt.Errorf("context_window cannot be negative: %d", c.ContextWindow)
	}
	return nil
}

// Save writes the config back to disk
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir, err := paths.ConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// SetFilePath overrides where Save writes. This is intended for testing.
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// GetAutoEdit returns whether edit-class tools are auto-approved
func (c *Config) GetAutoEdit() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AutoEdit
}

// SetAutoEdit sets the auto-edit default
func (c *Config) SetAutoEdit(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AutoEdit = enabled
}

// GetAllowedTools returns a copy of the pre-approved tool list
func (c *Config) GetAllowedTools() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tools := make([]string, len(c.AllowedTools))
	copy(tools, c.AllowedTools)
	return tools
}

// AddAllowedTool adds a tool to the pre-approved list.
// Returns false if the tool was already present.
func (c *Config) AddAllowedTool(tool string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.AllowedTools {
		if t == tool {
			return false
		}
	}
	c.AllowedTools = append(c.AllowedTools, tool)
	return true
}

// GetDebug returns whether debug logging is enabled
func (c *Config) GetDebug() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Debug
}

// GetTheme returns the UI theme name
func (c *Config) GetTheme() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Theme
}

// SetTheme sets the UI theme name
func (c *Config) SetTheme(theme string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Theme = theme
}

// GetNotificationsEnabled returns whether desktop notifications are enabled
func (c *Config) GetNotificationsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.NotificationsEnabled
}

// SetNotificationsEnabled sets desktop notification preference
func (c *Config) SetNotificationsEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NotificationsEnabled = enabled
}

// GetContextWindow returns the configured context window, or the default
func (c *Config) GetContextWindow() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ContextWindow > 0 {
		return c.ContextWindow
	}
	return DefaultContextWindow
}
