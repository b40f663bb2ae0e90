// Package config handles Skald configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./skald.yaml, ~/.config/skald/skald.yaml, /etc/skald/skald.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"skald.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "skald", "skald.yaml"))
	}

	paths = append(paths, "/etc/skald/skald.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Skald configuration.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Storage  StorageConfig `yaml:"storage"`
	Model    ModelConfig   `yaml:"model"`
	Agent    AgentConfig   `yaml:"agent"`
	Credits  CreditsConfig `yaml:"credits"`
	MCP      MCPConfig     `yaml:"mcp"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	Email    EmailConfig   `yaml:"email"`
	LogLevel string        `yaml:"log_level"`
}

// ServerConfig defines the API server settings.
type ServerConfig struct {
	Address   string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port      int    `yaml:"port"`
	BaseURL   string `yaml:"base_url"`  // Public URL prefix for links in pages and emails
	Dashboard bool   `yaml:"dashboard"` // Mount the web dashboard at /
}

// StorageConfig defines where Skald keeps its data.
type StorageConfig struct {
	// DatabasePath is the SQLite database file. A leading ~ is expanded.
	DatabasePath string `yaml:"database_path"`
	// BlobDir is the root directory for uploads, landing pages and QR codes.
	BlobDir string `yaml:"blob_dir"`
	// PlaybookDir overlays .md playbooks on the embedded set. A missing
	// directory is fine; the embedded playbooks still load.
	PlaybookDir string `yaml:"playbook_dir"`
}

// ModelConfig defines model providers and decode settings.
type ModelConfig struct {
	Primary     ProviderConfig     `yaml:"primary"`
	Fallbacks   []ProviderConfig   `yaml:"fallbacks"`
	Temperature float64            `yaml:"temperature"`
	MaxTokens   int                `yaml:"max_tokens"`
	TimeoutMS   int                `yaml:"timeout_ms"` // Per decide() call, default 60000
	Pricing     map[string]Pricing `yaml:"pricing"`    // Keyed by model name
}

// ProviderConfig identifies one model backend.
type ProviderConfig struct {
	Provider string `yaml:"provider"` // anthropic, openai
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"` // Override for proxies and compatible servers
}

// Pricing holds per-million-token USD prices for one model, used for
// usage accounting. Models absent from the table are treated as free.
type Pricing struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// Timeout returns the per-call model timeout.
func (m ModelConfig) Timeout() time.Duration {
	if m.TimeoutMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(m.TimeoutMS) * time.Millisecond
}

// AgentConfig bounds the reasoning loop.
type AgentConfig struct {
	// MaxIterations caps model calls per turn (default 25).
	MaxIterations int `yaml:"max_iterations"`
	// ToolTimeoutSec is the default per-tool handler timeout (default 60).
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
	// HistoryWindow is how many prior turns seed the model context (default 20).
	HistoryWindow int `yaml:"history_window"`
	// HITLTimeoutMin is how long a human input request stays open (default 60).
	HITLTimeoutMin int `yaml:"hitl_timeout_min"`
	// MaxToolRetries bounds retryable tool failures per invocation (default 3).
	MaxToolRetries int `yaml:"max_tool_retries"`
}

// ToolTimeout returns the default tool handler timeout.
func (a AgentConfig) ToolTimeout() time.Duration {
	if a.ToolTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(a.ToolTimeoutSec) * time.Second
}

// HITLTimeout returns how long a human input request stays open.
func (a AgentConfig) HITLTimeout() time.Duration {
	if a.HITLTimeoutMin <= 0 {
		return time.Hour
	}
	return time.Duration(a.HITLTimeoutMin) * time.Minute
}

// CreditsConfig defines the ledger's starting grant and per-tool costs.
type CreditsConfig struct {
	// InitialGrant is credited to a user account on first sight.
	InitialGrant int64 `yaml:"initial_grant"`
	// Costs overrides a tool's estimated cost by name.
	Costs map[string]int64 `yaml:"costs"`
}

// MCPConfig lists external MCP tool servers to bridge.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig defines one MCP server connection.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio, http
	Command   string            `yaml:"command"`   // stdio: executable
	Args      []string          `yaml:"args"`
	Env       []string          `yaml:"env"`     // stdio: extra KEY=VALUE pairs
	URL       string            `yaml:"url"`     // http: endpoint
	Headers   map[string]string `yaml:"headers"` // http: extra headers (auth)
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
	// StateChanging names bridged tools whose effects persist outside
	// the conversation.
	StateChanging []string `yaml:"state_changing"`
	// RequireConfirmation names bridged tools gated behind a human confirmation.
	RequireConfirmation []string `yaml:"require_confirmation"`
}

// MQTTConfig defines the optional event bridge.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	TopicPrefix string `yaml:"topic_prefix"` // Default "skald"
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// Configured reports whether the bridge is enabled and has a broker.
func (m MQTTConfig) Configured() bool {
	return m.Enabled && m.BrokerURL != ""
}

// EmailConfig defines outbound notification mail.
type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"` // 587 STARTTLS, 465 implicit TLS
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
	STARTTLS bool   `yaml:"starttls"`
}

// Configured reports whether notifications are enabled and deliverable.
func (e EmailConfig) Configured() bool {
	return e.Enabled && e.SMTPHost != "" && e.From != "" && e.To != ""
}

// Load reads configuration from a YAML file. Environment variables in
// ${VAR} form are expanded before unmarshaling so secrets never live
// in the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.Storage.DatabasePath = expandHome(cfg.Storage.DatabasePath)
	cfg.Storage.BlobDir = expandHome(cfg.Storage.BlobDir)
	cfg.Storage.PlaybookDir = expandHome(cfg.Storage.PlaybookDir)

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      8080,
			Dashboard: true,
		},
		Storage: StorageConfig{
			DatabasePath: "skald.db",
			BlobDir:      "blobs",
			PlaybookDir:  "playbooks",
		},
		Model: ModelConfig{
			Primary: ProviderConfig{
				Provider: "anthropic",
				Model:    "claude-sonnet-4-5",
			},
			Temperature: 0.2,
			MaxTokens:   4096,
			TimeoutMS:   60000,
		},
		Agent: AgentConfig{
			MaxIterations:  25,
			ToolTimeoutSec: 60,
			HistoryWindow:  20,
			HITLTimeoutMin: 60,
			MaxToolRetries: 3,
		},
		Credits: CreditsConfig{
			InitialGrant: 500,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "skald",
		},
		LogLevel: "info",
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
