package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level tour debugger config.
	WorkspaceDirName = ".tourdebug"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the tour debugger.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Browser  BrowserConfig  `yaml:"browser"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Agent    AgentConfig    `yaml:"agent"`
	Panel    PanelConfig    `yaml:"panel"`
	MCP      MCPConfig      `yaml:"mcp"`
	Mangle   MangleConfig   `yaml:"mangle"`
	Recorder RecorderConfig `yaml:"recorder"`
}

type ServerConfig struct {
	Name    string `yaml:"name" env:"TOURDEBUG_SERVER_NAME"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file" env:"TOURDEBUG_LOG_FILE"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url" env:"TOURDEBUG_DEBUGGER_URL"`
	// Optional launch command to start Chrome in detached mode (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch" env:"TOURDEBUG_BROWSER_LAUNCH"`
	// AutoStart controls whether the server launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start" env:"TOURDEBUG_BROWSER_AUTO_START"`
	// Headless controls whether Chrome runs in headless mode (default: false, tours are visual).
	Headless *bool `yaml:"headless" env:"TOURDEBUG_BROWSER_HEADLESS"`
	// StartURL is opened by the status/watch/pick commands when no session exists yet.
	StartURL string `yaml:"start_url" env:"TOURDEBUG_START_URL"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Default timeout when attaching to an existing target (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	// Optional path to persist session metadata between server restarts.
	SessionStore string `yaml:"session_store" env:"TOURDEBUG_SESSION_STORE"`
	// Viewport width for new sessions (default: 1440).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new sessions (default: 900).
	ViewportHeight int `yaml:"viewport_height"`
}

// BridgeConfig sets how long a request may wait for the page.
type BridgeConfig struct {
	DefaultTimeout string `yaml:"default_timeout" env:"TOURDEBUG_BRIDGE_TIMEOUT"`
	PickTimeout    string `yaml:"pick_timeout" env:"TOURDEBUG_BRIDGE_PICK_TIMEOUT"`
}

// AgentConfig tunes the in-page agent.
type AgentConfig struct {
	// CaptureDebugInstance installs the console hook that records the SDK
	// instance when it starts in debug mode (default: true).
	CaptureDebugInstance *bool `yaml:"capture_debug_instance" env:"TOURDEBUG_CAPTURE_DEBUG_INSTANCE"`
	// HighlightTTL is how long selector highlights stay on screen.
	HighlightTTL string `yaml:"highlight_ttl"`
}

// PanelConfig tunes the panel controller.
type PanelConfig struct {
	PollInterval  string `yaml:"poll_interval" env:"TOURDEBUG_POLL_INTERVAL"`
	MinSDKVersion string `yaml:"min_sdk_version" env:"TOURDEBUG_MIN_SDK_VERSION"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port" env:"TOURDEBUG_SSE_PORT"`
}

// MangleConfig controls the embedded deductive engine.
type MangleConfig struct {
	Enable bool `yaml:"enable" env:"TOURDEBUG_MANGLE_ENABLE"`
	// SchemaPath replaces the built-in tour schema when set.
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// RecorderConfig controls the JSONL trace of bridge traffic.
type RecorderConfig struct {
	Enable bool   `yaml:"enable" env:"TOURDEBUG_RECORDER_ENABLE"`
	Dir    string `yaml:"dir" env:"TOURDEBUG_RECORDER_DIR"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "tourdebug-mcp",
			Version: "0.1.0",
			LogFile: "tourdebug-mcp.log",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			Launch:                   []string{"chromium"},
			DefaultNavigationTimeout: "15s",
			DefaultAttachTimeout:     "10s",
			SessionStore:             "sessions.json",
			ViewportWidth:            1440,
			ViewportHeight:           900,
		},
		Bridge: BridgeConfig{
			DefaultTimeout: "5s",
			PickTimeout:    "30s",
		},
		Agent: AgentConfig{
			HighlightTTL: "2s",
		},
		Panel: PanelConfig{
			PollInterval:  "1s",
			MinSDKVersion: "1.324.0",
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
		Recorder: RecorderConfig{
			Enable: false,
			Dir:    "data/traces",
		},
	}
}

// Load reads YAML config from disk, overlays defaults and applies
// TOURDEBUG_* environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// DiscoverWorkspace walks up from startDir looking for a .tourdebug/config.yaml file.
// Returns the workspace root directory (parent of .tourdebug/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .tourdebug/config.yaml <- explicit --config <- TOURDEBUG_* env <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, wsDir, err
	}

	return cfg, wsDir, cfg.Validate()
}

const workspaceTemplate = `# Tour debugger project-level configuration
# Values here override defaults but are overridden by --config, TOURDEBUG_* env and CLI flags.

# browser:
#   start_url: "http://localhost:3000"
#   headless: false
#   debugger_url: "ws://127.0.0.1:9222/devtools/browser/..."

# bridge:
#   default_timeout: "5s"
#   pick_timeout: "30s"

# agent:
#   capture_debug_instance: true
#   highlight_ttl: "2s"

# panel:
#   poll_interval: "1s"
#   min_sdk_version: "1.324.0"

# recorder:
#   enable: true
#   dir: "data/traces"

# mangle:
#   schema_path: ".tourdebug/schemas/tours.mg"
`

// InitWorkspace creates a .tourdebug/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "schemas"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(workspaceTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (logs, sessions, traces) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Browser.SessionStore = resolve(cfg.Browser.SessionStore)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	for name, raw := range map[string]string{
		"bridge.default_timeout": c.Bridge.DefaultTimeout,
		"bridge.pick_timeout":    c.Bridge.PickTimeout,
		"agent.highlight_ttl":    c.Agent.HighlightTTL,
		"panel.poll_interval":    c.Panel.PollInterval,
	} {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %q", name, raw)
		}
	}
	return nil
}

// parseDuration returns raw as a duration or fallback when it is empty or invalid.
func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	return parseDuration(b.DefaultAttachTimeout, 10*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: false).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return false
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1440
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 900
	}
	return b.ViewportHeight
}

// Default returns the timeout for ordinary bridge requests.
func (b BridgeConfig) Default() time.Duration {
	return parseDuration(b.DefaultTimeout, 5*time.Second)
}

// Pick returns the timeout for interactive element picking.
func (b BridgeConfig) Pick() time.Duration {
	return parseDuration(b.PickTimeout, 30*time.Second)
}

// CapturesDebugInstance reports whether the console capture hook is installed (default: true).
func (a AgentConfig) CapturesDebugInstance() bool {
	if a.CaptureDebugInstance == nil {
		return true
	}
	return *a.CaptureDebugInstance
}

// Highlight returns how long highlights stay visible.
func (a AgentConfig) Highlight() time.Duration {
	return parseDuration(a.HighlightTTL, 2*time.Second)
}

// Poll returns the active tour polling interval.
func (p PanelConfig) Poll() time.Duration {
	return parseDuration(p.PollInterval, time.Second)
}

// MinVersion returns the minimum supported SDK version.
func (p PanelConfig) MinVersion() string {
	if p.MinSDKVersion == "" {
		return "1.324.0"
	}
	return p.MinSDKVersion
}
