// internal/config/config.go
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration paths and settings
type Config struct {
	HomeDir        string
	BacktrackDir   string
	TranscriptRoot string
	DatabasePath   string
	LogDir         string
	BackupDir      string

	Settings *Settings
}

// Settings holds tunable options loaded from settings.yaml
type Settings struct {
	AgentBinary     string        `yaml:"agent_binary"`
	WebsocketPort   int           `yaml:"websocket_port"`
	CaptureTimeout  time.Duration `yaml:"capture_timeout"`
	RestoreTimeout  time.Duration `yaml:"restore_timeout"`
	BackupRetention int           `yaml:"backup_retention"`
}

// DefaultSettings returns the default settings
func DefaultSettings() *Settings {
	return &Settings{
		AgentBinary:     "claude",
		WebsocketPort:   0, // pick a free port
		CaptureTimeout:  30 * time.Second,
		RestoreTimeout:  120 * time.Second,
		BackupRetention: 20,
	}
}

// Load creates a Config instance with resolved paths and loaded settings
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	backtrackDir := filepath.Join(home, ".backtrack")
	transcriptRoot := filepath.Join(home, ".claude")
	logDir := filepath.Join(backtrackDir, "logs")
	backupDir := filepath.Join(backtrackDir, "backups")

	// Ensure directories exist
	for _, dir := range []string{backtrackDir, logDir, backupDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	settings, err := loadSettings(filepath.Join(backtrackDir, "settings.yaml"))
	if err != nil {
		return nil, err
	}

	return &Config{
		HomeDir:        home,
		BacktrackDir:   backtrackDir,
		TranscriptRoot: transcriptRoot,
		DatabasePath:   filepath.Join(backtrackDir, "backtrack.db"),
		LogDir:         logDir,
		BackupDir:      backupDir,
		Settings:       settings,
	}, nil
}

// loadSettings reads settings.yaml, falling back to defaults when absent.
// Unset fields keep their default values.
func loadSettings(path string) (*Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, err
	}

	if settings.CaptureTimeout <= 0 {
		settings.CaptureTimeout = DefaultSettings().CaptureTimeout
	}
	if settings.RestoreTimeout <= 0 {
		settings.RestoreTimeout = DefaultSettings().RestoreTimeout
	}
	if settings.BackupRetention <= 0 {
		settings.BackupRetention = DefaultSettings().BackupRetention
	}

	return settings, nil
}

// SaveSettings writes the current settings back to settings.yaml
func (c *Config) SaveSettings() error {
	data, err := yaml.Marshal(c.Settings)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.BacktrackDir, "settings.yaml"), data, 0644)
}

// TranscriptProjectDir returns the transcript directory for a project path.
// The agent runtime names project directories by replacing path separators.
func TranscriptProjectDir(projectPath string) string {
	dir := ""
	for _, r := range projectPath {
		if r == '/' || r == '\\' || r == '.' {
			dir += "-"
		} else {
			dir += string(r)
		}
	}
	return dir
}
