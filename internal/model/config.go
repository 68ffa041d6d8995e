// Package model defines the data structures for conduit's configuration,
// queue bundles, and session state.
package model

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Volume   VolumeConfig   `yaml:"volume"`
	Queue    QueueConfig    `yaml:"queue"`
	Lock     LockConfig     `yaml:"lock"`
	Runner   RunnerConfig   `yaml:"runner"`
	Agent    AgentConfig    `yaml:"agent"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Telegram TelegramConfig `yaml:"telegram"`
	Launch   LaunchConfig   `yaml:"launch"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// VolumeConfig locates the shared volume all processes coordinate through.
type VolumeConfig struct {
	Root     string `yaml:"root"`
	Workdir  string `yaml:"workdir"`
	StateDir string `yaml:"state_dir"`
}

type QueueConfig struct {
	Dir string `yaml:"dir"`
}

type LockConfig struct {
	Dir           string `yaml:"dir"`
	WaitSec       int    `yaml:"wait_sec"`
	StaleAfterSec int    `yaml:"stale_after_sec"`
}

type RunnerConfig struct {
	MaxItemsPerRun  int    `yaml:"max_items_per_run"`
	StateKey        string `yaml:"state_key"`
	PromptOverride  string `yaml:"prompt_override"`
	ScanIntervalSec int    `yaml:"scan_interval_sec"`
}

// AgentConfig describes how to invoke the external AI CLI subprocess.
type AgentConfig struct {
	Command    string `yaml:"command"`
	ConfigHome string `yaml:"config_home"`
	ConfigFile string `yaml:"config_file"`
	Model      string `yaml:"model"`
}

type DispatchConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	RunsDir    string `yaml:"runs_dir"`
	BasicUser  string `yaml:"basic_user"`
}

type TelegramConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	QueueDir        string `yaml:"queue_dir"`
	AllowedChatID   string `yaml:"allowed_chat_id"`
	AllowedUserID   string `yaml:"allowed_user_id"`
	WrapperTemplate string `yaml:"wrapper_template"`
	APIBaseURL      string `yaml:"api_base_url"`
}

type LaunchConfig struct {
	Mode   string             `yaml:"mode"` // docker, command, azure, noop
	Docker DockerLaunchConfig `yaml:"docker"`
	Azure  AzureLaunchConfig  `yaml:"azure"`
	// Command is executed fire-and-forget when mode=command.
	Command string `yaml:"command"`
}

type DockerLaunchConfig struct {
	Image          string            `yaml:"image"`
	NamePrefix     string            `yaml:"name_prefix"`
	HostVolumeRoot string            `yaml:"host_volume_root"`
	MountPath      string            `yaml:"mount_path"`
	Env            map[string]string `yaml:"env"`
}

type AzureLaunchConfig struct {
	SubscriptionID string `yaml:"subscription_id"`
	ResourceGroup  string `yaml:"resource_group"`
	JobName        string `yaml:"job_name"`
	APIVersion     string `yaml:"api_version"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() Config {
	root := "/mnt/conduit"
	return Config{
		Volume: VolumeConfig{
			Root:     root,
			Workdir:  filepath.Join(root, "workdir"),
			StateDir: root,
		},
		Queue: QueueConfig{Dir: filepath.Join(root, "prompts", "queue")},
		Lock: LockConfig{
			Dir:           filepath.Join(root, "locks"),
			WaitSec:       60,
			StaleAfterSec: 3600,
		},
		Runner: RunnerConfig{
			MaxItemsPerRun:  1,
			ScanIntervalSec: 10,
		},
		Agent: AgentConfig{
			Command:    "codex",
			ConfigHome: filepath.Join(root, "agent_home"),
			ConfigFile: "/opt/conduit/config.toml",
		},
		Dispatch: DispatchConfig{
			ListenAddr: ":8080",
			RunsDir:    filepath.Join(root, "runs"),
		},
		Telegram: TelegramConfig{
			ListenAddr: ":8081",
			APIBaseURL: "https://api.telegram.org",
		},
		Launch: LaunchConfig{
			Mode: "noop",
			Azure: AzureLaunchConfig{
				APIVersion: "2025-01-01",
			},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads the YAML config at path, applying defaults for anything
// left unset. A missing file yields the defaults; an unreadable or invalid
// file is a startup error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Runner.MaxItemsPerRun < 1 {
		cfg.Runner.MaxItemsPerRun = 1
	}
	if cfg.Runner.MaxItemsPerRun > 50 {
		cfg.Runner.MaxItemsPerRun = 50
	}
	if cfg.Telegram.QueueDir == "" {
		cfg.Telegram.QueueDir = cfg.Queue.Dir
	}
	switch cfg.Launch.Mode {
	case "docker", "command", "azure", "noop":
	default:
		return cfg, fmt.Errorf("launch.mode must be one of docker, command, azure, noop (got %q)", cfg.Launch.Mode)
	}
	return cfg, nil
}

// Secrets holds credential material taken from the environment, never from
// the config file on the shared volume.
type Secrets struct {
	DispatchToken  string // CONDUIT_DISPATCH_TOKEN
	BasicPass      string // CONDUIT_UI_BASIC_PASS
	TelegramToken  string // TELEGRAM_BOT_TOKEN
	TelegramSecret string // TELEGRAM_WEBHOOK_SECRET
	GitToken       string // CONDUIT_GIT_TOKEN
	AgentAuthB64   string // CONDUIT_AGENT_AUTH_B64
}

// LoadSecrets reads all optional secrets from the environment. Per-service
// required checks happen at service startup via Require.
func LoadSecrets() Secrets {
	return Secrets{
		DispatchToken:  os.Getenv("CONDUIT_DISPATCH_TOKEN"),
		BasicPass:      os.Getenv("CONDUIT_UI_BASIC_PASS"),
		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramSecret: os.Getenv("TELEGRAM_WEBHOOK_SECRET"),
		GitToken:       os.Getenv("CONDUIT_GIT_TOKEN"),
		AgentAuthB64:   os.Getenv("CONDUIT_AGENT_AUTH_B64"),
	}
}

// Require returns an error naming the first missing environment variable.
// Services call it at startup and refuse to serve when partially configured.
func Require(pairs ...[2]string) error {
	for _, p := range pairs {
		if p[1] == "" {
			return fmt.Errorf("missing required environment variable: %s", p[0])
		}
	}
	return nil
}
