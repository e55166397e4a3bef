package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/nbsync/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	User          string         `mapstructure:"user" yaml:"user"`
	StateDir      string         `mapstructure:"state_dir" yaml:"state_dir"`
	Notebook      NotebookConfig `mapstructure:"notebook" yaml:"notebook"`
	Kernel        KernelConfig   `mapstructure:"kernel" yaml:"kernel"`
	Outputs       OutputsConfig  `mapstructure:"outputs" yaml:"outputs"`
	Log           LogConfig      `mapstructure:"log" yaml:"log"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// NotebookConfig configures the collaborative notebook service.
type NotebookConfig struct {
	URL                   string `mapstructure:"url" yaml:"url"`
	Token                 string `mapstructure:"token" yaml:"token"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// KernelConfig configures the kernel gateway and the connection policy.
type KernelConfig struct {
	GatewayURL            string `mapstructure:"gateway_url" yaml:"gateway_url"`
	Token                 string `mapstructure:"token" yaml:"token"`
	KernelName            string `mapstructure:"kernel_name" yaml:"kernel_name"`
	AutoConnect           bool   `mapstructure:"auto_connect" yaml:"auto_connect"`
	RetryDelayMS          int    `mapstructure:"retry_delay_ms" yaml:"retry_delay_ms"`
	InitialConnectDelayMS int    `mapstructure:"initial_connect_delay_ms" yaml:"initial_connect_delay_ms"`
	ReconnectAttempts     int    `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
}

// OutputsConfig controls the output archive and broadcast.
type OutputsConfig struct {
	ArchiveEnabled bool   `mapstructure:"archive_enabled" yaml:"archive_enabled"`
	ArchivePath    string `mapstructure:"archive_path" yaml:"archive_path"`
	Broadcast      bool   `mapstructure:"broadcast" yaml:"broadcast"`
}

// LogConfig controls the per-notebook kernel log.
type LogConfig struct {
	KernelLogMax int `mapstructure:"kernel_log_max" yaml:"kernel_log_max"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		User:          "$USER",
		StateDir:      filepath.Join(home, ".nbsync", "state"),
		Notebook: NotebookConfig{
			URL:                   "ws://localhost:8765/notebooks",
			Token:                 "",
			RequestTimeoutSeconds: 30,
		},
		Kernel: KernelConfig{
			GatewayURL:            "http://localhost:8888",
			Token:                 "",
			KernelName:            schema.DefaultKernelName,
			AutoConnect:           true,
			RetryDelayMS:          int(schema.DefaultRetryDelay / time.Millisecond),
			InitialConnectDelayMS: int(schema.DefaultInitialConnectDelay / time.Millisecond),
			ReconnectAttempts:     10,
		},
		Outputs: OutputsConfig{
			ArchiveEnabled: true,
			ArchivePath:    filepath.Join(home, ".nbsync", "state", "outputs.db"),
			Broadcast:      true,
		},
		Log: LogConfig{
			KernelLogMax: schema.DefaultKernelLogMax,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".nbsync", "config.yaml"), nil
}

// ClientConfig converts the file settings into the notebook client config.
func (c Config) ClientConfig() schema.ClientConfig {
	return schema.ClientConfig{
		UserID:                 schema.UserID(c.User),
		StateDir:               c.StateDir,
		GatewayURI:             c.Kernel.GatewayURL,
		GatewayToken:           c.Kernel.Token,
		KernelName:             c.Kernel.KernelName,
		AutoConnect:            c.Kernel.AutoConnect,
		RetryDelay:             time.Duration(c.Kernel.RetryDelayMS) * time.Millisecond,
		InitialConnectDelay:    time.Duration(c.Kernel.InitialConnectDelayMS) * time.Millisecond,
		KernelLogMax:           c.Log.KernelLogMax,
		DisableOutputBroadcast: !c.Outputs.Broadcast,
	}
}
