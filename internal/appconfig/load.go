package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
// Settings may be overridden by NBSYNC_* environment variables, e.g.
// NBSYNC_KERNEL_TOKEN for kernel.token.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("nbsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("user", cfg.User)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("notebook.url", cfg.Notebook.URL)
	v.SetDefault("notebook.token", cfg.Notebook.Token)
	v.SetDefault("notebook.request_timeout_seconds", cfg.Notebook.RequestTimeoutSeconds)
	v.SetDefault("kernel.gateway_url", cfg.Kernel.GatewayURL)
	v.SetDefault("kernel.token", cfg.Kernel.Token)
	v.SetDefault("kernel.kernel_name", cfg.Kernel.KernelName)
	v.SetDefault("kernel.auto_connect", cfg.Kernel.AutoConnect)
	v.SetDefault("kernel.retry_delay_ms", cfg.Kernel.RetryDelayMS)
	v.SetDefault("kernel.initial_connect_delay_ms", cfg.Kernel.InitialConnectDelayMS)
	v.SetDefault("kernel.reconnect_attempts", cfg.Kernel.ReconnectAttempts)
	v.SetDefault("outputs.archive_enabled", cfg.Outputs.ArchiveEnabled)
	v.SetDefault("outputs.archive_path", cfg.Outputs.ArchivePath)
	v.SetDefault("outputs.broadcast", cfg.Outputs.Broadcast)
	v.SetDefault("log.kernel_log_max", cfg.Log.KernelLogMax)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if err := validateURL("notebook.url", cfg.Notebook.URL, "ws", "wss", "http", "https"); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Kernel.GatewayURL) != "" {
		if err := validateURL("kernel.gateway_url", cfg.Kernel.GatewayURL, "http", "https"); err != nil {
			return err
		}
	}
	if cfg.Kernel.RetryDelayMS < 0 {
		return fmt.Errorf("kernel.retry_delay_ms must not be negative")
	}
	if cfg.Kernel.InitialConnectDelayMS < 0 {
		return fmt.Errorf("kernel.initial_connect_delay_ms must not be negative")
	}
	if cfg.Outputs.ArchiveEnabled && strings.TrimSpace(cfg.Outputs.ArchivePath) == "" {
		return fmt.Errorf("outputs.archive_path is required when the archive is enabled")
	}
	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%s must include scheme and host (e.g. %s://example.com)", key, schemes[0])
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("%s has unsupported scheme %q", key, parsed.Scheme)
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.User = expandEnv(cfg.User)
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Notebook.URL = expandEnv(cfg.Notebook.URL)
	cfg.Notebook.Token = expandEnv(cfg.Notebook.Token)
	cfg.Kernel.GatewayURL = expandEnv(cfg.Kernel.GatewayURL)
	cfg.Kernel.Token = expandEnv(cfg.Kernel.Token)
	cfg.Outputs.ArchivePath = expandEnv(cfg.Outputs.ArchivePath)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
