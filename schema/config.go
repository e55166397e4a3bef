package schema

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// ClientConfig defines defaults and limits for the notebook client.
type ClientConfig struct {
	UserID              UserID
	StateDir            string
	GatewayURI          string
	GatewayToken        string
	KernelName          string
	AutoConnect         bool
	RetryDelay          time.Duration
	InitialConnectDelay time.Duration
	KernelLogMax        int
	// DisableOutputBroadcast keeps local outputs from being published to collaborators.
	DisableOutputBroadcast bool
}

const (
	// DefaultRetryDelay is the delay between background connection attempts.
	DefaultRetryDelay = 5 * time.Second
	// DefaultInitialConnectDelay is the delay before the first connection attempt.
	DefaultInitialConnectDelay = 10 * time.Millisecond
	// DefaultKernelLogMax is the default number of retained kernel log entries.
	DefaultKernelLogMax = 500
	// DefaultKernelName is the kernelspec started on the gateway.
	DefaultKernelName = "python3"
)

// NormalizeClientConfig applies defaults and validates the config.
func NormalizeClientConfig(cfg ClientConfig) (ClientConfig, error) {
	if err := ValidateUserID(cfg.UserID); err != nil {
		return ClientConfig{}, err
	}
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ClientConfig{}, err
		}
		cfg.StateDir = filepath.Join(home, ".nbsync", "state")
	}
	if cfg.KernelName == "" {
		cfg.KernelName = DefaultKernelName
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.InitialConnectDelay < 0 {
		return ClientConfig{}, errors.New("initial connect delay must not be negative")
	}
	if cfg.InitialConnectDelay == 0 {
		cfg.InitialConnectDelay = DefaultInitialConnectDelay
	}
	if cfg.KernelLogMax <= 0 {
		cfg.KernelLogMax = DefaultKernelLogMax
	}
	return cfg, nil
}
