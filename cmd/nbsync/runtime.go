package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/nbsync"
	"pkt.systems/nbsync/internal/appconfig"
	"pkt.systems/nbsync/internal/jupyter"
	"pkt.systems/nbsync/internal/notebookws"
	"pkt.systems/nbsync/schema"
	"pkt.systems/pslog"
)

func loadConfig(cmd *cobra.Command) (appconfig.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return appconfig.Config{}, err
	}
	return appconfig.Load(path)
}

func sessionConfig(cfg appconfig.Config) nbsync.SessionConfig {
	out := nbsync.SessionConfig{
		Client: cfg.ClientConfig(),
		Notebook: notebookws.Config{
			URL:            cfg.Notebook.URL,
			Token:          cfg.Notebook.Token,
			UserID:         schema.UserID(cfg.User),
			RequestTimeout: time.Duration(cfg.Notebook.RequestTimeoutSeconds) * time.Second,
		},
		Kernel: jupyter.Settings{
			Username:          cfg.User,
			ReconnectAttempts: cfg.Kernel.ReconnectAttempts,
		},
	}
	if cfg.Outputs.ArchiveEnabled {
		out.ArchivePath = cfg.Outputs.ArchivePath
	}
	return out
}

// startSession loads the config, applies adjust, connects and starts a
// session. The caller owns Stop.
func startSession(ctx context.Context, cmd *cobra.Command, adjust func(*appconfig.Config)) (nbsync.Session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(&cfg)
	}
	logger := pslog.Ctx(ctx).With("user", cfg.User)
	logger.Info("nbsync connecting", "notebook_service", cfg.Notebook.URL, "gateway", cfg.Kernel.GatewayURL)
	session, err := nbsync.New(ctx, sessionConfig(cfg), nbsync.SessionDeps{Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := session.Start(ctx); err != nil {
		_ = session.Stop(context.Background())
		return nil, err
	}
	return session, nil
}

func stopSession(session nbsync.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = session.Stop(ctx)
}
