// Package nbsync composes a collaborative notebook session: the notebook
// service connection, the kernel gateway connector, the output archive, and
// the notebook client driving them.
package nbsync

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/nbsync/core"
	"pkt.systems/nbsync/internal/eventbus"
	"pkt.systems/nbsync/internal/jupyter"
	"pkt.systems/nbsync/internal/notebookws"
	"pkt.systems/nbsync/internal/outputstore"
	"pkt.systems/nbsync/schema"
	"pkt.systems/pslog"
)

// ErrServiceDisconnected is returned by Wait when the notebook service
// connection ends.
var ErrServiceDisconnected = errors.New("notebook service disconnected")

// Session is a running notebook client with its transports.
type Session interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
	Client() core.Client
	Events() *eventbus.Bus
}

// SessionConfig configures the compositor.
type SessionConfig struct {
	Client   schema.ClientConfig
	Notebook notebookws.Config
	Kernel   jupyter.Settings
	// ArchivePath enables the output archive when set.
	ArchivePath string
}

// SessionDeps overrides the default transports. Nil fields are built from
// the config.
type SessionDeps struct {
	Notebooks core.NotebookService
	Kernels   core.KernelConnector
	Archive   core.OutputArchive
	EventSink core.EventSink
	Logger    pslog.Logger
}

// New connects the transports and constructs the session. Nothing runs
// until Start.
func New(ctx context.Context, cfg SessionConfig, deps SessionDeps) (Session, error) {
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	if cfg.Notebook.UserID == "" {
		cfg.Notebook.UserID = cfg.Client.UserID
	}
	s := &session{logger: logger, bus: eventbus.New(logger)}
	notebooks := deps.Notebooks
	if notebooks == nil {
		conn, err := notebookws.Dial(ctx, cfg.Notebook, logger)
		if err != nil {
			return nil, err
		}
		s.conn = conn
		notebooks = conn
	}
	kernels := deps.Kernels
	if kernels == nil {
		kernels = jupyter.NewConnector(cfg.Kernel, logger)
	}
	archive := deps.Archive
	if archive == nil && cfg.ArchivePath != "" {
		store, err := outputstore.Open(ctx, cfg.ArchivePath, logger)
		if err != nil {
			s.closeTransports()
			return nil, err
		}
		s.store = store
		archive = store
	}

	sinks := make([]core.EventSink, 0, 2)
	if deps.EventSink != nil {
		sinks = append(sinks, deps.EventSink)
	}
	sinks = append(sinks, s.bus)
	var sink core.EventSink = s.bus
	if len(sinks) > 1 {
		sink = eventFanout{sinks: sinks}
	}

	client, err := core.NewClient(cfg.Client, core.ClientDeps{
		Notebooks: notebooks,
		Kernels:   kernels,
		EventSink: sink,
		Archive:   archive,
		Logger:    logger,
	})
	if err != nil {
		s.closeTransports()
		return nil, err
	}
	s.client = client
	return s, nil
}

type session struct {
	client core.Client
	bus    *eventbus.Bus
	conn   *notebookws.Client
	store  *outputstore.Store
	logger pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
}

func (s *session) Client() core.Client {
	return s.client
}

func (s *session) Events() *eventbus.Bus {
	return s.bus
}

func (s *session) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn("session start rejected", "reason", "already started")
		return errors.New("session already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.mu.Unlock()
	if err := s.client.Start(s.ctx); err != nil {
		s.logger.Error("session start failed", "err", err)
		return err
	}
	s.logger.Info("session start", "remote_notebooks", s.conn != nil, "archive", s.store != nil)
	return nil
}

// Wait blocks until the session context ends or the notebook service
// connection drops.
func (s *session) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("session not started")
	}
	var lost <-chan struct{}
	if s.conn != nil {
		lost = s.conn.Done()
	}
	select {
	case <-ctx.Done():
		return nil
	case <-lost:
		err := s.conn.Err()
		if errors.Is(err, notebookws.ErrClosed) {
			return nil
		}
		s.logger.Error("session stopped", "err", err)
		_ = s.Stop(context.Background())
		return errors.Join(ErrServiceDisconnected, err)
	}
}

func (s *session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.logger.Info("session stop requested")
	if s.client.Snapshot().Notebook.ID != "" {
		if err := s.client.LeaveNotebook(ctx); err != nil {
			s.logger.Debug("session leave failed", "err", err)
		}
	}
	err := s.client.Close(ctx)
	if err != nil {
		s.logger.Warn("session client close failed", "err", err)
	}
	s.closeTransports()
	if cancel != nil {
		cancel()
	}
	s.logger.Info("session stopped")
	return err
}

func (s *session) closeTransports() {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("session notebook connection close failed", "err", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Debug("session archive close failed", "err", err)
		}
	}
}
