// Package jupyter connects to kernels hosted by a Jupyter server or kernel
// gateway: REST for the kernel lifecycle and the channels websocket for
// execution and status.
package jupyter

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pkt.systems/nbsync/core"
	"pkt.systems/nbsync/internal/logx"
	"pkt.systems/pslog"
)

// Settings tunes the gateway connection.
type Settings struct {
	// Username is sent in message headers.
	Username string
	// RequestTimeout bounds REST calls and the websocket handshake.
	RequestTimeout time.Duration
	// WriteTimeout bounds one websocket write.
	WriteTimeout time.Duration
	// ReconnectDelay is the pause between channel reconnect attempts.
	ReconnectDelay time.Duration
	// ReconnectAttempts is the number of attempts before the kernel is
	// reported dead.
	ReconnectAttempts int
	// OutputBuffer is the per-execution message buffer.
	OutputBuffer int
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		Username:          "nbsync",
		RequestTimeout:    30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReconnectDelay:    time.Second,
		ReconnectAttempts: 10,
		OutputBuffer:      256,
	}
}

func (s Settings) normalized() Settings {
	def := DefaultSettings()
	if s.Username == "" {
		s.Username = def.Username
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = def.RequestTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = def.WriteTimeout
	}
	if s.ReconnectDelay <= 0 {
		s.ReconnectDelay = def.ReconnectDelay
	}
	if s.ReconnectAttempts <= 0 {
		s.ReconnectAttempts = def.ReconnectAttempts
	}
	if s.OutputBuffer <= 0 {
		s.OutputBuffer = def.OutputBuffer
	}
	return s
}

// Connector starts kernels on a gateway. It implements core.KernelConnector.
type Connector struct {
	http     *http.Client
	dialer   *websocket.Dialer
	settings Settings
	logger   pslog.Logger
}

// NewConnector returns a connector using settings and logger.
func NewConnector(settings Settings, logger pslog.Logger) *Connector {
	settings = settings.normalized()
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Connector{
		http: &http.Client{Timeout: settings.RequestTimeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.RequestTimeout,
		},
		settings: settings,
		logger:   logger,
	}
}

// Connect starts a kernel and opens its channels.
func (c *Connector) Connect(ctx context.Context, req core.ConnectRequest) (core.Kernel, error) {
	base, err := parseGateway(req.GatewayURI)
	if err != nil {
		return nil, core.NewRemoteError(core.RemoteErrorProtocol, "start kernel", err)
	}
	rest := restClient{http: c.http, base: base, token: req.Token}
	var model kernelModel
	body := map[string]string{"name": req.KernelName}
	if err := rest.do(ctx, "start kernel", http.MethodPost, rest.endpoint("api", "kernels"), body, &model); err != nil {
		return nil, err
	}
	if model.ID == "" {
		return nil, core.NewRemoteError(core.RemoteErrorProtocol, "start kernel", errMissingKernelID)
	}
	log := logx.WithKernel(c.logger, base.String(), model.ID)
	k := &Kernel{
		id:       model.ID,
		rest:     rest,
		dialer:   c.dialer,
		session:  uuid.NewString(),
		settings: c.settings,
		logger:   log,
		execs:    make(map[string]*execution),
		done:     make(chan struct{}),
	}
	conn, err := k.dial(ctx)
	if err != nil {
		log.Warn("jupyter channels dial failed", "err", err)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.settings.RequestTimeout)
		defer cancel()
		if derr := k.Shutdown(shutdownCtx); derr != nil {
			log.Debug("jupyter kernel cleanup failed", "err", derr)
		}
		return nil, err
	}
	k.conn = conn
	go k.run(conn)
	log.Info("jupyter kernel started", "name", model.Name, "state", model.ExecutionState)
	return k, nil
}
