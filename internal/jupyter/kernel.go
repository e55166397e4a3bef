package jupyter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/nbsync/core"
	"pkt.systems/nbsync/schema"
	"pkt.systems/pslog"
)

var (
	errMissingKernelID = errors.New("gateway returned no kernel id")
	errKernelClosed    = errors.New("kernel closed")
)

// Kernel is a live kernel on a gateway. It implements core.Kernel.
type Kernel struct {
	id       string
	rest     restClient
	dialer   *websocket.Dialer
	session  string
	settings Settings
	logger   pslog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	execs    map[string]*execution
	watchers []*statusStream
	closed   bool
	done     chan struct{}
}

// ID returns the gateway kernel id.
func (k *Kernel) ID() string {
	return k.id
}

func (k *Kernel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := k.dialer.DialContext(ctx, k.rest.channelsURL(k.id, k.session), k.rest.header())
	if err != nil {
		if resp != nil {
			defer func() {
				_ = resp.Body.Close()
			}()
			return nil, statusError("open channels", resp)
		}
		return nil, classifyTransport(ctx, "open channels", err)
	}
	return conn, nil
}

// run reads the channels until the kernel is closed, reconnecting after
// transient drops.
func (k *Kernel) run(conn *websocket.Conn) {
	for {
		err := k.readLoop(conn)
		if k.isClosed() {
			return
		}
		k.logger.Warn("jupyter channels lost", "err", err)
		k.publish(schema.ReportUnknown)
		next, report := k.reconnect()
		if next == nil {
			k.failExecutions(core.NewRemoteError(core.RemoteErrorUnavailable, "execute", err))
			if report != "" {
				k.publish(report)
			}
			return
		}
		conn = next
		k.logger.Info("jupyter channels restored", "report", report)
		if report != "" {
			k.publish(report)
		}
	}
}

func (k *Kernel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			k.logger.Debug("jupyter message decode failed", "err", err)
			continue
		}
		k.dispatch(msg)
	}
}

// reconnect redials the channels. It returns a nil connection when the
// kernel is gone or closed, with the report to publish.
func (k *Kernel) reconnect() (*websocket.Conn, schema.KernelReport) {
	for attempt := 1; attempt <= k.settings.ReconnectAttempts; attempt++ {
		select {
		case <-k.done:
			return nil, ""
		case <-time.After(k.settings.ReconnectDelay):
		}
		ctx, cancel := context.WithTimeout(context.Background(), k.settings.RequestTimeout)
		var model kernelModel
		err := k.rest.do(ctx, "kernel status", http.MethodGet, k.rest.endpoint("api", "kernels", url.PathEscape(k.id)), nil, &model)
		if errors.Is(err, ErrKernelGone) {
			cancel()
			k.logger.Warn("jupyter kernel gone")
			return nil, schema.ReportDead
		}
		if err != nil {
			cancel()
			k.logger.Debug("jupyter reconnect status failed", "attempt", attempt, "err", err)
			continue
		}
		conn, err := k.dial(ctx)
		cancel()
		if err != nil {
			k.logger.Debug("jupyter reconnect dial failed", "attempt", attempt, "err", err)
			continue
		}
		k.mu.Lock()
		if k.closed {
			k.mu.Unlock()
			_ = conn.Close()
			return nil, ""
		}
		k.conn = conn
		k.mu.Unlock()
		report, ok := reportFor(model.ExecutionState)
		if !ok || report == schema.ReportStarting {
			report = schema.ReportIdle
		}
		return conn, report
	}
	return nil, schema.ReportDead
}

func (k *Kernel) dispatch(msg message) {
	msgType := msg.Header.MsgType
	parent := msg.ParentHeader.MsgID
	if msgType == "status" {
		var status statusContent
		if json.Unmarshal(msg.Content, &status) != nil {
			return
		}
		if report, ok := reportFor(status.ExecutionState); ok {
			k.publish(report)
		}
		if exec := k.execution(parent); exec != nil && status.ExecutionState == "idle" {
			exec.idle = true
			k.maybeFinish(exec)
		}
		return
	}
	exec := k.execution(parent)
	if exec == nil {
		return
	}
	switch msgType {
	case "execute_input":
		var input executeInput
		if json.Unmarshal(msg.Content, &input) != nil {
			return
		}
		exec.send(core.ExecMessage{Kind: core.ExecInput, ExecutionCount: input.ExecutionCount})
	case "execute_reply":
		var reply executeReply
		if json.Unmarshal(msg.Content, &reply) != nil {
			return
		}
		exec.send(core.ExecMessage{
			Kind:           core.ExecReply,
			ExecutionCount: reply.ExecutionCount,
			Status:         core.ExecStatus(reply.Status),
			ErrorName:      reply.EName,
			ErrorValue:     reply.EValue,
		})
		exec.replied = true
		k.maybeFinish(exec)
	default:
		payload, ok := toPayload(msgType, msg.Content)
		if !ok {
			return
		}
		exec.send(core.ExecMessage{Kind: core.ExecOutput, Index: exec.index, Output: payload})
		exec.index++
	}
}

// maybeFinish ends an execution once both its reply and the matching idle
// status were seen.
func (k *Kernel) maybeFinish(exec *execution) {
	if !exec.replied || !exec.idle {
		return
	}
	k.forget(exec.id)
	exec.finish(nil)
}

func (k *Kernel) execution(id string) *execution {
	if id == "" {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.execs[id]
}

func (k *Kernel) forget(id string) {
	k.mu.Lock()
	delete(k.execs, id)
	k.mu.Unlock()
}

func (k *Kernel) failExecutions(err error) {
	k.mu.Lock()
	execs := k.execs
	k.execs = make(map[string]*execution)
	k.mu.Unlock()
	for _, exec := range execs {
		exec.finish(err)
	}
}

// Execute sends an execute request and subscribes to its messages.
func (k *Kernel) Execute(ctx context.Context, code string) (core.Execution, error) {
	req, err := newMessage(k.session, k.settings.Username, "execute_request", "shell", executeRequest{
		Code:            code,
		StoreHistory:    true,
		UserExpressions: map[string]any{},
		StopOnError:     true,
	})
	if err != nil {
		return nil, core.NewRemoteError(core.RemoteErrorProtocol, "execute", err)
	}
	exec := &execution{
		id:     req.Header.MsgID,
		kernel: k,
		msgs:   make(chan core.ExecMessage, k.settings.OutputBuffer),
		done:   make(chan struct{}),
	}
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, core.NewRemoteError(core.RemoteErrorUnavailable, "execute", errKernelClosed)
	}
	k.execs[exec.id] = exec
	conn := k.conn
	k.mu.Unlock()
	if err := k.write(conn, req); err != nil {
		k.forget(exec.id)
		return nil, core.NewRemoteError(core.RemoteErrorUnavailable, "execute", err)
	}
	k.logger.Trace("jupyter execute sent", "msg_id", exec.id, "bytes", len(code))
	return exec, nil
}

func (k *Kernel) write(conn *websocket.Conn, msg message) error {
	if conn == nil {
		return errKernelClosed
	}
	k.writeMu.Lock()
	defer k.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(k.settings.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

// Interrupt interrupts the running code.
func (k *Kernel) Interrupt(ctx context.Context) error {
	return k.rest.do(ctx, "interrupt kernel", http.MethodPost, k.rest.endpoint("api", "kernels", url.PathEscape(k.id), "interrupt"), nil, nil)
}

// Restart restarts the kernel process. The channels stay open.
func (k *Kernel) Restart(ctx context.Context) error {
	return k.rest.do(ctx, "restart kernel", http.MethodPost, k.rest.endpoint("api", "kernels", url.PathEscape(k.id), "restart"), nil, nil)
}

// Shutdown deletes the kernel on the gateway.
func (k *Kernel) Shutdown(ctx context.Context) error {
	err := k.rest.do(ctx, "shutdown kernel", http.MethodDelete, k.rest.endpoint("api", "kernels", url.PathEscape(k.id)), nil, nil)
	if errors.Is(err, ErrKernelGone) {
		return nil
	}
	return err
}

// Status subscribes to kernel status reports.
func (k *Kernel) Status() core.StatusStream {
	stream := &statusStream{kernel: k, ch: make(chan schema.KernelReport, 32)}
	k.mu.Lock()
	k.watchers = append(k.watchers, stream)
	k.mu.Unlock()
	return stream
}

func (k *Kernel) publish(report schema.KernelReport) {
	k.mu.Lock()
	watchers := append([]*statusStream(nil), k.watchers...)
	k.mu.Unlock()
	for _, w := range watchers {
		select {
		case w.ch <- report:
		default:
			k.logger.Debug("jupyter status report dropped", "report", report)
		}
	}
}

// Close closes the channels and ends every subscription. It does not
// delete the kernel; see Shutdown.
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	close(k.done)
	conn := k.conn
	execs := make([]*execution, 0, len(k.execs))
	for _, exec := range k.execs {
		execs = append(execs, exec)
	}
	k.mu.Unlock()
	for _, exec := range execs {
		exec.Cancel()
	}
	if conn == nil {
		return nil
	}
	k.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	k.writeMu.Unlock()
	return conn.Close()
}

func (k *Kernel) isClosed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}

type statusStream struct {
	kernel *Kernel
	ch     chan schema.KernelReport
}

func (s *statusStream) Next(ctx context.Context) (schema.KernelReport, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case report := <-s.ch:
		return report, nil
	case <-s.kernel.done:
		return "", io.EOF
	}
}

func (s *statusStream) Close() error {
	k := s.kernel
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, w := range k.watchers {
		if w == s {
			k.watchers = append(k.watchers[:i], k.watchers[i+1:]...)
			break
		}
	}
	return nil
}

// execution is the subscription to one execute request. Only the read loop
// sends on msgs and closes it.
type execution struct {
	id     string
	kernel *Kernel
	msgs   chan core.ExecMessage
	done   chan struct{}
	once   sync.Once
	err    error

	index    int
	replied  bool
	idle     bool
	finished bool
}

func (e *execution) send(msg core.ExecMessage) {
	select {
	case e.msgs <- msg:
	case <-e.done:
	}
}

func (e *execution) finish(err error) {
	if e.finished {
		return
	}
	e.finished = true
	e.err = err
	close(e.msgs)
}

func (e *execution) Next(ctx context.Context) (core.ExecMessage, error) {
	select {
	case <-ctx.Done():
		return core.ExecMessage{}, ctx.Err()
	case <-e.done:
		return core.ExecMessage{}, io.EOF
	case msg, ok := <-e.msgs:
		if !ok {
			if e.err != nil {
				return core.ExecMessage{}, e.err
			}
			return core.ExecMessage{}, io.EOF
		}
		return msg, nil
	}
}

func (e *execution) Cancel() {
	e.once.Do(func() {
		close(e.done)
		e.kernel.forget(e.id)
	})
}
