package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"pkt.systems/nbsync/internal/logx"
	"pkt.systems/nbsync/schema"
	"pkt.systems/pslog"
)

// execStart describes an execution decided under the lock and launched
// after it is released.
type execStart struct {
	seq        uint64
	notebookID schema.NotebookID
	cellID     schema.CellID
	code       string
	kernel     Kernel
}

type runOutcome struct {
	runIndex int
	reply    *ExecMessage
	err      error
}

func (o runOutcome) success() bool {
	return o.err == nil && o.reply != nil && o.reply.Status == ExecStatusOK
}

func (o runOutcome) message() string {
	switch {
	case o.err != nil:
		return o.err.Error()
	case o.reply == nil:
		return "execution ended without a reply"
	case o.reply.Status == ExecStatusAborted:
		return "execution aborted"
	case o.reply.ErrorName != "" && o.reply.ErrorValue != "":
		return o.reply.ErrorName + ": " + o.reply.ErrorValue
	case o.reply.ErrorName != "":
		return o.reply.ErrorName
	default:
		return "execution failed"
	}
}

// ConnectKernel starts a user-triggered connection attempt. Failures of this
// attempt are surfaced as notifications.
func (c *client) ConnectKernel(ctx context.Context) error {
	return c.connect(ctx, true)
}

func (c *client) connect(ctx context.Context, displayError bool) error {
	var out outbox
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client closed")
	}
	if c.kernel != nil || c.connecting || c.machine.status != schema.KernelOffline {
		c.mu.Unlock()
		return schema.ErrKernelConnected
	}
	if c.editingGateway {
		c.mu.Unlock()
		return schema.ErrGatewayEditing
	}
	if strings.TrimSpace(c.gatewayURI) == "" {
		c.mu.Unlock()
		return schema.ErrGatewayMissing
	}
	if _, err := c.machine.apply(inputConnect); err != nil {
		c.mu.Unlock()
		return err
	}
	c.retry.stop()
	c.connecting = true
	c.sessionSeq++
	seq := c.sessionSeq
	req := ConnectRequest{GatewayURI: c.gatewayURI, Token: c.gatewayToken, KernelName: c.cfg.KernelName}
	nb := c.notebookID
	out.kernel(c.kernelEventLocked())
	c.mu.Unlock()
	c.flush(ctx, &out, nb)
	logx.WithKernel(c.logger, req.GatewayURI, "").Info("client kernel connecting", "user_triggered", displayError)
	go c.runConnect(seq, req, displayError)
	return nil
}

func (c *client) runConnect(seq uint64, req ConnectRequest, displayError bool) {
	ctx := c.baseCtx
	log := logx.WithKernel(c.logger, req.GatewayURI, "")
	kernel, err := c.kernels.Connect(ctx, req)

	var out outbox
	c.mu.Lock()
	nb := c.notebookID
	if seq != c.sessionSeq || c.closed {
		c.mu.Unlock()
		if err == nil && kernel != nil {
			c.releaseKernel(ctx, log, kernel, true)
		}
		log.Debug("client kernel connect superseded")
		return
	}
	c.connecting = false
	if err != nil {
		_, _ = c.machine.apply(inputConnectFailed)
		out.kernel(c.kernelEventLocked())
		if displayError {
			out.notify(nb, schema.SeverityError, notificationText("Could not connect to kernel", err))
		}
		retry := c.autoConnect && !c.editingGateway
		if retry {
			c.scheduleRetryLocked(c.cfg.RetryDelay)
		}
		c.mu.Unlock()
		c.flush(ctx, &out, nb)
		log.Warn("client kernel connect failed", "err", err, "retry", retry)
		return
	}
	c.kernel = kernel
	_, _ = c.machine.apply(inputConnected)
	out.kernel(c.kernelEventLocked())
	if displayError {
		out.notify(nb, schema.SeveritySuccess, "Kernel connected")
	}
	c.tryStartNextLocked(&out)
	c.mu.Unlock()
	c.flush(ctx, &out, nb)
	log.Info("client kernel connected", "kernel", kernel.ID())
	go c.watchStatus(ctx, seq, kernel)
}

func (c *client) scheduleRetryLocked(delay time.Duration) {
	c.retry.schedule(delay, c.retryFired)
}

func (c *client) retryFired(gen uint64) {
	c.mu.Lock()
	if c.closed || !c.retry.claim(gen) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := c.connect(c.baseCtx, false); err != nil {
		c.logger.Debug("client kernel retry skipped", "err", err)
	}
}

func (c *client) watchStatus(ctx context.Context, seq uint64, kernel Kernel) {
	stream := kernel.Status()
	if stream == nil {
		return
	}
	defer func() {
		_ = stream.Close()
	}()
	for {
		report, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.logger.Debug("client kernel status stream ended", "err", err)
			}
			return
		}
		if !c.onKernelReport(ctx, seq, report) {
			return
		}
	}
}

// onKernelReport applies a kernel status report and reports whether the
// session is still current.
func (c *client) onKernelReport(ctx context.Context, seq uint64, report schema.KernelReport) bool {
	in, ok := reportInput(report)
	if !ok {
		c.logger.Trace("client kernel report ignored", "report", report)
		return true
	}
	var out outbox
	c.mu.Lock()
	if seq != c.sessionSeq {
		c.mu.Unlock()
		return false
	}
	nb := c.notebookID
	prev := c.machine.status
	// A reconnect can restore the session as busy with nothing of ours
	// running; the next idle report settles it.
	if in == inputReportIdle && prev == schema.KernelBusy && c.queue.Running() == "" {
		in = inputDone
	}
	changed, err := c.machine.apply(in)
	if err != nil {
		c.mu.Unlock()
		c.logger.Debug("client kernel report rejected", "report", report, "err", err)
		return true
	}
	var dead Kernel
	retry := false
	switch {
	case in == inputReportUnknown && changed:
		out.notify(nb, schema.SeverityWarning, "Kernel connection lost, reconnecting")
	case (in == inputReportIdle || in == inputReportBusy) && prev == schema.KernelReconnecting:
		out.notify(nb, schema.SeveritySuccess, "Kernel reconnected")
		c.tryStartNextLocked(&out)
	case in == inputDone && changed:
		c.tryStartNextLocked(&out)
	case in == inputReportDead:
		c.failRunLocked(&out, "kernel died")
		dead = c.kernel
		c.kernel = nil
		c.sessionSeq++
		out.notify(nb, schema.SeverityError, "Kernel died, connect again to start a new session")
		retry = c.autoConnect && !c.editingGateway
		if retry {
			c.scheduleRetryLocked(c.cfg.RetryDelay)
		}
	}
	if changed {
		out.kernel(c.kernelEventLocked())
	}
	next := c.machine.status
	c.mu.Unlock()
	c.flush(ctx, &out, nb)
	if dead != nil {
		c.logger.Warn("client kernel died", "kernel", dead.ID(), "retry", retry)
		if err := dead.Close(); err != nil {
			c.logger.Debug("client kernel close failed", "err", err)
		}
		return false
	}
	if changed {
		c.logger.Info("client kernel status", "from", prev, "to", next)
	}
	return true
}

// DisconnectKernel moves the session to offline from any state, cancels the
// running execution, and shuts the kernel down.
func (c *client) DisconnectKernel(ctx context.Context) error {
	var out outbox
	c.mu.Lock()
	nb := c.notebookID
	gateway := c.gatewayURI
	c.retry.stop()
	kernel := c.kernel
	wasOffline := kernel == nil && !c.connecting && c.machine.status == schema.KernelOffline
	c.kernel = nil
	c.connecting = false
	c.sessionSeq++
	c.failRunLocked(&out, "kernel disconnected")
	_, _ = c.machine.apply(inputDisconnect)
	if !wasOffline {
		out.kernel(c.kernelEventLocked())
	}
	c.mu.Unlock()
	c.flush(ctx, &out, nb)
	if kernel != nil {
		c.releaseKernel(ctx, logx.WithKernel(c.logger, gateway, kernel.ID()), kernel, true)
	}
	if !wasOffline {
		logx.WithUser(ctx, c.self).Info("client kernel disconnected")
	}
	return nil
}

func (c *client) releaseKernel(ctx context.Context, log pslog.Logger, kernel Kernel, shutdown bool) {
	if shutdown {
		if err := kernel.Shutdown(ctx); err != nil {
			log.Warn("client kernel shutdown failed", "err", err)
		}
	}
	if err := kernel.Close(); err != nil {
		log.Debug("client kernel close failed", "err", err)
	}
}

// InterruptKernel asks the kernel to interrupt the running cell. It does not
// change run state; the run still ends through its own reply.
func (c *client) InterruptKernel(ctx context.Context) error {
	c.mu.Lock()
	running := c.queue.Running()
	kernel := c.kernel
	nb := c.notebookID
	c.mu.Unlock()
	if running == "" {
		return schema.ErrNothingRunning
	}
	if kernel == nil {
		return schema.ErrKernelNotConnected
	}
	log := logx.WithCell(logx.WithUserNotebook(ctx, c.self, nb), running)
	go func() {
		if err := kernel.Interrupt(c.baseCtx); err != nil {
			log.Warn("client kernel interrupt failed", "err", err)
			c.notifyFailure(nb, "Could not interrupt kernel", err)
			return
		}
		log.Info("client kernel interrupted")
	}()
	return nil
}

// RestartKernel resets execution state locally and asks the kernel to
// restart. A restart invalidates the queue, run indices, and outputs.
func (c *client) RestartKernel(ctx context.Context) error {
	var out outbox
	c.mu.Lock()
	kernel := c.kernel
	if kernel == nil || !c.machine.status.Connected() {
		c.mu.Unlock()
		return schema.ErrKernelNotConnected
	}
	nb := c.notebookID
	gateway := c.gatewayURI
	c.queue.Clear()
	c.abortRunLocked()
	if _, err := c.machine.apply(inputRestart); err != nil {
		c.mu.Unlock()
		return err
	}
	c.executionCount = 0
	c.cells.ResetRunIndices()
	c.outputs.Reset()
	out.purge = true
	if nb != "" {
		out.cell(schema.CellEvent{NotebookID: nb, Type: schema.CellEventReset})
	}
	out.kernel(c.kernelEventLocked())
	c.mu.Unlock()
	c.flush(ctx, &out, nb)
	log := logx.WithKernel(logx.WithUser(ctx, c.self), gateway, kernel.ID())
	go func() {
		if err := kernel.Restart(c.baseCtx); err != nil {
			log.Warn("client kernel restart failed", "err", err)
			c.notifyFailure(nb, "Could not restart kernel", err)
			return
		}
		log.Info("client kernel restarted")
	}()
	return nil
}

func (c *client) SetAutoConnect(ctx context.Context, enabled bool) {
	c.mu.Lock()
	c.autoConnect = enabled
	if !enabled {
		c.retry.stop()
	} else {
		c.maybeScheduleConnectLocked()
	}
	c.mu.Unlock()
	logx.WithUser(ctx, c.self).Debug("client auto connect set", "enabled", enabled)
}

func (c *client) BeginGatewayEdit(ctx context.Context) {
	c.mu.Lock()
	c.editingGateway = true
	c.retry.stop()
	c.mu.Unlock()
	logx.WithUser(ctx, c.self).Debug("client gateway edit started")
}

func (c *client) EndGatewayEdit(ctx context.Context, uri, token string) {
	c.mu.Lock()
	c.editingGateway = false
	c.gatewayURI = strings.TrimSpace(uri)
	c.gatewayToken = strings.TrimSpace(token)
	c.maybeScheduleConnectLocked()
	c.mu.Unlock()
	logx.WithUser(ctx, c.self).Debug("client gateway edit finished", "gateway", strings.TrimSpace(uri))
}

// maybeScheduleConnectLocked arms the first attempt after the session
// becomes ready to connect.
func (c *client) maybeScheduleConnectLocked() {
	if !c.started || c.closed || !c.autoConnect || c.editingGateway {
		return
	}
	if c.kernel != nil || c.connecting || c.machine.status != schema.KernelOffline || c.gatewayURI == "" {
		return
	}
	if c.retry.pending() {
		return
	}
	c.scheduleRetryLocked(c.cfg.InitialConnectDelay)
}

func (c *client) Kernel() schema.KernelSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return schema.KernelSnapshot{
		Status:         c.machine.status,
		GatewayURI:     c.gatewayURI,
		RunningCell:    c.queue.Running(),
		Queue:          c.queue.Items(),
		ExecutionCount: c.executionCount,
		AutoConnect:    c.autoConnect,
		EditingGateway: c.editingGateway,
	}
}

func (c *client) kernelEventLocked() schema.KernelEvent {
	return schema.KernelEvent{
		NotebookID:     c.notebookID,
		Status:         c.machine.status,
		RunningCell:    c.queue.Running(),
		Queue:          c.queue.Items(),
		ExecutionCount: c.executionCount,
	}
}

// tryStartNextLocked starts the head of the queue when nothing is running
// and the kernel is idle. Non-executable and blank cells are dropped.
func (c *client) tryStartNextLocked(out *outbox) {
	if c.queue.Running() != "" || c.kernel == nil || c.machine.status != schema.KernelIdle {
		return
	}
	dropped := false
	for {
		id, ok := c.queue.Next()
		if !ok {
			if dropped {
				out.kernel(c.kernelEventLocked())
			}
			return
		}
		cell, ok := c.cells.Cell(id)
		if !ok || !cell.Language.Executable() || schema.IsBlank(cell.Contents) {
			c.logger.Debug("client run skipped", "cell", id, "found", ok)
			dropped = true
			continue
		}
		if _, err := c.machine.apply(inputExecute); err != nil {
			c.logger.Warn("client run start rejected", "cell", id, "err", err)
			return
		}
		c.queue.SetRunning(id)
		c.runSeq++
		out.starts = append(out.starts, execStart{
			seq:        c.runSeq,
			notebookID: c.notebookID,
			cellID:     id,
			code:       cell.Contents,
			kernel:     c.kernel,
		})
		out.kernel(c.kernelEventLocked())
		return
	}
}

// abortRunLocked forgets the running execution. Its goroutine notices the
// bumped sequence and stops applying results.
func (c *client) abortRunLocked() {
	if c.exec != nil {
		c.exec.Cancel()
		c.exec = nil
	}
	c.runSeq++
	if c.queue.Running() != "" {
		c.queue.ClearRunning()
		_, _ = c.machine.apply(inputDone)
	}
}

// failRunLocked records the running cell as failed and clears the queue.
func (c *client) failRunLocked(out *outbox, message string) {
	if running := c.queue.Running(); running != "" {
		run := schema.NeverRun
		if cell, ok := c.cells.Cell(running); ok {
			run = cell.RunIndex
		}
		c.kernelLog.Append(schema.KernelLogEntry{
			Time:     now().Unix(),
			CellID:   running,
			RunIndex: run,
			Result:   schema.LogError,
			Message:  message,
		})
		out.persist = true
	}
	c.queue.Clear()
	c.abortRunLocked()
}

func (c *client) runExecution(st execStart) {
	ctx := c.baseCtx
	log := logx.WithCell(c.logger.With("notebook", st.notebookID), st.cellID)
	log.Info("client run start")
	exec, err := st.kernel.Execute(ctx, st.code)
	if err != nil {
		c.finishRun(ctx, st, runOutcome{runIndex: schema.NeverRun, err: err})
		return
	}
	c.mu.Lock()
	if st.seq != c.runSeq {
		c.mu.Unlock()
		exec.Cancel()
		return
	}
	c.exec = exec
	c.mu.Unlock()
	defer exec.Cancel()

	outcome := runOutcome{runIndex: schema.NeverRun}
	var pending []ExecMessage
	for {
		msg, err := exec.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				outcome.err = err
			}
			break
		}
		switch msg.Kind {
		case ExecInput, ExecReply:
			if outcome.runIndex == schema.NeverRun && msg.ExecutionCount > 0 {
				outcome.runIndex = msg.ExecutionCount
				if !c.onRunIndex(ctx, st, outcome.runIndex, pending) {
					return
				}
				pending = nil
			}
			if msg.Kind == ExecReply {
				reply := msg
				outcome.reply = &reply
			}
		case ExecOutput:
			if outcome.runIndex == schema.NeverRun {
				pending = append(pending, msg)
				continue
			}
			if !c.onRunOutputs(ctx, st, outcome.runIndex, []ExecMessage{msg}) {
				return
			}
		}
	}
	if len(pending) > 0 {
		log.Warn("client run outputs dropped", "outputs", len(pending), "reason", "no run index")
	}
	c.finishRun(ctx, st, outcome)
}

// onRunIndex publishes the kernel-assigned run index and replays outputs
// buffered before it was known. It reports whether the run is still current.
func (c *client) onRunIndex(ctx context.Context, st execStart, runIndex int, pending []ExecMessage) bool {
	var out outbox
	c.mu.Lock()
	if st.seq != c.runSeq {
		c.mu.Unlock()
		return false
	}
	if runIndex > c.executionCount {
		c.executionCount = runIndex
	}
	if _, ok := c.cells.UpdateRunIndex(st.cellID, runIndex); ok {
		c.cellUpdatedLocked(&out, st.cellID)
	}
	out.kernel(c.kernelEventLocked())
	c.receiveLocalLocked(&out, st, runIndex, pending)
	c.mu.Unlock()
	c.flush(ctx, &out, st.notebookID)
	c.logger.Debug("client run index", "cell", st.cellID, "run", runIndex, "replayed", len(pending))
	return true
}

func (c *client) onRunOutputs(ctx context.Context, st execStart, runIndex int, msgs []ExecMessage) bool {
	var out outbox
	c.mu.Lock()
	if st.seq != c.runSeq {
		c.mu.Unlock()
		return false
	}
	c.receiveLocalLocked(&out, st, runIndex, msgs)
	c.mu.Unlock()
	c.flush(ctx, &out, st.notebookID)
	return true
}

func (c *client) receiveLocalLocked(out *outbox, st execStart, runIndex int, msgs []ExecMessage) {
	if len(msgs) == 0 {
		return
	}
	outputs := make([]schema.KernelOutput, 0, len(msgs))
	for _, msg := range msgs {
		outputs = append(outputs, schema.KernelOutput{
			CellID:       st.cellID,
			UserID:       c.self,
			RunIndex:     runIndex,
			MessageIndex: msg.Index,
			Payload:      msg.Output,
		})
	}
	c.outputs.ReceiveBatch(outputs)
	out.output(schema.OutputEvent{
		NotebookID: st.notebookID,
		CellID:     st.cellID,
		UserID:     c.self,
		RunIndex:   runIndex,
		Outputs:    c.outputs.Bucket(st.cellID, c.self, runIndex),
	})
	out.publish = append(out.publish, outputs...)
	out.archive = append(out.archive, outputs...)
}

// finishRun ends the running cell. Success starts the next queued cell;
// failure drops the rest of the queue.
func (c *client) finishRun(ctx context.Context, st execStart, outcome runOutcome) {
	var out outbox
	c.mu.Lock()
	if st.seq != c.runSeq {
		c.mu.Unlock()
		return
	}
	c.exec = nil
	c.queue.ClearRunning()
	_, _ = c.machine.apply(inputDone)
	entry := schema.KernelLogEntry{
		Time:     now().Unix(),
		CellID:   st.cellID,
		RunIndex: outcome.runIndex,
		Result:   schema.LogSuccess,
	}
	var dropped []schema.CellID
	if outcome.success() {
		c.kernelLog.Append(entry)
		c.tryStartNextLocked(&out)
	} else {
		entry.Result = schema.LogError
		entry.Message = outcome.message()
		c.kernelLog.Append(entry)
		dropped = c.queue.Clear()
		if outcome.err != nil {
			out.notify(st.notebookID, schema.SeverityError, notificationText("Execution failed", outcome.err))
		}
	}
	if len(out.starts) == 0 {
		out.kernel(c.kernelEventLocked())
	}
	out.persist = true
	c.mu.Unlock()
	c.flush(ctx, &out, st.notebookID)
	log := logx.WithCell(c.logger.With("notebook", st.notebookID), st.cellID)
	if entry.Result == schema.LogSuccess {
		log.Info("client run finished", "run", outcome.runIndex)
		return
	}
	log.Warn("client run failed", "run", outcome.runIndex, "message", entry.Message, "dropped", len(dropped))
}
