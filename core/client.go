package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/nbsync/internal/logx"
	"pkt.systems/nbsync/internal/persist"
	"pkt.systems/nbsync/schema"
	"pkt.systems/pslog"
)

// client implements Client. One mutex serializes every component; events
// and remote calls happen after it is released.
type client struct {
	cfg       schema.ClientConfig
	self      schema.UserID
	notebooks NotebookService
	kernels   KernelConnector
	sink      EventSink
	archive   OutputArchive
	store     *persist.Store
	logger    pslog.Logger
	baseCtx   context.Context
	cancel    context.CancelFunc

	mu         sync.Mutex
	started    bool
	closed     bool
	notebookID schema.NotebookID
	cells      *CellStore
	locks      *LockCoordinator
	queue      *RunQueue
	outputs    *OutputAggregator
	kernelLog  *kernelLog

	machine        kernelMachine
	retry          retryTimer
	kernel         Kernel
	connecting     bool
	sessionSeq     uint64
	gatewayURI     string
	gatewayToken   string
	editingGateway bool
	autoConnect    bool
	executionCount int
	exec           Execution
	runSeq         uint64
}

var now = time.Now

// NewClient constructs the notebook client.
func NewClient(cfg schema.ClientConfig, deps ClientDeps) (Client, error) {
	normalized, err := schema.NormalizeClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	if deps.Notebooks == nil {
		return nil, errors.New("notebook service is required")
	}
	if deps.Kernels == nil {
		return nil, errors.New("kernel connector is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	logger = logger.With("user", cfg.UserID)
	var store *persist.Store
	if cfg.StateDir != "" {
		store, err = persist.NewStoreWithLogger(cfg.StateDir, logger)
		if err != nil {
			return nil, err
		}
	}
	baseCtx := logx.ContextWithUserLogger(context.Background(), logger, cfg.UserID)
	baseCtx, cancel := context.WithCancel(baseCtx)
	queue := &RunQueue{}
	cells := NewCellStore(queue)
	return &client{
		cfg:          cfg,
		self:         cfg.UserID,
		notebooks:    deps.Notebooks,
		kernels:      deps.Kernels,
		sink:         deps.EventSink,
		archive:      deps.Archive,
		store:        store,
		logger:       logger,
		baseCtx:      baseCtx,
		cancel:       cancel,
		cells:        cells,
		locks:        NewLockCoordinator(cfg.UserID, cells),
		queue:        queue,
		outputs:      NewOutputAggregator(cfg.UserID),
		kernelLog:    newKernelLog(cfg.KernelLogMax),
		machine:      newKernelMachine(),
		gatewayURI:   cfg.GatewayURI,
		gatewayToken: cfg.GatewayToken,
		autoConnect:  cfg.AutoConnect,
	}, nil
}

// Start begins consuming push events and, with auto-connect enabled,
// schedules the first kernel connection attempt.
func (c *client) Start(ctx context.Context) error {
	log := logx.WithUser(ctx, c.self)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client closed")
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	if c.autoConnect && c.gatewayURI != "" {
		c.scheduleRetryLocked(c.cfg.InitialConnectDelay)
	}
	c.mu.Unlock()
	go c.consumePush(c.baseCtx, c.notebooks.Events())
	log.Info("client started", "auto_connect", c.autoConnect, "gateway", c.gatewayURI)
	return nil
}

// Close disconnects the kernel and stops background work.
func (c *client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.retry.stop()
	c.mu.Unlock()
	err := c.DisconnectKernel(ctx)
	c.cancel()
	logx.WithUser(ctx, c.self).Info("client closed")
	return err
}

func (c *client) OpenNotebook(ctx context.Context, notebookID schema.NotebookID) (schema.NotebookSnapshot, error) {
	id, err := schema.NormalizeNotebookID(string(notebookID))
	if err != nil {
		return schema.NotebookSnapshot{}, err
	}
	log := logx.WithUserNotebook(ctx, c.self, id)
	c.mu.Lock()
	current := c.notebookID
	c.mu.Unlock()
	if current != "" {
		if err := c.LeaveNotebook(ctx); err != nil {
			log.Warn("client notebook leave failed", "previous", current, "err", err)
		}
	}
	if err := c.notebooks.OpenNotebook(ctx, schema.OpenNotebookRequest{NotebookID: id}); err != nil {
		log.Warn("client notebook open failed", "err", err)
		return schema.NotebookSnapshot{}, fmt.Errorf("open notebook: %w", err)
	}
	contents, err := c.notebooks.GetNotebookContents(ctx, id)
	if err != nil {
		log.Warn("client notebook contents failed", "err", err)
		return schema.NotebookSnapshot{}, fmt.Errorf("get notebook contents: %w", err)
	}
	if contents.Notebook.ID == "" {
		contents.Notebook.ID = id
	}
	var archived []schema.KernelOutput
	if c.archive != nil {
		archived, err = c.archive.Load(ctx, id)
		if err != nil {
			log.Warn("client output archive load failed", "err", err)
			archived = nil
		}
	}
	var state persist.NotebookState
	if c.store != nil {
		loaded, ok, err := c.store.Load(c.self, id)
		if err != nil {
			log.Warn("client state load failed", "err", err)
		} else if ok {
			state = loaded
		}
	}

	var out outbox
	c.mu.Lock()
	c.notebookID = id
	c.queue.Clear()
	c.abortRunLocked()
	c.cells.Load(contents)
	c.locks.Reset()
	c.outputs.Reset()
	c.outputs.ReceiveBatch(archived)
	c.outputs.SelectViewedUser(state.ViewedUser)
	c.kernelLog = newKernelLogFromPersisted(state.KernelLog, c.cfg.KernelLogMax)
	if state.ActiveCell != "" {
		_ = c.locks.Select(state.ActiveCell)
	}
	out.cell(schema.CellEvent{NotebookID: id, Type: schema.CellEventReset})
	out.kernel(c.kernelEventLocked())
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.flush(ctx, &out, id)
	log.Info("client notebook opened", "cells", len(snapshot.Cells), "archived_outputs", len(archived))
	return snapshot, nil
}

func (c *client) CreateNotebook(ctx context.Context, name string) (schema.Notebook, error) {
	log := logx.WithUser(ctx, c.self)
	nb, err := c.notebooks.CreateNotebook(ctx, schema.CreateNotebookRequest{Name: name})
	if err != nil {
		log.Warn("client notebook create failed", "name", name, "err", err)
		return schema.Notebook{}, fmt.Errorf("create notebook: %w", err)
	}
	log.Info("client notebook created", "notebook", nb.ID, "name", nb.Name)
	return nb, nil
}

// LeaveNotebook releases the local user's locks without waiting for the
// notebook service, drops the run queue, and forgets the notebook.
func (c *client) LeaveNotebook(ctx context.Context) error {
	var out outbox
	c.mu.Lock()
	nb := c.notebookID
	if nb == "" {
		c.mu.Unlock()
		return schema.ErrNotebookNotOpen
	}
	log := logx.WithUserNotebook(ctx, c.self, nb)
	for _, cell := range c.locks.ReleaseAll(c.self) {
		out.cell(schema.CellEvent{NotebookID: nb, Type: schema.CellEventUnlocked, Cell: cell})
	}
	state := c.notebookStateLocked()
	c.queue.Clear()
	c.abortRunLocked()
	c.locks.Reset()
	c.cells.Reset()
	c.outputs.Reset()
	c.notebookID = ""
	out.kernel(c.kernelEventLocked())
	c.mu.Unlock()
	c.saveState(state)
	c.flush(ctx, &out, nb)
	if err := c.notebooks.LeaveNotebook(ctx, schema.LeaveNotebookRequest{NotebookID: nb}); err != nil {
		log.Warn("client notebook leave request failed", "err", err)
		return fmt.Errorf("leave notebook: %w", err)
	}
	log.Info("client notebook left")
	return nil
}

func (c *client) Snapshot() schema.NotebookSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *client) AddCell(ctx context.Context, language schema.Language, index int) (CellRef, error) {
	lang, err := schema.NormalizeLanguage(string(language))
	if err != nil {
		return CellRef{}, err
	}
	var out outbox
	c.mu.Lock()
	nb := c.notebookID
	if nb == "" {
		c.mu.Unlock()
		return CellRef{}, schema.ErrNotebookNotOpen
	}
	if !c.cells.CanEdit(c.self) {
		c.mu.Unlock()
		return CellRef{}, schema.ErrReadOnly
	}
	handle := newPendingHandle()
	ref := c.cells.AddPending(handle, lang, index)
	out.cell(schema.CellEvent{
		NotebookID: nb,
		Type:       schema.CellEventPending,
		Handle:     handle,
		Cell:       schema.Cell{NotebookID: nb, Language: lang, RunIndex: schema.NeverRun},
	})
	c.mu.Unlock()
	c.flush(ctx, &out, nb)

	log := logx.WithUserNotebook(ctx, c.self, nb)
	req := schema.CreateCellRequest{NotebookID: nb, Language: lang, Index: index, Handle: handle}
	if err := c.notebooks.CreateCell(ctx, req); err != nil {
		log.Warn("client cell create failed", "handle", handle, "err", err)
		c.dropPending(ctx, nb, handle, notificationText("Could not add cell", err))
		return ref, fmt.Errorf("create cell: %w", err)
	}
	log.Debug("client cell create sent", "handle", handle, "language", lang, "index", index)
	return ref, nil
}

func (c *client) dropPending(ctx context.Context, nb schema.NotebookID, handle schema.PendingHandle, message string) {
	var out outbox
	c.mu.Lock()
	if c.notebookID == nb && c.cells.DropPending(handle) {
		out.cell(schema.CellEvent{NotebookID: nb, Type: schema.CellEventDeleted, Handle: handle})
	}
	out.notify(nb, schema.SeverityError, message)
	c.mu.Unlock()
	c.flush(ctx, &out, nb)
}

func (c *client) DeleteCell(ctx context.Context, cellID schema.CellID) error {
	c.mu.Lock()
	nb := c.notebookID
	if nb == "" {
		c.mu.Unlock()
		return schema.ErrNotebookNotOpen
	}
	if _, ok := c.cells.Cell(cellID); !ok {
		c.mu.Unlock()
		return schema.ErrCellNotFound
	}
	if !c.cells.CanEdit(c.self) {
		c.mu.Unlock()
		return schema.ErrReadOnly
	}
	c.mu.Unlock()
	log := logx.WithCell(logx.WithUserNotebook(ctx, c.self, nb), cellID)
	if err := c.notebooks.DeleteCell(ctx, schema.DeleteCellRequest{NotebookID: nb, CellID: cellID}); err != nil {
		log.Warn("client cell delete failed", "err", err)
		c.notifyFailure(nb, "Could not delete cell", err)
		return fmt.Errorf("delete cell: %w", err)
	}
	log.Debug("client cell delete sent")
	return nil
}

// EditCell applies an edit locally and sends it to the notebook service. A
// failed send is reported but not rolled back; the next confirmation
// reconciles the cell.
func (c *client) EditCell(ctx context.Context, cellID schema.CellID, change schema.CellChange) error {
	if change.Empty() {
		return nil
	}
	if change.Language != nil {
		lang, err := schema.NormalizeLanguage(string(*change.Language))
		if err != nil {
			return err
		}
		change.Language = &lang
	}
	var out outbox
	c.mu.Lock()
	nb := c.notebookID
	if nb == "" {
		c.mu.Unlock()
		return schema.ErrNotebookNotOpen
	}
	cell, ok := c.cells.Cell(cellID)
	if !ok {
		c.mu.Unlock()
		return schema.ErrCellNotFound
	}
	if cell.LockHeldBy != c.self {
		c.mu.Unlock()
		return schema.ErrNotLockHolder
	}
	updated, dequeued, err := c.cells.ApplyLocalEdit(cellID, change, schema.CellMetaChange{Editing: boolPtr(true)})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	meta, _ := c.cells.Meta(cellID)
	out.cell(schema.CellEvent{NotebookID: nb, Type: schema.CellEventUpdated, Cell: updated, Meta: meta})
	if dequeued {
		out.kernel(c.kernelEventLocked())
	}
	c.mu.Unlock()
	c.flush(ctx, &out, nb)

	log := logx.WithCell(logx.WithUserNotebook(ctx, c.self, nb), cellID)
	log.Trace("client cell edited", "dequeued", dequeued)
	if err := c.notebooks.EditCell(ctx, schema.EditRequestFromChange(nb, cellID, change)); err != nil {
		log.Warn("client cell edit failed", "err", err)
		c.notifyFailure(nb, "Could not save edit", err)
		return fmt.Errorf("edit cell: %w", err)
	}
	return nil
}

func (c *client) LockCell(ctx context.Context, cellID schema.CellID) error {
	var out outbox
	c.mu.Lock()
	nb := c.notebookID
	if nb == "" {
		c.mu.Unlock()
		return schema.ErrNotebookNotOpen
	}
	if !c.cells.CanEdit(c.self) {
		c.mu.Unlock()
		return schema.ErrReadOnly
	}
	send, err := c.locks.RequestLock(cellID)
	if err != nil || !send {
		c.mu.Unlock()
		return err
	}
	c.cellUpdatedLocked(&out, cellID)
	c.mu.Unlock()
	c.flush(ctx, &out, nb)

	log := logx.WithCell(logx.WithUserNotebook(ctx, c.self, nb), cellID)
	if err := c.notebooks.LockCell(ctx, schema.LockCellRequest{NotebookID: nb, CellID: cellID}); err != nil {
		log.Warn("client cell lock failed", "err", err)
		c.rejectLock(ctx, nb, cellID, notificationText("Could not lock cell", err))
		return fmt.Errorf("lock cell: %w", err)
	}
	log.Debug("client cell lock sent")
	return nil
}

func (c *client) UnlockCell(ctx context.Context, cellID schema.CellID) error {
	var out outbox
	c.mu.Lock()
	nb := c.notebookID
	if nb == "" {
		c.mu.Unlock()
		return schema.ErrNotebookNotOpen
	}
	if err := c.locks.RequestUnlock(cellID); err != nil {
		c.mu.Unlock()
		return err
	}
	c.cellUpdatedLocked(&out, cellID)
	c.mu.Unlock()
	c.flush(ctx, &out, nb)

	log := logx.WithCell(logx.WithUserNotebook(ctx, c.self, nb), cellID)
	if err := c.notebooks.UnlockCell(ctx, schema.UnlockCellRequest{NotebookID: nb, CellID: cellID}); err != nil {
		log.Warn("client cell unlock failed", "err", err)
		c.rejectLock(ctx, nb, cellID, notificationText("Could not unlock cell", err))
		return fmt.Errorf("unlock cell: %w", err)
	}
	log.Debug("client cell unlock sent")
	return nil
}

func (c *client) rejectLock(ctx context.Context, nb schema.NotebookID, cellID schema.CellID, message string) {
	var out outbox
	c.mu.Lock()
	if c.notebookID == nb && c.locks.OnRejected(cellID) {
		c.cellUpdatedLocked(&out, cellID)
	}
	out.notify(nb, schema.SeverityError, message)
	c.mu.Unlock()
	c.flush(ctx, &out, nb)
}

func (c *client) SelectCell(ctx context.Context, cellID schema.CellID) error {
	var out outbox
	c.mu.Lock()
	nb := c.notebookID
	if nb == "" {
		c.mu.Unlock()
		return schema.ErrNotebookNotOpen
	}
	if err := c.locks.Select(cellID); err != nil {
		c.mu.Unlock()
		return err
	}
	cell, _ := c.cells.Cell(cellID)
	out.cell(schema.CellEvent{NotebookID: nb, Type: schema.CellEventSelected, Cell: cell})
	out.persist = true
	c.mu.Unlock()
	c.flush(ctx, &out, nb)
	return nil
}

// Enqueue queues cells for execution in the given order.
func (c *client) Enqueue(ctx context.Context, cellIDs ...schema.CellID) error {
	if len(cellIDs) == 0 {
		return nil
	}
	var out outbox
	c.mu.Lock()
	nb := c.notebookID
	if nb == "" {
		c.mu.Unlock()
		return schema.ErrNotebookNotOpen
	}
	for _, id := range cellIDs {
		if _, ok := c.cells.Cell(id); !ok {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", schema.ErrCellNotFound, id)
		}
	}
	changed := false
	for _, id := range cellIDs {
		if c.queue.Enqueue(id) {
			changed = true
		}
	}
	c.tryStartNextLocked(&out)
	if changed && len(out.starts) == 0 {
		out.kernel(c.kernelEventLocked())
	}
	queued := c.queue.Len()
	c.mu.Unlock()
	c.flush(ctx, &out, nb)
	logx.WithUserNotebook(ctx, c.self, nb).Debug("client cells enqueued", "cells", len(cellIDs), "queued", queued)
	return nil
}

func (c *client) KernelLog() []schema.KernelLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kernelLog.Entries()
}

func (c *client) SelectViewedUser(ctx context.Context, userID schema.UserID) {
	var out outbox
	c.mu.Lock()
	nb := c.notebookID
	c.outputs.SelectViewedUser(userID)
	viewed := c.outputs.Viewed()
	for _, id := range c.cells.Order() {
		cell, ok := c.cells.Cell(id)
		if !ok {
			continue
		}
		run, payloads := c.outputs.Displayed(cell)
		out.output(schema.OutputEvent{NotebookID: nb, CellID: id, UserID: viewed, RunIndex: run, Outputs: payloads})
	}
	out.persist = nb != ""
	c.mu.Unlock()
	c.flush(ctx, &out, nb)
	logx.WithUserNotebook(ctx, c.self, nb).Debug("client viewed user selected", "viewed", viewed)
}

func (c *client) DisplayedOutputs(cellID schema.CellID) (int, []schema.OutputPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cell, ok := c.cells.Cell(cellID)
	if !ok {
		return schema.NeverRun, nil, schema.ErrCellNotFound
	}
	run, payloads := c.outputs.Displayed(cell)
	return run, payloads, nil
}

func (c *client) OutputRuns(cellID schema.CellID, userID schema.UserID) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputs.Runs(cellID, userID)
}

func (c *client) Outputs(cellID schema.CellID, userID schema.UserID, runIndex int) []schema.OutputPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputs.Bucket(cellID, userID, runIndex)
}

func (c *client) cellUpdatedLocked(out *outbox, cellID schema.CellID) {
	cell, ok := c.cells.Cell(cellID)
	if !ok {
		return
	}
	meta, _ := c.cells.Meta(cellID)
	out.cell(schema.CellEvent{NotebookID: c.notebookID, Type: schema.CellEventUpdated, Cell: cell, Meta: meta})
}

func (c *client) snapshotLocked() schema.NotebookSnapshot {
	return schema.NotebookSnapshot{
		Notebook:   c.cells.Notebook(),
		Cells:      c.cells.Cells(),
		ActiveCell: c.locks.Active(),
		ViewedUser: c.outputs.Viewed(),
	}
}

func (c *client) notifyFailure(nb schema.NotebookID, prefix string, err error) {
	if c.sink == nil {
		return
	}
	c.sink.OnNotification(schema.Notification{
		NotebookID: nb,
		Severity:   schema.SeverityError,
		Message:    notificationText(prefix, err),
	})
}

func (c *client) notebookStateLocked() persist.NotebookState {
	return persist.NotebookState{
		NotebookID: c.notebookID,
		KernelLog:  c.kernelLog.Entries(),
		ViewedUser: c.outputs.Viewed(),
		ActiveCell: c.locks.Active(),
	}
}

func (c *client) persistNotebook(nb schema.NotebookID) {
	if c.store == nil || nb == "" {
		return
	}
	c.mu.Lock()
	if c.notebookID != nb {
		c.mu.Unlock()
		return
	}
	state := c.notebookStateLocked()
	c.mu.Unlock()
	c.saveState(state)
}

func (c *client) saveState(state persist.NotebookState) {
	if c.store == nil || state.NotebookID == "" {
		return
	}
	if state.ViewedUser == c.self {
		state.ViewedUser = ""
	}
	if err := c.store.Save(c.self, state); err != nil {
		c.logger.Warn("client state persist failed", "notebook", state.NotebookID, "err", err)
	}
}
