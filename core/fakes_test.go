package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"pkt.systems/nbsync/schema"
	"pkt.systems/pslog"
)

type chanPushStream struct {
	ch chan schema.PushEvent
}

func (s *chanPushStream) Next(ctx context.Context) (schema.PushEvent, error) {
	select {
	case <-ctx.Done():
		return schema.PushEvent{}, ctx.Err()
	case ev, ok := <-s.ch:
		if !ok {
			return schema.PushEvent{}, io.EOF
		}
		return ev, nil
	}
}

func (s *chanPushStream) Close() error {
	return nil
}

type fakeNotebookService struct {
	mu        sync.Mutex
	contents  map[schema.NotebookID]schema.NotebookContents
	creates   []schema.CreateCellRequest
	deletes   []schema.DeleteCellRequest
	locks     []schema.LockCellRequest
	unlocks   []schema.UnlockCellRequest
	edits     []schema.EditCellRequest
	published []schema.PublishOutputsRequest
	left      []schema.NotebookID
	createErr error
	lockErr   error
	editErr   error
	push      *chanPushStream
}

func newFakeNotebookService() *fakeNotebookService {
	return &fakeNotebookService{
		contents: make(map[schema.NotebookID]schema.NotebookContents),
		push:     &chanPushStream{ch: make(chan schema.PushEvent, 16)},
	}
}

func (f *fakeNotebookService) OpenNotebook(ctx context.Context, req schema.OpenNotebookRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.contents[req.NotebookID]; !ok {
		return errors.New("notebook not found")
	}
	return nil
}

func (f *fakeNotebookService) GetNotebookContents(ctx context.Context, notebookID schema.NotebookID) (schema.NotebookContents, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	contents, ok := f.contents[notebookID]
	if !ok {
		return schema.NotebookContents{}, errors.New("notebook not found")
	}
	return contents, nil
}

func (f *fakeNotebookService) CreateNotebook(ctx context.Context, req schema.CreateNotebookRequest) (schema.Notebook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nb := schema.Notebook{ID: schema.NotebookID("nb-" + req.Name), Name: req.Name}
	f.contents[nb.ID] = schema.NotebookContents{Notebook: nb}
	return nb, nil
}

func (f *fakeNotebookService) CreateCell(ctx context.Context, req schema.CreateCellRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	return f.createErr
}

func (f *fakeNotebookService) DeleteCell(ctx context.Context, req schema.DeleteCellRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, req)
	return nil
}

func (f *fakeNotebookService) LockCell(ctx context.Context, req schema.LockCellRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks = append(f.locks, req)
	return f.lockErr
}

func (f *fakeNotebookService) UnlockCell(ctx context.Context, req schema.UnlockCellRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlocks = append(f.unlocks, req)
	return nil
}

func (f *fakeNotebookService) EditCell(ctx context.Context, req schema.EditCellRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, req)
	return f.editErr
}

func (f *fakeNotebookService) PublishOutputs(ctx context.Context, req schema.PublishOutputsRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, req)
	return nil
}

func (f *fakeNotebookService) LeaveNotebook(ctx context.Context, req schema.LeaveNotebookRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, req.NotebookID)
	return nil
}

func (f *fakeNotebookService) Events() PushStream {
	return f.push
}

func (f *fakeNotebookService) publishedOutputs() []schema.KernelOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []schema.KernelOutput
	for _, req := range f.published {
		out = append(out, req.Outputs...)
	}
	return out
}

type fakeConnector struct {
	mu     sync.Mutex
	err    error
	kernel *fakeKernel
	calls  int
	reqs   []ConnectRequest
}

func (f *fakeConnector) Connect(ctx context.Context, req ConnectRequest) (Kernel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.kernel, nil
}

func (f *fakeConnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeExecution struct {
	code     string
	msgs     chan ExecMessage
	canceled chan struct{}
	once     sync.Once
}

func (e *fakeExecution) Next(ctx context.Context) (ExecMessage, error) {
	select {
	case <-ctx.Done():
		return ExecMessage{}, ctx.Err()
	case <-e.canceled:
		return ExecMessage{}, io.EOF
	case msg, ok := <-e.msgs:
		if !ok {
			return ExecMessage{}, io.EOF
		}
		return msg, nil
	}
}

func (e *fakeExecution) Cancel() {
	e.once.Do(func() { close(e.canceled) })
}

// finish sends msgs followed by the end of the execution.
func (e *fakeExecution) finish(msgs ...ExecMessage) {
	for _, msg := range msgs {
		e.msgs <- msg
	}
	close(e.msgs)
}

type fakeKernel struct {
	mu         sync.Mutex
	execs      chan *fakeExecution
	status     chan schema.KernelReport
	executed   int
	interrupts int
	restarts   int
	shutdowns  int
	closed     int
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		execs:  make(chan *fakeExecution, 8),
		status: make(chan schema.KernelReport, 8),
	}
}

func (k *fakeKernel) ID() string { return "kernel-1" }

func (k *fakeKernel) Execute(ctx context.Context, code string) (Execution, error) {
	exec := &fakeExecution{code: code, msgs: make(chan ExecMessage, 16), canceled: make(chan struct{})}
	k.mu.Lock()
	k.executed++
	k.mu.Unlock()
	k.execs <- exec
	return exec, nil
}

func (k *fakeKernel) Interrupt(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.interrupts++
	return nil
}

func (k *fakeKernel) Restart(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.restarts++
	return nil
}

func (k *fakeKernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.shutdowns++
	return nil
}

func (k *fakeKernel) Status() StatusStream {
	return &fakeStatusStream{ch: k.status}
}

func (k *fakeKernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed++
	return nil
}

func (k *fakeKernel) counts() (executed, interrupts, restarts, shutdowns int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.executed, k.interrupts, k.restarts, k.shutdowns
}

func (k *fakeKernel) nextExec(t *testing.T) *fakeExecution {
	t.Helper()
	select {
	case exec := <-k.execs:
		return exec
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for execute")
		return nil
	}
}

func (k *fakeKernel) expectNoExec(t *testing.T) {
	t.Helper()
	select {
	case exec := <-k.execs:
		t.Fatalf("unexpected execute of %q", exec.code)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeStatusStream struct {
	ch chan schema.KernelReport
}

func (s *fakeStatusStream) Next(ctx context.Context) (schema.KernelReport, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case report, ok := <-s.ch:
		if !ok {
			return "", io.EOF
		}
		return report, nil
	}
}

func (s *fakeStatusStream) Close() error {
	return nil
}

type recordingSink struct {
	mu      sync.Mutex
	cells   []schema.CellEvent
	kernels []schema.KernelEvent
	outputs []schema.OutputEvent
	notes   []schema.Notification
}

func (s *recordingSink) OnCellEvent(event schema.CellEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells = append(s.cells, event)
}

func (s *recordingSink) OnKernelEvent(event schema.KernelEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kernels = append(s.kernels, event)
}

func (s *recordingSink) OnOutputEvent(event schema.OutputEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = append(s.outputs, event)
}

func (s *recordingSink) OnNotification(event schema.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, event)
}

func (s *recordingSink) cellEvents(kind schema.CellEventType) []schema.CellEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.CellEvent
	for _, event := range s.cells {
		if event.Type == kind {
			out = append(out, event)
		}
	}
	return out
}

func (s *recordingSink) notifications(severity schema.Severity) []schema.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.Notification
	for _, note := range s.notes {
		if note.Severity == severity {
			out = append(out, note)
		}
	}
	return out
}

func (s *recordingSink) outputEvents() []schema.OutputEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.OutputEvent(nil), s.outputs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type testEnv struct {
	client    *client
	notebooks *fakeNotebookService
	connector *fakeConnector
	kernel    *fakeKernel
	sink      *recordingSink
}

func testContents() schema.NotebookContents {
	md := pyCell("m1", "# title", 1)
	md.Language = schema.LanguageMarkdown
	return schema.NotebookContents{
		Notebook: schema.Notebook{
			ID:        "nb",
			Name:      "demo",
			CellOrder: []schema.CellID{"c1", "c2", "c3", "m1"},
			Collaborators: map[schema.UserID]schema.Collaborator{
				"alice": {UserID: "alice", Name: "Alice", Access: schema.AccessFull},
				"bob":   {UserID: "bob", Name: "Bob", Access: schema.AccessFull},
				"rita":  {UserID: "rita", Name: "Rita", Access: schema.AccessReadOnly},
			},
		},
		Cells: []schema.Cell{
			pyCell("c1", "print(1)", 1),
			pyCell("c2", "print(2)", 1),
			pyCell("c3", "print(3)", 1),
			md,
		},
	}
}

func newTestEnv(t *testing.T, mutate func(*schema.ClientConfig)) *testEnv {
	t.Helper()
	notebooks := newFakeNotebookService()
	notebooks.contents["nb"] = testContents()
	kernel := newFakeKernel()
	connector := &fakeConnector{kernel: kernel}
	sink := &recordingSink{}
	cfg := schema.ClientConfig{
		UserID:     "alice",
		StateDir:   t.TempDir(),
		GatewayURI: "http://gateway:8888",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	logger := pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true})
	c, err := NewClient(cfg, ClientDeps{
		Notebooks: notebooks,
		Kernels:   connector,
		EventSink: sink,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	impl := c.(*client)
	t.Cleanup(func() { _ = impl.Close(context.Background()) })
	return &testEnv{client: impl, notebooks: notebooks, connector: connector, kernel: kernel, sink: sink}
}

func (e *testEnv) open(t *testing.T) {
	t.Helper()
	if _, err := e.client.OpenNotebook(context.Background(), "nb"); err != nil {
		t.Fatalf("open notebook: %v", err)
	}
}

func (e *testEnv) connect(t *testing.T) {
	t.Helper()
	if err := e.client.ConnectKernel(context.Background()); err != nil {
		t.Fatalf("connect kernel: %v", err)
	}
	e.waitStatus(t, schema.KernelIdle)
}

func (e *testEnv) waitStatus(t *testing.T, status schema.KernelStatus) {
	t.Helper()
	waitFor(t, "kernel status "+string(status), func() bool {
		return e.client.Kernel().Status == status
	})
}

func (e *testEnv) push(event schema.PushEvent) {
	if event.NotebookID == "" {
		event.NotebookID = "nb"
	}
	e.client.handlePush(context.Background(), event)
}

func (e *testEnv) cell(t *testing.T, id schema.CellID) schema.CellSnapshot {
	t.Helper()
	for _, cell := range e.client.Snapshot().Cells {
		if cell.Cell.ID == id {
			return cell
		}
	}
	t.Fatalf("cell %s not found", id)
	return schema.CellSnapshot{}
}

func outputMsg(index int, text string) ExecMessage {
	return ExecMessage{
		Kind:   ExecOutput,
		Index:  index,
		Output: schema.OutputPayload{Type: schema.OutputStream, Name: "stdout", Text: text},
	}
}

func replyMsg(count int, status ExecStatus) ExecMessage {
	return ExecMessage{Kind: ExecReply, ExecutionCount: count, Status: status}
}
