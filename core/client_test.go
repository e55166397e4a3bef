package core

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"pkt.systems/nbsync/schema"
)

func TestEndToEndRunPublishesRunIndexAndOutputs(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	env.connect(t)
	ctx := context.Background()

	if err := env.client.Enqueue(ctx, "c1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	exec := env.kernel.nextExec(t)
	if exec.code != "print(1)" {
		t.Fatalf("unexpected code %q", exec.code)
	}
	if got := env.client.Kernel(); got.Status != schema.KernelBusy || got.RunningCell != "c1" {
		t.Fatalf("expected busy on c1, got %+v", got)
	}
	exec.finish(
		outputMsg(1, "second"),
		ExecMessage{Kind: ExecInput, ExecutionCount: 5},
		outputMsg(0, "first"),
		replyMsg(5, ExecStatusOK),
	)
	waitFor(t, "run to finish", func() bool { return len(env.client.KernelLog()) == 1 })

	kernel := env.client.Kernel()
	if kernel.Status != schema.KernelIdle || kernel.RunningCell != "" || kernel.ExecutionCount != 5 {
		t.Fatalf("unexpected kernel after run: %+v", kernel)
	}
	if cell := env.cell(t, "c1"); cell.Cell.RunIndex != 5 {
		t.Fatalf("expected run index 5, got %d", cell.Cell.RunIndex)
	}
	run, payloads, err := env.client.DisplayedOutputs("c1")
	if err != nil {
		t.Fatalf("displayed outputs: %v", err)
	}
	if run != 5 || !slices.Equal(bucketTexts(payloads), []string{"first", "second"}) {
		t.Fatalf("unexpected outputs run=%d %v", run, bucketTexts(payloads))
	}
	entry := env.client.KernelLog()[0]
	if entry.CellID != "c1" || entry.RunIndex != 5 || entry.Result != schema.LogSuccess {
		t.Fatalf("unexpected log entry: %+v", entry)
	}
	published := env.notebooks.publishedOutputs()
	if len(published) != 2 {
		t.Fatalf("expected two published outputs, got %d", len(published))
	}
	for _, out := range published {
		if out.UserID != "alice" || out.RunIndex != 5 || out.CellID != "c1" {
			t.Fatalf("unexpected published output: %+v", out)
		}
	}
}

func TestOnlyOneCellRunsAtATime(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	env.connect(t)
	ctx := context.Background()

	if err := env.client.Enqueue(ctx, "c1", "c2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first := env.kernel.nextExec(t)
	env.kernel.expectNoExec(t)
	if got := env.client.Kernel().Queue; !slices.Equal(got, []schema.CellID{"c2"}) {
		t.Fatalf("expected c2 queued, got %v", got)
	}
	first.finish(ExecMessage{Kind: ExecInput, ExecutionCount: 1}, replyMsg(1, ExecStatusOK))
	second := env.kernel.nextExec(t)
	if second.code != "print(2)" {
		t.Fatalf("expected c2 to run next, got %q", second.code)
	}
	second.finish(ExecMessage{Kind: ExecInput, ExecutionCount: 2}, replyMsg(2, ExecStatusOK))
	waitFor(t, "second run", func() bool { return len(env.client.KernelLog()) == 2 })
}

func TestFailedRunClearsQueue(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	env.connect(t)

	if err := env.client.Enqueue(context.Background(), "c1", "c2", "c3"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	exec := env.kernel.nextExec(t)
	exec.finish(
		ExecMessage{Kind: ExecInput, ExecutionCount: 1},
		ExecMessage{Kind: ExecReply, ExecutionCount: 1, Status: ExecStatusError, ErrorName: "NameError", ErrorValue: "x is not defined"},
	)
	waitFor(t, "failed run", func() bool { return len(env.client.KernelLog()) == 1 })
	env.kernel.expectNoExec(t)

	kernel := env.client.Kernel()
	if len(kernel.Queue) != 0 || kernel.Status != schema.KernelIdle {
		t.Fatalf("expected empty queue and idle kernel, got %+v", kernel)
	}
	entry := env.client.KernelLog()[0]
	if entry.Result != schema.LogError || entry.Message != "NameError: x is not defined" {
		t.Fatalf("unexpected log entry: %+v", entry)
	}
}

func TestEnqueueWhileOfflineKeepsOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	ctx := context.Background()

	if err := env.client.Enqueue(ctx, "c1", "c2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := env.client.Enqueue(ctx, "c2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := env.client.Kernel().Queue; !slices.Equal(got, []schema.CellID{"c1", "c2"}) {
		t.Fatalf("expected tail re-enqueue to be a no-op, got %v", got)
	}
	if err := env.client.Enqueue(ctx, "c1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := env.client.Kernel().Queue; !slices.Equal(got, []schema.CellID{"c2", "c1"}) {
		t.Fatalf("expected c1 moved to tail, got %v", got)
	}
	if err := env.client.Enqueue(ctx, "missing"); !errors.Is(err, schema.ErrCellNotFound) {
		t.Fatalf("expected ErrCellNotFound, got %v", err)
	}
}

func TestQueuedCellsStartOnConnect(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	if err := env.client.Enqueue(context.Background(), "c1", "m1", "c2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	env.connect(t)
	exec := env.kernel.nextExec(t)
	if exec.code != "print(1)" {
		t.Fatalf("expected c1 first, got %q", exec.code)
	}
	exec.finish(ExecMessage{Kind: ExecInput, ExecutionCount: 1}, replyMsg(1, ExecStatusOK))
	next := env.kernel.nextExec(t)
	if next.code != "print(2)" {
		t.Fatalf("expected markdown cell skipped, got %q", next.code)
	}
}

func TestMarkdownEditDequeuesCell(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	ctx := context.Background()
	env.push(schema.PushEvent{Type: schema.PushCellLocked, Origin: "alice", CellID: "c2"})
	if err := env.client.Enqueue(ctx, "c1", "c2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	md := schema.LanguageMarkdown
	if err := env.client.EditCell(ctx, "c2", schema.CellChange{Language: &md}); err != nil {
		t.Fatalf("edit cell: %v", err)
	}
	if got := env.client.Kernel().Queue; !slices.Equal(got, []schema.CellID{"c1"}) {
		t.Fatalf("expected c2 removed from queue, got %v", got)
	}
}

func TestSelfEchoDoesNotClobberLocalEdit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	ctx := context.Background()
	env.push(schema.PushEvent{Type: schema.PushCellLocked, Origin: "alice", CellID: "c1"})

	contents := "print(123)"
	if err := env.client.EditCell(ctx, "c1", schema.CellChange{Contents: &contents}); err != nil {
		t.Fatalf("edit cell: %v", err)
	}
	if cell := env.cell(t, "c1"); !cell.Meta.Editing {
		t.Fatalf("expected editing flag while unconfirmed")
	}
	echo := pyCell("c1", "print(12", 7)
	env.push(schema.PushEvent{Type: schema.PushCellEdited, Origin: "alice", Cell: &echo})

	cell := env.cell(t, "c1")
	if cell.Cell.Contents != "print(123)" || cell.Cell.TimeModified != 7 || cell.Meta.Editing {
		t.Fatalf("unexpected cell after echo: %+v", cell)
	}
	if len(env.notebooks.edits) != 1 || *env.notebooks.edits[0].Contents != "print(123)" {
		t.Fatalf("expected edit sent, got %+v", env.notebooks.edits)
	}
}

func TestForeignEditsApplyByTimestamp(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)

	newer := pyCell("c1", "from bob", 10)
	env.push(schema.PushEvent{Type: schema.PushCellEdited, Origin: "bob", Cell: &newer})
	older := pyCell("c1", "stale", 4)
	env.push(schema.PushEvent{Type: schema.PushCellEdited, Origin: "carol", Cell: &older})

	cell := env.cell(t, "c1")
	if cell.Cell.Contents != "from bob" || cell.Cell.TimeModified != 10 {
		t.Fatalf("unexpected cell: %+v", cell.Cell)
	}
}

func TestEditRequiresLock(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	contents := "x"
	err := env.client.EditCell(context.Background(), "c1", schema.CellChange{Contents: &contents})
	if !errors.Is(err, schema.ErrNotLockHolder) {
		t.Fatalf("expected ErrNotLockHolder, got %v", err)
	}
}

func TestAddCellConfirmationReplacesPendingHandle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	ref, err := env.client.AddCell(context.Background(), schema.LanguagePython, 1)
	if err != nil {
		t.Fatalf("add cell: %v", err)
	}
	handle, ok := ref.Handle()
	if !ok || !strings.HasPrefix(string(handle), "pending-") {
		t.Fatalf("expected pending handle, got %v", ref)
	}
	if len(env.notebooks.creates) != 1 || env.notebooks.creates[0].Handle != handle {
		t.Fatalf("expected create request with handle, got %+v", env.notebooks.creates)
	}
	if pending := env.sink.cellEvents(schema.CellEventPending); len(pending) != 1 {
		t.Fatalf("expected pending event, got %d", len(pending))
	}

	created := pyCell("c9", "", 3)
	env.push(schema.PushEvent{Type: schema.PushCellCreated, Origin: "alice", Cell: &created, Index: 1, Handle: handle})

	snapshot := env.client.Snapshot()
	if got := snapshot.Notebook.CellOrder; len(got) != 5 || got[1] != "c9" {
		t.Fatalf("expected c9 at index 1, got %v", got)
	}
	for _, cell := range snapshot.Cells {
		if cell.Pending {
			t.Fatalf("expected no pending cells, got %+v", cell)
		}
	}
	events := env.sink.cellEvents(schema.CellEventCreated)
	if len(events) != 1 || events[0].Handle != handle || events[0].Cell.ID != "c9" {
		t.Fatalf("unexpected created events: %+v", events)
	}
}

func TestAddCellFailureDropsPending(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	env.notebooks.createErr = NewRemoteError(RemoteErrorUnavailable, "create_cell", errors.New("dial tcp: refused"))
	ref, err := env.client.AddCell(context.Background(), schema.LanguageMarkdown, schema.InsertAtEnd)
	if err == nil {
		t.Fatalf("expected add cell error")
	}
	handle, _ := ref.Handle()
	deleted := env.sink.cellEvents(schema.CellEventDeleted)
	if len(deleted) != 1 || deleted[0].Handle != handle {
		t.Fatalf("expected pending cell dropped, got %+v", deleted)
	}
	notes := env.sink.notifications(schema.SeverityError)
	if len(notes) != 1 || !strings.Contains(notes[0].Message, "server unreachable") {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
}

func TestReadOnlyUserCannotMutate(t *testing.T) {
	env := newTestEnv(t, func(cfg *schema.ClientConfig) { cfg.UserID = "rita" })
	env.open(t)
	ctx := context.Background()
	if _, err := env.client.AddCell(ctx, schema.LanguagePython, 0); !errors.Is(err, schema.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly for add, got %v", err)
	}
	if err := env.client.LockCell(ctx, "c1"); !errors.Is(err, schema.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly for lock, got %v", err)
	}
	if err := env.client.DeleteCell(ctx, "c1"); !errors.Is(err, schema.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly for delete, got %v", err)
	}
	if err := env.client.Enqueue(ctx, "c1"); err != nil {
		t.Fatalf("expected read-only user to queue runs, got %v", err)
	}
}

func TestLockFlowAndExclusivity(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	ctx := context.Background()

	if err := env.client.LockCell(ctx, "c1"); err != nil {
		t.Fatalf("lock cell: %v", err)
	}
	if cell := env.cell(t, "c1"); cell.Cell.LockHeldBy != "" || !cell.Meta.Locking {
		t.Fatalf("expected lock pending, got %+v", cell)
	}
	env.push(schema.PushEvent{Type: schema.PushCellLocked, Origin: "alice", CellID: "c1"})
	if cell := env.cell(t, "c1"); cell.Cell.LockHeldBy != "alice" || cell.Meta.Locking {
		t.Fatalf("expected alice to hold c1, got %+v", cell)
	}
	if env.client.Snapshot().ActiveCell != "c1" {
		t.Fatalf("expected locked cell to be active")
	}
	if err := env.client.LockCell(ctx, "c2"); !errors.Is(err, schema.ErrLockAlreadyHeld) {
		t.Fatalf("expected ErrLockAlreadyHeld, got %v", err)
	}
	if err := env.client.UnlockCell(ctx, "c1"); err != nil {
		t.Fatalf("unlock cell: %v", err)
	}
	env.push(schema.PushEvent{Type: schema.PushCellUnlocked, Origin: "alice", CellID: "c1"})
	if cell := env.cell(t, "c1"); cell.Cell.LockHeldBy != "" || cell.Meta.Unlocking {
		t.Fatalf("expected c1 released, got %+v", cell)
	}
	if err := env.client.LockCell(ctx, "c2"); err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
}

func TestRejectedLockNotifiesAndClears(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	ctx := context.Background()
	if err := env.client.LockCell(ctx, "c1"); err != nil {
		t.Fatalf("lock cell: %v", err)
	}
	env.push(schema.PushEvent{Type: schema.PushRejected, Origin: "alice", Request: "lock_cell", CellID: "c1", Message: "cell is locked by bob"})

	if cell := env.cell(t, "c1"); cell.Meta.Locking {
		t.Fatalf("expected locking flag cleared")
	}
	notes := env.sink.notifications(schema.SeverityError)
	if len(notes) != 1 || notes[0].Message != "Could not lock cell: cell is locked by bob" {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
	if err := env.client.LockCell(ctx, "c2"); err != nil {
		t.Fatalf("expected new lock request after rejection, got %v", err)
	}
}

func TestUserLeftReleasesTheirLocks(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	env.push(schema.PushEvent{Type: schema.PushCellLocked, Origin: "bob", CellID: "c1"})
	env.push(schema.PushEvent{Type: schema.PushCellLocked, Origin: "bob", CellID: "c2"})
	env.push(schema.PushEvent{Type: schema.PushUserLeft, Origin: "bob"})

	for _, id := range []schema.CellID{"c1", "c2"} {
		if cell := env.cell(t, id); cell.Cell.LockHeldBy != "" {
			t.Fatalf("expected %s released, got %q", id, cell.Cell.LockHeldBy)
		}
	}
	notes := env.sink.notifications(schema.SeverityInfo)
	if len(notes) != 1 || notes[0].Message != "Bob left the notebook" {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
}

func TestCellDeletedLeavesQueue(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	if err := env.client.Enqueue(context.Background(), "c1", "c2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	env.push(schema.PushEvent{Type: schema.PushCellDeleted, Origin: "bob", CellID: "c2"})
	if got := env.client.Kernel().Queue; !slices.Equal(got, []schema.CellID{"c1"}) {
		t.Fatalf("expected c2 dropped from queue, got %v", got)
	}
	if got := env.client.Snapshot().Notebook.CellOrder; slices.Contains(got, "c2") {
		t.Fatalf("expected c2 removed, got %v", got)
	}
}

func TestRemoteOutputsAreAggregatedNotPublished(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	env.push(schema.PushEvent{
		Type:   schema.PushOutputs,
		Origin: "bob",
		Outputs: []schema.KernelOutput{
			streamOutput("c1", "bob", 4, 2, "c"),
			streamOutput("c1", "bob", 4, 0, "a"),
			streamOutput("c1", "bob", 4, 1, "b"),
			streamOutput("c1", "alice", 9, 0, "echo"),
		},
	})
	if got := bucketTexts(env.client.Outputs("c1", "bob", 4)); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected bob outputs: %v", got)
	}
	if env.client.Outputs("c1", "alice", 9) != nil {
		t.Fatalf("expected own echo ignored")
	}
	if len(env.notebooks.publishedOutputs()) != 0 {
		t.Fatalf("expected remote outputs not republished")
	}
	if events := env.sink.outputEvents(); len(events) != 1 || len(events[0].Outputs) != 3 {
		t.Fatalf("unexpected output events: %+v", events)
	}

	env.client.SelectViewedUser(context.Background(), "bob")
	run, payloads, err := env.client.DisplayedOutputs("c1")
	if err != nil || run != 4 || len(payloads) != 3 {
		t.Fatalf("expected bob run 4 displayed, got run=%d n=%d err=%v", run, len(payloads), err)
	}
	if env.client.Kernel().Status != schema.KernelOffline {
		t.Fatalf("expected viewing another user to leave the kernel alone")
	}
}

func TestKernelReconnectNotifications(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	env.connect(t)

	env.kernel.status <- schema.ReportUnknown
	env.waitStatus(t, schema.KernelReconnecting)
	warnings := env.sink.notifications(schema.SeverityWarning)
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %+v", warnings)
	}

	if err := env.client.Enqueue(context.Background(), "c1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	env.kernel.expectNoExec(t)

	env.kernel.status <- schema.ReportIdle
	exec := env.kernel.nextExec(t)
	if exec.code != "print(1)" {
		t.Fatalf("expected queued cell to start after reconnect, got %q", exec.code)
	}
	found := false
	for _, note := range env.sink.notifications(schema.SeveritySuccess) {
		if note.Message == "Kernel reconnected" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected reconnect notification")
	}
}

func TestReconnectedBusyKernelSettlesOnIdle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	env.connect(t)

	env.kernel.status <- schema.ReportUnknown
	env.waitStatus(t, schema.KernelReconnecting)
	env.kernel.status <- schema.ReportBusy
	env.waitStatus(t, schema.KernelBusy)

	if err := env.client.Enqueue(context.Background(), "c1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	env.kernel.expectNoExec(t)

	env.kernel.status <- schema.ReportIdle
	exec := env.kernel.nextExec(t)
	if exec.code != "print(1)" {
		t.Fatalf("expected queued cell to start once the kernel went idle, got %q", exec.code)
	}
	if kernel := env.client.Kernel(); kernel.RunningCell != "c1" || kernel.Status != schema.KernelBusy {
		t.Fatalf("unexpected kernel snapshot %+v", kernel)
	}
}

func TestKernelDeathFailsRunningCell(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	env.connect(t)
	if err := env.client.Enqueue(context.Background(), "c1", "c2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	env.kernel.nextExec(t)

	env.kernel.status <- schema.ReportDead
	env.waitStatus(t, schema.KernelOffline)

	kernel := env.client.Kernel()
	if kernel.RunningCell != "" || len(kernel.Queue) != 0 {
		t.Fatalf("expected run and queue cleared, got %+v", kernel)
	}
	log := env.client.KernelLog()
	if len(log) != 1 || log[0].CellID != "c1" || log[0].Result != schema.LogError {
		t.Fatalf("unexpected kernel log: %+v", log)
	}
	if notes := env.sink.notifications(schema.SeverityError); len(notes) != 1 {
		t.Fatalf("expected one error notification, got %+v", notes)
	}
	waitFor(t, "kernel close", func() bool {
		env.kernel.mu.Lock()
		defer env.kernel.mu.Unlock()
		return env.kernel.closed == 1
	})
}

func TestDisconnectFailsRunAndShutsDownKernel(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	env.connect(t)
	if err := env.client.Enqueue(context.Background(), "c1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	env.kernel.nextExec(t)
	if err := env.client.DisconnectKernel(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if status := env.client.Kernel().Status; status != schema.KernelOffline {
		t.Fatalf("expected offline, got %s", status)
	}
	log := env.client.KernelLog()
	if len(log) != 1 || log[0].Message != "kernel disconnected" {
		t.Fatalf("unexpected kernel log: %+v", log)
	}
	if _, _, _, shutdowns := env.kernel.counts(); shutdowns != 1 {
		t.Fatalf("expected kernel shutdown, got %d", shutdowns)
	}
}

func TestInterruptRequiresRunningCell(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	env.connect(t)
	ctx := context.Background()
	if err := env.client.InterruptKernel(ctx); !errors.Is(err, schema.ErrNothingRunning) {
		t.Fatalf("expected ErrNothingRunning, got %v", err)
	}
	if err := env.client.Enqueue(ctx, "c1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	env.kernel.nextExec(t)
	if err := env.client.InterruptKernel(ctx); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	waitFor(t, "interrupt", func() bool {
		_, interrupts, _, _ := env.kernel.counts()
		return interrupts == 1
	})
	if env.client.Kernel().RunningCell != "c1" {
		t.Fatalf("expected interrupt to leave run state alone")
	}
}

func TestRestartResetsRunIndicesAndOutputs(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	env.connect(t)
	ctx := context.Background()
	if err := env.client.Enqueue(ctx, "c1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	exec := env.kernel.nextExec(t)
	exec.finish(ExecMessage{Kind: ExecInput, ExecutionCount: 3}, outputMsg(0, "hi"), replyMsg(3, ExecStatusOK))
	waitFor(t, "run", func() bool { return len(env.client.KernelLog()) == 1 })

	if err := env.client.RestartKernel(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	kernel := env.client.Kernel()
	if kernel.Status != schema.KernelIdle || kernel.ExecutionCount != 0 {
		t.Fatalf("unexpected kernel after restart: %+v", kernel)
	}
	if cell := env.cell(t, "c1"); cell.Cell.RunIndex != schema.NeverRun {
		t.Fatalf("expected run index reset, got %d", cell.Cell.RunIndex)
	}
	if env.client.Outputs("c1", "alice", 3) != nil {
		t.Fatalf("expected outputs dropped")
	}
	waitFor(t, "restart", func() bool {
		_, _, restarts, _ := env.kernel.counts()
		return restarts == 1
	})
}

func TestConnectGuards(t *testing.T) {
	env := newTestEnv(t, func(cfg *schema.ClientConfig) { cfg.GatewayURI = "" })
	env.open(t)
	ctx := context.Background()
	if err := env.client.ConnectKernel(ctx); !errors.Is(err, schema.ErrGatewayMissing) {
		t.Fatalf("expected ErrGatewayMissing, got %v", err)
	}
	env.client.BeginGatewayEdit(ctx)
	if err := env.client.ConnectKernel(ctx); !errors.Is(err, schema.ErrGatewayEditing) {
		t.Fatalf("expected ErrGatewayEditing, got %v", err)
	}
	env.client.EndGatewayEdit(ctx, " http://gw:8888 ", "")
	env.connect(t)
	if err := env.client.ConnectKernel(ctx); !errors.Is(err, schema.ErrKernelConnected) {
		t.Fatalf("expected ErrKernelConnected, got %v", err)
	}
	if req := env.connector.reqs[0]; req.GatewayURI != "http://gw:8888" || req.KernelName != schema.DefaultKernelName {
		t.Fatalf("unexpected connect request: %+v", req)
	}
}

func TestUserConnectFailureNotifies(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	env.connector.err = NewRemoteError(RemoteErrorUnauthorized, "start kernel", errors.New("403"))
	if err := env.client.ConnectKernel(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "error notification", func() bool { return len(env.sink.notifications(schema.SeverityError)) == 1 })
	note := env.sink.notifications(schema.SeverityError)[0]
	if note.Message != "Could not connect to kernel: access denied, check the token" {
		t.Fatalf("unexpected message %q", note.Message)
	}
	if status := env.client.Kernel().Status; status != schema.KernelOffline {
		t.Fatalf("expected offline, got %s", status)
	}
}

func TestAutoConnectRetriesWithoutStacking(t *testing.T) {
	timers := installFakeTimers(t)
	env := newTestEnv(t, func(cfg *schema.ClientConfig) { cfg.AutoConnect = true })
	env.connector.err = NewRemoteError(RemoteErrorUnavailable, "start kernel", errors.New("refused"))
	ctx := context.Background()
	if err := env.client.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if d := timers.fire(t); d != schema.DefaultInitialConnectDelay {
		t.Fatalf("expected initial delay, got %v", d)
	}
	waitFor(t, "first retry", func() bool {
		active := timers.active()
		return len(active) == 1 && active[0].delay == schema.DefaultRetryDelay
	})
	if d := timers.fire(t); d != schema.DefaultRetryDelay {
		t.Fatalf("expected retry delay, got %v", d)
	}
	waitFor(t, "second retry", func() bool { return len(timers.active()) == 1 && env.connector.callCount() == 2 })
	if notes := env.sink.notifications(schema.SeverityError); len(notes) != 0 {
		t.Fatalf("expected background failures to stay quiet, got %+v", notes)
	}

	if err := env.client.ConnectKernel(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "user attempt", func() bool { return env.connector.callCount() == 3 && len(timers.active()) == 1 })
	if notes := env.sink.notifications(schema.SeverityError); len(notes) != 1 {
		t.Fatalf("expected user failure notified once, got %+v", notes)
	}

	env.client.BeginGatewayEdit(ctx)
	if n := len(timers.active()); n != 0 {
		t.Fatalf("expected retry stopped during gateway edit, got %d", n)
	}
	env.client.EndGatewayEdit(ctx, "http://gateway:8888", "")
	if active := timers.active(); len(active) != 1 || active[0].delay != schema.DefaultInitialConnectDelay {
		t.Fatalf("expected initial attempt after edit, got %d timers", len(active))
	}
	env.client.SetAutoConnect(ctx, false)
	if n := len(timers.active()); n != 0 {
		t.Fatalf("expected retry stopped when auto-connect disabled, got %d", n)
	}
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	ctx := context.Background()
	if err := env.client.SelectCell(ctx, "c2"); err != nil {
		t.Fatalf("select cell: %v", err)
	}
	env.client.SelectViewedUser(ctx, "bob")
	if err := env.client.LeaveNotebook(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if len(env.notebooks.left) != 1 {
		t.Fatalf("expected leave request sent")
	}
	snapshot, err := env.client.OpenNotebook(ctx, "nb")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if snapshot.ActiveCell != "c2" || snapshot.ViewedUser != "bob" {
		t.Fatalf("expected restored selection, got active=%q viewed=%q", snapshot.ActiveCell, snapshot.ViewedUser)
	}
}

func TestLeaveReleasesOwnLocks(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	env.push(schema.PushEvent{Type: schema.PushCellLocked, Origin: "alice", CellID: "c1"})
	if err := env.client.LeaveNotebook(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	unlocked := env.sink.cellEvents(schema.CellEventUnlocked)
	if len(unlocked) != 1 || unlocked[0].Cell.ID != "c1" {
		t.Fatalf("expected local release of c1, got %+v", unlocked)
	}
	if err := env.client.LockCell(context.Background(), "c1"); !errors.Is(err, schema.ErrNotebookNotOpen) {
		t.Fatalf("expected ErrNotebookNotOpen, got %v", err)
	}
}

func TestPushForOtherNotebookIgnored(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	cell := pyCell("c1", "elsewhere", 99)
	env.push(schema.PushEvent{Type: schema.PushCellEdited, NotebookID: "other", Origin: "bob", Cell: &cell})
	if got := env.cell(t, "c1"); got.Cell.Contents != "print(1)" {
		t.Fatalf("expected other notebook ignored, got %q", got.Cell.Contents)
	}
}
