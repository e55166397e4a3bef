package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pkt.systems/nbsync/core"
	"pkt.systems/nbsync/internal/appconfig"
	"pkt.systems/nbsync/internal/eventbus"
	"pkt.systems/nbsync/internal/format"
	"pkt.systems/nbsync/schema"
	"pkt.systems/pslog"
)

var errRunFailed = errors.New("run failed")

func newRunCmd() *cobra.Command {
	var notebook string
	var cells []string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run notebook cells on the kernel and print their outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(notebook) == "" {
				return errors.New("--notebook is required")
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			session, err := startSession(ctx, cmd, func(cfg *appconfig.Config) {
				cfg.Kernel.AutoConnect = false
			})
			if err != nil {
				return err
			}
			defer stopSession(session)
			events, unsubscribe := session.Events().Subscribe(schema.NotebookID(notebook))
			defer unsubscribe()
			return runCells(ctx, session.Client(), events, schema.NotebookID(notebook), toCellIDs(cells), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&notebook, "notebook", "n", "", "notebook id")
	cmd.Flags().StringSliceVar(&cells, "cell", nil, "cell id to run (repeatable; default: every code cell in order)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	return cmd
}

func toCellIDs(raw []string) []schema.CellID {
	ids := make([]schema.CellID, 0, len(raw))
	for _, id := range raw {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, schema.CellID(id))
		}
	}
	return ids
}

// executableCells returns the code cells of a snapshot in notebook order.
func executableCells(snapshot schema.NotebookSnapshot) []schema.CellID {
	var ids []schema.CellID
	for _, cell := range snapshot.Cells {
		if cell.Pending || !cell.Cell.Language.Executable() {
			continue
		}
		ids = append(ids, cell.Cell.ID)
	}
	return ids
}

// runProgress inspects the kernel log entries written since the runs were
// queued. The runs are over once every cell was logged, a run failed, or
// the kernel went idle with nothing left to run. Cells dropped from the
// queue as markdown or blank leave no entry, so a drained kernel ends the
// wait even when nothing was logged.
func runProgress(entries []schema.KernelLogEntry, expected int, kernel schema.KernelSnapshot) (bool, []schema.KernelLogEntry) {
	var failed []schema.KernelLogEntry
	for _, entry := range entries {
		if entry.Result == schema.LogError {
			failed = append(failed, entry)
		}
	}
	if len(failed) > 0 || len(entries) >= expected {
		return true, failed
	}
	drained := kernel.Status == schema.KernelIdle && kernel.RunningCell == "" && len(kernel.Queue) == 0
	return drained, failed
}

func runCells(ctx context.Context, client core.Client, events <-chan eventbus.Event, notebook schema.NotebookID, cells []schema.CellID, out io.Writer) error {
	logger := pslog.Ctx(ctx).With("notebook", notebook)
	snapshot, err := client.OpenNotebook(ctx, notebook)
	if err != nil {
		return err
	}
	if len(cells) == 0 {
		cells = executableCells(snapshot)
	}
	if len(cells) == 0 {
		_, err := fmt.Fprintln(out, "nothing to run")
		return err
	}
	baseline := len(client.KernelLog())
	if err := client.Enqueue(ctx, cells...); err != nil {
		return err
	}
	if err := client.ConnectKernel(ctx); err != nil && !errors.Is(err, schema.ErrKernelConnected) {
		return err
	}
	logger.Info("nbsync run queued", "cells", len(cells))

	finished := make(chan schema.KernelLogEntry, len(cells))
	g, gctx := errgroup.WithContext(ctx)
	var failed []schema.KernelLogEntry
	g.Go(func() error {
		defer close(finished)
		seen := 0
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ev, ok := <-events:
				if !ok {
					return errors.New("event stream closed")
				}
				if ev.Type == eventbus.EventNotification && ev.Notification.Severity == schema.SeverityError &&
					client.Kernel().Status == schema.KernelOffline {
					return errors.New(ev.Notification.Message)
				}
				if ev.Type != eventbus.EventKernel {
					continue
				}
				entries := client.KernelLog()
				if len(entries) < baseline {
					baseline, seen = 0, 0
				}
				entries = entries[baseline:]
				for ; seen < len(entries); seen++ {
					select {
					case finished <- entries[seen]:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
				done, bad := runProgress(entries, len(cells), client.Kernel())
				if done {
					failed = bad
					return nil
				}
			}
		}
	})
	g.Go(func() error {
		return printRuns(gctx, client, finished, out)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: cell %s: %s", errRunFailed, failed[0].CellID, failed[0].Message)
	}
	return nil
}

// printRuns prints the outputs of each run as it finishes, until finished
// is closed.
func printRuns(ctx context.Context, client core.Client, finished <-chan schema.KernelLogEntry, out io.Writer) error {
	renderer := format.NewPlainRenderer()
	for {
		var entry schema.KernelLogEntry
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next, ok := <-finished:
			if !ok {
				return nil
			}
			entry = next
		}
		lines := []string{fmt.Sprintf("--- %s [%d]", entry.CellID, entry.RunIndex)}
		if run, payloads, err := client.DisplayedOutputs(entry.CellID); err == nil && run == entry.RunIndex && run != schema.NeverRun {
			for _, payload := range payloads {
				lines = append(lines, renderer.FormatOutput(payload)...)
			}
		}
		if entry.Result == schema.LogError {
			lines = append(lines, format.NotificationMarker+entry.Message)
		}
		for _, line := range lines {
			if _, err := fmt.Fprintln(out, line); err != nil {
				return err
			}
		}
	}
}
