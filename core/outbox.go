package core

import (
	"context"

	"pkt.systems/nbsync/schema"
)

// outbox collects the side effects of a locked section. They are flushed
// after the client mutex is released so sinks and remotes never run under it.
type outbox struct {
	cells   []schema.CellEvent
	kernels []schema.KernelEvent
	outputs []schema.OutputEvent
	notes   []schema.Notification
	starts  []execStart
	publish []schema.KernelOutput
	archive []schema.KernelOutput
	persist bool
	purge   bool
}

func (o *outbox) cell(event schema.CellEvent) {
	o.cells = append(o.cells, event)
}

func (o *outbox) kernel(event schema.KernelEvent) {
	o.kernels = append(o.kernels, event)
}

func (o *outbox) output(event schema.OutputEvent) {
	o.outputs = append(o.outputs, event)
}

func (o *outbox) notify(notebookID schema.NotebookID, severity schema.Severity, message string) {
	o.notes = append(o.notes, schema.Notification{NotebookID: notebookID, Severity: severity, Message: message})
}

// flush emits collected events and starts the work queued under the lock.
func (c *client) flush(ctx context.Context, out *outbox, notebookID schema.NotebookID) {
	if out == nil {
		return
	}
	if c.sink != nil {
		for _, event := range out.cells {
			c.sink.OnCellEvent(event)
		}
		for _, event := range out.kernels {
			c.sink.OnKernelEvent(event)
		}
		for _, event := range out.outputs {
			c.sink.OnOutputEvent(event)
		}
		for _, event := range out.notes {
			c.sink.OnNotification(event)
		}
	}
	for _, start := range out.starts {
		go c.runExecution(start)
	}
	if out.purge && c.archive != nil && notebookID != "" {
		if err := c.archive.Purge(ctx, notebookID); err != nil {
			c.logger.Warn("client output archive purge failed", "notebook", notebookID, "err", err)
		}
	}
	if len(out.archive) > 0 && c.archive != nil && notebookID != "" {
		if err := c.archive.Append(ctx, notebookID, out.archive); err != nil {
			c.logger.Warn("client output archive failed", "notebook", notebookID, "outputs", len(out.archive), "err", err)
		}
	}
	if len(out.publish) > 0 && notebookID != "" && !c.cfg.DisableOutputBroadcast {
		req := schema.PublishOutputsRequest{NotebookID: notebookID, Outputs: out.publish}
		if err := c.notebooks.PublishOutputs(ctx, req); err != nil {
			c.logger.Warn("client output publish failed", "notebook", notebookID, "outputs", len(out.publish), "err", err)
		}
	}
	if out.persist {
		c.persistNotebook(notebookID)
	}
}
