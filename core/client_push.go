package core

import (
	"context"
	"errors"
	"io"

	"pkt.systems/nbsync/internal/logx"
	"pkt.systems/nbsync/schema"
)

func (c *client) consumePush(ctx context.Context, stream PushStream) {
	if stream == nil {
		return
	}
	log := logx.WithUser(ctx, c.self)
	defer func() {
		if err := stream.Close(); err != nil {
			log.Debug("client push stream close failed", "err", err)
		}
	}()
	log.Debug("client push stream start")
	count := 0
	for {
		event, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				log.Debug("client push stream end", "events", count)
				return
			}
			log.Warn("client push stream error", "err", err)
			c.notifyFailure(c.currentNotebook(), "Lost connection to the notebook service", err)
			return
		}
		count++
		c.handlePush(ctx, event)
	}
}

func (c *client) currentNotebook() schema.NotebookID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notebookID
}

// handlePush applies one event from the notebook service.
func (c *client) handlePush(ctx context.Context, event schema.PushEvent) {
	var out outbox
	c.mu.Lock()
	nb := c.notebookID
	if nb == "" || event.NotebookID != nb {
		c.mu.Unlock()
		c.logger.Trace("client push ignored", "type", event.Type, "notebook", event.NotebookID)
		return
	}
	log := logx.WithCell(c.logger.With("notebook", nb), event.TargetCell())
	isSelf := event.Origin == c.self

	switch event.Type {
	case schema.PushCellCreated:
		if event.Cell == nil || event.Cell.ID == "" {
			log.Warn("client push malformed", "type", event.Type)
			break
		}
		c.cells.ConfirmCreated(event.Handle, *event.Cell, event.Index)
		cell, _ := c.cells.Cell(event.Cell.ID)
		out.cell(schema.CellEvent{NotebookID: nb, Type: schema.CellEventCreated, Cell: cell, Handle: event.Handle})
		log.Debug("client cell created", "handle", event.Handle, "index", event.Index, "self", isSelf)

	case schema.PushCellLocked:
		id := event.TargetCell()
		cell, ok := c.locks.OnLockConfirmed(id, event.Origin)
		if !ok {
			log.Debug("client lock for unknown cell")
			break
		}
		meta, _ := c.cells.Meta(id)
		out.cell(schema.CellEvent{NotebookID: nb, Type: schema.CellEventLocked, Cell: cell, Meta: meta})
		if isSelf {
			out.cell(schema.CellEvent{NotebookID: nb, Type: schema.CellEventSelected, Cell: cell, Meta: meta})
			out.persist = true
		}
		log.Debug("client cell locked", "holder", event.Origin)

	case schema.PushCellUnlocked:
		id := event.TargetCell()
		cell, ok := c.locks.OnUnlockConfirmed(id, event.Origin)
		if ok {
			meta, _ := c.cells.Meta(id)
			out.cell(schema.CellEvent{NotebookID: nb, Type: schema.CellEventUnlocked, Cell: cell, Meta: meta})
		} else if isSelf {
			c.cellUpdatedLocked(&out, id)
		}
		log.Debug("client cell unlocked", "holder", event.Origin, "applied", ok)

	case schema.PushCellEdited:
		if event.Cell == nil {
			log.Warn("client push malformed", "type", event.Type)
			break
		}
		cell, changed, dequeued := c.cells.ApplyRemoteConfirmation(*event.Cell, isSelf)
		if changed {
			meta, _ := c.cells.Meta(cell.ID)
			out.cell(schema.CellEvent{NotebookID: nb, Type: schema.CellEventUpdated, Cell: cell, Meta: meta})
		}
		if dequeued {
			out.kernel(c.kernelEventLocked())
		}
		log.Trace("client cell edit confirmed", "self", isSelf, "applied", changed, "time_modified", event.Cell.TimeModified)

	case schema.PushCellDeleted:
		id := event.TargetCell()
		cell, ok := c.cells.Remove(id)
		if !ok {
			break
		}
		c.outputs.RemoveCell(id)
		if c.locks.Active() == id {
			c.locks.Reset()
		}
		if c.queue.Remove(id) {
			out.kernel(c.kernelEventLocked())
		}
		out.cell(schema.CellEvent{NotebookID: nb, Type: schema.CellEventDeleted, Cell: cell})
		log.Debug("client cell deleted", "self", isSelf)

	case schema.PushOutputs:
		var remote []schema.KernelOutput
		for _, output := range event.Outputs {
			if output.UserID == "" {
				output.UserID = event.Origin
			}
			if output.UserID == c.self || output.UserID == "" {
				continue
			}
			remote = append(remote, output)
		}
		for _, key := range c.outputs.ReceiveBatch(remote) {
			out.output(schema.OutputEvent{
				NotebookID: nb,
				CellID:     key.cell,
				UserID:     key.user,
				RunIndex:   key.run,
				Outputs:    c.outputs.Bucket(key.cell, key.user, key.run),
			})
		}
		out.archive = append(out.archive, remote...)
		log.Trace("client outputs received", "origin", event.Origin, "outputs", len(remote))

	case schema.PushUserJoined:
		if event.User == nil || event.User.UserID == "" {
			break
		}
		c.cells.PutCollaborator(*event.User)
		if event.User.UserID != c.self {
			out.notify(nb, schema.SeverityInfo, displayName(*event.User)+" joined the notebook")
		}
		log.Debug("client user joined", "uid", event.User.UserID)

	case schema.PushUserLeft:
		uid := event.Origin
		if event.User != nil && event.User.UserID != "" {
			uid = event.User.UserID
		}
		if uid == "" || uid == c.self {
			break
		}
		for _, cell := range c.locks.ReleaseAll(uid) {
			out.cell(schema.CellEvent{NotebookID: nb, Type: schema.CellEventUnlocked, Cell: cell})
		}
		name := string(uid)
		if collab, ok := c.cells.Collaborator(uid); ok {
			name = displayName(collab)
		}
		out.notify(nb, schema.SeverityInfo, name+" left the notebook")
		log.Debug("client user left", "uid", uid)

	case schema.PushRejected:
		if !isSelf && event.Origin != "" {
			break
		}
		c.applyRejectionLocked(&out, event)
		log.Warn("client request rejected", "request", event.Request, "message", event.Message)

	default:
		log.Debug("client push unknown", "type", event.Type)
	}
	c.mu.Unlock()
	c.flush(ctx, &out, nb)
}

func (c *client) applyRejectionLocked(out *outbox, event schema.PushEvent) {
	nb := c.notebookID
	var prefix string
	switch event.Request {
	case "lock_cell":
		prefix = "Could not lock cell"
		if c.locks.OnRejected(event.TargetCell()) {
			c.cellUpdatedLocked(out, event.TargetCell())
		}
	case "unlock_cell":
		prefix = "Could not unlock cell"
		if c.locks.OnRejected(event.TargetCell()) {
			c.cellUpdatedLocked(out, event.TargetCell())
		}
	case "create_cell":
		prefix = "Could not add cell"
		if event.Handle != "" && c.cells.DropPending(event.Handle) {
			out.cell(schema.CellEvent{NotebookID: nb, Type: schema.CellEventDeleted, Handle: event.Handle})
		}
	case "delete_cell":
		prefix = "Could not delete cell"
	case "edit_cell":
		prefix = "Could not save edit"
	default:
		prefix = "Request failed"
	}
	err := &RemoteError{Kind: RemoteErrorRejected, Op: event.Request, Message: event.Message}
	out.notify(nb, schema.SeverityError, notificationText(prefix, err))
}

func displayName(collab schema.Collaborator) string {
	if collab.Name != "" {
		return collab.Name
	}
	return string(collab.UserID)
}
