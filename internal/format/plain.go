package format

import (
	"fmt"
	"sort"
	"strings"

	"pkt.systems/nbsync/internal/eventbus"
	"pkt.systems/nbsync/schema"
)

// Line markers.
const (
	NotificationMarker = "! "
	OutputMarker       = "  "
	TracebackMarker    = "  | "
)

// PlainRenderer formats notebook events and outputs as plain text lines.
type PlainRenderer struct{}

// NewPlainRenderer returns a default plain-text renderer.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{}
}

// FormatEvent converts a bus event into user-facing lines.
func (p *PlainRenderer) FormatEvent(ev eventbus.Event) []string {
	switch ev.Type {
	case eventbus.EventCell:
		return []string{formatCellEvent(ev.Cell)}
	case eventbus.EventKernel:
		return []string{formatKernelEvent(ev.Kernel)}
	case eventbus.EventOutput:
		o := ev.Output
		lines := []string{fmt.Sprintf("output %s [%d] by %s", o.CellID, o.RunIndex, o.UserID)}
		for _, payload := range o.Outputs {
			lines = append(lines, markLines(OutputMarker, p.FormatOutput(payload))...)
		}
		return lines
	case eventbus.EventNotification:
		return []string{fmt.Sprintf("%s%s: %s", NotificationMarker, ev.Notification.Severity, ev.Notification.Message)}
	}
	return nil
}

// FormatOutput converts one output chunk into lines.
func (p *PlainRenderer) FormatOutput(payload schema.OutputPayload) []string {
	switch payload.Type {
	case schema.OutputStream:
		return splitLines(payload.Text)
	case schema.OutputError:
		lines := []string{fmt.Sprintf("%s: %s", payload.EName, payload.EValue)}
		for _, frame := range payload.Traceback {
			lines = append(lines, markLines(TracebackMarker, splitLines(frame))...)
		}
		return lines
	default:
		if text, ok := payload.Data["text/plain"]; ok {
			return splitLines(text)
		}
		keys := make([]string, 0, len(payload.Data))
		for key := range payload.Data {
			keys = append(keys, key)
		}
		if len(keys) == 0 {
			return nil
		}
		sort.Strings(keys)
		return []string{fmt.Sprintf("<%s>", keys[0])}
	}
}

func formatCellEvent(ev schema.CellEvent) string {
	switch ev.Type {
	case schema.CellEventReset:
		return "cells reset"
	case schema.CellEventPending:
		return fmt.Sprintf("cell pending %s", ev.Handle)
	case schema.CellEventLocked:
		return fmt.Sprintf("cell locked %s by %s", ev.Cell.ID, ev.Cell.LockHeldBy)
	}
	return fmt.Sprintf("cell %s %s", ev.Type, ev.Cell.ID)
}

func formatKernelEvent(k schema.KernelEvent) string {
	line := fmt.Sprintf("kernel %s", k.Status)
	if k.RunningCell != "" {
		line += " running=" + string(k.RunningCell)
	}
	if len(k.Queue) > 0 {
		ids := make([]string, 0, len(k.Queue))
		for _, id := range k.Queue {
			ids = append(ids, string(id))
		}
		line += " queue=" + strings.Join(ids, ",")
	}
	return line
}

// splitLines drops the empty line after a trailing newline.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

func markLines(marker string, lines []string) []string {
	if marker == "" || len(lines) == 0 {
		return lines
	}
	marked := make([]string, 0, len(lines))
	for _, line := range lines {
		marked = append(marked, marker+line)
	}
	return marked
}
