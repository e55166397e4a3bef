package core

import "pkt.systems/nbsync/schema"

// kernelLog keeps the most recent run outcomes, oldest first.
type kernelLog struct {
	entries    []schema.KernelLogEntry
	maxEntries int
}

func newKernelLog(maxEntries int) *kernelLog {
	if maxEntries <= 0 {
		maxEntries = schema.DefaultKernelLogMax
	}
	return &kernelLog{maxEntries: maxEntries}
}

// newKernelLogFromPersisted restores a log, keeping the newest entries.
func newKernelLogFromPersisted(entries []schema.KernelLogEntry, maxEntries int) *kernelLog {
	l := newKernelLog(maxEntries)
	if len(entries) > l.maxEntries {
		entries = entries[len(entries)-l.maxEntries:]
	}
	l.entries = append([]schema.KernelLogEntry(nil), entries...)
	return l
}

// Append adds an entry and trims the oldest past the limit.
func (l *kernelLog) Append(entry schema.KernelLogEntry) {
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.maxEntries {
		trim := len(l.entries) - l.maxEntries
		l.entries = append([]schema.KernelLogEntry(nil), l.entries[trim:]...)
	}
}

// Entries returns a copy of the log.
func (l *kernelLog) Entries() []schema.KernelLogEntry {
	if l == nil {
		return nil
	}
	return append([]schema.KernelLogEntry(nil), l.entries...)
}

// Last returns the newest entry.
func (l *kernelLog) Last() (schema.KernelLogEntry, bool) {
	if l == nil || len(l.entries) == 0 {
		return schema.KernelLogEntry{}, false
	}
	return l.entries[len(l.entries)-1], true
}
