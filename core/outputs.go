package core

import (
	"context"
	"slices"
	"sort"

	"pkt.systems/nbsync/schema"
)

// OutputArchive keeps kernel outputs across client restarts.
type OutputArchive interface {
	Append(ctx context.Context, notebookID schema.NotebookID, outputs []schema.KernelOutput) error
	Load(ctx context.Context, notebookID schema.NotebookID) ([]schema.KernelOutput, error)
	Purge(ctx context.Context, notebookID schema.NotebookID) error
}

type outputKey struct {
	cell schema.CellID
	user schema.UserID
	run  int
}

type runKey struct {
	cell schema.CellID
	user schema.UserID
}

type outputEntry struct {
	index   int
	payload schema.OutputPayload
}

// OutputAggregator demultiplexes kernel outputs into buckets addressed by
// cell, kernel owner, and run. Buckets stay sorted by message index.
type OutputAggregator struct {
	self    schema.UserID
	viewed  schema.UserID
	buckets map[outputKey][]outputEntry
	lastRun map[runKey]int
}

// NewOutputAggregator returns an aggregator viewing the local user's outputs.
func NewOutputAggregator(self schema.UserID) *OutputAggregator {
	return &OutputAggregator{
		self:    self,
		viewed:  self,
		buckets: make(map[outputKey][]outputEntry),
		lastRun: make(map[runKey]int),
	}
}

// Receive inserts one output in message order. A repeated message index
// replaces the earlier payload.
func (a *OutputAggregator) Receive(out schema.KernelOutput) {
	key := outputKey{cell: out.CellID, user: out.UserID, run: out.RunIndex}
	bucket := a.buckets[key]
	i := sort.Search(len(bucket), func(i int) bool { return bucket[i].index >= out.MessageIndex })
	entry := outputEntry{index: out.MessageIndex, payload: out.Payload}
	if i < len(bucket) && bucket[i].index == out.MessageIndex {
		bucket[i] = entry
	} else {
		bucket = slices.Insert(bucket, i, entry)
	}
	a.buckets[key] = bucket
	// The newest arrival wins: a restarted kernel counts runs from 1 again.
	a.lastRun[runKey{cell: out.CellID, user: out.UserID}] = out.RunIndex
}

// ReceiveBatch inserts outputs and returns the distinct buckets touched, in
// first-seen order.
func (a *OutputAggregator) ReceiveBatch(outs []schema.KernelOutput) []outputKey {
	var touched []outputKey
	for _, out := range outs {
		a.Receive(out)
		key := outputKey{cell: out.CellID, user: out.UserID, run: out.RunIndex}
		if !slices.Contains(touched, key) {
			touched = append(touched, key)
		}
	}
	return touched
}

// Bucket returns the payloads of one run in message order.
func (a *OutputAggregator) Bucket(cell schema.CellID, uid schema.UserID, run int) []schema.OutputPayload {
	bucket := a.buckets[outputKey{cell: cell, user: uid, run: run}]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]schema.OutputPayload, len(bucket))
	for i, entry := range bucket {
		out[i] = entry.payload
	}
	return out
}

// Runs returns the retained run indices of a cell for uid in ascending order.
func (a *OutputAggregator) Runs(cell schema.CellID, uid schema.UserID) []int {
	var runs []int
	for key := range a.buckets {
		if key.cell == cell && key.user == uid {
			runs = append(runs, key.run)
		}
	}
	slices.Sort(runs)
	return runs
}

// LastRun returns the run index of the most recent output received for a
// cell and user.
func (a *OutputAggregator) LastRun(cell schema.CellID, uid schema.UserID) (int, bool) {
	run, ok := a.lastRun[runKey{cell: cell, user: uid}]
	return run, ok
}

// SelectViewedUser switches whose outputs are displayed. It does not touch
// the kernel session.
func (a *OutputAggregator) SelectViewedUser(uid schema.UserID) {
	if uid == "" {
		uid = a.self
	}
	a.viewed = uid
}

// Viewed returns the user whose outputs are displayed.
func (a *OutputAggregator) Viewed() schema.UserID {
	return a.viewed
}

// Displayed returns the run index and payloads shown for a cell. The local
// user's outputs follow the cell's live run index; a collaborator's follow
// the last run index seen in their broadcasts.
func (a *OutputAggregator) Displayed(cell schema.Cell) (int, []schema.OutputPayload) {
	run := cell.RunIndex
	if a.viewed != a.self {
		last, ok := a.LastRun(cell.ID, a.viewed)
		if !ok {
			return schema.NeverRun, nil
		}
		run = last
	}
	if run == schema.NeverRun {
		return run, nil
	}
	return run, a.Bucket(cell.ID, a.viewed, run)
}

// RemoveCell drops every bucket of a cell.
func (a *OutputAggregator) RemoveCell(cell schema.CellID) {
	for key := range a.buckets {
		if key.cell == cell {
			delete(a.buckets, key)
		}
	}
	for key := range a.lastRun {
		if key.cell == cell {
			delete(a.lastRun, key)
		}
	}
}

// Reset drops all outputs.
func (a *OutputAggregator) Reset() {
	a.buckets = make(map[outputKey][]outputEntry)
	a.lastRun = make(map[runKey]int)
}
