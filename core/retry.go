package core

import "time"

type stopper interface {
	Stop() bool
}

var afterFunc = func(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// retryTimer holds at most one scheduled connection attempt. The generation
// lets a callback that raced with stop or reschedule recognize itself as
// stale.
type retryTimer struct {
	timer stopper
	gen   uint64
}

// schedule stops any outstanding timer and arms a new one. fire receives the
// generation it was scheduled with.
func (r *retryTimer) schedule(d time.Duration, fire func(gen uint64)) {
	r.stop()
	r.gen++
	gen := r.gen
	r.timer = afterFunc(d, func() { fire(gen) })
}

// stop cancels the outstanding timer, if any.
func (r *retryTimer) stop() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
}

// claim reports whether gen is the current timer and marks it fired.
func (r *retryTimer) claim(gen uint64) bool {
	if r.timer == nil || gen != r.gen {
		return false
	}
	r.timer = nil
	return true
}

func (r *retryTimer) pending() bool {
	return r.timer != nil
}
