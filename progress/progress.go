// Package progress provides a lightweight tracker that keeps aggregated step
// counters for a single workflow run. The tracker instance travels in the
// execution context – every component that receives the context can
// atomically update the counters via the Delta helper without a global
// registry.
package progress

import (
	"context"
	"sync"
	"time"
)

// Delta represents an incremental counter change. Fields are signed and can
// be either positive (increment) or negative (decrement).
type Delta struct {
	Total       int
	Completed   int
	Failed      int
	Compensated int
	Running     int
	Pending     int
}

// Progress keeps aggregated step counters for one workflow run. It is safe
// for concurrent use.
type Progress struct {
	// Identification, filled when the workflow starts.
	ProcessID string
	Workflow  string
	StartedAt time.Time

	// Counters, modified via Update().
	TotalSteps       int
	CompletedSteps   int
	FailedSteps      int
	CompensatedSteps int
	RunningSteps     int
	PendingSteps     int

	sync.Mutex
	onChange func(Progress)
}

// Update applies the supplied delta. The onChange callback, when registered,
// is invoked with a copy of the updated tracker outside the critical section
// so it can perform slow operations without blocking engine internals.
func (p *Progress) Update(d Delta) {
	if p == nil {
		return
	}
	p.Lock()
	p.TotalSteps += d.Total
	p.CompletedSteps += d.Completed
	p.FailedSteps += d.Failed
	p.CompensatedSteps += d.Compensated
	p.RunningSteps += d.Running
	p.PendingSteps += d.Pending

	snapshot := *p
	cb := p.onChange
	p.Unlock()

	if cb != nil {
		cb(snapshot)
	}
}

// Snapshot returns a copy of the tracker suitable for read-only inspection.
func (p *Progress) Snapshot() Progress {
	if p == nil {
		return Progress{}
	}
	p.Lock()
	defer p.Unlock()
	return *p
}

// OnChange registers a callback invoked after every Update. Passing nil
// disables the callback; subsequent calls overwrite the previous value.
func (p *Progress) OnChange(cb func(Progress)) {
	if p == nil {
		return
	}
	p.Lock()
	p.onChange = cb
	p.Unlock()
}

type trackerKeyT struct{}

var trackerKey trackerKeyT

// WithNewTracker creates a new tracker, embeds it in a derived context and
// returns both.
func WithNewTracker(ctx context.Context, processID, workflow string, onChange func(Progress)) (context.Context, *Progress) {
	if ctx == nil {
		ctx = context.Background()
	}
	tracker := &Progress{
		ProcessID: processID,
		Workflow:  workflow,
		StartedAt: time.Now(),
		onChange:  onChange,
	}
	return context.WithValue(ctx, trackerKey, tracker), tracker
}

// FromContext returns the tracker embedded in ctx, or nil.
func FromContext(ctx context.Context) *Progress {
	if ctx == nil {
		return nil
	}
	tracker, _ := ctx.Value(trackerKey).(*Progress)
	return tracker
}
