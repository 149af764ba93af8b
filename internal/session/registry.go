package session

import (
	"context"
	"sync"
	"time"
)

// Run is one in-flight relay operation bound to a session key.
type Run struct {
	SessionKey string
	StartedAt  time.Time

	cancel context.CancelFunc
}

// Registry is the explicit table of in-flight runs, keyed by session key.
//
// Lifecycle: Begin on run start, End on completion/cancellation, Cancel for
// abort routing. At most one run is active per key; a new Begin under the
// same key overwrites the stale entry, and a stale run's End cannot evict
// its replacement.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*Run
}

// NewRegistry creates an empty run registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Run)}
}

// Begin registers a run for sessionKey, replacing any prior entry.
// The cancel func tears down the run's context when the key is aborted.
// Runs with an empty session key are not tracked (nothing can address them).
func (r *Registry) Begin(sessionKey string, cancel context.CancelFunc) *Run {
	run := &Run{
		SessionKey: sessionKey,
		StartedAt:  time.Now(),
		cancel:     cancel,
	}
	if sessionKey == "" {
		return run
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[sessionKey] = run
	return run
}

// End removes the run from the registry if it is still the current entry
// for its key. Safe to call more than once and on untracked runs.
func (r *Registry) End(run *Run) {
	if run == nil || run.SessionKey == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs[run.SessionKey] == run {
		delete(r.runs, run.SessionKey)
	}
}

// Cancel cancels the current run under sessionKey, if any, and reports
// whether one existed. The entry stays registered until the run's own
// teardown calls End, so a racing abort still resolves the same run.
func (r *Registry) Cancel(sessionKey string) bool {
	r.mu.Lock()
	run, ok := r.runs[sessionKey]
	r.mu.Unlock()

	if !ok {
		return false
	}
	run.cancel()
	return true
}

// Active reports whether a run is registered under sessionKey.
func (r *Registry) Active(sessionKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[sessionKey]
	return ok
}

// Len returns the number of in-flight runs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
