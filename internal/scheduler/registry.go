// Package scheduler holds the in-process registry of live one-shot jobs.
// The registry owns the fire-vs-cancel race: for any job id, exactly one
// of "fired" or "canceled" wins, decided by an atomic remove under a
// single lock.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrDuplicateJob is returned by Schedule when the job id is already
// registered. Job ids are derived from (account, second), so two posts for
// the same account at the same second collide; callers offset by a second.
var ErrDuplicateJob = errors.New("job is already scheduled")

type Registry struct {
	mu     sync.Mutex
	clock  Clock
	timers map[string]Timer
}

func NewRegistry() *Registry {
	return NewRegistryWithClock(RealClock{})
}

func NewRegistryWithClock(clock Clock) *Registry {
	return &Registry{
		clock:  clock,
		timers: make(map[string]Timer),
	}
}

// JobID derives the registry key for a deferred post: the account identity
// plus the target fire time truncated to the second.
func JobID(accountID string, fireAt time.Time) string {
	return fmt.Sprintf("post_%s_%d", accountID, fireAt.Unix())
}

// Schedule arms a timer that fires callback at fireAt. The timer removes
// its own entry from the registry before invoking callback, so a cancel
// arriving during the fire sees "not found" and the fire proceeds
// uncontested. Time validation is the caller's job; the registry only
// rejects duplicate ids.
func (r *Registry) Schedule(jobID string, fireAt time.Time, callback func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.timers[jobID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, jobID)
	}

	timer := r.clock.AfterFunc(fireAt.Sub(r.clock.Now()), func() {
		if !r.claim(jobID) {
			// A concurrent cancel won the entry; do nothing.
			return
		}
		callback()
	})
	r.timers[jobID] = timer

	slog.Debug("job scheduled", slog.String("job_id", jobID), slog.Time("fires_at", fireAt))
	return nil
}

// Cancel atomically removes the job if it is still registered and stops
// its timer. It reports false when the job is unknown: already fired,
// never existed, or lost a fire-vs-cancel race.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer, ok := r.timers[jobID]
	if !ok {
		return false
	}
	delete(r.timers, jobID)
	timer.Stop()

	slog.Debug("job canceled", slog.String("job_id", jobID))
	return true
}

// claim is the fire-side half of the race: remove-if-present, reporting
// whether this caller owned the entry.
func (r *Registry) claim(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.timers[jobID]; !ok {
		return false
	}
	delete(r.timers, jobID)
	return true
}

// Contains reports whether a job is still registered.
func (r *Registry) Contains(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[jobID]
	return ok
}

// Len returns the number of live jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Shutdown stops every live timer. Pending posts are rebuilt from the
// post store on the next boot.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
}
