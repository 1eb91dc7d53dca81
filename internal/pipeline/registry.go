package pipeline

import (
	"slices"
	"sync"
	"trainpipe/internal/apperrors"
)

// registry holds every run of the process and the active run of each CI job.
type registry struct {
	mu     sync.RWMutex
	runs   map[string]*Run
	active map[string]string // job name -> run ID
}

func newRegistry() *registry {
	return &registry{
		runs:   make(map[string]*Run),
		active: make(map[string]string),
	}
}

// reserve registers run as the active run of its job. Returns a conflict error
// if the job already has an active run.
func (r *registry) reserve(run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, busy := r.active[run.Job]; busy {
		return apperrors.Conflict("run", run.Job, "run "+id+" is already active for this job")
	}
	r.active[run.Job] = run.ID
	r.runs[run.ID] = run
	return nil
}

// update applies fn to the stored run under the write lock.
func (r *registry) update(id string, fn func(*Run)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[id]; ok {
		fn(run)
	}
}

// finish applies fn to the run and frees its job's active slot under one lock.
func (r *registry) finish(id string, fn func(*Run)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return
	}
	fn(run)
	if r.active[run.Job] == id {
		delete(r.active, run.Job)
	}
}

// get returns a snapshot of a run.
func (r *registry) get(id string) (Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return Run{}, false
	}
	return run.clone(), true
}

// list returns snapshots of all runs, newest first.
func (r *registry) list() []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Run, 0, len(r.runs))
	for _, run := range r.runs {
		result = append(result, run.clone())
	}
	slices.SortFunc(result, func(a, b Run) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return result
}
