package jobs

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrDuplicateJob = errors.New("job already registered")
	ErrJobNotFound  = errors.New("job not found")
)

// Patch mutates a private copy of a job and reports whether it changed
// anything. Unchanged copies are discarded.
type Patch func(job *JobRecord) bool

// Registry is the ordered set of tracked jobs plus a selection pointer.
// Every mutation goes through one lock; readers always get clones.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	jobs     map[string]*JobRecord
	selected string
	version  uint64
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*JobRecord),
		now:  time.Now,
	}
}

// Add appends job in upload order. The first job added to an unselected
// registry becomes the selection.
func (r *Registry) Add(job *JobRecord) error {
	if job == nil || job.ID == "" {
		return errors.New("job id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.ID]; ok {
		return ErrDuplicateJob
	}
	r.jobs[job.ID] = job.Clone()
	r.order = append(r.order, job.ID)
	if r.selected == "" {
		r.selected = job.ID
	}
	r.version++
	return nil
}

// Remove drops a job. When it was selected, selection falls back to the
// first remaining job, or none.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return false
	}
	delete(r.jobs, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.selected == id {
		r.selected = ""
		if len(r.order) > 0 {
			r.selected = r.order[0]
		}
	}
	r.version++
	return true
}

// Select points the selection at id. Unknown ids leave it unchanged.
func (r *Registry) Select(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return ErrJobNotFound
	}
	if r.selected != id {
		r.selected = id
		r.version++
	}
	return nil
}

// Update applies patch to one job. A missing job is a no-op.
func (r *Registry) Update(id string, patch Patch) bool {
	return r.UpdateMany(map[string]Patch{id: patch}) > 0
}

// UpdateMany applies every patch under a single lock, so readers see either
// none or all of the batch. Missing ids are skipped. The version moves once
// per batch, and only if something changed. Returns the number of changed jobs.
func (r *Registry) UpdateMany(patches map[string]Patch) int {
	if len(patches) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	changed := 0
	for id, patch := range patches {
		current, ok := r.jobs[id]
		if !ok || patch == nil {
			continue
		}
		next := current.Clone()
		if !patch(next) {
			continue
		}
		next.UpdatedAt = now
		r.jobs[id] = next
		changed++
	}
	if changed > 0 {
		r.version++
	}
	return changed
}

func (r *Registry) Get(id string) (*JobRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

func (r *Registry) Selected() (*JobRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[r.selected]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

func (r *Registry) SelectedID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selected
}

// All returns clones in upload order.
func (r *Registry) All() []*JobRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ret := make([]*JobRecord, 0, len(r.order))
	for _, id := range r.order {
		ret = append(ret, r.jobs[id].Clone())
	}
	return ret
}

// Snapshot returns All, the selection, and the version read under one lock.
func (r *Registry) Snapshot() ([]*JobRecord, string, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ret := make([]*JobRecord, 0, len(r.order))
	for _, id := range r.order {
		ret = append(ret, r.jobs[id].Clone())
	}
	return ret, r.selected, r.version
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Version increases on every visible change.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
