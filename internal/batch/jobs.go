package batch

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"shelfwatch/internal/domain"
)

// Table is the shared job-status table: an injected store owned by the
// coordinator's host, not a process-wide singleton. Each running job owns
// exactly one entry and is its single writer; pollers read snapshots, so no
// cross-job locking is needed beyond the map mutex.
type Table struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

// NewTable builds an empty job table.
func NewTable() *Table {
	return &Table{jobs: make(map[string]*domain.Job)}
}

// Create registers a new running job and returns its snapshot.
func (t *Table) Create() domain.Job {
	now := time.Now().UTC()
	job := &domain.Job{
		ID:        uuid.NewString(),
		State:     domain.JobRunning,
		StartedAt: now,
		UpdatedAt: now,
	}

	t.mu.Lock()
	t.jobs[job.ID] = job
	t.mu.Unlock()

	return *job
}

// Get returns a snapshot of the job, if known.
func (t *Table) Get(id string) (domain.Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, ok := t.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return *job, true
}

func (t *Table) setProgress(id string, progress int) {
	t.update(id, func(job *domain.Job) {
		job.Progress = progress
	})
}

func (t *Table) complete(id string) {
	t.update(id, func(job *domain.Job) {
		job.State = domain.JobCompleted
		job.Progress = 100
	})
}

func (t *Table) fail(id string, err error) {
	t.update(id, func(job *domain.Job) {
		job.State = domain.JobError
		if err != nil {
			job.Error = err.Error()
		}
	})
}

func (t *Table) update(id string, fn func(*domain.Job)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[id]
	if !ok {
		return
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
}
