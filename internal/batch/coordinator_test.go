package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfwatch/internal/cache"
	"shelfwatch/internal/domain"
)

type pairKey struct {
	bookID, libraryID int64
}

type memStore struct {
	mu      sync.Mutex
	entries map[pairKey]domain.CacheEntry
	writes  int
	// failOnWrite makes the nth write fail (1-based); zero disables.
	failOnWrite int
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[pairKey]domain.CacheEntry)}
}

func (m *memStore) Entry(_ context.Context, bookID, libraryID int64) (domain.CacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[pairKey{bookID, libraryID}]
	return entry, ok, nil
}

func (m *memStore) EntriesForBook(_ context.Context, bookID int64) ([]domain.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CacheEntry
	for key, entry := range m.entries {
		if key.bookID == bookID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *memStore) RecordResult(_ context.Context, bookID, libraryID int64, result domain.AvailabilityResult, expiresAt time.Time) (domain.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOnWrite > 0 && m.writes+1 >= m.failOnWrite {
		return domain.CacheEntry{}, errors.New("database is locked")
	}
	m.writes++

	key := pairKey{bookID, libraryID}
	failures := 0
	if result.Status == domain.StatusError {
		failures = m.entries[key].ConsecutiveFailures + 1
	}
	entry := domain.CacheEntry{
		BookID:              bookID,
		LibraryID:           libraryID,
		Result:              result,
		ExpiresAt:           expiresAt,
		ConsecutiveFailures: failures,
	}
	m.entries[key] = entry
	return entry, nil
}

func (m *memStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// statusByTitle resolves each title to a scripted status, error by omission
// meaning available.
type statusByTitle map[string]domain.Status

func (r statusByTitle) Resolve(_ context.Context, _ domain.LibraryTarget, title, _ string) domain.AvailabilityResult {
	status, ok := r[title]
	if !ok {
		status = domain.StatusAvailable
	}
	return domain.AvailabilityResult{Status: status, CheckedAt: time.Now().UTC()}
}

var activeTargets = []domain.LibraryTarget{
	{ID: 10, Name: "City Library", BaseURL: "https://city.overdrive.com", Active: true},
}

func newCoordinator(store *memStore, resolver statusByTitle) *Coordinator {
	svc := cache.New(store, resolver, time.Hour, nil)
	return NewCoordinator(svc, NewTable(), 0, nil)
}

func waitForJob(t *testing.T, c *Coordinator, id string) domain.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		job, ok := c.Jobs().Get(id)
		return ok && job.State != domain.JobRunning
	}, 2*time.Second, 10*time.Millisecond)

	job, ok := c.Jobs().Get(id)
	require.True(t, ok)
	return job
}

func TestRunWithEmptyCatalogCompletesImmediately(t *testing.T) {
	t.Parallel()

	c := newCoordinator(newMemStore(), statusByTitle{})
	id := c.Run(context.Background(), nil, activeTargets)

	job := waitForJob(t, c, id)
	assert.Equal(t, domain.JobCompleted, job.State)
	assert.Equal(t, 100, job.Progress)
}

func TestRunWithoutActiveTargetsCompletesImmediately(t *testing.T) {
	t.Parallel()

	books := []domain.Book{{ID: 1, Title: "Dune"}}
	targets := []domain.LibraryTarget{{ID: 10, Name: "Paused", Active: false}}

	store := newMemStore()
	c := newCoordinator(store, statusByTitle{})
	id := c.Run(context.Background(), books, targets)

	job := waitForJob(t, c, id)
	assert.Equal(t, domain.JobCompleted, job.State)
	assert.Zero(t, store.writeCount())
}

func TestRunChecksEveryPair(t *testing.T) {
	t.Parallel()

	books := []domain.Book{
		{ID: 1, Title: "Dune"},
		{ID: 2, Title: "Hyperion"},
		{ID: 3, Title: "Foundation"},
	}

	store := newMemStore()
	c := newCoordinator(store, statusByTitle{})
	id := c.Run(context.Background(), books, activeTargets)

	job := waitForJob(t, c, id)
	assert.Equal(t, domain.JobCompleted, job.State)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, len(books), store.writeCount())
}

func TestRemoteFailuresDoNotAbortTheJob(t *testing.T) {
	t.Parallel()

	books := []domain.Book{
		{ID: 1, Title: "Dune"},
		{ID: 2, Title: "Hyperion"},
	}

	store := newMemStore()
	c := newCoordinator(store, statusByTitle{"Dune": domain.StatusError})
	id := c.Run(context.Background(), books, activeTargets)

	job := waitForJob(t, c, id)
	assert.Equal(t, domain.JobCompleted, job.State)

	entry, ok, err := store.Entry(context.Background(), 1, 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusError, entry.Result.Status)
	assert.Equal(t, 1, entry.ConsecutiveFailures)
}

func TestStorageFailureFailsTheJob(t *testing.T) {
	t.Parallel()

	books := []domain.Book{
		{ID: 1, Title: "Dune"},
		{ID: 2, Title: "Hyperion"},
	}

	store := newMemStore()
	store.failOnWrite = 2
	c := newCoordinator(store, statusByTitle{})
	id := c.Run(context.Background(), books, activeTargets)

	job := waitForJob(t, c, id)
	assert.Equal(t, domain.JobError, job.State)
	assert.Contains(t, job.Error, "database is locked")
}

func TestConcurrentJobsStayIsolated(t *testing.T) {
	t.Parallel()

	books := []domain.Book{{ID: 1, Title: "Dune"}}

	healthy := newMemStore()
	broken := newMemStore()
	broken.failOnWrite = 1

	c1 := newCoordinator(healthy, statusByTitle{})
	c2 := newCoordinator(broken, statusByTitle{})

	id1 := c1.Run(context.Background(), books, activeTargets)
	id2 := c2.Run(context.Background(), books, activeTargets)

	job1 := waitForJob(t, c1, id1)
	job2 := waitForJob(t, c2, id2)

	assert.Equal(t, domain.JobCompleted, job1.State)
	assert.Equal(t, domain.JobError, job2.State)
}

func TestUnknownJobID(t *testing.T) {
	t.Parallel()

	table := NewTable()
	_, ok := table.Get("no-such-job")
	assert.False(t, ok)
}
