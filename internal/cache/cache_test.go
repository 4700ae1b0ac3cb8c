package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfwatch/internal/domain"
)

type pairKey struct {
	bookID, libraryID int64
}

// memStore mirrors the persistent store's counter contract: the failure count
// is derived from the previous entry inside the write itself.
type memStore struct {
	mu      sync.Mutex
	entries map[pairKey]domain.CacheEntry
	writes  int
	failErr error
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
	if m.failErr != nil {
		return domain.CacheEntry{}, m.failErr
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

// scriptedResolver returns canned results in order and counts calls.
type scriptedResolver struct {
	mu      sync.Mutex
	results []domain.AvailabilityResult
	calls   int
}

func (r *scriptedResolver) Resolve(_ context.Context, _ domain.LibraryTarget, _, _ string) domain.AvailabilityResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := r.results[0]
	if len(r.results) > 1 {
		r.results = r.results[1:]
	}
	r.calls++
	return result
}

func (r *scriptedResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{at: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

var (
	testBook    = domain.Book{ID: 1, Title: "Dune", Author: "Frank Herbert"}
	testTargets = []domain.LibraryTarget{
		{ID: 10, Name: "City Library", BaseURL: "https://city.overdrive.com", Active: true},
	}
)

func availableAt(t time.Time) domain.AvailabilityResult {
	return domain.AvailabilityResult{
		Status:    domain.StatusAvailable,
		SearchURL: "https://city.overdrive.com/search?query=Dune+Frank+Herbert",
		CheckedAt: t,
	}
}

func errorAt(t time.Time) domain.AvailabilityResult {
	return domain.AvailabilityResult{
		Status:    domain.StatusError,
		Message:   "page load timeout",
		CheckedAt: t,
	}
}

func newService(store *memStore, resolver *scriptedResolver, ttl time.Duration, clock *fakeClock) *Service {
	svc := New(store, resolver, ttl, nil)
	svc.now = clock.Now
	return svc
}

func TestGetOrRefreshServesFreshEntry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := newMemStore()
	resolver := &scriptedResolver{results: []domain.AvailabilityResult{availableAt(clock.Now())}}
	svc := newService(store, resolver, time.Hour, clock)

	first, err := svc.GetOrRefresh(context.Background(), testBook, testTargets[0])
	require.NoError(t, err)
	require.Equal(t, 1, resolver.callCount())

	clock.Advance(30 * time.Minute)

	second, err := svc.GetOrRefresh(context.Background(), testBook, testTargets[0])
	require.NoError(t, err)
	assert.Equal(t, 1, resolver.callCount(), "fresh entry must not hit the resolver")
	assert.Equal(t, first, second)
}

func TestGetOrRefreshRefreshesStaleEntry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := newMemStore()
	resolver := &scriptedResolver{results: []domain.AvailabilityResult{availableAt(clock.Now())}}
	svc := newService(store, resolver, time.Hour, clock)

	_, err := svc.GetOrRefresh(context.Background(), testBook, testTargets[0])
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	resolver.results = []domain.AvailabilityResult{availableAt(clock.Now())}

	entry, err := svc.GetOrRefresh(context.Background(), testBook, testTargets[0])
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.callCount())
	assert.Equal(t, entry.Result.CheckedAt.Add(time.Hour), entry.ExpiresAt)
}

func TestErrorResultsAccumulateFailures(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := newMemStore()
	resolver := &scriptedResolver{results: []domain.AvailabilityResult{errorAt(clock.Now())}}
	svc := newService(store, resolver, time.Hour, clock)

	var entry domain.CacheEntry
	var err error
	for i := 0; i < 3; i++ {
		entry, err = svc.GetOrRefresh(context.Background(), testBook, testTargets[0])
		require.NoError(t, err)
		clock.Advance(2 * time.Hour)
		resolver.results = []domain.AvailabilityResult{errorAt(clock.Now())}
	}

	assert.Equal(t, 3, entry.ConsecutiveFailures)
	assert.Equal(t, domain.StatusError, entry.Result.Status)
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := newMemStore()
	resolver := &scriptedResolver{results: []domain.AvailabilityResult{errorAt(clock.Now())}}
	svc := newService(store, resolver, time.Hour, clock)

	_, err := svc.GetOrRefresh(context.Background(), testBook, testTargets[0])
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	resolver.results = []domain.AvailabilityResult{availableAt(clock.Now())}

	entry, err := svc.GetOrRefresh(context.Background(), testBook, testTargets[0])
	require.NoError(t, err)
	assert.Equal(t, 0, entry.ConsecutiveFailures)
	assert.Equal(t, domain.StatusAvailable, entry.Result.Status)
}

func TestCheckBookSkipsInactiveTargets(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := newMemStore()
	resolver := &scriptedResolver{results: []domain.AvailabilityResult{availableAt(clock.Now())}}
	svc := newService(store, resolver, time.Hour, clock)

	targets := []domain.LibraryTarget{
		{ID: 10, Name: "Active", BaseURL: "https://a.example.com", Active: true},
		{ID: 11, Name: "Paused", BaseURL: "https://b.example.com", Active: false},
	}

	entries, err := svc.CheckBook(context.Background(), testBook, targets)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(10), entries[0].LibraryID)
	assert.Equal(t, 1, resolver.callCount())
}

func TestCheckBookPropagatesStoreFailure(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := newMemStore()
	store.failErr = errors.New("disk full")
	resolver := &scriptedResolver{results: []domain.AvailabilityResult{availableAt(clock.Now())}}
	svc := newService(store, resolver, time.Hour, clock)

	_, err := svc.CheckBook(context.Background(), testBook, testTargets)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
