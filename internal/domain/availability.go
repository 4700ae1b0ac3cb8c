package domain

import "time"

// Status is the normalized outcome of one availability resolution attempt.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusHold        Status = "hold"
	StatusUnavailable Status = "unavailable"
	StatusNotFound    Status = "not_found"
	StatusUnknown     Status = "unknown"
	// StatusError marks resolver-level failures (timeout, navigation error).
	// The classifier never emits it from page content.
	StatusError Status = "error"
)

// Book is a to-read title supplied by the catalog provider.
type Book struct {
	ID         int64
	ExternalID string
	Title      string
	Author     string
	ISBN       string
}

// Key returns a stable identity for the book: the external id when present,
// otherwise a title/author fallback.
func (b Book) Key() string {
	if b.ExternalID != "" {
		return b.ExternalID
	}
	return b.Title + "|" + b.Author
}

// LibraryTarget describes one library search endpoint.
type LibraryTarget struct {
	ID      int64
	Name    string
	BaseURL string
	Kind    string
	Active  bool
}

// AvailabilityResult is the immutable output of a single resolution attempt.
type AvailabilityResult struct {
	Status       Status
	SearchURL    string
	DeepLinkURL  string
	WaitEstimate string
	Message      string
	CheckedAt    time.Time
}

// CacheEntry holds the current result for a (book, library) pair plus
// freshness and failure-tracking state. ExpiresAt is always
// Result.CheckedAt plus the configured TTL.
type CacheEntry struct {
	BookID              int64
	LibraryID           int64
	Result              AvailabilityResult
	ExpiresAt           time.Time
	ConsecutiveFailures int
}

// Fresh reports whether the entry is still usable at the given instant.
func (e CacheEntry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// JobState enumerates batch-job lifecycle states.
type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobError     JobState = "error"
)

// Job tracks one catalog-wide refresh. Mutated only by the coordinator
// goroutine that owns it; pollers see snapshots.
type Job struct {
	ID        string
	State     JobState
	Progress  int
	Error     string
	StartedAt time.Time
	UpdatedAt time.Time
}
