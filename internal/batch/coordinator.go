package batch

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"shelfwatch/internal/cache"
	"shelfwatch/internal/domain"
)

// DefaultPacing is the delay inserted between books so a single refresh does
// not hammer a library's servers.
const DefaultPacing = 500 * time.Millisecond

// Coordinator runs catalog-wide availability refreshes as background jobs.
// Within a job, pairs are checked sequentially on purpose: politeness toward
// the scraped sites wins over throughput. Multiple jobs may run concurrently,
// each owning its own table entry.
type Coordinator struct {
	cache  *cache.Service
	jobs   *Table
	pacing time.Duration
	logger *slog.Logger
}

// NewCoordinator wires the cache service and an injected job table. A
// negative pacing falls back to the default; zero disables pacing (tests).
func NewCoordinator(cacheSvc *cache.Service, jobs *Table, pacing time.Duration, logger *slog.Logger) *Coordinator {
	if pacing < 0 {
		pacing = DefaultPacing
	}
	return &Coordinator{
		cache:  cacheSvc,
		jobs:   jobs,
		pacing: pacing,
		logger: logger,
	}
}

// Jobs exposes the table for pollers.
func (c *Coordinator) Jobs() *Table {
	return c.jobs
}

// Run starts a refresh over every (book, active library) pair and returns the
// job id immediately. Progress is polled via the table.
func (c *Coordinator) Run(ctx context.Context, books []domain.Book, libraries []domain.LibraryTarget) string {
	job := c.jobs.Create()
	go c.run(ctx, job.ID, books, libraries)
	return job.ID
}

func (c *Coordinator) run(ctx context.Context, jobID string, books []domain.Book, libraries []domain.LibraryTarget) {
	active := make([]domain.LibraryTarget, 0, len(libraries))
	for _, lib := range libraries {
		if lib.Active {
			active = append(active, lib)
		}
	}

	// Documented no-op: nothing to do means the job completes immediately.
	if len(books) == 0 || len(active) == 0 {
		c.jobs.complete(jobID)
		return
	}

	ordered := make([]domain.Book, len(books))
	copy(ordered, books)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	total := len(ordered)
	for i, book := range ordered {
		// Per-pair remote failures come back as error-status entries and do
		// not abort the job; only structural failures (storage) do.
		if _, err := c.cache.CheckBook(ctx, book, active); err != nil {
			c.error("job aborted", "job", jobID, "book", book.Key(), "error", err)
			c.jobs.fail(jobID, err)
			return
		}

		c.jobs.setProgress(jobID, 100*(i+1)/total)

		if c.pacing > 0 && i < total-1 {
			time.Sleep(c.pacing)
		}
	}

	c.jobs.complete(jobID)
	c.debug("job completed", "job", jobID, "books", total, "libraries", len(active))
}

func (c *Coordinator) debug(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}

func (c *Coordinator) error(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Error(msg, args...)
	}
}
