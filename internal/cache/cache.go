package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"shelfwatch/internal/domain"
	"shelfwatch/internal/ports"
)

// DefaultTTL is how long a resolved result stays fresh.
const DefaultTTL = 4 * time.Hour

// Service is the freshness-bounded availability cache. Callers go through it
// for every check: fresh entries are served with zero remote calls, stale or
// missing entries trigger the resolver and are written back unconditionally,
// including error outcomes, so failure counts accumulate.
type Service struct {
	store    ports.AvailabilityStore
	resolver ports.Resolver
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New builds the cache service. A non-positive ttl falls back to DefaultTTL.
func New(store ports.AvailabilityStore, resolver ports.Resolver, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:    store,
		resolver: resolver,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// GetOrRefresh returns the cached entry for (book, library) when it is still
// fresh, otherwise resolves and writes through. ExpiresAt is always the
// result's CheckedAt plus the TTL.
func (s *Service) GetOrRefresh(ctx context.Context, book domain.Book, library domain.LibraryTarget) (domain.CacheEntry, error) {
	entry, ok, err := s.store.Entry(ctx, book.ID, library.ID)
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("load cache entry: %w", err)
	}
	if ok && entry.Fresh(s.now()) {
		return entry, nil
	}

	result := s.resolver.Resolve(ctx, library, book.Title, book.Author)

	updated, err := s.store.RecordResult(ctx, book.ID, library.ID, result, result.CheckedAt.Add(s.ttl))
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("record result: %w", err)
	}
	if s.logger != nil {
		s.logger.Debug("refreshed availability",
			"book", book.Key(), "library", library.Name,
			"status", result.Status, "failures", updated.ConsecutiveFailures)
	}
	return updated, nil
}

// CheckBook resolves one book against every active library, cache-aware.
// Inactive targets are skipped. The returned error is structural (storage
// failure); per-library remote failures surface as error-status entries.
func (s *Service) CheckBook(ctx context.Context, book domain.Book, libraries []domain.LibraryTarget) ([]domain.CacheEntry, error) {
	entries := make([]domain.CacheEntry, 0, len(libraries))
	for _, lib := range libraries {
		if !lib.Active {
			continue
		}
		entry, err := s.GetOrRefresh(ctx, book, lib)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// CachedForBook reads the stored entries for a book without any remote calls.
func (s *Service) CachedForBook(ctx context.Context, bookID int64) ([]domain.CacheEntry, error) {
	return s.store.EntriesForBook(ctx, bookID)
}
