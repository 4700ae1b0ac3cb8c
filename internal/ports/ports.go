package ports

import (
	"context"
	"errors"
	"time"

	"github.com/PuerkitoBio/goquery"

	"shelfwatch/internal/domain"
)

var (
	// ErrNotFound marks a missing catalog record.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateLibrary rejects a second target with the same base URL.
	ErrDuplicateLibrary = errors.New("library with this base URL already exists")
)

// PageRenderer loads a URL and returns queryable page content. Implementations
// own the rendering session and must release it before returning, on every
// exit path. Timeouts arrive through the context.
type PageRenderer interface {
	Render(ctx context.Context, pageURL string) (*goquery.Document, error)
}

// Resolver performs one availability check against a library. Remote failures
// are encoded in the result status, never returned as errors.
type Resolver interface {
	Resolve(ctx context.Context, library domain.LibraryTarget, title, author string) domain.AvailabilityResult
}

// AvailabilityStore persists per-pair cache entries. RecordResult must update
// the consecutive-failure counter atomically inside the write: incremented
// when the new status is error, reset to zero otherwise.
type AvailabilityStore interface {
	Entry(ctx context.Context, bookID, libraryID int64) (domain.CacheEntry, bool, error)
	EntriesForBook(ctx context.Context, bookID int64) ([]domain.CacheEntry, error)
	RecordResult(ctx context.Context, bookID, libraryID int64, result domain.AvailabilityResult, expiresAt time.Time) (domain.CacheEntry, error)
}

// Catalog supplies book and library records. The core never fetches or parses
// reading-list feeds itself; an external sync collaborator writes through
// UpsertBooks.
type Catalog interface {
	Books(ctx context.Context) ([]domain.Book, error)
	Book(ctx context.Context, id int64) (domain.Book, bool, error)
	UpsertBooks(ctx context.Context, books []domain.Book) ([]domain.Book, error)

	Libraries(ctx context.Context) ([]domain.LibraryTarget, error)
	Library(ctx context.Context, id int64) (domain.LibraryTarget, bool, error)
	AddLibrary(ctx context.Context, lib domain.LibraryTarget) (domain.LibraryTarget, error)
	UpdateLibrary(ctx context.Context, lib domain.LibraryTarget) (domain.LibraryTarget, error)
	RemoveLibrary(ctx context.Context, id int64) error
}

// CredentialStore supplies decrypted card credentials for downstream checkout
// actions. Availability resolution is public-search only and never calls it;
// the interface exists as an injection point for that collaborator.
type CredentialStore interface {
	Credentials(ctx context.Context, libraryID int64) (cardNumber, pin string, err error)
}

// Scheduler controls when recurring catalog refreshes execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
