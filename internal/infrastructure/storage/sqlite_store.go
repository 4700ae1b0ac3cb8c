package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"shelfwatch/internal/domain"
	"shelfwatch/internal/ports"
)

const timeLayout = time.RFC3339Nano

// SQLiteStore persists the catalog and the availability cache. It implements
// both ports.Catalog and ports.AvailabilityStore; cache entries are written
// with an upsert whose failure counter is computed inside the statement, so
// concurrent refreshes of the same pair cannot lose increments.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ ports.Catalog           = (*SQLiteStore)(nil)
	_ ports.AvailabilityStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) the database file and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA foreign_keys = ON;",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS books (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			book_key    TEXT NOT NULL UNIQUE,
			external_id TEXT NOT NULL DEFAULT '',
			title       TEXT NOT NULL,
			author      TEXT NOT NULL DEFAULT '',
			isbn        TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS libraries (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			name     TEXT NOT NULL,
			base_url TEXT NOT NULL UNIQUE,
			kind     TEXT NOT NULL DEFAULT 'overdrive',
			active   INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS availability_cache (
			book_id              INTEGER NOT NULL,
			library_id           INTEGER NOT NULL,
			status               TEXT NOT NULL,
			search_url           TEXT NOT NULL DEFAULT '',
			deep_link_url        TEXT NOT NULL DEFAULT '',
			wait_estimate        TEXT NOT NULL DEFAULT '',
			message              TEXT NOT NULL DEFAULT '',
			checked_at           TEXT NOT NULL,
			expires_at           TEXT NOT NULL,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (book_id, library_id)
		);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Books lists the catalog in stable id order.
func (s *SQLiteStore) Books(ctx context.Context) ([]domain.Book, error) {
	query, args, err := sq.Select("id", "external_id", "title", "author", "isbn").
		From("books").OrderBy("id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build books query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query books: %w", err)
	}
	defer rows.Close()

	var books []domain.Book
	for rows.Next() {
		var b domain.Book
		if err := rows.Scan(&b.ID, &b.ExternalID, &b.Title, &b.Author, &b.ISBN); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

// Book loads a single record by id.
func (s *SQLiteStore) Book(ctx context.Context, id int64) (domain.Book, bool, error) {
	query, args, err := sq.Select("id", "external_id", "title", "author", "isbn").
		From("books").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Book{}, false, fmt.Errorf("build book query: %w", err)
	}

	var b domain.Book
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&b.ID, &b.ExternalID, &b.Title, &b.Author, &b.ISBN)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Book{}, false, nil
	}
	if err != nil {
		return domain.Book{}, false, fmt.Errorf("query book: %w", err)
	}
	return b, true, nil
}

// UpsertBooks writes the given books keyed by their stable identity and
// returns them with ids assigned. Re-synced books replace fields in place.
func (s *SQLiteStore) UpsertBooks(ctx context.Context, books []domain.Book) ([]domain.Book, error) {
	saved := make([]domain.Book, 0, len(books))
	for _, b := range books {
		if strings.TrimSpace(b.Title) == "" {
			return nil, fmt.Errorf("book title is required")
		}

		query, args, err := sq.Insert("books").
			Columns("book_key", "external_id", "title", "author", "isbn").
			Values(b.Key(), b.ExternalID, b.Title, b.Author, b.ISBN).
			Suffix(`ON CONFLICT(book_key) DO UPDATE SET
				external_id = excluded.external_id,
				title = excluded.title,
				author = excluded.author,
				isbn = excluded.isbn`).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build book upsert: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("upsert book %s: %w", b.Key(), err)
		}

		idQuery, idArgs, err := sq.Select("id").From("books").Where(sq.Eq{"book_key": b.Key()}).ToSql()
		if err != nil {
			return nil, fmt.Errorf("build book id query: %w", err)
		}
		if err := s.db.QueryRowContext(ctx, idQuery, idArgs...).Scan(&b.ID); err != nil {
			return nil, fmt.Errorf("load book id %s: %w", b.Key(), err)
		}
		saved = append(saved, b)
	}
	return saved, nil
}

// Libraries lists all configured targets, active or not.
func (s *SQLiteStore) Libraries(ctx context.Context) ([]domain.LibraryTarget, error) {
	query, args, err := sq.Select("id", "name", "base_url", "kind", "active").
		From("libraries").OrderBy("id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build libraries query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query libraries: %w", err)
	}
	defer rows.Close()

	var libs []domain.LibraryTarget
	for rows.Next() {
		lib, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		libs = append(libs, lib)
	}
	return libs, rows.Err()
}

// Library loads a single target by id.
func (s *SQLiteStore) Library(ctx context.Context, id int64) (domain.LibraryTarget, bool, error) {
	query, args, err := sq.Select("id", "name", "base_url", "kind", "active").
		From("libraries").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.LibraryTarget{}, false, fmt.Errorf("build library query: %w", err)
	}

	lib, err := scanLibrary(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LibraryTarget{}, false, nil
	}
	if err != nil {
		return domain.LibraryTarget{}, false, err
	}
	return lib, true, nil
}

// AddLibrary inserts a new target. The base URL is stored with its trailing
// slash stripped; duplicates by base URL are rejected.
func (s *SQLiteStore) AddLibrary(ctx context.Context, lib domain.LibraryTarget) (domain.LibraryTarget, error) {
	lib.BaseURL = strings.TrimRight(lib.BaseURL, "/")
	if lib.Kind == "" {
		lib.Kind = "overdrive"
	}

	dupQuery, dupArgs, err := sq.Select("COUNT(1)").From("libraries").Where(sq.Eq{"base_url": lib.BaseURL}).ToSql()
	if err != nil {
		return domain.LibraryTarget{}, fmt.Errorf("build duplicate check: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, dupQuery, dupArgs...).Scan(&count); err != nil {
		return domain.LibraryTarget{}, fmt.Errorf("check duplicate library: %w", err)
	}
	if count > 0 {
		return domain.LibraryTarget{}, ports.ErrDuplicateLibrary
	}

	query, args, err := sq.Insert("libraries").
		Columns("name", "base_url", "kind", "active").
		Values(lib.Name, lib.BaseURL, lib.Kind, lib.Active).
		ToSql()
	if err != nil {
		return domain.LibraryTarget{}, fmt.Errorf("build library insert: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.LibraryTarget{}, fmt.Errorf("insert library: %w", err)
	}
	lib.ID, err = res.LastInsertId()
	if err != nil {
		return domain.LibraryTarget{}, fmt.Errorf("library insert id: %w", err)
	}
	return lib, nil
}

// UpdateLibrary replaces a target's fields by id.
func (s *SQLiteStore) UpdateLibrary(ctx context.Context, lib domain.LibraryTarget) (domain.LibraryTarget, error) {
	lib.BaseURL = strings.TrimRight(lib.BaseURL, "/")

	query, args, err := sq.Update("libraries").
		Set("name", lib.Name).
		Set("base_url", lib.BaseURL).
		Set("kind", lib.Kind).
		Set("active", lib.Active).
		Where(sq.Eq{"id": lib.ID}).
		ToSql()
	if err != nil {
		return domain.LibraryTarget{}, fmt.Errorf("build library update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.LibraryTarget{}, fmt.Errorf("update library: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.LibraryTarget{}, fmt.Errorf("library update result: %w", err)
	}
	if affected == 0 {
		return domain.LibraryTarget{}, ports.ErrNotFound
	}
	return lib, nil
}

// RemoveLibrary deletes a target and its cache entries.
func (s *SQLiteStore) RemoveLibrary(ctx context.Context, id int64) error {
	cacheQuery, cacheArgs, err := sq.Delete("availability_cache").Where(sq.Eq{"library_id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build cache delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, cacheQuery, cacheArgs...); err != nil {
		return fmt.Errorf("delete cache entries: %w", err)
	}

	query, args, err := sq.Delete("libraries").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build library delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete library: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("library delete result: %w", err)
	}
	if affected == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// Entry loads the cache entry for a (book, library) pair.
func (s *SQLiteStore) Entry(ctx context.Context, bookID, libraryID int64) (domain.CacheEntry, bool, error) {
	query, args, err := entrySelect().
		Where(sq.Eq{"book_id": bookID, "library_id": libraryID}).
		ToSql()
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("build entry query: %w", err)
	}

	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, err
	}
	return entry, true, nil
}

// EntriesForBook lists the cached results for a book across all libraries.
func (s *SQLiteStore) EntriesForBook(ctx context.Context, bookID int64) ([]domain.CacheEntry, error) {
	query, args, err := entrySelect().
		Where(sq.Eq{"book_id": bookID}).
		OrderBy("library_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build entries query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.CacheEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// RecordResult writes through one resolution outcome. The upsert increments
// consecutive_failures inside the statement when the new status is error and
// resets it otherwise, so the counter survives concurrent refreshes.
func (s *SQLiteStore) RecordResult(ctx context.Context, bookID, libraryID int64, result domain.AvailabilityResult, expiresAt time.Time) (domain.CacheEntry, error) {
	initialFailures := 0
	if result.Status == domain.StatusError {
		initialFailures = 1
	}

	query, args, err := sq.Insert("availability_cache").
		Columns("book_id", "library_id", "status", "search_url", "deep_link_url",
			"wait_estimate", "message", "checked_at", "expires_at", "consecutive_failures").
		Values(bookID, libraryID, string(result.Status), result.SearchURL, result.DeepLinkURL,
			result.WaitEstimate, result.Message,
			result.CheckedAt.UTC().Format(timeLayout), expiresAt.UTC().Format(timeLayout),
			initialFailures).
		Suffix(`ON CONFLICT(book_id, library_id) DO UPDATE SET
			status = excluded.status,
			search_url = excluded.search_url,
			deep_link_url = excluded.deep_link_url,
			wait_estimate = excluded.wait_estimate,
			message = excluded.message,
			checked_at = excluded.checked_at,
			expires_at = excluded.expires_at,
			consecutive_failures = CASE WHEN excluded.status = 'error'
				THEN availability_cache.consecutive_failures + 1 ELSE 0 END`).
		ToSql()
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("build result upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return domain.CacheEntry{}, fmt.Errorf("upsert result: %w", err)
	}

	entry, ok, err := s.Entry(ctx, bookID, libraryID)
	if err != nil {
		return domain.CacheEntry{}, err
	}
	if !ok {
		return domain.CacheEntry{}, fmt.Errorf("entry vanished after upsert")
	}
	return entry, nil
}

func entrySelect() sq.SelectBuilder {
	return sq.Select("book_id", "library_id", "status", "search_url", "deep_link_url",
		"wait_estimate", "message", "checked_at", "expires_at", "consecutive_failures").
		From("availability_cache")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (domain.CacheEntry, error) {
	var (
		entry     domain.CacheEntry
		status    string
		checkedAt string
		expiresAt string
	)
	err := row.Scan(&entry.BookID, &entry.LibraryID, &status,
		&entry.Result.SearchURL, &entry.Result.DeepLinkURL,
		&entry.Result.WaitEstimate, &entry.Result.Message,
		&checkedAt, &expiresAt, &entry.ConsecutiveFailures)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CacheEntry{}, err
		}
		return domain.CacheEntry{}, fmt.Errorf("scan entry: %w", err)
	}

	entry.Result.Status = domain.Status(status)
	if entry.Result.CheckedAt, err = time.Parse(timeLayout, checkedAt); err != nil {
		return domain.CacheEntry{}, fmt.Errorf("parse checked_at: %w", err)
	}
	if entry.ExpiresAt, err = time.Parse(timeLayout, expiresAt); err != nil {
		return domain.CacheEntry{}, fmt.Errorf("parse expires_at: %w", err)
	}
	return entry, nil
}

func scanLibrary(row rowScanner) (domain.LibraryTarget, error) {
	var lib domain.LibraryTarget
	if err := row.Scan(&lib.ID, &lib.Name, &lib.BaseURL, &lib.Kind, &lib.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LibraryTarget{}, err
		}
		return domain.LibraryTarget{}, fmt.Errorf("scan library: %w", err)
	}
	return lib, nil
}
