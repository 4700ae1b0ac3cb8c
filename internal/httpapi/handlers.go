package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shelfwatch/internal/batch"
	"shelfwatch/internal/cache"
	"shelfwatch/internal/domain"
	"shelfwatch/internal/httpx"
	"shelfwatch/internal/ports"
)

// Handler exposes the availability engine and catalog management over HTTP.
type Handler struct {
	catalog     ports.Catalog
	cache       *cache.Service
	coordinator *batch.Coordinator
	jobs        *batch.Table
	logger      *slog.Logger
}

// NewHandler wires the API surface.
func NewHandler(catalog ports.Catalog, cacheSvc *cache.Service, coordinator *batch.Coordinator, jobs *batch.Table, logger *slog.Logger) *Handler {
	return &Handler{
		catalog:     catalog,
		cache:       cacheSvc,
		coordinator: coordinator,
		jobs:        jobs,
		logger:      logger,
	}
}

// Routes registers every endpoint on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("POST /api/availability/check", h.CheckBook)
	mux.HandleFunc("POST /api/availability/check-all", h.CheckAll)
	mux.HandleFunc("GET /api/availability/job/{id}", h.JobStatus)
	mux.HandleFunc("GET /api/availability/{bookID}", h.CachedAvailability)

	mux.HandleFunc("GET /api/libraries", h.ListLibraries)
	mux.HandleFunc("POST /api/libraries", h.AddLibrary)
	mux.HandleFunc("PUT /api/libraries/{id}", h.UpdateLibrary)
	mux.HandleFunc("DELETE /api/libraries/{id}", h.DeleteLibrary)

	mux.HandleFunc("GET /api/books", h.ListBooks)
	mux.HandleFunc("POST /api/books", h.UpsertBooks)

	return mux
}

type availabilityResponse struct {
	BookID              int64     `json:"book_id"`
	LibraryID           int64     `json:"library_id"`
	LibraryName         string    `json:"library_name"`
	Status              string    `json:"status"`
	SearchURL           string    `json:"search_url,omitempty"`
	DeepLinkURL         string    `json:"deep_link_url,omitempty"`
	WaitEstimate        string    `json:"wait_estimate,omitempty"`
	Message             string    `json:"message,omitempty"`
	CheckedAt           time.Time `json:"checked_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// CheckBook handles POST /api/availability/check: a cache-aware check of one
// book across every active library.
func (h *Handler) CheckBook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BookID int64 `json:"book_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body", nil)
		return
	}

	book, ok, err := h.catalog.Book(r.Context(), req.BookID)
	if err != nil {
		h.internalError(w, "load book", err)
		return
	}
	if !ok {
		httpx.JSONError(w, http.StatusNotFound, "NOT_FOUND", "Book not found", nil)
		return
	}

	libraries, err := h.activeLibraries(r.Context())
	if err != nil {
		h.internalError(w, "load libraries", err)
		return
	}
	if len(libraries) == 0 {
		httpx.JSONError(w, http.StatusBadRequest, "NO_LIBRARIES", "No libraries configured", nil)
		return
	}

	entries, err := h.cache.CheckBook(r.Context(), book, libraries)
	if err != nil {
		h.internalError(w, "check availability", err)
		return
	}

	httpx.JSONSuccess(w, h.toResponses(r.Context(), entries), nil)
}

// CheckAll handles POST /api/availability/check-all: starts a background
// catalog-wide refresh and returns the job id immediately.
func (h *Handler) CheckAll(w http.ResponseWriter, r *http.Request) {
	books, err := h.catalog.Books(r.Context())
	if err != nil {
		h.internalError(w, "load books", err)
		return
	}
	libraries, err := h.catalog.Libraries(r.Context())
	if err != nil {
		h.internalError(w, "load libraries", err)
		return
	}

	// The job outlives the request; detach it from the request context.
	jobID := h.coordinator.Run(context.Background(), books, libraries)

	httpx.JSONSuccess(w, map[string]string{
		"job_id":  jobID,
		"message": "Availability check started",
	}, nil)
}

// JobStatus handles GET /api/availability/job/{id}.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := h.jobs.Get(r.PathValue("id"))
	if !ok {
		httpx.JSONError(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return
	}

	resp := map[string]any{
		"status":   string(job.State),
		"progress": job.Progress,
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	httpx.JSONSuccess(w, resp, nil)
}

// CachedAvailability handles GET /api/availability/{bookID}: cache read only,
// zero remote calls.
func (h *Handler) CachedAvailability(w http.ResponseWriter, r *http.Request) {
	bookID, err := strconv.ParseInt(r.PathValue("bookID"), 10, 64)
	if err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid book id", nil)
		return
	}

	_, ok, err := h.catalog.Book(r.Context(), bookID)
	if err != nil {
		h.internalError(w, "load book", err)
		return
	}
	if !ok {
		httpx.JSONError(w, http.StatusNotFound, "NOT_FOUND", "Book not found", nil)
		return
	}

	entries, err := h.cache.CachedForBook(r.Context(), bookID)
	if err != nil {
		h.internalError(w, "load cached availability", err)
		return
	}

	httpx.JSONSuccess(w, h.toResponses(r.Context(), entries), nil)
}

type libraryRequest struct {
	Name    *string `json:"name"`
	BaseURL *string `json:"base_url"`
	Kind    *string `json:"kind"`
	Active  *bool   `json:"active"`
}

type libraryResponse struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	Kind    string `json:"kind"`
	Active  bool   `json:"active"`
}

// ListLibraries handles GET /api/libraries.
func (h *Handler) ListLibraries(w http.ResponseWriter, r *http.Request) {
	libs, err := h.catalog.Libraries(r.Context())
	if err != nil {
		h.internalError(w, "load libraries", err)
		return
	}

	resp := make([]libraryResponse, 0, len(libs))
	for _, lib := range libs {
		resp = append(resp, toLibraryResponse(lib))
	}
	httpx.JSONSuccess(w, resp, nil)
}

// AddLibrary handles POST /api/libraries.
func (h *Handler) AddLibrary(w http.ResponseWriter, r *http.Request) {
	var req libraryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body", nil)
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" ||
		req.BaseURL == nil || strings.TrimSpace(*req.BaseURL) == "" {
		httpx.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "name and base_url are required", nil)
		return
	}

	lib := domain.LibraryTarget{
		Name:    *req.Name,
		BaseURL: *req.BaseURL,
		Active:  true,
	}
	if req.Kind != nil {
		lib.Kind = *req.Kind
	}
	if req.Active != nil {
		lib.Active = *req.Active
	}

	saved, err := h.catalog.AddLibrary(r.Context(), lib)
	if errors.Is(err, ports.ErrDuplicateLibrary) {
		httpx.JSONError(w, http.StatusBadRequest, "DUPLICATE", "Library with this URL already exists", nil)
		return
	}
	if err != nil {
		h.internalError(w, "add library", err)
		return
	}

	httpx.JSONSuccess(w, toLibraryResponse(saved), nil)
}

// UpdateLibrary handles PUT /api/libraries/{id} with partial fields.
func (h *Handler) UpdateLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid library id", nil)
		return
	}

	var req libraryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body", nil)
		return
	}

	lib, ok, err := h.catalog.Library(r.Context(), id)
	if err != nil {
		h.internalError(w, "load library", err)
		return
	}
	if !ok {
		httpx.JSONError(w, http.StatusNotFound, "NOT_FOUND", "Library not found", nil)
		return
	}

	if req.Name != nil {
		lib.Name = *req.Name
	}
	if req.BaseURL != nil {
		lib.BaseURL = *req.BaseURL
	}
	if req.Kind != nil {
		lib.Kind = *req.Kind
	}
	if req.Active != nil {
		lib.Active = *req.Active
	}

	saved, err := h.catalog.UpdateLibrary(r.Context(), lib)
	if errors.Is(err, ports.ErrNotFound) {
		httpx.JSONError(w, http.StatusNotFound, "NOT_FOUND", "Library not found", nil)
		return
	}
	if err != nil {
		h.internalError(w, "update library", err)
		return
	}

	httpx.JSONSuccess(w, toLibraryResponse(saved), nil)
}

// DeleteLibrary handles DELETE /api/libraries/{id}.
func (h *Handler) DeleteLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid library id", nil)
		return
	}

	err = h.catalog.RemoveLibrary(r.Context(), id)
	if errors.Is(err, ports.ErrNotFound) {
		httpx.JSONError(w, http.StatusNotFound, "NOT_FOUND", "Library not found", nil)
		return
	}
	if err != nil {
		h.internalError(w, "delete library", err)
		return
	}

	httpx.JSONSuccess(w, map[string]string{"message": "Library deleted"}, nil)
}

type bookRequest struct {
	ExternalID string `json:"external_id"`
	Title      string `json:"title"`
	Author     string `json:"author"`
	ISBN       string `json:"isbn"`
}

type bookResponse struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id,omitempty"`
	Title      string `json:"title"`
	Author     string `json:"author,omitempty"`
	ISBN       string `json:"isbn,omitempty"`
}

// ListBooks handles GET /api/books.
func (h *Handler) ListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.catalog.Books(r.Context())
	if err != nil {
		h.internalError(w, "load books", err)
		return
	}

	resp := make([]bookResponse, 0, len(books))
	for _, b := range books {
		resp = append(resp, toBookResponse(b))
	}
	httpx.JSONSuccess(w, resp, nil)
}

// UpsertBooks handles POST /api/books: the write surface the external
// feed-sync collaborator uses. The core never parses feeds itself.
func (h *Handler) UpsertBooks(w http.ResponseWriter, r *http.Request) {
	var req []bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body", nil)
		return
	}

	books := make([]domain.Book, 0, len(req))
	for _, b := range req {
		if strings.TrimSpace(b.Title) == "" {
			httpx.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Every book needs a title", nil)
			return
		}
		books = append(books, domain.Book{
			ExternalID: b.ExternalID,
			Title:      b.Title,
			Author:     b.Author,
			ISBN:       b.ISBN,
		})
	}

	saved, err := h.catalog.UpsertBooks(r.Context(), books)
	if err != nil {
		h.internalError(w, "upsert books", err)
		return
	}

	resp := make([]bookResponse, 0, len(saved))
	for _, b := range saved {
		resp = append(resp, toBookResponse(b))
	}
	httpx.JSONSuccess(w, resp, map[string]any{"books_synced": len(saved)})
}

func (h *Handler) activeLibraries(ctx context.Context) ([]domain.LibraryTarget, error) {
	libs, err := h.catalog.Libraries(ctx)
	if err != nil {
		return nil, err
	}
	active := libs[:0]
	for _, lib := range libs {
		if lib.Active {
			active = append(active, lib)
		}
	}
	return active, nil
}

func (h *Handler) toResponses(ctx context.Context, entries []domain.CacheEntry) []availabilityResponse {
	names := map[int64]string{}
	if libs, err := h.catalog.Libraries(ctx); err == nil {
		for _, lib := range libs {
			names[lib.ID] = lib.Name
		}
	}

	resp := make([]availabilityResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, availabilityResponse{
			BookID:              e.BookID,
			LibraryID:           e.LibraryID,
			LibraryName:         names[e.LibraryID],
			Status:              string(e.Result.Status),
			SearchURL:           e.Result.SearchURL,
			DeepLinkURL:         e.Result.DeepLinkURL,
			WaitEstimate:        e.Result.WaitEstimate,
			Message:             e.Result.Message,
			CheckedAt:           e.Result.CheckedAt,
			ExpiresAt:           e.ExpiresAt,
			ConsecutiveFailures: e.ConsecutiveFailures,
		})
	}
	return resp
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Error(op, "error", err)
	}
	httpx.JSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
}

func toLibraryResponse(lib domain.LibraryTarget) libraryResponse {
	return libraryResponse{
		ID:      lib.ID,
		Name:    lib.Name,
		BaseURL: lib.BaseURL,
		Kind:    lib.Kind,
		Active:  lib.Active,
	}
}

func toBookResponse(b domain.Book) bookResponse {
	return bookResponse{
		ID:         b.ID,
		ExternalID: b.ExternalID,
		Title:      b.Title,
		Author:     b.Author,
		ISBN:       b.ISBN,
	}
}
