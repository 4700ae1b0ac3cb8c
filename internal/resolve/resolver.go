package resolve

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/PuerkitoBio/goquery"

	"shelfwatch/internal/classify"
	"shelfwatch/internal/domain"
	"shelfwatch/internal/ports"
	"shelfwatch/internal/search"
)

const (
	// DefaultNavigationTimeout bounds one page render.
	DefaultNavigationTimeout = 30 * time.Second

	deepLinkBase = "https://share.libbyapp.com/title/"
)

var mediaHrefExpr = regexp.MustCompile(`/media/(\d+)`)

// Resolver drives one availability check: builds the search URL, renders the
// page, extracts an optional companion-app deep link, and classifies the
// content. One rendering attempt per call, no internal retries; retry policy
// belongs to callers so this operation stays idempotent and boundable.
type Resolver struct {
	renderer   ports.PageRenderer
	classifier *classify.Classifier
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

var _ ports.Resolver = (*Resolver)(nil)

// New wires a renderer and classifier. A zero timeout falls back to the
// default navigation timeout.
func New(renderer ports.PageRenderer, classifier *classify.Classifier, timeout time.Duration, logger *slog.Logger) *Resolver {
	if classifier == nil {
		classifier = classify.New()
	}
	if timeout <= 0 {
		timeout = DefaultNavigationTimeout
	}
	return &Resolver{
		renderer:   renderer,
		classifier: classifier,
		timeout:    timeout,
		logger:     logger,
		now:        time.Now,
	}
}

// Resolve checks one (library, title, author) combination. Navigation
// failures and timeouts come back as a terminal error-status result carrying
// the cause, never as a Go error.
func (r *Resolver) Resolve(ctx context.Context, library domain.LibraryTarget, title, author string) domain.AvailabilityResult {
	searchURL := search.BuildSearchURL(library.BaseURL, title, author)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	doc, err := r.renderer.Render(ctx, searchURL)
	if err != nil {
		msg := "navigation failed: " + err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "page load timeout"
		}
		r.debug("render failed", "library", library.Name, "url", searchURL, "error", err)
		return domain.AvailabilityResult{
			Status:    domain.StatusError,
			SearchURL: searchURL,
			Message:   msg,
			CheckedAt: r.now().UTC(),
		}
	}

	out := r.classifier.Classify(doc)
	result := domain.AvailabilityResult{
		Status:       out.Status,
		SearchURL:    searchURL,
		DeepLinkURL:  deepLinkFromDoc(doc),
		WaitEstimate: out.WaitEstimate,
		Message:      out.Message,
		CheckedAt:    r.now().UTC(),
	}
	r.debug("resolved", "library", library.Name, "title", title, "status", result.Status)
	return result
}

// deepLinkFromDoc derives a companion-app link from the catalog media id when
// the page exposes one. Missing ids are fine.
func deepLinkFromDoc(doc *goquery.Document) string {
	if id, ok := doc.Find("[data-media-id]").First().Attr("data-media-id"); ok && id != "" {
		return deepLinkBase + id
	}
	if href, ok := doc.Find(`a[href*="/media/"]`).First().Attr("href"); ok {
		if m := mediaHrefExpr.FindStringSubmatch(href); m != nil {
			return deepLinkBase + m[1]
		}
	}
	return ""
}

func (r *Resolver) debug(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, args...)
	}
}
