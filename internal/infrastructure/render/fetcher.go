package render

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"

	"shelfwatch/internal/ports"
)

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

// DocumentFetcher renders search pages over plain HTTP and parses them with
// goquery. It is the default ports.PageRenderer; a headless browser can be
// swapped in behind the same interface for script-heavy storefronts.
type DocumentFetcher struct {
	client    *http.Client
	userAgent string
}

var _ ports.PageRenderer = (*DocumentFetcher)(nil)

// NewDocumentFetcher wires an HTTP client; nil gets a 30s-timeout default.
func NewDocumentFetcher(client *http.Client, userAgent string) *DocumentFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &DocumentFetcher{client: client, userAgent: userAgent}
}

// Render fetches the page and returns a parsed document. The response body is
// the rendering session here; it is closed on every exit path.
func (f *DocumentFetcher) Render(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search page returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	return doc, nil
}
