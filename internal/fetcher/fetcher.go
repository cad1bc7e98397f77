// Package fetcher reads reference catalog pages: HTML tables whose rows hold
// a CU code, a title and an optional description.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/pbaille/cpsynth/internal/config"
	"github.com/pbaille/cpsynth/internal/domain"
)

const maxPageBytes = 5 * 1024 * 1024

// Source fetches numbered catalog pages over HTTP
type Source struct {
	pageURL string
	client  *http.Client
}

// New creates a Source. cfg.PageURL must contain one %d for the page number.
func New(cfg config.CatalogConfig) (*Source, error) {
	if strings.Count(cfg.PageURL, "%d") != 1 {
		return nil, fmt.Errorf("catalog page url %q needs exactly one %%d placeholder", cfg.PageURL)
	}
	u, err := url.Parse(strings.Replace(cfg.PageURL, "%d", "1", 1))
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Source{pageURL: cfg.PageURL, client: &http.Client{Timeout: timeout}}, nil
}

// FetchPage retrieves one page and extracts its records
func (s *Source) FetchPage(ctx context.Context, page int) ([]domain.ReferenceCURecord, error) {
	pageURL := fmt.Sprintf(s.pageURL, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "cpsynth/1.0 (catalog)")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	recs, err := ParseRecords(string(body), pageURL)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// ParseRecords returns one record per table row with at least a code and a
// title cell. Header rows and rows with a blank code are ignored.
func ParseRecords(htmlContent, sourceRef string) ([]domain.ReferenceCURecord, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var recs []domain.ReferenceCURecord
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			if rec, ok := rowRecord(n, sourceRef); ok {
				recs = append(recs, rec)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return recs, nil
}

func rowRecord(tr *html.Node, sourceRef string) (domain.ReferenceCURecord, bool) {
	var cells []string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "td" {
			cells = append(cells, nodeText(c))
		}
	}
	if len(cells) < 2 || cells[0] == "" || cells[1] == "" {
		return domain.ReferenceCURecord{}, false
	}
	rec := domain.ReferenceCURecord{CUCode: cells[0], CUTitle: cells[1], SourceRef: sourceRef}
	if len(cells) > 2 {
		rec.CUDescription = cells[2]
	}
	return rec, true
}

// nodeText returns the collapsed text content of n
func nodeText(n *html.Node) string {
	var sb strings.Builder

	// Tags to skip (non-content)
	skipTags := map[string]bool{
		"script": true, "style": true, "noscript": true,
	}

	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.ElementNode && skipTags[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(n)

	return strings.Join(strings.Fields(sb.String()), " ")
}
