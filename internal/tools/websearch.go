package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const WebSearchName = "web_search"

// WebSearcher queries the DuckDuckGo HTML endpoint and extracts result links.
type WebSearcher struct {
	endpoint string
	client   *http.Client
}

func NewWebSearcher(endpoint string) *WebSearcher {
	if endpoint == "" {
		endpoint = "https://html.duckduckgo.com/html/"
	}
	return &WebSearcher{endpoint: endpoint, client: &http.Client{Timeout: 10 * time.Second}}
}

type SearchHit struct {
	Title string
	URL   string
}

func (s *WebSearcher) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; jarvis/1.0)")
	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search http status %d", res.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return nil, fmt.Errorf("parse search results: %w", err)
	}
	var hits []SearchHit
	doc.Find("a.result__a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		title := strings.TrimSpace(sel.Text())
		if !ok || title == "" {
			return true
		}
		hits = append(hits, SearchHit{Title: title, URL: resolveRedirect(href)})
		return len(hits) < limit
	})
	return hits, nil
}

// resolveRedirect unwraps DuckDuckGo "/l/?uddg=" redirect links.
func resolveRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

func WebSearch(s *WebSearcher) Tool {
	return Tool{
		Name:        WebSearchName,
		Description: "Searches the web and returns result titles and links.",
		Schema: objectSchema([]string{"query"}, map[string]any{
			"query": stringProp("What to search for."),
			"limit": map[string]any{"type": "integer", "description": "Maximum number of results (default 5)."},
		}),
		Slow: true,
		Run: func(ctx context.Context, args Args) (string, error) {
			query, err := args.String("query")
			if err != nil {
				return "", err
			}
			if s == nil {
				return "", ErrNotAvailable
			}
			limit := args.Int("limit", 5)
			if limit <= 0 || limit > 10 {
				limit = 5
			}
			hits, err := s.Search(ctx, query, limit)
			if err != nil {
				return "", err
			}
			if len(hits) == 0 {
				return "No results found.", nil
			}
			lines := make([]string, 0, len(hits))
			for _, h := range hits {
				lines = append(lines, fmt.Sprintf("%s - %s", h.Title, h.URL))
			}
			return strings.Join(lines, "\n"), nil
		},
	}
}
