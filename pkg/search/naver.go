package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Naver Open API search root.
const DefaultBaseURL = "https://openapi.naver.com/v1/search"

// Sort orders search results.
type Sort string

const (
	SortRecency   Sort = "date"
	SortRelevance Sort = "sim"
)

// ParseSort accepts the API values and their readable names.
func ParseSort(s string) (Sort, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "date", "recency":
		return SortRecency, nil
	case "sim", "relevance":
		return SortRelevance, nil
	}
	return "", fmt.Errorf("%w: unknown sort %q (want recency or relevance)", ErrInvalidQuery, s)
}

var (
	ErrMissingCredentials = errors.New("search api credentials are required")
	ErrInvalidQuery       = errors.New("invalid search query")
	ErrMalformed          = errors.New("malformed search response")
)

// StatusError is returned when the API answers with a non-200 status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("search api status %d", e.Code)
	}
	return fmt.Sprintf("search api status %d: %s", e.Code, e.Body)
}

// TransportError wraps DNS, connection and timeout failures.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "search api transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Credentials are the two header values the API requires.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Valid reports whether both values are present.
func (c Credentials) Valid() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Query is a single page request. No pagination loop is run.
type Query struct {
	Text  string
	Count int // 1..100
	Start int // 1..1000
	Sort  Sort
}

func (q Query) validate() error {
	switch {
	case strings.TrimSpace(q.Text) == "":
		return fmt.Errorf("%w: empty query", ErrInvalidQuery)
	case q.Count < 1 || q.Count > 100:
		return fmt.Errorf("%w: count %d out of range 1..100", ErrInvalidQuery, q.Count)
	case q.Start < 1 || q.Start > 1000:
		return fmt.Errorf("%w: start %d out of range 1..1000", ErrInvalidQuery, q.Start)
	case q.Sort != SortRecency && q.Sort != SortRelevance:
		return fmt.Errorf("%w: unknown sort %q", ErrInvalidQuery, q.Sort)
	}
	return nil
}

// Response is the decoded search result page.
type Response struct {
	Total         int    `json:"total"`
	Start         int    `json:"start"`
	Display       int    `json:"display"`
	LastBuildDate string `json:"lastBuildDate"`
	Items         []Item `json:"items"`
}

// Item is one blog post as returned by the API. Title and Description still
// carry inline markup; see StripMarkup.
type Item struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	Description string `json:"description"`
	BloggerName string `json:"bloggername"`
	BloggerLink string `json:"bloggerlink"`
	PostDate    string `json:"postdate"`
}

// DefaultRatePerSecond paces requests below the API's per-second quota.
const DefaultRatePerSecond = 10

// Client queries the blog search API.
type Client struct {
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
}

// NewClient creates a search client. An empty baseURL selects DefaultBaseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		limiter: rate.NewLimiter(rate.Limit(DefaultRatePerSecond), 1),
	}
}

// SetRateLimit changes the request pace. Zero or negative disables limiting.
func (c *Client) SetRateLimit(perSecond float64) {
	if perSecond <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 1)
		return
	}
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
}

// Search runs one blog search request. Failures are never retried.
func (c *Client) Search(ctx context.Context, creds Credentials, q Query) (*Response, error) {
	if !creds.Valid() {
		return nil, ErrMissingCredentials
	}
	if err := q.validate(); err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("search rate limit: %w", err)
	}

	params := url.Values{}
	params.Set("sort", string(q.Sort))
	params.Set("display", strconv.Itoa(q.Count))
	params.Set("start", strconv.Itoa(q.Start))
	params.Set("query", q.Text)
	// Encode spaces as %20 rather than form-style "+".
	reqURL := c.baseURL + "/blog.json?" + strings.ReplaceAll(params.Encode(), "+", "%20")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("X-Naver-Client-Id", creds.ClientID)
	req.Header.Set("X-Naver-Client-Secret", creds.ClientSecret)
	req.Header.Set("User-Agent", "reviewradar/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(bytes.TrimSpace(body)), 300)}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	var result Response
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &result, nil
}

// truncate keeps at most maxLen runes of s.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
