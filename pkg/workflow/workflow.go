package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/sujeongiyo/reviewradar/internal/logger"
	"github.com/sujeongiyo/reviewradar/internal/store"
	"github.com/sujeongiyo/reviewradar/pkg/analysis"
	"github.com/sujeongiyo/reviewradar/pkg/notify"
	"github.com/sujeongiyo/reviewradar/pkg/search"
)

// DefaultCount is the number of posts requested when none is given.
const DefaultCount = 50

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrNoResults          = errors.New("no search results")
	ErrNoStoredPosts      = errors.New("no stored posts for product, run search first")
)

// Searcher runs blog searches.
type Searcher interface {
	Search(ctx context.Context, creds search.Credentials, q search.Query) (*search.Response, error)
}

// Analyzer turns a review corpus into an analysis.
type Analyzer interface {
	Analyze(ctx context.Context, apiKey, corpus, product string) (*analysis.Result, error)
}

// Broadcaster publishes fresh analysis results.
type Broadcaster interface {
	Broadcast(ctx context.Context, n *notify.Notification) error
}

// SearchRequest describes one search operation.
type SearchRequest struct {
	Product string
	Count   int
	Start   int
	Sort    search.Sort
}

// SearchOutcome is what a successful search produced.
type SearchOutcome struct {
	Product string       `json:"product"`
	Total   int          `json:"total"`
	Stored  int          `json:"stored"`
	Posts   []store.Post `json:"posts"`
}

// AnalyzeOutcome is the analysis presented to the user.
type AnalyzeOutcome struct {
	Analysis  *store.Analysis `json:"analysis"`
	Cached    bool            `json:"cached"`
	PostCount int             `json:"post_count,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
}

// ProductView is everything stored for one product.
type ProductView struct {
	Product  string          `json:"product"`
	Total    int             `json:"total"`
	Posts    []store.Post    `json:"posts"`
	Analysis *store.Analysis `json:"analysis,omitempty"`
}

// Workflow sequences search, persistence and analysis. Runs are serialised:
// one pipeline completes before the next starts.
type Workflow struct {
	mu        sync.Mutex
	searcher  Searcher
	store     store.Store
	analyzer  Analyzer
	notifier  Broadcaster // optional
	postLimit int
}

// New creates a workflow. notifier may be nil.
func New(searcher Searcher, s store.Store, analyzer Analyzer, notifier Broadcaster) *Workflow {
	return &Workflow{
		searcher:  searcher,
		store:     s,
		analyzer:  analyzer,
		notifier:  notifier,
		postLimit: store.DefaultListLimit,
	}
}

// Search queries the blog API and replaces the stored posts for the product.
// An empty result leaves the store untouched.
func (w *Workflow) Search(ctx context.Context, sess *Session, req SearchRequest) (*SearchOutcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	product := strings.TrimSpace(req.Product)
	if product == "" {
		return nil, store.ErrEmptyProduct
	}

	creds := sess.Credentials()
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, fmt.Errorf("%w: search client id and secret", ErrMissingCredentials)
	}

	q := search.Query{Text: product, Count: req.Count, Start: req.Start, Sort: req.Sort}
	if q.Count == 0 {
		q.Count = DefaultCount
	}
	if q.Start == 0 {
		q.Start = 1
	}
	if q.Sort == "" {
		q.Sort = search.SortRecency
	}

	logger.Log.WithField("product", product).Infof("searching blogs (count=%d sort=%s)", q.Count, q.Sort)
	resp, err := w.searcher.Search(ctx, search.Credentials{ClientID: creds.ClientID, ClientSecret: creds.ClientSecret}, q)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", product, err)
	}
	if len(resp.Items) == 0 {
		logger.Log.WithField("product", product).Warn("search returned no items")
		return nil, ErrNoResults
	}

	posts := lo.Map(resp.Items, func(it search.Item, _ int) store.Post {
		return it.Post(product)
	})
	n, err := w.store.ReplacePosts(ctx, product, posts)
	if err != nil {
		return nil, err
	}

	logger.Log.WithField("product", product).Infof("stored %d blog posts", n)
	return &SearchOutcome{Product: product, Total: resp.Total, Stored: n, Posts: posts}, nil
}

// RequestReanalysis marks the session so its next Analyze skips the cache.
func (w *Workflow) RequestReanalysis(sess *Session) {
	sess.RequestReanalysis()
}

// Analyze returns the cached analysis for product unless the session asked
// for re-analysis, in which case, or when nothing is cached, it analyses the
// stored posts and writes the result through.
func (w *Workflow) Analyze(ctx context.Context, sess *Session, product string) (*AnalyzeOutcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	product = strings.TrimSpace(product)
	if product == "" {
		return nil, store.ErrEmptyProduct
	}

	apiKey := sess.Credentials().APIKey
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %w", ErrMissingCredentials, analysis.ErrMissingCredential)
	}

	force := sess.consumeReanalysis()

	if !force {
		cached, err := w.store.GetAnalysis(ctx, product)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			logger.Log.WithField("product", product).Info("using cached analysis")
			return &AnalyzeOutcome{Analysis: cached, Cached: true}, nil
		}
	}

	posts, err := w.store.ListPosts(ctx, product, w.postLimit)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoStoredPosts, product)
	}

	logger.Log.WithField("product", product).Infof("analysing %d blog posts", len(posts))
	res, err := w.analyzer.Analyze(ctx, apiKey, BuildCorpus(posts), product)
	if err != nil {
		return nil, fmt.Errorf("analyze %q: %w", product, err)
	}

	a := &store.Analysis{
		ProductName:      product,
		AdAnalysis:       res.AdAnalysis,
		PositiveOpinions: res.Positive,
		NegativeOpinions: res.Negative,
		Summary:          res.Summary,
	}
	if err := w.store.ReplaceAnalysis(ctx, a); err != nil {
		return nil, err
	}

	out := &AnalyzeOutcome{Analysis: a, PostCount: len(posts)}
	if res.Truncated {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("review text exceeded %d characters and was truncated", analysis.MaxCorpusChars))
	}

	if w.notifier != nil {
		err := w.notifier.Broadcast(ctx, &notify.Notification{
			Product:    product,
			AdAnalysis: a.AdAnalysis,
			Positive:   a.PositiveOpinions,
			Negative:   a.NegativeOpinions,
			Summary:    a.Summary,
			PostCount:  len(posts),
			Truncated:  res.Truncated,
		})
		if err != nil {
			logger.Log.WithField("product", product).Warnf("notify: %v", err)
			out.Warnings = append(out.Warnings, "notification failed: "+err.Error())
		}
	}
	return out, nil
}

// Show returns the stored posts and cached analysis for product.
func (w *Workflow) Show(ctx context.Context, product string, limit int) (*ProductView, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	product = strings.TrimSpace(product)
	if product == "" {
		return nil, store.ErrEmptyProduct
	}
	total, err := w.store.CountPosts(ctx, product)
	if err != nil {
		return nil, err
	}
	posts, err := w.store.ListPosts(ctx, product, limit)
	if err != nil {
		return nil, err
	}
	a, err := w.store.GetAnalysis(ctx, product)
	if err != nil {
		return nil, err
	}
	return &ProductView{Product: product, Total: total, Posts: posts, Analysis: a}, nil
}

// Products lists every product with stored data.
func (w *Workflow) Products(ctx context.Context) ([]store.ProductSummary, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.ListProducts(ctx)
}

// Reset wipes all persisted posts and analyses.
func (w *Workflow) Reset(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.Reset(ctx)
}

// BuildCorpus joins posts into the text sent for analysis: one block per post,
// blocks separated by a blank line.
func BuildCorpus(posts []store.Post) string {
	blocks := lo.Map(posts, func(p store.Post, _ int) string {
		return fmt.Sprintf("Title: %s\nContent: %s\nAuthor: %s\nDate: %s", p.Title, p.Description, p.BloggerName, p.PostDate)
	})
	return strings.Join(blocks, "\n\n")
}
