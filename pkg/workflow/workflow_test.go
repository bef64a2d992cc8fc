package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujeongiyo/reviewradar/internal/store"
	"github.com/sujeongiyo/reviewradar/pkg/analysis"
	"github.com/sujeongiyo/reviewradar/pkg/notify"
	"github.com/sujeongiyo/reviewradar/pkg/search"
)

type stubSearcher struct {
	items []search.Item
	err   error
	calls int
	last  search.Query
}

func (s *stubSearcher) Search(_ context.Context, _ search.Credentials, q search.Query) (*search.Response, error) {
	s.calls++
	s.last = q
	if s.err != nil {
		return nil, s.err
	}
	return &search.Response{Total: len(s.items) * 10, Items: s.items}, nil
}

type stubAnalyzer struct {
	replies []analysis.Result
	err     error
	calls   int
	corpus  string
}

func (a *stubAnalyzer) Analyze(_ context.Context, _, corpus, _ string) (*analysis.Result, error) {
	a.calls++
	a.corpus = corpus
	if a.err != nil {
		return nil, a.err
	}
	r := a.replies[(a.calls-1)%len(a.replies)]
	return &r, nil
}

type recordingNotifier struct {
	sent []*notify.Notification
	err  error
}

func (r *recordingNotifier) Broadcast(_ context.Context, n *notify.Notification) error {
	r.sent = append(r.sent, n)
	return r.err
}

func items(n int, prefix string) []search.Item {
	out := make([]search.Item, n)
	for i := range out {
		out[i] = search.Item{
			Title:       fmt.Sprintf("<b>%s</b> %d", prefix, i),
			Description: fmt.Sprintf("&quot;%s&quot; body %d", prefix, i),
			Link:        fmt.Sprintf("https://blog.example/%d", i),
			BloggerName: "kim",
			PostDate:    "20240101",
		}
	}
	return out
}

type fixture struct {
	wf       *Workflow
	store    *store.SQLiteStore
	searcher *stubSearcher
	analyzer *stubAnalyzer
	sess     *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "reviews.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:    st,
		searcher: &stubSearcher{},
		analyzer: &stubAnalyzer{replies: []analysis.Result{
			{Positive: "pos-1", Negative: "neg-1", Summary: "sum-1"},
			{Positive: "pos-2", Negative: "neg-2", Summary: "sum-2"},
		}},
		sess: NewSession("test", Credentials{ClientID: "id", ClientSecret: "secret", APIKey: "sk"}),
	}
	f.wf = New(f.searcher, st, f.analyzer, nil)
	return f
}

func (f *fixture) countPosts(t *testing.T, product string) int {
	t.Helper()
	n, err := f.store.CountPosts(context.Background(), product)
	require.NoError(t, err)
	return n
}

func TestSearchReplacesPostsPerProduct(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.searcher.items = items(3, "first")
	out, err := f.wf.Search(ctx, f.sess, SearchRequest{Product: "WidgetX", Count: 10, Sort: search.SortRecency})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Stored)
	assert.Equal(t, 3, f.countPosts(t, "WidgetX"))
	assert.Equal(t, search.Query{Text: "WidgetX", Count: 10, Start: 1, Sort: search.SortRecency}, f.searcher.last)

	f.searcher.items = items(1, "second")
	_, err = f.wf.Search(ctx, f.sess, SearchRequest{Product: "WidgetX", Count: 10, Sort: search.SortRecency})
	require.NoError(t, err)
	assert.Equal(t, 1, f.countPosts(t, "WidgetX"))

	posts, err := f.store.ListPosts(ctx, "WidgetX", 0)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "second 0", posts[0].Title)
	assert.Equal(t, `"second" body 0`, posts[0].Description)
}

func TestSearchDefaults(t *testing.T) {
	f := newFixture(t)
	f.searcher.items = items(1, "x")
	_, err := f.wf.Search(context.Background(), f.sess, SearchRequest{Product: "  WidgetX "})
	require.NoError(t, err)
	assert.Equal(t, search.Query{Text: "WidgetX", Count: DefaultCount, Start: 1, Sort: search.SortRecency}, f.searcher.last)
}

func TestSearchNoResultsKeepsStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.searcher.items = items(2, "kept")
	_, err := f.wf.Search(ctx, f.sess, SearchRequest{Product: "WidgetX"})
	require.NoError(t, err)

	f.searcher.items = nil
	_, err = f.wf.Search(ctx, f.sess, SearchRequest{Product: "WidgetX"})
	assert.ErrorIs(t, err, ErrNoResults)
	assert.Equal(t, 2, f.countPosts(t, "WidgetX"))
}

func TestSearchMissingCredentials(t *testing.T) {
	f := newFixture(t)
	sess := NewSession("anon", Credentials{ClientID: "id"})

	_, err := f.wf.Search(context.Background(), sess, SearchRequest{Product: "WidgetX"})
	assert.ErrorIs(t, err, ErrMissingCredentials)
	assert.Zero(t, f.searcher.calls)
}

func TestSearchSurfacesClientError(t *testing.T) {
	f := newFixture(t)
	f.searcher.err = &search.StatusError{Code: 500}

	_, err := f.wf.Search(context.Background(), f.sess, SearchRequest{Product: "WidgetX"})
	var se *search.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 500, se.Code)
}

func TestSearchEmptyProduct(t *testing.T) {
	f := newFixture(t)
	_, err := f.wf.Search(context.Background(), f.sess, SearchRequest{Product: " "})
	assert.ErrorIs(t, err, store.ErrEmptyProduct)
}

func TestAnalyzeWithoutPosts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.wf.Analyze(ctx, f.sess, "WidgetX")
	assert.ErrorIs(t, err, ErrNoStoredPosts)
	assert.Zero(t, f.analyzer.calls)

	a, err := f.store.GetAnalysis(ctx, "WidgetX")
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestAnalyzeMissingAPIKey(t *testing.T) {
	f := newFixture(t)
	sess := NewSession("anon", Credentials{ClientID: "id", ClientSecret: "secret"})

	_, err := f.wf.Analyze(context.Background(), sess, "WidgetX")
	assert.ErrorIs(t, err, ErrMissingCredentials)
	assert.ErrorIs(t, err, analysis.ErrMissingCredential)
}

func TestAnalyzeCachesAndShortCircuits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.searcher.items = items(3, "p")
	_, err := f.wf.Search(ctx, f.sess, SearchRequest{Product: "WidgetX"})
	require.NoError(t, err)

	first, err := f.wf.Analyze(ctx, f.sess, "WidgetX")
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 3, first.PostCount)
	assert.Equal(t, "pos-1", first.Analysis.PositiveOpinions)
	assert.Equal(t, 1, f.analyzer.calls)

	again, err := f.wf.Analyze(ctx, f.sess, "WidgetX")
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, 1, f.analyzer.calls)
	assert.Equal(t, "pos-1", again.Analysis.PositiveOpinions)
	assert.Equal(t, "neg-1", again.Analysis.NegativeOpinions)
	assert.Equal(t, "sum-1", again.Analysis.Summary)
}

func TestReanalysisIsOneShot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.searcher.items = items(2, "p")
	_, err := f.wf.Search(ctx, f.sess, SearchRequest{Product: "WidgetX"})
	require.NoError(t, err)

	_, err = f.wf.Analyze(ctx, f.sess, "WidgetX")
	require.NoError(t, err)
	require.Equal(t, 1, f.analyzer.calls)

	f.wf.RequestReanalysis(f.sess)
	assert.True(t, f.sess.ReanalysisRequested())

	fresh, err := f.wf.Analyze(ctx, f.sess, "WidgetX")
	require.NoError(t, err)
	assert.False(t, fresh.Cached)
	assert.Equal(t, 2, f.analyzer.calls)
	assert.Equal(t, "pos-2", fresh.Analysis.PositiveOpinions)
	assert.False(t, f.sess.ReanalysisRequested())

	cached, err := f.wf.Analyze(ctx, f.sess, "WidgetX")
	require.NoError(t, err)
	assert.True(t, cached.Cached)
	assert.Equal(t, 2, f.analyzer.calls)
	assert.Equal(t, "pos-2", cached.Analysis.PositiveOpinions)
}

func TestReanalysisFlagIsPerSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.searcher.items = items(2, "p")
	_, err := f.wf.Search(ctx, f.sess, SearchRequest{Product: "WidgetX"})
	require.NoError(t, err)
	_, err = f.wf.Analyze(ctx, f.sess, "WidgetX")
	require.NoError(t, err)

	other := NewSession("other", f.sess.Credentials())
	f.wf.RequestReanalysis(other)

	out, err := f.wf.Analyze(ctx, f.sess, "WidgetX")
	require.NoError(t, err)
	assert.True(t, out.Cached)
	assert.Equal(t, 1, f.analyzer.calls)
	assert.True(t, other.ReanalysisRequested())
}

func TestAnalyzeFailureLeavesStoreAndClearsFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.searcher.items = items(2, "p")
	_, err := f.wf.Search(ctx, f.sess, SearchRequest{Product: "WidgetX"})
	require.NoError(t, err)

	f.analyzer.err = &analysis.MalformedResponseError{Raw: "not json"}
	f.wf.RequestReanalysis(f.sess)

	_, err = f.wf.Analyze(ctx, f.sess, "WidgetX")
	var me *analysis.MalformedResponseError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "not json", me.Raw)
	assert.False(t, f.sess.ReanalysisRequested())

	a, err := f.store.GetAnalysis(ctx, "WidgetX")
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestAnalyzeReportsTruncationAndNotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	notifier := &recordingNotifier{err: errors.New("slack down")}
	f.wf = New(f.searcher, f.store, f.analyzer, notifier)
	f.analyzer.replies = []analysis.Result{{Positive: "p", Negative: "n", Summary: "s", Truncated: true}}

	f.searcher.items = items(1, "p")
	_, err := f.wf.Search(ctx, f.sess, SearchRequest{Product: "WidgetX"})
	require.NoError(t, err)

	out, err := f.wf.Analyze(ctx, f.sess, "WidgetX")
	require.NoError(t, err)
	require.Len(t, out.Warnings, 2)
	assert.Contains(t, out.Warnings[0], "truncated")
	assert.Contains(t, out.Warnings[1], "slack down")

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "WidgetX", notifier.sent[0].Product)
	assert.True(t, notifier.sent[0].Truncated)
}

func TestStaleAnalysisSurvivesNewSearch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.searcher.items = items(2, "old")
	_, err := f.wf.Search(ctx, f.sess, SearchRequest{Product: "WidgetX"})
	require.NoError(t, err)
	_, err = f.wf.Analyze(ctx, f.sess, "WidgetX")
	require.NoError(t, err)

	f.searcher.items = items(4, "new")
	_, err = f.wf.Search(ctx, f.sess, SearchRequest{Product: "WidgetX"})
	require.NoError(t, err)

	out, err := f.wf.Analyze(ctx, f.sess, "WidgetX")
	require.NoError(t, err)
	assert.True(t, out.Cached)
	assert.Equal(t, "pos-1", out.Analysis.PositiveOpinions)
}

func TestBuildCorpus(t *testing.T) {
	corpus := BuildCorpus([]store.Post{
		{Title: "T1", Description: "D1", BloggerName: "A1", PostDate: "20240101"},
		{Title: "T2", Description: "D2", BloggerName: "", PostDate: "20240102"},
	})
	assert.Equal(t,
		"Title: T1\nContent: D1\nAuthor: A1\nDate: 20240101\n\nTitle: T2\nContent: D2\nAuthor: \nDate: 20240102",
		corpus)
}

func TestAnalyzeSendsStoredCorpus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.searcher.items = items(2, "p")
	_, err := f.wf.Search(ctx, f.sess, SearchRequest{Product: "WidgetX"})
	require.NoError(t, err)

	_, err = f.wf.Analyze(ctx, f.sess, "WidgetX")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(f.analyzer.corpus, "Title: "))
	assert.Contains(t, f.analyzer.corpus, "Title: p 0\nContent: \"p\" body 0")
}

func TestShowAndReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.searcher.items = items(2, "p")
	_, err := f.wf.Search(ctx, f.sess, SearchRequest{Product: "WidgetX"})
	require.NoError(t, err)
	_, err = f.wf.Analyze(ctx, f.sess, "WidgetX")
	require.NoError(t, err)

	view, err := f.wf.Show(ctx, "WidgetX", 1)
	require.NoError(t, err)
	assert.Len(t, view.Posts, 1)
	assert.Equal(t, 2, view.Total)
	require.NotNil(t, view.Analysis)

	products, err := f.wf.Products(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.ProductSummary{{ProductName: "WidgetX", Posts: 2, Analyzed: true}}, products)

	require.NoError(t, f.wf.Reset(ctx))
	view, err = f.wf.Show(ctx, "WidgetX", 0)
	require.NoError(t, err)
	assert.Empty(t, view.Posts)
	assert.Nil(t, view.Analysis)
}

func TestCredentialsMerge(t *testing.T) {
	got := Credentials{APIKey: "mine"}.Merge(Credentials{ClientID: "id", ClientSecret: "s", APIKey: "default"})
	assert.Equal(t, Credentials{ClientID: "id", ClientSecret: "s", APIKey: "mine"}, got)

	sess := NewSession("x", Credentials{ClientID: "id"})
	sess.SetCredentials(Credentials{ClientSecret: "s"})
	assert.Equal(t, Credentials{ClientID: "id", ClientSecret: "s"}, sess.Credentials())
}
