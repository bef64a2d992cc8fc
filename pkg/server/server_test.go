package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujeongiyo/reviewradar/internal/store"
	"github.com/sujeongiyo/reviewradar/pkg/analysis"
	"github.com/sujeongiyo/reviewradar/pkg/search"
	"github.com/sujeongiyo/reviewradar/pkg/workflow"
)

type fakeSearcher struct{ items []search.Item }

func (f *fakeSearcher) Search(context.Context, search.Credentials, search.Query) (*search.Response, error) {
	return &search.Response{Total: len(f.items), Items: f.items}, nil
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeAnalyzer) Analyze(context.Context, string, string, string) (*analysis.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &analysis.Result{Positive: "good", Negative: "bad", Summary: "fine"}, nil
}

func (f *fakeAnalyzer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAnalyzer) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestServer(t *testing.T, creds workflow.Credentials) (*httptest.Server, *fakeSearcher, *fakeAnalyzer) {
	t.Helper()
	s, fs, fa := newServer(t, Options{Credentials: creds})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, fs, fa
}

func newServer(t *testing.T, opts Options) (*Server, *fakeSearcher, *fakeAnalyzer) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "reviews.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fs := &fakeSearcher{items: []search.Item{{Title: "<b>A</b>", Description: "d", Link: "l"}}}
	fa := &fakeAnalyzer{}
	return New(workflow.New(fs, st, fa, nil), opts), fs, fa
}

// reanalyze sends one reanalyze request with the given session id and returns
// the id the server answered with.
func reanalyze(t *testing.T, h http.Handler, session string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reanalyze", nil)
	if session != "" {
		req.Header.Set(sessionHeader, session)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Header().Get(sessionHeader)
}

func (s *Server) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func post(t *testing.T, url, session string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	if session != "" {
		req.Header.Set(sessionHeader, session)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, workflow.Credentials{})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSearchAnalyzeReanalyzeFlow(t *testing.T) {
	srv, _, fa := newTestServer(t, workflow.Credentials{ClientID: "id", ClientSecret: "secret", APIKey: "sk"})

	resp, out := post(t, srv.URL+"/api/v1/search", "", map[string]any{"product": "WidgetX", "count": 10, "sort": "relevance"})
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	assert.EqualValues(t, 1, out["stored"])
	session := resp.Header.Get(sessionHeader)
	require.NotEmpty(t, session)

	resp, out = post(t, srv.URL+"/api/v1/analyze", session, map[string]any{"product": "WidgetX"})
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	assert.Equal(t, false, out["cached"])

	resp, out = post(t, srv.URL+"/api/v1/analyze", session, map[string]any{"product": "WidgetX"})
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	assert.Equal(t, true, out["cached"])
	assert.Equal(t, 1, fa.Calls())

	resp, _ = post(t, srv.URL+"/api/v1/reanalyze", session, map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out = post(t, srv.URL+"/api/v1/analyze", session, map[string]any{"product": "WidgetX"})
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	assert.Equal(t, false, out["cached"])
	assert.Equal(t, 2, fa.Calls())

	r, err := http.Get(srv.URL + "/api/v1/products/WidgetX")
	require.NoError(t, err)
	defer r.Body.Close()
	var view workflow.ProductView
	require.NoError(t, json.NewDecoder(r.Body).Decode(&view))
	assert.Len(t, view.Posts, 1)
	assert.Equal(t, "A", view.Posts[0].Title)
	require.NotNil(t, view.Analysis)
	assert.Equal(t, "fine", view.Analysis.Summary)
}

func TestMissingCredentialsIsBadRequest(t *testing.T) {
	srv, _, _ := newTestServer(t, workflow.Credentials{})

	resp, _ := post(t, srv.URL+"/api/v1/search", "", map[string]any{"product": "WidgetX"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, srv.URL+"/api/v1/analyze", "", map[string]any{"product": "WidgetX"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestCredentialsStickToSession(t *testing.T) {
	srv, _, _ := newTestServer(t, workflow.Credentials{})

	resp, out := post(t, srv.URL+"/api/v1/search", "", map[string]any{
		"product": "WidgetX", "client_id": "id", "client_secret": "secret",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	session := resp.Header.Get(sessionHeader)

	resp, out = post(t, srv.URL+"/api/v1/search", session, map[string]any{"product": "WidgetX"})
	assert.Equal(t, http.StatusOK, resp.StatusCode, out)
}

func TestAnalyzeWithoutPostsIsNotFound(t *testing.T) {
	srv, _, fa := newTestServer(t, workflow.Credentials{APIKey: "sk"})
	resp, _ := post(t, srv.URL+"/api/v1/analyze", "", map[string]any{"product": "Nothing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, fa.Calls())
}

func TestMalformedAnalysisReturnsRaw(t *testing.T) {
	srv, _, fa := newTestServer(t, workflow.Credentials{ClientID: "id", ClientSecret: "secret", APIKey: "sk"})
	fa.Fail(&analysis.MalformedResponseError{Raw: "I cannot comply"})

	resp, _ := post(t, srv.URL+"/api/v1/search", "", map[string]any{"product": "WidgetX"})
	session := resp.Header.Get(sessionHeader)

	resp, out := post(t, srv.URL+"/api/v1/analyze", session, map[string]any{"product": "WidgetX"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "I cannot comply", out["raw"])
}

func TestReset(t *testing.T) {
	srv, _, _ := newTestServer(t, workflow.Credentials{ClientID: "id", ClientSecret: "secret"})
	post(t, srv.URL+"/api/v1/search", "", map[string]any{"product": "WidgetX"})

	resp, _ := post(t, srv.URL+"/api/v1/reset", "", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	r, err := http.Get(srv.URL + "/api/v1/products")
	require.NoError(t, err)
	defer r.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&out))
	assert.EqualValues(t, 0, out["count"])
}

func TestProductPathIsUnescaped(t *testing.T) {
	srv, _, _ := newTestServer(t, workflow.Credentials{ClientID: "id", ClientSecret: "secret"})

	for _, product := range []string{"AC/DC cable", "100% cotton", "갤럭시 S24"} {
		t.Run(product, func(t *testing.T) {
			resp, out := post(t, srv.URL+"/api/v1/search", "", map[string]any{"product": product})
			require.Equal(t, http.StatusOK, resp.StatusCode, out)

			r, err := http.Get(srv.URL + "/api/v1/products/" + url.PathEscape(product))
			require.NoError(t, err)
			defer r.Body.Close()
			require.Equal(t, http.StatusOK, r.StatusCode)

			var view workflow.ProductView
			require.NoError(t, json.NewDecoder(r.Body).Decode(&view))
			assert.Equal(t, product, view.Product)
			assert.Equal(t, 1, view.Total)
		})
	}
}

func TestAnonymousSessionsAreBounded(t *testing.T) {
	s, _, _ := newServer(t, Options{MaxSessions: 16})
	h := s.Handler()

	for i := 0; i < 1000; i++ {
		reanalyze(t, h, "")
	}
	assert.Equal(t, 16, s.sessionCount())
}

func TestUnknownSessionIDIsNotAdopted(t *testing.T) {
	s, _, _ := newServer(t, Options{})
	h := s.Handler()

	id := reanalyze(t, h, "attacker-chosen")
	assert.NotEqual(t, "attacker-chosen", id)
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	assert.Equal(t, id, reanalyze(t, h, id))
	assert.Equal(t, 1, s.sessionCount())
}

func TestIdleSessionsExpire(t *testing.T) {
	s, _, _ := newServer(t, Options{SessionTTL: time.Minute})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	h := s.Handler()

	kept := reanalyze(t, h, "")
	idle := reanalyze(t, h, "")

	now = now.Add(40 * time.Second)
	assert.Equal(t, kept, reanalyze(t, h, kept))

	now = now.Add(40 * time.Second)
	assert.Equal(t, kept, reanalyze(t, h, kept))
	assert.NotEqual(t, idle, reanalyze(t, h, idle))
	assert.Equal(t, 2, s.sessionCount())
}

func TestEvictionDropsLeastRecentlySeen(t *testing.T) {
	s, _, _ := newServer(t, Options{MaxSessions: 2})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { now = now.Add(time.Second); return now }
	h := s.Handler()

	first := reanalyze(t, h, "")
	second := reanalyze(t, h, "")
	reanalyze(t, h, first)
	reanalyze(t, h, "")

	assert.Equal(t, first, reanalyze(t, h, first))
	assert.NotEqual(t, second, reanalyze(t, h, second))
}
