package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/sujeongiyo/reviewradar/internal/logger"
	"github.com/sujeongiyo/reviewradar/internal/store"
	"github.com/sujeongiyo/reviewradar/pkg/analysis"
	"github.com/sujeongiyo/reviewradar/pkg/search"
	"github.com/sujeongiyo/reviewradar/pkg/workflow"
)

const (
	sessionHeader = "X-Session-ID"
	sessionCookie = "session_id"

	DefaultSessionTTL  = 30 * time.Minute
	DefaultMaxSessions = 1024
)

// Options configures request defaults.
type Options struct {
	Port        int
	Credentials workflow.Credentials // defaults for new sessions
	Count       int
	Sort        search.Sort

	SessionTTL  time.Duration // idle time before a session is dropped
	MaxSessions int           // oldest idle sessions are evicted beyond this
}

// Server exposes the search and analysis workflow over HTTP.
type Server struct {
	wf   *workflow.Workflow
	opts Options
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	sess     *workflow.Session
	lastSeen time.Time
}

// New creates a new HTTP server.
func New(wf *workflow.Workflow, opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = 8080
	}
	if opts.Count == 0 {
		opts.Count = workflow.DefaultCount
	}
	if opts.Sort == "" {
		opts.Sort = search.SortRecency
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	return &Server{
		wf:       wf,
		opts:     opts,
		now:      time.Now,
		sessions: make(map[string]*sessionEntry),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/products", s.handleProducts)
		r.Get("/products/{product}", s.handleProduct)
		r.Post("/search", s.handleSearch)
		r.Post("/analyze", s.handleAnalyze)
		r.Post("/reanalyze", s.handleReanalyze)
		r.Post("/reset", s.handleReset)
	})
	return r
}

// Run serves HTTP until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Infof("reviewradar server listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// session returns the caller's session. Only ids minted here are honoured;
// a missing, unknown or expired id gets a fresh uuid. It must run before
// anything is written to w.
func (s *Server) session(w http.ResponseWriter, r *http.Request) *workflow.Session {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		if c, err := r.Cookie(sessionCookie); err == nil {
			id = c.Value
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.sessions[id]; ok {
		if now.Sub(e.lastSeen) <= s.opts.SessionTTL {
			e.lastSeen = now
			w.Header().Set(sessionHeader, id)
			return e.sess
		}
		delete(s.sessions, id)
	}

	s.evictLocked(now)
	id = uuid.NewString()
	sess := workflow.NewSession(id, s.opts.Credentials)
	s.sessions[id] = &sessionEntry{sess: sess, lastSeen: now}

	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: id, Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode})
	w.Header().Set(sessionHeader, id)
	return sess
}

// evictLocked drops expired sessions, then the least recently seen ones until
// there is room for one more. s.mu must be held.
func (s *Server) evictLocked(now time.Time) {
	for id, e := range s.sessions {
		if now.Sub(e.lastSeen) > s.opts.SessionTTL {
			delete(s.sessions, id)
		}
	}
	for len(s.sessions) >= s.opts.MaxSessions {
		var oldestID string
		var oldest time.Time
		for id, e := range s.sessions {
			if oldestID == "" || e.lastSeen.Before(oldest) {
				oldestID, oldest = id, e.lastSeen
			}
		}
		delete(s.sessions, oldestID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.wf.Products(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  products,
		"count": len(products),
	})
}

func (s *Server) handleProduct(w http.ResponseWriter, r *http.Request) {
	product, err := productParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid product in path: " + err.Error()})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	view, err := s.wf.Show(r.Context(), product, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// productParam returns the decoded {product} segment. chi routes on RawPath
// when the path needs it (an escaped "/"), leaving the segment escaped.
func productParam(r *http.Request) (string, error) {
	p := chi.URLParam(r, "product")
	if r.URL.RawPath == "" {
		return p, nil
	}
	return url.PathUnescape(p)
}

type searchRequest struct {
	Product      string `json:"product"`
	Count        int    `json:"count"`
	Start        int    `json:"start"`
	Sort         string `json:"sort"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)

	var body searchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return
	}
	sort := s.opts.Sort
	if body.Sort != "" {
		parsed, err := search.ParseSort(body.Sort)
		if err != nil {
			writeError(w, err)
			return
		}
		sort = parsed
	}
	count := body.Count
	if count == 0 {
		count = s.opts.Count
	}
	sess.SetCredentials(workflow.Credentials{ClientID: body.ClientID, ClientSecret: body.ClientSecret})

	out, err := s.wf.Search(r.Context(), sess, workflow.SearchRequest{
		Product: body.Product,
		Count:   count,
		Start:   body.Start,
		Sort:    sort,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type analyzeRequest struct {
	Product string `json:"product"`
	APIKey  string `json:"api_key"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)

	var body analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return
	}
	sess.SetCredentials(workflow.Credentials{APIKey: body.APIKey})

	out, err := s.wf.Analyze(r.Context(), sess, body.Product)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReanalyze(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	s.wf.RequestReanalysis(sess)
	writeJSON(w, http.StatusOK, map[string]bool{"reanalyze": true})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.wf.Reset(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// writeError maps workflow errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var (
		malformed *analysis.MalformedResponseError
		apiErr    *analysis.APIError
		statusErr *search.StatusError
		transport *search.TransportError
	)

	switch {
	case errors.As(err, &malformed):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error(), "raw": malformed.Raw})
	case errors.Is(err, workflow.ErrMissingCredentials),
		errors.Is(err, search.ErrMissingCredentials),
		errors.Is(err, analysis.ErrMissingCredential),
		errors.Is(err, search.ErrInvalidQuery),
		errors.Is(err, store.ErrEmptyProduct):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, workflow.ErrNoResults), errors.Is(err, workflow.ErrNoStoredPosts):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &apiErr), errors.As(err, &statusErr), errors.As(err, &transport),
		errors.Is(err, search.ErrMalformed):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		logger.Log.Errorf("request failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
