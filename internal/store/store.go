package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/sujeongiyo/reviewradar/internal/logger"
)

// DefaultListLimit caps ListPosts when no limit is given.
const DefaultListLimit = 50

var (
	// ErrOpen wraps failures to open or migrate the database file.
	ErrOpen = errors.New("store open failure")
	// ErrWrite wraps failures while writing rows.
	ErrWrite = errors.New("store write failure")
	// ErrEmptyProduct is returned when a product name is blank.
	ErrEmptyProduct = errors.New("product name is empty")
)

// Post is one stored blog search result.
type Post struct {
	ID          int64     `db:"id" json:"id"`
	ProductName string    `db:"product_name" json:"product_name"`
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description"`
	Link        string    `db:"link" json:"link"`
	BloggerName string    `db:"blogger_name" json:"blogger_name"`
	PostDate    string    `db:"post_date" json:"post_date"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Analysis is the cached model output for one product.
type Analysis struct {
	ID               int64     `db:"id" json:"id"`
	ProductName      string    `db:"product_name" json:"product_name"`
	AdAnalysis       string    `db:"ad_analysis" json:"ad_analysis"`
	PositiveOpinions string    `db:"positive_opinions" json:"positive_opinions"`
	NegativeOpinions string    `db:"negative_opinions" json:"negative_opinions"`
	Summary          string    `db:"summary" json:"summary"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// ProductSummary describes what is stored for a product.
type ProductSummary struct {
	ProductName string `db:"product_name" json:"product_name"`
	Posts       int    `db:"posts" json:"posts"`
	Analyzed    bool   `db:"analyzed" json:"analyzed"`
}

// Store is the persistence interface.
type Store interface {
	ReplacePosts(ctx context.Context, product string, posts []Post) (int, error)
	ListPosts(ctx context.Context, product string, limit int) ([]Post, error)
	CountPosts(ctx context.Context, product string) (int, error)

	ReplaceAnalysis(ctx context.Context, a *Analysis) error
	GetAnalysis(ctx context.Context, product string) (*Analysis, error)

	ListProducts(ctx context.Context) ([]ProductSummary, error)
	Reset(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using a single SQLite file.
// Calls are not safe to overlap with Reset.
type SQLiteStore struct {
	db   *sqlx.DB
	path string
}

// New opens (creating if absent) a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// openDB is replaced in tests to simulate reopen failures.
var openDB = open

func open(path string) (*sqlx.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create dir %s: %w", ErrOpen, dir, err)
		}
	}

	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite %s: %w", ErrOpen, path, err)
	}
	// One writer is all this tool ever needs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: run migrations: %w", ErrOpen, err)
	}
	return db, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// conn returns the open handle, or ErrOpen after a failed Reset left the
// store without one.
func (s *SQLiteStore) conn() (*sqlx.DB, error) {
	if s.db == nil {
		return nil, fmt.Errorf("%w: %s is not open", ErrOpen, s.path)
	}
	return s.db, nil
}

func (s *SQLiteStore) ReplacePosts(ctx context.Context, product string, posts []Post) (int, error) {
	if product == "" {
		return 0, ErrEmptyProduct
	}
	if len(posts) == 0 {
		logger.Log.WithField("product", product).Warn("no blog posts to store, keeping previous rows")
		return 0, nil
	}

	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %w", ErrWrite, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM blog_posts WHERE product_name = ?", product); err != nil {
		return 0, fmt.Errorf("%w: delete posts %q: %w", ErrWrite, product, err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO blog_posts (product_name, title, description, link, blogger_name, post_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("%w: prepare insert: %w", ErrWrite, err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range posts {
		p := &posts[i]
		res, err := stmt.ExecContext(ctx, product, p.Title, p.Description, p.Link, p.BloggerName, p.PostDate, now)
		if err != nil {
			return 0, fmt.Errorf("%w: insert post %d: %w", ErrWrite, i, err)
		}
		p.ID, _ = res.LastInsertId()
		p.ProductName = product
		p.CreatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %w", ErrWrite, err)
	}
	return len(posts), nil
}

func (s *SQLiteStore) ListPosts(ctx context.Context, product string, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var posts []Post
	err = db.SelectContext(ctx, &posts, `
		SELECT id, product_name, title, description, link, blogger_name, post_date, created_at
		FROM blog_posts
		WHERE product_name = ?
		ORDER BY id
		LIMIT ?
	`, product, limit)
	if err != nil {
		return nil, fmt.Errorf("list posts %q: %w", product, err)
	}
	return posts, nil
}

func (s *SQLiteStore) CountPosts(ctx context.Context, product string) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.GetContext(ctx, &n, "SELECT COUNT(*) FROM blog_posts WHERE product_name = ?", product); err != nil {
		return 0, fmt.Errorf("count posts %q: %w", product, err)
	}
	return n, nil
}

func (s *SQLiteStore) ReplaceAnalysis(ctx context.Context, a *Analysis) error {
	if a.ProductName == "" {
		return ErrEmptyProduct
	}

	db, err := s.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrWrite, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM analysis_results WHERE product_name = ?", a.ProductName); err != nil {
		return fmt.Errorf("%w: delete analysis %q: %w", ErrWrite, a.ProductName, err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO analysis_results (product_name, ad_analysis, positive_opinions, negative_opinions, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ProductName, a.AdAnalysis, a.PositiveOpinions, a.NegativeOpinions, a.Summary, now)
	if err != nil {
		return fmt.Errorf("%w: insert analysis %q: %w", ErrWrite, a.ProductName, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrWrite, err)
	}
	a.ID, _ = res.LastInsertId()
	a.CreatedAt = now
	return nil
}

func (s *SQLiteStore) GetAnalysis(ctx context.Context, product string) (*Analysis, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var a Analysis
	err = db.GetContext(ctx, &a, `
		SELECT id, product_name, ad_analysis, positive_opinions, negative_opinions, summary, created_at
		FROM analysis_results
		WHERE product_name = ?
	`, product)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis %q: %w", product, err)
	}
	return &a, nil
}

func (s *SQLiteStore) ListProducts(ctx context.Context) ([]ProductSummary, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var out []ProductSummary
	err = db.SelectContext(ctx, &out, `
		SELECT product_name, SUM(posts) AS posts, MAX(analyzed) AS analyzed FROM (
			SELECT product_name, COUNT(*) AS posts, 0 AS analyzed FROM blog_posts GROUP BY product_name
			UNION ALL
			SELECT product_name, 0 AS posts, 1 AS analyzed FROM analysis_results
		)
		GROUP BY product_name
		ORDER BY product_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return out, nil
}

// Reset deletes the database file and reopens it with an empty schema. If any
// step fails the store stays closed and every call returns ErrOpen until a
// later Reset succeeds.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		if err != nil {
			return fmt.Errorf("%w: close before reset: %w", ErrOpen, err)
		}
	}
	if err := Reset(s.path); err != nil {
		return fmt.Errorf("%w: %w", ErrOpen, err)
	}
	db, err := openDB(s.path)
	if err != nil {
		return err
	}
	s.db = db
	logger.Log.WithField("path", s.path).Info("review store reset")
	return nil
}

// Reset removes the database file and its WAL side files. A missing file is
// not an error.
func Reset(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}
