package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/sujeongiyo/reviewradar/internal/config"
	"github.com/sujeongiyo/reviewradar/internal/logger"
	"github.com/sujeongiyo/reviewradar/internal/store"
	"github.com/sujeongiyo/reviewradar/pkg/analysis"
	"github.com/sujeongiyo/reviewradar/pkg/notify"
	"github.com/sujeongiyo/reviewradar/pkg/search"
	"github.com/sujeongiyo/reviewradar/pkg/server"
	"github.com/sujeongiyo/reviewradar/pkg/workflow"
)

var (
	heading = color.New(color.FgCyan, color.Bold)
	warning = color.New(color.FgYellow)
	faint   = color.New(color.Faint)
)

type searchOptions struct {
	product    string
	count      int
	start      int
	sort       string
	jsonOutput bool
}

// app holds everything one command needs.
type app struct {
	cfg *config.Config
	db  *store.SQLiteStore
	wf  *workflow.Workflow
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func setup() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.File); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	client := search.NewClient(cfg.Search.BaseURL, cfg.Search.ParseTimeout())
	client.SetRateLimit(cfg.Search.RateLimit)
	analyzer := analysis.NewAnalyzer(cfg.LLM.Provider, cfg.LLM.Model, cfg.LLM.BaseURL, cfg.LLM.ParseTimeout())

	var notifier workflow.Broadcaster
	if mgr := buildNotifyManager(cfg); mgr.HasNotifiers() {
		notifier = mgr
	}

	return &app{
		cfg: cfg,
		db:  db,
		wf:  workflow.New(client, db, analyzer, notifier),
	}, nil
}

func (a *app) Close() error { return a.db.Close() }

func (a *app) credentials() workflow.Credentials {
	return workflow.Credentials{
		ClientID:     a.cfg.Search.ClientID,
		ClientSecret: a.cfg.Search.ClientSecret,
		APIKey:       a.cfg.LLM.APIKey,
	}
}

func (a *app) session() *workflow.Session {
	return workflow.NewSession("cli", a.credentials())
}

func buildNotifyManager(cfg *config.Config) *notify.Manager {
	var notifiers []notify.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return notify.NewManager(notifiers)
}

func runSearch(ctx context.Context, opts searchOptions) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	sortName := opts.sort
	if sortName == "" {
		sortName = a.cfg.Search.Sort
	}
	sort, err := search.ParseSort(sortName)
	if err != nil {
		return err
	}
	count := opts.count
	if count == 0 {
		count = a.cfg.Search.Count
	}

	out, err := a.wf.Search(ctx, a.session(), workflow.SearchRequest{
		Product: opts.product,
		Count:   count,
		Start:   opts.start,
		Sort:    sort,
	})
	if err != nil {
		return err
	}

	if opts.jsonOutput {
		return writeJSON(os.Stdout, out)
	}

	heading.Printf("%s: stored %d of %d posts\n\n", out.Product, out.Stored, out.Total)
	return printPosts(os.Stdout, out.Posts)
}

func runAnalyze(ctx context.Context, product string, reanalyze, jsonOutput bool) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	sess := a.session()
	if reanalyze {
		a.wf.RequestReanalysis(sess)
	}

	out, err := a.wf.Analyze(ctx, sess, product)
	if err != nil {
		var malformed *analysis.MalformedResponseError
		if errors.As(err, &malformed) && malformed.Raw != "" {
			warning.Fprintln(os.Stderr, "raw model reply:")
			fmt.Fprintln(os.Stderr, malformed.Raw)
		}
		return err
	}

	if jsonOutput {
		return writeJSON(os.Stdout, out)
	}

	for _, w := range out.Warnings {
		warning.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if out.Cached {
		faint.Println("(cached result, use --reanalyze to refresh)")
	}
	printAnalysis(os.Stdout, out.Analysis)
	return nil
}

func runProducts(ctx context.Context, jsonOutput bool) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	products, err := a.wf.Products(ctx)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}

	if jsonOutput {
		return writeJSON(os.Stdout, products)
	}

	if len(products) == 0 {
		fmt.Println("no products stored (try: reviewradar search <product>)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PRODUCT\tPOSTS\tANALYZED")
	for _, p := range products {
		fmt.Fprintf(w, "%s\t%d\t%t\n", p.ProductName, p.Posts, p.Analyzed)
	}
	return w.Flush()
}

func runShow(ctx context.Context, product string, limit int, jsonOutput bool) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	view, err := a.wf.Show(ctx, product, limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(os.Stdout, view)
	}

	heading.Printf("%s: %d stored posts\n\n", view.Product, view.Total)
	if err := printPosts(os.Stdout, view.Posts); err != nil {
		return err
	}
	fmt.Println()
	if view.Analysis == nil {
		faint.Println("not analysed yet (try: reviewradar analyze <product>)")
		return nil
	}
	printAnalysis(os.Stdout, view.Analysis)
	return nil
}

func runReset(ctx context.Context) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.wf.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	fmt.Fprintf(os.Stderr, "removed %s\n", a.db.Path())
	return nil
}

func runServe(ctx context.Context, port int) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}
	sort, err := search.ParseSort(a.cfg.Search.Sort)
	if err != nil {
		return err
	}

	srv := server.New(a.wf, server.Options{
		Port:        port,
		Credentials: a.credentials(),
		Count:       a.cfg.Search.Count,
		Sort:        sort,
	})
	return srv.Run(ctx)
}

func printPosts(out io.Writer, posts []store.Post) error {
	if len(posts) == 0 {
		fmt.Fprintln(out, "no posts")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tDATE\tAUTHOR\tTITLE")
	for i, p := range posts {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, p.PostDate, p.BloggerName, truncate(p.Title, 60))
	}
	return w.Flush()
}

func printAnalysis(out io.Writer, a *store.Analysis) {
	sections := []struct{ title, body string }{
		{"Ad analysis", a.AdAnalysis},
		{"Positive", a.PositiveOpinions},
		{"Negative", a.NegativeOpinions},
		{"Summary", a.Summary},
	}
	for _, s := range sections {
		if s.body == "" {
			continue
		}
		heading.Fprintln(out, s.title)
		fmt.Fprintf(out, "%s\n\n", s.body)
	}
	faint.Fprintf(out, "analysed at %s\n", a.CreatedAt.Local().Format(time.DateTime))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
