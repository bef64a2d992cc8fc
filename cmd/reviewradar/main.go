package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		cancel()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "reviewradar",
		Short:         "Collect blog reviews of a product and summarise them with an LLM",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(searchCmd())
	root.AddCommand(analyzeCmd())
	root.AddCommand(showCmd())
	root.AddCommand(resetCmd())
	root.AddCommand(serveCmd())

	return root
}

func searchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <product>",
		Short: "Search blog posts for a product and store them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.product = args[0]
			return runSearch(cmd.Context(), opts)
		},
	}

	cmd.Flags().IntVar(&opts.count, "count", 0, "posts to fetch, 1-100 (default: from config)")
	cmd.Flags().IntVar(&opts.start, "start", 1, "result offset, 1-1000")
	cmd.Flags().StringVar(&opts.sort, "sort", "", "recency or relevance (default: from config)")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "output as JSON")
	return cmd
}

func analyzeCmd() *cobra.Command {
	var (
		reanalyze  bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <product>",
		Short: "Analyse stored blog posts for a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd.Context(), args[0], reanalyze, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&reanalyze, "reanalyze", false, "ignore the cached analysis")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func showCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "show [product]",
		Short: "List stored products, or show one product's posts and analysis",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runProducts(cmd.Context(), jsonOutput)
			}
			return runShow(cmd.Context(), args[0], limit, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max posts to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete all stored posts and analyses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(cmd.Context())
		},
	}
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}
