package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-scrape-elections/config"
	"github.com/aluiziolira/go-scrape-elections/models"
	"github.com/aluiziolira/go-scrape-elections/pipeline"
	"github.com/aluiziolira/go-scrape-elections/scraper"
)

type options struct {
	parallelism     int
	delay           time.Duration
	randomDelay     time.Duration
	timeout         time.Duration
	maxRetries      int
	retryBackoff    time.Duration
	retryBackoffMax time.Duration
	respectRobots   bool
	outputFormat    string
	baseURL         string
	metricsAddr     string
	verbose         bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "scraper <index-url> <output-file>",
		Short: "Scrape election results of every unit listed on an index page into a CSV table",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(2)(cmd, args); err != nil {
				return err
			}
			return config.ValidateIndexURL(args[0])
		},
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applyEnvDefaults(cmd, opts)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), buildConfig(args[0], args[1], opts))
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.parallelism, "parallel", defaults.Parallelism, "Number of unit pages fetched concurrently")
	flags.DurationVar(&opts.delay, "delay", defaults.Delay, "Delay between requests")
	flags.DurationVar(&opts.randomDelay, "random-delay", defaults.RandomDelay, "Random jitter added to delay")
	flags.DurationVar(&opts.timeout, "timeout", defaults.Timeout, "Request timeout")
	flags.IntVar(&opts.maxRetries, "max-retries", defaults.MaxRetries, "Maximum retry attempts per request")
	flags.DurationVar(&opts.retryBackoff, "retry-backoff", defaults.RetryBackoff, "Initial retry backoff")
	flags.DurationVar(&opts.retryBackoffMax, "retry-backoff-max", defaults.RetryBackoffMax, "Maximum retry backoff")
	flags.BoolVar(&opts.respectRobots, "respect-robots", defaults.RespectRobotsTxt, "Respect robots.txt directives")
	flags.StringVar(&opts.outputFormat, "format", defaults.OutputFormat, "Output format: csv, json, or dual")
	flags.StringVar(&opts.baseURL, "base-url", defaults.BaseURL, "Prefix for unit links (default: directory of the index URL)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", defaults.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")

	return cmd
}

// applyEnvDefaults fills flags the user did not set from the environment.
func applyEnvDefaults(cmd *cobra.Command, opts *options) error {
	flags := cmd.Flags()
	if !flags.Changed("parallel") {
		if value, ok, err := config.EnvInt("SCRAPER_PARALLEL"); err != nil {
			return fmt.Errorf("invalid SCRAPER_PARALLEL: %w", err)
		} else if ok {
			opts.parallelism = value
		}
	}
	if !flags.Changed("timeout") {
		if value, ok, err := config.EnvDuration("SCRAPER_TIMEOUT"); err != nil {
			return fmt.Errorf("invalid SCRAPER_TIMEOUT: %w", err)
		} else if ok {
			opts.timeout = value
		}
	}
	if !flags.Changed("format") {
		if value, ok := config.EnvString("SCRAPER_FORMAT"); ok {
			opts.outputFormat = value
		}
	}
	if !flags.Changed("base-url") {
		if value, ok := config.EnvString("SCRAPER_BASE_URL"); ok {
			opts.baseURL = value
		}
	}
	if !flags.Changed("metrics-addr") {
		if value, ok := config.EnvString("SCRAPER_METRICS_ADDR"); ok {
			opts.metricsAddr = value
		}
	}
	return nil
}

func buildConfig(indexURL, outputFile string, opts *options) *config.Config {
	cfg := config.DefaultConfig()
	cfg.IndexURL = indexURL
	cfg.OutputFile = outputFile
	cfg.BaseURL = opts.baseURL
	cfg.Parallelism = opts.parallelism
	cfg.Delay = opts.delay
	cfg.RandomDelay = opts.randomDelay
	cfg.Timeout = opts.timeout
	cfg.MaxRetries = opts.maxRetries
	cfg.RetryBackoff = opts.retryBackoff
	cfg.RetryBackoffMax = opts.retryBackoffMax
	cfg.RespectRobotsTxt = opts.respectRobots
	cfg.OutputFormat = strings.ToLower(opts.outputFormat)
	cfg.MetricsAddr = opts.metricsAddr
	cfg.Verbose = opts.verbose
	return cfg
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Info("starting scrape",
		slog.String("index_url", cfg.IndexURL),
		slog.String("base_url", cfg.UnitBaseURL()),
		slog.Int("workers", cfg.Parallelism),
	)

	s, err := scraper.NewScraper(cfg)
	if err != nil {
		return fmt.Errorf("initialising scraper: %w", err)
	}

	s.OnDiscovered = func(links []models.UnitLink) {
		fmt.Printf("There are %d units to process from %s\n", len(links), cfg.IndexURL)
	}

	// The output file is created only once the table is written.
	writer := pipeline.NewDeferredWriter(func() (pipeline.OutputWriter, error) {
		return createWriter(cfg.OutputFormat, cfg.OutputFile)
	})
	defer func() {
		if err := writer.Close(); err != nil {
			slog.Error("close writer", slog.Any("error", err))
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
		}()
	}

	p, err := pipeline.NewPipeline(writer, cfg.DedupeMaxSize)
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}

	startTime := time.Now()
	result, err := s.Run(ctx, p)
	if err != nil {
		return fmt.Errorf("scraping failed: %w", err)
	}

	if err := p.Close(); err != nil {
		return fmt.Errorf("pipeline shutdown failed: %w", err)
	}
	if err := writer.Validate(); err != nil {
		return fmt.Errorf("output validation failed: %w", err)
	}

	printSummary(result, time.Since(startTime), cfg.OutputFile, p)
	return nil
}

func createWriter(format, filename string) (pipeline.OutputWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(filename)
	case "csv":
		return pipeline.NewCSVWriter(filename)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, ".csv") + ".jsonl"
		return pipeline.NewDualWriter(filename, jsonFilename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(result *models.ScraperResult, duration time.Duration, outputFile string, p *pipeline.Pipeline) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Scrape complete")

	metrics := p.GetMetrics()
	written := int64(0)
	if processed, ok := metrics["processed_units"].(int64); ok {
		written = processed
	}

	fmt.Printf("  Units found:   %d\n", result.UnitCount)
	fmt.Printf("  Rows written:  %d\n", written)
	if table := p.Table(); table != nil {
		fmt.Printf("  Candidates:    %d\n", len(table.Candidates))
	}
	fmt.Printf("  Skipped:       %d\n", result.SkippedCount)
	if skipped, ok := metrics["skipped_units"].(map[string]int); ok && len(skipped) > 0 {
		fmt.Printf("  Skip reasons:  %v\n", skipped)
	}
	fmt.Printf("  Requests:      %d\n", result.RequestCount)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Printf("  Output file:   %s\n", outputFile)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
