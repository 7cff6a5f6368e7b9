package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/config"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/hlsmux/pkg/models"
)

type flags struct {
	output          string
	baseURL         string
	manifest        string
	headers         []string
	headersFile     string
	configPath      string
	concurrency     int
	retry           int
	timeout         time.Duration
	memoryThreshold int64
	tempDir         string
	strictURLs      bool
	verbose         bool
}

func newRootCommand() *cobra.Command {
	return newCommand(&flags{})
}

func newCommand(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "hlsmux [url]",
		Short:        "Download an HLS media playlist and mux it into an MP4 file",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f, args[0])
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.output, "output", "o", "output.mp4", "Path of the MP4 file to write")
	fl.StringVar(&f.baseURL, "base-url", "", "Base URL for relative segment and key URIs")
	fl.StringVar(&f.manifest, "manifest", "", "Read the playlist from this file instead of fetching it")
	fl.StringArrayVarP(&f.headers, "header", "H", nil, "Request header as 'Name: value' (repeatable)")
	fl.StringVar(&f.headersFile, "headers", "", "Path to JSON file containing request headers")
	fl.StringVar(&f.configPath, "config", "", "Path to a config file with pipeline defaults")
	fl.IntVarP(&f.concurrency, "concurrency", "c", pipeline.DefaultConcurrency, "Number of concurrent segment downloads")
	fl.IntVar(&f.retry, "retry", pipeline.DefaultRetry, "Retries per segment after the first attempt")
	fl.DurationVar(&f.timeout, "timeout", pipeline.DefaultTimeout, "Timeout for each request")
	fl.Int64Var(&f.memoryThreshold, "memory-threshold", 0, "Bytes of downloaded segments kept in memory before spilling to disk")
	fl.StringVar(&f.tempDir, "temp-dir", "", "Directory for spilled segments")
	fl.BoolVar(&f.strictURLs, "strict-urls", false, "Reject segment URIs that do not resolve to absolute URLs")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "Enable verbose output")

	return cmd
}

func run(cmd *cobra.Command, f *flags, url string) error {
	opts, err := buildOptions(cmd, f)
	if err != nil {
		return err
	}

	headers, err := loadHeaders(f.headersFile, f.headers)
	if err != nil {
		return err
	}

	task := models.Task{
		URL:     url,
		Output:  f.output,
		BaseURL: f.baseURL,
		Headers: headers,
	}
	if f.manifest != "" {
		data, err := os.ReadFile(f.manifest)
		if err != nil {
			return fmt.Errorf("failed to read manifest: %w", err)
		}
		task.Manifest = string(data)
	}

	level := "warn"
	if f.verbose {
		level = "debug"
	}
	logger, err := logging.NewLogger(logging.Config{Level: level, Format: "console", Writer: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}

	ctrl, err := pipeline.New(opts, pipeline.WithLogger(logger))
	if err != nil {
		return err
	}
	defer ctrl.Subscribe(progressPrinter(cmd.ErrOrStderr()))()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := ctrl.Run(ctx, task)
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("interrupted")
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s: %d bytes, %d/%d segments in %s\n",
		result.Output, result.Bytes, result.Completed, result.Total, result.Duration.Round(time.Millisecond))
	if result.Failed > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%d segments failed and were skipped\n", result.Failed)
	}
	return nil
}

// buildOptions layers explicitly set flags over the config file over the defaults
func buildOptions(cmd *cobra.Command, f *flags) (pipeline.Options, error) {
	var cfg *config.Config
	var err error
	if f.configPath != "" {
		cfg, err = config.Load(f.configPath)
	} else {
		cfg, err = config.LoadDefaults()
	}
	if err != nil {
		return pipeline.Options{}, err
	}

	p := cfg.Pipeline
	opts := pipeline.Options{
		Concurrency:       p.Concurrency,
		Retry:             p.Retry,
		Timeout:           p.Timeout,
		UserAgent:         p.UserAgent,
		RequestsPerSecond: p.RequestsPerSecond,
		MemoryThreshold:   p.MemoryThreshold,
		PoolChunkSize:     p.PoolChunkSize,
		PoolMaxSize:       p.PoolMaxSize,
		TempDir:           p.TempDir,
		MaxErrors:         p.MaxErrors,
		StrictURLs:        p.StrictURLs,
		MetricsInterval:   p.MetricsInterval,
	}

	changed := cmd.Flags().Changed
	if changed("concurrency") {
		opts.Concurrency = f.concurrency
	}
	if changed("retry") {
		opts.Retry = f.retry
	}
	if changed("timeout") {
		opts.Timeout = f.timeout
	}
	if changed("memory-threshold") {
		opts.MemoryThreshold = f.memoryThreshold
	}
	if changed("temp-dir") {
		opts.TempDir = f.tempDir
	}
	if changed("strict-urls") {
		opts.StrictURLs = f.strictURLs
	}

	if opts.Concurrency <= 0 {
		return opts, fmt.Errorf("concurrency must be positive: %d", opts.Concurrency)
	}
	return opts, nil
}

// loadHeaders merges a JSON headers file with 'Name: value' flags, flags winning
func loadHeaders(file string, values []string) (models.TaskHeaders, error) {
	headers := models.TaskHeaders{}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read headers file: %w", err)
		}
		if err := json.Unmarshal(data, &headers); err != nil {
			return nil, fmt.Errorf("failed to parse headers file: %w", err)
		}
	}

	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, expected 'Name: value'", v)
		}
		headers[name] = strings.TrimSpace(value)
	}

	if len(headers) == 0 {
		return nil, nil
	}
	return headers, nil
}

func progressPrinter(w io.Writer) pipeline.Handler {
	return func(e pipeline.Event) {
		switch e.Type {
		case pipeline.EventProgress:
			fmt.Fprintf(w, "\r%d/%d segments (%d failed)", e.Completed+e.Failed, e.Total, e.Failed)
		case pipeline.EventRetry:
			fmt.Fprintf(w, "\nretrying segment %d (attempt %d): %v\n", e.Sequence, e.Attempt, e.Err)
		case pipeline.EventCompleted, pipeline.EventError, pipeline.EventStopped:
			fmt.Fprintln(w)
		}
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
