package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/richardartoul/dotcache/backends"
	"github.com/richardartoul/dotcache/render"
	"github.com/richardartoul/dotcache/runner"
	"github.com/richardartoul/dotcache/store"
)

const shutdownTimeout = 30 * time.Second

// Global flags
var (
	dotPath       string
	port          int
	cacheSize     int
	timeoutMs     int
	workers       int
	queueSize     int
	outputFormat  string
	cacheDir      string
	staticDir     string
	refreshOnHit  bool
	maxInputBytes int64
	debug         bool
	logFormat     string
	printStatsOn  bool
	publishType   string
	publishDir    string
	s3Bucket      string
	s3Prefix      string
	s3Endpoint    string
	gcsBucket     string
	gcsPrefix     string
	gcsEndpoint   string
	compress      bool
	errorRate     float64
)

func main() {
	// Check if we have a subcommand
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		subcommand := os.Args[1]

		switch subcommand {
		case "serve":
			runServerCommand(os.Args[2:])
			return
		case "clear":
			runClearCommand()
			return
		case "help", "-h", "--help":
			printHelp()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", subcommand)
			printHelp()
			os.Exit(1)
		}
	}

	// No subcommand or starts with -, run the server
	runServerCommand(os.Args[1:])
}

// registerCommonFlags registers the flags shared by the server and clear
// commands.
func registerCommonFlags(fs *flag.FlagSet) {
	fs.StringVar(&cacheDir, "cache-dir", getEnv("CACHE_DIR", filepath.Join(os.TempDir(), "dotcache")), "Directory for graph inputs and rendered outputs (env: CACHE_DIR)")
	fs.StringVar(&outputFormat, "format", getEnv("OUTPUT_FORMAT", "svg"), "Graphviz output format (env: OUTPUT_FORMAT)")
	fs.BoolVar(&debug, "debug", getEnvBool("DEBUG", false), "Enable debug logging (env: DEBUG)")
	fs.StringVar(&logFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text, json (env: LOG_FORMAT)")
	fs.StringVar(&publishType, "publish", getEnv("PUBLISH_TYPE", "none"), "Publish rendered artifacts to: none, disk, s3, gcs (env: PUBLISH_TYPE)")
	fs.StringVar(&publishDir, "publish-dir", getEnv("PUBLISH_DIR", ""), "Target directory for disk publishing (env: PUBLISH_DIR)")
	fs.StringVar(&s3Bucket, "s3-bucket", getEnv("S3_BUCKET", ""), "S3 bucket name (required for s3 publishing) (env: S3_BUCKET)")
	fs.StringVar(&s3Prefix, "s3-prefix", getEnv("S3_PREFIX", ""), "S3 key prefix (optional) (env: S3_PREFIX)")
	fs.StringVar(&s3Endpoint, "s3-endpoint", getEnv("S3_ENDPOINT", ""), "S3-compatible endpoint URL (optional) (env: S3_ENDPOINT)")
	fs.StringVar(&gcsBucket, "gcs-bucket", getEnv("GCS_BUCKET", ""), "GCS bucket name (required for gcs publishing) (env: GCS_BUCKET)")
	fs.StringVar(&gcsPrefix, "gcs-prefix", getEnv("GCS_PREFIX", ""), "GCS object prefix (optional) (env: GCS_PREFIX)")
	fs.StringVar(&gcsEndpoint, "gcs-endpoint", getEnv("GCS_ENDPOINT", ""), "GCS endpoint URL, e.g. an emulator (optional) (env: GCS_ENDPOINT)")
	fs.BoolVar(&compress, "compress", getEnvBool("PUBLISH_COMPRESS", false), "Compress published artifacts with lz4 (env: PUBLISH_COMPRESS)")
	fs.Float64Var(&errorRate, "error-rate", getEnvFloat("ERROR_RATE", 0.0), "Publish error injection rate (0.0-1.0) for testing error handling (env: ERROR_RATE)")
}

func runServerCommand(args []string) {
	serverFlags := flag.NewFlagSet("server", flag.ExitOnError)
	registerCommonFlags(serverFlags)

	serverFlags.StringVar(&dotPath, "dot", getEnv("DOT_PATH", "dot"), "Path to the graphviz dot binary (env: DOT_PATH)")
	serverFlags.IntVar(&port, "port", getEnvInt("PORT", 8080), "HTTP listen port (env: PORT)")
	serverFlags.IntVar(&cacheSize, "cache-size", getEnvInt("CACHE_SIZE", 1024), "Maximum number of rendered graphs kept on disk (env: CACHE_SIZE)")
	serverFlags.IntVar(&timeoutMs, "timeout-ms", getEnvInt("RENDER_TIMEOUT_MS", 5000), "Graphviz process timeout in milliseconds (env: RENDER_TIMEOUT_MS)")
	serverFlags.IntVar(&workers, "workers", getEnvInt("WORKERS", runtime.NumCPU()), "Number of concurrent graphviz processes (env: WORKERS)")
	serverFlags.IntVar(&queueSize, "queue-size", getEnvInt("QUEUE_SIZE", 1000), "Renders that may wait for a free worker (env: QUEUE_SIZE)")
	serverFlags.StringVar(&staticDir, "static-dir", getEnv("STATIC_DIR", ""), "Static content served at / with trace.html as welcome file (env: STATIC_DIR)")
	serverFlags.BoolVar(&refreshOnHit, "refresh-on-hit", getEnvBool("REFRESH_ON_HIT", false), "Count cache hits as uses for eviction (env: REFRESH_ON_HIT)")
	serverFlags.Int64Var(&maxInputBytes, "max-input-bytes", int64(getEnvInt("MAX_INPUT_BYTES", 32<<20)), "Maximum graph input size, 0 for no limit (env: MAX_INPUT_BYTES)")
	serverFlags.BoolVar(&printStatsOn, "stats", getEnvBool("PRINT_STATS", true), "Print render statistics on exit (env: PRINT_STATS)")

	serverFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [serve] [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run the graph render cache server.\n\n")
		fmt.Fprintf(os.Stderr, "Flags (can also be set via environment variables):\n")
		serverFlags.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  DOT_PATH           Path to the graphviz dot binary\n")
		fmt.Fprintf(os.Stderr, "  PORT               HTTP listen port\n")
		fmt.Fprintf(os.Stderr, "  CACHE_DIR          Directory for inputs and rendered outputs\n")
		fmt.Fprintf(os.Stderr, "  CACHE_SIZE         Maximum number of cached graphs\n")
		fmt.Fprintf(os.Stderr, "  RENDER_TIMEOUT_MS  Graphviz process timeout in milliseconds\n")
		fmt.Fprintf(os.Stderr, "  WORKERS            Number of concurrent graphviz processes\n")
		fmt.Fprintf(os.Stderr, "  QUEUE_SIZE         Renders that may wait for a free worker\n")
		fmt.Fprintf(os.Stderr, "  OUTPUT_FORMAT      Graphviz output format\n")
		fmt.Fprintf(os.Stderr, "  STATIC_DIR         Static content directory\n")
		fmt.Fprintf(os.Stderr, "  DEBUG              Enable debug logging (true/false)\n")
		fmt.Fprintf(os.Stderr, "  LOG_FORMAT         Log format (text, json)\n")
		fmt.Fprintf(os.Stderr, "  PRINT_STATS        Print statistics on exit (true/false)\n")
		fmt.Fprintf(os.Stderr, "  PUBLISH_TYPE       Publish target (none, disk, s3, gcs)\n")
		fmt.Fprintf(os.Stderr, "  PUBLISH_DIR        Target directory for disk publishing\n")
		fmt.Fprintf(os.Stderr, "  S3_BUCKET          S3 bucket name\n")
		fmt.Fprintf(os.Stderr, "  GCS_BUCKET         GCS bucket name\n")
		fmt.Fprintf(os.Stderr, "\nNote: Command-line flags take precedence over environment variables.\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Serve a trace viewer and render with a local dot binary:\n")
		fmt.Fprintf(os.Stderr, "  %s -static-dir=./tracevis -dot=/usr/local/bin/dot\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Also publish every rendered graph to S3:\n")
		fmt.Fprintf(os.Stderr, "  %s -publish=s3 -s3-bucket=my-graphs\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Mix environment variables and flags (flags override env):\n")
		fmt.Fprintf(os.Stderr, "  PORT=9000 %s -workers=2 -debug\n", os.Args[0])
	}

	serverFlags.Parse(args)

	logger, err := newLogger(os.Stderr, logFormat, debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runServer(ctx, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func runClearCommand() {
	clearFlags := flag.NewFlagSet("clear", flag.ExitOnError)
	registerCommonFlags(clearFlags)

	clearFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s clear [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Clear the cache directory and any published artifacts.\n\n")
		fmt.Fprintf(os.Stderr, "Flags (can also be set via environment variables):\n")
		clearFlags.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nNote: Command-line flags take precedence over environment variables.\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Clear the local cache directory:\n")
		fmt.Fprintf(os.Stderr, "  %s clear -cache-dir=/var/cache/dotcache\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Also clear graphs published to S3:\n")
		fmt.Fprintf(os.Stderr, "  %s clear -publish=s3 -s3-bucket=my-graphs\n", os.Args[0])
	}

	clearFlags.Parse(os.Args[2:])

	logger, err := newLogger(os.Stderr, logFormat, debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
		os.Exit(1)
	}
	if err := runClear(context.Background(), logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error clearing cache: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "Cache cleared successfully\n")
}

func printHelp() {
	fmt.Fprintf(os.Stderr, "Usage: %s [command] [flags]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "A caching render server for graphviz graphs.\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  (no command)  Run the render server (default)\n")
	fmt.Fprintf(os.Stderr, "  serve         Run the render server\n")
	fmt.Fprintf(os.Stderr, "  clear         Clear the cache directory and published artifacts\n")
	fmt.Fprintf(os.Stderr, "  help          Show this help message\n\n")
	fmt.Fprintf(os.Stderr, "Configuration:\n")
	fmt.Fprintf(os.Stderr, "  Flags can be set via command-line arguments or environment variables.\n")
	fmt.Fprintf(os.Stderr, "  Command-line flags take precedence over environment variables.\n\n")
	fmt.Fprintf(os.Stderr, "Run '%s [command] -h' for more information about a command.\n", os.Args[0])
}

// newLogger builds the process logger. format is "text" or "json".
func newLogger(w io.Writer, format string, debug bool) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}

	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format: %s (supported: text, json)", format)
	}
}

func runServer(ctx context.Context, logger *slog.Logger) error {
	cacheStore, err := store.New(cacheDir, outputFormat)
	if err != nil {
		return err
	}
	if err := cacheStore.Lock(); err != nil {
		return err
	}
	defer cacheStore.Unlock()

	// Artifacts from a previous run are not in the index, so they are removed.
	if err := cacheStore.Clear(); err != nil {
		return fmt.Errorf("failed to clear cache directory: %w", err)
	}

	publisher, err := createPublisher(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}

	workDir, err := os.MkdirTemp("", "dotcache-runner-")
	if err != nil {
		return fmt.Errorf("failed to create runner work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	procs, err := runner.New(runner.Config{
		Workers:   workers,
		QueueSize: queueSize,
		WorkDir:   workDir,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	coord, err := render.New(render.Config{
		Runner:       procs,
		Store:        cacheStore,
		DotPath:      dotPath,
		Timeout:      time.Duration(timeoutMs) * time.Millisecond,
		CacheSize:    cacheSize,
		RefreshOnHit: refreshOnHit,
		Publisher:    publisher,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	srv := NewServer(ServerConfig{
		Coordinator:   coord,
		Runner:        procs,
		CacheDir:      cacheStore.Path(),
		StaticDir:     staticDir,
		MaxInputBytes: maxInputBytes,
		Logger:        logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := procs.Start(); err != nil {
		return err
	}

	logger.Info("starting dotcache server",
		"port", port,
		"dot", dotPath,
		"cache_dir", cacheStore.Path(),
		"cache_size", cacheSize,
		"timeout", time.Duration(timeoutMs)*time.Millisecond,
		"workers", workers,
		"queue_size", queueSize,
		"static_dir", staticDir,
		"publish", publishType)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop taking requests, then let running renders finish and drain
		// pending publishes.
		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down http server: %w", err))
		}
		if err := procs.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop runner: %w", err))
		}
		if err := coord.Flush(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush publishes: %w", err))
		}
		if publisher != nil {
			if err := publisher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close publisher: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	if printStatsOn {
		printStats(os.Stderr, coord.Stats(), procs.Stats())
	}
	return err
}

func runClear(ctx context.Context, logger *slog.Logger) error {
	cacheStore, err := store.New(cacheDir, outputFormat)
	if err != nil {
		return err
	}
	if err := cacheStore.Lock(); err != nil {
		return err
	}
	defer cacheStore.Unlock()

	if err := cacheStore.Clear(); err != nil {
		return fmt.Errorf("failed to clear cache directory: %w", err)
	}

	publisher, err := createPublisher(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}
	if publisher == nil {
		return nil
	}
	defer publisher.Close()

	// Clear the published artifacts (remote storage)
	if err := publisher.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear published artifacts: %w", err)
	}
	return nil
}

// createPublisher returns the configured publish backend, or nil when
// publishing is disabled.
func createPublisher(ctx context.Context, logger *slog.Logger) (backends.Backend, error) {
	publishType = strings.ToLower(publishType)

	var backend backends.Backend
	var err error

	switch publishType {
	case "none", "":
		return nil, nil

	case "disk":
		if publishDir == "" {
			return nil, fmt.Errorf("publish directory is required for disk publishing (set via -publish-dir flag or PUBLISH_DIR env var)")
		}
		backend, err = backends.NewDisk(publishDir)

	case "s3":
		if s3Bucket == "" {
			return nil, fmt.Errorf("S3 bucket is required for S3 publishing (set via -s3-bucket flag or S3_BUCKET env var)")
		}
		backend, err = backends.NewS3(ctx, s3Bucket, s3Prefix, s3Endpoint)

	case "gcs":
		if gcsBucket == "" {
			return nil, fmt.Errorf("GCS bucket is required for GCS publishing (set via -gcs-bucket flag or GCS_BUCKET env var)")
		}
		backend, err = backends.NewGCS(ctx, gcsBucket, gcsPrefix, gcsEndpoint)

	default:
		return nil, fmt.Errorf("unknown publish type: %s (supported: none, disk, s3, gcs)", publishType)
	}

	if err != nil {
		return nil, err
	}

	if compress {
		backend = backends.NewCompress(backend)
	}

	// Wrap with error backend if error rate is configured
	if errorRate > 0 {
		backend = backends.NewError(backend, errorRate)
		logger.Info("publish error injection enabled", "rate", errorRate)
	}

	// Wrap with debug backend if debug mode is enabled
	if debug {
		backend = backends.NewDebug(backend, logger)
	}

	return backend, nil
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns a default value.
// Accepts: true, false, 1, 0, yes, no (case insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable or returns a default value.
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// getEnvFloat gets a float64 environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var f float64
	if _, err := fmt.Sscanf(value, "%f", &f); err != nil {
		return defaultValue
	}
	return f
}
