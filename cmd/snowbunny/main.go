// Package main is the entry point for Snow Bunny, a resumable cold-archive
// backup tool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/schester44/Snow-Bunny/internal/archive"
	"github.com/schester44/Snow-Bunny/internal/backup"
	"github.com/schester44/Snow-Bunny/internal/config"
	bberrors "github.com/schester44/Snow-Bunny/internal/errors"
	"github.com/schester44/Snow-Bunny/internal/logging"
	"github.com/schester44/Snow-Bunny/internal/metrics"
	"github.com/schester44/Snow-Bunny/internal/scan"
	"github.com/schester44/Snow-Bunny/internal/server"
	"github.com/schester44/Snow-Bunny/internal/state"
	"github.com/schester44/Snow-Bunny/internal/upload"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "snowbunny.yaml", "path to configuration file")
	vault := flag.String("vault", "", "destination vault (overrides the positional vault)")
	limit := flag.Int("limit", 0, "maximum concurrent file uploads (default: from config or 5)")
	db := flag.String("db", "", "state file base name (default: from config or db)")
	load := flag.Bool("load", false, "enumerate the source into the pending set before uploading")
	backend := flag.String("backend", "", "archive backend: glacier, s3, azure, gcp, memory")
	engine := flag.String("state-engine", "", "state engine: sqlite, json, dynamodb, firestore, cosmos")
	partSize := flag.Int64("part-size", 0, "multipart part size in bytes (1 MiB times a power of two)")
	partConcurrency := flag.Int("part-concurrency", 0, "parts of one file in flight (default: from config or 4)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	metricsAddr := flag.String("metrics-addr", "", "serve /metrics, /healthz and /status on this address while running")
	dryRun := flag.Bool("dry-run", false, "upload to an in-memory vault instead of the configured backend")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "Usage: snowbunny [flags] <source> [vault]")
		flag.PrintDefaults()
	}
	flag.Parse()

	// A missing .env is fine; the environment may already carry credentials.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	// Positional arguments, then flags, override config file values.
	if flag.NArg() > 0 {
		cfg.Source = flag.Arg(0)
	}
	if flag.NArg() > 1 {
		cfg.Vault = flag.Arg(1)
	}
	if *vault != "" {
		cfg.Vault = *vault
	}
	if *limit != 0 {
		cfg.Limit = *limit
	}
	if *db != "" {
		cfg.State.Path = *db
	}
	if *load {
		cfg.Load = true
	}
	if *backend != "" {
		cfg.Archive.Backend = *backend
	}
	if *engine != "" {
		cfg.State.Engine = *engine
	}
	if *partSize != 0 {
		cfg.Archive.PartSize = *partSize
	}
	if *partConcurrency != 0 {
		cfg.Archive.PartConcurrency = *partConcurrency
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *metricsAddr != "" {
		cfg.Status.Addr = *metricsAddr
	}
	if *dryRun {
		cfg.DryRun = true
	}
	cfg.ApplyEnv(os.Getenv)

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newArchiveClient(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize archive backend: %v\n", err)
		return 1
	}

	store, err := state.Open(ctx, cfg, cfg.AWSOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open state store: %v\n", err)
		return 1
	}
	defer store.Close()

	runner := backup.NewRunner(client, store, scan.NewWalker(), slog.Default())

	if cfg.Status.Addr != "" {
		srv, err := startStatusServer(cfg.Status.Addr, runner, cfg.Vault)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start status server: %v\n", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("Status server shutdown error", "error", err)
			}
		}()
	}

	sum, err := runner.Run(ctx, backup.Options{
		Source:          cfg.Source,
		Vault:           cfg.Vault,
		LoadFirst:       cfg.Load,
		Limit:           cfg.Limit,
		PartSize:        cfg.EffectivePartSize(),
		PartConcurrency: cfg.Archive.PartConcurrency,
	})
	if sum != nil {
		printSummary(os.Stdout, sum)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		return 1
	}
	return 0
}

// newArchiveClient builds the archive backend selected by the config.
func newArchiveClient(ctx context.Context, cfg *config.Config) (archive.Client, error) {
	switch cfg.EffectiveBackend() {
	case config.BackendGlacier:
		c, err := archive.NewGlacierClient(ctx, cfg.Archive.Glacier.AccountID, cfg.AWSOptions())
		if err != nil {
			return nil, err
		}
		slog.Info("Archive backend initialized", "backend", "glacier", "region", cfg.AWS.Region)
		return c, nil
	case config.BackendS3:
		c, err := archive.NewS3Client(ctx, archive.S3Options{
			Prefix:       cfg.Archive.S3.Prefix,
			StorageClass: cfg.Archive.S3.StorageClass,
			UsePathStyle: cfg.Archive.S3.UsePathStyle,
			AWS:          cfg.AWSOptions(),
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Archive backend initialized", "backend", "s3", "bucket", cfg.Vault, "prefix", cfg.Archive.S3.Prefix)
		return c, nil
	case config.BackendAzure:
		c, err := archive.NewAzureClient(archive.AzureOptions{
			AccountURL:         cfg.AzureAccountURL(),
			ConnectionString:   cfg.Archive.Azure.ConnectionString,
			UseManagedIdentity: cfg.Archive.Azure.UseManagedIdentity,
			Prefix:             cfg.Archive.Azure.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.BackendGCP:
		c, err := archive.NewGCPClient(ctx, cfg.Archive.GCP.Project, cfg.Archive.GCP.Prefix)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.BackendMemory:
		slog.Warn("Using the in-memory archive backend; nothing leaves this process")
		return archive.NewDryRunClient(), nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}
}

func startStatusServer(addr string, progress server.ProgressSource, vault string) (*server.Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := server.New(progress, vault)
	go func() {
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			slog.Error("Status server error", "error", err)
		}
	}()
	slog.Info("Status server listening", "addr", l.Addr().String())
	return srv, nil
}

func printSummary(w io.Writer, sum *backup.Summary) {
	if sum.Load != nil {
		fmt.Fprintf(w, "Load finished\n  duplicate files: %d\n  files loaded: %d\n  total files: %d\n",
			sum.Load.Duplicates, sum.Load.Added, sum.Load.Discovered)
	}
	fmt.Fprintf(w, "Job finished\n  total files: %d\n  total time: %.3f seconds\n  uploads: %d of %d (%d already exist)\n",
		sum.Total, sum.Elapsed.Seconds(), sum.Uploaded, sum.Total, sum.AlreadyExists)
	if sum.Errors > 0 {
		fmt.Fprintf(w, "  errors: %d", sum.Errors)
		for _, k := range bberrors.Kinds {
			if n := sum.ByKind[upload.Kind(k)]; n > 0 {
				fmt.Fprintf(w, " %s=%d", k, n)
			}
		}
		fmt.Fprintln(w)
	}
	if sum.Interrupted > 0 {
		fmt.Fprintf(w, "  interrupted: %d files left pending\n", sum.Interrupted)
	}
	fmt.Fprintf(w, "  total uploaded to date: %d\n", sum.TotalUploaded)
}
