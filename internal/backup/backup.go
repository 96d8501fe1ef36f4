// Package backup runs one backup job: optionally load the source into the
// pending set, then upload every pending file with bounded concurrency and
// report a Summary.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/schester44/Snow-Bunny/internal/archive"
	bberrors "github.com/schester44/Snow-Bunny/internal/errors"
	"github.com/schester44/Snow-Bunny/internal/logging"
	"github.com/schester44/Snow-Bunny/internal/metrics"
	"github.com/schester44/Snow-Bunny/internal/scheduler"
	"github.com/schester44/Snow-Bunny/internal/state"
	"github.com/schester44/Snow-Bunny/internal/upload"
)

// Enumerator lists the files under a source.
type Enumerator interface {
	Enumerate(ctx context.Context, source string) ([]string, error)
}

// Options configures one run.
type Options struct {
	Source string
	Vault  string
	// LoadFirst enumerates Source into the pending set before uploading.
	LoadFirst bool
	// Limit bounds concurrent file uploads (default 5).
	Limit int
	// PartSize and PartConcurrency are passed to the upload engine.
	PartSize        int64
	PartConcurrency int
}

// Summary aggregates the results of a run.
type Summary struct {
	// Total is the number of pending files dispatched.
	Total         int
	Uploaded      int
	AlreadyExists int
	Errors        int
	// Interrupted counts pending files left pending because the run was
	// cancelled, whether or not their upload had started.
	Interrupted int
	ByKind      map[upload.Kind]int
	// Load is set when the run started with a load step.
	Load *state.LoadResult
	// TotalUploaded is the store's counter after the run.
	TotalUploaded int64
	Elapsed       time.Duration
	// Failures holds the per-file errors in dispatch order.
	Failures []upload.Result
}

// Runner wires the archive client, store and enumerator together.
type Runner struct {
	client     archive.Client
	store      state.Store
	enumerator Enumerator
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	limiter *scheduler.Limiter
	current *Summary
}

// NewRunner creates a Runner. enumerator may be nil when LoadFirst is never
// used.
func NewRunner(client archive.Client, store state.Store, enumerator Enumerator, logger *slog.Logger) *Runner {
	return &Runner{
		client:     client,
		store:      store,
		enumerator: enumerator,
		logger:     logging.Component(logger, "backup"),
	}
}

// Run executes one backup job. Per-file failures are counted in the
// Summary; the returned error is reserved for configuration and store
// failures.
func (r *Runner) Run(ctx context.Context, opts Options) (*Summary, error) {
	start := time.Now()
	if opts.Vault == "" {
		return nil, bberrors.ErrNoVault
	}
	engine, err := upload.NewEngine(r.client, r.store, upload.Options{
		Vault:           opts.Vault,
		PartSize:        opts.PartSize,
		PartConcurrency: opts.PartConcurrency,
		Logger:          r.logger,
	})
	if err != nil {
		return nil, err
	}

	sum := &Summary{ByKind: make(map[upload.Kind]int)}

	if opts.LoadFirst {
		res, err := r.load(ctx, opts.Source)
		if err != nil {
			return nil, err
		}
		sum.Load = &res
	}

	if err := r.client.CheckVault(ctx, opts.Vault); err != nil {
		return nil, bberrors.NewConfigError("vault", fmt.Sprintf("vault %q is not usable: %v", opts.Vault, err))
	}

	pending, err := r.store.SnapshotPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading pending files: %w", err)
	}
	sum.Total = len(pending)
	metrics.PendingFiles.Set(float64(len(pending)))
	r.logger.Info("Starting uploads", "vault", opts.Vault, "pending", len(pending), "limit", opts.Limit)

	limiter := scheduler.New(opts.Limit)
	r.mu.Lock()
	r.limiter = limiter
	r.current = sum
	r.running = true
	r.mu.Unlock()

	type outcome struct {
		res upload.Result
		err error
		ran bool
	}
	outcomes := scheduler.Run(ctx, limiter, pending, func(ctx context.Context, path string) outcome {
		res, err := engine.Upload(ctx, path)
		if err == nil && !res.Interrupted() {
			r.record(res)
		}
		return outcome{res: res, err: err, ran: true}
	})

	var fatal error
	for i, o := range outcomes {
		switch {
		case !o.ran:
			sum.Interrupted++
		case o.err == nil && o.res.Interrupted():
			sum.Interrupted++
		case o.err == nil:
			if o.res.Kind.IsError() {
				sum.Failures = append(sum.Failures, o.res)
			}
		default:
			// A store call cut short by cancellation leaves the file pending.
			if ctx.Err() != nil && errors.Is(o.err, ctx.Err()) {
				sum.Interrupted++
				continue
			}
			if fatal == nil {
				fatal = fmt.Errorf("state store failed on %s: %w", pending[i], o.err)
			}
		}
	}

	total, err := r.store.TotalUploaded(context.WithoutCancel(ctx))
	if err != nil && fatal == nil {
		fatal = fmt.Errorf("reading upload counter: %w", err)
	}
	r.mu.Lock()
	sum.TotalUploaded = total
	sum.Elapsed = time.Since(start)
	r.running = false
	r.mu.Unlock()
	metrics.UploadedFiles.Set(float64(total))

	if fatal != nil {
		return sum, fatal
	}
	if sum.Interrupted > 0 {
		r.logger.Warn("Run interrupted", "left_pending", sum.Interrupted)
	}
	r.logger.Info("Run finished", "uploaded", sum.Uploaded, "already_exists", sum.AlreadyExists,
		"errors", sum.Errors, "total_uploaded", total, "seconds", sum.Elapsed.Seconds())
	return sum, nil
}

// record folds one engine result into the running summary.
func (r *Runner) record(res upload.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := r.current
	sum.ByKind[res.Kind]++
	switch res.Kind {
	case upload.KindUploaded:
		sum.Uploaded++
	case upload.KindAlreadyExists:
		sum.AlreadyExists++
	default:
		sum.Errors++
	}
}

func (r *Runner) load(ctx context.Context, source string) (state.LoadResult, error) {
	if source == "" {
		return state.LoadResult{}, bberrors.NewConfigError("source", "no source directory provided")
	}
	if r.enumerator == nil {
		return state.LoadResult{}, errors.New("no enumerator configured")
	}
	files, err := r.enumerator.Enumerate(ctx, source)
	if err != nil {
		return state.LoadResult{}, fmt.Errorf("enumerating %s: %w", source, err)
	}
	res, err := r.store.LoadPending(ctx, files)
	if err != nil {
		return state.LoadResult{}, fmt.Errorf("loading pending files: %w", err)
	}
	r.logger.Info("Loaded files", "source", source, "discovered", res.Discovered, "loaded", res.Added,
		"duplicates", res.Duplicates, "already_uploaded", res.AlreadyUploaded, "pending", res.Pending)
	return res, nil
}

// Progress is a point-in-time view of a running job.
type Progress struct {
	Running       bool                `json:"running"`
	Total         int                 `json:"total"`
	Active        int64               `json:"active"`
	Uploaded      int                 `json:"uploaded"`
	AlreadyExists int                 `json:"already_exists"`
	Errors        int                 `json:"errors"`
	ByKind        map[upload.Kind]int `json:"by_kind"`
}

// Progress reports the state of the current or last run.
func (r *Runner) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return Progress{ByKind: map[upload.Kind]int{}}
	}
	byKind := make(map[upload.Kind]int, len(r.current.ByKind))
	for k, v := range r.current.ByKind {
		byKind[k] = v
	}
	return Progress{
		Running:       r.running,
		Total:         r.current.Total,
		Active:        r.limiter.Active(),
		Uploaded:      r.current.Uploaded,
		AlreadyExists: r.current.AlreadyExists,
		Errors:        r.current.Errors,
		ByKind:        byKind,
	}
}
