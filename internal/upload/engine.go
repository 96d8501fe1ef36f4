// Package upload implements the per-file chunked upload engine.
//
// Engine.Upload drives one file through the archive client's multipart
// protocol and records the outcome in the state store. Per-file failures are
// returned as data on Result; only store failures are returned as errors.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schester44/Snow-Bunny/internal/archive"
	bberrors "github.com/schester44/Snow-Bunny/internal/errors"
	"github.com/schester44/Snow-Bunny/internal/logging"
	"github.com/schester44/Snow-Bunny/internal/metrics"
	"github.com/schester44/Snow-Bunny/internal/state"
)

// Kind is the outcome of one Engine.Upload call.
type Kind string

const (
	KindUploaded        Kind = "Uploaded"
	KindAlreadyExists   Kind = "AlreadyExists"
	KindReadError       Kind = Kind(bberrors.KindRead)
	KindInitiateError   Kind = Kind(bberrors.KindInitiate)
	KindPartError       Kind = Kind(bberrors.KindPart)
	KindCompletionError Kind = Kind(bberrors.KindCompletion)
)

// IsError reports whether k is one of the per-file error kinds.
func (k Kind) IsError() bool {
	return k != KindUploaded && k != KindAlreadyExists
}

// Result is the outcome of uploading one file.
//
// A Result whose Err carries context.Canceled was cut short by the caller;
// see Interrupted.
type Result struct {
	Path string
	Kind Kind
	// ArchiveID and Checksum are set for KindUploaded.
	ArchiveID string
	Checksum  string
	Size      int64
	Parts     int
	Elapsed   time.Duration
	// Err is an *errors.UploadError for the error kinds.
	Err error
}

// Interrupted reports whether the upload failed only because its context
// was cancelled. The file stays pending and is not an upload failure.
func (r Result) Interrupted() bool {
	return r.Kind.IsError() && errors.Is(r.Err, context.Canceled)
}

// Options configures an Engine.
type Options struct {
	Vault string
	// PartSize must satisfy archive.ValidatePartSize.
	PartSize int64
	// PartConcurrency bounds the parts of one file in flight (default 4).
	PartConcurrency int
	Logger          *slog.Logger
}

// Engine uploads single files. It is safe for concurrent use by multiple
// goroutines, each handling a different path.
type Engine struct {
	client          archive.Client
	store           state.Store
	vault           string
	partSize        int64
	partConcurrency int
	logger          *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(client archive.Client, store state.Store, opts Options) (*Engine, error) {
	if opts.Vault == "" {
		return nil, bberrors.ErrNoVault
	}
	if opts.PartSize == 0 {
		opts.PartSize = archive.DefaultPartSize
	}
	if err := archive.ValidatePartSize(opts.PartSize); err != nil {
		return nil, bberrors.NewConfigError("archive.part_size", err.Error())
	}
	if opts.PartConcurrency < 1 {
		opts.PartConcurrency = 4
	}
	return &Engine{
		client:          client,
		store:           store,
		vault:           opts.Vault,
		partSize:        opts.PartSize,
		partConcurrency: opts.PartConcurrency,
		logger:          logging.Component(opts.Logger, "upload"),
	}, nil
}

// Upload archives the file at path unless it is already recorded. The error
// return is reserved for state store failures, which are fatal to the run.
func (e *Engine) Upload(ctx context.Context, path string) (Result, error) {
	start := time.Now()
	metrics.ActiveFiles.Inc()
	defer metrics.ActiveFiles.Dec()

	res, err := e.upload(ctx, path)
	if err != nil {
		return Result{}, err
	}
	res.Path = path
	res.Elapsed = time.Since(start)

	if res.Interrupted() {
		e.logger.Info("File upload interrupted", "path", path, "kind", res.Kind)
		return res, nil
	}
	metrics.FilesTotal.WithLabelValues(string(res.Kind)).Inc()
	metrics.FileDuration.WithLabelValues(string(res.Kind)).Observe(res.Elapsed.Seconds())
	switch {
	case res.Kind == KindUploaded:
		e.logger.Info("File uploaded", "path", path, "archive_id", res.ArchiveID,
			"bytes", res.Size, "parts", res.Parts, "seconds", res.Elapsed.Seconds())
	case res.Kind == KindAlreadyExists:
		e.logger.Debug("File already uploaded", "path", path)
	default:
		e.logger.Warn("File upload failed", "path", path, "kind", res.Kind, "error", res.Err)
	}
	return res, nil
}

func failed(kind Kind, path string, err error) Result {
	return Result{Kind: kind, Err: bberrors.NewUploadError(bberrors.Kind(kind), path, err)}
}

// withCause keeps ctx's error reachable through errors.Is when a backend
// call failed because the run was cancelled.
func withCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func (e *Engine) upload(ctx context.Context, path string) (Result, error) {
	done, err := e.store.IsUploaded(ctx, path)
	if err != nil {
		return Result{}, err
	}
	if done {
		if err := e.store.RemovePending(ctx, path); err != nil {
			return Result{}, err
		}
		return Result{Kind: KindAlreadyExists}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return failed(KindReadError, path, err), nil
	}
	size := int64(len(data))
	if size == 0 {
		return failed(KindReadError, path, bberrors.ErrEmptyFile), nil
	}
	metrics.FileSize.Observe(float64(size))

	ranges := Partition(size, e.partSize)
	if l, ok := e.client.(archive.PartLimiter); ok && len(ranges) > l.MaxParts() {
		r := failed(KindInitiateError, path, fmt.Errorf("%d parts of %d bytes exceed the backend limit of %d; raise the part size", len(ranges), e.partSize, l.MaxParts()))
		r.Size, r.Parts = size, len(ranges)
		return r, nil
	}
	checksum := archive.ComputeChecksum(data)

	up, err := e.client.Initiate(ctx, e.vault, e.partSize)
	if err != nil {
		return failed(KindInitiateError, path, withCause(ctx, err)), nil
	}
	sess := newSession(up, len(ranges), checksum)

	if err := e.uploadParts(ctx, sess, ranges, data); err != nil {
		e.abort(ctx, sess, path)
		r := failed(KindPartError, path, withCause(ctx, err))
		r.Size, r.Parts = size, len(ranges)
		return r, nil
	}
	if sess.Remaining() != 0 {
		e.abort(ctx, sess, path)
		return failed(KindPartError, path, fmt.Errorf("%d of %d parts unacknowledged", sess.Remaining(), sess.TotalParts)), nil
	}

	arc, err := e.client.Complete(ctx, sess.upload, size, checksum)
	if err != nil {
		e.abort(ctx, sess, path)
		r := failed(KindCompletionError, path, withCause(ctx, err))
		r.Size, r.Parts = size, len(ranges)
		return r, nil
	}

	// The archive now exists remotely; record it even if the run is being
	// cancelled so the next run does not upload it again.
	rec := state.Record{FilePath: path, ArchiveID: arc.ID, Checksum: checksum, UploadedAt: time.Now()}
	if err := e.store.RecordUploaded(context.WithoutCancel(ctx), rec); err != nil {
		return Result{}, err
	}
	return Result{
		Kind:      KindUploaded,
		ArchiveID: arc.ID,
		Checksum:  checksum,
		Size:      size,
		Parts:     len(ranges),
	}, nil
}

// uploadParts sends ranges in byte-offset order with at most
// partConcurrency in flight. The first failure cancels the remaining parts.
func (e *Engine) uploadParts(ctx context.Context, sess *Session, ranges []archive.ByteRange, data []byte) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.partConcurrency)
	for _, r := range ranges {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := e.client.UploadPart(gctx, sess.upload, r, data[r.Start:r.End]); err != nil {
				metrics.PartsTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("part %d %s: %w", sess.upload.PartNumber(r), r.ContentRange(), err)
			}
			metrics.PartsTotal.WithLabelValues("success").Inc()
			metrics.BytesUploadedTotal.Add(float64(r.Len()))
			sess.partDone()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// A cancellation seen before dispatching every part leaves no goroutine
	// error behind.
	if err := ctx.Err(); err != nil && sess.Remaining() != 0 {
		return err
	}
	return nil
}

// abort releases the remote session. Failures are logged only.
func (e *Engine) abort(ctx context.Context, sess *Session, path string) {
	if err := e.client.Abort(context.WithoutCancel(ctx), sess.upload); err != nil && !errors.Is(err, bberrors.ErrNoSuchUpload) {
		e.logger.Warn("Failed to abort multipart upload", "path", path, "upload_id", sess.UploadID, "error", err)
	}
}
