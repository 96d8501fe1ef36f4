// Package serialization moves upload state between a state store and the
// JSON document layout shared by every engine.
package serialization

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/schester44/Snow-Bunny/internal/state"
)

// ImportOptions configures how to import.
type ImportOptions struct {
	// KeepCounter carries the document's totalUploaded over when it is
	// larger than the counter the import produced. It requires a store that
	// implements state.CounterSetter.
	KeepCounter bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	// Records is the number of upload records newly written.
	Records int
	// Skipped counts uploaded entries that were already recorded or
	// malformed.
	Skipped int
	Pending state.LoadResult
	// TotalUploaded is the store's counter after the import.
	TotalUploaded int64
	Warnings      []string
}

// Export reads the full state of store into a Document. Uploaded entries
// are ordered by path and pending paths are sorted.
func Export(ctx context.Context, store state.Store) (*state.Document, error) {
	recs, err := store.Uploaded(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading upload records: %w", err)
	}
	pending, err := store.SnapshotPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading pending files: %w", err)
	}
	total, err := store.TotalUploaded(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading upload counter: %w", err)
	}

	doc := &state.Document{
		FilesUploaded: make([]state.UploadedEntry, 0, len(recs)),
		FilesToUpload: pending,
		TotalUploaded: total,
	}
	if doc.FilesToUpload == nil {
		doc.FilesToUpload = []string{}
	}
	for _, r := range recs {
		doc.FilesUploaded = append(doc.FilesUploaded, state.UploadedEntry{
			FilePath:  r.FilePath,
			ArchiveID: r.ArchiveID,
			Checksum:  r.Checksum,
		})
	}
	return doc, nil
}

// WriteDocument exports store and writes the indented document to w.
func WriteDocument(ctx context.Context, store state.Store, w io.Writer) (*state.Document, error) {
	doc, err := Export(ctx, store)
	if err != nil {
		return nil, err
	}
	data, err := doc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encoding state document: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("writing state document: %w", err)
	}
	return doc, nil
}

// Import merges doc into store. Upload records go through RecordUploaded so
// each new record bumps the counter exactly once and clears any matching
// pending entry; pending paths are merged with LoadPending, which skips
// anything already uploaded. Import is idempotent.
func Import(ctx context.Context, store state.Store, doc *state.Document, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}
	result := &ImportResult{}
	now := time.Now().UTC()

	for _, e := range doc.FilesUploaded {
		if e.FilePath == "" || e.ArchiveID == "" {
			result.Skipped++
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("Skipped upload entry %q: missing path or archive id", e.FilePath))
			continue
		}
		done, err := store.IsUploaded(ctx, e.FilePath)
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", e.FilePath, err)
		}
		if done {
			result.Skipped++
			continue
		}
		rec := state.Record{FilePath: e.FilePath, ArchiveID: e.ArchiveID, Checksum: e.Checksum, UploadedAt: now}
		if err := store.RecordUploaded(ctx, rec); err != nil {
			return nil, fmt.Errorf("recording %s: %w", e.FilePath, err)
		}
		result.Records++
	}

	loaded, err := store.LoadPending(ctx, doc.FilesToUpload)
	if err != nil {
		return nil, fmt.Errorf("loading pending files: %w", err)
	}
	result.Pending = loaded

	total, err := store.TotalUploaded(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading upload counter: %w", err)
	}
	if opts.KeepCounter && doc.TotalUploaded > total {
		setter, ok := store.(state.CounterSetter)
		if !ok {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("Counter left at %d: engine cannot set it to %d", total, doc.TotalUploaded))
		} else {
			if err := setter.SetTotalUploaded(ctx, doc.TotalUploaded); err != nil {
				return nil, fmt.Errorf("setting upload counter: %w", err)
			}
			total = doc.TotalUploaded
		}
	}
	result.TotalUploaded = total
	return result, nil
}

// ReadDocument parses a state document from r.
func ReadDocument(r io.Reader) (*state.Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading state document: %w", err)
	}
	return state.ParseDocument(data)
}
