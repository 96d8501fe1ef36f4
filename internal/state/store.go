// Package state defines the persistent upload-state store that makes a backup
// run resumable, together with its engine implementations.
//
// The store tracks two disjoint sets of file paths (pending and uploaded) and
// a monotonically increasing counter of completed uploads. Moving a path from
// pending to uploaded is a single atomic mutation: the record is written, the
// pending entry is removed and the counter is incremented together, so a crash
// can never leave a file counted twice or lost.
package state

import (
	"context"
	"time"
)

// Record is the durable proof that a file was archived.
type Record struct {
	FilePath   string
	ArchiveID  string
	Checksum   string
	UploadedAt time.Time
}

// LoadResult summarizes one LoadPending call.
type LoadResult struct {
	// Discovered is the number of distinct paths passed in.
	Discovered int
	// Added is the number of paths newly inserted into the pending set.
	Added int
	// Duplicates is the number of discovered paths that were already pending.
	Duplicates int
	// AlreadyUploaded is the number of discovered paths skipped because an
	// upload record exists.
	AlreadyUploaded int
	// Pending is the size of the pending set after the merge.
	Pending int
}

// Store is the upload-state store. Implementations must be safe for
// concurrent use and serialize all mutations.
type Store interface {
	// LoadPending merges discovered paths into the pending set. Paths that
	// are already pending or already uploaded are left unchanged, so the
	// call is idempotent.
	LoadPending(ctx context.Context, discovered []string) (LoadResult, error)

	// IsUploaded reports whether an upload record exists for path.
	IsUploaded(ctx context.Context, path string) (bool, error)

	// RecordUploaded atomically inserts rec, removes rec.FilePath from the
	// pending set and increments the upload counter. If a record for the
	// path already exists the call only clears the pending entry and the
	// counter is left unchanged.
	RecordUploaded(ctx context.Context, rec Record) error

	// RemovePending removes path from the pending set. Removing a path that
	// is not pending is not an error.
	RemovePending(ctx context.Context, path string) error

	// SnapshotPending returns the pending set in ascending lexical order.
	SnapshotPending(ctx context.Context) ([]string, error)

	// TotalUploaded returns the upload counter.
	TotalUploaded(ctx context.Context) (int64, error)

	// Uploaded returns every upload record ordered by path.
	Uploaded(ctx context.Context) ([]Record, error)

	// Close releases any resources held by the store.
	Close() error
}

// CounterSetter is implemented by stores whose upload counter can be
// overwritten, which import needs to carry a counter over verbatim.
type CounterSetter interface {
	SetTotalUploaded(ctx context.Context, n int64) error
}

// dedupe returns the distinct non-empty paths of in, preserving first
// occurrence order.
func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
