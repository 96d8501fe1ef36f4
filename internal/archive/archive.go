// Package archive defines the remote archive client used by Snow Bunny and
// its backend implementations.
//
// Every backend speaks the same three-step multipart protocol: Initiate opens
// a session against a vault, UploadPart sends one byte range of the file, and
// Complete closes the session while asserting the total size and the tree-hash
// checksum of the whole file. A checksum that does not match the backend's
// own recomputation fails the completion with ErrChecksumMismatch.
package archive

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	bberrors "github.com/schester44/Snow-Bunny/internal/errors"
)

// MiB is one mebibyte, the tree-hash block size and the smallest part size.
const MiB int64 = 1024 * 1024

// DefaultPartSize is the part size used when none is configured.
const DefaultPartSize = MiB

// MaxPartSize is the largest part size accepted by the multipart protocol.
const MaxPartSize = 4096 * MiB

// ErrChecksumMismatch is re-exported for callers that only import archive.
var ErrChecksumMismatch = bberrors.ErrChecksumMismatch

// Client is the abstraction over a backend's multipart-upload protocol.
// All methods must be safe for concurrent use; UploadPart in particular is
// called concurrently for different ranges of the same Upload.
type Client interface {
	// CheckVault verifies that the vault exists and is reachable. It is
	// called once before any upload is dispatched.
	CheckVault(ctx context.Context, vault string) error

	// Initiate opens a multipart session in the named vault.
	Initiate(ctx context.Context, vault string, partSize int64) (*Upload, error)

	// UploadPart sends the bytes of one half-open range of the file.
	UploadPart(ctx context.Context, up *Upload, r ByteRange, data []byte) error

	// Complete closes the session. The backend must verify checksum against
	// its own recomputation and fail with ErrChecksumMismatch if they differ.
	Complete(ctx context.Context, up *Upload, size int64, checksum string) (*Archive, error)

	// Abort abandons the session and releases any staged parts. It is
	// best-effort; an already-expired session is not an error.
	Abort(ctx context.Context, up *Upload) error
}

// PartLimiter is implemented by clients whose backend caps the number of
// parts in one upload. Files that would need more parts are rejected before
// a session is opened.
type PartLimiter interface {
	MaxParts() int
}

// Archive is the backend's durable record of one completed upload.
type Archive struct {
	// ID is the backend-assigned archive identifier (or object name).
	ID string
	// Checksum is the tree hash confirmed by the backend.
	Checksum string
	// Location is the backend's resource location, if it reports one.
	Location string
}

// Upload is an open multipart session. It is created by Initiate and owned
// by a single file upload until Complete or Abort.
type Upload struct {
	// Vault is the destination vault (bucket, container) name.
	Vault string
	// ID is the backend's upload identifier.
	ID string
	// PartSize is the nominal size of every part except the last.
	PartSize int64
	// Key is the object name used by object-store backends.
	Key string
	// StartedAt is when the session was initiated.
	StartedAt time.Time

	mu    sync.Mutex
	parts map[int64]PartReceipt
}

// NewUpload creates an Upload handle. Backends call this from Initiate.
func NewUpload(vault, id string, partSize int64, key string) *Upload {
	return &Upload{
		Vault:     vault,
		ID:        id,
		PartSize:  partSize,
		Key:       key,
		StartedAt: time.Now(),
		parts:     make(map[int64]PartReceipt),
	}
}

// PartReceipt records what a backend acknowledged for one part.
type PartReceipt struct {
	Range    ByteRange
	Number   int32
	ETag     string
	Checksum string
	TreeHash []byte
}

// PartNumber returns the 1-based part number of r within an upload.
func (u *Upload) PartNumber(r ByteRange) int32 {
	return int32(r.Start/u.PartSize) + 1
}

// addReceipt stores an acknowledged part, replacing any earlier receipt for
// the same range.
func (u *Upload) addReceipt(p PartReceipt) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.parts == nil {
		u.parts = make(map[int64]PartReceipt)
	}
	u.parts[p.Range.Start] = p
}

// Receipts returns the acknowledged parts in byte-offset order.
func (u *Upload) Receipts() []PartReceipt {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]PartReceipt, 0, len(u.parts))
	for _, p := range u.parts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start < out[j].Range.Start })
	return out
}

// verifyReceipts checks that the acknowledged parts cover [0, size) with no
// gap or overlap and that their combined tree hash equals checksum. It is the
// client-side stand-in for the server-side check Glacier performs.
func (u *Upload) verifyReceipts(size int64, checksum string) ([]PartReceipt, string, error) {
	receipts := u.Receipts()
	var next int64
	hashes := make([][]byte, 0, len(receipts))
	for _, p := range receipts {
		if p.Range.Start != next {
			return nil, "", fmt.Errorf("part at offset %d missing: %w", next, ErrChecksumMismatch)
		}
		next = p.Range.End
		hashes = append(hashes, p.TreeHash)
	}
	if next != size {
		return nil, "", fmt.Errorf("parts cover %d of %d bytes: %w", next, size, ErrChecksumMismatch)
	}
	got := CombineTreeHashes(hashes)
	if !strings.EqualFold(got, checksum) {
		return nil, "", fmt.Errorf("declared %s, computed %s: %w", checksum, got, ErrChecksumMismatch)
	}
	return receipts, got, nil
}

// ByteRange is the half-open interval [Start, End) of a file.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start
}

// ContentRange renders the range in the protocol's inclusive wire format,
// e.g. "bytes 0-1048575/*".
func (r ByteRange) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/*", r.Start, r.End-1)
}

// String implements fmt.Stringer.
func (r ByteRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// ParseContentRange parses the inclusive wire format produced by
// ContentRange back into a half-open ByteRange.
func ParseContentRange(s string) (ByteRange, error) {
	rest, ok := strings.CutPrefix(s, "bytes ")
	if !ok {
		return ByteRange{}, fmt.Errorf("invalid content range %q", s)
	}
	rest, _, _ = strings.Cut(rest, "/")
	first, last, ok := strings.Cut(rest, "-")
	if !ok {
		return ByteRange{}, fmt.Errorf("invalid content range %q", s)
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return ByteRange{}, fmt.Errorf("invalid range start in %q: %w", s, err)
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return ByteRange{}, fmt.Errorf("invalid range end in %q: %w", s, err)
	}
	if end < start {
		return ByteRange{}, fmt.Errorf("invalid content range %q", s)
	}
	return ByteRange{Start: start, End: end + 1}, nil
}

// ValidatePartSize checks that size is 1 MiB multiplied by a power of two
// and no larger than MaxPartSize. Only such sizes let per-part tree hashes
// combine into the whole-file tree hash.
func ValidatePartSize(size int64) error {
	if size < MiB || size > MaxPartSize {
		return fmt.Errorf("part size %d out of range [%d, %d]", size, MiB, MaxPartSize)
	}
	if size%MiB != 0 {
		return fmt.Errorf("part size %d is not a multiple of 1 MiB", size)
	}
	n := size / MiB
	if n&(n-1) != 0 {
		return fmt.Errorf("part size %d is not 1 MiB times a power of two", size)
	}
	return nil
}
