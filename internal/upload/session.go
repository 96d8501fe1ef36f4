package upload

import (
	"sync/atomic"
	"time"

	"github.com/schester44/Snow-Bunny/internal/archive"
)

// Session tracks one multipart upload owned by a single Engine.Upload call.
// Only the part counter is shared between part goroutines.
type Session struct {
	Vault      string
	UploadID   string
	PartSize   int64
	TotalParts int
	TreeHash   string
	StartTime  time.Time

	remaining atomic.Int64
	upload    *archive.Upload
}

func newSession(up *archive.Upload, totalParts int, treeHash string) *Session {
	s := &Session{
		Vault:      up.Vault,
		UploadID:   up.ID,
		PartSize:   up.PartSize,
		TotalParts: totalParts,
		TreeHash:   treeHash,
		StartTime:  time.Now(),
		upload:     up,
	}
	s.remaining.Store(int64(totalParts))
	return s
}

// Remaining returns the number of parts not yet acknowledged.
func (s *Session) Remaining() int64 {
	return s.remaining.Load()
}

// partDone records one acknowledged part and returns the parts left.
func (s *Session) partDone() int64 {
	return s.remaining.Add(-1)
}

// Partition splits a file of size bytes into consecutive half-open ranges of
// partSize bytes; the last range holds the remainder. A zero size yields no
// ranges.
func Partition(size, partSize int64) []archive.ByteRange {
	if size <= 0 || partSize <= 0 {
		return nil
	}
	n := (size + partSize - 1) / partSize
	ranges := make([]archive.ByteRange, 0, n)
	for start := int64(0); start < size; start += partSize {
		end := start + partSize
		if end > size {
			end = size
		}
		ranges = append(ranges, archive.ByteRange{Start: start, End: end})
	}
	return ranges
}
