package archive

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputeChecksum returns the SHA-256 tree hash of data over 1 MiB blocks as
// lower-case hex. It is the fingerprint asserted at completion time.
func ComputeChecksum(data []byte) string {
	return hex.EncodeToString(TreeHash(data))
}

// TreeHash returns the raw SHA-256 tree hash of data. Empty data hashes to
// the SHA-256 of the empty string.
func TreeHash(data []byte) []byte {
	if len(data) == 0 {
		sum := sha256.Sum256(nil)
		return sum[:]
	}
	leaves := make([][]byte, 0, (int64(len(data))+MiB-1)/MiB)
	for off := int64(0); off < int64(len(data)); off += MiB {
		end := min(off+MiB, int64(len(data)))
		sum := sha256.Sum256(data[off:end])
		leaves = append(leaves, sum[:])
	}
	return reduceTree(leaves)
}

// CombineTreeHashes folds per-part tree hashes, in byte-offset order, into
// the tree hash of the whole file. The result only equals ComputeChecksum of
// the concatenated data when every part but the last has a size accepted by
// ValidatePartSize.
func CombineTreeHashes(hashes [][]byte) string {
	return hex.EncodeToString(reduceTree(hashes))
}

// reduceTree hashes adjacent pairs level by level until one node is left.
// An odd node at the end of a level is promoted unchanged.
func reduceTree(level [][]byte) []byte {
	if len(level) == 0 {
		return nil
	}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			h := sha256.New()
			h.Write(level[i])
			h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return level[0]
}
