package archive

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

// patterned returns n bytes of a repeating, non-uniform pattern.
func patterned(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/4096)
	}
	return b
}

func TestComputeChecksumSmallFile(t *testing.T) {
	data := []byte("hello, glacier")
	sum := sha256.Sum256(data)
	want := hex.EncodeToString(sum[:])
	if got := ComputeChecksum(data); got != want {
		t.Errorf("ComputeChecksum = %s, want %s", got, want)
	}
}

func TestComputeChecksumExactlyOneBlock(t *testing.T) {
	data := patterned(int(MiB))
	sum := sha256.Sum256(data)
	if got, want := ComputeChecksum(data), hex.EncodeToString(sum[:]); got != want {
		t.Errorf("ComputeChecksum = %s, want %s", got, want)
	}
}

func TestComputeChecksumTwoBlocks(t *testing.T) {
	data := patterned(int(2 * MiB))
	h1 := sha256.Sum256(data[:MiB])
	h2 := sha256.Sum256(data[MiB:])
	root := sha256.Sum256(append(h1[:], h2[:]...))

	if got, want := ComputeChecksum(data), hex.EncodeToString(root[:]); got != want {
		t.Errorf("ComputeChecksum = %s, want %s", got, want)
	}
}

func TestComputeChecksumThreeBlocksPromotesOddNode(t *testing.T) {
	data := patterned(int(2*MiB) + 100)
	h1 := sha256.Sum256(data[:MiB])
	h2 := sha256.Sum256(data[MiB : 2*MiB])
	h3 := sha256.Sum256(data[2*MiB:])
	left := sha256.Sum256(append(h1[:], h2[:]...))
	root := sha256.Sum256(append(left[:], h3[:]...))

	if got, want := ComputeChecksum(data), hex.EncodeToString(root[:]); got != want {
		t.Errorf("ComputeChecksum = %s, want %s", got, want)
	}
}

func TestComputeChecksumDeterministic(t *testing.T) {
	data := patterned(3*int(MiB) + 17)
	if ComputeChecksum(data) != ComputeChecksum(bytes.Clone(data)) {
		t.Error("ComputeChecksum is not deterministic")
	}
	data[len(data)-1] ^= 0xff
	if ComputeChecksum(data) == ComputeChecksum(patterned(3*int(MiB)+17)) {
		t.Error("a one-byte change did not change the checksum")
	}
}

func TestCombineTreeHashesMatchesWholeFile(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		partSize int64
	}{
		{"single part", 300 * 1024, MiB},
		{"one MiB parts", 5*int(MiB) + 3, MiB},
		{"two MiB parts", 5*int(MiB) + 3, 2 * MiB},
		{"four MiB parts exact", 8 * int(MiB), 4 * MiB},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := patterned(tt.size)
			var hashes [][]byte
			for start := int64(0); start < int64(len(data)); start += tt.partSize {
				end := min(start+tt.partSize, int64(len(data)))
				hashes = append(hashes, TreeHash(data[start:end]))
			}
			if got, want := CombineTreeHashes(hashes), ComputeChecksum(data); got != want {
				t.Errorf("CombineTreeHashes = %s, want %s", got, want)
			}
		})
	}
}

func TestTreeHashEmptyInput(t *testing.T) {
	sum := sha256.Sum256(nil)
	if got, want := ComputeChecksum(nil), hex.EncodeToString(sum[:]); got != want {
		t.Errorf("ComputeChecksum(nil) = %s, want %s", got, want)
	}
}

func TestComputeChecksumFiveBlocksPromotesAcrossLevels(t *testing.T) {
	data := patterned(4*int(MiB) + 9)
	var leaves [5][32]byte
	for i := range leaves {
		end := min(int64(i+1)*MiB, int64(len(data)))
		leaves[i] = sha256.Sum256(data[int64(i)*MiB : end])
	}
	a := sha256.Sum256(append(leaves[0][:], leaves[1][:]...))
	b := sha256.Sum256(append(leaves[2][:], leaves[3][:]...))
	ab := sha256.Sum256(append(a[:], b[:]...))
	// leaves[4] is promoted twice before it is paired.
	root := sha256.Sum256(append(ab[:], leaves[4][:]...))

	if got, want := ComputeChecksum(data), hex.EncodeToString(root[:]); got != want {
		t.Errorf("ComputeChecksum = %s, want %s", got, want)
	}
}
