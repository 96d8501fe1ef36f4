package archive

import (
	"errors"
	"testing"
)

func TestByteRangeContentRange(t *testing.T) {
	tests := []struct {
		r    ByteRange
		want string
	}{
		{ByteRange{0, MiB}, "bytes 0-1048575/*"},
		{ByteRange{MiB, 2 * MiB}, "bytes 1048576-2097151/*"},
		{ByteRange{2 * MiB, 2*MiB + 1}, "bytes 2097152-2097152/*"},
	}
	for _, tt := range tests {
		if got := tt.r.ContentRange(); got != tt.want {
			t.Errorf("%v.ContentRange() = %q, want %q", tt.r, got, tt.want)
		}
		back, err := ParseContentRange(tt.want)
		if err != nil {
			t.Fatalf("ParseContentRange(%q): %v", tt.want, err)
		}
		if back != tt.r {
			t.Errorf("ParseContentRange(%q) = %v, want %v", tt.want, back, tt.r)
		}
	}
}

func TestParseContentRangeInvalid(t *testing.T) {
	for _, s := range []string{"", "0-10/*", "bytes 10", "bytes a-b/*", "bytes 10-5/*"} {
		if _, err := ParseContentRange(s); err == nil {
			t.Errorf("ParseContentRange(%q) should fail", s)
		}
	}
}

func TestValidatePartSize(t *testing.T) {
	tests := []struct {
		size int64
		ok   bool
	}{
		{MiB, true},
		{2 * MiB, true},
		{8 * MiB, true},
		{MaxPartSize, true},
		{0, false},
		{MiB - 1, false},
		{3 * MiB, false},
		{MiB + 1, false},
		{2 * MaxPartSize, false},
	}
	for _, tt := range tests {
		err := ValidatePartSize(tt.size)
		if (err == nil) != tt.ok {
			t.Errorf("ValidatePartSize(%d) error = %v, want ok=%v", tt.size, err, tt.ok)
		}
	}
}

func TestUploadPartNumber(t *testing.T) {
	up := NewUpload("v", "id", 2*MiB, "")
	if n := up.PartNumber(ByteRange{0, 2 * MiB}); n != 1 {
		t.Errorf("first part number = %d, want 1", n)
	}
	if n := up.PartNumber(ByteRange{4 * MiB, 5 * MiB}); n != 3 {
		t.Errorf("third part number = %d, want 3", n)
	}
}

func TestVerifyReceipts(t *testing.T) {
	data := patterned(int(2*MiB) + 10)
	up := NewUpload("v", "id", MiB, "")
	ranges := []ByteRange{{0, MiB}, {MiB, 2 * MiB}, {2 * MiB, 2*MiB + 10}}
	// Receipts arrive out of order.
	for _, i := range []int{2, 0, 1} {
		r := ranges[i]
		up.addReceipt(PartReceipt{Range: r, Number: up.PartNumber(r), TreeHash: TreeHash(data[r.Start:r.End])})
	}

	receipts, sum, err := up.verifyReceipts(int64(len(data)), ComputeChecksum(data))
	if err != nil {
		t.Fatalf("verifyReceipts: %v", err)
	}
	if len(receipts) != 3 || receipts[0].Number != 1 || receipts[2].Number != 3 {
		t.Errorf("receipts not sorted by offset: %+v", receipts)
	}
	if sum != ComputeChecksum(data) {
		t.Errorf("sum = %s, want %s", sum, ComputeChecksum(data))
	}

	if _, _, err := up.verifyReceipts(int64(len(data)), ComputeChecksum(data[:10])); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("wrong checksum: err = %v, want ErrChecksumMismatch", err)
	}
	if _, _, err := up.verifyReceipts(int64(len(data))+1, ComputeChecksum(data)); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("wrong size: err = %v, want ErrChecksumMismatch", err)
	}
}

func TestVerifyReceiptsMissingPart(t *testing.T) {
	data := patterned(int(2 * MiB))
	up := NewUpload("v", "id", MiB, "")
	r := ByteRange{MiB, 2 * MiB}
	up.addReceipt(PartReceipt{Range: r, TreeHash: TreeHash(data[MiB:])})

	if _, _, err := up.verifyReceipts(2*MiB, ComputeChecksum(data)); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("err = %v, want ErrChecksumMismatch", err)
	}
}

func TestBackendPartLimits(t *testing.T) {
	tests := []struct {
		name   string
		client Client
		want   int
	}{
		{"gcp", NewGCPClientWithAPI("proj", "", newMockGCSClient()), 1024},
		{"s3", NewS3ClientWithAPI("", "", nil), 10000},
		{"glacier", NewGlacierClientWithAPI("-", nil), 10000},
		{"azure", NewAzureClientWithAPI("", "", nil), 50000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, ok := tt.client.(PartLimiter)
			if !ok {
				t.Fatalf("%T does not report a part limit", tt.client)
			}
			if got := l.MaxParts(); got != tt.want {
				t.Errorf("MaxParts() = %d, want %d", got, tt.want)
			}
		})
	}
	if _, ok := Client(NewMemoryClient("v")).(PartLimiter); ok {
		t.Error("memory client should not cap parts")
	}
}
