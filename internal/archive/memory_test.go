package archive

import (
	"bytes"
	"context"
	"errors"
	"testing"

	bberrors "github.com/schester44/Snow-Bunny/internal/errors"
)

func TestMemoryUploadRoundTrip(t *testing.T) {
	c := NewMemoryClient("v")
	data := patterned(2*int(MiB) + 1)

	a, err := uploadAll(t, c, "v", MiB, data)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	stored := c.Archives("v")
	if len(stored) != 1 || stored[0].ID != a.ID {
		t.Fatalf("Archives = %+v", stored)
	}
	if !bytes.Equal(stored[0].Data, data) {
		t.Error("stored data differs")
	}
	if c.OpenSessions() != 0 {
		t.Errorf("OpenSessions = %d, want 0", c.OpenSessions())
	}
}

func TestMemoryCorruptedPartDetected(t *testing.T) {
	c := NewMemoryClient("v")
	ctx := context.Background()
	data := patterned(2 * int(MiB))

	up, err := c.Initiate(ctx, "v", MiB)
	if err != nil {
		t.Fatal(err)
	}
	corrupt := bytes.Clone(data[MiB:])
	corrupt[0] ^= 1
	if err := c.UploadPart(ctx, up, ByteRange{0, MiB}, data[:MiB]); err != nil {
		t.Fatal(err)
	}
	if err := c.UploadPart(ctx, up, ByteRange{MiB, 2 * MiB}, corrupt); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Complete(ctx, up, 2*MiB, ComputeChecksum(data)); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("err = %v, want ErrChecksumMismatch", err)
	}
	if len(c.Archives("v")) != 0 {
		t.Error("archive stored despite checksum mismatch")
	}
}

func TestMemoryMissingPartDetected(t *testing.T) {
	c := NewMemoryClient("v")
	ctx := context.Background()
	data := patterned(2 * int(MiB))

	up, err := c.Initiate(ctx, "v", MiB)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.UploadPart(ctx, up, ByteRange{MiB, 2 * MiB}, data[MiB:]); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Complete(ctx, up, 2*MiB, ComputeChecksum(data)); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("err = %v, want ErrChecksumMismatch", err)
	}
}

func TestMemoryUnknownVault(t *testing.T) {
	c := NewMemoryClient("v")
	if _, err := c.Initiate(context.Background(), "other", MiB); err == nil {
		t.Error("Initiate in unknown vault should fail")
	}
	if err := c.CheckVault(context.Background(), "other"); err == nil {
		t.Error("CheckVault(other) should fail")
	}
}

func TestDryRunClientCreatesVaults(t *testing.T) {
	c := NewDryRunClient()
	if err := c.CheckVault(context.Background(), "anything"); err != nil {
		t.Fatalf("CheckVault: %v", err)
	}
	if _, err := uploadAll(t, c, "anything", MiB, []byte("abc")); err != nil {
		t.Fatalf("upload: %v", err)
	}
}

func TestMemoryAbortedSessionRejectsParts(t *testing.T) {
	c := NewMemoryClient("v")
	ctx := context.Background()
	up, err := c.Initiate(ctx, "v", MiB)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Abort(ctx, up); err != nil {
		t.Fatal(err)
	}
	if err := c.UploadPart(ctx, up, ByteRange{0, 1}, []byte("x")); !errors.Is(err, bberrors.ErrNoSuchUpload) {
		t.Errorf("err = %v, want ErrNoSuchUpload", err)
	}
}
