package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/smithy-go"
)

type mockAPIError struct {
	code       string
	message    string
	httpStatus int
}

func (e *mockAPIError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *mockAPIError) ErrorCode() string {
	return e.code
}

func (e *mockAPIError) ErrorMessage() string {
	return e.message
}

func (e *mockAPIError) ErrorFault() smithy.ErrorFault {
	if e.httpStatus >= 500 {
		return smithy.FaultServer
	}
	return smithy.FaultClient
}

// Ensure mockAPIError satisfies smithy.APIError.
var _ smithy.APIError = (*mockAPIError)(nil)

// mockGlacierClient implements GlacierAPI for unit testing. It validates
// part and archive tree hashes the way the service does.
type mockGlacierClient struct {
	mu       sync.Mutex
	vaults   map[string]bool
	uploads  map[string]map[int64][]byte
	archives map[string][]byte
	nextID   int

	partRanges  []string
	abortCalls  int
	initiateErr error
}

func newMockGlacierClient(vaults ...string) *mockGlacierClient {
	m := &mockGlacierClient{
		vaults:   make(map[string]bool),
		uploads:  make(map[string]map[int64][]byte),
		archives: make(map[string][]byte),
	}
	for _, v := range vaults {
		m.vaults[v] = true
	}
	return m
}

func (m *mockGlacierClient) DescribeVault(ctx context.Context, params *glacier.DescribeVaultInput, optFns ...func(*glacier.Options)) (*glacier.DescribeVaultOutput, error) {
	if !m.vaults[aws.ToString(params.VaultName)] {
		return nil, &mockAPIError{code: "ResourceNotFoundException", message: "Vault not found", httpStatus: 404}
	}
	return &glacier.DescribeVaultOutput{VaultARN: aws.String("arn:aws:glacier:us-east-1:1:vaults/" + aws.ToString(params.VaultName))}, nil
}

func (m *mockGlacierClient) InitiateMultipartUpload(ctx context.Context, params *glacier.InitiateMultipartUploadInput, optFns ...func(*glacier.Options)) (*glacier.InitiateMultipartUploadOutput, error) {
	if m.initiateErr != nil {
		return nil, m.initiateErr
	}
	if aws.ToString(params.AccountId) == "" {
		return nil, &mockAPIError{code: "MissingParameterValueException", message: "account id required"}
	}
	if _, err := strconv.ParseInt(aws.ToString(params.PartSize), 10, 64); err != nil {
		return nil, &mockAPIError{code: "InvalidParameterValueException", message: "bad part size"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.vaults[aws.ToString(params.VaultName)] {
		return nil, &mockAPIError{code: "ResourceNotFoundException", message: "Vault not found", httpStatus: 404}
	}
	m.nextID++
	id := fmt.Sprintf("upload-%d", m.nextID)
	m.uploads[id] = make(map[int64][]byte)
	return &glacier.InitiateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (m *mockGlacierClient) UploadMultipartPart(ctx context.Context, params *glacier.UploadMultipartPartInput, optFns ...func(*glacier.Options)) (*glacier.UploadMultipartPartOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	r, err := ParseContentRange(aws.ToString(params.Range))
	if err != nil || r.Len() != int64(len(data)) {
		return nil, &mockAPIError{code: "InvalidParameterValueException", message: "bad range"}
	}
	sum := ComputeChecksum(data)
	if sum != aws.ToString(params.Checksum) {
		return nil, &mockAPIError{code: "InvalidParameterValueException", message: "Checksum mismatch for part"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	parts, ok := m.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &mockAPIError{code: "ResourceNotFoundException", message: "upload not found", httpStatus: 404}
	}
	parts[r.Start] = data
	m.partRanges = append(m.partRanges, aws.ToString(params.Range))
	return &glacier.UploadMultipartPartOutput{Checksum: aws.String(sum)}, nil
}

func (m *mockGlacierClient) CompleteMultipartUpload(ctx context.Context, params *glacier.CompleteMultipartUploadInput, optFns ...func(*glacier.Options)) (*glacier.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := aws.ToString(params.UploadId)
	parts, ok := m.uploads[id]
	if !ok {
		return nil, &mockAPIError{code: "ResourceNotFoundException", message: "upload not found", httpStatus: 404}
	}
	starts := make([]int64, 0, len(parts))
	for s := range parts {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	var buf bytes.Buffer
	for _, s := range starts {
		buf.Write(parts[s])
	}
	if strconv.Itoa(buf.Len()) != aws.ToString(params.ArchiveSize) {
		return nil, &mockAPIError{code: "InvalidParameterValueException", message: "archive size mismatch"}
	}
	sum := ComputeChecksum(buf.Bytes())
	if sum != aws.ToString(params.Checksum) {
		return nil, &mockAPIError{code: "InvalidParameterValueException", message: "The checksum of the archive does not match"}
	}
	delete(m.uploads, id)
	archiveID := "archive-" + id
	m.archives[archiveID] = buf.Bytes()
	return &glacier.CompleteMultipartUploadOutput{
		ArchiveId: aws.String(archiveID),
		Checksum:  aws.String(sum),
		Location:  aws.String("/1/vaults/v/archives/" + archiveID),
	}, nil
}

func (m *mockGlacierClient) AbortMultipartUpload(ctx context.Context, params *glacier.AbortMultipartUploadInput, optFns ...func(*glacier.Options)) (*glacier.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abortCalls++
	id := aws.ToString(params.UploadId)
	if _, ok := m.uploads[id]; !ok {
		return nil, &mockAPIError{code: "ResourceNotFoundException", message: "upload not found", httpStatus: 404}
	}
	delete(m.uploads, id)
	return &glacier.AbortMultipartUploadOutput{}, nil
}

// uploadAll drives a client through the full protocol for data.
func uploadAll(t *testing.T, c Client, vault string, partSize int64, data []byte) (*Archive, error) {
	t.Helper()
	ctx := context.Background()
	up, err := c.Initiate(ctx, vault, partSize)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	for start := int64(0); start < int64(len(data)); start += partSize {
		end := min(start+partSize, int64(len(data)))
		if err := c.UploadPart(ctx, up, ByteRange{start, end}, data[start:end]); err != nil {
			t.Fatalf("UploadPart [%d,%d): %v", start, end, err)
		}
	}
	return c.Complete(ctx, up, int64(len(data)), ComputeChecksum(data))
}

func TestGlacierUploadRoundTrip(t *testing.T) {
	mock := newMockGlacierClient("photos")
	c := NewGlacierClientWithAPI("", mock)
	data := patterned(2*int(MiB) + 512)

	a, err := uploadAll(t, c, "photos", MiB, data)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if a.ID == "" || a.Checksum != ComputeChecksum(data) {
		t.Errorf("archive = %+v", a)
	}
	if !bytes.Equal(mock.archives[a.ID], data) {
		t.Error("stored archive differs from uploaded data")
	}
	want := []string{"bytes 0-1048575/*", "bytes 1048576-2097151/*", "bytes 2097152-2097663/*"}
	if fmt.Sprint(mock.partRanges) != fmt.Sprint(want) {
		t.Errorf("ranges = %v, want %v", mock.partRanges, want)
	}
}

func TestGlacierDefaultAccountID(t *testing.T) {
	c := NewGlacierClientWithAPI("", newMockGlacierClient())
	if c.AccountID != "-" {
		t.Errorf("AccountID = %q, want %q", c.AccountID, "-")
	}
}

func TestGlacierCheckVault(t *testing.T) {
	c := NewGlacierClientWithAPI("", newMockGlacierClient("photos"))
	if err := c.CheckVault(context.Background(), "photos"); err != nil {
		t.Errorf("CheckVault(photos): %v", err)
	}
	if err := c.CheckVault(context.Background(), "missing"); err == nil {
		t.Error("CheckVault(missing) should fail")
	}
}

func TestGlacierCompleteChecksumMismatch(t *testing.T) {
	mock := newMockGlacierClient("v")
	c := NewGlacierClientWithAPI("", mock)
	ctx := context.Background()
	data := patterned(int(MiB) + 1)

	up, err := c.Initiate(ctx, "v", MiB)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.UploadPart(ctx, up, ByteRange{0, MiB}, data[:MiB]); err != nil {
		t.Fatal(err)
	}
	if err := c.UploadPart(ctx, up, ByteRange{MiB, MiB + 1}, data[MiB:]); err != nil {
		t.Fatal(err)
	}
	_, err = c.Complete(ctx, up, int64(len(data)), ComputeChecksum([]byte("something else")))
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("err = %v, want ErrChecksumMismatch", err)
	}
}

func TestGlacierInitiateRejectsBadPartSize(t *testing.T) {
	c := NewGlacierClientWithAPI("", newMockGlacierClient("v"))
	if _, err := c.Initiate(context.Background(), "v", 3*MiB); err == nil {
		t.Error("Initiate with 3 MiB parts should fail")
	}
}

func TestGlacierUploadPartLengthMismatch(t *testing.T) {
	c := NewGlacierClientWithAPI("", newMockGlacierClient("v"))
	up, err := c.Initiate(context.Background(), "v", MiB)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.UploadPart(context.Background(), up, ByteRange{0, 10}, []byte("short")); err == nil {
		t.Error("UploadPart with wrong length should fail")
	}
}

func TestGlacierAbortIdempotent(t *testing.T) {
	mock := newMockGlacierClient("v")
	c := NewGlacierClientWithAPI("", mock)
	up, err := c.Initiate(context.Background(), "v", MiB)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Abort(context.Background(), up); err != nil {
		t.Fatalf("first Abort: %v", err)
	}
	if err := c.Abort(context.Background(), up); err != nil {
		t.Fatalf("second Abort should ignore unknown upload: %v", err)
	}
	if mock.abortCalls != 2 {
		t.Errorf("abortCalls = %d, want 2", mock.abortCalls)
	}
}
