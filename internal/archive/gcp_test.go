package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
)

// mockGCSClient implements GCSAPI for unit testing.
type mockGCSClient struct {
	mu      sync.Mutex
	buckets map[string]bool
	// objects stores all objects keyed by "bucket/object".
	objects map[string][]byte
	classes map[string]string
	meta    map[string]map[string]string
	// composeCalls tracks the number of compose calls.
	composeCalls int
}

func newMockGCSClient(buckets ...string) *mockGCSClient {
	m := &mockGCSClient{
		buckets: make(map[string]bool),
		objects: make(map[string][]byte),
		classes: make(map[string]string),
		meta:    make(map[string]map[string]string),
	}
	for _, b := range buckets {
		m.buckets[b] = true
	}
	return m
}

// mockGCSWriter implements GCSWriter for testing.
type mockGCSWriter struct {
	buf    *bytes.Buffer
	client *mockGCSClient
	key    string
}

func (w *mockGCSWriter) Write(p []byte) (n int, err error) {
	return w.buf.Write(p)
}

func (w *mockGCSWriter) Close() error {
	w.client.mu.Lock()
	defer w.client.mu.Unlock()
	w.client.objects[w.key] = w.buf.Bytes()
	return nil
}

func (m *mockGCSClient) BucketExists(ctx context.Context, bucket string) error {
	if !m.buckets[bucket] {
		return errors.New("storage: bucket doesn't exist")
	}
	return nil
}

func (m *mockGCSClient) NewWriter(ctx context.Context, bucket, object string) GCSWriter {
	return &mockGCSWriter{buf: &bytes.Buffer{}, client: m, key: bucket + "/" + object}
}

func (m *mockGCSClient) Compose(ctx context.Context, bucket, dst string, srcs []string, storageClass string, metadata map[string]string) (*GCSAttrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.composeCalls++
	if len(srcs) > maxComposeSources {
		return nil, fmt.Errorf("too many compose sources: %d", len(srcs))
	}
	var buf bytes.Buffer
	for _, s := range srcs {
		data, ok := m.objects[bucket+"/"+s]
		if !ok {
			return nil, fmt.Errorf("storage: object doesn't exist: %s", s)
		}
		buf.Write(data)
	}
	m.objects[bucket+"/"+dst] = buf.Bytes()
	m.classes[bucket+"/"+dst] = storageClass
	m.meta[bucket+"/"+dst] = metadata
	return &GCSAttrs{Size: int64(buf.Len()), StorageClass: storageClass, Generation: 42}, nil
}

func (m *mockGCSClient) Delete(ctx context.Context, bucket, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[bucket+"/"+object]; !ok {
		return errors.New("storage: object doesn't exist")
	}
	delete(m.objects, bucket+"/"+object)
	return nil
}

func (m *mockGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for k := range m.objects {
		name, ok := strings.CutPrefix(k, bucket+"/")
		if ok && strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func TestGCPUploadRoundTrip(t *testing.T) {
	mock := newMockGCSClient("cold")
	c := NewGCPClientWithAPI("proj", "bk/", mock)
	data := patterned(3*int(MiB) + 9)

	a, err := uploadAll(t, c, "cold", MiB, data)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	key := strings.TrimSuffix(a.ID, "#42")
	if !bytes.Equal(mock.objects["cold/"+key], data) {
		t.Error("composed object differs from uploaded data")
	}
	if mock.classes["cold/"+key] != GCSArchiveClass {
		t.Errorf("storage class = %q, want %q", mock.classes["cold/"+key], GCSArchiveClass)
	}
	if mock.meta["cold/"+key][treeHashMetadataKey] != ComputeChecksum(data) {
		t.Error("tree hash metadata not set on final object")
	}
	if len(mock.objects) != 1 {
		t.Errorf("%d objects remain, want only the archive", len(mock.objects))
	}
}

func TestGCPChainCompose(t *testing.T) {
	mock := newMockGCSClient("cold")
	c := NewGCPClientWithAPI("proj", "", mock)
	ctx := context.Background()

	// Drive 40 one-byte parts through chainCompose directly; a 1 MiB part
	// size would need 40 MiB of test data.
	up := NewUpload("cold", "u1", MiB, "final")
	var sources []string
	var want bytes.Buffer
	for i := int32(1); i <= 40; i++ {
		name := c.partKey(up.ID, i)
		mock.objects["cold/"+name] = []byte{byte(i)}
		want.WriteByte(byte(i))
		sources = append(sources, name)
	}
	attrs, err := c.chainCompose(ctx, up, sources, nil)
	if err != nil {
		t.Fatalf("chainCompose: %v", err)
	}
	if attrs.Size != 40 {
		t.Errorf("Size = %d, want 40", attrs.Size)
	}
	if !bytes.Equal(mock.objects["cold/final"], want.Bytes()) {
		t.Error("composed data out of order")
	}
	// 40 sources: intermediates of 32 and 8, then the final compose.
	if mock.composeCalls != 3 {
		t.Errorf("composeCalls = %d, want 3", mock.composeCalls)
	}

	if err := c.Abort(ctx, up); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if len(mock.objects) != 1 {
		t.Errorf("%d objects remain after cleanup, want 1", len(mock.objects))
	}
}

func TestGCPCompleteChecksumMismatchCleansUp(t *testing.T) {
	mock := newMockGCSClient("cold")
	c := NewGCPClientWithAPI("proj", "", mock)
	ctx := context.Background()

	up, err := c.Initiate(ctx, "cold", MiB)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.UploadPart(ctx, up, ByteRange{0, 4}, []byte("data")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Complete(ctx, up, 4, ComputeChecksum([]byte("atad"))); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("err = %v, want ErrChecksumMismatch", err)
	}
	if mock.composeCalls != 0 || len(mock.objects) != 0 {
		t.Errorf("composeCalls=%d objects=%d, want 0 and 0", mock.composeCalls, len(mock.objects))
	}
}

func TestGCPCheckVault(t *testing.T) {
	c := NewGCPClientWithAPI("proj", "", newMockGCSClient("cold"))
	if err := c.CheckVault(context.Background(), "cold"); err != nil {
		t.Errorf("CheckVault(cold): %v", err)
	}
	if err := c.CheckVault(context.Background(), "warm"); err == nil {
		t.Error("CheckVault(warm) should fail")
	}
}
