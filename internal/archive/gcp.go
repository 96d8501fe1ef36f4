package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/schester44/Snow-Bunny/internal/uid"
)

// maxComposeSources is the GCS limit on the number of source objects per
// Compose call.
const maxComposeSources = 32

// maxComposeComponents is the GCS limit on components in a composite object.
const maxComposeComponents = 1024

// GCSArchiveClass is the storage class of completed archives.
const GCSArchiveClass = "ARCHIVE"

// GCSAPI defines the subset of the GCS client interface that the archive
// client uses. This allows mocking in tests.
type GCSAPI interface {
	// BucketExists returns nil when the bucket is accessible.
	BucketExists(ctx context.Context, bucket string) error
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object string) GCSWriter
	// Compose composes source objects into dst. A non-empty storageClass
	// and metadata are applied to dst.
	Compose(ctx context.Context, bucket, dst string, srcs []string, storageClass string, metadata map[string]string) (*GCSAttrs, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// ListObjects lists objects with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Size         int64
	StorageClass string
	Generation   int64
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) BucketExists(ctx context.Context, bucket string) error {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	return err
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) GCSWriter {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) Compose(ctx context.Context, bucket, dst string, srcs []string, storageClass string, metadata map[string]string) (*GCSAttrs, error) {
	handles := make([]*gcs.ObjectHandle, 0, len(srcs))
	for _, name := range srcs {
		handles = append(handles, c.client.Bucket(bucket).Object(name))
	}
	composer := c.client.Bucket(bucket).Object(dst).ComposerFrom(handles...)
	composer.StorageClass = storageClass
	composer.Metadata = metadata
	attrs, err := composer.Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{
		Size:         attrs.Size,
		StorageClass: attrs.StorageClass,
		Generation:   attrs.Generation,
	}, nil
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCPClient implements Client on Google Cloud Storage. The vault is the
// bucket name. Parts are written as temporary objects and composed into
// the final ARCHIVE-class object on completion:
//
//	Parts:    {prefix}.parts/{upload_id}/{part_number}
//	Archives: {prefix}{yyyy}/{mm}/{dd}/{upload_id}
type GCPClient struct {
	// Project is the GCP project ID.
	Project string
	// Prefix is the object name prefix for all archives.
	Prefix string
	client GCSAPI
}

// NewGCPClient creates a GCPClient using Application Default Credentials.
func NewGCPClient(ctx context.Context, project, prefix string) (*GCPClient, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	slog.Info("GCP archive client initialized", "project", project, "prefix", prefix)
	return NewGCPClientWithAPI(project, prefix, &realGCSClient{client: client}), nil
}

// NewGCPClientWithAPI creates a GCPClient with a pre-configured GCS client.
// This is primarily used for testing with mock clients.
func NewGCPClientWithAPI(project, prefix string, client GCSAPI) *GCPClient {
	return &GCPClient{
		Project: project,
		Prefix:  prefix,
		client:  client,
	}
}

// partPrefix is the object name prefix of every part of an upload.
func (c *GCPClient) partPrefix(uploadID string) string {
	return fmt.Sprintf("%s.parts/%s/", c.Prefix, uploadID)
}

// partKey maps a part to its temporary GCS object name.
func (c *GCPClient) partKey(uploadID string, partNumber int32) string {
	return fmt.Sprintf("%s%05d", c.partPrefix(uploadID), partNumber)
}

// MaxParts returns the compose component limit.
func (c *GCPClient) MaxParts() int { return maxComposeComponents }

// CheckVault verifies that the bucket is accessible.
func (c *GCPClient) CheckVault(ctx context.Context, vault string) error {
	if err := c.client.BucketExists(ctx, vault); err != nil {
		return fmt.Errorf("cannot access GCS bucket %q: %w", vault, err)
	}
	return nil
}

// Initiate allocates an upload ID and the final object name.
func (c *GCPClient) Initiate(ctx context.Context, vault string, partSize int64) (*Upload, error) {
	if err := ValidatePartSize(partSize); err != nil {
		return nil, err
	}
	id := uid.New()
	return NewUpload(vault, id, partSize, uid.ArchiveKey(c.Prefix, id)), nil
}

// UploadPart writes the part as a temporary object.
func (c *GCPClient) UploadPart(ctx context.Context, up *Upload, r ByteRange, data []byte) error {
	if int64(len(data)) != r.Len() {
		return fmt.Errorf("part %s has %d bytes", r, len(data))
	}
	number := up.PartNumber(r)
	name := c.partKey(up.ID, number)

	w := c.client.NewWriter(ctx, up.Vault, name)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading part %d to GCS: %w", number, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing part %d upload to GCS: %w", number, err)
	}

	treeHash := TreeHash(data)
	up.addReceipt(PartReceipt{
		Range:    r,
		Number:   number,
		ETag:     name,
		Checksum: CombineTreeHashes([][]byte{treeHash}),
		TreeHash: treeHash,
	})
	return nil
}

// Complete verifies the parts against the declared tree hash, composes them
// into the final object and removes the temporaries. GCS compose supports at
// most 32 sources per call, so larger uploads are composed in generations.
func (c *GCPClient) Complete(ctx context.Context, up *Upload, size int64, checksum string) (*Archive, error) {
	receipts, treeHash, err := up.verifyReceipts(size, checksum)
	if err != nil {
		c.cleanup(ctx, up)
		return nil, fmt.Errorf("completing %q: %w", up.Key, err)
	}
	if len(receipts) > maxComposeComponents {
		c.cleanup(ctx, up)
		return nil, fmt.Errorf("completing %q: %d parts exceed the GCS limit of %d components", up.Key, len(receipts), maxComposeComponents)
	}

	sources := make([]string, len(receipts))
	for i, p := range receipts {
		sources[i] = p.ETag
	}
	attrs, err := c.chainCompose(ctx, up, sources, treeHashMetadata(treeHash))
	c.cleanup(ctx, up)
	if err != nil {
		return nil, err
	}
	if attrs.Size != size {
		return nil, fmt.Errorf("composed %q has %d bytes, expected %d: %w", up.Key, attrs.Size, size, ErrChecksumMismatch)
	}

	return &Archive{
		ID:       fmt.Sprintf("%s#%d", up.Key, attrs.Generation),
		Checksum: treeHash,
		Location: "gs://" + up.Vault + "/" + up.Key,
	}, nil
}

// chainCompose composes sources into the final object, going through
// intermediate objects when there are more than maxComposeSources.
func (c *GCPClient) chainCompose(ctx context.Context, up *Upload, sources []string, metadata map[string]string) (*GCSAttrs, error) {
	current := sources
	generation := 0
	for len(current) > maxComposeSources {
		var next []string
		for i := 0; i < len(current); i += maxComposeSources {
			end := min(i+maxComposeSources, len(current))
			batch := current[i:end]
			if len(batch) == 1 {
				next = append(next, batch[0])
				continue
			}
			name := fmt.Sprintf("%s__compose_%d_%d", c.partPrefix(up.ID), generation, i)
			if _, err := c.client.Compose(ctx, up.Vault, name, batch, "", nil); err != nil {
				return nil, fmt.Errorf("composing intermediate batch (gen=%d, offset=%d): %w", generation, i, err)
			}
			next = append(next, name)
		}
		current = next
		generation++
	}

	attrs, err := c.client.Compose(ctx, up.Vault, up.Key, current, GCSArchiveClass, metadata)
	if err != nil {
		return nil, fmt.Errorf("final compose of %q: %w", up.Key, err)
	}
	return attrs, nil
}

// Abort deletes every temporary object of the upload.
func (c *GCPClient) Abort(ctx context.Context, up *Upload) error {
	names, err := c.client.ListObjects(ctx, up.Vault, c.partPrefix(up.ID))
	if err != nil {
		return fmt.Errorf("listing parts of upload %s: %w", up.ID, err)
	}
	for _, name := range names {
		if err := c.client.Delete(ctx, up.Vault, name); err != nil && !isGCSNotFound(err) {
			return fmt.Errorf("deleting part %q: %w", name, err)
		}
	}
	return nil
}

// cleanup removes temporaries after completion; failures are only logged.
func (c *GCPClient) cleanup(ctx context.Context, up *Upload) {
	if err := c.Abort(ctx, up); err != nil {
		slog.Warn("Failed to clean up GCS parts", "upload_id", up.ID, "error", err)
	}
}

// isGCSNotFound checks if a GCS error indicates a not-found condition.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
	}
	return false
}

// Ensure GCPClient implements Client at compile time.
var _ Client = (*GCPClient)(nil)
