package archive

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/schester44/Snow-Bunny/internal/uid"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the archive client uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// ContainerExists returns nil when the container is accessible.
	ContainerExists(ctx context.Context, containerName string) error
	// StageBlock stages a block on a blob for later commit.
	StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error
	// CommitBlockList commits a list of block IDs to finalize a blob in the
	// archive access tier with the given metadata.
	CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string, metadata map[string]string) error
}

// AzureClient implements Client on Azure block blobs. The vault is the
// container name. Parts are staged as uncommitted blocks on the final blob
// and committed in one CommitBlockList call:
//
//	UploadPart -> StageBlock (no temporary objects)
//	Complete   -> CommitBlockList with the Archive tier
//	Abort      -> no-op (uncommitted blocks expire after 7 days)
type AzureClient struct {
	// AccountURL is the storage account URL (https://{account}.blob.core.windows.net).
	AccountURL string
	// Prefix is the blob name prefix for all archives.
	Prefix string
	client AzureBlobAPI
}

// AzureOptions configures NewAzureClient.
type AzureOptions struct {
	AccountURL         string
	ConnectionString   string
	UseManagedIdentity bool
	Prefix             string
}

// NewAzureClient creates an AzureClient. Credentials come from the
// connection string when set, then managed identity, then
// DefaultAzureCredential.
func NewAzureClient(opts AzureOptions) (*AzureClient, error) {
	client, err := newRealAzureClient(opts.AccountURL, opts.ConnectionString, opts.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}
	slog.Info("Azure archive client initialized", "account", opts.AccountURL, "prefix", opts.Prefix)
	return NewAzureClientWithAPI(opts.AccountURL, opts.Prefix, client), nil
}

// NewAzureClientWithAPI creates an AzureClient with a pre-configured Azure
// client. This is primarily used for testing with mock clients.
func NewAzureClientWithAPI(accountURL, prefix string, client AzureBlobAPI) *AzureClient {
	return &AzureClient{
		AccountURL: accountURL,
		Prefix:     prefix,
		client:     client,
	}
}

// blockID generates a block ID for Azure staged blocks.
// Block IDs must be base64-encoded and the same length for all blocks
// in a blob.
func blockID(uploadID string, partNumber int32) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(fmt.Sprintf("%s:%05d", uploadID, partNumber)),
	)
}

// MaxParts returns the block blob limit of 50,000 committed blocks.
func (c *AzureClient) MaxParts() int { return 50000 }

// CheckVault verifies that the container is accessible.
func (c *AzureClient) CheckVault(ctx context.Context, vault string) error {
	if err := c.client.ContainerExists(ctx, vault); err != nil {
		return fmt.Errorf("cannot access Azure container %q: %w", vault, err)
	}
	return nil
}

// Initiate allocates a blob name and upload ID. Azure has no server-side
// session; the ID only namespaces the staged block IDs.
func (c *AzureClient) Initiate(ctx context.Context, vault string, partSize int64) (*Upload, error) {
	if err := ValidatePartSize(partSize); err != nil {
		return nil, err
	}
	id := uid.New()
	return NewUpload(vault, id, partSize, uid.ArchiveKey(c.Prefix, id)), nil
}

// UploadPart stages the part as a block on the final blob.
func (c *AzureClient) UploadPart(ctx context.Context, up *Upload, r ByteRange, data []byte) error {
	if int64(len(data)) != r.Len() {
		return fmt.Errorf("part %s has %d bytes", r, len(data))
	}
	number := up.PartNumber(r)
	id := blockID(up.ID, number)
	if err := c.client.StageBlock(ctx, up.Vault, up.Key, id, data); err != nil {
		return fmt.Errorf("staging block %d %s: %w", number, r, err)
	}
	treeHash := TreeHash(data)
	up.addReceipt(PartReceipt{
		Range:    r,
		Number:   number,
		ETag:     id,
		Checksum: CombineTreeHashes([][]byte{treeHash}),
		TreeHash: treeHash,
	})
	return nil
}

// Complete verifies the staged blocks against the declared tree hash and
// commits them in offset order.
func (c *AzureClient) Complete(ctx context.Context, up *Upload, size int64, checksum string) (*Archive, error) {
	receipts, treeHash, err := up.verifyReceipts(size, checksum)
	if err != nil {
		return nil, fmt.Errorf("completing %q: %w", up.Key, err)
	}
	ids := make([]string, 0, len(receipts))
	for _, p := range receipts {
		ids = append(ids, p.ETag)
	}
	if err := c.client.CommitBlockList(ctx, up.Vault, up.Key, ids, treeHashMetadata(treeHash)); err != nil {
		return nil, fmt.Errorf("committing block list for %q: %w", up.Key, err)
	}
	return &Archive{
		ID:       up.Key,
		Checksum: treeHash,
		Location: strings.TrimSuffix(c.AccountURL, "/") + "/" + up.Vault + "/" + up.Key,
	}, nil
}

// Abort is a no-op: Azure garbage-collects uncommitted blocks.
func (c *AzureClient) Abort(ctx context.Context, up *Upload) error {
	slog.Debug("Abandoning staged Azure blocks", "container", up.Vault, "blob", up.Key)
	return nil
}

// isAzureNotFound checks if an Azure error indicates a missing container or blob.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "containernotfound") || strings.Contains(msg, "blobnotfound") ||
		strings.Contains(msg, "the specified container does not exist")
}

// Ensure AzureClient implements Client at compile time.
var _ Client = (*AzureClient)(nil)
