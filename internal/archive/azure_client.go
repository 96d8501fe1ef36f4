package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
)

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

func newRealAzureClient(accountURL, connectionString string, useManagedIdentity bool) (*realAzureClient, error) {
	if connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	if useManagedIdentity {
		cred, err := azidentity.NewManagedIdentityCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure managed identity credential: %w", err)
		}
		client, err := azblob.NewClient(accountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client with managed identity: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client}, nil
}

func (c *realAzureClient) ContainerExists(ctx context.Context, containerName string) error {
	_, err := c.client.ServiceClient().NewContainerClient(containerName).GetProperties(ctx, nil)
	if err != nil && isAzureNotFound(err) {
		return fmt.Errorf("container %q does not exist: %w", containerName, err)
	}
	return err
}

func (c *realAzureClient) StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error {
	bbClient := c.client.ServiceClient().NewContainerClient(containerName).NewBlockBlobClient(blobName)
	body := streaming.NopCloser(bytes.NewReader(data))
	_, err := bbClient.StageBlock(ctx, blockID, body, nil)
	return err
}

func (c *realAzureClient) CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string, metadata map[string]string) error {
	bbClient := c.client.ServiceClient().NewContainerClient(containerName).NewBlockBlobClient(blobName)
	md := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		md[k] = to.Ptr(v)
	}
	_, err := bbClient.CommitBlockList(ctx, blockIDs, &blockblob.CommitBlockListOptions{
		Tier:     to.Ptr(blob.AccessTierArchive),
		Metadata: md,
	})
	return err
}
