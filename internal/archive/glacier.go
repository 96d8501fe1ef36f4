package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/smithy-go"

	"github.com/schester44/Snow-Bunny/internal/awscfg"
)

// GlacierAPI defines the subset of the Glacier client interface that the
// archive client uses. This allows mocking in tests.
type GlacierAPI interface {
	DescribeVault(ctx context.Context, params *glacier.DescribeVaultInput, optFns ...func(*glacier.Options)) (*glacier.DescribeVaultOutput, error)
	InitiateMultipartUpload(ctx context.Context, params *glacier.InitiateMultipartUploadInput, optFns ...func(*glacier.Options)) (*glacier.InitiateMultipartUploadOutput, error)
	UploadMultipartPart(ctx context.Context, params *glacier.UploadMultipartPartInput, optFns ...func(*glacier.Options)) (*glacier.UploadMultipartPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *glacier.CompleteMultipartUploadInput, optFns ...func(*glacier.Options)) (*glacier.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *glacier.AbortMultipartUploadInput, optFns ...func(*glacier.Options)) (*glacier.AbortMultipartUploadOutput, error)
}

// GlacierClient implements Client against Amazon S3 Glacier vaults. Glacier
// recomputes the tree hash server-side and rejects a mismatching completion.
type GlacierClient struct {
	// AccountID is the vault owner's account ID; "-" means the caller's.
	AccountID string
	client    GlacierAPI
}

// NewGlacierClient creates a GlacierClient for the given region. Static
// credentials are used when provided, otherwise the default AWS chain.
func NewGlacierClient(ctx context.Context, accountID string, opts awscfg.Options) (*GlacierClient, error) {
	cfg, err := awscfg.Load(ctx, opts)
	if err != nil {
		return nil, err
	}
	if accountID == "" {
		accountID = "-"
	}
	slog.Info("Glacier archive client initialized", "region", cfg.Region, "account_id", accountID)
	return &GlacierClient{
		AccountID: accountID,
		client:    glacier.NewFromConfig(cfg),
	}, nil
}

// NewGlacierClientWithAPI creates a GlacierClient with a pre-configured API
// client. This is primarily used for testing with mock clients.
func NewGlacierClientWithAPI(accountID string, api GlacierAPI) *GlacierClient {
	if accountID == "" {
		accountID = "-"
	}
	return &GlacierClient{AccountID: accountID, client: api}
}

// MaxParts returns the Glacier limit of 10,000 parts per multipart upload.
func (c *GlacierClient) MaxParts() int { return 10000 }

// CheckVault verifies that the vault exists.
func (c *GlacierClient) CheckVault(ctx context.Context, vault string) error {
	out, err := c.client.DescribeVault(ctx, &glacier.DescribeVaultInput{
		AccountId: aws.String(c.AccountID),
		VaultName: aws.String(vault),
	})
	if err != nil {
		return fmt.Errorf("cannot access Glacier vault %q: %w", vault, err)
	}
	slog.Debug("Glacier vault found", "vault", vault, "arn", aws.ToString(out.VaultARN), "archives", out.NumberOfArchives)
	return nil
}

// Initiate opens a Glacier multipart upload with the given part size.
func (c *GlacierClient) Initiate(ctx context.Context, vault string, partSize int64) (*Upload, error) {
	if err := ValidatePartSize(partSize); err != nil {
		return nil, err
	}
	out, err := c.client.InitiateMultipartUpload(ctx, &glacier.InitiateMultipartUploadInput{
		AccountId: aws.String(c.AccountID),
		VaultName: aws.String(vault),
		PartSize:  aws.String(strconv.FormatInt(partSize, 10)),
	})
	if err != nil {
		return nil, fmt.Errorf("initiating multipart upload in vault %q: %w", vault, err)
	}
	return NewUpload(vault, aws.ToString(out.UploadId), partSize, ""), nil
}

// UploadPart sends one part with its own tree-hash checksum so Glacier can
// validate the part on arrival.
func (c *GlacierClient) UploadPart(ctx context.Context, up *Upload, r ByteRange, data []byte) error {
	if int64(len(data)) != r.Len() {
		return fmt.Errorf("part %s has %d bytes", r, len(data))
	}
	treeHash := TreeHash(data)
	checksum := CombineTreeHashes([][]byte{treeHash})

	out, err := c.client.UploadMultipartPart(ctx, &glacier.UploadMultipartPartInput{
		AccountId: aws.String(c.AccountID),
		VaultName: aws.String(up.Vault),
		UploadId:  aws.String(up.ID),
		Range:     aws.String(r.ContentRange()),
		Checksum:  aws.String(checksum),
		Body:      bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("uploading part %s: %w", r, err)
	}
	if got := aws.ToString(out.Checksum); got != "" && !strings.EqualFold(got, checksum) {
		return fmt.Errorf("part %s acknowledged with checksum %s, sent %s: %w", r, got, checksum, ErrChecksumMismatch)
	}

	up.addReceipt(PartReceipt{
		Range:    r,
		Number:   up.PartNumber(r),
		Checksum: checksum,
		TreeHash: treeHash,
	})
	return nil
}

// Complete finalizes the archive. Glacier validates the declared tree hash;
// a rejection or a differing confirmed checksum is ErrChecksumMismatch.
func (c *GlacierClient) Complete(ctx context.Context, up *Upload, size int64, checksum string) (*Archive, error) {
	out, err := c.client.CompleteMultipartUpload(ctx, &glacier.CompleteMultipartUploadInput{
		AccountId:   aws.String(c.AccountID),
		VaultName:   aws.String(up.Vault),
		UploadId:    aws.String(up.ID),
		ArchiveSize: aws.String(strconv.FormatInt(size, 10)),
		Checksum:    aws.String(checksum),
	})
	if err != nil {
		if isGlacierChecksumError(err) {
			return nil, fmt.Errorf("completing upload %s: %w: %v", up.ID, ErrChecksumMismatch, err)
		}
		return nil, fmt.Errorf("completing upload %s: %w", up.ID, err)
	}

	confirmed := aws.ToString(out.Checksum)
	if confirmed != "" && !strings.EqualFold(confirmed, checksum) {
		return nil, fmt.Errorf("upload %s confirmed checksum %s, declared %s: %w", up.ID, confirmed, checksum, ErrChecksumMismatch)
	}
	if confirmed == "" {
		confirmed = checksum
	}

	return &Archive{
		ID:       aws.ToString(out.ArchiveId),
		Checksum: confirmed,
		Location: aws.ToString(out.Location),
	}, nil
}

// Abort abandons the Glacier upload. An unknown upload is not an error.
func (c *GlacierClient) Abort(ctx context.Context, up *Upload) error {
	_, err := c.client.AbortMultipartUpload(ctx, &glacier.AbortMultipartUploadInput{
		AccountId: aws.String(c.AccountID),
		VaultName: aws.String(up.Vault),
		UploadId:  aws.String(up.ID),
	})
	if err != nil {
		if isGlacierNotFound(err) {
			return nil
		}
		return fmt.Errorf("aborting upload %s: %w", up.ID, err)
	}
	return nil
}

// isGlacierNotFound checks for Glacier's ResourceNotFoundException.
func isGlacierNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ResourceNotFoundException"
	}
	return false
}

// isGlacierChecksumError checks whether Glacier rejected a request because
// the declared tree hash did not match its own.
func isGlacierChecksumError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "InvalidParameterValueException" &&
			strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "checksum")
	}
	return false
}

// Ensure GlacierClient implements Client at compile time.
var _ Client = (*GlacierClient)(nil)
