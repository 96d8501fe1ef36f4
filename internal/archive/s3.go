package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/schester44/Snow-Bunny/internal/awscfg"
	"github.com/schester44/Snow-Bunny/internal/uid"
)

// S3MinPartSize is the smallest part S3 accepts for any part but the last.
const S3MinPartSize = 5 * MiB

// s3MaxParts is the S3 limit on parts in one multipart upload.
const s3MaxParts = 10000

// treeHashMetadataKey names the object metadata entry holding the tree hash.
const treeHashMetadataKey = "treehash"

// treeHashMetadata returns the object metadata stamped on committed Azure and
// GCS archives.
func treeHashMetadata(checksum string) map[string]string {
	return map[string]string{treeHashMetadataKey: checksum}
}

// S3API defines the subset of the AWS S3 client interface that the archive
// client uses. This allows mocking in tests.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Client implements Client on top of S3 using an archival storage class.
// The vault is the bucket name; archives are stored as
//
//	{prefix}{yyyy}/{mm}/{dd}/{id}
//
// S3 validates each part's SHA-256; the whole-file tree hash is recomputed
// from the acknowledged parts before CompleteMultipartUpload is sent.
type S3Client struct {
	// Prefix is the key prefix for all archives in the bucket.
	Prefix string
	// StorageClass is the archival storage class for completed objects.
	StorageClass types.StorageClass
	client       S3API
}

// S3Options configures NewS3Client.
type S3Options struct {
	Prefix       string
	StorageClass string
	UsePathStyle bool
	AWS          awscfg.Options
}

// NewS3Client creates an S3Client from the shared AWS configuration.
func NewS3Client(ctx context.Context, opts S3Options) (*S3Client, error) {
	cfg, err := awscfg.Load(ctx, opts.AWS)
	if err != nil {
		return nil, err
	}

	var s3Opts []func(*s3.Options)
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(cfg, s3Opts...)

	c := NewS3ClientWithAPI(opts.Prefix, opts.StorageClass, client)
	slog.Info("S3 archive client initialized", "region", cfg.Region, "prefix", c.Prefix, "storage_class", c.StorageClass)
	return c, nil
}

// NewS3ClientWithAPI creates an S3Client with a pre-configured S3 client.
// This is primarily used for testing with mock clients.
func NewS3ClientWithAPI(prefix, storageClass string, client S3API) *S3Client {
	sc := types.StorageClass(storageClass)
	if sc == "" {
		sc = types.StorageClassDeepArchive
	}
	return &S3Client{
		Prefix:       prefix,
		StorageClass: sc,
		client:       client,
	}
}

// MaxParts returns the multipart part limit.
func (c *S3Client) MaxParts() int { return s3MaxParts }

// CheckVault verifies that the bucket exists and is accessible.
func (c *S3Client) CheckVault(ctx context.Context, vault string) error {
	if _, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(vault)}); err != nil {
		return fmt.Errorf("cannot access S3 bucket %q: %w", vault, err)
	}
	return nil
}

// Initiate creates an S3 multipart upload for a new object in the vault.
func (c *S3Client) Initiate(ctx context.Context, vault string, partSize int64) (*Upload, error) {
	if err := ValidatePartSize(partSize); err != nil {
		return nil, err
	}
	if partSize < S3MinPartSize {
		return nil, fmt.Errorf("part size %d below S3 minimum %d", partSize, S3MinPartSize)
	}

	key := uid.ArchiveKey(c.Prefix, uid.New())
	out, err := c.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:            aws.String(vault),
		Key:               aws.String(key),
		StorageClass:      c.StorageClass,
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	})
	if err != nil {
		return nil, fmt.Errorf("creating S3 multipart upload for %q: %w", key, err)
	}
	return NewUpload(vault, aws.ToString(out.UploadId), partSize, key), nil
}

// UploadPart uploads one part with a SHA-256 checksum S3 verifies on arrival.
func (c *S3Client) UploadPart(ctx context.Context, up *Upload, r ByteRange, data []byte) error {
	if int64(len(data)) != r.Len() {
		return fmt.Errorf("part %s has %d bytes", r, len(data))
	}
	sum := sha256.Sum256(data)
	checksum := base64.StdEncoding.EncodeToString(sum[:])
	number := up.PartNumber(r)

	out, err := c.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:            aws.String(up.Vault),
		Key:               aws.String(up.Key),
		UploadId:          aws.String(up.ID),
		PartNumber:        aws.Int32(number),
		Body:              bytes.NewReader(data),
		ContentLength:     aws.Int64(int64(len(data))),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(checksum),
	})
	if err != nil {
		return fmt.Errorf("uploading part %d %s: %w", number, r, err)
	}
	if got := aws.ToString(out.ChecksumSHA256); got != "" && got != checksum {
		return fmt.Errorf("part %d acknowledged with checksum %s, sent %s: %w", number, got, checksum, ErrChecksumMismatch)
	}

	up.addReceipt(PartReceipt{
		Range:    r,
		Number:   number,
		ETag:     aws.ToString(out.ETag),
		Checksum: checksum,
		TreeHash: TreeHash(data),
	})
	return nil
}

// Complete verifies the acknowledged parts against the declared tree hash and
// then completes the S3 upload. A mismatch aborts the upload.
func (c *S3Client) Complete(ctx context.Context, up *Upload, size int64, checksum string) (*Archive, error) {
	receipts, treeHash, err := up.verifyReceipts(size, checksum)
	if err != nil {
		if abortErr := c.Abort(ctx, up); abortErr != nil {
			slog.Warn("Failed to abort S3 multipart upload", "upload_id", up.ID, "error", abortErr)
		}
		return nil, fmt.Errorf("completing %q: %w", up.Key, err)
	}

	parts := make([]types.CompletedPart, 0, len(receipts))
	for _, p := range receipts {
		parts = append(parts, types.CompletedPart{
			ETag:           aws.String(p.ETag),
			PartNumber:     aws.Int32(p.Number),
			ChecksumSHA256: aws.String(p.Checksum),
		})
	}

	out, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(up.Vault),
		Key:      aws.String(up.Key),
		UploadId: aws.String(up.ID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: parts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("completing S3 multipart upload %q: %w", up.Key, err)
	}

	id := up.Key
	if v := aws.ToString(out.VersionId); v != "" {
		id += "?versionId=" + v
	}
	return &Archive{
		ID:       id,
		Checksum: treeHash,
		Location: aws.ToString(out.Location),
	}, nil
}

// Abort aborts the S3 multipart upload. NoSuchUpload is not an error.
func (c *S3Client) Abort(ctx context.Context, up *Upload) error {
	_, err := c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(up.Vault),
		Key:      aws.String(up.Key),
		UploadId: aws.String(up.ID),
	})
	if err != nil {
		if isS3NoSuchUpload(err) {
			return nil
		}
		return fmt.Errorf("aborting S3 multipart upload %q: %w", up.Key, err)
	}
	return nil
}

// isS3NoSuchUpload checks if an AWS error is a NoSuchUpload/404 error.
func isS3NoSuchUpload(err error) bool {
	var noSuchUpload *types.NoSuchUpload
	if errors.As(err, &noSuchUpload) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchUpload" || code == "NotFound" || code == "404" {
			return true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

// Ensure S3Client implements Client at compile time.
var _ Client = (*S3Client)(nil)
