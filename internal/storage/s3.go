package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/opensandbox/pipagent/pkg/types"
)

// S3Config holds the configuration for the S3 storage backend.
type S3Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
	// Prefix is prepended to every key; defaults to "cas".
	Prefix string
}

// BlobTier keeps zstd-compressed copies of content-store blobs in
// S3-compatible object storage so workers can share content.
type BlobTier struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewBlobTier creates a new S3 blob tier.
func NewBlobTier(cfg S3Config) (*BlobTier, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: bucket is required")
	}
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.Region = cfg.Region
			if cfg.AccessKeyID != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		},
	}

	client := s3.New(s3.Options{}, opts...)

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "cas"
	}
	return &BlobTier{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// BlobKey returns the object key for a blob.
func BlobKey(prefix string, hash types.ContentHash) string {
	hex := hash.String()
	return path.Join(prefix, hex[:2], hex+".zst")
}

func (t *BlobTier) key(hash types.ContentHash) string {
	return BlobKey(t.prefix, hash)
}

// Has reports whether the blob exists in the bucket.
func (t *BlobTier) Has(ctx context.Context, hash types.ContentHash) (bool, error) {
	_, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key(hash)),
	})
	if err == nil {
		return true, nil
	}
	var notFound *s3types.NotFound
	var noKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat blob in S3: %w", err)
}

// Upload compresses the local blob and uploads it.
func (t *BlobTier) Upload(ctx context.Context, hash types.ContentHash, localPath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open blob: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "blob-*.zst")
	if err != nil {
		return fmt.Errorf("failed to create compression buffer: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := Compress(tmp, src)
	if err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(t.key(hash)),
		Body:          tmp,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("failed to upload blob to S3: %w", err)
	}
	return nil
}

// Download fetches and decompresses the blob into dst.
func (t *BlobTier) Download(ctx context.Context, hash types.ContentHash, dst string) error {
	resp, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key(hash)),
	})
	if err != nil {
		return fmt.Errorf("failed to download blob from S3: %w", err)
	}
	defer resp.Body.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if err := Decompress(out, resp.Body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Delete removes a blob from S3.
func (t *BlobTier) Delete(ctx context.Context, hash types.ContentHash) error {
	_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key(hash)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob from S3: %w", err)
	}
	return nil
}
