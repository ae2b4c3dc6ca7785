// Package storage archives version snapshots to S3-compatible object
// storage. The Postgres snapshot table is the system of record; the
// archive is a cold copy for compliance exports and disaster recovery,
// so archive writes are best-effort.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/clearbridge/guardrail/internal/domain"
)

// S3ClientConfig holds configuration for S3Client
type S3ClientConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UsePathStyle    bool
}

// S3Client provides snapshot archival against S3-compatible storage
type S3Client struct {
	client *s3.Client
	bucket string
}

// NewS3Client creates a new S3Client with the given configuration
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*S3Client, error) {
	customResolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if cfg.Endpoint != "" {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		},
	)

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
		config.WithEndpointResolverWithOptions(customResolver),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing for S3-compatible services like MinIO
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Client{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// snapshotKey builds the archive object key for one version.
func snapshotKey(orgID string, snap *domain.VersionSnapshot) string {
	return fmt.Sprintf("snapshots/%s/%s/v%d.md", orgID, snap.EntryID, snap.Version)
}

// ArchiveSnapshot writes an immutable copy of the snapshot to the archive
// bucket. The body is the snapshot content with a small metadata header.
func (c *S3Client) ArchiveSnapshot(ctx context.Context, orgID string, snap *domain.VersionSnapshot) error {
	var body bytes.Buffer
	fmt.Fprintf(&body, "<!-- entry=%s version=%d status=%s actor=%s created=%s -->\n",
		snap.EntryID, snap.Version, snap.Status, snap.Actor, snap.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&body, "# %s\n\n%s\n", snap.Title, snap.Content)

	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(snapshotKey(orgID, snap)),
		Body:        bytes.NewReader(body.Bytes()),
		ContentType: aws.String("text/markdown"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive snapshot: %w", err)
	}

	return nil
}

// FetchSnapshot reads an archived snapshot body back.
func (c *S3Client) FetchSnapshot(ctx context.Context, orgID string, snap *domain.VersionSnapshot) ([]byte, error) {
	output, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(snapshotKey(orgID, snap)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch archived snapshot: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read archived snapshot: %w", err)
	}
	return data, nil
}

// DeleteSnapshot removes an archived snapshot, used when an org is purged.
func (c *S3Client) DeleteSnapshot(ctx context.Context, orgID string, snap *domain.VersionSnapshot) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(snapshotKey(orgID, snap)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete archived snapshot: %w", err)
	}
	return nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (c *S3Client) EnsureBucket(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err == nil {
		return nil
	}

	_, err = c.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	return nil
}
