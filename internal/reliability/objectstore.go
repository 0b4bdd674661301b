// Package reliability keeps the deployment recoverable: store backups with
// checksummed manifests, upload and rotation against S3-compatible object
// storage, staged restore applied before the databases open, and the
// periodic maintenance jobs.
package reliability

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/config"
)

// RemoteObject is one stored object's listing entry.
type RemoteObject struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore wraps an S3-compatible bucket (R2, MinIO, S3 proper). A custom
// endpoint switches the client to path-style addressing.
type ObjectStore struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	log        zerolog.Logger
}

// NewObjectStore builds a client from static credentials.
func NewObjectStore(ctx context.Context, cfg config.BackupConfig, log zerolog.Logger) (*ObjectStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load object storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &ObjectStore{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     cfg.Bucket,
		log:        log.With().Str("component", "object_store").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// Upload streams body into the bucket under key.
func (o *ObjectStore) Upload(ctx context.Context, key string, body io.Reader) error {
	_, err := o.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Download writes the object at key into w and returns the byte count.
func (o *ObjectStore) Download(ctx context.Context, key string, w io.WriterAt) (int64, error) {
	n, err := o.downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return n, nil
}

// List returns every object under prefix.
func (o *ObjectStore) List(ctx context.Context, prefix string) ([]RemoteObject, error) {
	var objects []RemoteObject

	paginator := s3.NewListObjectsV2Paginator(o.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(o.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s*: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			ro := RemoteObject{Key: *obj.Key}
			if obj.Size != nil {
				ro.Size = *obj.Size
			}
			if obj.LastModified != nil {
				ro.LastModified = *obj.LastModified
			}
			objects = append(objects, ro)
		}
	}
	return objects, nil
}

// Delete removes the object at key.
func (o *ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
