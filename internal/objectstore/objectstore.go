// Package objectstore backs up a finished run's log and metrics files to S3
// (or an S3-compatible endpoint, for self-hosted MinIO) before the cleanup
// job deletes the local copies, via github.com/aws/aws-sdk-go-v2/service/s3.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fastflow/core/internal/resilience"
)

// Config configures the backup client. Endpoint is left empty to use AWS's
// own regional endpoint; set it to point at a self-hosted MinIO instance.
type Config struct {
	Bucket       string
	Prefix       string // key prefix, e.g. "fastflow/logs"
	Region       string
	Endpoint     string
	UsePathStyle bool // required for most non-AWS S3-compatible servers
}

// Backup uploads run artifacts and reports which runs were successfully
// uploaded, so the cleanup job only deletes local copies the backup
// actually has.
type Backup struct {
	client *s3.Client
	bucket string
	prefix string
	cb     *resilience.CircuitBreaker
}

// New builds a Backup client. It does not verify connectivity; the first
// upload call surfaces any configuration error.
func New(ctx context.Context, cfg Config, cb *resilience.CircuitBreaker) (*Backup, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Backup{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, cb: cb}, nil
}

// Item identifies one run's local artifacts to back up.
type Item struct {
	RunID       string
	LogPath     string
	MetricsPath string
}

// UploadAll backs up every item's log and metrics files, returning the set of
// run IDs for which both files (or the ones that exist) uploaded cleanly. A
// run missing from the result did not fully upload and must not be deleted
// locally yet.
func (b *Backup) UploadAll(ctx context.Context, items []Item) map[string]bool {
	uploaded := make(map[string]bool, len(items))
	for _, item := range items {
		if b.uploadItem(ctx, item) {
			uploaded[item.RunID] = true
		}
	}
	return uploaded
}

func (b *Backup) uploadItem(ctx context.Context, item Item) bool {
	if item.LogPath != "" {
		if err := b.uploadFile(ctx, item.RunID, item.LogPath); err != nil {
			return false
		}
	}
	if item.MetricsPath != "" {
		if err := b.uploadFile(ctx, item.RunID, item.MetricsPath); err != nil {
			return false
		}
	}
	return true
}

func (b *Backup) uploadFile(ctx context.Context, runID, localPath string) error {
	data, err := os.ReadFile(localPath)
	if os.IsNotExist(err) {
		return nil // already rotated away or never written; nothing to back up
	}
	if err != nil {
		return fmt.Errorf("objectstore: read %s: %w", localPath, err)
	}

	key := path.Join(b.prefix, runID, path.Base(localPath))
	return b.cb.Execute(ctx, func(ctx context.Context) error {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return fmt.Errorf("objectstore: put %s: %w", key, err)
		}
		return nil
	})
}
