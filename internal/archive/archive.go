// Package archive keeps a JSON report of every finished session in a local
// directory or an S3 bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"forcesync/internal/config"
	"forcesync/internal/logger"
	"forcesync/internal/models"
)

const uploadTimeout = 30 * time.Second

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver writes reports in the background; Close waits for pending ones.
type Archiver struct {
	dst uploader
	wg  sync.WaitGroup
	log zerolog.Logger
}

// New picks S3 when a bucket is configured, else a local directory. It
// returns nil when neither is set.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	switch {
	case cfg.ArchiveS3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return newArchiver(&s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}), nil
	case cfg.ArchiveDir != "":
		return newArchiver(&localUploader{baseDir: cfg.ArchiveDir}), nil
	}
	return nil, nil
}

func newArchiver(dst uploader) *Archiver {
	return &Archiver{dst: dst, log: logger.Component("archive")}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Key is the object key of a session report.
func Key(s *models.SyncSession) string {
	return "sessions/" + s.StartedAt.UTC().Format("2006/01/02") + "/" + s.ID + ".json"
}

// Store writes the report synchronously and returns its location.
func (a *Archiver) Store(ctx context.Context, s *models.SyncSession) (string, error) {
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	loc, err := a.dst.Upload(ctx, Key(s), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("archive session %s: %w", s.ID, err)
	}
	return loc, nil
}

// Hook archives s in the background. Failures are logged only.
func (a *Archiver) Hook(s *models.SyncSession) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()
		loc, err := a.Store(ctx, s)
		if err != nil {
			a.log.Warn().Err(err).Str("session_id", s.ID).Str("correlation_id", s.CorrelationID).Msg("archive failed")
			return
		}
		a.log.Debug().Str("session_id", s.ID).Str("location", loc).Msg("session archived")
	}()
}

// Close waits for background uploads to finish.
func (a *Archiver) Close() {
	a.wg.Wait()
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
