// Package archive uploads git-apply failure artifacts to S3-compatible
// object storage, implementing git.Archiver.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Default timeouts for S3 operations.
const (
	DefaultMetadataTimeout = 10 * time.Second
	DefaultDataTimeout     = 60 * time.Second
)

// Config holds connection settings for the failure-artifact archive.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	MetadataTimeout time.Duration
	DataTimeout     time.Duration
}

// Store uploads the mbox and git-apply stderr for a failed series to S3,
// under keys <series_id>/mbox and <series_id>/stderr.
type Store struct {
	client          *minio.Client
	bucket          string
	metadataTimeout time.Duration
	dataTimeout     time.Duration
}

// New creates a Store connected to the given endpoint and auto-creates the
// bucket if it doesn't exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	metadataTimeout := cfg.MetadataTimeout
	if metadataTimeout == 0 {
		metadataTimeout = DefaultMetadataTimeout
	}
	dataTimeout := cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = DefaultDataTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: metadataTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &Store{
		client:          client,
		bucket:          cfg.Bucket,
		metadataTimeout: metadataTimeout,
		dataTimeout:     dataTimeout,
	}

	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.metadataTimeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// ArchiveFailure uploads the mbox and stderr for a failed git-apply attempt.
// Partial success (mbox uploaded, stderr failed) returns an error but leaves
// the mbox object in place; a retried ArchiveFailure simply overwrites both.
func (s *Store) ArchiveFailure(ctx context.Context, seriesID int64, mbox []byte, stderr string) error {
	ctx, cancel := context.WithTimeout(ctx, s.dataTimeout)
	defer cancel()

	if err := s.put(ctx, mboxKey(seriesID), mbox, "application/mbox"); err != nil {
		return fmt.Errorf("archive mbox for series %d: %w", seriesID, err)
	}
	if err := s.put(ctx, stderrKey(seriesID), []byte(stderr), "text/plain"); err != nil {
		return fmt.Errorf("archive stderr for series %d: %w", seriesID, err)
	}
	return nil
}

func (s *Store) put(ctx context.Context, key string, content []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func mboxKey(seriesID int64) string {
	return fmt.Sprintf("%d/mbox", seriesID)
}

func stderrKey(seriesID int64) string {
	return fmt.Sprintf("%d/stderr", seriesID)
}

// HealthCheck verifies the archive bucket is reachable, for the operational
// readiness endpoint.
func (s *Store) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("s3 bucket check: %w", err)
	}
	if !exists {
		return fmt.Errorf("s3 bucket %q does not exist", s.bucket)
	}
	return nil
}
