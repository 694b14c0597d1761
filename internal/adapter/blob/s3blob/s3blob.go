// Package s3blob stores blobs in S3-compatible object storage via MinIO.
// Object keys reuse the filesystem driver's <hh>/<rest-of-digest> layout so
// an operator can eyeball either backend the same way.
package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/evalbox/evalbox/internal/adapter/blob"
	"github.com/evalbox/evalbox/internal/domain"
)

// Default timeouts for S3 operations.
const (
	DefaultMetadataTimeout = 10 * time.Second // stat, bucket checks
	DefaultDataTimeout     = 60 * time.Second // get, put (data transfer)
)

// Config holds connection and timeout settings for the S3 backend.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// MetadataTimeout bounds stat and bucket operations. Defaults to 10s.
	MetadataTimeout time.Duration

	// DataTimeout bounds get and put transfers. Defaults to 60s.
	DataTimeout time.Duration
}

// Store implements domain.BlobStore on a single bucket.
type Store struct {
	client          *minio.Client
	bucket          string
	metadataTimeout time.Duration
	dataTimeout     time.Duration
}

var _ domain.BlobStore = (*Store)(nil)

// New connects to the endpoint and auto-creates the bucket if it does not
// exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("op=s3blob.New: %w: endpoint and bucket are required", domain.ErrInvalidArgument)
	}
	if cfg.MetadataTimeout == 0 {
		cfg.MetadataTimeout = DefaultMetadataTimeout
	}
	if cfg.DataTimeout == 0 {
		cfg.DataTimeout = DefaultDataTimeout
	}

	// ResponseHeaderTimeout bounds the wait for the server to start
	// replying, not the full download.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: cfg.MetadataTimeout,
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
		return nil, fmt.Errorf("op=s3blob.New: %w", err)
	}

	s := &Store{
		client:          client,
		bucket:          cfg.Bucket,
		metadataTimeout: cfg.MetadataTimeout,
		dataTimeout:     cfg.DataTimeout,
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) withMetadataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.metadataTimeout)
}

func (s *Store) withDataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.dataTimeout)
}

func (s *Store) ensureBucket(ctx context.Context) error {
	ctx, cancel := s.withMetadataTimeout(ctx)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("op=s3blob.New: check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("op=s3blob.New: create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Ping verifies the bucket is reachable, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withMetadataTimeout(ctx)
	defer cancel()

	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("op=s3blob.Ping: %w", err)
	}
	if !ok {
		return fmt.Errorf("op=s3blob.Ping: bucket %s missing", s.bucket)
	}
	return nil
}

// Put uploads data under its content reference. An object that already
// exists holds the same bytes, so the upload is skipped. A failed existence
// probe falls through to the upload, which surfaces the real error.
func (s *Store) Put(ctx domain.Context, id string, data []byte) (string, error) {
	if id == "" {
		return "", fmt.Errorf("op=s3blob.Put: %w: empty id", domain.ErrInvalidArgument)
	}
	ref := blob.Sum(data)
	digest, err := blob.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("op=s3blob.Put: %w", err)
	}
	key := objectKey(digest)

	statCtx, cancel := s.withMetadataTimeout(ctx)
	_, statErr := s.client.StatObject(statCtx, s.bucket, key, minio.StatObjectOptions{})
	cancel()
	if statErr == nil {
		return ref, nil
	}

	putCtx, cancel := s.withDataTimeout(ctx)
	defer cancel()
	_, err = s.client.PutObject(putCtx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"Eval-Id": id},
	})
	if err != nil {
		return "", fmt.Errorf("op=s3blob.Put: %w", err)
	}
	return ref, nil
}

// Get downloads the bytes behind ref, or returns domain.ErrNotFound.
func (s *Store) Get(ctx domain.Context, ref string) ([]byte, error) {
	digest, err := blob.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("op=s3blob.Get: %w", err)
	}
	key := objectKey(digest)

	getCtx, cancel := s.withDataTimeout(ctx)
	defer cancel()

	obj, err := s.client.GetObject(getCtx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=s3blob.Get: %w", err)
	}
	defer obj.Close()

	// GetObject is lazy; Stat forces the request and is where a missing
	// key shows up.
	if _, err := obj.Stat(); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("op=s3blob.Get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=s3blob.Get: %w", err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("op=s3blob.Get: %w", err)
	}
	return data, nil
}

func objectKey(digest string) string {
	return digest[:2] + "/" + digest[2:]
}
