package s3blob_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalbox/evalbox/internal/adapter/blob/s3blob"
	"github.com/evalbox/evalbox/internal/domain"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := s3blob.New(ctx, s3blob.Config{Bucket: "outputs"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = s3blob.New(ctx, s3blob.Config{Endpoint: "localhost:9000"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	// A malformed endpoint fails in the client constructor, before any dial.
	_, err = s3blob.New(ctx, s3blob.Config{Endpoint: "http://bad endpoint", Bucket: "outputs"})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrInvalidArgument))
}

// TestRoundTrip needs a live S3-compatible endpoint (MinIO in compose).
func TestRoundTrip(t *testing.T) {
	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("S3_ENDPOINT not set, skipping integration test")
	}
	ctx := context.Background()

	s, err := s3blob.New(ctx, s3blob.Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("S3_ACCESS_KEY"),
		SecretKey: os.Getenv("S3_SECRET_KEY"),
		Bucket:    "evalbox-test-outputs",
	})
	require.NoError(t, err)

	ref, err := s.Put(ctx, "eval-1", []byte("integration output\n"))
	require.NoError(t, err)

	// Same bytes from another evaluation reuse the object.
	ref2, err := s.Put(ctx, "eval-2", []byte("integration output\n"))
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "integration output\n", string(got))

	_, err = s.Get(ctx, "blake2b:0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
