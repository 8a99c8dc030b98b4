package archive_test

import (
	"context"
	"os"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ruscur/snowpatch/internal/archive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBucket = "snowpatch-test"

// testStore returns a Store connected to a test MinIO instance, skipping
// the test if S3_ENDPOINT is not set so the fast test suite stays fast.
func testStore(t *testing.T) *archive.Store {
	t.Helper()

	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("S3_ENDPOINT not set, skipping integration test")
	}
	accessKey := os.Getenv("S3_ACCESS_KEY")
	secretKey := os.Getenv("S3_SECRET_KEY")
	if accessKey == "" || secretKey == "" {
		t.Skip("S3_ACCESS_KEY/S3_SECRET_KEY not set, skipping integration test")
	}

	ctx := context.Background()
	store, err := archive.New(ctx, archive.Config{
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Bucket:    testBucket,
	})
	require.NoError(t, err)

	cleanBucket(t, endpoint, accessKey, secretKey)
	return store
}

func cleanBucket(t *testing.T, endpoint, accessKey, secretKey string) {
	t.Helper()

	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(accessKey, secretKey, ""),
	})
	require.NoError(t, err)

	ctx := context.Background()
	for obj := range client.ListObjects(ctx, testBucket, minio.ListObjectsOptions{Recursive: true}) {
		require.NoError(t, obj.Err)
		require.NoError(t, client.RemoveObject(ctx, testBucket, obj.Key, minio.RemoveObjectOptions{}))
	}
}

func TestArchiveFailure_UploadsMboxAndStderr(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	err := store.ArchiveFailure(ctx, 42, []byte("From x\nSubject: test\n"), "error: patch does not apply")
	require.NoError(t, err)
}

func TestHealthCheck_ReachableBucket_Succeeds(t *testing.T) {
	store := testStore(t)
	assert.NoError(t, store.HealthCheck(context.Background()))
}
