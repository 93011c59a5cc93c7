package storage

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/gateway"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockObjectStore struct {
	mock.Mock
}

func (m *MockObjectStore) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	args := m.Called(ctx, bucketName)
	return args.Bool(0), args.Error(1)
}

func (m *MockObjectStore) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	args := m.Called(ctx, bucketName, opts)
	return args.Error(0)
}

func (m *MockObjectStore) PresignedPutObject(ctx context.Context, bucketName, objectName string, expires time.Duration) (*url.URL, error) {
	args := m.Called(ctx, bucketName, objectName, expires)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*url.URL), args.Error(1)
}

func TestCreateSignedUpload(t *testing.T) {
	store := new(MockObjectStore)
	signed, _ := url.Parse("http://minio:9000/avatars/u1/me.png?X-Amz-Signature=abc")
	store.On("PresignedPutObject", mock.Anything, "avatars", "u1/me.png", 10*time.Minute).Return(signed, nil)

	svc := NewWithStore(store, []string{"avatars"}, 10*time.Minute, "http://cdn.local/")
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	up, err := svc.CreateSignedUpload(context.Background(), "avatars", "/u1/me.png")
	require.NoError(t, err)
	assert.Equal(t, signed.String(), up.URL)
	assert.Equal(t, "u1/me.png", up.Path)
	assert.Equal(t, "http://cdn.local/avatars/u1/me.png", up.PublicURL)
	assert.Equal(t, fixed.Add(10*time.Minute), up.ExpiresAt)
	store.AssertExpectations(t)
}

func TestCreateSignedUploadRejects(t *testing.T) {
	store := new(MockObjectStore)
	svc := NewWithStore(store, []string{"avatars"}, time.Minute, "http://cdn")
	ctx := context.Background()

	_, err := svc.CreateSignedUpload(ctx, "secrets", "u1/a.png")
	assert.True(t, gateway.IsKind(err, gateway.NotFound))

	for _, p := range []string{"", "/", "u1/../u2/a.png", "../a.png", "u1//a.png"} {
		_, err := svc.CreateSignedUpload(ctx, "avatars", p)
		assert.True(t, gateway.IsKind(err, gateway.Invalid), "path %q", p)
	}
	store.AssertNotCalled(t, "PresignedPutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateSignedUploadStoreFailure(t *testing.T) {
	store := new(MockObjectStore)
	store.On("PresignedPutObject", mock.Anything, "avatars", "u1/a.png", time.Minute).Return(nil, errors.New("connection refused"))
	svc := NewWithStore(store, []string{"avatars"}, time.Minute, "http://cdn")

	_, err := svc.CreateSignedUpload(context.Background(), "avatars", "u1/a.png")
	assert.True(t, gateway.IsKind(err, gateway.Transient))
}

func TestForUserScopesPaths(t *testing.T) {
	store := new(MockObjectStore)
	signed, _ := url.Parse("http://minio/avatars/u1/a.png")
	store.On("PresignedPutObject", mock.Anything, "avatars", "u1/a.png", time.Minute).Return(signed, nil)
	svc := NewWithStore(store, []string{"avatars"}, time.Minute, "http://cdn")

	_, err := svc.ForUser("u1").CreateSignedUpload(context.Background(), "avatars", "u1/a.png")
	require.NoError(t, err)

	_, err = svc.ForUser("u1").CreateSignedUpload(context.Background(), "avatars", "u2/a.png")
	assert.True(t, gateway.IsKind(err, gateway.Forbidden))

	_, err = svc.ForUser("u1").CreateSignedUpload(context.Background(), "avatars", "u1")
	assert.True(t, gateway.IsKind(err, gateway.Forbidden))
}

func TestEnsureBuckets(t *testing.T) {
	store := new(MockObjectStore)
	store.On("BucketExists", mock.Anything, "avatars").Return(true, nil)
	store.On("BucketExists", mock.Anything, "media").Return(false, nil)
	store.On("MakeBucket", mock.Anything, "media", minio.MakeBucketOptions{}).Return(nil)
	svc := NewWithStore(store, []string{"avatars", "media"}, time.Minute, "")

	require.NoError(t, svc.EnsureBuckets(context.Background()))
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "MakeBucket", mock.Anything, "avatars", mock.Anything)
}

func TestNewWithoutEndpoint(t *testing.T) {
	svc, err := New(&config.Config{})
	require.NoError(t, err)
	assert.Nil(t, svc)
}

func TestNewBuildsPublicURL(t *testing.T) {
	svc, err := New(&config.Config{
		StorageEndpoint:          "localhost:9000",
		StorageAccessKey:         "minioadmin",
		StorageSecretKey:         "minioadmin",
		StorageAllowedBucketList: "avatars, media",
		StorageUploadTTLMinutes:  5,
	})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", svc.publicURL)
	assert.Equal(t, 5*time.Minute, svc.ttl)
	assert.True(t, svc.buckets["media"])
}
