// Package storage issues presigned upload URLs against an S3-compatible
// object store for the dev gateway's /storage endpoints.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/gateway"
	"chatsync/internal/observability"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore is the part of *minio.Client the service needs.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PresignedPutObject(ctx context.Context, bucketName, objectName string, expires time.Duration) (*url.URL, error)
}

// Service signs uploads into a fixed set of buckets.
type Service struct {
	store     ObjectStore
	buckets   map[string]bool
	ttl       time.Duration
	publicURL string
	now       func() time.Time
}

var _ gateway.Storage = (*Service)(nil)

// New connects to the configured object store. It returns nil, nil when no
// endpoint is configured so the gateway can run without storage.
func New(cfg *config.Config) (*Service, error) {
	if cfg.StorageEndpoint == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.StorageEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.StorageAccessKey, cfg.StorageSecretKey, ""),
		Secure: cfg.StorageUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	publicURL := cfg.StoragePublicURL
	if publicURL == "" {
		scheme := "http"
		if cfg.StorageUseSSL {
			scheme = "https"
		}
		publicURL = scheme + "://" + cfg.StorageEndpoint
	}
	return NewWithStore(client, cfg.StorageBuckets(), cfg.UploadTTL(), publicURL), nil
}

// NewWithStore builds a service over an existing store.
func NewWithStore(store ObjectStore, buckets []string, ttl time.Duration, publicURL string) *Service {
	allowed := make(map[string]bool, len(buckets))
	for _, b := range buckets {
		allowed[b] = true
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{
		store:     store,
		buckets:   allowed,
		ttl:       ttl,
		publicURL: strings.TrimRight(publicURL, "/"),
		now:       time.Now,
	}
}

// EnsureBuckets creates any configured bucket that does not exist yet.
func (s *Service) EnsureBuckets(ctx context.Context) error {
	for bucket := range s.buckets {
		exists, err := s.store.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := s.store.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		observability.GlobalLogger.InfoContext(ctx, "created storage bucket", "bucket", bucket)
	}
	return nil
}

// CreateSignedUpload presigns a PUT for bucket/objectPath.
func (s *Service) CreateSignedUpload(ctx context.Context, bucket, objectPath string) (_ gateway.SignedUpload, err error) {
	ctx, span := observability.GetTraceLayer().TraceGatewayCall(ctx, "sign_upload", bucket)
	defer func() { observability.EndSpan(span, err) }()

	if !s.buckets[bucket] {
		return gateway.SignedUpload{}, gateway.NewError(gateway.NotFound, "storage_bucket", fmt.Sprintf("bucket %q not found", bucket))
	}
	clean, err := cleanPath(objectPath)
	if err != nil {
		return gateway.SignedUpload{}, err
	}

	expires := s.now().Add(s.ttl).UTC()
	u, err := s.store.PresignedPutObject(ctx, bucket, clean, s.ttl)
	if err != nil {
		return gateway.SignedUpload{}, gateway.Wrap(gateway.Transient, "presign upload", err)
	}
	return gateway.SignedUpload{
		URL:       u.String(),
		Bucket:    bucket,
		Path:      clean,
		PublicURL: s.publicURL + "/" + bucket + "/" + clean,
		ExpiresAt: expires,
	}, nil
}

// ForUser restricts uploads to objects under "<userID>/".
func (s *Service) ForUser(userID string) gateway.Storage {
	return userStorage{svc: s, userID: userID}
}

type userStorage struct {
	svc    *Service
	userID string
}

func (u userStorage) CreateSignedUpload(ctx context.Context, bucket, objectPath string) (gateway.SignedUpload, error) {
	clean, err := cleanPath(objectPath)
	if err != nil {
		return gateway.SignedUpload{}, err
	}
	if u.userID == "" || !strings.HasPrefix(clean, u.userID+"/") {
		return gateway.SignedUpload{}, gateway.NewError(gateway.Forbidden, "42501", "uploads must go under your own folder")
	}
	return u.svc.CreateSignedUpload(ctx, bucket, clean)
}

func cleanPath(p string) (string, error) {
	trimmed := strings.TrimLeft(p, "/")
	if trimmed == "" {
		return "", gateway.NewError(gateway.Invalid, "storage_path", "object path is required")
	}
	clean := path.Clean(trimmed)
	if clean != trimmed || strings.HasPrefix(clean, "..") {
		return "", gateway.NewError(gateway.Invalid, "storage_path", fmt.Sprintf("object path %q is not canonical", p))
	}
	return clean, nil
}
