// Package blob stores binary artifacts in MinIO: uploaded document PDFs,
// selfie captures, intent videos, and field attachments. Callers hold object
// keys; presigned URLs are minted on demand.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxIntentVideoBytes caps intent-video uploads; recordings are at most 30
// seconds of audio/video.
const MaxIntentVideoBytes = 32 << 20

type Store struct {
	client *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}

// Put uploads an object and returns its key as the durable reference.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return key, nil
}

// Get streams an object back. The caller closes the reader.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return obj, nil
}

// PresignedGetURL mints a time-limited download URL for an object key.
func (s *Store) PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Object key layout. Keys are stable references persisted in Postgres.

func DocumentKey(documentID string) string {
	return fmt.Sprintf("documents/%s.pdf", documentID)
}

func SelfieKey(sessionID string) string {
	return fmt.Sprintf("sessions/%s/selfie.jpg", sessionID)
}

func IntentVideoKey(sessionID string) string {
	return fmt.Sprintf("sessions/%s/intent-video.webm", sessionID)
}

func AttachmentKey(sessionID, fieldID, attachmentID, filename string) string {
	return fmt.Sprintf("sessions/%s/fields/%s/%s_%s", sessionID, fieldID, attachmentID, filename)
}

func CertificateKey(requestID string) string {
	return fmt.Sprintf("certificates/%s.pdf", requestID)
}
