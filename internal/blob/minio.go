package blob

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore is the durable object storage backend.
type MinioStore struct {
	client *minio.Client
}

func NewMinioStore(endpoint, accessKey, secretKey string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object storage: %w", err)
	}
	return &MinioStore{client: client}, nil
}

// Remove deletes each object in order and stops at the first failure, leaving
// later references untouched.
func (s *MinioStore) Remove(ctx context.Context, refs []Ref) error {
	for _, ref := range refs {
		err := s.client.RemoveObject(ctx, ref.Bucket, ref.ObjectPath, minio.RemoveObjectOptions{})
		if err != nil {
			return fmt.Errorf("remove %s/%s: %w", ref.Bucket, ref.ObjectPath, err)
		}
	}
	return nil
}
