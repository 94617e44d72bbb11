// Package storage keeps defect photos. The returned reference is what a
// QC record stores in Defect.PhotoRef.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// PhotoStore 缺陷照片存储
type PhotoStore interface {
	Put(ctx context.Context, tenantID, fileName string, r io.Reader, size int64, contentType string) (ref string, err error)
}

// objectName lays photos out by tenant and day.
func objectName(tenantID, fileName string, now time.Time) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	return fmt.Sprintf("qc-photos/%s/%s/%s%s", tenantID, now.Format("2006/01/02"), uuid.New().String(), ext)
}

// MinIOStore puts photos into one bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

func NewMinIOStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinIOStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return &MinIOStore{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket on first start.
func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
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

func (s *MinIOStore) Put(ctx context.Context, tenantID, fileName string, r io.Reader, size int64, contentType string) (string, error) {
	name := objectName(tenantID, fileName, time.Now())
	_, err := s.client.PutObject(ctx, s.bucket, name, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload photo: %w", err)
	}
	return "minio://" + s.bucket + "/" + name, nil
}

// LocalStore writes photos under a directory on disk. Used when no object
// storage is configured.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) Put(_ context.Context, tenantID, fileName string, r io.Reader, _ int64, _ string) (string, error) {
	name := objectName(tenantID, fileName, time.Now())
	path := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, r); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return "file://" + name, nil
}
