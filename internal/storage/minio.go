package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// ObjectStore is the subset of object storage the pipelines and API use.
type ObjectStore interface {
	Bucket() string
	Check(ctx context.Context) error
	UploadFile(ctx context.Context, path, key, contentType string) error
	UploadBytes(ctx context.Context, data []byte, key, contentType string, metadata map[string]string) error
	DownloadFile(ctx context.Context, key, path string) error
	ReadObject(ctx context.Context, key string) ([]byte, error)
	PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
	Region    string

	// Attempts bounds retries of transfer operations, the first try included.
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *zap.Logger
}

type MinioStore struct {
	client *minio.Client
	bucket string
	region string
	opts   Options
	logger *zap.Logger
}

func NewMinio(opts Options) (*MinioStore, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("storage endpoint is empty")
	}
	if opts.Bucket == "" {
		return nil, errors.New("storage bucket is empty")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = time.Second
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	return &MinioStore{
		client: client,
		bucket: opts.Bucket,
		region: opts.Region,
		opts:   opts,
		logger: opts.Logger,
	}, nil
}

func (s *MinioStore) Bucket() string { return s.bucket }

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	return s.retry(ctx, "ensure bucket", func() error {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			code := minio.ToErrorResponse(err).Code
			if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
				return nil
			}
			return err
		}
		s.logger.Info("created bucket", zap.String("bucket", s.bucket))
		return nil
	})
}

// Check reports whether the bucket is reachable. It does not retry so the
// health endpoint answers quickly.
func (s *MinioStore) Check(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

func (s *MinioStore) UploadFile(ctx context.Context, path, key, contentType string) error {
	if contentType == "" {
		contentType = ContentType(path)
	}
	err := s.retry(ctx, "upload file", func() error {
		_, err := s.client.FPutObject(ctx, s.bucket, key, path, minio.PutObjectOptions{ContentType: contentType})
		return err
	})
	if err != nil {
		return fmt.Errorf("upload %s to %s: %w", filepath.Base(path), key, err)
	}
	s.logger.Debug("uploaded file", zap.String("key", key), zap.String("content_type", contentType))
	return nil
}

func (s *MinioStore) UploadBytes(ctx context.Context, data []byte, key, contentType string, metadata map[string]string) error {
	if contentType == "" {
		contentType = ContentType(key)
	}
	err := s.retry(ctx, "upload bytes", func() error {
		_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType:  contentType,
			UserMetadata: metadata,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	s.logger.Debug("uploaded object", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

func (s *MinioStore) DownloadFile(ctx context.Context, key, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}
	err := s.retry(ctx, "download file", func() error {
		return s.client.FGetObject(ctx, s.bucket, key, path, minio.GetObjectOptions{})
	})
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) ReadObject(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.retry(ctx, "read object", func() error {
		obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		defer obj.Close()
		data, err = io.ReadAll(obj)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *MinioStore) PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	var out string
	err := s.retry(ctx, "presign", func() error {
		u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expires, nil)
		if err != nil {
			return err
		}
		out = u.String()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return out, nil
}

func (s *MinioStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", key, classify(err))
	}
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// List returns every object below prefix sorted by key.
func (s *MinioStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		out = append(out, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			LastModified: obj.LastModified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	err := s.retry(ctx, "delete", func() error {
		return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, obj := range objects {
		if err := s.Delete(ctx, obj.Key); err != nil {
			return i, err
		}
	}
	return len(objects), nil
}

func (s *MinioStore) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialInterval
	b.MaxInterval = s.opts.MaxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.Attempts-1)), ctx)
	return backoff.RetryNotify(func() error {
		err := classify(fn())
		if errors.Is(err, ErrObjectNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.logger.Warn("storage operation failed, retrying",
			zap.String("op", op),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}
	return err
}
