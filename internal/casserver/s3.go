package casserver

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"buildorch/internal/digest"
)

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	TempDir   string
}

// S3Storage keeps blobs as objects named <prefix>/<hash>.
type S3Storage struct {
	client     *minio.Client
	bucketName string
	region     string
	prefix     string
	tempDir    string
	initOnce   sync.Once
	initErr    error
}

func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &S3Storage{
		client:     client,
		bucketName: bucket,
		region:     region,
		prefix:     strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		tempDir:    cfg.TempDir,
	}, nil
}

func (s *S3Storage) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *S3Storage) objectKey(d digest.Digest) string {
	if s.prefix == "" {
		return "cas/" + d.Hash
	}
	return s.prefix + "/cas/" + d.Hash
}

func isMissing(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

func (s *S3Storage) Has(ctx context.Context, d digest.Digest) (bool, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return false, fmt.Errorf("ensure bucket: %w", err)
	}
	info, err := s.client.StatObject(ctx, s.bucketName, s.objectKey(d), minio.StatObjectOptions{})
	if err != nil {
		if isMissing(err) {
			return false, nil
		}
		return false, err
	}
	return info.Size == d.SizeBytes, nil
}

func (s *S3Storage) Open(ctx context.Context, d digest.Digest, offset, limit int64) (io.ReadCloser, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	if offset >= d.SizeBytes && d.SizeBytes > 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	opts := minio.GetObjectOptions{}
	if offset > 0 || limit > 0 {
		var end int64
		if limit > 0 {
			end = min(offset+limit, d.SizeBytes) - 1
		}
		if err := opts.SetRange(offset, end); err != nil {
			return nil, err
		}
	}
	obj, err := s.client.GetObject(ctx, s.bucketName, s.objectKey(d), opts)
	if err != nil {
		if isMissing(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return nil, err
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isMissing(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return nil, err
	}
	return obj, nil
}

func (s *S3Storage) TempFile() (*os.File, error) {
	return os.CreateTemp(s.tempDir, "upload-*")
}

func (s *S3Storage) Commit(ctx context.Context, d digest.Digest, path string) error {
	defer os.Remove(path)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	got, err := digest.OfReader(f)
	f.Close()
	if err != nil {
		return err
	}
	if got != d {
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, d, got)
	}
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	_, err = s.client.FPutObject(ctx, s.bucketName, s.objectKey(d), path, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}
