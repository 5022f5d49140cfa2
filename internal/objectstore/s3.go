package objectstore

import (
	"bytes"
	"context"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"notemart/internal/apperr"
)

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL prefixes object keys in returned references.
	PublicURL string
	Timeout   time.Duration
}

// S3 is the primary store. Objects are addressed by folder/key inside one
// bucket.
type S3 struct {
	client    *minio.Client
	bucket    string
	publicURL string
	timeout   time.Duration
}

func NewS3(cfg S3Config) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create s3 client")
	}
	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = scheme + "://" + cfg.Endpoint + "/" + cfg.Bucket
	}
	return &S3{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
		timeout:   cfg.Timeout,
	}, nil
}

func (s *S3) Put(ctx context.Context, obj Object) (Ref, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	key := path.Join(obj.Folder, obj.Key)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(obj.Body), int64(len(obj.Body)), minio.PutObjectOptions{
		ContentType: obj.ContentType,
	})
	if err != nil {
		return Ref{}, apperr.Upstream(err, "s3 put "+key)
	}
	return Ref{ID: key, URL: s.publicURL + "/" + key}, nil
}

func (s *S3) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.RemoveObject(ctx, s.bucket, id, minio.RemoveObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		return apperr.Upstream(err, "s3 delete "+id)
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(ctx, d)
}
