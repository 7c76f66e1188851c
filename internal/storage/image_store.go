package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"
)

// ErrNotImage is returned when an upload declares a non-image content type.
var ErrNotImage = errors.New("file is not an image")

// ImageFile is one pending upload. Size must match the reader's length.
type ImageFile struct {
	Name        string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// ImageStore uploads chat images to an S3-compatible bucket and hands back
// public URLs under the configured base URL.
type ImageStore struct {
	client        *minio.Client
	bucket        string
	folder        string
	publicBaseURL string
}

func NewImageStore(endpoint, accessKey, secretKey, bucket, folder, publicBaseURL string, useSSL bool) (*ImageStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket failed: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket failed: %w", err)
		}
	}

	return &ImageStore{
		client:        client,
		bucket:        bucket,
		folder:        strings.Trim(folder, "/"),
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

// Upload stores a single image and returns its public URL.
func (s *ImageStore) Upload(ctx context.Context, file ImageFile) (string, error) {
	if !strings.HasPrefix(file.ContentType, "image/") {
		return "", fmt.Errorf("%w: %s", ErrNotImage, file.ContentType)
	}

	key := s.objectKey(file.Name)
	_, err := s.client.PutObject(ctx, s.bucket, key, file.Reader, file.Size, minio.PutObjectOptions{
		ContentType: file.ContentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object failed: %w", err)
	}
	return s.publicBaseURL + "/" + key, nil
}

// UploadBatch uploads all files concurrently and returns their URLs in input
// order. Any single failure fails the whole batch; no partial URL set is
// ever returned.
func (s *ImageStore) UploadBatch(ctx context.Context, files []ImageFile) ([]string, error) {
	urls := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			url, err := s.Upload(gctx, file)
			if err != nil {
				return err
			}
			urls[i] = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

func (s *ImageStore) objectKey(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	name := uuid.NewString() + ext
	if s.folder == "" {
		return name
	}
	return s.folder + "/" + name
}
