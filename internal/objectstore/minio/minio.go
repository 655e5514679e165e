// Package minio implements the objectstore contracts for MinIO and other
// S3-compatible servers through minio-go.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nickcecere/facesync/internal/objectstore"
)

// Options configures a client created by NewClient.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// NewClient creates a MinIO client with static credentials.
func NewClient(opts Options) (*minio.Client, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return client, nil
}

// Store implements objectstore.Backend for MinIO.
//
// Continuation tokens are the last key of the previous page, passed back
// as StartAfter. Conditional writes stat the object before the put, so two
// writers racing inside that window can still both succeed.
type Store struct {
	client    *minio.Client
	recursive bool
}

// NewStore creates a new MinIO store. With recursive false only direct
// children of the listed prefix are returned.
func NewStore(client *minio.Client, recursive bool) *Store {
	return &Store{client: client, recursive: recursive}
}

// List returns up to pageSize objects after token.
func (s *Store) List(ctx context.Context, bucket, prefix string, pageSize int, token string) (*objectstore.Page, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	page := &objectstore.Page{}
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:     prefix,
		Recursive:  s.recursive,
		StartAfter: token,
		MaxKeys:    pageSize,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %s/%s: %w", bucket, prefix, mapError(obj.Err))
		}
		if pageSize > 0 && len(page.Entries) == pageSize {
			page.HasMore = true
			break
		}
		page.Entries = append(page.Entries, objectstore.Entry{
			Key:      obj.Key,
			Checksum: objectstore.TrimETag(obj.ETag),
			Size:     obj.Size,
		})
	}
	if page.HasMore {
		page.NextToken = page.Entries[len(page.Entries)-1].Key
	}
	return page, nil
}

// Get fetches an object with its user metadata. Metadata keys are lower-cased.
func (s *Store) Get(ctx context.Context, bucket, key string) (*objectstore.Object, error) {
	data, info, err := s.get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}

	meta := make(map[string]string, len(info.UserMetadata))
	for k, v := range info.UserMetadata {
		meta[strings.ToLower(strings.TrimPrefix(k, "X-Amz-Meta-"))] = v
	}
	return &objectstore.Object{Payload: data, Metadata: meta}, nil
}

// Read fetches a blob and returns its ETag as revision.
func (s *Store) Read(ctx context.Context, bucket, key string) ([]byte, string, error) {
	data, info, err := s.get(ctx, bucket, key)
	if err != nil {
		return nil, "", err
	}
	return data, objectstore.TrimETag(info.ETag), nil
}

// Stat returns the ETag of a blob through StatObject.
func (s *Store) Stat(ctx context.Context, bucket, key string) (string, error) {
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to stat %s/%s: %w", bucket, key, mapError(err))
	}
	return objectstore.TrimETag(info.ETag), nil
}

func (s *Store) get(ctx context.Context, bucket, key string) ([]byte, minio.ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, minio.ObjectInfo{}, fmt.Errorf("failed to get %s/%s: %w", bucket, key, mapError(err))
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, minio.ObjectInfo{}, fmt.Errorf("failed to stat %s/%s: %w", bucket, key, mapError(err))
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, minio.ObjectInfo{}, fmt.Errorf("failed to read %s/%s: %w", bucket, key, mapError(err))
	}
	return data, info, nil
}

// Write checks the precondition with StatObject and then puts the blob.
func (s *Store) Write(ctx context.Context, bucket, key string, data []byte, opts objectstore.WriteOptions) (string, error) {
	if opts.IfAbsent || opts.IfRevision != "" {
		info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
		exists := true
		if err != nil {
			if mapError(err) != objectstore.ErrNotFound {
				return "", fmt.Errorf("failed to stat %s/%s: %w", bucket, key, err)
			}
			exists = false
		}

		if opts.IfAbsent && exists {
			return "", objectstore.ErrPreconditionFailed
		}
		if opts.IfRevision != "" && (!exists || objectstore.TrimETag(info.ETag) != opts.IfRevision) {
			return "", objectstore.ErrPreconditionFailed
		}
	}

	info, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("failed to put %s/%s: %w", bucket, key, mapError(err))
	}
	return objectstore.TrimETag(info.ETag), nil
}

func mapError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return objectstore.ErrNotFound
	case "PreconditionFailed":
		return objectstore.ErrPreconditionFailed
	}
	return err
}

var _ objectstore.Backend = (*Store)(nil)
