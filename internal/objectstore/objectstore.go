// Package objectstore defines the object storage contracts used by the sync
// engine: paginated listing of source images, fetching image payloads with
// their metadata, and whole-blob reads and conditional writes of the
// persisted record store.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotFound is returned when an object does not exist.
//
// Implementations should return an error that satisfies errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// ErrPreconditionFailed is returned by Write when the stored revision no
// longer matches the expected one.
var ErrPreconditionFailed = errors.New("object revision precondition failed")

// Entry is one object returned by a listing page.
type Entry struct {
	Key      string
	Checksum string // content checksum (S3 ETag without quotes)
	Size     int64
}

// Page is one page of a listing.
type Page struct {
	Entries   []Entry
	NextToken string
	HasMore   bool
}

// Object is a fetched object payload with its user metadata.
type Object struct {
	Payload  []byte
	Metadata map[string]string
}

// Address identifies one object in a bucket.
type Address struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (a Address) String() string {
	return a.Bucket + "/" + a.Key
}

// ParseAddress parses "bucket/key/with/slashes" or "s3://bucket/key".
func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(s, "s3://")
	bucket, key, ok := strings.Cut(s, "/")
	if !ok || bucket == "" || key == "" {
		return Address{}, fmt.Errorf("invalid object address %q: expected bucket/key", s)
	}
	return Address{Bucket: bucket, Key: key}, nil
}

// WriteOptions carries the optimistic concurrency precondition of a write.
// With both fields zero the write is unconditional.
type WriteOptions struct {
	// IfRevision requires the current revision to equal this value.
	IfRevision string
	// IfAbsent requires that the object does not exist yet.
	IfAbsent bool
}

// Lister lists source objects one page at a time.
type Lister interface {
	List(ctx context.Context, bucket, prefix string, pageSize int, token string) (*Page, error)
}

// Fetcher retrieves an object payload and its metadata.
type Fetcher interface {
	Get(ctx context.Context, bucket, key string) (*Object, error)
}

// BlobStore reads and writes whole blobs with revision tags.
type BlobStore interface {
	// Read returns the blob contents and its current revision.
	Read(ctx context.Context, bucket, key string) ([]byte, string, error)
	// Stat returns the current revision without transferring the contents.
	Stat(ctx context.Context, bucket, key string) (string, error)
	// Write replaces the blob atomically and returns the new revision.
	Write(ctx context.Context, bucket, key string, data []byte, opts WriteOptions) (string, error)
}

// Source is a backend usable for both listing and fetching images.
type Source interface {
	Lister
	Fetcher
}

// Backend implements every contract of this package.
type Backend interface {
	Source
	BlobStore
}

// TrimETag strips the quotes S3-compatible stores put around ETags.
func TrimETag(etag string) string {
	return strings.Trim(etag, `"`)
}
