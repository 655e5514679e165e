// Package s3 implements the objectstore contracts on Amazon S3.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/nickcecere/facesync/internal/objectstore"
)

// DefaultDelimiter keeps listings to the direct children of the prefix.
const DefaultDelimiter = "/"

// Client is the subset of *s3.Client used by Store.
type Client interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options configures a client created by NewClient.
type Options struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// NewClient builds an S3 client from the default AWS credential chain.
func NewClient(ctx context.Context, opts Options) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	}), nil
}

// Store implements objectstore.Backend for S3.
type Store struct {
	client      Client
	delimiter   string
	conditional bool
}

// Option configures a Store.
type Option func(*Store)

// WithDelimiter sets the listing delimiter. An empty delimiter lists recursively.
func WithDelimiter(d string) Option {
	return func(s *Store) {
		s.delimiter = d
	}
}

// WithConditionalWrites toggles If-Match / If-None-Match on writes.
func WithConditionalWrites(enabled bool) Option {
	return func(s *Store) {
		s.conditional = enabled
	}
}

// NewStore creates a new S3 store.
func NewStore(client Client, opts ...Option) *Store {
	s := &Store{
		client:      client,
		delimiter:   DefaultDelimiter,
		conditional: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List fetches one page of ListObjectsV2.
func (s *Store) List(ctx context.Context, bucket, prefix string, pageSize int, token string) (*objectstore.Page, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if s.delimiter != "" {
		input.Delimiter = aws.String(s.delimiter)
	}
	if pageSize > 0 {
		input.MaxKeys = aws.Int32(int32(pageSize))
	}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}

	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to list s3://%s/%s: %w", bucket, prefix, mapError(err))
	}

	page := &objectstore.Page{
		Entries: make([]objectstore.Entry, 0, len(out.Contents)),
		HasMore: aws.ToBool(out.IsTruncated),
	}
	if page.HasMore {
		page.NextToken = aws.ToString(out.NextContinuationToken)
	}
	for _, obj := range out.Contents {
		page.Entries = append(page.Entries, objectstore.Entry{
			Key:      aws.ToString(obj.Key),
			Checksum: objectstore.TrimETag(aws.ToString(obj.ETag)),
			Size:     aws.ToInt64(obj.Size),
		})
	}
	return page, nil
}

// Get fetches an object and its user metadata.
func (s *Store) Get(ctx context.Context, bucket, key string) (*objectstore.Object, error) {
	data, meta, _, err := s.get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return &objectstore.Object{Payload: data, Metadata: meta}, nil
}

// Read fetches a blob and returns its ETag as revision.
func (s *Store) Read(ctx context.Context, bucket, key string) ([]byte, string, error) {
	data, _, etag, err := s.get(ctx, bucket, key)
	if err != nil {
		return nil, "", err
	}
	return data, etag, nil
}

// Stat returns the ETag of a blob through HeadObject.
func (s *Store) Stat(ctx context.Context, bucket, key string) (string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to head s3://%s/%s: %w", bucket, key, mapError(err))
	}
	return objectstore.TrimETag(aws.ToString(out.ETag)), nil
}

func (s *Store) get(ctx context.Context, bucket, key string) ([]byte, map[string]string, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, mapError(err))
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to read s3://%s/%s: %w", bucket, key, err)
	}
	return data, out.Metadata, objectstore.TrimETag(aws.ToString(out.ETag)), nil
}

// Write puts the blob in one request. With conditional writes enabled the
// precondition is sent as If-Match or If-None-Match.
func (s *Store) Write(ctx context.Context, bucket, key string, data []byte, opts objectstore.WriteOptions) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	}
	if s.conditional {
		switch {
		case opts.IfRevision != "":
			input.IfMatch = aws.String(`"` + opts.IfRevision + `"`)
		case opts.IfAbsent:
			input.IfNoneMatch = aws.String("*")
		}
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to put s3://%s/%s: %w", bucket, key, mapError(err))
	}
	return objectstore.TrimETag(aws.ToString(out.ETag)), nil
}

// mapError translates S3 errors into objectstore sentinels.
func mapError(err error) error {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return objectstore.ErrNotFound
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return objectstore.ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return objectstore.ErrPreconditionFailed
		case "NoSuchKey", "NotFound":
			return objectstore.ErrNotFound
		}
	}
	return err
}

var _ objectstore.Backend = (*Store)(nil)
