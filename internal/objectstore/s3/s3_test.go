package s3

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/facesync/internal/objectstore"
)

type mockS3Client struct {
	mock.Mock
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.ListObjectsV2Output)
	return out, args.Error(1)
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.GetObjectOutput)
	return out, args.Error(1)
}

func (m *mockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.HeadObjectOutput)
	return out, args.Error(1)
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func TestStore_List(t *testing.T) {
	mockClient := new(mockS3Client)
	store := NewStore(mockClient)

	mockClient.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return *in.Bucket == "faces" && *in.Prefix == "incoming/" && *in.Delimiter == "/" &&
			*in.MaxKeys == 10 && in.ContinuationToken == nil
	})).Return(&s3.ListObjectsV2Output{
		IsTruncated:           aws.Bool(true),
		NextContinuationToken: aws.String("token"),
		Contents: []types.Object{
			{Key: aws.String("incoming/alice.jpg"), ETag: aws.String(`"e1"`), Size: aws.Int64(42)},
			{Key: aws.String("incoming/"), ETag: aws.String(`"d41d"`), Size: aws.Int64(0)},
		},
	}, nil).Once()

	page, err := store.List(context.Background(), "faces", "incoming/", 10, "")
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Equal(t, "token", page.NextToken)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, objectstore.Entry{Key: "incoming/alice.jpg", Checksum: "e1", Size: 42}, page.Entries[0])
	assert.Equal(t, int64(0), page.Entries[1].Size)

	mockClient.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return in.ContinuationToken != nil && *in.ContinuationToken == "token"
	})).Return(&s3.ListObjectsV2Output{
		IsTruncated: aws.Bool(false),
		Contents:    []types.Object{{Key: aws.String("incoming/bob.jpg"), ETag: aws.String(`"e2"`), Size: aws.Int64(7)}},
	}, nil).Once()

	page, err = store.List(context.Background(), "faces", "incoming/", 10, "token")
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextToken)
	assert.Equal(t, "e2", page.Entries[0].Checksum)

	mockClient.AssertExpectations(t)
}

func TestStore_Get(t *testing.T) {
	mockClient := new(mockS3Client)
	store := NewStore(mockClient)

	t.Run("NotFound", func(t *testing.T) {
		mockClient.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
			return *in.Key == "missing"
		})).Return(nil, &types.NoSuchKey{}).Once()

		_, err := store.Get(context.Background(), "faces", "missing")
		assert.ErrorIs(t, err, objectstore.ErrNotFound)
	})

	t.Run("Success", func(t *testing.T) {
		mockClient.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
			return *in.Bucket == "faces" && *in.Key == "alice.jpg"
		})).Return(&s3.GetObjectOutput{
			Body:     io.NopCloser(strings.NewReader("jpegbytes")),
			ETag:     aws.String(`"abc"`),
			Metadata: map[string]string{"fullname": "Alice"},
		}, nil).Once()

		obj, err := store.Get(context.Background(), "faces", "alice.jpg")
		require.NoError(t, err)
		assert.Equal(t, []byte("jpegbytes"), obj.Payload)
		assert.Equal(t, "Alice", obj.Metadata["fullname"])
	})
}

func TestStore_Stat(t *testing.T) {
	mockClient := new(mockS3Client)
	store := NewStore(mockClient)

	mockClient.On("HeadObject", mock.Anything, mock.MatchedBy(func(in *s3.HeadObjectInput) bool {
		return *in.Bucket == "out" && *in.Key == "store"
	})).Return(&s3.HeadObjectOutput{ETag: aws.String(`"rev9"`)}, nil).Once()
	mockClient.On("HeadObject", mock.Anything, mock.MatchedBy(func(in *s3.HeadObjectInput) bool {
		return *in.Key == "missing"
	})).Return(nil, &types.NotFound{}).Once()

	rev, err := store.Stat(context.Background(), "out", "store")
	require.NoError(t, err)
	assert.Equal(t, "rev9", rev)

	_, err = store.Stat(context.Background(), "out", "missing")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)

	mockClient.AssertNotCalled(t, "GetObject", mock.Anything, mock.Anything)
	mockClient.AssertExpectations(t)
}

func TestStore_Write(t *testing.T) {
	t.Run("IfMatch", func(t *testing.T) {
		mockClient := new(mockS3Client)
		store := NewStore(mockClient)

		mockClient.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
			return *in.IfMatch == `"rev1"` && in.IfNoneMatch == nil && *in.ContentLength == 4
		})).Return(&s3.PutObjectOutput{ETag: aws.String(`"rev2"`)}, nil).Once()

		rev, err := store.Write(context.Background(), "out", "store", []byte("data"), objectstore.WriteOptions{IfRevision: "rev1"})
		require.NoError(t, err)
		assert.Equal(t, "rev2", rev)
	})

	t.Run("IfNoneMatch", func(t *testing.T) {
		mockClient := new(mockS3Client)
		store := NewStore(mockClient)

		mockClient.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
			return in.IfMatch == nil && *in.IfNoneMatch == "*"
		})).Return(nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}).Once()

		_, err := store.Write(context.Background(), "out", "store", []byte("data"), objectstore.WriteOptions{IfAbsent: true})
		assert.ErrorIs(t, err, objectstore.ErrPreconditionFailed)
	})

	t.Run("Unconditional", func(t *testing.T) {
		mockClient := new(mockS3Client)
		store := NewStore(mockClient, WithConditionalWrites(false))

		mockClient.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
			return in.IfMatch == nil && in.IfNoneMatch == nil
		})).Return(&s3.PutObjectOutput{ETag: aws.String(`"rev3"`)}, nil).Once()

		rev, err := store.Write(context.Background(), "out", "store", []byte("data"), objectstore.WriteOptions{IfRevision: "rev1"})
		require.NoError(t, err)
		assert.Equal(t, "rev3", rev)
	})
}

// TestStore_Integration runs against a real bucket when FACESYNC_S3_BUCKET is set.
func TestStore_Integration(t *testing.T) {
	bucket := os.Getenv("FACESYNC_S3_BUCKET")
	if bucket == "" {
		t.Skip("FACESYNC_S3_BUCKET not set")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, Options{Region: os.Getenv("AWS_REGION")})
	require.NoError(t, err)
	store := NewStore(client)

	key := "facesync-test/store.fsnp"
	rev, err := store.Write(ctx, bucket, key, []byte("one"), objectstore.WriteOptions{})
	require.NoError(t, err)

	data, got, err := store.Read(ctx, bucket, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)
	assert.Equal(t, rev, got)

	_, err = store.Write(ctx, bucket, key, []byte("two"), objectstore.WriteOptions{IfRevision: "stale"})
	assert.ErrorIs(t, err, objectstore.ErrPreconditionFailed)
}
