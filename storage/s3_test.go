package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockS3 struct {
	mock.Mock
}

func (m *mockS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.HeadObjectOutput)
	return out, args.Error(1)
}

func (m *mockS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.GetObjectOutput)
	return out, args.Error(1)
}

func (m *mockS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func (m *mockS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.DeleteObjectsOutput)
	return out, args.Error(1)
}

func (m *mockS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.ListObjectsV2Output)
	return out, args.Error(1)
}

func keyIs(key string) interface{} {
	return mock.MatchedBy(func(in interface{}) bool {
		switch v := in.(type) {
		case *s3.HeadObjectInput:
			return aws.ToString(v.Key) == key
		case *s3.GetObjectInput:
			return aws.ToString(v.Key) == key
		case *s3.PutObjectInput:
			return aws.ToString(v.Key) == key
		}
		return false
	})
}

func TestS3FS_OpenAndRangedRead(t *testing.T) {
	ctx := context.Background()
	client := new(mockS3)
	fs := NewS3FS(client, "backups")
	content := "0123456789"

	client.On("HeadObject", ctx, keyIs("b1/ns/t/f1")).Return(&s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(content)))}, nil)
	client.On("GetObject", ctx, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Range) == "bytes=6-9"
	})).Return(&s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(content[6:]))}, nil)

	f, err := fs.Open(ctx, "/b1/ns/t/f1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), f.Size())

	buf := make([]byte, 8)
	n, err := f.ReadAt(buf, 6)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 4, n)
	assert.Equal(t, "6789", string(buf[:n]))
	client.AssertExpectations(t)
}

func TestS3FS_OpenMissing(t *testing.T) {
	ctx := context.Background()
	client := new(mockS3)
	fs := NewS3FS(client, "backups")
	client.On("HeadObject", ctx, keyIs("missing")).Return(nil, &types.NotFound{})

	_, err := fs.Open(ctx, "missing")
	assert.True(t, IsNotExist(err))
}

func TestS3FS_ExistsFallsBackToPrefix(t *testing.T) {
	ctx := context.Background()
	client := new(mockS3)
	fs := NewS3FS(client, "backups")

	client.On("HeadObject", ctx, keyIs("b1/ns")).Return(nil, &types.NoSuchKey{})
	client.On("ListObjectsV2", ctx, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.Prefix) == "b1/ns/"
	})).Return(&s3.ListObjectsV2Output{Contents: []types.Object{{Key: aws.String("b1/ns/t/x")}}}, nil)

	ok, err := fs.Exists(ctx, "b1/ns")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestS3FS_ListStatus(t *testing.T) {
	ctx := context.Background()
	client := new(mockS3)
	fs := NewS3FS(client, "backups")

	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.Prefix) == "b1/region-1/" && aws.ToString(in.Delimiter) == "/"
	})).Return(&s3.ListObjectsV2Output{
		CommonPrefixes: []types.CommonPrefix{{Prefix: aws.String("b1/region-1/cf2/")}, {Prefix: aws.String("b1/region-1/cf1/")}},
		Contents:       []types.Object{{Key: aws.String("b1/region-1/.regioninfo"), Size: aws.Int64(42)}},
	}, nil)

	entries, err := fs.ListStatus(ctx, "b1/region-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ".regioninfo", entries[0].Name)
	assert.Equal(t, int64(42), entries[0].Size)
	assert.Equal(t, FileStatus{Name: "cf1", Path: "b1/region-1/cf1", IsDir: true}, entries[1])
	assert.Equal(t, "cf2", entries[2].Name)
}

func TestS3FS_CreateUploadsOnClose(t *testing.T) {
	ctx := context.Background()
	client := new(mockS3)
	fs := NewS3FS(client, "backups")

	var uploaded []byte
	client.On("PutObject", ctx, keyIs("out/f")).Run(func(args mock.Arguments) {
		in := args.Get(1).(*s3.PutObjectInput)
		uploaded, _ = io.ReadAll(in.Body)
	}).Return(&s3.PutObjectOutput{}, nil).Once()

	w, err := fs.Create(ctx, "out/f")
	require.NoError(t, err)
	_, _ = w.Write([]byte("abc"))
	client.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.True(t, bytes.Equal([]byte("abc"), uploaded))
	client.AssertExpectations(t)
}

func TestResolver(t *testing.T) {
	client := new(mockS3)
	r := NewResolver(S3Options{}).WithS3Client(client)

	fs, p, err := r.Resolve("s3://backups/root/b1")
	require.NoError(t, err)
	assert.Equal(t, "s3://backups", fs.Authority())
	assert.Equal(t, "root/b1", p)

	again, _, err := r.Resolve("s3://backups/other")
	require.NoError(t, err)
	assert.Same(t, fs, again)

	fs, p, err = r.Resolve("file:///var/backups")
	require.NoError(t, err)
	assert.Equal(t, LocalAuthority, fs.Authority())
	assert.Equal(t, "/var/backups", p)

	_, _, err = r.Resolve("hdfs://nn/backups")
	assert.Error(t, err)
	_, _, err = r.Resolve("s3:///nobucket")
	assert.Error(t, err)
}

func TestURIRoundTrip(t *testing.T) {
	r := NewResolver(S3Options{}).WithS3Client(new(mockS3))

	for _, uri := range []string{"s3://backups/root/b1/ns/t", "file:///tmp/restore/x"} {
		fs, p, err := r.Resolve(uri)
		require.NoError(t, err)
		assert.Equal(t, uri, URI(fs, p))
	}
}
