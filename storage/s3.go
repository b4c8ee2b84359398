package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the part of *s3.Client used by S3FS.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Options configures an S3-compatible object store. Credentials are read
// from the named environment variables.
type S3Options struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
}

// NewS3Client builds an S3 client from options. A custom endpoint switches to
// path-style addressing, which MinIO and most compatible stores require.
func NewS3Client(opts S3Options) (*s3.Client, error) {
	accessKey := os.Getenv(opts.AccessKeyEnv)
	if accessKey == "" {
		return nil, fmt.Errorf("S3 access key environment variable %q is not set", opts.AccessKeyEnv)
	}
	secretKey := os.Getenv(opts.SecretKeyEnv)
	if secretKey == "" {
		return nil, fmt.Errorf("S3 secret key environment variable %q is not set", opts.SecretKeyEnv)
	}

	optFns := []func(*s3.Options){
		func(o *s3.Options) {
			o.Region = opts.Region
			o.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
		},
	}
	if opts.Endpoint != "" {
		optFns = append(optFns, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.New(s3.Options{}, optFns...), nil
}

// S3FS maps slash-separated paths onto object keys in one bucket. Directories
// are key prefixes and exist as long as some object lives below them.
type S3FS struct {
	client S3API
	bucket string
}

var _ FileSystem = (*S3FS)(nil)

func NewS3FS(client S3API, bucket string) *S3FS {
	return &S3FS{client: client, bucket: bucket}
}

func (s *S3FS) Authority() string { return "s3://" + s.bucket }

func objectKey(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func dirPrefix(p string) string {
	k := objectKey(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *S3FS) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(objectKey(p))})
	if err == nil {
		return true, nil
	}
	if !isS3NotFound(err) {
		return false, fmt.Errorf("head s3://%s/%s: %w", s.bucket, objectKey(p), err)
	}
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(dirPrefix(p)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("list s3://%s/%s: %w", s.bucket, dirPrefix(p), err)
	}
	return len(out.Contents) > 0, nil
}

func (s *S3FS) ListStatus(ctx context.Context, p string) ([]FileStatus, error) {
	prefix := dirPrefix(p)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var out []FileStatus
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			out = append(out, FileStatus{Name: name, Path: path.Join(p, name), IsDir: true})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue
			}
			out = append(out, FileStatus{Name: name, Path: path.Join(p, name), Size: aws.ToInt64(obj.Size)})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, prefix, ErrNotExist)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *S3FS) Delete(ctx context.Context, p string, recursive bool) error {
	keys := []string{objectKey(p)}
	if recursive {
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(dirPrefix(p)),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("list s3://%s/%s for delete: %w", s.bucket, dirPrefix(p), err)
			}
			for _, obj := range page.Contents {
				keys = append(keys, aws.ToString(obj.Key))
			}
		}
	}

	// DeleteObjects accepts at most 1000 keys per call.
	for start := 0; start < len(keys); start += 1000 {
		end := min(start+1000, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete s3://%s/%s: %w", s.bucket, objectKey(p), err)
		}
	}
	return nil
}

func (s *S3FS) Open(ctx context.Context, p string) (File, error) {
	key := objectKey(p)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("open s3://%s/%s: %w", s.bucket, key, ErrNotExist)
		}
		return nil, fmt.Errorf("open s3://%s/%s: %w", s.bucket, key, err)
	}
	return &s3Object{ctx: ctx, fs: s, key: key, size: aws.ToInt64(head.ContentLength)}, nil
}

type s3Object struct {
	ctx  context.Context
	fs   *S3FS
	key  string
	size int64
}

func (o *s3Object) Size() int64 { return o.size }

func (o *s3Object) Close() error { return nil }

// ReadAt issues one ranged GET per call.
func (o *s3Object) ReadAt(p []byte, off int64) (int, error) {
	if off >= o.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	var eof error
	if off+want > o.size {
		want = o.size - off
		eof = io.EOF
	}
	if want == 0 {
		return 0, eof
	}
	out, err := o.fs.client.GetObject(o.ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.fs.bucket),
		Key:    aws.String(o.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+want-1)),
	})
	if err != nil {
		return 0, fmt.Errorf("get s3://%s/%s: %w", o.fs.bucket, o.key, err)
	}
	defer out.Body.Close()
	n, err := io.ReadFull(out.Body, p[:want])
	if err != nil {
		return n, fmt.Errorf("read s3://%s/%s: %w", o.fs.bucket, o.key, err)
	}
	return n, eof
}

// Create buffers the object in memory and uploads it on Close.
func (s *S3FS) Create(ctx context.Context, p string) (io.WriteCloser, error) {
	return &s3Upload{ctx: ctx, fs: s, key: objectKey(p)}, nil
}

type s3Upload struct {
	ctx    context.Context
	fs     *S3FS
	key    string
	buf    bytes.Buffer
	closed bool
}

func (u *s3Upload) Write(p []byte) (int, error) { return u.buf.Write(p) }

func (u *s3Upload) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true
	_, err := u.fs.client.PutObject(u.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.fs.bucket),
		Key:           aws.String(u.key),
		Body:          bytes.NewReader(u.buf.Bytes()),
		ContentLength: aws.Int64(int64(u.buf.Len())),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", u.fs.bucket, u.key, err)
	}
	return nil
}

// Abort discards the buffered object.
func (u *s3Upload) Abort() error {
	u.closed = true
	u.buf.Reset()
	return nil
}

// MkdirAll is a no-op; prefixes need no creation.
func (s *S3FS) MkdirAll(context.Context, string) error { return nil }
