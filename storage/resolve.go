package storage

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
)

// Resolver turns backup and cluster URIs into a FileSystem plus a path on it.
// S3 filesystems are created lazily, one per bucket.
type Resolver struct {
	s3Options S3Options
	newClient func(S3Options) (S3API, error)

	mu      sync.Mutex
	buckets map[string]*S3FS
}

func NewResolver(s3Options S3Options) *Resolver {
	return &Resolver{
		s3Options: s3Options,
		newClient: func(o S3Options) (S3API, error) { return NewS3Client(o) },
		buckets:   make(map[string]*S3FS),
	}
}

// WithS3Client makes the resolver use client for every bucket.
func (r *Resolver) WithS3Client(client S3API) *Resolver {
	r.newClient = func(S3Options) (S3API, error) { return client, nil }
	return r
}

// Resolve accepts "s3://bucket/key", "file:///abs/path" or a plain local
// path, which is made absolute.
func (r *Resolver) Resolve(uri string) (FileSystem, string, error) {
	if !strings.Contains(uri, "://") {
		abs, err := filepath.Abs(uri)
		if err != nil {
			return nil, "", fmt.Errorf("resolve %q: %w", uri, err)
		}
		return LocalFS{}, filepath.ToSlash(abs), nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, "", fmt.Errorf("resolve %q: %w", uri, err)
	}
	switch u.Scheme {
	case "file":
		return LocalFS{}, u.Path, nil
	case "s3":
		if u.Host == "" {
			return nil, "", fmt.Errorf("resolve %q: missing bucket", uri)
		}
		fs, err := r.bucket(u.Host)
		if err != nil {
			return nil, "", err
		}
		return fs, strings.TrimPrefix(u.Path, "/"), nil
	default:
		return nil, "", fmt.Errorf("resolve %q: unsupported scheme %q", uri, u.Scheme)
	}
}

func (r *Resolver) bucket(name string) (*S3FS, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fs, ok := r.buckets[name]; ok {
		return fs, nil
	}
	client, err := r.newClient(r.s3Options)
	if err != nil {
		return nil, fmt.Errorf("s3 client for bucket %s: %w", name, err)
	}
	fs := NewS3FS(client, name)
	r.buckets[name] = fs
	return fs, nil
}

// URI renders p on fs as a URI that Resolve maps back to the same place.
func URI(fs FileSystem, p string) string {
	if fs.Authority() == LocalAuthority {
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		return LocalAuthority + p
	}
	return fs.Authority() + "/" + strings.TrimPrefix(p, "/")
}

// PathResolver is satisfied by *Resolver and by test doubles.
type PathResolver interface {
	Resolve(uri string) (FileSystem, string, error)
}

var _ PathResolver = (*Resolver)(nil)
