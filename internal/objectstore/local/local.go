// Package local implements the objectstore contracts on a directory tree.
// Each bucket is a subdirectory of the root and object keys are
// slash-separated paths below it. User metadata lives in an optional
// "<key>.meta.json" sidecar file.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/nickcecere/facesync/internal/objectstore"
)

// MetadataSuffix is appended to an object path to locate its metadata sidecar.
const MetadataSuffix = ".meta.json"

// Patterns never listed as objects.
var defaultIgnorePatterns = []string{
	"*" + MetadataSuffix,
	".*.tmp",
	".DS_Store",
	"Thumbs.db",
}

// Store implements objectstore.Backend on the local file system.
type Store struct {
	root      string
	recursive bool
	ignorer   *gitignore.GitIgnore

	mu sync.Mutex // serializes conditional writes
}

// Option configures a Store.
type Option func(*Store)

// WithRecursive lists every file below the prefix instead of only direct children.
func WithRecursive(recursive bool) Option {
	return func(s *Store) {
		s.recursive = recursive
	}
}

// WithIgnorePatterns adds gitignore-style patterns excluded from listings.
func WithIgnorePatterns(patterns ...string) Option {
	return func(s *Store) {
		s.ignorer = gitignore.CompileIgnoreLines(append(patterns, defaultIgnorePatterns...)...)
	}
}

// NewStore creates a store rooted at root.
func NewStore(root string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("root path does not exist: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path is not a directory: %s", abs)
	}

	s := &Store{
		root:    abs,
		ignorer: gitignore.CompileIgnoreLines(defaultIgnorePatterns...),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the file system path of an object.
func (s *Store) Path(bucket, key string) string {
	return filepath.Join(s.root, bucket, filepath.FromSlash(key))
}

// Dir returns the directory that holds the objects under prefix.
func (s *Store) Dir(bucket, prefix string) string {
	dir := prefix
	if !strings.HasSuffix(prefix, "/") {
		dir = pathDir(prefix)
	}
	return filepath.Join(s.root, bucket, filepath.FromSlash(dir))
}

// List returns a page of objects in lexical key order. The token is the
// offset of the next entry.
func (s *Store) List(ctx context.Context, bucket, prefix string, pageSize int, token string) (*objectstore.Page, error) {
	keys, err := s.keys(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}

	start := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 || n > len(keys) {
			return nil, fmt.Errorf("invalid continuation token %q", token)
		}
		start = n
	}
	if pageSize <= 0 {
		pageSize = len(keys)
	}
	end := min(start+pageSize, len(keys))

	page := &objectstore.Page{Entries: make([]objectstore.Entry, 0, end-start)}
	for _, key := range keys[start:end] {
		path := s.Path(bucket, key)
		info, err := os.Stat(path)
		if err != nil {
			log.Debug("Failed to stat object", "path", path, "error", err)
			continue
		}
		hash, err := hashFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", path, err)
		}
		page.Entries = append(page.Entries, objectstore.Entry{Key: key, Checksum: hash, Size: info.Size()})
	}
	if end < len(keys) {
		page.HasMore = true
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

// keys walks the bucket directory and returns the sorted keys under prefix.
func (s *Store) keys(ctx context.Context, bucket, prefix string) ([]string, error) {
	bucketDir := filepath.Join(s.root, bucket)
	start := s.Dir(bucket, prefix)

	var keys []string
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == start {
				return filepath.SkipAll
			}
			log.Debug("Error accessing path", "path", path, "error", err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, err := filepath.Rel(bucketDir, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)

		if d.IsDir() {
			if path == start {
				return nil
			}
			if !s.recursive || s.ignorer.MatchesPath(key+"/") {
				return filepath.SkipDir
			}
			return nil
		}

		if !strings.HasPrefix(key, prefix) || s.ignorer.MatchesPath(key) {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s/%s: %w", bucket, prefix, err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Get reads an object and its metadata sidecar.
func (s *Store) Get(ctx context.Context, bucket, key string) (*objectstore.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.Path(bucket, key)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	obj := &objectstore.Object{Payload: data, Metadata: map[string]string{}}
	meta, err := os.ReadFile(path + MetadataSuffix)
	switch {
	case err == nil:
		if err := json.Unmarshal(meta, &obj.Metadata); err != nil {
			log.Warn("Ignoring malformed metadata sidecar", "path", path+MetadataSuffix, "error", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read metadata for %s: %w", path, err)
	}
	return obj, nil
}

// Read returns the blob and the xxhash of its content as revision.
func (s *Store) Read(ctx context.Context, bucket, key string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	path := s.Path(bucket, key)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, objectstore.HashContent(data), nil
}

// Stat hashes the blob in place. Local files carry no stored revision.
func (s *Store) Stat(ctx context.Context, bucket, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := s.Path(bucket, key)
	sum, err := hashFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return sum, nil
}

// Write replaces the blob through a temp file and rename. The precondition
// is checked under a process-wide lock.
func (s *Store) Write(ctx context.Context, bucket, key string, data []byte, opts objectstore.WriteOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(bucket, key)
	if opts.IfAbsent || opts.IfRevision != "" {
		current, err := hashFile(path)
		exists := err == nil
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to hash %s: %w", path, err)
		}
		if opts.IfAbsent && exists {
			return "", objectstore.ErrPreconditionFailed
		}
		if opts.IfRevision != "" && (!exists || current != opts.IfRevision) {
			return "", objectstore.ErrPreconditionFailed
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}

	return objectstore.HashContent(data), nil
}

// WriteMetadata stores the metadata sidecar for an object.
func (s *Store) WriteMetadata(bucket, key string, metadata map[string]string) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	return os.WriteFile(s.Path(bucket, key)+MetadataSuffix, data, 0o644)
}

// hashFile computes the xxhash of a file's contents.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return fmt.Sprintf("%016x", h.Sum64()), nil
}

func pathDir(key string) string {
	i := strings.LastIndex(key, "/")
	if i < 0 {
		return ""
	}
	return key[:i+1]
}

var _ objectstore.Backend = (*Store)(nil)
