// Package disk implements storage.Backend on a local filesystem. Every write
// lands in a temp file, is synced, then renamed into place.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"pkt.systems/leasewire/internal/storage"
	"pkt.systems/pslog"
)

const infoSuffix = ".info.json"

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	Now  func() time.Time
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root      string
	objectDir string
	tmpDir    string
	lockDir   string
	now       func() time.Time

	locks sync.Map
}

type fileLock struct {
	mu   *sync.Mutex
	file *os.File
}

func (f *fileLock) Unlock() error {
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:      root,
		objectDir: filepath.Join(root, "objects"),
		tmpDir:    filepath.Join(root, "tmp"),
		lockDir:   filepath.Join(root, "locks"),
		now:       cfg.Now,
	}
	for _, dir := range []string{s.objectDir, s.tmpDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the directory the store writes under.
func (s *Store) Root() string { return s.root }

// Close satisfies storage.Backend.
func (s *Store) Close() error { return nil }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", "disk")
}

func normalizeKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: object key required")
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || strings.HasSuffix(clean, infoSuffix) {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return clean, nil
}

func encodeNamespace(namespace string) (string, error) {
	if namespace == "" {
		return "", fmt.Errorf("disk: namespace required")
	}
	encoded := url.PathEscape(namespace)
	if encoded == "." || encoded == ".." {
		return "", fmt.Errorf("disk: invalid namespace %q", namespace)
	}
	return encoded, nil
}

func (s *Store) dataPath(namespace, key string) (string, string, error) {
	ns, err := encodeNamespace(namespace)
	if err != nil {
		return "", "", err
	}
	clean, err := normalizeKey(key)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(s.objectDir, ns, filepath.FromSlash(clean)), clean, nil
}

// lock serialises writers of one object across goroutines and processes.
func (s *Store) lock(namespace, key string) (*fileLock, error) {
	ns, err := encodeNamespace(namespace)
	if err != nil {
		return nil, err
	}
	clean, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	lockPath := filepath.Join(s.lockDir, ns, filepath.FromSlash(clean)+".lock")
	muAny, _ := s.locks.LoadOrStore(lockPath, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: prepare lock directory: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	return &fileLock{mu: mu, file: f}, nil
}

func (s *Store) loadInfo(dataPath, key string) (*storage.ObjectInfo, error) {
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	payload, err := os.ReadFile(dataPath + infoSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("disk: missing object metadata for %q", key)
		}
		return nil, fmt.Errorf("disk: read object metadata for %q: %w", key, err)
	}
	var rec objectInfoRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode object metadata for %q: %w", key, err)
	}
	if rec.ETag == "" {
		return nil, fmt.Errorf("disk: object %q missing etag", key)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
		ContentType:  rec.ContentType,
	}, nil
}

// GetObject streams the object payload for key.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	logger := s.logger(ctx)
	dataPath, clean, err := s.dataPath(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("disk.get_object.open_error", "namespace", namespace, "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	info, err := s.loadInfo(dataPath, clean)
	if err != nil {
		f.Close()
		return storage.GetObjectResult{}, err
	}
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

// PutObject writes an object with optional conditional semantics.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (info *storage.ObjectInfo, err error) {
	logger := s.logger(ctx)
	dataPath, clean, err := s.dataPath(namespace, key)
	if err != nil {
		return nil, err
	}
	lock, err := s.lock(namespace, clean)
	if err != nil {
		return nil, err
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil && err == nil {
			err = fmt.Errorf("disk: unlock %q: %w", key, uerr)
		}
	}()
	if opts.IfNotExists || opts.ExpectedETag != "" {
		current, err := s.loadInfo(dataPath, clean)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		switch {
		case opts.ExpectedETag != "" && current == nil:
			return nil, storage.ErrNotFound
		case opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag:
			logger.Debug("disk.put_object.cas_mismatch", "key", clean, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag == "" && current != nil:
			return nil, storage.ErrExists
		}
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	hasher := sha256.New()
	written, err := s.writeAtomic(dataPath, io.TeeReader(body, hasher))
	if err != nil {
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	now := s.now()
	etag := hex.EncodeToString(hasher.Sum(nil))
	rec, err := json.Marshal(objectInfoRecord{ETag: etag, ContentType: opts.ContentType, UpdatedAtUnix: now.Unix()})
	if err != nil {
		return nil, fmt.Errorf("disk: encode object metadata for %q: %w", key, err)
	}
	if _, err := s.writeAtomic(dataPath+infoSuffix, strings.NewReader(string(rec))); err != nil {
		return nil, fmt.Errorf("disk: write object metadata for %q: %w", key, err)
	}
	_ = syncDir(filepath.Dir(dataPath))
	logger.Trace("disk.put_object.success", "namespace", namespace, "key", clean, "size", written, "etag", etag)
	return &storage.ObjectInfo{
		Key:          clean,
		ETag:         etag,
		Size:         written,
		LastModified: now,
		ContentType:  opts.ContentType,
	}, nil
}

// DeleteObject removes an object, applying optional CAS semantics.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) (err error) {
	logger := s.logger(ctx)
	dataPath, clean, err := s.dataPath(namespace, key)
	if err != nil {
		return err
	}
	lock, err := s.lock(namespace, clean)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil && err == nil {
			err = fmt.Errorf("disk: unlock %q: %w", key, uerr)
		}
	}()
	info, err := s.loadInfo(dataPath, clean)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
			return nil
		}
		return err
	}
	if opts.ExpectedETag != "" && info.ETag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("disk.delete_object.remove_error", "key", clean, "error", err)
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	if err := os.Remove(dataPath + infoSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object metadata %q: %w", key, err)
	}
	s.pruneDirs(filepath.Dir(dataPath))
	return nil
}

// pruneDirs removes empty parents up to and including the namespace dir.
func (s *Store) pruneDirs(dir string) {
	for dir != s.objectDir && strings.HasPrefix(dir, s.objectDir) {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscall.ENOTEMPTY) {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// ListObjects enumerates objects in lexical key order.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	ns, err := encodeNamespace(namespace)
	if err != nil {
		return nil, err
	}
	nsDir := filepath.Join(s.objectDir, ns)
	keys := make([]string, 0, 64)
	err = filepath.WalkDir(nsDir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) {
				return filepath.SkipDir
			}
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), infoSuffix) {
			return nil
		}
		rel, err := filepath.Rel(nsDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, opts.Prefix) {
			return nil
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		s.logger(ctx).Debug("disk.list_objects.walk_error", "namespace", namespace, "error", err)
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)
	limit := len(keys)
	if opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	result := &storage.ListResult{Objects: make([]storage.ObjectInfo, 0, limit)}
	for _, key := range keys[:limit] {
		info, err := s.loadInfo(filepath.Join(nsDir, filepath.FromSlash(key)), key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Objects = append(result.Objects, *info)
	}
	if limit < len(keys) {
		result.Truncated = true
		result.NextStartAfter = keys[limit-1]
	}
	return result, nil
}

// ListNamespaces reports every namespace directory under the store root.
func (s *Store) ListNamespaces(context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.objectDir)
	if err != nil {
		return nil, fmt.Errorf("disk: list namespaces: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ns, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) writeAtomic(dest string, src io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(s.tmpDir, "leasewire-*")
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(tmp, src)
	if err == nil {
		err = syncFile(tmp)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return written, nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
