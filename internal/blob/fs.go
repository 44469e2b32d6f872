package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const metaSuffix = ".meta.json"

// FSStore stores blobs as files under a root directory. Each blob gets a
// sidecar <key>.meta.json carrying content type and user metadata. Keys use
// forward slashes and must stay inside the root.
type FSStore struct {
	root  string
	nowFn func() time.Time
}

// NewFSStore creates (if needed) the root directory and returns a store.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob: empty root directory")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	return &FSStore{root: root, nowFn: time.Now}, nil
}

// SetNowFunc overrides the clock, for tests.
func (s *FSStore) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}

// Driver reports the filesystem driver.
func (s *FSStore) Driver() Driver { return DriverFilesystem }

// Root returns the root directory.
func (s *FSStore) Root() string { return s.root }

func (s *FSStore) resolve(key string) (string, error) {
	if key == "" || strings.HasSuffix(key, metaSuffix) {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	return filepath.Join(s.root, cleaned), nil
}

type fsMeta struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	StoredAt    time.Time         `json:"stored_at"`
}

// Put writes a new blob and its metadata sidecar, failing if the key exists.
func (s *FSStore) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error) {
	path, err := s.resolve(key)
	if err != nil {
		return Info{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return Info{}, fmt.Errorf("create dirs: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return Info{}, fmt.Errorf("blob: key %q already exists", key)
		}
		return Info{}, fmt.Errorf("create blob: %w", err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return Info{}, fmt.Errorf("write blob: %w", err)
	}
	meta := fsMeta{ContentType: opts.ContentType, Metadata: cloneMetadata(opts.Metadata), StoredAt: s.nowFn().UTC()}
	if err := s.writeMeta(path, meta); err != nil {
		_ = os.Remove(path)
		return Info{}, err
	}
	return Info{Key: key, Size: size, ContentType: meta.ContentType, Metadata: cloneMetadata(meta.Metadata), LastModified: meta.StoredAt}, nil
}

func (s *FSStore) writeMeta(path string, meta fsMeta) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	if err := os.WriteFile(path+metaSuffix, encoded, 0o640); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

func (s *FSStore) readMeta(path string) (fsMeta, error) {
	encoded, err := os.ReadFile(path + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fsMeta{}, nil
		}
		return fsMeta{}, fmt.Errorf("read meta: %w", err)
	}
	var meta fsMeta
	if err := json.Unmarshal(encoded, &meta); err != nil {
		return fsMeta{}, fmt.Errorf("decode meta: %w", err)
	}
	return meta, nil
}

func (s *FSStore) stat(key, path string) (Info, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, fmt.Errorf("blob: key %q not found", key)
		}
		return Info{}, fmt.Errorf("stat blob: %w", err)
	}
	meta, err := s.readMeta(path)
	if err != nil {
		return Info{}, err
	}
	modified := meta.StoredAt
	if modified.IsZero() {
		modified = fi.ModTime().UTC()
	}
	return Info{Key: key, Size: fi.Size(), ContentType: meta.ContentType, Metadata: meta.Metadata, LastModified: modified}, nil
}

// Get opens the blob for reading.
func (s *FSStore) Get(ctx context.Context, key string) (Info, io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return Info{}, nil, err
	}
	info, err := s.stat(key, path)
	if err != nil {
		return Info{}, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Info{}, nil, fmt.Errorf("open blob: %w", err)
	}
	return info, f, nil
}

// Head returns blob metadata.
func (s *FSStore) Head(ctx context.Context, key string) (Info, error) {
	path, err := s.resolve(key)
	if err != nil {
		return Info{}, err
	}
	return s.stat(key, path)
}

// Delete removes the blob and its sidecar.
func (s *FSStore) Delete(ctx context.Context, key string) (bool, error) {
	path, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove blob: %w", err)
	}
	_ = os.Remove(path + metaSuffix)
	return true, nil
}

// List walks the root and returns blobs whose key has the prefix.
func (s *FSStore) List(ctx context.Context, prefix string) ([]Info, error) {
	var infos []Info
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := s.stat(key, path)
		if err != nil {
			return err
		}
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk blobs: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Rename moves a blob and its sidecar to a new key.
func (s *FSStore) Rename(ctx context.Context, oldKey, newKey string) error {
	oldPath, err := s.resolve(oldKey)
	if err != nil {
		return err
	}
	newPath, err := s.resolve(newKey)
	if err != nil {
		return err
	}
	if _, err := os.Stat(oldPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("blob: key %q not found", oldKey)
		}
		return fmt.Errorf("stat blob: %w", err)
	}
	if _, err := os.Stat(newPath); err == nil {
		return fmt.Errorf("blob: key %q already exists", newKey)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat destination: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0o750); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename blob: %w", err)
	}
	if err := os.Rename(oldPath+metaSuffix, newPath+metaSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("rename meta: %w", err)
	}
	return nil
}

var _ Store = (*FSStore)(nil)
