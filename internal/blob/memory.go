package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by unit tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
	nowFn func() time.Time
}

type memoryBlob struct {
	data []byte
	info Info
}

// NewMemoryStore constructs an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]memoryBlob), nowFn: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (m *MemoryStore) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		m.nowFn = fn
	}
}

// Driver reports the memory driver.
func (m *MemoryStore) Driver() Driver { return DriverMemory }

// Put stores a new blob, failing if the key already exists.
func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error) {
	if key == "" {
		return Info{}, fmt.Errorf("blob: empty key")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Info{}, fmt.Errorf("read payload: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.blobs[key]; exists {
		return Info{}, fmt.Errorf("blob: key %q already exists", key)
	}
	info := Info{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  opts.ContentType,
		Metadata:     cloneMetadata(opts.Metadata),
		LastModified: m.nowFn().UTC(),
	}
	m.blobs[key] = memoryBlob{data: data, info: info}
	return cloneInfo(info), nil
}

// Get returns the blob content and metadata for key.
func (m *MemoryStore) Get(ctx context.Context, key string) (Info, io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	if !ok {
		return Info{}, nil, fmt.Errorf("blob: key %q not found", key)
	}
	data := append([]byte(nil), b.data...)
	return cloneInfo(b.info), io.NopCloser(bytes.NewReader(data)), nil
}

// Head returns blob metadata without the content.
func (m *MemoryStore) Head(ctx context.Context, key string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	if !ok {
		return Info{}, fmt.Errorf("blob: key %q not found", key)
	}
	return cloneInfo(b.info), nil
}

// Delete removes the blob if present.
func (m *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[key]; !ok {
		return false, nil
	}
	delete(m.blobs, key)
	return true, nil
}

// List returns blobs with the given key prefix in key order.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var infos []Info
	for key, b := range m.blobs {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, cloneInfo(b.info))
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Rename moves a blob to newKey, failing if newKey is taken.
func (m *MemoryStore) Rename(ctx context.Context, oldKey, newKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[oldKey]
	if !ok {
		return fmt.Errorf("blob: key %q not found", oldKey)
	}
	if _, taken := m.blobs[newKey]; taken {
		return fmt.Errorf("blob: key %q already exists", newKey)
	}
	b.info.Key = newKey
	m.blobs[newKey] = b
	delete(m.blobs, oldKey)
	return nil
}

func cloneInfo(info Info) Info {
	info.Metadata = cloneMetadata(info.Metadata)
	return info
}

func cloneMetadata(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
