package mapservice

import (
	"context"
	"sync"
)

// MemoryClient is an in-process fake used by tests and the memory-only dev
// setup. It records calls and serves canned feature lists per map key.
type MemoryClient struct {
	mu       sync.Mutex
	features map[string][]Feature
	err      error
	calls    []string
}

// NewMemoryClient returns an empty fake conversion client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{features: make(map[string][]Feature)}
}

// SetFeatures installs the feature list returned for mapKey.
func (m *MemoryClient) SetFeatures(mapKey string, features []Feature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features[mapKey] = append([]Feature(nil), features...)
}

// Fail makes every subsequent call return err.
func (m *MemoryClient) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the method names invoked so far.
func (m *MemoryClient) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MemoryClient) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return m.err
}

func (m *MemoryClient) DetectFeatures(ctx context.Context, mapKey string) ([]Feature, error) {
	if err := m.record("detect_features"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Feature(nil), m.features[mapKey]...), nil
}

func (m *MemoryClient) GeneratePreview(ctx context.Context, mapKey, previewKey string, opts RenderOptions) error {
	return m.record("generate_preview")
}

func (m *MemoryClient) ExportGenBank(ctx context.Context, mapKey, genbankKey string) error {
	return m.record("export_genbank")
}

func (m *MemoryClient) ImportGenBank(ctx context.Context, genbankKey, mapKey string) error {
	return m.record("import_genbank")
}

func (m *MemoryClient) Close() error { return nil }

var _ Client = (*MemoryClient)(nil)
