// Package backend defines the uniform storage adapter the migration engine
// copies between, plus the provider implementations and the error taxonomy
// the engine's retry policy is built on.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
)

// ObjectInfo describes one stored object in a listing page.
type ObjectInfo struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// ListPageSize is the page size adapters aim for when streaming listings.
const ListPageSize = 1000

// Backend is the uniform capability every storage provider exposes to the
// engine. Implementations must be safe for concurrent use: the copy worker
// pool shares one source and one target backend across all workers.
type Backend interface {
	// List streams listing pages under prefix to fn, in provider order,
	// without ever materializing the full listing. fn returning an error
	// stops the enumeration and is returned as-is.
	List(ctx context.Context, prefix string, fn func(page []ObjectInfo) error) error

	// GetObjectStream opens a read stream for path. The checksum is the
	// provider-reported content MD5 (hex, empty when the provider has none);
	// the engine computes its own single-pass checksum while reading.
	GetObjectStream(ctx context.Context, path string) (r io.ReadCloser, sizeBytes int64, checksum string, err error)

	// PutObjectStream writes size bytes from r to path and returns the
	// provider-reported content MD5 (hex) of what was actually stored. That
	// value is what integrity verification compares against.
	PutObjectStream(ctx context.Context, path string, r io.Reader, sizeBytes int64) (checksum string, err error)

	// Delete removes path. Used only by operator cleanup tooling; the
	// migration engine itself never deletes from the source.
	Delete(ctx context.Context, path string) error
}

// Factory builds a backend from its opaque JSON config blob.
type Factory func(ctx context.Context, config json.RawMessage) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register installs a provider factory. Later registrations for the same
// provider win, which lets tests swap in fakes.
func Register(provider string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[provider] = f
}

// Providers returns the registered provider names, sorted.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds a backend for the named provider from its config blob.
func Open(ctx context.Context, provider string, config json.RawMessage) (Backend, error) {
	registryMu.RLock()
	f, ok := registry[provider]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown storage provider %q", provider)
	}
	b, err := f(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", provider, err)
	}
	return b, nil
}

func init() {
	Register(ProviderLocal, openLocal)
	Register(ProviderS3, openS3)
	Register(ProviderPlatform, openPlatform)
	Register(ProviderGCS, openGCS)
	Register(ProviderAzure, openAzure)
	Register(ProviderMemory, openMemory)
}
