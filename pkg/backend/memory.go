package backend

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process backend. It backs the engine's tests and doubles as
// a scratch provider for local development.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// OnGet and OnPut, when set, run before the operation and can inject a
	// classified failure for a given path.
	OnGet func(path string) error
	OnPut func(path string) error
	// OnList, when set, runs before each page is delivered and can fail the
	// listing partway through. pageIndex is zero-based.
	OnList func(pageIndex int) error
	// MutateOnPut, when set, replaces the stored bytes. The returned checksum
	// still describes what was stored, which is how checksum-mismatch
	// scenarios are produced.
	MutateOnPut func(path string, data []byte) []byte
}

func openMemory(_ context.Context, _ json.RawMessage) (Backend, error) {
	return NewMemory(), nil
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{objects: map[string][]byte{}}
}

// Seed stores content under path without going through the adapter surface.
func (m *Memory) Seed(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = append([]byte(nil), content...)
}

// Contents returns a copy of the stored object, and whether it exists.
func (m *Memory) Contents(path string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *Memory) List(ctx context.Context, prefix string, fn func(page []ObjectInfo) error) error {
	m.mu.RLock()
	paths := make([]string, 0, len(m.objects))
	for path := range m.objects {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	sizes := make(map[string]int64, len(paths))
	for _, path := range paths {
		sizes[path] = int64(len(m.objects[path]))
	}
	m.mu.RUnlock()

	sort.Strings(paths)
	for start := 0; start < len(paths); start += ListPageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.OnList != nil {
			if err := m.OnList(start / ListPageSize); err != nil {
				return err
			}
		}
		end := start + ListPageSize
		if end > len(paths) {
			end = len(paths)
		}
		page := make([]ObjectInfo, 0, end-start)
		for _, path := range paths[start:end] {
			page = append(page, ObjectInfo{Path: path, SizeBytes: sizes[path]})
		}
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) GetObjectStream(ctx context.Context, path string) (io.ReadCloser, int64, string, error) {
	if m.OnGet != nil {
		if err := m.OnGet(path); err != nil {
			return nil, 0, "", err
		}
	}
	m.mu.RLock()
	data, ok := m.objects[path]
	m.mu.RUnlock()
	if !ok {
		return nil, 0, "", NewError(KindObjectNotFound, "get", path, fmt.Errorf("no such object"))
	}
	sum := md5.Sum(data)
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), hex.EncodeToString(sum[:]), nil
}

func (m *Memory) PutObjectStream(ctx context.Context, path string, r io.Reader, sizeBytes int64) (string, error) {
	if m.OnPut != nil {
		if err := m.OnPut(path); err != nil {
			return "", err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", NewError(KindTransient, "put", path, err)
	}
	if sizeBytes >= 0 && int64(len(data)) != sizeBytes {
		return "", NewError(KindTransient, "put", path, fmt.Errorf("short write: got %d bytes, want %d", len(data), sizeBytes))
	}
	if m.MutateOnPut != nil {
		data = m.MutateOnPut(path, data)
	}
	m.mu.Lock()
	m.objects[path] = data
	m.mu.Unlock()
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path]; !ok {
		return NewError(KindObjectNotFound, "delete", path, fmt.Errorf("no such object"))
	}
	delete(m.objects, path)
	return nil
}
