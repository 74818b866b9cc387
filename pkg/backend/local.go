package backend

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// localBackend stores objects as files under a root directory. Object paths
// map to slash-separated relative paths.
type localBackend struct {
	root string
}

func openLocal(_ context.Context, config json.RawMessage) (Backend, error) {
	var cfg LocalConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("local config: root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, classifyLocal("mkdir", cfg.Root, err)
	}
	return &localBackend{root: cfg.Root}, nil
}

// NewLocal returns a local-disk backend rooted at dir. Exported for operator
// tooling and tests; Open(ProviderLocal, ...) is the normal path.
func NewLocal(dir string) Backend {
	return &localBackend{root: dir}
}

func (b *localBackend) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(path))
	full := filepath.Join(b.root, clean)
	if !strings.HasPrefix(full, filepath.Clean(b.root)+string(os.PathSeparator)) && full != filepath.Clean(b.root) {
		return "", fmt.Errorf("path %q escapes storage root", path)
	}
	return full, nil
}

func (b *localBackend) List(ctx context.Context, prefix string, fn func(page []ObjectInfo) error) error {
	page := make([]ObjectInfo, 0, ListPageSize)
	flush := func() error {
		if len(page) == 0 {
			return nil
		}
		err := fn(page)
		page = page[:0]
		return err
	}

	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return classifyLocal("list", path, err)
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return classifyLocal("list", path, err)
		}
		page = append(page, ObjectInfo{Path: key, SizeBytes: info.Size()})
		if len(page) >= ListPageSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

func (b *localBackend) GetObjectStream(ctx context.Context, path string) (io.ReadCloser, int64, string, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, 0, "", NewError(KindObjectNotFound, "get", path, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, "", classifyLocal("get", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, "", classifyLocal("get", path, err)
	}
	return f, info.Size(), "", nil
}

func (b *localBackend) PutObjectStream(ctx context.Context, path string, r io.Reader, sizeBytes int64) (string, error) {
	full, err := b.resolve(path)
	if err != nil {
		return "", NewError(KindTransient, "put", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", classifyLocal("put", path, err)
	}

	// Write through a temp file and rename so a crashed copy never leaves a
	// partial object at the final path.
	tmp, err := os.CreateTemp(filepath.Dir(full), ".migrate-*")
	if err != nil {
		return "", classifyLocal("put", path, err)
	}
	hasher := md5.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err == nil && sizeBytes >= 0 && written != sizeBytes {
		err = fmt.Errorf("short write: got %d bytes, want %d", written, sizeBytes)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", classifyLocal("put", path, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return "", classifyLocal("put", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (b *localBackend) Delete(ctx context.Context, path string) error {
	full, err := b.resolve(path)
	if err != nil {
		return NewError(KindObjectNotFound, "delete", path, err)
	}
	if err := os.Remove(full); err != nil {
		return classifyLocal("delete", path, err)
	}
	return nil
}

func classifyLocal(op, path string, err error) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return NewError(KindObjectNotFound, op, path, err)
	case os.IsPermission(err):
		return NewError(KindAuthorization, op, path, err)
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return NewError(KindQuotaExceeded, op, path, err)
	default:
		return NewError(KindTransient, op, path, err)
	}
}
