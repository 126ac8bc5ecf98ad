// Package fsbackend implements backend.Iface over a local directory tree,
// one subdirectory per namespace. It is the reference implementation used
// by tests and single-node deployments; grounded on warren's
// pkg/storage file-handling idiom (os.MkdirAll / os.RemoveAll / atomic
// rename-on-write) adapted from key-value records to named-object blobs.
package fsbackend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/voldrv/pkg/backend"
	"github.com/cuemby/voldrv/pkg/errs"
)

// Store is a backend.Factory rooted at a base directory; each namespace
// gets its own subdirectory.
type Store struct {
	baseDir string
}

// NewStore creates a filesystem-backed object store rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("fsbackend: create base dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) Connect(namespace string) (backend.Iface, error) {
	dir := filepath.Join(s.baseDir, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fsbackend: create namespace dir: %w", err)
	}
	return &handle{namespace: namespace, dir: dir}, nil
}

type handle struct {
	namespace string
	dir       string
}

func (h *handle) Namespace() string { return h.namespace }

func (h *handle) path(name string) string {
	return filepath.Join(h.dir, name)
}

func (h *handle) Write(ctx context.Context, name string, r io.Reader, overwrite bool, _ backend.RequestParameters) error {
	dst := h.path(name)
	if !overwrite {
		if _, err := os.Stat(dst); err == nil {
			return errs.New(errs.BackendPermanent, "fsbackend.Write", fmt.Errorf("object %q exists", name))
		}
	}
	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errs.New(errs.BackendTransient, "fsbackend.Write", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return errs.New(errs.BackendTransient, "fsbackend.Write", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errs.New(errs.BackendTransient, "fsbackend.Write", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return errs.New(errs.BackendTransient, "fsbackend.Write", err)
	}
	return nil
}

func (h *handle) Read(ctx context.Context, name string, w io.Writer, _ backend.RequestParameters) error {
	f, err := os.Open(h.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return errs.New(errs.BackendPermanent, "fsbackend.Read", err)
		}
		return errs.New(errs.BackendTransient, "fsbackend.Read", err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return errs.New(errs.BackendTransient, "fsbackend.Read", err)
	}
	return nil
}

func (h *handle) PartialRead(ctx context.Context, name string, offset int64, buf []byte, _ backend.RequestParameters) (int, error) {
	f, err := os.Open(h.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errs.New(errs.BackendPermanent, "fsbackend.PartialRead", err)
		}
		return 0, errs.New(errs.BackendTransient, "fsbackend.PartialRead", err)
	}
	defer f.Close()
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, errs.New(errs.BackendTransient, "fsbackend.PartialRead", err)
	}
	return n, nil
}

func (h *handle) Exists(ctx context.Context, name string, _ backend.RequestParameters) (bool, error) {
	_, err := os.Stat(h.path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errs.New(errs.BackendTransient, "fsbackend.Exists", err)
}

func (h *handle) List(ctx context.Context, prefix string, _ backend.RequestParameters) ([]backend.ObjectInfo, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return nil, errs.New(errs.BackendTransient, "fsbackend.List", err)
	}
	var out []backend.ObjectInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, backend.ObjectInfo{Name: e.Name(), Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (h *handle) Delete(ctx context.Context, name string, _ backend.RequestParameters) error {
	err := os.Remove(h.path(name))
	if err != nil && !os.IsNotExist(err) {
		return errs.New(errs.BackendTransient, "fsbackend.Delete", err)
	}
	return nil
}

func (h *handle) Close() error { return nil }
