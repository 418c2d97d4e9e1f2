// Package staging implements the blob staging gateway: a filesystem
// object store fronted by signed, time-bounded upload and download
// grants. Clients never touch the store directly; every byte moves
// through a grant redemption.
package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// ObjectStore is the blob backend contract. The filesystem
// implementation below is the only one shipped; the interface keeps
// the gateway testable and leaves room for a bucket-backed store.
type ObjectStore interface {
	Put(key string, r io.Reader, maxBytes int64) (int64, error)
	Get(key string) (io.ReadCloser, int64, error)
	Exists(key string) (bool, error)
	List(prefix string) ([]ObjectInfo, error)
	DeletePrefix(prefix string) (int, error)
}

// FSStore stores objects as files under a root directory. Keys are
// slash-separated paths like tasks/{id}/inputs/{role}.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// resolve maps a key to an absolute path, rejecting traversal.
func (s *FSStore) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FSStore) Put(key string, r io.Reader, maxBytes int64) (int64, error) {
	path, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create object dir: %w", err)
	}

	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create object: %w", err)
	}

	var src io.Reader = r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("write object: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("object exceeds %d bytes", maxBytes)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("finalize object: %w", err)
	}
	return n, nil
}

func (s *FSStore) Get(key string) (io.ReadCloser, int64, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrObjectNotFound
		}
		return nil, 0, fmt.Errorf("open object: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat object: %w", err)
	}
	return f, info.Size(), nil
}

func (s *FSStore) Exists(key string) (bool, error) {
	path, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object: %w", err)
	}
	return true, nil
}

func (s *FSStore) List(prefix string) ([]ObjectInfo, error) {
	dir, err := s.resolve(prefix)
	if err != nil {
		return nil, err
	}
	var out []ObjectInfo
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, ".part") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Key: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list prefix %q: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *FSStore) DeletePrefix(prefix string) (int, error) {
	objects, err := s.List(prefix)
	if err != nil {
		return 0, err
	}
	dir, err := s.resolve(prefix)
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("delete prefix %q: %w", prefix, err)
	}
	return len(objects), nil
}
