package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TempStore buffers received bytes between an ingress service and the
// uploader. Keys are the TemporaryPath values recorded in file metadata.
// Disk survives a restart in principle, Memory never does; either way
// pending rows are purged at startup, so the buffer only has to live as
// long as the process.
type TempStore interface {
	Create(key string) (io.WriteCloser, error)
	Open(key string) (io.ReadCloser, int64, error)
	Remove(key string) error
}

// DiskTemp buffers under a local directory.
type DiskTemp struct {
	root string
}

func NewDiskTemp(root string) (*DiskTemp, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: temp dir: %w", err)
	}
	return &DiskTemp{root: root}, nil
}

func (t *DiskTemp) path(key string) (string, error) {
	p := filepath.Join(t.root, filepath.FromSlash(key))
	if !strings.HasPrefix(p, filepath.Clean(t.root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("storage: temp key %q escapes root", key)
	}
	return p, nil
}

func (t *DiskTemp) Create(key string) (io.WriteCloser, error) {
	p, err := t.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("storage: temp mkdir: %w", err)
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("storage: temp create: %w", err)
	}
	return f, nil
}

func (t *DiskTemp) Open(key string) (io.ReadCloser, int64, error) {
	p, err := t.path(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, 0, ErrObjectNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("storage: temp open: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("storage: temp stat: %w", err)
	}
	return f, st.Size(), nil
}

func (t *DiskTemp) Remove(key string) error {
	p, err := t.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: temp remove: %w", err)
	}
	return nil
}

// MemTemp buffers in process memory.
type MemTemp struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemTemp() *MemTemp {
	return &MemTemp{data: make(map[string][]byte)}
}

type memWriter struct {
	buf  bytes.Buffer
	done func([]byte)
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *memWriter) Close() error {
	w.done(w.buf.Bytes())
	return nil
}

func (t *MemTemp) Create(key string) (io.WriteCloser, error) {
	return &memWriter{done: func(b []byte) {
		t.mu.Lock()
		t.data[key] = b
		t.mu.Unlock()
	}}, nil
}

func (t *MemTemp) Open(key string) (io.ReadCloser, int64, error) {
	t.mu.Lock()
	b, ok := t.data[key]
	t.mu.Unlock()
	if !ok {
		return nil, 0, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

func (t *MemTemp) Remove(key string) error {
	t.mu.Lock()
	delete(t.data, key)
	t.mu.Unlock()
	return nil
}
