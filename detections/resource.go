package detections

import (
	"fmt"
	"os"
	"sync"
)

// ModelResource gives byte access to a model file on disk. On unix the file is
// memory-mapped read-only; elsewhere it is read into memory.
type ModelResource struct {
	Path string

	mu     sync.Mutex
	data   []byte
	unmap  func() error
	closed bool
}

// OpenModelResource checks that path names a non-empty regular file.
func OpenModelResource(path string) (*ModelResource, error) {
	if path == "" {
		return nil, newError(ErrModelNotLoaded, "open model", fmt.Errorf("no model path configured"))
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, newError(ErrModelNotLoaded, "open model", err)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return nil, newError(ErrModelNotLoaded, "open model", fmt.Errorf("%s is not a usable model file", path))
	}
	return &ModelResource{Path: path}, nil
}

// Exists reports whether path can back a ModelResource.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Bytes returns the model contents. The slice is valid until Close.
func (r *ModelResource) Bytes() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("model resource %s is closed", r.Path)
	}
	if r.data != nil {
		return r.data, nil
	}

	data, unmap, err := mapFile(r.Path)
	if err != nil {
		return nil, newError(ErrModelNotLoaded, "read model", err)
	}
	r.data, r.unmap = data, unmap
	return r.data, nil
}

func (r *ModelResource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.data = nil
	if r.unmap != nil {
		return r.unmap()
	}
	return nil
}
