// Package store is the byte storage the agent keeps its image asset in.
//
// Paths are slash-separated and rooted ("/screen.png"), the way the asset is referenced
// across the download and decode phases. Dir maps them onto a directory of the local
// filesystem and refuses paths that would escape it.
package store

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// File is an open asset for reading.
type File interface {
	io.Reader
	io.Seeker
	io.Closer
	// Size returns the file length in bytes at open time.
	Size() int64
}

// Store is a file-like facility addressed by path.
type Store interface {
	Exists(name string) (bool, error)
	Remove(name string) error
	Create(name string) (io.WriteCloser, error)
	Open(name string) (File, error)
}

// StorageError reports a failed storage operation.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return "store: " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrInvalidPath is returned for empty paths or paths that leave the store root.
var ErrInvalidPath = errors.New("invalid path")

// Dir is a Store rooted at a directory.
type Dir struct {
	root string
}

// NewDir returns a Store rooted at root, creating the directory if needed.
func NewDir(root string) (*Dir, error) {
	if strings.TrimSpace(root) == "" {
		return nil, &StorageError{Op: "mount", Path: root, Err: ErrInvalidPath}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &StorageError{Op: "mount", Path: root, Err: err}
	}
	return &Dir{root: root}, nil
}

// Root returns the backing directory.
func (d *Dir) Root() string { return d.root }

func (d *Dir) resolve(op, name string) (string, error) {
	if strings.TrimSpace(name) == "" || strings.ContainsRune(name, 0) {
		return "", &StorageError{Op: op, Path: name, Err: ErrInvalidPath}
	}
	clean := path.Clean("/" + name)
	if clean == "/" {
		return "", &StorageError{Op: op, Path: name, Err: ErrInvalidPath}
	}
	return filepath.Join(d.root, filepath.FromSlash(clean)), nil
}

// Exists reports whether name is present.
func (d *Dir) Exists(name string) (bool, error) {
	p, err := d.resolve("stat", name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, &StorageError{Op: "stat", Path: name, Err: err}
	}
}

// Remove deletes name. Removing a missing file is not an error.
func (d *Dir) Remove(name string) error {
	p, err := d.resolve("remove", name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StorageError{Op: "remove", Path: name, Err: err}
	}
	return nil
}

// Create opens name for writing, truncating any previous content.
func (d *Dir) Create(name string) (io.WriteCloser, error) {
	p, err := d.resolve("create", name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, &StorageError{Op: "create", Path: name, Err: err}
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &StorageError{Op: "create", Path: name, Err: err}
	}
	return &writer{f: f, name: name}, nil
}

// Open opens name for reading.
func (d *Dir) Open(name string) (File, error) {
	p, err := d.resolve("open", name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: name, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &StorageError{Op: "open", Path: name, Err: err}
	}
	return &file{f: f, name: name, size: info.Size()}, nil
}

type file struct {
	f    *os.File
	name string
	size int64
}

func (f *file) Read(p []byte) (int, error) {
	n, err := f.f.Read(p)
	if err != nil && err != io.EOF {
		return n, &StorageError{Op: "read", Path: f.name, Err: err}
	}
	return n, err
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	n, err := f.f.Seek(offset, whence)
	if err != nil {
		return n, &StorageError{Op: "seek", Path: f.name, Err: err}
	}
	return n, nil
}

func (f *file) Close() error { return f.f.Close() }

func (f *file) Size() int64 { return f.size }

type writer struct {
	f    *os.File
	name string
}

func (w *writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, &StorageError{Op: "write", Path: w.name, Err: err}
	}
	return n, nil
}

// Close flushes the file to stable storage before closing it; the device may lose
// power right after the cycle ends.
func (w *writer) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return &StorageError{Op: "sync", Path: w.name, Err: err}
	}
	if err := w.f.Close(); err != nil {
		return &StorageError{Op: "close", Path: w.name, Err: err}
	}
	return nil
}
