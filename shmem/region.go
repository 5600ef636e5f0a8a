// Package shmem provides memory shared between the fuzzer processes: raw
// regions, single-producer/single-consumer message channels and a
// double-buffered state slot.
package shmem

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// shmDir is preferred for backing files; the temp dir is used when it is missing.
const shmDir = "/dev/shm"

// Region is a file-backed shared mapping.
type Region struct {
	path  string
	data  []byte
	f     *os.File
	owner bool
}

// BaseDir returns the directory new regions are created in.
func BaseDir() string {
	if fi, err := os.Stat(shmDir); err == nil && fi.IsDir() {
		return shmDir
	}
	return os.TempDir()
}

// NewName returns a unique region name with the given prefix.
func NewName(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Create makes a new zeroed region of size bytes. The creator removes the
// backing file on Remove.
func Create(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, errors.Errorf("region %s: invalid size %d", name, size)
	}
	path := filepath.Join(BaseDir(), name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "create shared memory %s", path)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrapf(err, "size shared memory %s", path)
	}
	r, err := mapFile(f, path, size)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	r.owner = true
	return r, nil
}

// Open maps an existing region created by another process.
func Open(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open shared memory %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat shared memory %s", path)
	}
	return mapFile(f, path, int(fi.Size()))
}

func mapFile(f *os.File, path string, size int) (*Region, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mmap shared memory %s", path)
	}
	return &Region{path: path, data: data, f: f}, nil
}

func (r *Region) Path() string { return r.path }

func (r *Region) Bytes() []byte { return r.data }

func (r *Region) Len() int { return len(r.data) }

// Close unmaps the region. The backing file stays.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return errors.Wrapf(err, "close shared memory %s", r.path)
}

// Remove closes the region and, if this process created it, deletes the file.
func (r *Region) Remove() error {
	err := r.Close()
	if r.owner {
		if rerr := os.Remove(r.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = errors.Wrapf(rerr, "remove shared memory %s", r.path)
		}
	}
	return err
}
