//go:build unix

// Package shm moves large binary payloads between processes on the same
// machine through named shared-memory segments, so image frames never copy
// through the RPC channel.
package shm

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const namePrefix = "mmshm-"

// dir returns the backing directory for segments: /dev/shm where the OS
// provides it, the temp dir otherwise.
func dir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Segment is one named shared-memory block, sized exactly to its payload.
// Close and Unlink are idempotent: sender and receiver may both attempt
// teardown, and the second attempt is a no-op. The segment is never handed
// to any ambient OS-level cleanup tracker; the Registry owns retention.
type Segment struct {
	name string
	size int

	mu       sync.Mutex
	file     *os.File
	data     []byte
	unlinked bool
}

// Create allocates a fresh segment of exactly size bytes under a random
// name.
func Create(size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid segment size %d", size)
	}
	name := namePrefix + uuid.NewString()
	file, err := os.OpenFile(filepath.Join(dir(), name), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create segment: %w", err)
	}
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("shm: size segment: %w", err)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("shm: map segment: %w", err)
	}
	return &Segment{name: name, size: size, file: file, data: data}, nil
}

// Open maps an existing segment by name, typically on the receiving side.
func Open(name string) (*Segment, error) {
	file, err := os.OpenFile(filepath.Join(dir(), name), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open segment %s: %w", name, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: stat segment %s: %w", name, err)
	}
	size := int(info.Size())
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: map segment %s: %w", name, err)
	}
	return &Segment{name: name, size: size, file: file, data: data}, nil
}

// Name returns the segment's wire-visible name.
func (s *Segment) Name() string { return s.name }

// Size returns the segment's byte length.
func (s *Segment) Size() int { return s.size }

// Bytes exposes the mapped memory. Invalid after Close.
func (s *Segment) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Close unmaps and closes the segment. Safe to call repeatedly.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.data != nil {
		err = multierr.Append(err, unix.Munmap(s.data))
		s.data = nil
	}
	if s.file != nil {
		err = multierr.Append(err, s.file.Close())
		s.file = nil
	}
	return err
}

// Unlink removes the segment's name from the filesystem. Safe to call
// repeatedly and tolerant of the peer having unlinked first.
func (s *Segment) Unlink() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unlinked {
		return nil
	}
	s.unlinked = true
	if err := os.Remove(filepath.Join(dir(), s.name)); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Release closes and unlinks in one step.
func (s *Segment) Release() error {
	return multierr.Append(s.Close(), s.Unlink())
}
