package vhd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/edsrzf/mmap-go"

	"github.com/pombredanne/bind7z/vhd/lockfile"
)

// localFile is the default SourceStream: an mmap'd, advisory-locked
// local file (grounded on the teacher's os.OpenFile+mmap.Map pattern
// in SplitImageDtb). Reads are served straight out of the mapping; the
// backing fd is only used to take the shared lock and to learn the
// file's length.
type localFile struct {
	file *os.File
	m    mmap.MMap
	lock *lockfile.Lock
	pos  int64
}

// OpenLocalFile mmaps path read-only and takes a shared advisory lock
// on it for the lifetime of the returned stream. Opening the same
// parent image concurrently from several differencing children is
// safe; a concurrent exclusive writer is refused.
func OpenLocalFile(path string) (SourceStream, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	lk, err := lockfile.Acquire(int(f.Fd()))
	if err != nil {
		m.Unmap()
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return &localFile{file: f, m: m, lock: lk}, nil
}

func (l *localFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(l.m)) {
		return 0, fmt.Errorf("%w: offset %d out of range", ErrIO, off)
	}
	n := copy(p, l.m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (l *localFile) Read(p []byte) (int, error) {
	n, err := l.ReadAt(p, l.pos)
	l.pos += int64(n)
	return n, err
}

func (l *localFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = l.pos + offset
	case io.SeekEnd:
		abs = int64(len(l.m)) + offset
	default:
		return 0, fmt.Errorf("%w: invalid whence %d", ErrIO, whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("%w: negative seek position", ErrIO)
	}
	l.pos = abs
	return abs, nil
}

func (l *localFile) Close() error {
	l.lock.Unlock()
	unmapErr := l.m.Unmap()
	closeErr := l.file.Close()
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}

// DirVolumeCallback resolves parent images by looking for name (or its
// base name) alongside a fixed directory, implementing VolumeCallback
// for the common case of a differencing chain kept in one folder
// (§6 "Volume callback (consumed)").
type DirVolumeCallback struct {
	Dir string
}

// GetStream opens Dir/name, or Dir/basename(name) as a fallback for a
// parent recorded under a path this host's filesystem doesn't share
// (a Windows drive letter or backslash-separated relative path),
// returning ErrNotFound when neither exists.
func (d DirVolumeCallback) GetStream(name string) (SourceStream, error) {
	candidates := []string{filepath.Join(d.Dir, name)}
	if base := baseNameAnySeparator(name); base != name {
		candidates = append(candidates, filepath.Join(d.Dir, base))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err != nil {
			continue
		}
		return OpenLocalFile(c)
	}
	return nil, ErrNotFound
}

// baseNameAnySeparator strips any path prefix using either '/' or '\',
// since a parent locator recorded on Windows uses backslashes that
// filepath.Base on a Unix host won't split on.
func baseNameAnySeparator(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	return name[strings.LastIndexByte(name, '/')+1:]
}
