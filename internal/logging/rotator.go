package logging

import (
	"fmt"
	"os"
	"sync"
)

// FileRotator is an io.Writer that rotates the underlying file once it
// exceeds a size limit, keeping a bounded number of numbered backups
// (file.log.1 is the newest backup).
type FileRotator struct {
	mu         sync.Mutex
	path       string
	maxSize    int64
	maxBackups int
	file       *os.File
	size       int64
}

// NewFileRotator opens (or creates) the log file for appending.
func NewFileRotator(path string, maxSize int64, maxBackups int) (*FileRotator, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileRotator{
		path:       path,
		maxSize:    maxSize,
		maxBackups: maxBackups,
		file:       f,
		size:       info.Size(),
	}, nil
}

// Write appends to the log file, rotating first if the write would push the
// file past the size limit.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSize > 0 && r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// rotate shifts backups up by one slot and starts a fresh file.
// Caller holds the lock.
func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}

	for i := r.maxBackups - 1; i >= 1; i-- {
		os.Rename(backupName(r.path, i), backupName(r.path, i+1))
	}
	if r.maxBackups > 0 {
		if err := os.Rename(r.path, backupName(r.path, 1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	} else if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return err
	}

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	r.size = 0
	return nil
}

// Close closes the underlying file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

func backupName(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}
