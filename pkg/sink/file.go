//go:build unix

// Package sink provides ReportSink implementations that are safe to call
// from the capture path.
package sink

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/psantana5/airbag/pkg/capture"
)

// FileSink writes encoded record frames to a descriptor opened before any
// fault. Each Deliver is a sequence of raw write(2) calls; failures are
// counted and never retried.
type FileSink struct {
	fd   int
	file *os.File // nil when the descriptor is borrowed
	name string

	delivered atomic.Uint64
	failures  atomic.Uint64
}

// NewFDSink wraps an inherited descriptor. Close does not close it.
func NewFDSink(fd int) *FileSink {
	return &FileSink{fd: fd, name: "fd:" + strconv.Itoa(fd)}
}

// OpenFile opens path for appending and writes a metadata frame describing
// the process when meta is non-nil. The sink holds a shared lock on the file
// until Close, which keeps the uploader from retiring a spool that is still
// being written to.
func OpenFile(path string, meta any) (*FileSink, error) {
	f, err := openLocked(path)
	if err != nil {
		return nil, err
	}
	s := &FileSink{fd: int(f.Fd()), file: f, name: "file:" + path}
	if meta != nil {
		frame, err := capture.EncodeMetadata(meta)
		if err != nil {
			f.Close()
			return nil, err
		}
		if _, err := f.Write(frame); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write metadata to %s: %w", path, err)
		}
	}
	return s, nil
}

// openLocked opens path for appending under a shared lock. A spool renamed
// away between the open and the lock is reopened under its name.
func openLocked(path string) (*os.File, error) {
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("failed to open spool %s: %w", path, err)
		}
		fd := int(f.Fd())
		for {
			err = unix.Flock(fd, unix.LOCK_SH)
			if err != unix.EINTR {
				break
			}
		}
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to lock spool %s: %w", path, err)
		}

		var held, named unix.Stat_t
		if err := unix.Fstat(fd, &held); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to stat spool %s: %w", path, err)
		}
		err = unix.Stat(path, &named)
		if err == nil && held.Dev == named.Dev && held.Ino == named.Ino {
			return f, nil
		}
		f.Close()
		if err != nil && err != unix.ENOENT {
			return nil, fmt.Errorf("failed to stat spool %s: %w", path, err)
		}
	}
}

// CrashOutput returns a duplicate of the sink's descriptor for the
// runtime's fatal error report, or nil for stderr, which the runtime already
// writes to. The caller closes the file.
func (s *FileSink) CrashOutput() (*os.File, error) {
	if s.fd == 2 {
		return nil, nil
	}
	fd, err := unix.Dup(s.fd)
	if err != nil {
		return nil, fmt.Errorf("failed to duplicate %s: %w", s.name, err)
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), s.name), nil
}

// Deliver writes rec.Wire. It does not allocate.
func (s *FileSink) Deliver(rec *capture.Record) {
	if writeAll(s.fd, rec.Wire) {
		s.delivered.Add(1)
	} else {
		s.failures.Add(1)
	}
}

// Name returns the output identifier the sink was opened for.
func (s *FileSink) Name() string { return s.name }

// Delivered returns the number of records written.
func (s *FileSink) Delivered() uint64 { return s.delivered.Load() }

// Failures returns the number of records that could not be written.
func (s *FileSink) Failures() uint64 { return s.failures.Load() }

// Close releases the file when the sink owns it.
func (s *FileSink) Close() error {
	if s.file == nil {
		return nil
	}
	// Duplicates of the descriptor share the lock; drop it explicitly.
	_ = unix.Flock(s.fd, unix.LOCK_UN)
	err := s.file.Close()
	s.file = nil
	return err
}

func writeAll(fd int, b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			return false
		}
		b = b[n:]
	}
	return true
}
