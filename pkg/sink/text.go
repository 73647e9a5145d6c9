//go:build unix

package sink

import (
	"strconv"
	"sync/atomic"

	"github.com/psantana5/airbag/pkg/capture"
)

// TextSink writes a one-line human readable summary followed by the goroutine
// dump. It is what the "stderr" output resolves to. The line is assembled in
// a fixed array with strconv.Append*, so Deliver does not allocate.
type TextSink struct {
	fd   int
	line [512]byte

	delivered atomic.Uint64
	failures  atomic.Uint64
}

// NewTextSink writes to fd, which it never closes.
func NewTextSink(fd int) *TextSink {
	return &TextSink{fd: fd}
}

// Deliver formats rec as text.
//
//	airbag: SIGSEGV seq=1 pid=10 tid=12 code=-6 ip=0x4a1b2c sp=0xc0000a1f00 depth=12 flags=0x4
func (s *TextSink) Deliver(rec *capture.Record) {
	b := s.line[:0]
	b = append(b, "airbag: "...)
	b = append(b, rec.Signal.String()...)
	b = append(b, " seq="...)
	b = strconv.AppendUint(b, rec.Seq, 10)
	b = append(b, " pid="...)
	b = strconv.AppendInt(b, int64(rec.PID), 10)
	b = append(b, " tid="...)
	b = strconv.AppendInt(b, int64(rec.TID), 10)
	b = append(b, " code="...)
	b = strconv.AppendInt(b, int64(rec.Code), 10)
	b = append(b, " ip=0x"...)
	b = strconv.AppendUint(b, rec.IP, 16)
	if rec.Regs.Valid&capture.RegSP != 0 {
		b = append(b, " sp=0x"...)
		b = strconv.AppendUint(b, rec.Regs.SP, 16)
	}
	b = append(b, " depth="...)
	b = strconv.AppendUint(b, uint64(rec.Depth), 10)
	b = append(b, " flags=0x"...)
	b = strconv.AppendUint(b, uint64(rec.Flags), 16)
	if rec.Flags.Has(capture.FlagPartial) {
		b = append(b, " partial"...)
	}
	if rec.Flags.Has(capture.FlagReentrant) {
		b = append(b, " reentrant"...)
	}
	b = append(b, '\n')

	ok := writeAll(s.fd, b)
	if ok && len(rec.Dump) > 0 {
		ok = writeAll(s.fd, rec.Dump)
	}
	if ok {
		s.delivered.Add(1)
	} else {
		s.failures.Add(1)
	}
}

// Delivered returns the number of records written.
func (s *TextSink) Delivered() uint64 { return s.delivered.Load() }

// Failures returns the number of records that could not be written.
func (s *TextSink) Failures() uint64 { return s.failures.Load() }

// Close is a no-op; the descriptor is borrowed.
func (s *TextSink) Close() error { return nil }
