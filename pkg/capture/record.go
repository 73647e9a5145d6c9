// Package capture holds the fixed-size crash record, the reserved buffer it is
// encoded into and the wire format shared by sinks and the spool reader.
//
// Everything reachable from Record, Encode and ReadRegisters is written so it
// can run while the process is dying: no heap allocation, no locks, no
// buffered I/O.
package capture

import (
	"strings"
	"time"

	"github.com/psantana5/airbag/pkg/signals"
)

// MaxFrames bounds the stack walk stored in a record.
const MaxFrames = 64

// Signal codes recorded in Record.Code. Values below zero follow the kernel's
// si_code numbering for user-sent signals.
const (
	CodeUser  int32 = 0  // kill(2) or an unknown sender
	CodeTkill int32 = -6 // tgkill(2), used by synthetic raises
	CodePanic int32 = -1000
)

// Flags describe how complete a record is.
type Flags uint16

const (
	// FlagPartial marks a record where at least one capture step failed.
	FlagPartial Flags = 1 << iota
	// FlagReentrant marks the abbreviated record written for a nested fault.
	FlagReentrant
	// FlagSynthetic marks a record produced by a diagnostic raise.
	FlagSynthetic
	// FlagNoStack is set when no frames of the faulting goroutine were available.
	FlagNoStack
	// FlagNoRegisters is set when neither the context nor procfs supplied registers.
	FlagNoRegisters
	// FlagTruncated is set when the goroutine dump filled the buffer.
	FlagTruncated
	// FlagRuntime marks a record recovered from the runtime's own fatal
	// error report rather than written by the capture routine.
	FlagRuntime
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagPartial, "partial"},
	{FlagReentrant, "reentrant"},
	{FlagSynthetic, "synthetic"},
	{FlagNoStack, "no_stack"},
	{FlagNoRegisters, "no_registers"},
	{FlagTruncated, "truncated"},
	{FlagRuntime, "runtime"},
}

// Has reports whether all bits of x are set.
func (f Flags) Has(x Flags) bool {
	return f&x == x
}

// Names returns the set flags by name.
func (f Flags) Names() []string {
	var out []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			out = append(out, fn.name)
		}
	}
	return out
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), "|")
}

// Register validity bits.
const (
	RegPC uint16 = 1 << iota
	RegSP
	RegSyscall
	RegArgs
)

// Registers is the register snapshot of the faulting thread.
type Registers struct {
	Valid   uint16
	PC      uint64
	SP      uint64
	Syscall uint64
	Args    [6]uint64
}

// Empty reports whether no register was captured.
func (r *Registers) Empty() bool {
	return r.Valid == 0
}

// Record is one captured fault. It lives in memory reserved at registration;
// Dump and Wire are views into the owning Buffer.
type Record struct {
	Seq       uint64
	Signal    signals.Signal
	Code      int32
	Flags     Flags
	Timestamp int64 // unix nanoseconds
	PID       int32
	TID       int32
	Addr      uint64 // fault address, zero when unknown
	IP        uint64 // instruction pointer at the fault
	Regs      Registers
	Depth     uint16
	Frames    [MaxFrames]uintptr
	Dump      []byte
	Wire      []byte
}

// Reset clears the record in place.
func (r *Record) Reset() {
	*r = Record{}
}

// Partial reports whether the record is incomplete.
func (r *Record) Partial() bool {
	return r.Flags.Has(FlagPartial)
}

// Stack returns the walked frames.
func (r *Record) Stack() []uintptr {
	return r.Frames[:r.Depth]
}

// Time returns the capture timestamp.
func (r *Record) Time() time.Time {
	return time.Unix(0, r.Timestamp)
}

// Sink receives captured records.
//
// Deliver runs on the capture path. Implementations must not allocate, take
// locks that ordinary code may hold, or retain rec after returning. It is
// called at most once per captured fault and never retried.
type Sink interface {
	Deliver(rec *Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(rec *Record)

// Deliver calls f(rec).
func (f SinkFunc) Deliver(rec *Record) {
	f(rec)
}
