// Package signals defines the closed set of fatal signals airbag can capture.
package signals

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrUnsupported is returned when a value does not name a capturable signal.
var ErrUnsupported = errors.New("unsupported signal")

// Signal identifies one of the fatal signals the engine installs handlers for.
// The zero value is invalid.
type Signal uint8

const (
	Invalid Signal = iota
	SEGV
	ABRT
	ILL
	BUS
	FPE
)

// Count is the number of capturable signals.
const Count = 5

var table = [Count + 1]struct {
	name   string
	full   string
	number syscall.Signal
	desc   string
}{
	Invalid: {"INVALID", "INVALID", 0, "invalid signal"},
	SEGV:    {"SEGV", "SIGSEGV", unix.SIGSEGV, "invalid memory reference"},
	ABRT:    {"ABRT", "SIGABRT", unix.SIGABRT, "abort"},
	ILL:     {"ILL", "SIGILL", unix.SIGILL, "illegal instruction"},
	BUS:     {"BUS", "SIGBUS", unix.SIGBUS, "bus error"},
	FPE:     {"FPE", "SIGFPE", unix.SIGFPE, "floating-point exception"},
}

// Valid reports whether s is one of the capturable signals.
func (s Signal) Valid() bool {
	return s > Invalid && s <= FPE
}

// Index returns a dense index in [0, Count) for array-backed tables.
func (s Signal) Index() int {
	return int(s) - 1
}

// Name returns the short name without the SIG prefix, e.g. "SEGV".
func (s Signal) Name() string {
	if !s.Valid() {
		return table[Invalid].name
	}
	return table[s].name
}

// String returns the conventional name, e.g. "SIGSEGV". It does not
// allocate for valid signals.
func (s Signal) String() string {
	if !s.Valid() {
		return "signal(" + strconv.Itoa(int(s)) + ")"
	}
	return table[s].full
}

// Number returns the operating system signal.
func (s Signal) Number() syscall.Signal {
	if !s.Valid() {
		return 0
	}
	return table[s].number
}

// Description returns a human readable description.
func (s Signal) Description() string {
	if !s.Valid() {
		return table[Invalid].desc
	}
	return table[s].desc
}

// MarshalText implements encoding.TextMarshaler.
func (s Signal) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupported, s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Signal) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// All returns every capturable signal in declaration order.
func All() []Signal {
	return []Signal{SEGV, ABRT, ILL, BUS, FPE}
}

// Parse accepts "SEGV", "SIGSEGV", "segv" or the decimal OS signal number.
func Parse(value string) (Signal, error) {
	v := strings.ToUpper(strings.TrimSpace(value))
	if n, err := strconv.Atoi(v); err == nil {
		if sig, ok := FromNumber(n); ok {
			return sig, nil
		}
		return Invalid, fmt.Errorf("%w: %s", ErrUnsupported, value)
	}
	v = strings.TrimPrefix(v, "SIG")
	for _, sig := range All() {
		if table[sig].name == v {
			return sig, nil
		}
	}
	return Invalid, fmt.Errorf("%w: %q", ErrUnsupported, value)
}

// FromNumber maps an OS signal number onto the closed set.
func FromNumber(n int) (Signal, bool) {
	for sig := SEGV; sig <= FPE; sig++ {
		if int(table[sig].number) == n {
			return sig, true
		}
	}
	return Invalid, false
}

// FromOS maps a signal received from os/signal. It does not allocate.
func FromOS(s os.Signal) (Signal, bool) {
	n, ok := s.(syscall.Signal)
	if !ok {
		return Invalid, false
	}
	return FromNumber(int(n))
}

// Set is a bitmask of signals.
type Set uint8

// NewSet builds a set from sigs, ignoring invalid values.
func NewSet(sigs ...Signal) Set {
	var set Set
	for _, sig := range sigs {
		set = set.Add(sig)
	}
	return set
}

// Add returns the set with sig included.
func (set Set) Add(sig Signal) Set {
	if !sig.Valid() {
		return set
	}
	return set | 1<<uint(sig.Index())
}

// Has reports whether sig is in the set.
func (set Set) Has(sig Signal) bool {
	return sig.Valid() && set&(1<<uint(sig.Index())) != 0
}

// Len returns the number of signals in the set.
func (set Set) Len() int {
	n := 0
	for _, sig := range All() {
		if set.Has(sig) {
			n++
		}
	}
	return n
}

// Signals returns the members in declaration order.
func (set Set) Signals() []Signal {
	out := make([]Signal, 0, set.Len())
	for _, sig := range All() {
		if set.Has(sig) {
			out = append(out, sig)
		}
	}
	return out
}

// OS returns the members as os.Signal values for signal.Notify.
func (set Set) OS() []os.Signal {
	out := make([]os.Signal, 0, set.Len())
	for _, sig := range set.Signals() {
		out = append(out, sig.Number())
	}
	return out
}

func (set Set) String() string {
	names := make([]string, 0, set.Len())
	for _, sig := range set.Signals() {
		names = append(names, sig.String())
	}
	return strings.Join(names, ",")
}
