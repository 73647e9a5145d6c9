//go:build linux

package capture

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// procRetries bounds how often a thread reported as running is re-read.
const procRetries = 4

var atFDCWD = unix.AT_FDCWD

// RegisterReader reads a thread's register snapshot from
// /proc/self/task/<tid>/syscall. Path and data live in fixed arrays so a read
// performs no allocation. A RegisterReader is not safe for concurrent use.
type RegisterReader struct {
	path [64]byte
	data [256]byte
}

// Read fills regs for thread tid. It reports false when the file cannot be
// read, is malformed, or the thread kept running for every attempt.
func (r *RegisterReader) Read(tid int, regs *Registers) bool {
	if tid <= 0 || !r.buildPath(tid) {
		return false
	}
	for attempt := 0; attempt < procRetries; attempt++ {
		n := r.readFile()
		if n == 0 {
			return false
		}
		switch parseSyscall(r.data[:n], regs) {
		case parseOK:
			return true
		case parseRunning:
			runtime.Gosched()
		default:
			return false
		}
	}
	return false
}

func (r *RegisterReader) buildPath(tid int) bool {
	const prefix, suffix = "/proc/self/task/", "/syscall"
	n := copy(r.path[:], prefix)

	var digits [20]byte
	i := len(digits)
	for v := tid; v > 0; v /= 10 {
		i--
		digits[i] = byte('0' + v%10)
	}
	if n+len(digits)-i+len(suffix)+1 > len(r.path) {
		return false
	}
	n += copy(r.path[n:], digits[i:])
	n += copy(r.path[n:], suffix)
	r.path[n] = 0
	return true
}

func (r *RegisterReader) readFile() int {
	fd, _, errno := unix.Syscall6(unix.SYS_OPENAT, uintptr(atFDCWD),
		uintptr(unsafe.Pointer(&r.path[0])), uintptr(unix.O_RDONLY|unix.O_CLOEXEC), 0, 0, 0)
	if errno != 0 {
		return 0
	}
	total := 0
	for total < len(r.data) {
		n, err := unix.Read(int(fd), r.data[total:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			break
		}
		total += n
	}
	_ = unix.Close(int(fd))
	return total
}

type parseResult int

const (
	parseOK parseResult = iota
	parseRunning
	parseBad
)

// parseSyscall understands the three shapes the kernel emits:
//
//	running
//	-1 0x<sp> 0x<pc>
//	<nr> 0x<arg0> ... 0x<arg5> 0x<sp> 0x<pc>
func parseSyscall(b []byte, regs *Registers) parseResult {
	if len(b) >= 7 && string(b[:7]) == "running" {
		return parseRunning
	}

	var fields [9]uint64
	count := 0
	for i := 0; i < len(b) && count < len(fields); {
		for i < len(b) && (b[i] == ' ' || b[i] == '\n') {
			i++
		}
		if i >= len(b) {
			break
		}
		start := i
		for i < len(b) && b[i] != ' ' && b[i] != '\n' {
			i++
		}
		v, ok := parseNumber(b[start:i])
		if !ok {
			return parseBad
		}
		fields[count] = v
		count++
	}

	switch count {
	case 3:
		regs.Syscall = fields[0]
		regs.SP = fields[1]
		regs.PC = fields[2]
		regs.Valid |= RegSyscall | RegSP | RegPC
	case 9:
		regs.Syscall = fields[0]
		copy(regs.Args[:], fields[1:7])
		regs.SP = fields[7]
		regs.PC = fields[8]
		regs.Valid |= RegSyscall | RegArgs | RegSP | RegPC
	default:
		return parseBad
	}
	return parseOK
}

func parseNumber(b []byte) (uint64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	neg := false
	if b[0] == '-' {
		neg = true
		b = b[1:]
	}
	base := uint64(10)
	if len(b) > 2 && b[0] == '0' && (b[1] == 'x' || b[1] == 'X') {
		base = 16
		b = b[2:]
	}
	if len(b) == 0 {
		return 0, false
	}
	var v uint64
	for _, c := range b {
		var d uint64
		switch {
		case c >= '0' && c <= '9':
			d = uint64(c - '0')
		case base == 16 && c >= 'a' && c <= 'f':
			d = uint64(c-'a') + 10
		case base == 16 && c >= 'A' && c <= 'F':
			d = uint64(c-'A') + 10
		default:
			return 0, false
		}
		v = v*base + d
	}
	if neg {
		v = -v
	}
	return v, true
}
