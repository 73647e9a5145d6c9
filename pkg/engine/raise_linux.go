//go:build linux

package engine

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/psantana5/airbag/pkg/signals"
)

func gettid() int {
	return unix.Gettid()
}

func sendToThread(pid, tid int, sig signals.Signal) error {
	return unix.Tgkill(pid, tid, sig.Number())
}

// kernelSigaction is the kernel's struct sigaction. The zero value is
// SIG_DFL with no flags and an empty mask.
type kernelSigaction struct {
	handler  uintptr
	flags    uint64
	restorer uintptr
	mask     uint64
}

var defaultAction kernelSigaction

// chainDefault puts the kernel default action back for sig, bypassing the
// Go runtime's handler, and re-sends sig to this thread so the process ends
// the way it would have without a handler, core dump included.
func chainDefault(sig signals.Signal) {
	runtime.LockOSThread()
	unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig.Number()),
		uintptr(unsafe.Pointer(&defaultAction)), 0, 8, 0, 0)
	unix.Tgkill(unix.Getpid(), unix.Gettid(), sig.Number())
}
