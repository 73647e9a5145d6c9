package engine

import (
	"fmt"
	"os"
	"runtime"
	"time"
	"unsafe"

	"github.com/psantana5/airbag/pkg/signals"
)

// raiseTimeout bounds how long Raise waits for the capture it triggered.
var raiseTimeout = 5 * time.Second

// Raise delivers sig to the calling thread through the same path an
// externally sent signal takes. When sig is registered, the calling
// goroutine's stack and registers are handed to the capture routine and
// Raise returns once the capture finished, unless the disposition ended
// the process first. For an unregistered signal Raise only sends it, and
// whatever else subscribed to it sees it.
func Raise(sig signals.Signal) error {
	if !sig.Valid() {
		return unsupported(sig)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	pid, tid := os.Getpid(), gettid()

	a := lookupArming(sig)
	if a == nil {
		if err := sendToThread(pid, tid, sig); err != nil {
			return fmt.Errorf("failed to raise %s: %w", sig, err)
		}
		return nil
	}

	a.raiseMu.Lock()
	defer a.raiseMu.Unlock()

	p := &a.pending[sig.Index()]
	select {
	case <-p.ack:
	default:
	}
	p.tid = int32(tid)
	p.depth = runtime.Callers(2, p.frames[:])
	p.pc = 0
	if p.depth > 0 {
		p.pc = p.frames[0]
	}
	p.sp = stackPointer()
	p.armed.Store(true)

	if err := sendToThread(pid, tid, sig); err != nil {
		p.armed.Store(false)
		return fmt.Errorf("failed to raise %s: %w", sig, err)
	}

	timer := time.NewTimer(raiseTimeout)
	defer timer.Stop()
	select {
	case <-p.ack:
		return nil
	case <-timer.C:
		p.armed.Store(false)
		return fmt.Errorf("%w: %s", ErrRaiseTimeout, sig)
	}
}

// Raise is Engine-scoped sugar for the package Raise.
func (e *Engine) Raise(sig signals.Signal) error {
	return Raise(sig)
}

// stackPointer approximates the caller's stack pointer.
//
//go:noinline
func stackPointer() uintptr {
	var marker byte
	return uintptr(unsafe.Pointer(&marker))
}
