package engine

import (
	"runtime"
	"strings"
	"time"

	"github.com/psantana5/airbag/pkg/capture"
	"github.com/psantana5/airbag/pkg/registry"
	"github.com/psantana5/airbag/pkg/signals"
)

// Context describes the fault being handled. Frames, when present, are the
// return addresses of the faulting goroutine, innermost first.
type Context struct {
	Code      int32
	TID       int32
	Addr      uintptr
	PC        uintptr
	SP        uintptr
	Frames    []uintptr
	Synthetic bool
}

var emptyContext Context

type step uint8

const (
	stepRegisters step = iota
	stepWalk
	stepTimestamp
	stepDump
	stepEncode
	stepCount
)

// HandleSignal is the capture routine. It records the fault described by ctx
// into the buffer reserved for sig, hands the record to the sink exactly
// once, and then applies the configured disposition.
//
// It never returns an error and never panics: a failing step marks the
// record partial. A fault inside the routine, or a call while a capture is
// already running, delivers an abbreviated record and ends the process.
// Signals without a registration, or whose registration is being removed,
// are ignored. HandleSignal does not allocate.
func (e *Engine) HandleSignal(sig signals.Signal, ctx *Context) {
	a := lookupArming(sig)
	if a == nil || !a.enter() {
		return
	}
	defer a.leave()
	if ctx == nil {
		ctx = &emptyContext
	}
	if a.engine.handle(a, sig, ctx) {
		a.engine.dispose(a, sig, ctx)
	}
}

// handle runs the guarded capture and reports whether the caller should go
// on to the disposition.
func (e *Engine) handle(a *arming, sig signals.Signal, ctx *Context) bool {
	if !a.busy.CompareAndSwap(false, true) {
		e.nested(a, sig, true)
		return false
	}
	ok, handedOff := e.capture(a, sig, ctx)
	if !ok {
		// A sink that panics after taking the record already has it.
		e.nested(a, sig, !handedOff)
	}
	a.busy.Store(false)
	return ok
}

// capture runs every step and delivers. It reports false when a step or the
// sink panicked, and whether the record reached the sink before that.
func (e *Engine) capture(a *arming, sig signals.Signal, ctx *Context) (ok, handedOff bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	s := a.slotFor(sig)
	s.buf.Reset()
	rec := &s.rec
	rec.Reset()
	rec.Seq = e.seq.Add(1)
	rec.Signal = sig
	rec.Code = ctx.Code
	rec.PID = e.pid
	rec.TID = ctx.TID
	rec.Addr = uint64(ctx.Addr)
	if ctx.Synthetic {
		rec.Flags |= capture.FlagSynthetic
	}

	dumpLen := 0
	for st := stepRegisters; st < stepCount; st++ {
		if !e.runStep(st, a, s, ctx, &dumpLen) {
			rec.Flags |= capture.FlagPartial
		}
	}
	if rec.Wire == nil {
		// Encoding failed; still hand off the signal and timestamp.
		capture.Encode(s.buf.Writable(), rec, 0)
	}

	a.captures.Add(1)
	e.metrics.recordCapture(sig, rec.Flags)
	handedOff = true
	a.sink.Deliver(rec)
	return true, true
}

func (e *Engine) runStep(st step, a *arming, s *slot, ctx *Context, dumpLen *int) bool {
	rec := &s.rec
	switch st {
	case stepRegisters:
		rec.IP = uint64(ctx.PC)
		if a.regs.Read(int(ctx.TID), &rec.Regs) {
			if rec.IP == 0 {
				rec.IP = rec.Regs.PC
			}
			return true
		}
		if ctx.PC != 0 {
			rec.Regs.PC = uint64(ctx.PC)
			rec.Regs.Valid |= capture.RegPC
			if ctx.SP != 0 {
				rec.Regs.SP = uint64(ctx.SP)
				rec.Regs.Valid |= capture.RegSP
			}
			return true
		}
		rec.Flags |= capture.FlagNoRegisters
		return false

	case stepWalk:
		if a.cfg.Detail() != DetailFull {
			return true
		}
		n := 0
		for n < len(ctx.Frames) && n < a.cfg.MaxDepth() && ctx.Frames[n] != 0 {
			rec.Frames[n] = ctx.Frames[n]
			n++
		}
		rec.Depth = uint16(n)
		if n == 0 {
			rec.Flags |= capture.FlagNoStack
			return false
		}
		return true

	case stepTimestamp:
		rec.Timestamp = time.Now().UnixNano()
		return true

	case stepDump:
		if a.cfg.Detail() != DetailFull {
			return true
		}
		region := s.buf.DumpRegion()
		if len(region) == 0 {
			return true
		}
		n := runtime.Stack(region, true)
		if n >= len(region) {
			rec.Flags |= capture.FlagTruncated
		}
		*dumpLen = n
		return n > 0

	case stepEncode:
		return capture.Encode(s.buf.Writable(), rec, *dumpLen) > 0
	}
	return false
}

// nested handles a fault that arrived while a capture was running: deliver a
// record carrying only the signal and timestamp when record is set, then end
// the process.
func (e *Engine) nested(a *arming, sig signals.Signal, record bool) {
	e.metrics.recordReentrant(sig)
	if record && a.abbrev != nil && a.nesting.CompareAndSwap(false, true) {
		func() {
			defer func() { _ = recover() }()
			rec := &a.abbrev.rec
			rec.Reset()
			rec.Seq = e.seq.Add(1)
			rec.Signal = sig
			rec.PID = e.pid
			rec.Flags = capture.FlagPartial | capture.FlagReentrant
			rec.Timestamp = time.Now().UnixNano()
			if capture.Encode(a.abbrev.buf.Writable(), rec, 0) > 0 {
				a.sink.Deliver(rec)
			}
		}()
		a.nesting.Store(false)
	}
	e.metrics.recordTerminated(sig)
	e.exit(128 + int(sig.Number()))
}

// dispose applies what happens after hand-off: absorb on a matching rule,
// otherwise terminate or chain to the previous disposition.
func (e *Engine) dispose(a *arming, sig signals.Signal, ctx *Context) {
	if matchRules(a.cfg.rules[sig.Index()], ctx.Frames) {
		e.metrics.recordAbsorbed(sig)
		return
	}
	if a.cfg.Disposition() == DispositionTerminate {
		e.metrics.recordTerminated(sig)
		e.exit(128 + int(sig.Number()))
		return
	}

	prev := registry.DefaultHandler()
	if reg := procRegistry.Load(); reg != nil {
		if entry := reg.Lookup(sig); entry != nil && entry.Owner == a {
			prev = entry.Previous
		}
	}
	e.metrics.recordChained(sig)
	e.chain(sig, prev)
}

// chainPrevious hands sig to the disposition it had before registration.
func (e *Engine) chainPrevious(sig signals.Signal, prev registry.Previous) {
	switch prev.Kind {
	case registry.HandlerCustom:
		prev.Func(sig)
	case registry.HandlerIgnore:
	default:
		chainDefault(sig)
		// Only reached when the default action did not end the process.
		e.exit(128 + int(sig.Number()))
	}
}

// RecoverPanic records a panicking goroutine and then re-panics. Use it as
// the first deferred call of a goroutine:
//
//	defer eng.RecoverPanic()
//
// A runtime error the Go runtime converted from a hardware fault is recorded
// under that fault's signal: a nil or wild pointer as SIGSEGV, an integer
// division by zero as SIGFPE. Any other panic is recorded as SIGABRT.
// Nothing is recorded unless that signal is registered.
func (e *Engine) RecoverPanic() {
	r := recover()
	if r == nil {
		return
	}
	sig, addr := panicSignal(r)
	if a := lookupArming(sig); a != nil && a.enter() {
		var frames [capture.MaxFrames]uintptr
		n := runtime.Callers(2, frames[:])
		ctx := Context{Code: capture.CodePanic, TID: int32(gettid()), Addr: addr, Frames: frames[:n]}
		if n > 0 {
			ctx.PC = frames[0]
		}
		a.engine.handle(a, sig, &ctx)
		a.leave()
	}
	panic(r)
}

// panicSignal maps a recovered value to the signal behind it, along with the
// faulting address when the runtime reports one.
func panicSignal(r any) (signals.Signal, uintptr) {
	err, ok := r.(runtime.Error)
	if !ok {
		return signals.ABRT, 0
	}
	var addr uintptr
	faulted := false
	if fa, ok := err.(interface{ Addr() uintptr }); ok {
		addr = fa.Addr()
		faulted = true
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "integer divide by zero"):
		return signals.FPE, 0
	case faulted,
		strings.Contains(msg, "nil pointer dereference"),
		strings.Contains(msg, "invalid memory address"):
		return signals.SEGV, addr
	}
	return signals.ABRT, 0
}
