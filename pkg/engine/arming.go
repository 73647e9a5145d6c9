package engine

import (
	"errors"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/airbag/pkg/capture"
	"github.com/psantana5/airbag/pkg/signals"
)

// slot is a reserved buffer plus the record encoded into it.
type slot struct {
	buf *capture.Buffer
	rec capture.Record
}

// pending carries what a synthetic raise knows about the raising goroutine
// across to the dispatcher. Raise fills it before sending the signal; the
// dispatcher consumes it and acknowledges on ack.
type pending struct {
	armed  atomic.Bool
	tid    int32
	pc     uintptr
	sp     uintptr
	depth  int
	frames [capture.MaxFrames]uintptr
	ack    chan struct{}
}

// arming is everything one registration owns.
type arming struct {
	engine *Engine
	cfg    Config
	token  *Token

	ch      chan os.Signal
	stop    chan struct{}
	done    chan struct{}
	started bool
	tid     atomic.Int32

	slots  [signals.Count]*slot
	abbrev *slot
	regs   capture.RegisterReader
	sink   capture.Sink
	closer io.Closer

	// ctx is reused by the dispatcher for every delivery.
	ctx Context

	raiseMu  sync.Mutex
	pending  [signals.Count]pending
	busy     atomic.Bool
	nesting  atomic.Bool
	captures atomic.Uint64

	// inflight counts capture routines between enter and leave. Once
	// closing is set no new one starts, and unregistration waits for the
	// count to reach zero before the buffers go away.
	inflight atomic.Int32
	closing  atomic.Bool
}

func newArming(e *Engine, cfg Config) *arming {
	a := &arming{
		engine: e,
		cfg:    cfg,
		ch:     make(chan os.Signal, 2*signals.Count),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for i := range a.pending {
		a.pending[i].ack = make(chan struct{}, 1)
	}
	return a
}

func (a *arming) slotFor(sig signals.Signal) *slot {
	return a.slots[sig.Index()]
}

// start launches the dispatcher and waits until it owns its thread.
func (a *arming) start() {
	ready := make(chan struct{})
	go a.dispatch(ready)
	<-ready
	a.started = true
}

// dispatch receives signals from os/signal and runs the capture routine.
// The goroutine keeps its OS thread locked until it exits, so a thread left
// in an odd state by a fault is discarded with it.
func (a *arming) dispatch(ready chan<- struct{}) {
	runtime.LockOSThread()
	debug.SetPanicOnFault(true)
	a.tid.Store(int32(gettid()))
	close(ready)
	defer close(a.done)

	for {
		select {
		case <-a.stop:
			return
		case s := <-a.ch:
			sig, ok := signals.FromOS(s)
			if !ok || !a.cfg.SignalSet().Has(sig) {
				continue
			}
			a.deliver(sig)
		}
	}
}

// deliver builds the context for sig and runs the capture routine. A
// pending synthetic raise contributes the raising goroutine's state; an
// external signal is attributed to the main thread.
func (a *arming) deliver(sig signals.Signal) {
	p := &a.pending[sig.Index()]
	ctx := &a.ctx
	*ctx = Context{Code: capture.CodeUser, TID: a.engine.pid}

	synthetic := p.armed.Load()
	if synthetic {
		ctx.Code = capture.CodeTkill
		ctx.TID = p.tid
		ctx.PC = p.pc
		ctx.SP = p.sp
		ctx.Frames = p.frames[:p.depth]
		ctx.Synthetic = true
	}

	a.engine.HandleSignal(sig, ctx)

	if synthetic {
		p.armed.Store(false)
		select {
		case p.ack <- struct{}{}:
		default:
		}
	}
}

// enter admits a capture routine. It fails once unregistration has begun.
func (a *arming) enter() bool {
	a.inflight.Add(1)
	if a.closing.Load() {
		a.inflight.Add(-1)
		return false
	}
	return true
}

func (a *arming) leave() {
	a.inflight.Add(-1)
}

// drain stops admitting capture routines and waits for running ones.
func (a *arming) drain() {
	a.closing.Store(true)
	for a.inflight.Load() != 0 {
		time.Sleep(time.Millisecond)
	}
}

// disarm stops the dispatcher, releases buffers and closes an owned sink.
func (a *arming) disarm() error {
	if a.started {
		close(a.stop)
		<-a.done
		a.started = false
	}
	var errs []error
	if err := a.releaseSlots(); err != nil {
		errs = append(errs, err)
	}
	if a.closer != nil {
		if err := a.closer.Close(); err != nil {
			errs = append(errs, err)
		}
		a.closer = nil
	}
	return errors.Join(errs...)
}

func (a *arming) releaseSlots() error {
	var errs []error
	seen := make(map[*slot]bool)
	for i, s := range a.slots {
		a.slots[i] = nil
		if s == nil || seen[s] {
			continue
		}
		seen[s] = true
		if err := s.buf.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.abbrev != nil {
		if err := a.abbrev.buf.Release(); err != nil {
			errs = append(errs, err)
		}
		a.abbrev = nil
	}
	return errors.Join(errs...)
}
