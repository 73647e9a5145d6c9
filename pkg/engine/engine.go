// Package engine installs fatal-signal handlers and runs the capture routine
// when one fires.
//
// The Go runtime owns the process's signal handlers. The engine subscribes
// to the configured signals with os/signal and runs the capture routine on a
// dedicated goroutine locked to its own OS thread. Everything the routine
// touches is reserved at registration: capture buffers, the record, the
// register reader and the sink. HandleSignal never allocates.
package engine

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/psantana5/airbag/pkg/capture"
	"github.com/psantana5/airbag/pkg/logging"
	"github.com/psantana5/airbag/pkg/registry"
	"github.com/psantana5/airbag/pkg/signals"
	"github.com/psantana5/airbag/pkg/sink"
)

// Handler registrations are process-wide: a signal has at most one owner no
// matter how many engines exist. procMu serialises registration and is never
// taken on the capture path, which reads procRegistry atomically.
var (
	procMu       sync.Mutex
	procRegistry atomic.Pointer[registry.Registry[*arming]]

	// reserve is swapped in tests to simulate mapping failures.
	reserve = capture.Reserve

	// crashOwner is the registration the runtime's fatal error report is
	// redirected to. Guarded by procMu.
	crashOwner *arming
)

func lookupArming(sig signals.Signal) *arming {
	reg := procRegistry.Load()
	if reg == nil {
		return nil
	}
	e := reg.Lookup(sig)
	if e == nil || !e.Installed() {
		return nil
	}
	return e.Owner
}

// IsInstalled reports whether any engine in the process owns sig.
func IsInstalled(sig signals.Signal) bool {
	reg := procRegistry.Load()
	return reg != nil && reg.IsInstalled(sig)
}

// Engine is the crash-capture engine.
type Engine struct {
	logger  *logging.Logger
	sink    capture.Sink
	meta    any
	metrics *Metrics
	pid     int32
	seq     atomic.Uint64

	// exit ends the process. chain re-delivers a signal to its previous
	// disposition. Both are replaceable so tests survive a capture.
	exit  func(code int)
	chain func(sig signals.Signal, prev registry.Previous)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for registration events.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSink overrides the sink resolved from Config.Output.
func WithSink(s capture.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithMetadata sets the process description written at the head of file
// outputs.
func WithMetadata(meta any) Option {
	return func(e *Engine) { e.meta = meta }
}

// WithMetrics shares a metrics instance between engines.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithExitFunc replaces the process exit used after a capture.
func WithExitFunc(fn func(code int)) Option {
	return func(e *Engine) { e.exit = fn }
}

// WithChainFunc replaces how a signal is handed to its previous disposition.
func WithChainFunc(fn func(sig signals.Signal, prev registry.Previous)) Option {
	return func(e *Engine) { e.chain = fn }
}

// New creates an engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:  logging.NewLogger(logging.WARN, false),
		metrics: NewMetrics(),
		pid:     int32(os.Getpid()),
		exit:    os.Exit,
	}
	e.chain = e.chainPrevious
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Metrics returns the engine's counters.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Token identifies one registration.
type Token struct {
	engine *Engine
	arming *arming
	once   sync.Once
	err    error
}

// Signals returns the signals owned by this registration.
func (t *Token) Signals() []signals.Signal {
	return t.arming.cfg.Signals()
}

// Config returns the configuration the registration was made with.
func (t *Token) Config() Config {
	return t.arming.cfg
}

// Unregister is shorthand for t's engine Unregister.
func (t *Token) Unregister() error {
	return t.engine.Unregister(t)
}

// Register installs handlers for every signal in cfg. Buffers, the sink and
// the dispatcher are set up before the first handler goes live; on any
// failure everything done so far is undone and no handler stays installed.
func (e *Engine) Register(cfg Config) (*Token, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	procMu.Lock()
	defer procMu.Unlock()

	reg := procRegistry.Load()
	if reg != nil {
		for _, sig := range cfg.Signals() {
			if reg.Lookup(sig) != nil {
				return nil, &AlreadyRegisteredError{Signal: sig}
			}
		}
	}

	a, err := e.arm(cfg)
	if err != nil {
		return nil, err
	}

	if reg == nil {
		reg = registry.New[*arming]()
		procRegistry.Store(reg)
	}

	entries := make([]*registry.Entry[*arming], 0, cfg.SignalSet().Len())
	for _, sig := range cfg.Signals() {
		entry, err := reg.Store(sig, e.probePrevious(cfg, sig), a)
		if err != nil {
			for _, done := range entries {
				reg.Take(done.Signal)
			}
			e.dropRegistryIfEmpty(reg)
			a.disarm()
			return nil, fmt.Errorf("failed to store handler for %s: %w", sig, err)
		}
		entries = append(entries, entry)
	}

	for _, entry := range entries {
		entry.MarkInstalled()
	}
	a.start()
	signal.Notify(a.ch, cfg.SignalSet().OS()...)
	e.redirectCrashOutput(a)

	tok := &Token{engine: e, arming: a}
	a.token = tok
	e.logger.Info("Crash handlers registered", logging.Fields{
		"signals":     cfg.SignalSet().String(),
		"detail":      cfg.Detail().String(),
		"output":      cfg.Output(),
		"disposition": cfg.Disposition().String(),
		"buffer":      cfg.BufferSize(),
	})
	return tok, nil
}

// probePrevious records the disposition a signal had before registration.
func (e *Engine) probePrevious(cfg Config, sig signals.Signal) registry.Previous {
	if fn := cfg.Chain(sig); fn != nil {
		return registry.CustomHandler(fn)
	}
	if signal.Ignored(sig.Number()) {
		return registry.IgnoreHandler()
	}
	return registry.DefaultHandler()
}

// Unregister removes tok's handlers and restores each signal's previous
// disposition. A capture already running finishes first. Unregister is
// idempotent; repeated calls return the first result.
func (e *Engine) Unregister(tok *Token) error {
	if tok == nil || tok.arming == nil {
		return ErrNotRegistered
	}
	tok.once.Do(func() {
		tok.err = tok.engine.unregister(tok)
	})
	return tok.err
}

func (e *Engine) unregister(tok *Token) error {
	procMu.Lock()
	defer procMu.Unlock()

	a := tok.arming
	signal.Stop(a.ch)
	e.restoreCrashOutput(a)

	reg := procRegistry.Load()
	if reg != nil {
		for _, sig := range a.cfg.Signals() {
			entry := reg.Lookup(sig)
			if entry == nil || entry.Owner != a {
				continue
			}
			prev, _ := reg.Take(sig)
			if prev.Kind == registry.HandlerIgnore {
				signal.Ignore(sig.Number())
			}
		}
		e.dropRegistryIfEmpty(reg)
	}

	a.drain()
	err := a.disarm()
	e.logger.Info("Crash handlers unregistered", logging.Fields{
		"signals":  a.cfg.SignalSet().String(),
		"captures": a.captures.Load(),
	})
	return err
}

// crashOutput is implemented by sinks the runtime can write its own fatal
// error report to.
type crashOutput interface {
	CrashOutput() (*os.File, error)
}

// redirectCrashOutput sends the runtime's fatal error report to a's output.
// Faults in Go code never reach os/signal: the runtime turns them into a
// panic or a fatal error, and this report is all that survives. Only one
// registration holds the redirection at a time.
func (e *Engine) redirectCrashOutput(a *arming) {
	co, ok := a.sink.(crashOutput)
	if !ok || crashOwner != nil {
		return
	}
	f, err := co.CrashOutput()
	if err == nil && f == nil {
		return
	}
	if err == nil {
		err = debug.SetCrashOutput(f, debug.CrashOptions{})
		f.Close()
	}
	if err != nil {
		e.logger.Warn("Failed to redirect runtime crash output", logging.Fields{
			"output": a.cfg.Output(),
			"error":  err,
		})
		return
	}
	crashOwner = a
}

func (e *Engine) restoreCrashOutput(a *arming) {
	if crashOwner != a {
		return
	}
	crashOwner = nil
	if err := debug.SetCrashOutput(nil, debug.CrashOptions{}); err != nil {
		e.logger.Warn("Failed to reset runtime crash output", logging.Fields{"error": err})
	}
}

func (e *Engine) dropRegistryIfEmpty(reg *registry.Registry[*arming]) {
	if reg.Len() == 0 {
		procRegistry.CompareAndSwap(reg, nil)
	}
}

// arm reserves everything the capture path needs.
func (e *Engine) arm(cfg Config) (*arming, error) {
	a := newArming(e, cfg)

	if cfg.SharedBuffer() {
		s, err := newSlot(cfg.BufferSize())
		if err != nil {
			return nil, err
		}
		for i := range a.slots {
			a.slots[i] = s
		}
	} else {
		for _, sig := range cfg.Signals() {
			s, err := newSlot(cfg.BufferSize())
			if err != nil {
				a.releaseSlots()
				return nil, err
			}
			a.slots[sig.Index()] = s
		}
	}
	abbrev, err := newSlot(capture.HeaderSize)
	if err != nil {
		a.releaseSlots()
		return nil, err
	}
	a.abbrev = abbrev

	if e.sink != nil {
		a.sink = e.sink
	} else {
		s, err := sink.Open(cfg.Output(), e.meta)
		if err != nil {
			a.releaseSlots()
			return nil, fmt.Errorf("failed to open output %s: %w", cfg.Output(), err)
		}
		a.sink = s
		if c, ok := s.(io.Closer); ok {
			a.closer = c
		}
	}
	return a, nil
}

func newSlot(size int) (*slot, error) {
	buf, err := reserve(size)
	if err != nil {
		return nil, &AllocationError{Size: size, Err: err}
	}
	return &slot{buf: buf}, nil
}
