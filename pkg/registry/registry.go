// Package registry tracks, per fatal signal, which handler is installed and
// what disposition was in place before it.
//
// Entries are published through atomic pointers so the capture path can look
// them up without taking a lock. Only registration code mutates a Registry.
package registry

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/psantana5/airbag/pkg/signals"
)

var (
	ErrEntryExists   = errors.New("handler already stored for signal")
	ErrInvalidSignal = errors.New("invalid signal")
)

// HandlerKind tags the disposition that was in effect before installation.
type HandlerKind uint8

const (
	HandlerNone HandlerKind = iota
	HandlerDefault
	HandlerIgnore
	HandlerCustom
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerNone:
		return "none"
	case HandlerDefault:
		return "default"
	case HandlerIgnore:
		return "ignore"
	case HandlerCustom:
		return "custom"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Previous is the prior disposition of a signal. Func is set only for
// HandlerCustom.
type Previous struct {
	Kind HandlerKind
	Func func(signals.Signal)
}

// DefaultHandler returns the kernel default disposition.
func DefaultHandler() Previous { return Previous{Kind: HandlerDefault} }

// IgnoreHandler returns the ignore disposition.
func IgnoreHandler() Previous { return Previous{Kind: HandlerIgnore} }

// CustomHandler wraps fn as a previous handler.
func CustomHandler(fn func(signals.Signal)) Previous {
	if fn == nil {
		return Previous{Kind: HandlerNone}
	}
	return Previous{Kind: HandlerCustom, Func: fn}
}

func (p Previous) String() string {
	return p.Kind.String()
}

// Entry is the immutable record of one installed handler.
type Entry[O any] struct {
	Signal   signals.Signal
	Previous Previous
	Owner    O

	installed atomic.Bool
}

// Installed reports whether the handler is live.
func (e *Entry[O]) Installed() bool {
	return e.installed.Load()
}

// MarkInstalled flags the entry live once the OS-level hook is in place.
func (e *Entry[O]) MarkInstalled() {
	e.installed.Store(true)
}

// Registry holds at most one entry per signal.
type Registry[O any] struct {
	slots [signals.Count]atomic.Pointer[Entry[O]]
}

// New returns an empty registry.
func New[O any]() *Registry[O] {
	return &Registry[O]{}
}

// Store records prev as the disposition to restore for sig. It fails with
// ErrEntryExists when sig already has an entry; the existing entry is left
// untouched.
func (r *Registry[O]) Store(sig signals.Signal, prev Previous, owner O) (*Entry[O], error) {
	if !sig.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSignal, sig)
	}
	e := &Entry[O]{Signal: sig, Previous: prev, Owner: owner}
	if !r.slots[sig.Index()].CompareAndSwap(nil, e) {
		return nil, fmt.Errorf("%w: %s", ErrEntryExists, sig)
	}
	return e, nil
}

// Take removes the entry for sig and returns its previous disposition.
func (r *Registry[O]) Take(sig signals.Signal) (Previous, bool) {
	if !sig.Valid() {
		return Previous{}, false
	}
	e := r.slots[sig.Index()].Swap(nil)
	if e == nil {
		return Previous{}, false
	}
	e.installed.Store(false)
	return e.Previous, true
}

// Lookup returns the entry for sig or nil. It does not allocate.
func (r *Registry[O]) Lookup(sig signals.Signal) *Entry[O] {
	if !sig.Valid() {
		return nil
	}
	return r.slots[sig.Index()].Load()
}

// IsInstalled reports whether a live handler exists for sig.
func (r *Registry[O]) IsInstalled(sig signals.Signal) bool {
	e := r.Lookup(sig)
	return e != nil && e.Installed()
}

// Len returns the number of stored entries.
func (r *Registry[O]) Len() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].Load() != nil {
			n++
		}
	}
	return n
}

// Signals returns the signals that currently have an entry.
func (r *Registry[O]) Signals() []signals.Signal {
	var out []signals.Signal
	for _, sig := range signals.All() {
		if r.Lookup(sig) != nil {
			out = append(out, sig)
		}
	}
	return out
}
