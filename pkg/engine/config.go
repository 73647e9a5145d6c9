package engine

import (
	"fmt"
	"strings"

	"github.com/psantana5/airbag/pkg/capture"
	"github.com/psantana5/airbag/pkg/signals"
	"github.com/psantana5/airbag/pkg/sink"
)

// Detail selects how much state the capture routine records.
type Detail uint8

const (
	// DetailMinimal records the instruction pointer and register snapshot.
	DetailMinimal Detail = iota
	// DetailFull adds the stack walk and a traceback of every goroutine.
	DetailFull
)

func (d Detail) String() string {
	switch d {
	case DetailMinimal:
		return "minimal"
	case DetailFull:
		return "full"
	default:
		return fmt.Sprintf("detail(%d)", uint8(d))
	}
}

// ParseDetail parses "minimal" or "full".
func ParseDetail(s string) (Detail, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min":
		return DetailMinimal, nil
	case "full", "":
		return DetailFull, nil
	default:
		return 0, fmt.Errorf("%w: unknown detail level %q", ErrInvalidConfig, s)
	}
}

// Disposition selects what happens once a record has been handed off.
type Disposition uint8

const (
	// DispositionChain restores the previous handler and re-delivers the
	// signal so the process ends the way it would have without airbag.
	DispositionChain Disposition = iota
	// DispositionTerminate exits with status 128+signo.
	DispositionTerminate
)

func (d Disposition) String() string {
	switch d {
	case DispositionChain:
		return "chain"
	case DispositionTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("disposition(%d)", uint8(d))
	}
}

// ParseDisposition parses "chain" or "terminate".
func ParseDisposition(s string) (Disposition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "chain", "":
		return DispositionChain, nil
	case "terminate", "exit":
		return DispositionTerminate, nil
	default:
		return 0, fmt.Errorf("%w: unknown disposition %q", ErrInvalidConfig, s)
	}
}

// Rule absorbs a fault instead of chaining it. A rule matches when some
// walked frame's function or file contains Module and, if Keywords is not
// empty, some frame's function contains one of the keywords.
type Rule struct {
	Module   string   `json:"module" yaml:"module"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// Limits and defaults.
const (
	DefaultBufferSize = 64 << 10
	MaxBufferSize     = 64 << 20
	DefaultMaxDepth   = 30
)

// Config is an immutable capture configuration produced by Builder.Build.
type Config struct {
	set          signals.Set
	detail       Detail
	output       string
	disposition  Disposition
	bufferSize   int
	maxDepth     int
	sharedBuffer bool
	rules        [signals.Count][]Rule
	chain        [signals.Count]func(signals.Signal)
}

// DefaultConfig captures every fatal signal with full detail to stderr.
func DefaultConfig() Config {
	cfg, _ := NewBuilder().Build()
	return cfg
}

// Signals returns the configured signals in declaration order.
func (c Config) Signals() []signals.Signal { return c.set.Signals() }

// SignalSet returns the configured signals as a set.
func (c Config) SignalSet() signals.Set { return c.set }

// Detail returns the detail level.
func (c Config) Detail() Detail { return c.detail }

// Output returns the output-channel identifier.
func (c Config) Output() string { return c.output }

// Disposition returns the post-capture disposition.
func (c Config) Disposition() Disposition { return c.disposition }

// BufferSize returns the capture buffer capacity in bytes.
func (c Config) BufferSize() int { return c.bufferSize }

// MaxDepth returns the stack walk bound.
func (c Config) MaxDepth() int { return c.maxDepth }

// SharedBuffer reports whether all signals share one buffer.
func (c Config) SharedBuffer() bool { return c.sharedBuffer }

// Rules returns a copy of the absorb rules for sig.
func (c Config) Rules(sig signals.Signal) []Rule {
	if !sig.Valid() {
		return nil
	}
	return copyRules(c.rules[sig.Index()])
}

// Chain returns the custom previous handler configured for sig, or nil.
func (c Config) Chain(sig signals.Signal) func(signals.Signal) {
	if !sig.Valid() {
		return nil
	}
	return c.chain[sig.Index()]
}

func (c Config) String() string {
	return fmt.Sprintf("signals=%s detail=%s output=%s disposition=%s buffer=%d depth=%d shared=%t",
		c.set, c.detail, c.output, c.disposition, c.bufferSize, c.maxDepth, c.sharedBuffer)
}

func copyRules(in []Rule) []Rule {
	if len(in) == 0 {
		return nil
	}
	out := make([]Rule, len(in))
	for i, r := range in {
		out[i] = Rule{Module: r.Module, Keywords: append([]string(nil), r.Keywords...)}
	}
	return out
}

// Builder assembles a Config. Errors are collected and reported by Build.
type Builder struct {
	cfg  Config
	errs []error
}

// NewBuilder starts from the defaults: every fatal signal, full detail,
// stderr output, chaining, a shared 64 KiB buffer and a 30 frame walk.
func NewBuilder() *Builder {
	return &Builder{cfg: Config{
		set:          signals.NewSet(signals.All()...),
		detail:       DetailFull,
		output:       sink.OutputStderr,
		disposition:  DispositionChain,
		bufferSize:   DefaultBufferSize,
		maxDepth:     DefaultMaxDepth,
		sharedBuffer: true,
	}}
}

// Signals replaces the signal set.
func (b *Builder) Signals(sigs ...signals.Signal) *Builder {
	b.cfg.set = 0
	for _, sig := range sigs {
		if !sig.Valid() {
			b.errs = append(b.errs, unsupported(sig))
			continue
		}
		b.cfg.set = b.cfg.set.Add(sig)
	}
	return b
}

// SignalNames replaces the signal set from names such as "SEGV" or "SIGABRT".
func (b *Builder) SignalNames(names ...string) *Builder {
	b.cfg.set = 0
	for _, name := range names {
		sig, err := signals.Parse(name)
		if err != nil {
			b.errs = append(b.errs, &UnsupportedSignalError{Value: name})
			continue
		}
		b.cfg.set = b.cfg.set.Add(sig)
	}
	return b
}

// Detail sets the detail level.
func (b *Builder) Detail(d Detail) *Builder {
	b.cfg.detail = d
	return b
}

// Output sets the output-channel identifier.
func (b *Builder) Output(id string) *Builder {
	b.cfg.output = id
	return b
}

// Disposition sets what happens after hand-off.
func (b *Builder) Disposition(d Disposition) *Builder {
	b.cfg.disposition = d
	return b
}

// BufferSize sets the capture buffer capacity.
func (b *Builder) BufferSize(n int) *Builder {
	b.cfg.bufferSize = n
	return b
}

// MaxDepth sets the stack walk bound.
func (b *Builder) MaxDepth(n int) *Builder {
	b.cfg.maxDepth = n
	return b
}

// SharedBuffer selects one buffer for all signals (true) or one per signal.
func (b *Builder) SharedBuffer(shared bool) *Builder {
	b.cfg.sharedBuffer = shared
	return b
}

// AddRule absorbs faults of sig whose stack mentions module and, when given,
// one of keywords.
func (b *Builder) AddRule(sig signals.Signal, module string, keywords ...string) *Builder {
	if !sig.Valid() {
		b.errs = append(b.errs, unsupported(sig))
		return b
	}
	if strings.TrimSpace(module) == "" {
		b.errs = append(b.errs, fmt.Errorf("%w: rule for %s has no module", ErrInvalidConfig, sig))
		return b
	}
	i := sig.Index()
	b.cfg.rules[i] = append(copyRules(b.cfg.rules[i]), Rule{
		Module:   module,
		Keywords: append([]string(nil), keywords...),
	})
	return b
}

// ChainTo sets a custom handler that DispositionChain hands sig to instead
// of the default action.
func (b *Builder) ChainTo(sig signals.Signal, fn func(signals.Signal)) *Builder {
	if !sig.Valid() {
		b.errs = append(b.errs, unsupported(sig))
		return b
	}
	b.cfg.chain[sig.Index()] = fn
	return b
}

// Build validates and returns the configuration.
func (b *Builder) Build() (Config, error) {
	if len(b.errs) > 0 {
		return Config{}, b.errs[0]
	}
	cfg := b.cfg
	for i := range cfg.rules {
		cfg.rules[i] = copyRules(cfg.rules[i])
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants a Config must satisfy before registration.
func (c Config) Validate() error {
	if c.set.Len() == 0 {
		return ErrEmptySignalSet
	}
	if c.detail != DetailMinimal && c.detail != DetailFull {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, c.detail)
	}
	if c.disposition != DispositionChain && c.disposition != DispositionTerminate {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, c.disposition)
	}
	if c.bufferSize < capture.HeaderSize || c.bufferSize > MaxBufferSize {
		return fmt.Errorf("%w: buffer size %d outside [%d, %d]",
			ErrInvalidConfig, c.bufferSize, capture.HeaderSize, MaxBufferSize)
	}
	if c.maxDepth < 1 || c.maxDepth > capture.MaxFrames {
		return fmt.Errorf("%w: max depth %d outside [1, %d]", ErrInvalidConfig, c.maxDepth, capture.MaxFrames)
	}
	if err := sink.ValidateOutput(c.output); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
