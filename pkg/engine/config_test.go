package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/airbag/pkg/capture"
	"github.com/psantana5/airbag/pkg/signals"
	"github.com/psantana5/airbag/pkg/sink"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, signals.All(), cfg.Signals())
	assert.Equal(t, DetailFull, cfg.Detail())
	assert.Equal(t, sink.OutputStderr, cfg.Output())
	assert.Equal(t, DispositionChain, cfg.Disposition())
	assert.Equal(t, DefaultBufferSize, cfg.BufferSize())
	assert.Equal(t, DefaultMaxDepth, cfg.MaxDepth())
	assert.True(t, cfg.SharedBuffer())
	assert.NoError(t, cfg.Validate())
}

func TestBuilderRejectsInvalidConfigs(t *testing.T) {
	tests := []struct {
		name    string
		builder *Builder
		want    error
	}{
		{"empty signal set", NewBuilder().Signals(), ErrEmptySignalSet},
		{"invalid signal", NewBuilder().Signals(signals.Signal(42)), ErrUnsupportedSignal},
		{"unknown signal name", NewBuilder().SignalNames("SEGV", "SIGHUP"), ErrUnsupportedSignal},
		{"buffer below header", NewBuilder().BufferSize(capture.HeaderSize - 1), ErrInvalidConfig},
		{"buffer too large", NewBuilder().BufferSize(MaxBufferSize + 1), ErrInvalidConfig},
		{"zero depth", NewBuilder().MaxDepth(0), ErrInvalidConfig},
		{"depth beyond frames", NewBuilder().MaxDepth(capture.MaxFrames + 1), ErrInvalidConfig},
		{"bad output", NewBuilder().Output("carrier-pigeon"), ErrInvalidConfig},
		{"bad fd", NewBuilder().Output("fd:-3"), ErrInvalidConfig},
		{"bad detail", NewBuilder().Detail(Detail(9)), ErrInvalidConfig},
		{"bad disposition", NewBuilder().Disposition(Disposition(9)), ErrInvalidConfig},
		{"rule without module", NewBuilder().AddRule(signals.SEGV, "  "), ErrInvalidConfig},
		{"rule for invalid signal", NewBuilder().AddRule(signals.Signal(0), "m"), ErrUnsupportedSignal},
		{"chain for invalid signal", NewBuilder().ChainTo(signals.Signal(7), func(signals.Signal) {}), ErrUnsupportedSignal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestUnknownSignalNameIsReported(t *testing.T) {
	_, err := NewBuilder().SignalNames("SIGHUP").Build()

	var unsupported *UnsupportedSignalError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "SIGHUP", unsupported.Value)
}

func TestBuilderSignalNames(t *testing.T) {
	cfg, err := NewBuilder().SignalNames("sigsegv", "ABRT", "8").Build()
	require.NoError(t, err)

	assert.Equal(t, []signals.Signal{signals.SEGV, signals.ABRT, signals.FPE}, cfg.Signals())
	assert.True(t, cfg.SignalSet().Has(signals.ABRT))
	assert.False(t, cfg.SignalSet().Has(signals.BUS))
}

func TestRulesAreCopied(t *testing.T) {
	keywords := []string{"parse"}
	b := NewBuilder().AddRule(signals.SEGV, "example.com/plugin", keywords...)
	cfg, err := b.Build()
	require.NoError(t, err)

	keywords[0] = "mutated"
	rules := cfg.Rules(signals.SEGV)
	require.Len(t, rules, 1)
	assert.Equal(t, []string{"parse"}, rules[0].Keywords)

	rules[0].Module = "changed"
	assert.Equal(t, "example.com/plugin", cfg.Rules(signals.SEGV)[0].Module)

	b.AddRule(signals.SEGV, "example.com/other")
	assert.Len(t, cfg.Rules(signals.SEGV), 1, "built configs are immutable")
	assert.Empty(t, cfg.Rules(signals.ABRT))
}

func TestParseDetailAndDisposition(t *testing.T) {
	d, err := ParseDetail("Minimal")
	require.NoError(t, err)
	assert.Equal(t, DetailMinimal, d)

	d, err = ParseDetail("")
	require.NoError(t, err)
	assert.Equal(t, DetailFull, d)

	_, err = ParseDetail("verbose")
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	disp, err := ParseDisposition("exit")
	require.NoError(t, err)
	assert.Equal(t, DispositionTerminate, disp)

	_, err = ParseDisposition("ignore")
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestConfigString(t *testing.T) {
	cfg, err := NewBuilder().Signals(signals.SEGV, signals.BUS).Detail(DetailMinimal).Build()
	require.NoError(t, err)

	assert.Equal(t,
		"signals=SIGSEGV,SIGBUS detail=minimal output=stderr disposition=chain buffer=65536 depth=30 shared=true",
		cfg.String())
}
