package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownRunsStepsInReverse(t *testing.T) {
	m := New(time.Second, nil)
	var order []string
	m.Register("store", func(context.Context) error { order = append(order, "store"); return nil })
	m.Register("server", func(context.Context) error { order = append(order, "server"); return nil })

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"server", "store"}, order)

	select {
	case <-m.Done():
	default:
		t.Fatal("done channel not closed")
	}

	require.NoError(t, m.Shutdown())
	assert.Len(t, order, 2, "steps run once")
}

func TestShutdownJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	m := New(time.Second, nil)
	m.Register("a", func(context.Context) error { return boom })
	m.Register("b", func(context.Context) error { return nil })

	err := m.Shutdown()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "a: boom")
}

func TestWaitReturnsOnContext(t *testing.T) {
	m := New(time.Second, nil)
	ran := false
	m.Register("flag", func(context.Context) error { ran = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Wait(ctx))
	assert.True(t, ran)
}
