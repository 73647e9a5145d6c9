//go:build unix

package sink

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/airbag/pkg/capture"
	"github.com/psantana5/airbag/pkg/signals"
)

func encodedRecord(t *testing.T, seq uint64, sig signals.Signal, dump string) *capture.Record {
	t.Helper()
	buf := make([]byte, capture.HeaderSize+len(dump))
	copy(buf[capture.HeaderSize:], dump)
	rec := &capture.Record{Seq: seq, Signal: sig, PID: 42, TID: 43, IP: 0x1234}
	require.NotZero(t, capture.Encode(buf, rec, len(dump)))
	return rec
}

func TestFileSinkWritesMetadataAndFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.spool")
	s, err := OpenFile(path, map[string]int{"pid": 42})
	require.NoError(t, err)

	s.Deliver(encodedRecord(t, 1, signals.SEGV, "dump-1"))
	s.Deliver(encodedRecord(t, 2, signals.ABRT, ""))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, uint64(2), s.Delivered())
	assert.Zero(t, s.Failures())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var meta map[string]int
	require.NoError(t, capture.DecodeMetadata(data, &meta))
	assert.Equal(t, 42, meta["pid"])

	n, err := capture.FrameLen(data)
	require.NoError(t, err)
	rep, err := capture.Decode(data[n:])
	require.NoError(t, err)
	assert.Equal(t, "SIGSEGV", rep.Signal)
	assert.Equal(t, "dump-1", rep.Dump)
}

func TestFileSinkCrashOutputAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.spool")
	s, err := OpenFile(path, nil)
	require.NoError(t, err)
	s.Deliver(encodedRecord(t, 1, signals.SEGV, ""))

	f, err := s.CrashOutput()
	require.NoError(t, err)
	require.NotNil(t, f)
	_, err = f.WriteString("fatal error: fault\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, capture.HeaderSize+len("fatal error: fault\n"))
	assert.Equal(t, "fatal error: fault\n", string(data[capture.HeaderSize:]))

	f, err = NewFDSink(2).CrashOutput()
	assert.NoError(t, err)
	assert.Nil(t, f, "the runtime already reports on stderr")
}

func TestFileSinkCountsFailures(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	r.Close()
	defer w.Close()

	s := NewFDSink(int(w.Fd()))
	s.Deliver(&capture.Record{})
	assert.Equal(t, uint64(1), s.Failures(), "empty wire counts as a failure")

	s.Deliver(encodedRecord(t, 1, signals.SEGV, ""))
	assert.Equal(t, uint64(2), s.Failures(), "broken pipe counts as a failure")
	assert.Zero(t, s.Delivered())
}

func TestTextSink(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	s := NewTextSink(int(w.Fd()))
	rec := encodedRecord(t, 1, signals.BUS, "goroutine 1 [running]:\n")
	rec.Flags |= capture.FlagPartial
	s.Deliver(rec)
	w.Close()

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	text := string(out)
	assert.True(t, strings.HasPrefix(text, "airbag: SIGBUS seq=1 pid=42 tid=43"), text)
	assert.Contains(t, text, "ip=0x1234")
	assert.Contains(t, text, " partial")
	assert.Contains(t, text, "goroutine 1 [running]:")
	assert.Equal(t, uint64(1), s.Delivered())
}

func TestMemorySinkRing(t *testing.T) {
	m := NewMemorySink(2, capture.HeaderSize+64)
	for i, sig := range []signals.Signal{signals.SEGV, signals.ABRT, signals.FPE} {
		m.Deliver(encodedRecord(t, uint64(i+1), sig, "d"))
	}

	assert.Equal(t, 2, m.Len())
	assert.Equal(t, uint64(3), m.Total())
	recs := m.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, signals.ABRT, recs[0].Signal)
	assert.Equal(t, signals.FPE, recs[1].Signal)
	assert.Equal(t, "d", string(recs[1].Dump))

	assert.Equal(t, uint64(2), recs[0].Seq)
	assert.Equal(t, uint64(3), recs[1].Seq)

	reports := m.Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, uint64(2), reports[0].Seq)
	assert.Equal(t, uint64(3), reports[1].Seq)

	m.Reset()
	assert.Zero(t, m.Len())
}

func TestMemorySinkTruncates(t *testing.T) {
	m := NewMemorySink(1, 0)
	m.Deliver(encodedRecord(t, 1, signals.SEGV, strings.Repeat("x", 100)))
	recs := m.Records()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Flags.Has(capture.FlagTruncated))
	assert.Len(t, recs[0].Wire, capture.HeaderSize)
}

func TestMemorySinkDeliverDoesNotAllocate(t *testing.T) {
	m := NewMemorySink(4, capture.HeaderSize+32)
	rec := encodedRecord(t, 1, signals.SEGV, "abc")
	allocs := testing.AllocsPerRun(100, func() {
		m.Deliver(rec)
	})
	assert.Zero(t, allocs)
}

func TestOpen(t *testing.T) {
	s, err := Open("stderr", nil)
	require.NoError(t, err)
	assert.IsType(t, &TextSink{}, s)

	s, err = Open("fd:1", nil)
	require.NoError(t, err)
	assert.Equal(t, "fd:1", s.(*FileSink).Name())

	path := filepath.Join(t.TempDir(), "out.spool")
	s, err = Open("file:"+path, nil)
	require.NoError(t, err)
	require.NoError(t, s.(io.Closer).Close())

	for _, bad := range []string{"", "syslog", "fd:x", "fd:-1", "file:"} {
		_, err := Open(bad, nil)
		assert.ErrorIs(t, err, ErrBadOutput, bad)
	}
}
