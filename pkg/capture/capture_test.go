//go:build linux

package capture

import (
	"errors"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/psantana5/airbag/pkg/signals"
)

func TestReserveAndRelease(t *testing.T) {
	buf, err := Reserve(HeaderSize + 4096)
	require.NoError(t, err)
	assert.Equal(t, HeaderSize+4096, buf.Cap())
	assert.Len(t, buf.Header(), HeaderSize)
	assert.Len(t, buf.DumpRegion(), 4096)

	for _, b := range buf.Writable() {
		if b != 0 {
			t.Fatal("fresh buffer must be zeroed")
		}
	}

	copy(buf.DumpRegion(), "dirty")
	buf.Reset()
	assert.Equal(t, byte(0), buf.DumpRegion()[0])

	require.NoError(t, buf.Release())
	assert.ErrorIs(t, buf.Release(), ErrReleased)
	assert.Nil(t, buf.Writable())
}

func TestReserveTooSmall(t *testing.T) {
	_, err := Reserve(HeaderSize - 1)
	assert.Error(t, err)
}

func TestEncodeDecode(t *testing.T) {
	buf, err := Reserve(HeaderSize + 256)
	require.NoError(t, err)
	defer buf.Release()

	rec := Record{
		Seq:       7,
		Signal:    signals.SEGV,
		Code:      CodeTkill,
		Flags:     FlagSynthetic | FlagTruncated,
		Timestamp: 1_700_000_000_123_456_789,
		PID:       100,
		TID:       101,
		Addr:      0xdead,
		IP:        0x401000,
		Regs: Registers{
			Valid:   RegPC | RegSP | RegSyscall | RegArgs,
			PC:      0x401000,
			SP:      0xc000100000,
			Syscall: 202,
			Args:    [6]uint64{1, 2, 3, 4, 5, 6},
		},
		Depth: 3,
	}
	rec.Frames[0], rec.Frames[1], rec.Frames[2] = 0x10, 0x20, 0x30
	rec.Frames[3] = 0x40 // beyond Depth, must not be encoded

	dump := "goroutine 1 [running]:\n"
	copy(buf.DumpRegion(), dump)
	n := Encode(buf.Writable(), &rec, len(dump))
	require.Equal(t, HeaderSize+len(dump), n)
	assert.Len(t, rec.Wire, n)
	assert.Equal(t, dump, string(rec.Dump))

	size, err := FrameLen(rec.Wire)
	require.NoError(t, err)
	assert.Equal(t, n, size)

	rep, err := Decode(rec.Wire)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), rep.Seq)
	assert.Equal(t, "SIGSEGV", rep.Signal)
	assert.Equal(t, int(unix.SIGSEGV), rep.SignalNumber)
	assert.Equal(t, CodeTkill, rep.Code)
	assert.ElementsMatch(t, []string{"synthetic", "truncated"}, rep.Flags)
	assert.False(t, rep.Partial)
	assert.Equal(t, int64(1_700_000_000_123_456_789), rep.Timestamp.UnixNano())
	assert.Equal(t, 100, rep.PID)
	assert.Equal(t, 101, rep.TID)
	assert.Equal(t, uint64(0xdead), rep.FaultAddr)
	assert.Equal(t, []uint64{0x10, 0x20, 0x30}, rep.Frames)
	assert.Equal(t, uint64(202), rep.Registers["syscall"])
	assert.Equal(t, uint64(6), rep.Registers["arg5"])
	assert.Equal(t, dump, rep.Dump)
}

func TestEncodeRejectsSmallBuffer(t *testing.T) {
	var rec Record
	assert.Zero(t, Encode(make([]byte, HeaderSize-1), &rec, 0))
	assert.Zero(t, Encode(make([]byte, HeaderSize), &rec, 1))
	assert.Nil(t, rec.Wire)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte{1, 2})
	assert.True(t, errors.Is(err, ErrShortFrame))

	var rec Record
	rec.Signal = signals.ABRT
	wire := make([]byte, HeaderSize)
	require.Equal(t, HeaderSize, Encode(wire, &rec, 0))

	_, err = Decode(wire[:HeaderSize-10])
	assert.True(t, errors.Is(err, ErrShortFrame))

	wire[offKind] = 'X'
	_, err = Decode(wire)
	assert.True(t, errors.Is(err, ErrBadFrame))
}

func TestMetadataFrame(t *testing.T) {
	frame, err := EncodeMetadata(map[string]string{"host": "db-1"})
	require.NoError(t, err)

	n, err := FrameLen(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)

	var meta map[string]string
	require.NoError(t, DecodeMetadata(frame, &meta))
	assert.Equal(t, "db-1", meta["host"])

	_, err = Decode(frame)
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestParseSyscall(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  parseResult
		regs  Registers
	}{
		{
			name:  "in syscall",
			input: "202 0xc000058148 0x80 0x0 0x0 0x0 0x0 0x7ffd8c2a7e28 0x46e1a3\n",
			want:  parseOK,
			regs: Registers{
				Valid:   RegSyscall | RegArgs | RegSP | RegPC,
				Syscall: 202,
				Args:    [6]uint64{0xc000058148, 0x80},
				SP:      0x7ffd8c2a7e28,
				PC:      0x46e1a3,
			},
		},
		{
			name:  "blocked outside syscall",
			input: "-1 0x7ffd8c2a7e28 0x46e1a3\n",
			want:  parseOK,
			regs: Registers{
				Valid:   RegSyscall | RegSP | RegPC,
				Syscall: ^uint64(0),
				SP:      0x7ffd8c2a7e28,
				PC:      0x46e1a3,
			},
		},
		{name: "running", input: "running\n", want: parseRunning},
		{name: "garbage", input: "zz 0x1\n", want: parseBad},
		{name: "truncated", input: "202 0x1 0x2\n0x3", want: parseBad},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var regs Registers
			got := parseSyscall([]byte(tt.input), &regs)
			assert.Equal(t, tt.want, got)
			if tt.want == parseOK {
				assert.Equal(t, tt.regs, regs)
			}
		})
	}
}

func TestRegisterReaderOwnThread(t *testing.T) {
	if _, err := os.Stat("/proc/self/syscall"); err != nil {
		t.Skipf("procfs syscall file unavailable: %v", err)
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var r RegisterReader
	var regs Registers
	if !r.Read(unix.Gettid(), &regs) {
		t.Skip("kernel refused to expose thread registers")
	}
	assert.NotZero(t, regs.Valid&RegPC)
	assert.NotZero(t, regs.PC)
}

func TestFlags(t *testing.T) {
	f := FlagPartial | FlagReentrant
	assert.True(t, f.Has(FlagPartial))
	assert.False(t, f.Has(FlagPartial|FlagNoStack))
	assert.Equal(t, "partial|reentrant", f.String())
	assert.Equal(t, "none", Flags(0).String())
}
