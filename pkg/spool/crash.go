package spool

import (
	"bytes"
	"regexp"
	"strconv"

	"github.com/psantana5/airbag/pkg/capture"
	"github.com/psantana5/airbag/pkg/models"
	"github.com/psantana5/airbag/pkg/signals"
)

// First lines the Go runtime starts a fatal error report with. None of them
// can be mistaken for a frame header, whose fifth byte is a frame kind.
var crashPrefixes = [][]byte{
	[]byte("panic: "),
	[]byte("fatal error: "),
	[]byte("unexpected fault address"),
	[]byte("runtime: "),
	[]byte("SIG"),
}

var (
	crashSignal = regexp.MustCompile(`(?m)^\[signal (SIG[A-Z]+)|^(SIG[A-Z]+): `)
	crashAddr   = regexp.MustCompile(`\baddr=0x([0-9a-f]+)`)
	crashPC     = regexp.MustCompile(`\bpc=0x([0-9a-f]+)`)
	crashCode   = regexp.MustCompile(`\bcode=(0x[0-9a-f]+|-?[0-9]+)`)
)

func isCrashText(b []byte) bool {
	for _, p := range crashPrefixes {
		if bytes.HasPrefix(b, p) {
			return true
		}
	}
	return false
}

// crashTextEnd returns where the runtime report starting at data[0] ends:
// at the metadata frame of a later process that reopened the spool, or at
// the end of data.
func crashTextEnd(data []byte) int {
	for i := 1; i+capture.FrameHeaderSize <= len(data); i++ {
		if data[i-1] != '\n' {
			continue
		}
		frame := data[i:]
		if frame[4] != capture.KindMetadata || frame[5] != capture.WireVersion {
			continue
		}
		n, err := capture.FrameLen(frame)
		if err != nil || n > len(frame) {
			continue
		}
		var proc models.Process
		if capture.DecodeMetadata(frame[:n], &proc) == nil {
			return i
		}
	}
	return len(data)
}

// parseCrash turns a runtime fatal error report into a record. A plain
// unrecovered panic names no signal and is recorded as SIGABRT, the signal
// the runtime raises for it under GOTRACEBACK=crash.
func parseCrash(text []byte) *capture.Report {
	flags := capture.FlagPartial | capture.FlagRuntime
	sig := signals.ABRT
	if m := crashSignal.FindSubmatch(text); m != nil {
		name := m[1]
		if len(name) == 0 {
			name = m[2]
		}
		if parsed, err := signals.Parse(string(name)); err == nil {
			sig = parsed
		}
	}
	if !bytes.Contains(text, []byte("goroutine ")) {
		flags |= capture.FlagNoStack
	}

	rep := &capture.Report{
		Signal:       sig.String(),
		SignalNumber: int(sig.Number()),
		Flags:        flags.Names(),
		Partial:      true,
		Dump:         string(text),
	}
	if v, ok := hexField(crashAddr, text); ok {
		rep.FaultAddr = v
	}
	if v, ok := hexField(crashPC, text); ok {
		rep.IP = v
		rep.Registers = map[string]uint64{"pc": v}
	}
	if m := crashCode.FindSubmatch(text); m != nil {
		if v, err := strconv.ParseInt(string(m[1]), 0, 32); err == nil {
			rep.Code = int32(v)
		}
	}
	return rep
}

func hexField(re *regexp.Regexp, text []byte) (uint64, bool) {
	m := re.FindSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(string(m[1]), 16, 64)
	return v, err == nil
}
