package capture

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/airbag/pkg/signals"
)

// Frame kinds.
const (
	KindRecord   byte = 'R'
	KindMetadata byte = 'M'
)

// WireVersion is the current frame layout version.
const WireVersion = 1

// Layout of a record frame. All integers are little endian.
const (
	offLength   = 0
	offKind     = 4
	offVersion  = 5
	offFlags    = 6
	offSignal   = 8
	offCode     = 12
	offSeq      = 16
	offTime     = 24
	offPID      = 32
	offTID      = 36
	offAddr     = 40
	offIP       = 48
	offRegValid = 56
	offDepth    = 58
	offDumpLen  = 60
	offRegs     = 64
	offFrames   = offRegs + 9*8

	// FrameHeaderSize is the part shared by every frame kind.
	FrameHeaderSize = 8
	// HeaderSize is the encoded size of a record without its dump.
	HeaderSize = offFrames + MaxFrames*8
)

var (
	ErrShortFrame = errors.New("short frame")
	ErrBadFrame   = errors.New("malformed frame")
)

// Encode writes rec's header into buf[:HeaderSize]. The dump, if any, must
// already sit at buf[HeaderSize:HeaderSize+dumpLen]. Encode sets rec.Dump and
// rec.Wire to views of buf and returns the frame size, or zero when buf is
// too small.
func Encode(buf []byte, rec *Record, dumpLen int) int {
	if dumpLen < 0 || len(buf) < HeaderSize+dumpLen {
		return 0
	}
	le := binary.LittleEndian
	total := HeaderSize + dumpLen

	le.PutUint32(buf[offLength:], uint32(total-4))
	buf[offKind] = KindRecord
	buf[offVersion] = WireVersion
	le.PutUint16(buf[offFlags:], uint16(rec.Flags))
	le.PutUint32(buf[offSignal:], uint32(rec.Signal.Number()))
	le.PutUint32(buf[offCode:], uint32(rec.Code))
	le.PutUint64(buf[offSeq:], rec.Seq)
	le.PutUint64(buf[offTime:], uint64(rec.Timestamp))
	le.PutUint32(buf[offPID:], uint32(rec.PID))
	le.PutUint32(buf[offTID:], uint32(rec.TID))
	le.PutUint64(buf[offAddr:], rec.Addr)
	le.PutUint64(buf[offIP:], rec.IP)
	le.PutUint16(buf[offRegValid:], rec.Regs.Valid)
	le.PutUint16(buf[offDepth:], rec.Depth)
	le.PutUint32(buf[offDumpLen:], uint32(dumpLen))

	le.PutUint64(buf[offRegs:], rec.Regs.PC)
	le.PutUint64(buf[offRegs+8:], rec.Regs.SP)
	le.PutUint64(buf[offRegs+16:], rec.Regs.Syscall)
	for i, arg := range rec.Regs.Args {
		le.PutUint64(buf[offRegs+24+i*8:], arg)
	}
	for i := 0; i < MaxFrames; i++ {
		var pc uint64
		if i < int(rec.Depth) {
			pc = uint64(rec.Frames[i])
		}
		le.PutUint64(buf[offFrames+i*8:], pc)
	}

	rec.Dump = buf[HeaderSize:total]
	rec.Wire = buf[:total]
	return total
}

// EncodeMetadata builds a metadata frame carrying v as JSON.
func EncodeMetadata(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	frame := make([]byte, FrameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[offLength:], uint32(len(frame)-4))
	frame[offKind] = KindMetadata
	frame[offVersion] = WireVersion
	copy(frame[FrameHeaderSize:], payload)
	return frame, nil
}

// FrameLen returns the total size of the frame starting at b, or an error
// when b does not hold a complete frame header.
func FrameLen(b []byte) (int, error) {
	if len(b) < FrameHeaderSize {
		return 0, ErrShortFrame
	}
	n := int(binary.LittleEndian.Uint32(b[offLength:])) + 4
	if n < FrameHeaderSize {
		return 0, fmt.Errorf("%w: length %d", ErrBadFrame, n)
	}
	return n, nil
}

// Report is the decoded, allocation-friendly form of a record frame.
type Report struct {
	Seq          uint64            `json:"seq" yaml:"seq"`
	Signal       string            `json:"signal" yaml:"signal"`
	SignalNumber int               `json:"signal_number" yaml:"signal_number"`
	Code         int32             `json:"code" yaml:"code"`
	Flags        []string          `json:"flags,omitempty" yaml:"flags,omitempty"`
	Partial      bool              `json:"partial" yaml:"partial"`
	Timestamp    time.Time         `json:"timestamp" yaml:"timestamp"`
	PID          int               `json:"pid" yaml:"pid"`
	TID          int               `json:"tid" yaml:"tid"`
	FaultAddr    uint64            `json:"fault_addr" yaml:"fault_addr"`
	IP           uint64            `json:"ip" yaml:"ip"`
	Registers    map[string]uint64 `json:"registers,omitempty" yaml:"registers,omitempty"`
	Frames       []uint64          `json:"frames,omitempty" yaml:"frames,omitempty"`
	Dump         string            `json:"dump,omitempty" yaml:"dump,omitempty"`
}

// Decode parses one record frame.
func Decode(b []byte) (*Report, error) {
	n, err := FrameLen(b)
	if err != nil {
		return nil, err
	}
	if len(b) < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortFrame, n, len(b))
	}
	if b[offKind] != KindRecord {
		return nil, fmt.Errorf("%w: kind %q is not a record", ErrBadFrame, b[offKind])
	}
	if b[offVersion] != WireVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadFrame, b[offVersion])
	}
	if n < HeaderSize {
		return nil, fmt.Errorf("%w: record frame of %d bytes", ErrBadFrame, n)
	}

	le := binary.LittleEndian
	flags := Flags(le.Uint16(b[offFlags:]))
	signo := int(le.Uint32(b[offSignal:]))
	depth := int(le.Uint16(b[offDepth:]))
	dumpLen := int(le.Uint32(b[offDumpLen:]))
	if depth > MaxFrames || HeaderSize+dumpLen != n {
		return nil, fmt.Errorf("%w: depth %d dump %d frame %d", ErrBadFrame, depth, dumpLen, n)
	}

	rep := &Report{
		Seq:          le.Uint64(b[offSeq:]),
		SignalNumber: signo,
		Code:         int32(le.Uint32(b[offCode:])),
		Flags:        flags.Names(),
		Partial:      flags.Has(FlagPartial),
		Timestamp:    time.Unix(0, int64(le.Uint64(b[offTime:]))).UTC(),
		PID:          int(int32(le.Uint32(b[offPID:]))),
		TID:          int(int32(le.Uint32(b[offTID:]))),
		FaultAddr:    le.Uint64(b[offAddr:]),
		IP:           le.Uint64(b[offIP:]),
	}
	if sig, ok := signals.FromNumber(signo); ok {
		rep.Signal = sig.String()
	} else {
		rep.Signal = fmt.Sprintf("signal(%d)", signo)
	}

	valid := le.Uint16(b[offRegValid:])
	if valid != 0 {
		rep.Registers = make(map[string]uint64)
		if valid&RegPC != 0 {
			rep.Registers["pc"] = le.Uint64(b[offRegs:])
		}
		if valid&RegSP != 0 {
			rep.Registers["sp"] = le.Uint64(b[offRegs+8:])
		}
		if valid&RegSyscall != 0 {
			rep.Registers["syscall"] = le.Uint64(b[offRegs+16:])
		}
		if valid&RegArgs != 0 {
			for i := 0; i < 6; i++ {
				rep.Registers[fmt.Sprintf("arg%d", i)] = le.Uint64(b[offRegs+24+i*8:])
			}
		}
	}

	if depth > 0 {
		rep.Frames = make([]uint64, depth)
		for i := range rep.Frames {
			rep.Frames[i] = le.Uint64(b[offFrames+i*8:])
		}
	}
	if dumpLen > 0 {
		rep.Dump = string(b[HeaderSize:n])
	}
	return rep, nil
}

// DecodeMetadata unmarshals the JSON payload of a metadata frame into v.
func DecodeMetadata(b []byte, v any) error {
	n, err := FrameLen(b)
	if err != nil {
		return err
	}
	if len(b) < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrShortFrame, n, len(b))
	}
	if b[offKind] != KindMetadata {
		return fmt.Errorf("%w: kind %q is not metadata", ErrBadFrame, b[offKind])
	}
	if err := json.Unmarshal(b[FrameHeaderSize:n], v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return nil
}
