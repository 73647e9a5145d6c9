//go:build unix

package sink

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/psantana5/airbag/pkg/capture"
)

// ErrBadOutput is returned for output identifiers Open does not understand.
var ErrBadOutput = errors.New("invalid output identifier")

// Output identifiers accepted by Open.
const (
	OutputStderr  = "stderr"
	OutputDiscard = "discard"
	PrefixFD      = "fd:"
	PrefixFile    = "file:"
)

// Discard drops every record.
var Discard capture.Sink = capture.SinkFunc(func(*capture.Record) {})

// ValidateOutput checks an identifier without opening anything.
func ValidateOutput(id string) error {
	switch {
	case id == OutputStderr, id == OutputDiscard:
		return nil
	case strings.HasPrefix(id, PrefixFD):
		fd, err := strconv.Atoi(strings.TrimPrefix(id, PrefixFD))
		if err != nil || fd < 0 {
			return fmt.Errorf("%w: %q", ErrBadOutput, id)
		}
		return nil
	case strings.HasPrefix(id, PrefixFile):
		if strings.TrimPrefix(id, PrefixFile) == "" {
			return fmt.Errorf("%w: %q has no path", ErrBadOutput, id)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrBadOutput, id)
	}
}

// Open resolves an output identifier to a sink:
//
//	stderr        text summary and goroutine dump on descriptor 2
//	discard       drop records
//	fd:<n>        binary frames on an inherited descriptor
//	file:<path>   binary frames appended to a spool file, preceded by a
//	              metadata frame built from meta
//
// Sinks that own a resource implement io.Closer.
func Open(id string, meta any) (capture.Sink, error) {
	if err := ValidateOutput(id); err != nil {
		return nil, err
	}
	switch {
	case id == OutputStderr:
		return NewTextSink(2), nil
	case id == OutputDiscard:
		return Discard, nil
	case strings.HasPrefix(id, PrefixFD):
		fd, _ := strconv.Atoi(strings.TrimPrefix(id, PrefixFD))
		return NewFDSink(fd), nil
	default:
		return OpenFile(strings.TrimPrefix(id, PrefixFile), meta)
	}
}
