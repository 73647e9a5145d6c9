// Package spool reads the files written by the file: output. A spool is a
// sequence of frames: a metadata frame each time a process opened the file,
// followed by the record frames that process delivered.
package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/psantana5/airbag/pkg/capture"
	"github.com/psantana5/airbag/pkg/models"
)

// Extensions used in a spool directory.
const (
	Ext     = ".spool"
	SentExt = ".sent"
)

// Segment is one process's contribution to a spool.
type Segment struct {
	Process *models.Process   `json:"process,omitempty" yaml:"process,omitempty"`
	Records []*capture.Report `json:"records" yaml:"records"`
}

// File is a decoded spool.
type File struct {
	Path     string    `json:"path" yaml:"path"`
	Segments []Segment `json:"segments" yaml:"segments"`

	// Truncated is set when the last frame was cut short, as happens when
	// the process died in the middle of a write.
	Truncated bool `json:"truncated" yaml:"truncated"`
	// Skipped counts complete frames that could not be decoded.
	Skipped int `json:"skipped" yaml:"skipped"`
	// Crashed is set when a writer's runtime appended its fatal error
	// report. Each report becomes a record flagged runtime.
	Crashed bool `json:"crashed" yaml:"crashed"`
}

// Records returns every record in file order.
func (f *File) Records() []*capture.Report {
	var out []*capture.Report
	for _, seg := range f.Segments {
		out = append(out, seg.Records...)
	}
	return out
}

// Reports pairs every record with the process that wrote it.
func (f *File) Reports() []*models.Report {
	var out []*models.Report
	for _, seg := range f.Segments {
		for _, rec := range seg.Records {
			out = append(out, models.NewReport(rec, seg.Process))
		}
	}
	return out
}

// Read loads and parses the spool at path.
func Read(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spool: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	if f.Crashed {
		// Runtime reports carry no timestamp; the last write is the closest.
		if info, err := os.Stat(path); err == nil {
			for _, rec := range f.Records() {
				if rec.Timestamp.IsZero() {
					rec.Timestamp = info.ModTime().UTC()
				}
			}
		}
	}
	return f, nil
}

// Parse decodes spool bytes. A truncated tail is tolerated, as is a runtime
// fatal error report written after the frames; a frame with an impossible
// length is not, since nothing after it can be located.
func Parse(data []byte) (*File, error) {
	f := &File{}
	var cur *Segment

	for off := 0; off < len(data); {
		if isCrashText(data[off:]) {
			end := off + crashTextEnd(data[off:])
			rep := parseCrash(data[off:end])
			if cur == nil {
				f.Segments = append(f.Segments, Segment{})
				cur = &f.Segments[len(f.Segments)-1]
			}
			if n := len(cur.Records); n > 0 {
				rep.Seq = cur.Records[n-1].Seq + 1
			} else {
				rep.Seq = 1
			}
			if cur.Process != nil {
				rep.PID = cur.Process.PID
			}
			cur.Records = append(cur.Records, rep)
			f.Crashed = true
			off = end
			continue
		}

		n, err := capture.FrameLen(data[off:])
		if errors.Is(err, capture.ErrShortFrame) {
			f.Truncated = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("frame at offset %d: %w", off, err)
		}
		if off+n > len(data) {
			f.Truncated = true
			break
		}
		frame := data[off : off+n]
		off += n

		switch frame[4] {
		case capture.KindMetadata:
			proc := &models.Process{}
			if err := capture.DecodeMetadata(frame, proc); err != nil {
				f.Skipped++
				proc = nil
			}
			f.Segments = append(f.Segments, Segment{Process: proc})
			cur = &f.Segments[len(f.Segments)-1]
		case capture.KindRecord:
			rep, err := capture.Decode(frame)
			if err != nil {
				f.Skipped++
				continue
			}
			if cur == nil {
				f.Segments = append(f.Segments, Segment{})
				cur = &f.Segments[len(f.Segments)-1]
			}
			cur.Records = append(cur.Records, rep)
		default:
			f.Skipped++
		}
	}
	return f, nil
}

// List returns the unsent spools in dir, oldest name first.
func List(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+Ext))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// MarkSent renames path so List no longer returns it.
func MarkSent(path string) (string, error) {
	sent := strings.TrimSuffix(path, Ext) + SentExt
	if err := os.Rename(path, sent); err != nil {
		return "", fmt.Errorf("failed to mark spool sent: %w", err)
	}
	return sent, nil
}

