package sink

import (
	"sync/atomic"

	"github.com/psantana5/airbag/pkg/capture"
)

// MemorySink keeps the most recent records in a ring of slots reserved up
// front. Deliver copies the record and its wire bytes into the next slot
// without allocating; records larger than a slot are cut short and flagged
// truncated in the copy.
//
// Readers must not run concurrently with Deliver. Call Records after the
// capture has been acknowledged.
type MemorySink struct {
	slots    []memorySlot
	slotSize int
	next     atomic.Uint64
}

type memorySlot struct {
	rec  capture.Record
	wire []byte
}

// NewMemorySink reserves capacity slots of slotSize bytes each. slotSize is
// raised to capture.HeaderSize when smaller.
func NewMemorySink(capacity, slotSize int) *MemorySink {
	if capacity < 1 {
		capacity = 1
	}
	if slotSize < capture.HeaderSize {
		slotSize = capture.HeaderSize
	}
	m := &MemorySink{slots: make([]memorySlot, capacity), slotSize: slotSize}
	for i := range m.slots {
		m.slots[i].wire = make([]byte, 0, slotSize)
	}
	return m
}

// Deliver copies rec into the ring.
func (m *MemorySink) Deliver(rec *capture.Record) {
	n := m.next.Add(1) - 1
	slot := &m.slots[n%uint64(len(m.slots))]

	slot.rec = *rec
	wire := slot.wire[:cap(slot.wire)]
	copied := copy(wire, rec.Wire)
	slot.wire = wire[:copied]
	slot.rec.Wire = slot.wire
	slot.rec.Dump = nil
	if copied > capture.HeaderSize {
		slot.rec.Dump = slot.wire[capture.HeaderSize:]
	}
	if copied < len(rec.Wire) {
		slot.rec.Flags |= capture.FlagTruncated
	}
}

// Len returns the number of records retained.
func (m *MemorySink) Len() int {
	n := m.next.Load()
	if n > uint64(len(m.slots)) {
		return len(m.slots)
	}
	return int(n)
}

// Total returns the number of records ever delivered.
func (m *MemorySink) Total() uint64 {
	return m.next.Load()
}

// Records returns copies of the retained records, oldest first.
func (m *MemorySink) Records() []capture.Record {
	total := m.next.Load()
	count := uint64(m.Len())
	out := make([]capture.Record, 0, count)
	for i := total - count; i < total; i++ {
		slot := &m.slots[i%uint64(len(m.slots))]
		rec := slot.rec
		rec.Wire = append([]byte(nil), slot.wire...)
		rec.Dump = nil
		if len(rec.Wire) > capture.HeaderSize {
			rec.Dump = rec.Wire[capture.HeaderSize:]
		}
		out = append(out, rec)
	}
	return out
}

// Reports decodes the retained records. Truncated copies that no longer
// decode are skipped.
func (m *MemorySink) Reports() []*capture.Report {
	var out []*capture.Report
	for _, rec := range m.Records() {
		rep, err := capture.Decode(rec.Wire)
		if err != nil {
			continue
		}
		out = append(out, rep)
	}
	return out
}

// Reset forgets every record.
func (m *MemorySink) Reset() {
	m.next.Store(0)
	for i := range m.slots {
		m.slots[i].rec = capture.Record{}
		m.slots[i].wire = m.slots[i].wire[:0]
	}
}
