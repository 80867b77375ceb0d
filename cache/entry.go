package cache

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/skyhooklab/kestrel/history"
	"github.com/skyhooklab/kestrel/sim"
)

// ErrBadEncoding is returned when stored bytes cannot be decoded. Callers
// treat it as a cache miss, never as a simulation failure.
var ErrBadEncoding = errors.New("bad cache entry encoding")

const entryVersion = 1

// A Delta is one recorded resource write, with the value already encoded by
// the resource's codec.
type Delta struct {
	Resource history.ResourceID
	Time     sim.SimTime
	Value    []byte
}

// A Spawn notes a child activity the subtree launched.
type Spawn struct {
	Type string
	At   sim.SimTime
}

// A Fault is a recorded task failure inside the subtree.
type Fault struct {
	ActivityID string
	Time       sim.SimTime
	Message    string
}

// An Entry is everything a plan activity's subtree did to the simulation,
// in application order. Replaying the deltas in order reproduces the
// subtree's exposed history exactly.
type Entry struct {
	Deltas []Delta
	Spawns []Spawn
	Faults []Fault
}

// Encode serializes the entry with a compact, versioned binary layout.
func (e Entry) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(entryVersion)

	putU32(&buf, uint32(len(e.Deltas)))
	for _, d := range e.Deltas {
		putBytes(&buf, []byte(d.Resource))
		putI64(&buf, int64(d.Time))
		putBytes(&buf, d.Value)
	}

	putU32(&buf, uint32(len(e.Spawns)))
	for _, s := range e.Spawns {
		putBytes(&buf, []byte(s.Type))
		putI64(&buf, int64(s.At))
	}

	putU32(&buf, uint32(len(e.Faults)))
	for _, f := range e.Faults {
		putBytes(&buf, []byte(f.ActivityID))
		putI64(&buf, int64(f.Time))
		putBytes(&buf, []byte(f.Message))
	}

	return buf.Bytes()
}

// DecodeEntry parses bytes produced by Encode.
func DecodeEntry(data []byte) (Entry, error) {
	r := reader{data: data}

	v, ok := r.byte()
	if !ok || v != entryVersion {
		return Entry{}, ErrBadEncoding
	}

	var e Entry

	n, ok := r.u32()
	if !ok {
		return Entry{}, ErrBadEncoding
	}
	for i := uint32(0); i < n; i++ {
		res, ok1 := r.bytes()
		t, ok2 := r.i64()
		val, ok3 := r.bytes()
		if !ok1 || !ok2 || !ok3 {
			return Entry{}, ErrBadEncoding
		}
		e.Deltas = append(e.Deltas, Delta{
			Resource: history.ResourceID(res),
			Time:     sim.SimTime(t),
			Value:    append([]byte(nil), val...),
		})
	}

	n, ok = r.u32()
	if !ok {
		return Entry{}, ErrBadEncoding
	}
	for i := uint32(0); i < n; i++ {
		typ, ok1 := r.bytes()
		at, ok2 := r.i64()
		if !ok1 || !ok2 {
			return Entry{}, ErrBadEncoding
		}
		e.Spawns = append(e.Spawns, Spawn{
			Type: string(typ),
			At:   sim.SimTime(at),
		})
	}

	n, ok = r.u32()
	if !ok {
		return Entry{}, ErrBadEncoding
	}
	for i := uint32(0); i < n; i++ {
		id, ok1 := r.bytes()
		t, ok2 := r.i64()
		msg, ok3 := r.bytes()
		if !ok1 || !ok2 || !ok3 {
			return Entry{}, ErrBadEncoding
		}
		e.Faults = append(e.Faults, Fault{
			ActivityID: string(id),
			Time:       sim.SimTime(t),
			Message:    string(msg),
		})
	}

	if !r.empty() {
		return Entry{}, ErrBadEncoding
	}
	return e, nil
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putI64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func putBytes(buf *bytes.Buffer, data []byte) {
	putU32(buf, uint32(len(data)))
	buf.Write(data)
}

type reader struct {
	data []byte
}

func (r *reader) byte() (byte, bool) {
	if len(r.data) < 1 {
		return 0, false
	}
	b := r.data[0]
	r.data = r.data[1:]
	return b, true
}

func (r *reader) u32() (uint32, bool) {
	if len(r.data) < 4 {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(r.data)
	r.data = r.data[4:]
	return v, true
}

func (r *reader) i64() (int64, bool) {
	if len(r.data) < 8 {
		return 0, false
	}
	v := int64(binary.LittleEndian.Uint64(r.data))
	r.data = r.data[8:]
	return v, true
}

func (r *reader) bytes() ([]byte, bool) {
	l, ok := r.u32()
	if !ok || uint32(len(r.data)) < l {
		return nil, false
	}
	b := r.data[:l]
	r.data = r.data[l:]
	return b, true
}

func (r *reader) empty() bool {
	return len(r.data) == 0
}
