package history

import (
	"fmt"
	"sort"
	"sync"

	"github.com/skyhooklab/kestrel/sim"
)

// Store holds the history of every resource in a simulation run.
//
// The store is safe for concurrent use. Each resource carries its own
// reader/writer arbitration: many readers may proceed together, writers are
// serialized, and a reader never observes a value mid-write.
type Store struct {
	mu     sync.RWMutex
	series map[ResourceID]*series
}

type series struct {
	mu       sync.RWMutex
	copyable bool

	// Copyable resources keep segments inline; the backing array may move
	// as the series grows, which is fine because reads copy values out.
	inline []Segment

	// Non-copyable resources keep heap-allocated segments; the pointers
	// handed out by ReadRef stay valid as the slice grows.
	chain []*Segment
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{series: make(map[ResourceID]*series)}
}

// Create registers a resource and its initial condition, effective at the
// given time. All reads at or after this time succeed; reads before it fail
// with ErrBeforeInitial.
func (s *Store) Create(
	id ResourceID,
	copyable bool,
	initial any,
	at sim.SimTime,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.series[id]; ok {
		return fmt.Errorf("%w: %s", ErrResourceExists, id)
	}

	ser := &series{copyable: copyable}
	seg := Segment{Resource: id, Start: at, Seq: 0, Value: initial}
	if copyable {
		ser.inline = append(ser.inline, seg)
	} else {
		ser.chain = append(ser.chain, &seg)
	}

	s.series[id] = ser
	return nil
}

func (s *Store) lookup(id ResourceID) (*series, error) {
	s.mu.RLock()
	ser, ok := s.series[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, id)
	}
	return ser, nil
}

// Write appends a new segment boundary for the resource. Writes with the same
// time are ordered by seq, so the final value at a time is the one with the
// highest sequence number regardless of the order Write is called in.
func (s *Store) Write(id ResourceID, t sim.SimTime, seq uint64, v any) error {
	ser, err := s.lookup(id)
	if err != nil {
		return err
	}

	ser.mu.Lock()
	defer ser.mu.Unlock()

	if t < ser.startTime() {
		return fmt.Errorf("%w: %s at %s", ErrBeforeInitial, id, t)
	}

	seg := Segment{Resource: id, Start: t, Seq: seq, Value: v}
	pos := ser.insertPos(t, seq)
	if ser.copyable {
		ser.inline = append(ser.inline, Segment{})
		copy(ser.inline[pos+1:], ser.inline[pos:])
		ser.inline[pos] = seg
	} else {
		ser.chain = append(ser.chain, nil)
		copy(ser.chain[pos+1:], ser.chain[pos:])
		ser.chain[pos] = &seg
	}

	return nil
}

// Read returns the value effective at or immediately before t.
func (s *Store) Read(id ResourceID, t sim.SimTime) (any, error) {
	seg, err := s.segmentAt(id, t, ^uint64(0))
	if err != nil {
		return nil, err
	}
	return seg.Value, nil
}

// ReadAt returns the value effective at (t, seq). At time t it only observes
// writes with a sequence number at or below seq, which gives reads issued
// from event handlers a well-defined answer even when same-time writes exist.
func (s *Store) ReadAt(id ResourceID, t sim.SimTime, seq uint64) (any, error) {
	seg, err := s.segmentAt(id, t, seq)
	if err != nil {
		return nil, err
	}
	return seg.Value, nil
}

// ReadRef returns a reference to the segment effective at or immediately
// before t. The reference remains valid and unchanged for the life of the
// store, across any number of later writes. Only non-copyable resources
// support borrowing.
func (s *Store) ReadRef(id ResourceID, t sim.SimTime) (*Segment, error) {
	ser, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	if ser.copyable {
		return nil, fmt.Errorf("%w: %s", ErrNotBorrowable, id)
	}

	ser.mu.RLock()
	defer ser.mu.RUnlock()

	idx := ser.indexAt(t, ^uint64(0))
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s at %s", ErrBeforeInitial, id, t)
	}
	return ser.chain[idx], nil
}

// ReadRange returns the ordered segments overlapping [t0, t1), starting with
// the segment effective at t0.
func (s *Store) ReadRange(
	id ResourceID,
	t0, t1 sim.SimTime,
) ([]Segment, error) {
	ser, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	ser.mu.RLock()
	defer ser.mu.RUnlock()

	first := ser.indexAt(t0, ^uint64(0))
	if first < 0 {
		return nil, fmt.Errorf("%w: %s at %s", ErrBeforeInitial, id, t0)
	}

	var out []Segment
	for i := first; i < ser.len(); i++ {
		seg := ser.segment(i)
		if seg.Start >= t1 {
			break
		}
		out = append(out, seg)
	}
	return out, nil
}

// History returns every segment of the resource in order.
func (s *Store) History(id ResourceID) ([]Segment, error) {
	ser, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	ser.mu.RLock()
	defer ser.mu.RUnlock()

	out := make([]Segment, ser.len())
	for i := range out {
		out[i] = ser.segment(i)
	}
	return out, nil
}

// Resources returns the ids of all resources in the store, sorted.
func (s *Store) Resources() []ResourceID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]ResourceID, 0, len(s.series))
	for id := range s.series {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) segmentAt(
	id ResourceID,
	t sim.SimTime,
	seq uint64,
) (Segment, error) {
	ser, err := s.lookup(id)
	if err != nil {
		return Segment{}, err
	}

	ser.mu.RLock()
	defer ser.mu.RUnlock()

	idx := ser.indexAt(t, seq)
	if idx < 0 {
		return Segment{}, fmt.Errorf("%w: %s at %s", ErrBeforeInitial, id, t)
	}
	return ser.segment(idx), nil
}

func (ser *series) len() int {
	if ser.copyable {
		return len(ser.inline)
	}
	return len(ser.chain)
}

func (ser *series) segment(i int) Segment {
	if ser.copyable {
		return ser.inline[i]
	}
	return *ser.chain[i]
}

func (ser *series) startTime() sim.SimTime {
	return ser.segment(0).Start
}

// indexAt returns the index of the last segment with key (Start, Seq) at or
// before (t, seq), or -1 if t precedes the initial condition.
func (ser *series) indexAt(t sim.SimTime, seq uint64) int {
	n := ser.len()
	idx := sort.Search(n, func(i int) bool {
		seg := ser.segment(i)
		if seg.Start != t {
			return seg.Start > t
		}
		return seg.Seq > seq
	})
	return idx - 1
}

// insertPos returns the position at which a segment with key (t, seq) should
// be inserted to keep the series sorted. Equal keys insert after existing
// entries, preserving program order for writes from a single task.
func (ser *series) insertPos(t sim.SimTime, seq uint64) int {
	n := ser.len()
	return sort.Search(n, func(i int) bool {
		seg := ser.segment(i)
		if seg.Start != t {
			return seg.Start > t
		}
		return seg.Seq > seq
	})
}
