package model

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"
)

// An ActivityRecord is one time-tagged entry in a plan.
type ActivityRecord struct {
	ID          string
	Type        string
	StartOffset time.Duration
	Args        map[string]any
}

// A Plan is an ordered set of activities, the unit submitted for simulation.
type Plan struct {
	Name       string
	Activities []ActivityRecord
}

// Sorted returns the plan's activities ordered by (start offset, position).
// The ordering is what the kernel simulates and what prefix hashes are
// computed over, so it must be deterministic for identical plans.
func (p Plan) Sorted() []ActivityRecord {
	out := make([]ActivityRecord, len(p.Activities))
	copy(out, p.Activities)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartOffset < out[j].StartOffset
	})
	return out
}

// CanonicalBytes returns a canonical serialization of the record, used for
// content-addressed cache keys. Two records with the same type, start offset
// and argument values always serialize identically, regardless of map
// iteration order.
func (r ActivityRecord) CanonicalBytes() []byte {
	var buf bytes.Buffer

	buf.WriteString(r.Type)
	buf.WriteByte(0)

	var off [8]byte
	binary.LittleEndian.PutUint64(off[:], uint64(r.StartOffset))
	buf.Write(off[:])

	canonicalValue(&buf, r.Args)

	return buf.Bytes()
}

func canonicalValue(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case nil:
		buf.WriteByte('n')
	case bool:
		buf.WriteByte('b')
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int:
		canonicalInt(buf, int64(val))
	case int32:
		canonicalInt(buf, int64(val))
	case int64:
		canonicalInt(buf, val)
	case uint64:
		buf.WriteByte('u')
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], val)
		buf.Write(b[:])
	case float64:
		buf.WriteByte('f')
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(val))
		buf.Write(b[:])
	case string:
		buf.WriteByte('s')
		canonicalLen(buf, len(val))
		buf.WriteString(val)
	case []byte:
		buf.WriteByte('y')
		canonicalLen(buf, len(val))
		buf.Write(val)
	case []any:
		buf.WriteByte('l')
		canonicalLen(buf, len(val))
		for _, item := range val {
			canonicalValue(buf, item)
		}
	case map[string]any:
		buf.WriteByte('m')
		canonicalLen(buf, len(val))

		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			canonicalLen(buf, len(k))
			buf.WriteString(k)
			canonicalValue(buf, val[k])
		}
	default:
		// Unknown argument kinds fold in their printed form. Models
		// with exotic argument types should flatten them first.
		s := fmt.Sprintf("?%T:%v", val, val)
		buf.WriteByte('?')
		canonicalLen(buf, len(s))
		buf.WriteString(s)
	}
}

func canonicalInt(buf *bytes.Buffer, v int64) {
	buf.WriteByte('i')
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func canonicalLen(buf *bytes.Buffer, n int) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(n))
	buf.Write(b[:])
}
