// Package cache stores the recorded effects of simulated activity subtrees,
// addressed by content hashes of everything that could influence them.
//
// A key folds together the plan prefix before the activity, the activity's
// own canonical bytes, and the initial conditions of the run. Identical keys
// mean the subtree would replay identically, so its recorded deltas can be
// applied without executing the activity body.
package cache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Key is a content-addressed cache key.
type Key uint64

// Sum hashes a single blob into a Key.
func Sum(data []byte) Key {
	return Key(xxhash.Sum64(data))
}

// Chain folds byte blobs into a previous key. Each part is length-prefixed
// so that distinct splits of the same bytes cannot collide.
func Chain(prev Key, parts ...[]byte) Key {
	d := xxhash.New()

	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(prev))
	d.Write(b[:])

	for _, p := range parts {
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(p)))
		d.Write(l[:])
		d.Write(p)
	}

	return Key(d.Sum64())
}
