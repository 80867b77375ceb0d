// Package history stores versioned, time-indexed values for simulation
// resources.
//
// Each resource is a named time series of segments. A segment records the
// value a resource took starting at a given time; it stays effective until
// the next segment begins, so segments cover disjoint, contiguous intervals.
// Writes at the same time are resolved by their sequence numbers: the later
// sequence wins.
//
// Resources come in two storage strategies. Copyable resources hold small
// values that are cheap to snapshot; reads return the value directly.
// Non-copyable resources hold values that should be borrowed instead of
// copied; reads return a reference that stays valid for the life of the
// store, even as later writes extend the series.
package history

import (
	"errors"

	"github.com/skyhooklab/kestrel/sim"
)

// ResourceID names a resource tracked by a store.
type ResourceID string

// A Segment is an immutable slice of a resource's value across a time
// interval. It is effective from Start until the start of the next segment.
type Segment struct {
	Resource ResourceID
	Start    sim.SimTime
	Seq      uint64
	Value    any
}

var (
	// ErrUnknownResource is returned on access to a resource id that was
	// never created.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrBeforeInitial is returned when a query time precedes the
	// resource's initial condition.
	ErrBeforeInitial = errors.New("time precedes initial condition")

	// ErrNotBorrowable is returned by ReadRef on a copyable resource.
	ErrNotBorrowable = errors.New("resource is copyable, not borrowable")

	// ErrResourceExists is returned when creating a resource twice.
	ErrResourceExists = errors.New("resource already exists")
)
