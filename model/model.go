// Package model defines the contract between the simulation kernel and the
// domain modeling layer.
//
// The kernel never knows what a heater or a downlink buffer is. External code
// declares activity types and resource types, registers them, and the kernel
// consumes them through the fixed capability set in Context. The set of types
// is only known at model-load time, so dispatch is through interfaces rather
// than compile-time generics.
package model

import (
	"time"

	"github.com/skyhooklab/kestrel/history"
	"github.com/skyhooklab/kestrel/sim"
)

// Context is the fixed capability set available to an activity body while it
// runs. Delay, WaitUntil and WaitUntilDeadline are suspension points; the
// body parks there until the simulated clock or a resource write makes it
// resumable again.
type Context interface {
	// Now returns the current simulated time.
	Now() sim.SimTime

	// Start returns the activity's start time.
	Start() sim.SimTime

	// Read returns the value of the resource effective now.
	Read(id history.ResourceID) (any, error)

	// ReadRef borrows the current segment of a non-copyable resource.
	// The reference stays valid across suspension points and later writes
	// by other tasks.
	ReadRef(id history.ResourceID) (*history.Segment, error)

	// Write sets the resource's value as of now.
	Write(id history.ResourceID, v any) error

	// Delay suspends the task for a simulated duration.
	Delay(d time.Duration) error

	// WaitUntil suspends until the predicate holds for the resource's
	// value. The predicate is re-evaluated whenever the resource is
	// written.
	WaitUntil(id history.ResourceID, pred func(any) bool) error

	// WaitUntilDeadline is WaitUntil with a simulated-time bound. It
	// reports whether the predicate was satisfied before the deadline.
	WaitUntilDeadline(
		id history.ResourceID,
		pred func(any) bool,
		deadline sim.SimTime,
	) (bool, error)

	// Spawn schedules a child activity. The parent does not complete
	// until all non-detached children resolve.
	Spawn(spec SpawnSpec) error
}

// SpawnSpec describes a child activity to spawn.
type SpawnSpec struct {
	Type     string
	Args     map[string]any
	Offset   time.Duration
	Detached bool
}

// An ActivityType is a kind of activity the modeling layer exposes to the
// kernel.
type ActivityType interface {
	// Name is the unique type name referenced by plan records.
	Name() string

	// DecodeArgs converts raw plan arguments into the type's own argument
	// representation. It is called once, before simulation.
	DecodeArgs(raw map[string]any) (any, error)

	// Run is the activity's effect body. It must be deterministic: for
	// the same arguments and the same resource state it must perform the
	// same reads, writes, delays and spawns.
	Run(ctx Context, args any) error
}

// A ResourceType declares a named, typed time series.
type ResourceType struct {
	ID history.ResourceID

	// Copyable selects the storage strategy: cheap snapshots for small
	// values, stable borrowed references otherwise.
	Copyable bool

	// Initial is the resource's value at the plan epoch.
	Initial any

	// Codec serializes values for hashing and for cache entries.
	Codec ValueCodec
}

// ValueCodec encodes and decodes resource values with a compact binary
// encoding. The schema is known at the call site, so the encoding is not
// self-describing.
type ValueCodec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}
