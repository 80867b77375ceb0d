package model

import (
	"errors"
	"fmt"
	"sort"

	"github.com/skyhooklab/kestrel/history"
)

// ErrUnknownActivityType is returned when a plan references an activity type
// that was never registered.
var ErrUnknownActivityType = errors.New("unknown activity type")

// Registry holds the activity and resource types of a model.
type Registry struct {
	activities map[string]ActivityType
	resources  map[history.ResourceID]ResourceType
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		activities: make(map[string]ActivityType),
		resources:  make(map[history.ResourceID]ResourceType),
	}
}

// RegisterActivityType adds an activity type. Registering the same name twice
// panics; it is a wiring error in the modeling layer.
func (r *Registry) RegisterActivityType(at ActivityType) {
	name := at.Name()
	if _, ok := r.activities[name]; ok {
		panic("activity type " + name + " already registered")
	}
	r.activities[name] = at
}

// RegisterResourceType adds a resource type. Registering the same id twice
// panics.
func (r *Registry) RegisterResourceType(rt ResourceType) {
	if _, ok := r.resources[rt.ID]; ok {
		panic("resource type " + string(rt.ID) + " already registered")
	}
	r.resources[rt.ID] = rt
}

// ActivityType returns the activity type with the given name.
func (r *Registry) ActivityType(name string) (ActivityType, error) {
	at, ok := r.activities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActivityType, name)
	}
	return at, nil
}

// ResourceType returns the resource type with the given id.
func (r *Registry) ResourceType(
	id history.ResourceID,
) (ResourceType, bool) {
	rt, ok := r.resources[id]
	return rt, ok
}

// ResourceTypes returns all resource types ordered by id, so that anything
// derived from the list (initial-condition hashes in particular) is stable.
func (r *Registry) ResourceTypes() []ResourceType {
	out := make([]ResourceType, 0, len(r.resources))
	for _, rt := range r.resources {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
