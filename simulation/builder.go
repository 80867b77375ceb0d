package simulation

import (
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/skyhooklab/kestrel/cache"
	"github.com/skyhooklab/kestrel/model"
	"github.com/skyhooklab/kestrel/monitoring"
)

// Builder can be used to build a simulation.
type Builder struct {
	parallelEngine bool
	reg            *model.Registry
	cacheStore     cache.Store
	cachePath      string
	cacheCapacity  int
	cacheOff       bool
	policy         FaultPolicy
	monitorOn      bool
	monitorPort    int
	traceEvents    bool
	logger         *logrus.Logger
}

// MakeBuilder creates a new builder. The defaults are a serial engine, an
// unbounded in-memory cache, the continue-on-fault policy, and no monitor.
func MakeBuilder() Builder {
	return Builder{}
}

// WithParallelEngine sets the simulation to use a parallel engine. Use it
// only when same-time activities touch disjoint resources.
func (b Builder) WithParallelEngine() Builder {
	b.parallelEngine = true
	return b
}

// WithRegistry sets the model registry to simulate against. Required.
func (b Builder) WithRegistry(reg *model.Registry) Builder {
	b.reg = reg
	return b
}

// WithCacheStore sets an explicit cache store.
func (b Builder) WithCacheStore(cs cache.Store) Builder {
	b.cacheStore = cs
	return b
}

// WithCachePath persists the cache in an SQLite database at the given path.
func (b Builder) WithCachePath(path string) Builder {
	b.cachePath = path
	return b
}

// WithCacheCapacity bounds the in-memory cache to n entries.
func (b Builder) WithCacheCapacity(n int) Builder {
	b.cacheCapacity = n
	return b
}

// WithoutCache disables incremental caching entirely.
func (b Builder) WithoutCache() Builder {
	b.cacheOff = true
	return b
}

// WithFaultPolicy sets how runs react to task faults.
func (b Builder) WithFaultPolicy(p FaultPolicy) Builder {
	b.policy = p
	return b
}

// WithMonitoring starts the HTTP monitor when the simulation is built.
func (b Builder) WithMonitoring() Builder {
	b.monitorOn = true
	return b
}

// WithMonitorPort sets the port number for the monitoring server.
func (b Builder) WithMonitorPort(port int) Builder {
	b.monitorPort = port
	return b
}

// WithEventTracing logs every dispatched event at debug level. Noisy; meant
// for chasing scheduling problems in a model.
func (b Builder) WithEventTracing() Builder {
	b.traceEvents = true
	return b
}

// WithLogger sets the logger used by the simulation and its runs.
func (b Builder) WithLogger(l *logrus.Logger) Builder {
	b.logger = l
	return b
}

func (b Builder) parametersMustBeValid() {
	if b.reg == nil {
		panic("a simulation requires a registry")
	}
	if !b.monitorOn && b.monitorPort != 0 {
		panic("monitor port cannot be set when monitoring is disabled")
	}
	if b.cacheStore != nil && b.cachePath != "" {
		panic("cache store and cache path are mutually exclusive")
	}
	if b.cacheOff &&
		(b.cacheStore != nil || b.cachePath != "" || b.cacheCapacity != 0) {
		panic("cache options cannot be set when the cache is disabled")
	}
}

// Build builds the simulation.
func (b Builder) Build() *Simulation {
	b.parametersMustBeValid()

	s := &Simulation{
		id:          xid.New().String(),
		reg:         b.reg,
		policy:      b.policy,
		parallel:    b.parallelEngine,
		traceEvents: b.traceEvents,
	}

	s.log = b.logger
	if s.log == nil {
		s.log = logrus.New()
	}

	switch {
	case b.cacheOff:
	case b.cacheStore != nil:
		s.cache = b.cacheStore
	case b.cachePath != "":
		cs, err := cache.OpenSQLiteStore(b.cachePath)
		if err != nil {
			panic(err)
		}
		s.cache = cs
		s.ownsCache = true
	default:
		s.cache = cache.NewMemStore(b.cacheCapacity)
	}

	if b.monitorOn {
		m := monitoring.NewMonitor()
		if b.monitorPort > 0 {
			m.WithPortNumber(b.monitorPort)
		}
		m.RegisterTarget(s)
		m.StartServer()
		s.monitor = m
	}

	return s
}
