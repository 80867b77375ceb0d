package simulation

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/skyhooklab/kestrel/cache"
	"github.com/skyhooklab/kestrel/history"
	"github.com/skyhooklab/kestrel/model"
	"github.com/skyhooklab/kestrel/sim"
)

type scriptedActivity struct {
	name string
	run  func(ctx model.Context, args map[string]any) error
}

func (a scriptedActivity) Name() string { return a.name }

func (a scriptedActivity) DecodeArgs(raw map[string]any) (any, error) {
	return raw, nil
}

func (a scriptedActivity) Run(ctx model.Context, args any) error {
	if args == nil {
		return a.run(ctx, nil)
	}
	return a.run(ctx, args.(map[string]any))
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// heaterRegistry builds the heater model: a string state resource and an
// activity that turns the heater on for a configured number of seconds.
func heaterRegistry() *model.Registry {
	reg := model.NewRegistry()
	reg.RegisterResourceType(model.ResourceType{
		ID: "heater_state", Copyable: true,
		Initial: "Off", Codec: model.StringCodec{},
	})
	reg.RegisterActivityType(scriptedActivity{
		name: "turn_on_heater",
		run: func(ctx model.Context, args map[string]any) error {
			if err := ctx.Write("heater_state", "On"); err != nil {
				return err
			}
			d := time.Duration(args["seconds"].(int64)) * time.Second
			if err := ctx.Delay(d); err != nil {
				return err
			}
			return ctx.Write("heater_state", "Off")
		},
	})
	return reg
}

func at(secs int64) sim.SimTime {
	return sim.Epoch.Add(time.Duration(secs) * time.Second)
}

var _ = Describe("Simulation", func() {
	It("should simulate the heater scenario", func() {
		s := MakeBuilder().
			WithRegistry(heaterRegistry()).
			WithLogger(quietLogger()).
			Build()

		plan := model.Plan{Name: "heater", Activities: []model.ActivityRecord{
			{ID: "h1", Type: "turn_on_heater",
				StartOffset: 10 * time.Second,
				Args:        map[string]any{"seconds": int64(5)}},
		}}

		res, err := s.Simulate(plan)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.State).To(Equal(StateCompleted))
		Expect(res.Faults).To(BeEmpty())
		Expect(res.CacheMisses).To(Equal(1))

		Expect(res.Query("heater_state", at(9))).To(Equal("Off"))
		Expect(res.Query("heater_state", at(10))).To(Equal("On"))
		Expect(res.Query("heater_state", at(12))).To(Equal("On"))
		Expect(res.Query("heater_state", at(15))).To(Equal("Off"))
		Expect(res.EndTime).To(Equal(at(15)))
	})

	It("should resolve same-time writes by schedule order", func() {
		reg := model.NewRegistry()
		reg.RegisterResourceType(model.ResourceType{
			ID: "mode", Copyable: true,
			Initial: "idle", Codec: model.StringCodec{},
		})
		for _, v := range []string{"first", "second"} {
			v := v
			reg.RegisterActivityType(scriptedActivity{
				name: "set_" + v,
				run: func(ctx model.Context, _ map[string]any) error {
					return ctx.Write("mode", v)
				},
			})
		}

		s := MakeBuilder().
			WithRegistry(reg).
			WithLogger(quietLogger()).
			Build()

		plan := model.Plan{Activities: []model.ActivityRecord{
			{ID: "a", Type: "set_first", StartOffset: time.Second},
			{ID: "b", Type: "set_second", StartOffset: time.Second},
		}}

		res, err := s.Simulate(plan)
		Expect(err).ToNot(HaveOccurred())

		// Both writes land at the same instant; the later-scheduled
		// activity wins.
		Expect(res.Query("mode", at(1))).To(Equal("second"))

		segs, err := res.History("mode")
		Expect(err).ToNot(HaveOccurred())
		Expect(segs).To(HaveLen(3))
	})

	It("should produce identical histories across runs", func() {
		plan := model.Plan{Activities: []model.ActivityRecord{
			{ID: "h1", Type: "turn_on_heater", StartOffset: time.Second,
				Args: map[string]any{"seconds": int64(3)}},
			{ID: "h2", Type: "turn_on_heater", StartOffset: 2 * time.Second,
				Args: map[string]any{"seconds": int64(4)}},
		}}

		runOnce := func() []history.Segment {
			s := MakeBuilder().
				WithRegistry(heaterRegistry()).
				WithoutCache().
				WithLogger(quietLogger()).
				Build()
			res, err := s.Simulate(plan)
			Expect(err).ToNot(HaveOccurred())

			segs, err := res.History("heater_state")
			Expect(err).ToNot(HaveOccurred())
			return segs
		}

		first := runOnce()
		second := runOnce()

		Expect(second).To(HaveLen(len(first)))
		for i := range first {
			Expect(second[i].Start).To(Equal(first[i].Start))
			Expect(second[i].Value).To(Equal(first[i].Value))
		}
	})

	It("should skip cached prefixes on re-simulation", func() {
		var evals atomic.Int64

		reg := model.NewRegistry()
		reg.RegisterResourceType(model.ResourceType{
			ID: "count", Copyable: true,
			Initial: int64(0), Codec: model.Int64Codec{},
		})
		reg.RegisterActivityType(scriptedActivity{
			name: "bump",
			run: func(ctx model.Context, args map[string]any) error {
				evals.Add(1)
				return ctx.Write("count", args["to"].(int64))
			},
		})

		s := MakeBuilder().
			WithRegistry(reg).
			WithLogger(quietLogger()).
			Build()

		act := func(id string, offset int64, to int64) model.ActivityRecord {
			return model.ActivityRecord{
				ID: id, Type: "bump",
				StartOffset: time.Duration(offset) * time.Second,
				Args:        map[string]any{"to": to},
			}
		}

		short := model.Plan{Activities: []model.ActivityRecord{
			act("b1", 1, 10), act("b2", 2, 20),
		}}
		long := model.Plan{Activities: []model.ActivityRecord{
			act("b1", 1, 10), act("b2", 2, 20), act("b3", 3, 30),
		}}

		res1, err := s.Simulate(short)
		Expect(err).ToNot(HaveOccurred())
		Expect(res1.CacheMisses).To(Equal(2))
		Expect(evals.Load()).To(Equal(int64(2)))

		res2, err := s.Simulate(long)
		Expect(err).ToNot(HaveOccurred())

		// Only the appended activity is evaluated; the prefix replays
		// from the cache.
		Expect(res2.CacheHits).To(Equal(2))
		Expect(res2.CacheMisses).To(Equal(1))
		Expect(evals.Load()).To(Equal(int64(3)))

		Expect(res2.Query("count", at(1))).To(Equal(int64(10)))
		Expect(res2.Query("count", at(2))).To(Equal(int64(20)))
		Expect(res2.Query("count", at(3))).To(Equal(int64(30)))
	})

	It("should replay identically to a cold simulation", func() {
		plan := model.Plan{Activities: []model.ActivityRecord{
			{ID: "h1", Type: "turn_on_heater", StartOffset: time.Second,
				Args: map[string]any{"seconds": int64(2)}},
			{ID: "h2", Type: "turn_on_heater", StartOffset: 10 * time.Second,
				Args: map[string]any{"seconds": int64(2)}},
		}}

		warm := MakeBuilder().
			WithRegistry(heaterRegistry()).
			WithLogger(quietLogger()).
			Build()
		_, err := warm.Simulate(plan)
		Expect(err).ToNot(HaveOccurred())

		warmRes, err := warm.Simulate(plan)
		Expect(err).ToNot(HaveOccurred())
		Expect(warmRes.CacheHits).To(Equal(2))

		cold := MakeBuilder().
			WithRegistry(heaterRegistry()).
			WithoutCache().
			WithLogger(quietLogger()).
			Build()
		coldRes, err := cold.Simulate(plan)
		Expect(err).ToNot(HaveOccurred())

		warmSegs, err := warmRes.History("heater_state")
		Expect(err).ToNot(HaveOccurred())
		coldSegs, err := coldRes.History("heater_state")
		Expect(err).ToNot(HaveOccurred())

		Expect(warmSegs).To(HaveLen(len(coldSegs)))
		for i := range coldSegs {
			Expect(warmSegs[i].Start).To(Equal(coldSegs[i].Start))
			Expect(warmSegs[i].Value).To(Equal(coldSegs[i].Value))
		}
	})

	It("should wake live waiters from replayed writes", func() {
		reg := model.NewRegistry()
		reg.RegisterResourceType(model.ResourceType{
			ID: "sig", Copyable: true,
			Initial: int64(0), Codec: model.Int64Codec{},
		})
		reg.RegisterResourceType(model.ResourceType{
			ID: "done", Copyable: true,
			Initial: false, Codec: model.BoolCodec{},
		})
		reg.RegisterActivityType(scriptedActivity{
			name: "signal",
			run: func(ctx model.Context, _ map[string]any) error {
				if err := ctx.Delay(9 * time.Second); err != nil {
					return err
				}
				return ctx.Write("sig", int64(1))
			},
		})
		reg.RegisterActivityType(scriptedActivity{
			name: "react",
			run: func(ctx model.Context, _ map[string]any) error {
				err := ctx.WaitUntil("sig", func(v any) bool {
					return v.(int64) >= 1
				})
				if err != nil {
					return err
				}
				return ctx.Write("done", true)
			},
		})

		s := MakeBuilder().
			WithRegistry(reg).
			WithLogger(quietLogger()).
			Build()

		signalOnly := model.Plan{Activities: []model.ActivityRecord{
			{ID: "s", Type: "signal", StartOffset: time.Second},
		}}
		_, err := s.Simulate(signalOnly)
		Expect(err).ToNot(HaveOccurred())

		both := model.Plan{Activities: []model.ActivityRecord{
			{ID: "s", Type: "signal", StartOffset: time.Second},
			{ID: "r", Type: "react", StartOffset: 2 * time.Second},
		}}
		res, err := s.Simulate(both)
		Expect(err).ToNot(HaveOccurred())

		// The signal comes out of the cache, yet the live reactor must
		// still wake when the replayed write lands at t=10.
		Expect(res.CacheHits).To(Equal(1))
		Expect(res.CacheMisses).To(Equal(1))
		Expect(res.State).To(Equal(StateCompleted))
		Expect(res.Query("done", at(10))).To(Equal(true))
	})

	It("should re-execute subtrees that spawned detached children", func() {
		reg := model.NewRegistry()
		reg.RegisterResourceType(model.ResourceType{
			ID: "sig", Copyable: true,
			Initial: int64(0), Codec: model.Int64Codec{},
		})
		reg.RegisterActivityType(scriptedActivity{
			name: "emit",
			run: func(ctx model.Context, _ map[string]any) error {
				if err := ctx.Delay(time.Second); err != nil {
					return err
				}
				return ctx.Write("sig", int64(7))
			},
		})
		reg.RegisterActivityType(scriptedActivity{
			name: "launch",
			run: func(ctx model.Context, _ map[string]any) error {
				return ctx.Spawn(model.SpawnSpec{
					Type: "emit", Detached: true,
				})
			},
		})

		s := MakeBuilder().
			WithRegistry(reg).
			WithLogger(quietLogger()).
			Build()
		plan := model.Plan{Activities: []model.ActivityRecord{
			{ID: "l", Type: "launch"},
		}}

		res1, err := s.Simulate(plan)
		Expect(err).ToNot(HaveOccurred())
		Expect(res1.Query("sig", at(1))).To(Equal(int64(7)))

		// The detached child's write lives outside the plan root's
		// recording, so the root is not cached and the second run
		// executes everything again in full.
		res2, err := s.Simulate(plan)
		Expect(err).ToNot(HaveOccurred())
		Expect(res2.CacheHits).To(Equal(0))
		Expect(res2.Query("sig", at(1))).To(Equal(int64(7)))
	})

	It("should persist cached subtrees once the run finishes", func() {
		path := filepath.Join(GinkgoT().TempDir(), "cache.sqlite3")

		s := MakeBuilder().
			WithRegistry(heaterRegistry()).
			WithCachePath(path).
			WithLogger(quietLogger()).
			Build()
		defer s.Terminate()

		plan := model.Plan{Activities: []model.ActivityRecord{
			{ID: "h", Type: "turn_on_heater", StartOffset: time.Second,
				Args: map[string]any{"seconds": int64(2)}},
		}}
		_, err := s.Simulate(plan)
		Expect(err).ToNot(HaveOccurred())

		// The flush runs as a simulation end handler, so the entry is
		// on disk before Terminate closes the store.
		onDisk, err := cache.OpenSQLiteStore(path)
		Expect(err).ToNot(HaveOccurred())
		defer onDisk.Close()
		Expect(onDisk.Len()).To(Equal(1))
	})

	It("should log dispatched events when tracing is enabled", func() {
		var buf bytes.Buffer
		log := logrus.New()
		log.SetOutput(&buf)
		log.SetLevel(logrus.DebugLevel)

		s := MakeBuilder().
			WithRegistry(heaterRegistry()).
			WithEventTracing().
			WithLogger(log).
			Build()

		plan := model.Plan{Activities: []model.ActivityRecord{
			{ID: "h", Type: "turn_on_heater", StartOffset: time.Second,
				Args: map[string]any{"seconds": int64(1)}},
		}}
		_, err := s.Simulate(plan)
		Expect(err).ToNot(HaveOccurred())

		Expect(buf.String()).To(ContainSubstring("taskEvent"))
	})

	It("should keep simulating siblings after a fault", func() {
		reg := heaterRegistry()
		reg.RegisterActivityType(scriptedActivity{
			name: "overheat",
			run: func(ctx model.Context, _ map[string]any) error {
				if err := ctx.Write("heater_state", "Overdrive"); err != nil {
					return err
				}
				return errors.New("thermal limit exceeded")
			},
		})

		s := MakeBuilder().
			WithRegistry(reg).
			WithLogger(quietLogger()).
			Build()

		plan := model.Plan{Activities: []model.ActivityRecord{
			{ID: "bad", Type: "overheat", StartOffset: time.Second},
			{ID: "good", Type: "turn_on_heater",
				StartOffset: 5 * time.Second,
				Args:        map[string]any{"seconds": int64(1)}},
		}}

		res, err := s.Simulate(plan)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.State).To(Equal(StateFaulted))
		Expect(res.Faults).To(HaveLen(1))
		Expect(res.Faults[0].ActivityID).To(Equal("bad"))
		Expect(res.Faults[0].Time).To(Equal(at(1)))
		Expect(res.Faults[0].Message).To(ContainSubstring("thermal limit"))

		// The faulted task's partial write is retained, annotated by the
		// fault record; the sibling ran to completion.
		Expect(res.Query("heater_state", at(1))).To(Equal("Overdrive"))
		Expect(res.Query("heater_state", at(5))).To(Equal("On"))
		Expect(res.Query("heater_state", at(6))).To(Equal("Off"))
	})

	It("should cancel the rest of the plan when aborting on fault", func() {
		reg := heaterRegistry()
		reg.RegisterActivityType(scriptedActivity{
			name: "fail_fast",
			run: func(ctx model.Context, _ map[string]any) error {
				return errors.New("no go")
			},
		})

		s := MakeBuilder().
			WithRegistry(reg).
			WithFaultPolicy(AbortOnFault).
			WithLogger(quietLogger()).
			Build()

		plan := model.Plan{Activities: []model.ActivityRecord{
			{ID: "bad", Type: "fail_fast", StartOffset: time.Second},
			{ID: "late", Type: "turn_on_heater",
				StartOffset: 10 * time.Second,
				Args:        map[string]any{"seconds": int64(1)}},
		}}

		res, err := s.Simulate(plan)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.State).To(Equal(StateFaulted))
		Expect(res.Faults).To(HaveLen(1))

		// The later activity never ran.
		Expect(res.Query("heater_state", at(20))).To(Equal("Off"))
	})

	It("should coordinate activities through wait-until", func() {
		reg := model.NewRegistry()
		reg.RegisterResourceType(model.ResourceType{
			ID: "battery_soc", Copyable: true,
			Initial: int64(20), Codec: model.Int64Codec{},
		})
		reg.RegisterResourceType(model.ResourceType{
			ID: "payload_on", Copyable: true,
			Initial: false, Codec: model.BoolCodec{},
		})
		reg.RegisterActivityType(scriptedActivity{
			name: "charge",
			run: func(ctx model.Context, _ map[string]any) error {
				for i := 0; i < 8; i++ {
					if err := ctx.Delay(time.Minute); err != nil {
						return err
					}
					v, err := ctx.Read("battery_soc")
					if err != nil {
						return err
					}
					err = ctx.Write("battery_soc", v.(int64)+10)
					if err != nil {
						return err
					}
				}
				return nil
			},
		})
		reg.RegisterActivityType(scriptedActivity{
			name: "observe",
			run: func(ctx model.Context, _ map[string]any) error {
				err := ctx.WaitUntil("battery_soc", func(v any) bool {
					return v.(int64) >= 60
				})
				if err != nil {
					return err
				}
				return ctx.Write("payload_on", true)
			},
		})

		s := MakeBuilder().
			WithRegistry(reg).
			WithLogger(quietLogger()).
			Build()

		plan := model.Plan{Activities: []model.ActivityRecord{
			{ID: "c", Type: "charge"},
			{ID: "o", Type: "observe"},
		}}

		res, err := s.Simulate(plan)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.State).To(Equal(StateCompleted))

		// 20 + 4 * 10 = 60 at minute four.
		on, err := res.Query("payload_on", sim.Epoch.Add(4*time.Minute))
		Expect(err).ToNot(HaveOccurred())
		Expect(on).To(Equal(true))

		before, err := res.Query("payload_on",
			sim.Epoch.Add(3*time.Minute))
		Expect(err).ToNot(HaveOccurred())
		Expect(before).To(Equal(false))
	})

	It("should run disjoint same-time activities on the parallel engine", func() {
		reg := model.NewRegistry()
		for i := 0; i < 4; i++ {
			id := history.ResourceID(fmt.Sprintf("channel_%d", i))
			reg.RegisterResourceType(model.ResourceType{
				ID: id, Copyable: true,
				Initial: int64(0), Codec: model.Int64Codec{},
			})
			i := i
			reg.RegisterActivityType(scriptedActivity{
				name: fmt.Sprintf("drive_%d", i),
				run: func(ctx model.Context, _ map[string]any) error {
					res := history.ResourceID(
						fmt.Sprintf("channel_%d", i))
					if err := ctx.Write(res, int64(i+1)); err != nil {
						return err
					}
					if err := ctx.Delay(time.Second); err != nil {
						return err
					}
					return ctx.Write(res, int64(0))
				},
			})
		}

		s := MakeBuilder().
			WithRegistry(reg).
			WithParallelEngine().
			WithoutCache().
			WithLogger(quietLogger()).
			Build()

		var acts []model.ActivityRecord
		for i := 0; i < 4; i++ {
			acts = append(acts, model.ActivityRecord{
				ID:          fmt.Sprintf("d%d", i),
				Type:        fmt.Sprintf("drive_%d", i),
				StartOffset: time.Second,
			})
		}

		res, err := s.Simulate(model.Plan{Activities: acts})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.State).To(Equal(StateCompleted))

		for i := 0; i < 4; i++ {
			id := history.ResourceID(fmt.Sprintf("channel_%d", i))
			Expect(res.Query(id, at(1))).To(Equal(int64(i + 1)))
			Expect(res.Query(id, at(2))).To(Equal(int64(0)))
		}
	})

	It("should reject overlapping runs", func() {
		s := MakeBuilder().
			WithRegistry(heaterRegistry()).
			WithLogger(quietLogger()).
			Build()
		s.state = StateRunning

		_, err := s.Simulate(model.Plan{})
		Expect(err).To(MatchError(ErrRunInProgress))
	})
})
