package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/skyhooklab/kestrel/examples/thermal"
	"github.com/skyhooklab/kestrel/model"
	"github.com/skyhooklab/kestrel/simulation"
)

var (
	planPath    string
	cachePath   string
	noCache     bool
	parallel    bool
	abortPolicy bool
	monitorOn   bool
	monitorPort int
	traceEvents bool
	logLevel    string
)

// runCmd simulates one plan file and prints the outcome.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Simulate a YAML activity plan",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		log := logrus.New()
		log.SetLevel(level)

		plan, err := loadPlan(planPath)
		if err != nil {
			log.Fatal(err)
		}

		reg := model.NewRegistry()
		thermal.Register(reg)

		b := simulation.MakeBuilder().
			WithRegistry(reg).
			WithLogger(log)
		if parallel {
			b = b.WithParallelEngine()
		}
		if traceEvents {
			b = b.WithEventTracing()
		}
		if abortPolicy {
			b = b.WithFaultPolicy(simulation.AbortOnFault)
		}
		switch {
		case noCache:
			b = b.WithoutCache()
		case cachePath != "":
			b = b.WithCachePath(cachePath)
		}
		if monitorOn {
			b = b.WithMonitoring()
			if monitorPort != 0 {
				b = b.WithMonitorPort(monitorPort)
			}
		}

		s := b.Build()
		defer s.Terminate()

		res, err := s.Simulate(plan)
		if err != nil {
			log.Fatalf("simulation failed: %v", err)
		}

		log.WithFields(logrus.Fields{
			"state":        res.State.String(),
			"end":          res.EndTime.String(),
			"cache_hits":   res.CacheHits,
			"cache_misses": res.CacheMisses,
		}).Info("plan simulated")

		for _, f := range res.Faults {
			log.WithFields(logrus.Fields{
				"activity": f.ActivityID,
				"time":     f.Time.String(),
			}).Warn(f.Message)
		}

		segs, err := res.History(thermal.Temperature)
		if err == nil {
			for _, seg := range segs {
				log.WithFields(logrus.Fields{
					"time":  seg.Start.String(),
					"value": seg.Value,
				}).Debug("temperature")
			}
		}
	},
}

func init() {
	runCmd.Flags().StringVar(&planPath, "plan", "plan.yaml",
		"path to the YAML plan file")
	runCmd.Flags().StringVar(&cachePath, "cache", "",
		"persist the incremental cache in this SQLite file")
	runCmd.Flags().BoolVar(&noCache, "no-cache", false,
		"disable the incremental cache")
	runCmd.Flags().BoolVar(&parallel, "parallel", false,
		"process simultaneous events on the parallel engine")
	runCmd.Flags().BoolVar(&abortPolicy, "abort-on-fault", false,
		"cancel the whole run at the first fault")
	runCmd.Flags().BoolVar(&monitorOn, "monitor", false,
		"serve the monitoring API while simulating")
	runCmd.Flags().IntVar(&monitorPort, "monitor-port", 0,
		"port for the monitoring API")
	runCmd.Flags().BoolVar(&traceEvents, "trace-events", false,
		"log every dispatched event at debug level")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info",
		"log verbosity level")

	rootCmd.AddCommand(runCmd)
}
