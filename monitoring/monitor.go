// Package monitoring turns a running simulation into a small HTTP server for
// external inspection and control.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/skyhooklab/kestrel/history"
	"github.com/skyhooklab/kestrel/sim"
)

// Status is a snapshot of a simulation for the dashboard.
type Status struct {
	ID          string      `json:"id"`
	State       string      `json:"state"`
	Now         sim.SimTime `json:"now"`
	Tasks       int         `json:"tasks"`
	Completed   int         `json:"completed"`
	Faults      int         `json:"faults"`
	CacheHits   int         `json:"cache_hits"`
	CacheMisses int         `json:"cache_misses"`
}

// Target is the simulation surface the monitor exposes.
type Target interface {
	Status() Status
	Pause()
	Continue()
	Resources() []history.ResourceID
	ResourceAt(id history.ResourceID, t sim.SimTime) (any, error)
	ResourceRange(
		id history.ResourceID, t0, t1 sim.SimTime,
	) ([]history.Segment, error)
}

// Monitor can turn a simulation into a server and allows external monitoring
// and controlling of the simulation.
type Monitor struct {
	target     Target
	portNumber int

	listener net.Listener
	server   *http.Server
}

// NewMonitor creates a new Monitor. A KESTREL_MONITOR_PORT entry in the
// environment or a .env file provides the default port.
func NewMonitor() *Monitor {
	m := &Monitor{}

	godotenv.Load()
	if p := os.Getenv("KESTREL_MONITOR_PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err == nil {
			m.WithPortNumber(port)
		}
	}

	return m
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n",
			portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterTarget registers the simulation to be monitored.
func (m *Monitor) RegisterTarget(t Target) {
	m.target = t
}

// StartServer starts the monitor as a web server with a custom port if
// wanted. Setting KESTREL_OPEN_DASHBOARD=1 opens the dashboard URL in the
// local browser.
func (m *Monitor) StartServer() {
	r := mux.NewRouter()
	r.HandleFunc("/api/pause", m.pause)
	r.HandleFunc("/api/continue", m.unpause)
	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/status", m.status)
	r.HandleFunc("/api/state", m.dumpState)
	r.HandleFunc("/api/resources", m.listResources)
	r.HandleFunc("/api/resource/{id}", m.resourcePoint)
	r.HandleFunc("/api/resource/{id}/range", m.resourceRange)
	r.HandleFunc("/api/perf", m.processStats)
	r.HandleFunc("/api/profile", m.collectProfile)

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)
	m.listener = listener

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring simulation with %s\n", url)

	m.server = &http.Server{Handler: r}
	go func() {
		err := m.server.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			log.Panic(err)
		}
	}()

	if os.Getenv("KESTREL_OPEN_DASHBOARD") == "1" {
		browser.OpenURL(url)
	}
}

// StopServer stops the monitoring server.
func (m *Monitor) StopServer() {
	if m.server != nil {
		m.server.Close()
	}
}

// Addr returns the address the server listens on.
func (m *Monitor) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

func (m *Monitor) pause(w http.ResponseWriter, _ *http.Request) {
	m.target.Pause()
	_, err := w.Write(nil)
	dieOnErr(err)
}

func (m *Monitor) unpause(w http.ResponseWriter, _ *http.Request) {
	m.target.Continue()
	_, err := w.Write(nil)
	dieOnErr(err)
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	now := m.target.Status().Now
	fmt.Fprintf(w, "{\"now\":%d,\"seconds\":%.9f}", int64(now), now.Seconds())
}

func (m *Monitor) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.target.Status())
}

func (m *Monitor) dumpState(w http.ResponseWriter, _ *http.Request) {
	serializer := goseth.NewSerializer()
	serializer.SetRoot(m.target)
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprint(w, "[")
	for i, id := range m.target.Resources() {
		if i > 0 {
			fmt.Fprint(w, ",")
		}
		fmt.Fprintf(w, "%q", string(id))
	}
	fmt.Fprint(w, "]")
}

type pointRsp struct {
	Resource string      `json:"resource"`
	Time     sim.SimTime `json:"time"`
	Value    any         `json:"value"`
}

func (m *Monitor) resourcePoint(w http.ResponseWriter, r *http.Request) {
	id := history.ResourceID(mux.Vars(r)["id"])
	t, err := parseTime(r, "t", m.target.Status().Now)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	v, err := m.target.ResourceAt(id, t)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	writeJSON(w, pointRsp{Resource: string(id), Time: t, Value: v})
}

type segmentRsp struct {
	Start sim.SimTime `json:"start"`
	Value any         `json:"value"`
}

func (m *Monitor) resourceRange(w http.ResponseWriter, r *http.Request) {
	id := history.ResourceID(mux.Vars(r)["id"])

	t0, err := parseTime(r, "t0", sim.Epoch)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	t1, err := parseTime(r, "t1", m.target.Status().Now+1)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	segs, err := m.target.ResourceRange(id, t0, t1)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	out := make([]segmentRsp, 0, len(segs))
	for _, s := range segs {
		out = append(out, segmentRsp{Start: s.Start, Value: s.Value})
	}
	writeJSON(w, out)
}

type perfRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) processStats(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memorySize, err := proc.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, perfRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func parseTime(
	r *http.Request, key string, fallback sim.SimTime,
) (sim.SimTime, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}

	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s: %w", key, err)
	}
	return sim.SimTime(ns), nil
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(data)
	dieOnErr(err)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, "Error: %s", err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
