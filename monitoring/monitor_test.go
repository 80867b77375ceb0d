package monitoring

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/skyhooklab/kestrel/history"
	"github.com/skyhooklab/kestrel/sim"
)

type fakeTarget struct {
	paused  bool
	resumed bool
}

func (t *fakeTarget) Status() Status {
	return Status{
		ID:    "test-sim",
		State: "running",
		Now:   sim.Epoch.Add(1e9),
		Tasks: 3,
	}
}

func (t *fakeTarget) Pause()    { t.paused = true }
func (t *fakeTarget) Continue() { t.resumed = true }

func (t *fakeTarget) Resources() []history.ResourceID {
	return []history.ResourceID{"battery_soc", "heater_state"}
}

func (t *fakeTarget) ResourceAt(
	id history.ResourceID, at sim.SimTime,
) (any, error) {
	if id != "heater_state" {
		return nil, fmt.Errorf("unknown resource %s", id)
	}
	return "On", nil
}

func (t *fakeTarget) ResourceRange(
	id history.ResourceID, t0, t1 sim.SimTime,
) ([]history.Segment, error) {
	return []history.Segment{
		{Resource: id, Start: t0, Value: "On"},
	}, nil
}

var _ = Describe("Monitor", func() {
	var (
		target  *fakeTarget
		monitor *Monitor
		baseURL string
	)

	BeforeEach(func() {
		target = &fakeTarget{}
		monitor = NewMonitor()
		monitor.RegisterTarget(target)
		monitor.StartServer()
		baseURL = "http://" + monitor.Addr()
	})

	AfterEach(func() {
		monitor.StopServer()
	})

	get := func(path string) (int, []byte) {
		rsp, err := http.Get(baseURL + path)
		Expect(err).ToNot(HaveOccurred())
		defer rsp.Body.Close()

		body, err := io.ReadAll(rsp.Body)
		Expect(err).ToNot(HaveOccurred())
		return rsp.StatusCode, body
	}

	It("should report status", func() {
		code, body := get("/api/status")
		Expect(code).To(Equal(http.StatusOK))

		var s Status
		Expect(json.Unmarshal(body, &s)).To(Succeed())
		Expect(s.ID).To(Equal("test-sim"))
		Expect(s.Tasks).To(Equal(3))
	})

	It("should report now in nanoseconds and seconds", func() {
		code, body := get("/api/now")
		Expect(code).To(Equal(http.StatusOK))

		var rsp struct {
			Now     int64   `json:"now"`
			Seconds float64 `json:"seconds"`
		}
		Expect(json.Unmarshal(body, &rsp)).To(Succeed())
		Expect(rsp.Now).To(Equal(int64(1e9)))
		Expect(rsp.Seconds).To(BeNumerically("~", 1.0))
	})

	It("should pause and continue the target", func() {
		code, _ := get("/api/pause")
		Expect(code).To(Equal(http.StatusOK))
		Expect(target.paused).To(BeTrue())

		code, _ = get("/api/continue")
		Expect(code).To(Equal(http.StatusOK))
		Expect(target.resumed).To(BeTrue())
	})

	It("should list resources", func() {
		code, body := get("/api/resources")
		Expect(code).To(Equal(http.StatusOK))

		var ids []string
		Expect(json.Unmarshal(body, &ids)).To(Succeed())
		Expect(ids).To(Equal([]string{"battery_soc", "heater_state"}))
	})

	It("should serve a resource point", func() {
		code, body := get("/api/resource/heater_state?t=500")
		Expect(code).To(Equal(http.StatusOK))

		var rsp struct {
			Resource string `json:"resource"`
			Time     int64  `json:"time"`
			Value    any    `json:"value"`
		}
		Expect(json.Unmarshal(body, &rsp)).To(Succeed())
		Expect(rsp.Resource).To(Equal("heater_state"))
		Expect(rsp.Time).To(Equal(int64(500)))
		Expect(rsp.Value).To(Equal("On"))
	})

	It("should reject unknown resources", func() {
		code, _ := get("/api/resource/nope")
		Expect(code).To(Equal(http.StatusBadRequest))
	})

	It("should serve a resource range", func() {
		code, body := get("/api/resource/heater_state/range?t0=0&t1=2000000000")
		Expect(code).To(Equal(http.StatusOK))

		var segs []struct {
			Start int64 `json:"start"`
			Value any   `json:"value"`
		}
		Expect(json.Unmarshal(body, &segs)).To(Succeed())
		Expect(segs).To(HaveLen(1))
		Expect(segs[0].Value).To(Equal("On"))
	})
})
