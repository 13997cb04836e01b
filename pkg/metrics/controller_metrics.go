package metrics

import (
	goruntime "runtime"
	"strconv"
	"time"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/report"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/system"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

var (
	axisLabels = [vecmath.NAxis]string{"x", "y"}
	states     = []system.State{
		system.StateIdle, system.StateAlarm, system.StateCheckMode, system.StateHoming,
		system.StateCycle, system.StateHold, system.StateJog, system.StateSleep,
	}
)

// ControllerMetrics counts executed lines, alarms and resets, and samples
// the machine state whenever it is gathered. It implements the controller
// observer hooks.
type ControllerMetrics struct {
	Lines        *Counter
	LineDuration *Histogram
	Alarms       *Counter
	Resets       *Counter

	State         *Gauge
	PlannerFree   *Gauge
	RxFree        *Gauge
	Position      *Gauge
	FeedRate      *Gauge
	Uptime        *Gauge
	Goroutines    *Gauge
	HeapAllocated *Gauge

	sample    func() report.Snapshot
	startTime time.Time
	registry  *Registry
}

// NewControllerMetrics registers every controller metric. sample may be
// nil until SetSampler is called.
func NewControllerMetrics(sample func() report.Snapshot) *ControllerMetrics {
	m := &ControllerMetrics{
		Lines: NewCounter("grbl_lines_total",
			"Lines executed, by response"),
		LineDuration: NewHistogram("grbl_line_duration_seconds",
			"Time from dequeuing a line to its response", DefaultBuckets()),
		Alarms: NewCounter("grbl_alarms_total",
			"Alarms raised, by alarm code"),
		Resets: NewCounter("grbl_resets_total",
			"Soft resets processed"),
		State: NewGauge("grbl_state",
			"1 for the current machine state"),
		PlannerFree: NewGauge("grbl_planner_blocks_free",
			"Free planner buffer blocks"),
		RxFree: NewGauge("grbl_rx_lines_free",
			"Free line queue slots"),
		Position: NewGauge("grbl_machine_position_mm",
			"Machine position"),
		FeedRate: NewGauge("grbl_feed_rate_mm_per_min",
			"Current realtime feed rate"),
		Uptime: NewGauge("grbl_uptime_seconds",
			"Time since the metrics were created"),
		Goroutines: NewGauge("grbl_go_goroutines",
			"Number of active goroutines"),
		HeapAllocated: NewGauge("grbl_go_memory_heap_bytes",
			"Go heap memory in use"),
		sample:    sample,
		startTime: time.Now(),
		registry:  NewRegistry(),
	}
	m.registry.MustRegister(
		m.Lines, m.LineDuration, m.Alarms, m.Resets,
		m.State, m.PlannerFree, m.RxFree, m.Position, m.FeedRate,
		m.Uptime, m.Goroutines, m.HeapAllocated,
	)
	return m
}

// SetSampler installs the snapshot source used by Gather.
func (m *ControllerMetrics) SetSampler(sample func() report.Snapshot) { m.sample = sample }

func responseLabels(code status.Code) Labels {
	if code == status.OK {
		return Labels{"response": "ok"}
	}
	return Labels{"response": "error", "code": strconv.Itoa(int(code))}
}

// LineDone records one executed line.
func (m *ControllerMetrics) LineDone(code status.Code, elapsed time.Duration) {
	m.Lines.Inc(responseLabels(code))
	m.LineDuration.Observe(nil, elapsed.Seconds())
}

// Alarm records a reported alarm.
func (m *ControllerMetrics) Alarm(a status.Alarm) {
	m.Alarms.Inc(Labels{"alarm": strconv.Itoa(int(a))})
}

// Reset records a processed soft reset.
func (m *ControllerMetrics) Reset() { m.Resets.Inc(nil) }

// Observe refreshes the gauges from one snapshot.
func (m *ControllerMetrics) Observe(s report.Snapshot) {
	for _, st := range states {
		v := 0.0
		if st == s.State {
			v = 1
		}
		m.State.Set(Labels{"state": st.String()}, v)
	}
	m.PlannerFree.Set(nil, float64(s.PlannerAvailable))
	m.RxFree.Set(nil, float64(s.RxAvailable))
	for i, name := range axisLabels {
		m.Position.Set(Labels{"axis": name}, s.MPos[i])
	}
	m.FeedRate.Set(nil, s.FeedRate)
}

func (m *ControllerMetrics) updateRuntime() {
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)
	m.Goroutines.Set(nil, float64(goruntime.NumGoroutine()))
	m.HeapAllocated.Set(nil, float64(ms.HeapAlloc))
	m.Uptime.Set(nil, time.Since(m.startTime).Seconds())
}

// Gather samples the controller and renders every metric.
func (m *ControllerMetrics) Gather() string {
	if m.sample != nil {
		m.Observe(m.sample())
	}
	m.updateRuntime()
	return m.registry.Gather()
}

// Registry returns the internal registry
func (m *ControllerMetrics) Registry() *Registry { return m.registry }

// MachineState returns the sampled state, or false before a sampler is set.
func (m *ControllerMetrics) MachineState() (system.State, bool) {
	if m.sample == nil {
		return 0, false
	}
	return m.sample().State, true
}
