package metrics

import (
	"time"
)

// Enhanced combines the Prometheus Recorder with host/runtime sampling.
// It replaces the teacher's EnhancedMetrics, which delegated to a
// simpleMetrics field that its struct never declared; here the
// delegation target (embedded as *Metrics and set by NewEnhanced)
// always exists.
type Enhanced struct {
	*Metrics
	system  *SystemMetrics
	runtime *RuntimeMetricsReader
}

func NewEnhanced() *Enhanced {
	return &Enhanced{
		Metrics: New(),
		system:  NewSystemMetrics(),
		runtime: NewRuntimeMetricsReader(),
	}
}

// Sample refreshes the host/runtime gauges. Snapshot calls it on every
// /stats request; it is not on the envelope hot path.
func (e *Enhanced) Sample() {
	e.system.Update()
	e.runtime.Update()
}

func (e *Enhanced) SystemInfo() map[string]interface{} {
	info := e.system.GetSystemInfo()
	info["runtime_detail"] = e.runtime.GetAllStats()
	return info
}

func (e *Enhanced) MemoryMB() float64 { return e.system.GetMemoryMB() }

func (e *Enhanced) CPUPercent() float64 { return e.system.GetCPUPercent() }

// Snapshot is a point-in-time rendering suitable for the /stats endpoint.
type Snapshot struct {
	ActiveSessions int64                  `json:"active_sessions"`
	ActiveRuns     int64                  `json:"active_runs"`
	UptimeSeconds  float64                `json:"uptime_seconds"`
	MemoryMB       float64                `json:"memory_mb"`
	CPUPercent     float64                `json:"cpu_percent"`
	System         map[string]interface{} `json:"system"`
	SampledAt      time.Time              `json:"sampled_at"`
}

func (e *Enhanced) Snapshot() Snapshot {
	e.Sample()
	return Snapshot{
		ActiveSessions: e.GetActiveSessions(),
		ActiveRuns:     e.GetActiveRuns(),
		UptimeSeconds:  e.GetUptime().Seconds(),
		MemoryMB:       e.MemoryMB(),
		CPUPercent:     e.CPUPercent(),
		System:         e.SystemInfo(),
		SampledAt:      sampleTime(),
	}
}

// sampleTime returns the wall-clock time stamped on a Snapshot.
func sampleTime() time.Time { return time.Now() }
