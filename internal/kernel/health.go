package kernel

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// statsCollector is a small fluent map builder for the /healthz and
// "status" surfaces, adapted from the teacher's infrastructure/service
// StatsCollector (AddNonNil/AddMap) down to the handful of methods this
// process-wide health snapshot actually needs.
type statsCollector struct {
	stats map[string]any
}

func newStatsCollector() *statsCollector {
	return &statsCollector{stats: make(map[string]any)}
}

func (sc *statsCollector) add(key string, value any) *statsCollector {
	sc.stats[key] = value
	return sc
}

func (sc *statsCollector) addMap(key string, m map[string]any) *statsCollector {
	sc.stats[key] = m
	return sc
}

func (sc *statsCollector) build() map[string]any {
	return sc.stats
}

// Health aggregates per-component lifecycle state the way the teacher's
// healthcheck.go rolls up module health, supplemented with real host
// resource figures (shirou/gopsutil) in place of the teacher's
// placeholder/unused stats hooks.
func (k *Kernel) Health() map[string]any {
	componentStates := k.Components.List()
	components := make(map[string]any, len(componentStates))
	for _, name := range componentNames(componentStates) {
		components[name] = componentStates[name].String()
	}

	devices := make(map[string]any)
	for _, info := range k.Devices.ListDevices() {
		devices[info.ID] = map[string]any{"driver": info.Driver, "state": info.State.String()}
	}

	runCounts := map[string]int{}
	for _, id := range k.listRuns() {
		if run, ok := k.lookupRun(id); ok {
			runCounts[string(run.Status())]++
		}
	}

	return newStatsCollector().
		add("status", "ready").
		addMap("components", components).
		addMap("devices", devices).
		addMap("runs", map[string]any{"by_status": runCounts, "total": len(k.listRuns())}).
		addMap("host", hostStats()).
		build()
}

// hostStats samples CPU/memory utilization. A zero-duration CPU sample
// reports the percentage since the last call rather than blocking the
// health check on a fresh measurement window.
func hostStats() map[string]any {
	out := map[string]any{}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		out["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["mem_used_percent"] = vm.UsedPercent
		out["mem_total_bytes"] = vm.Total
		out["mem_used_bytes"] = vm.Used
	}
	out["sampled_at"] = time.Now().UTC().Format(time.RFC3339)
	return out
}
