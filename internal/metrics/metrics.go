package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for HTTP requests and generation jobs.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	jobsSubmitted    = make(map[jobKey]int64)
	jobsFinished     = make(map[outcomeKey]int64)
	jobDurationMsSum = make(map[outcomeKey]int64)
	jobDurationCount = make(map[outcomeKey]int64)
	jobsRejected     = make(map[string]int64)
	deviceFallbacks  = make(map[string]int64)

	retentionJobsDeleted   int64
	retentionEventsDeleted int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type jobKey struct {
	Mode  string
	Model string
}

type outcomeKey struct {
	Mode   string
	Status string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordJobSubmitted counts an accepted generation job.
func RecordJobSubmitted(mode, model string) {
	mu.Lock()
	defer mu.Unlock()
	jobsSubmitted[jobKey{Mode: mode, Model: model}]++
}

// RecordJobFinished counts a job reaching a terminal status and records
// how long its worker ran.
func RecordJobFinished(mode, status string, durationMs int64) {
	mu.Lock()
	defer mu.Unlock()

	k := outcomeKey{Mode: mode, Status: status}
	jobsFinished[k]++
	jobDurationMsSum[k] += durationMs
	jobDurationCount[k]++
}

// RecordJobRejected counts a submission refused before a job was created.
func RecordJobRejected(reason string) {
	mu.Lock()
	defer mu.Unlock()
	jobsRejected[reason]++
}

// RecordDeviceFallback counts requests whose device hint was replaced.
func RecordDeviceFallback(requested string) {
	mu.Lock()
	defer mu.Unlock()
	deviceFallbacks[requested]++
}

// RecordRetentionJobs increments the counter of jobs deleted by TTL.
func RecordRetentionJobs(deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionJobsDeleted += deleted
}

// RecordRetentionEvents increments the counter of audit events deleted
// by TTL cleanup.
func RecordRetentionEvents(deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionEventsDeleted += deleted
}

// Export returns Prometheus-style metrics text. gauges are point-in-time
// values supplied by the caller, such as jobs per status.
func Export(gauges map[string]int64) string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP diffusion_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE diffusion_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		fmt.Fprintf(&b, "diffusion_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	b.WriteString("# HELP diffusion_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE diffusion_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP diffusion_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE diffusion_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		fmt.Fprintf(&b, "diffusion_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "diffusion_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	b.WriteString("# HELP diffusion_jobs_submitted_total Accepted generation jobs\n")
	b.WriteString("# TYPE diffusion_jobs_submitted_total counter\n")

	var subKeys []jobKey
	for k := range jobsSubmitted {
		subKeys = append(subKeys, k)
	}
	sort.Slice(subKeys, func(i, j int) bool {
		if subKeys[i].Mode != subKeys[j].Mode {
			return subKeys[i].Mode < subKeys[j].Mode
		}
		return subKeys[i].Model < subKeys[j].Model
	})
	for _, k := range subKeys {
		fmt.Fprintf(&b, "diffusion_jobs_submitted_total{mode=\"%s\",model=\"%s\"} %d\n",
			k.Mode, k.Model, jobsSubmitted[k])
	}

	b.WriteString("# HELP diffusion_jobs_finished_total Generation jobs by terminal status\n")
	b.WriteString("# TYPE diffusion_jobs_finished_total counter\n")
	b.WriteString("# HELP diffusion_job_duration_ms_sum Total worker run time in milliseconds\n")
	b.WriteString("# TYPE diffusion_job_duration_ms_sum counter\n")

	var outKeys []outcomeKey
	for k := range jobsFinished {
		outKeys = append(outKeys, k)
	}
	sort.Slice(outKeys, func(i, j int) bool {
		if outKeys[i].Mode != outKeys[j].Mode {
			return outKeys[i].Mode < outKeys[j].Mode
		}
		return outKeys[i].Status < outKeys[j].Status
	})
	for _, k := range outKeys {
		fmt.Fprintf(&b, "diffusion_jobs_finished_total{mode=\"%s\",status=\"%s\"} %d\n",
			k.Mode, k.Status, jobsFinished[k])
		fmt.Fprintf(&b, "diffusion_job_duration_ms_sum{mode=\"%s\",status=\"%s\"} %d\n",
			k.Mode, k.Status, jobDurationMsSum[k])
		fmt.Fprintf(&b, "diffusion_job_duration_ms_count{mode=\"%s\",status=\"%s\"} %d\n",
			k.Mode, k.Status, jobDurationCount[k])
	}

	b.WriteString("# HELP diffusion_jobs_rejected_total Submissions refused before a job was created\n")
	b.WriteString("# TYPE diffusion_jobs_rejected_total counter\n")
	for _, reason := range sortedKeys(jobsRejected) {
		fmt.Fprintf(&b, "diffusion_jobs_rejected_total{reason=\"%s\"} %d\n", reason, jobsRejected[reason])
	}

	b.WriteString("# HELP diffusion_device_fallbacks_total Requests whose device hint fell back to the default\n")
	b.WriteString("# TYPE diffusion_device_fallbacks_total counter\n")
	for _, dev := range sortedKeys(deviceFallbacks) {
		fmt.Fprintf(&b, "diffusion_device_fallbacks_total{requested=\"%s\"} %d\n", dev, deviceFallbacks[dev])
	}

	// Retention metrics
	b.WriteString("# HELP diffusion_retention_jobs_deleted_total Total jobs deleted by TTL\n")
	b.WriteString("# TYPE diffusion_retention_jobs_deleted_total counter\n")
	fmt.Fprintf(&b, "diffusion_retention_jobs_deleted_total %d\n", retentionJobsDeleted)

	b.WriteString("# HELP diffusion_retention_events_deleted_total Total audit events deleted by TTL\n")
	b.WriteString("# TYPE diffusion_retention_events_deleted_total counter\n")
	fmt.Fprintf(&b, "diffusion_retention_events_deleted_total %d\n", retentionEventsDeleted)

	if len(gauges) > 0 {
		names := make([]string, 0, len(gauges))
		for name := range gauges {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
			fmt.Fprintf(&b, "%s %d\n", name, gauges[name])
		}
	}

	return b.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
