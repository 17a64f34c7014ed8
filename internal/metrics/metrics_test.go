package metrics

import (
	"strings"
	"testing"
)

func TestRecordRequestAndExport(t *testing.T) {
	// Record a single request and ensure it appears in the export.
	RecordRequest("POST", "/start-generation", 202, 3)

	out := Export(nil)
	if !strings.Contains(out, "diffusion_http_requests_total{method=\"POST\",path=\"/start-generation\",status=\"202\"}") {
		t.Fatalf("expected HTTP request metric for POST /start-generation in export, got:\n%s", out)
	}
	if !strings.Contains(out, "diffusion_http_request_duration_ms_sum") || !strings.Contains(out, "diffusion_http_request_duration_ms_count") {
		t.Fatalf("expected latency metrics headers in export, got:\n%s", out)
	}
}

func TestRecordJobMetrics(t *testing.T) {
	RecordJobSubmitted("txt2img", "default")
	RecordJobFinished("txt2img", "completed", 1200)
	RecordJobFinished("txt2img", "failed", 40)
	RecordJobRejected("queue_full")
	RecordDeviceFallback("cuda")

	out := Export(nil)
	for _, want := range []string{
		"diffusion_jobs_submitted_total{mode=\"txt2img\",model=\"default\"}",
		"diffusion_jobs_finished_total{mode=\"txt2img\",status=\"completed\"}",
		"diffusion_jobs_finished_total{mode=\"txt2img\",status=\"failed\"}",
		"diffusion_job_duration_ms_sum{mode=\"txt2img\",status=\"completed\"}",
		"diffusion_jobs_rejected_total{reason=\"queue_full\"}",
		"diffusion_device_fallbacks_total{requested=\"cuda\"}",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in export, got:\n%s", want, out)
		}
	}
}

func TestExportGauges(t *testing.T) {
	out := Export(map[string]int64{
		"diffusion_jobs_running": 2,
		"diffusion_jobs_pending": 1,
	})
	if !strings.Contains(out, "# TYPE diffusion_jobs_pending gauge\ndiffusion_jobs_pending 1\n") {
		t.Fatalf("expected pending gauge in export, got:\n%s", out)
	}
	if !strings.Contains(out, "diffusion_jobs_running 2\n") {
		t.Fatalf("expected running gauge in export, got:\n%s", out)
	}
}

func TestRecordRetention(t *testing.T) {
	RecordRetentionJobs(0)
	RecordRetentionJobs(3)
	RecordRetentionEvents(5)

	out := Export(nil)
	if !strings.Contains(out, "diffusion_retention_jobs_deleted_total") {
		t.Fatalf("expected retention jobs metric, got:\n%s", out)
	}
	if !strings.Contains(out, "diffusion_retention_events_deleted_total") {
		t.Fatalf("expected retention events metric, got:\n%s", out)
	}
}
