package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	// Exercise helpers; they should work only after Register
	IncStart()
	IncStop()
	IncCrash()
	ObserveStartupDuration(2.5)
	RecordStateTransition("starting", "running")
	SetCurrentState("running", true)
	IncHealthProbe("ok")
	IncLogLine("stdout")
	IncJobSubmitted()
	IncJobTerminal("completed")
	IncPollRetry()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"inferd_server_starts_total":             false,
		"inferd_server_stops_total":              false,
		"inferd_server_crashes_total":            false,
		"inferd_server_startup_duration_seconds": false,
		"inferd_server_state_transitions_total":  false,
		"inferd_server_current_state":            false,
		"inferd_server_health_probes_total":      false,
		"inferd_server_log_lines_total":          false,
		"inferd_job_submitted_total":             false,
		"inferd_job_terminal_total":              false,
		"inferd_job_poll_retries_total":          false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	_ = Register(prometheus.DefaultRegisterer)
	IncStart()
	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "inferd_server_starts_total") {
		t.Fatalf("metrics output missing inferd_server_starts_total")
	}
}
