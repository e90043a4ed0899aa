package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func resetRegistration(t *testing.T) {
	t.Helper()
	prev := regOK.Load()
	regOK.Store(false)
	t.Cleanup(func() { regOK.Store(prev) })
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	resetRegistration(t)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	before := testutil.ToFloat64(processStarts.WithLabelValues("a"))
	IncStart("a")
	IncStart("a")
	IncRestart("a")
	IncStop("a")
	IncSpawnFailure("a")
	IncDroppedLine("a")
	IncReconcile("a")
	SetResources("a_1", "a", 12.5, 40.2)
	SetCurrentState("a_1", "running", []string{"running", "stopped"})

	if got := testutil.ToFloat64(processStarts.WithLabelValues("a")) - before; got != 2 {
		t.Fatalf("starts delta = %v", got)
	}
	if got := testutil.ToFloat64(cpuPercent.WithLabelValues("a_1", "a")); got != 12.5 {
		t.Fatalf("cpu gauge = %v", got)
	}
	if got := testutil.ToFloat64(currentStates.WithLabelValues("a_1", "stopped")); got != 0 {
		t.Fatalf("inactive state gauge = %v", got)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"pyker_process_starts_total":         false,
		"pyker_process_restarts_total":       false,
		"pyker_process_spawn_failures_total": false,
		"pyker_process_memory_mb":            false,
		"pyker_log_dropped_lines_total":      false,
		"pyker_monitor_reconciles_total":     false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for n, ok := range want {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestForgetDropsSeries(t *testing.T) {
	resetRegistration(t)
	if err := Register(prometheus.NewRegistry()); err != nil {
		t.Fatal(err)
	}
	SetResources("gone_1", "gone", 1, 1)
	Forget("gone_1", "gone", []string{"running"})
	if cpuPercent.DeleteLabelValues("gone_1", "gone") {
		t.Fatalf("cpu series still present after Forget")
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	resetRegistration(t)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncStart("x")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "pyker_process_starts_total") {
		t.Fatalf("metrics output missing starts_total")
	}
}

func TestConcurrentIncrements(t *testing.T) {
	resetRegistration(t)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncStart("c")
			IncRestart("c")
			IncStop("c")
			RecordStateTransition("c", "running", "stopped")
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	resetRegistration(t)
	before := testutil.ToFloat64(processStops.WithLabelValues("unregistered"))
	IncStop("unregistered")
	SetResources("u_1", "unregistered", 1, 1)
	Forget("u_1", "unregistered", nil)
	if after := testutil.ToFloat64(processStops.WithLabelValues("unregistered")); after != before {
		t.Fatalf("helpers must no-op before Register")
	}
}

type errorRegisterer struct{}

func (errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}
func (errorRegisterer) MustRegister(...prometheus.Collector) {}
func (errorRegisterer) Unregister(prometheus.Collector) bool { return false }

func TestRegisterError(t *testing.T) {
	resetRegistration(t)
	err := Register(errorRegisterer{})
	if err == nil || err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
	if regOK.Load() {
		t.Fatalf("failed registration must not flip the gate")
	}
}
