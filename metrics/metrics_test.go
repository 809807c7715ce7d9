package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	requestDuration.Reset()
	requestsTotal.Reset()

	RecordRequest("asap.send", "success", 0.02)
	RecordRequest("asap.send", "success", 0.05)
	RecordRequest("asap.send", "error", 0.01)

	successCount := testutil.ToFloat64(requestsTotal.WithLabelValues("asap.send", "success"))
	errorCount := testutil.ToFloat64(requestsTotal.WithLabelValues("asap.send", "error"))

	if successCount != 2 {
		t.Errorf("Expected 2 success requests, got %f", successCount)
	}
	if errorCount != 1 {
		t.Errorf("Expected 1 error request, got %f", errorCount)
	}

	if count := testutil.CollectAndCount(requestDuration); count == 0 {
		t.Error("Expected non-zero histogram observations")
	}
}

func TestRecordDispatch(t *testing.T) {
	dispatchDuration.Reset()
	dispatchesTotal.Reset()

	RecordDispatch("task.request", "success", 0.1)
	RecordDispatch("task.request", "error", 0.2)
	RecordDispatch("mcp.tool_call", "panic", 0.01)

	successCount := testutil.ToFloat64(dispatchesTotal.WithLabelValues("task.request", "success"))
	panicCount := testutil.ToFloat64(dispatchesTotal.WithLabelValues("mcp.tool_call", "panic"))

	if successCount != 1 {
		t.Errorf("Expected 1 success dispatch, got %f", successCount)
	}
	if panicCount != 1 {
		t.Errorf("Expected 1 panic dispatch, got %f", panicCount)
	}
}

func TestRecordClientSend(t *testing.T) {
	clientSendDuration.Reset()
	clientSendsTotal.Reset()

	RecordClientSend("task.request", "success", 0.5)
	RecordClientSend("task.request", "circuit_open", 0.0)

	openCount := testutil.ToFloat64(clientSendsTotal.WithLabelValues("task.request", "circuit_open"))
	if openCount != 1 {
		t.Errorf("Expected 1 circuit_open send, got %f", openCount)
	}
}

func TestRecordRetry(t *testing.T) {
	retriesTotal.Reset()

	RecordRetry("status_5xx")
	RecordRetry("status_5xx")
	RecordRetry("status_429")

	if got := testutil.ToFloat64(retriesTotal.WithLabelValues("status_5xx")); got != 2 {
		t.Errorf("Expected 2 5xx retries, got %f", got)
	}
	if got := testutil.ToFloat64(retriesTotal.WithLabelValues("status_429")); got != 1 {
		t.Errorf("Expected 1 429 retry, got %f", got)
	}
}

func TestRecordBreakerTransition(t *testing.T) {
	breakerTransitionsTotal.Reset()

	RecordBreakerTransition("OPEN")
	RecordBreakerTransition("HALF_OPEN")
	RecordBreakerTransition("CLOSED")
	RecordBreakerTransition("OPEN")

	if got := testutil.ToFloat64(breakerTransitionsTotal.WithLabelValues("OPEN")); got != 2 {
		t.Errorf("Expected 2 OPEN transitions, got %f", got)
	}
}

func TestWSGauges(t *testing.T) {
	SetWSAcksPending(5)
	if got := testutil.ToFloat64(wsAcksPending); got != 5 {
		t.Errorf("Expected 5 pending acks, got %f", got)
	}

	SetWSAcksPending(0)
	if got := testutil.ToFloat64(wsAcksPending); got != 0 {
		t.Errorf("Expected 0 pending acks, got %f", got)
	}
}

func TestWebhookMetrics(t *testing.T) {
	webhookDeliveriesTotal.Reset()

	RecordWebhookDelivery("success")
	RecordWebhookDelivery("dead_letter")
	SetWebhookDLQDepth(1)

	if got := testutil.ToFloat64(webhookDeliveriesTotal.WithLabelValues("dead_letter")); got != 1 {
		t.Errorf("Expected 1 dead_letter delivery, got %f", got)
	}
	if got := testutil.ToFloat64(webhookDLQDepth); got != 1 {
		t.Errorf("Expected DLQ depth 1, got %f", got)
	}
}

func TestNewExporter(t *testing.T) {
	exporter := NewExporter(":9091")
	if exporter == nil {
		t.Fatal("Expected non-nil exporter")
	}
	if exporter.Registry() == nil {
		t.Error("Expected non-nil registry")
	}
}

func TestNewExporterWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	exporter := NewExporterWithRegistry(":9092", reg)

	if exporter.Registry() != reg {
		t.Error("Expected custom registry to be used")
	}
}

func TestExporterHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "asap_test_counter",
		Help: "Test counter",
	})
	reg.MustRegister(counter)
	counter.Inc()

	exporter := NewExporterWithRegistry(":9093", reg)
	handler := exporter.Handler()

	req := httptest.NewRequest(http.MethodGet, "/asap/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	resp := rec.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "asap_test_counter") {
		t.Error("Expected response to contain asap_test_counter metric")
	}
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "textfile_test_total",
		Help:      "Test counter",
	})
	other := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unrelated_total",
		Help: "Should not be exported",
	})
	reg.MustRegister(counter, other)
	counter.Inc()
	other.Inc()

	exporter := NewExporterWithRegistry(":9095", reg)

	path := filepath.Join(t.TempDir(), "asap.prom")
	if err := exporter.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}

	if !strings.Contains(string(data), "asap_textfile_test_total") {
		t.Error("Expected asap_ metric in textfile output")
	}
	if strings.Contains(string(data), "unrelated_total") {
		t.Error("Expected non-asap metric to be filtered out")
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Expected temp file to be renamed away")
	}
}
