package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServerSnapshotAndMetricsEndpoints(t *testing.T) {
	st := newTestStoreWithTasks(t)
	emitter := New(st, nil, nil, nil)

	srv, err := NewServer("127.0.0.1:0", emitter)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	rec := httptest.NewRecorder()
	srv.handleSnapshot(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/snapshot status = %d", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Tasks) != 3 {
		t.Errorf("len(Tasks) = %d, want 3", len(snap.Tasks))
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	srv.handleMetrics(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "taskflow_global_health_score") {
		t.Error("expected health score gauge in prometheus exposition output")
	}

	req = httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	rec = httptest.NewRecorder()
	srv.handleOpenAPI(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/openapi.json status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "\"openapi\"") {
		t.Error("expected the marshaled openapi document to contain an openapi field")
	}
}
