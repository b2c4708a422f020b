package store

import (
	"path/filepath"
	"testing"

	"github.com/captap/captap/internal/config"
	"github.com/captap/captap/internal/logger"
	"github.com/captap/captap/pkg/exchange"
)

func newTestStore(t *testing.T, maxRecords int) Store {
	t.Helper()
	dir := t.TempDir()
	cfg := config.StorageConfig{
		Driver:     "sqlite",
		Path:       filepath.Join(dir, "traffic.db"),
		MaxRecords: maxRecords,
	}
	s, err := New(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openFields(method, url, host, path string) exchange.OpenFields {
	return exchange.OpenFields{
		TimestampMs:    exchange.Now(),
		Method:         method,
		URL:            url,
		Host:           host,
		Path:           path,
		RequestHeaders: exchange.Header{"User-Agent": "captap-test"},
		RequestBody:    []byte("request body"),
	}
}

func TestInsertOpenThenCompleteRoundtrips(t *testing.T) {
	s := newTestStore(t, 0)

	id, err := s.InsertOpen(openFields("GET", "https://example.com/a", "example.com", "/a"))
	if err != nil {
		t.Fatalf("InsertOpen: %v", err)
	}

	pending, err := s.GetByID(id)
	if err != nil {
		t.Fatalf("GetByID (pending): %v", err)
	}
	if !pending.Pending() {
		t.Errorf("expected exchange to be pending before Complete")
	}

	err = s.Complete(id, exchange.CompletionFields{
		Status:          200,
		ResponseHeaders: exchange.Header{"Content-Type": "text/plain"},
		ResponseBody:    []byte("response body"),
		ContentType:     "text/plain",
		DurationMs:      42,
		SizeBytes:       13,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	done, err := s.GetByID(id)
	if err != nil {
		t.Fatalf("GetByID (done): %v", err)
	}
	if done.Pending() {
		t.Error("expected exchange to no longer be pending")
	}
	if done.Status != 200 {
		t.Errorf("Status = %d, want 200", done.Status)
	}
	if string(done.RequestBody) != "request body" {
		t.Errorf("RequestBody = %q, want %q", done.RequestBody, "request body")
	}
	if string(done.ResponseBody) != "response body" {
		t.Errorf("ResponseBody = %q, want %q", done.ResponseBody, "response body")
	}
	if done.RequestHeaders.Get("User-Agent") != "captap-test" {
		t.Errorf("request header not preserved: %v", done.RequestHeaders)
	}
}

func TestCompleteUnknownIDReturnsNotFound(t *testing.T) {
	s := newTestStore(t, 0)
	err := s.Complete(9999, exchange.CompletionFields{Status: 200})
	if err != ErrNotFound {
		t.Errorf("Complete on unknown id = %v, want ErrNotFound", err)
	}
}

func TestQueryFilters(t *testing.T) {
	s := newTestStore(t, 0)

	seed := []struct {
		method, host, path string
		status             int
	}{
		{"GET", "a.example.com", "/one", 200},
		{"POST", "b.example.com", "/two", 404},
		{"GET", "b.example.com", "/three", 500},
	}
	for _, sd := range seed {
		id, err := s.InsertOpen(openFields(sd.method, "https://"+sd.host+sd.path, sd.host, sd.path))
		if err != nil {
			t.Fatalf("InsertOpen: %v", err)
		}
		if err := s.Complete(id, exchange.CompletionFields{Status: sd.status}); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}

	results, total, err := s.Query(exchange.FilterPredicate{Hosts: []string{"b.example.com"}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 2 || len(results) != 2 {
		t.Errorf("expected 2 results for host filter, got total=%d len=%d", total, len(results))
	}

	results, total, err = s.Query(exchange.FilterPredicate{StatusBuckets: []exchange.StatusBucket{exchange.Bucket5xx}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 1 || len(results) != 1 || results[0].Status != 500 {
		t.Errorf("expected single 5xx result, got total=%d results=%v", total, results)
	}

	results, total, err = s.Query(exchange.FilterPredicate{Methods: []string{"GET"}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 GET results, got %d", total)
	}
}

func TestSweepOlderThan(t *testing.T) {
	s := newTestStore(t, 0)

	old, err := s.InsertOpen(exchange.OpenFields{TimestampMs: 1000, Method: "GET", URL: "https://old.example.com/", Host: "old.example.com"})
	if err != nil {
		t.Fatalf("InsertOpen: %v", err)
	}
	if err := s.Complete(old, exchange.CompletionFields{Status: 200}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	fresh, err := s.InsertOpen(exchange.OpenFields{TimestampMs: exchange.Now(), Method: "GET", URL: "https://new.example.com/", Host: "new.example.com"})
	if err != nil {
		t.Fatalf("InsertOpen: %v", err)
	}
	if err := s.Complete(fresh, exchange.CompletionFields{Status: 200}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	n, err := s.SweepOlderThan(exchange.Now() - 1000)
	if err != nil {
		t.Fatalf("SweepOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("expected to sweep 1 row, swept %d", n)
	}

	if _, err := s.GetByID(old); err != ErrNotFound {
		t.Errorf("expected old exchange to be swept, got err=%v", err)
	}
	if _, err := s.GetByID(fresh); err != nil {
		t.Errorf("expected fresh exchange to survive sweep, got err=%v", err)
	}
}

func TestMaxRecordsPrune(t *testing.T) {
	s := newTestStore(t, 2)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := s.InsertOpen(openFields("GET", "https://example.com/", "example.com", "/"))
		if err != nil {
			t.Fatalf("InsertOpen: %v", err)
		}
		if err := s.Complete(id, exchange.CompletionFields{Status: 200}); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		ids = append(ids, id)
	}

	count, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected prune to cap store at 2 rows, got %d", count)
	}
	if _, err := s.GetByID(ids[0]); err != ErrNotFound {
		t.Errorf("expected oldest row to be pruned, got err=%v", err)
	}
}

func TestSettingsRoundtrip(t *testing.T) {
	s := newTestStore(t, 0)

	if _, ok, err := s.GetSetting("missing"); err != nil || ok {
		t.Fatalf("expected missing setting to be absent, ok=%v err=%v", ok, err)
	}

	if err := s.SetSetting("theme", "dark"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	v, ok, err := s.GetSetting("theme")
	if err != nil || !ok || v != "dark" {
		t.Fatalf("GetSetting = %q, %v, %v; want dark, true, nil", v, ok, err)
	}

	if err := s.SetSetting("theme", "light"); err != nil {
		t.Fatalf("SetSetting (update): %v", err)
	}
	v, _, err = s.GetSetting("theme")
	if err != nil || v != "light" {
		t.Fatalf("GetSetting after update = %q, %v; want light", v, err)
	}
}

func TestDistinctValues(t *testing.T) {
	s := newTestStore(t, 0)

	for _, h := range []string{"a.example.com", "b.example.com", "a.example.com"} {
		id, err := s.InsertOpen(openFields("GET", "https://"+h+"/", h, "/"))
		if err != nil {
			t.Fatalf("InsertOpen: %v", err)
		}
		if err := s.Complete(id, exchange.CompletionFields{Status: 200, ContentType: "application/json"}); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}

	hosts, err := s.DistinctHosts()
	if err != nil {
		t.Fatalf("DistinctHosts: %v", err)
	}
	if len(hosts) != 2 {
		t.Errorf("expected 2 distinct hosts, got %v", hosts)
	}

	methods, err := s.DistinctMethods()
	if err != nil {
		t.Fatalf("DistinctMethods: %v", err)
	}
	if len(methods) != 1 || methods[0] != "GET" {
		t.Errorf("expected [GET], got %v", methods)
	}
}

func TestDeleteAndClearAll(t *testing.T) {
	s := newTestStore(t, 0)

	id, err := s.InsertOpen(openFields("GET", "https://example.com/", "example.com", "/"))
	if err != nil {
		t.Fatalf("InsertOpen: %v", err)
	}
	if err := s.Complete(id, exchange.CompletionFields{Status: 200}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if err := s.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.GetByID(id); err != ErrNotFound {
		t.Errorf("expected deleted exchange to be gone, got err=%v", err)
	}
	if err := s.Delete(id); err != ErrNotFound {
		t.Errorf("expected second Delete to return ErrNotFound, got %v", err)
	}

	for i := 0; i < 3; i++ {
		id, err := s.InsertOpen(openFields("GET", "https://example.com/", "example.com", "/"))
		if err != nil {
			t.Fatalf("InsertOpen: %v", err)
		}
		if err := s.Complete(id, exchange.CompletionFields{Status: 200}); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	count, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 rows after ClearAll, got %d", count)
	}
}
