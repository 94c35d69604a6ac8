package fhir

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/imgw/assembler"
	"github.com/hazyhaar/imgw/ingest"
	"github.com/hazyhaar/imgw/storage"
	"github.com/hazyhaar/imgw/store"
	"github.com/hazyhaar/imgw/uploader"
)

func newService(t *testing.T) (*Service, *store.MetadataRepository) {
	t.Helper()
	db := store.OpenMemory(t)
	meta := store.NewMetadataRepository(db)

	objs := storage.NewFSStore(t.TempDir())
	temp := storage.NewMemTemp()
	up := uploader.New(uploader.Config{ConcurrentUploads: 8, TemporaryBucket: "temp",
		RetryDelays: []time.Duration{time.Millisecond}, PurgePendingOnStart: true},
		objs, temp, meta)
	asm := assembler.New(assembler.Config{Bucket: "payloads", TemporaryBucket: "temp",
		ProcessThreads: 2, Tick: 20 * time.Millisecond},
		objs, store.NewPayloadRepository(db), meta)
	space := storage.NewInfoWithProbe(storage.InfoConfig{WatermarkPercent: 75, ReserveSpaceGB: 5},
		func(string) (uint64, uint64, error) { return 100e9, 80e9, nil })
	pipe := ingest.NewPipeline(temp, meta, up, asm, nil)

	return New(Config{TimeoutSeconds: 1}, space, pipe), meta
}

func TestFhirResourceAccepted(t *testing.T) {
	svc, meta := newService(t)
	body := `{"resourceType":"Patient","id":"pat-1","name":[{"family":"Doe"}]}`

	req := httptest.NewRequest(http.MethodPost, "/Patient", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/fhir+json")
	rr := httptest.NewRecorder()
	svc.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"id":"pat-1"`) {
		t.Error("resource not echoed back")
	}

	rows, err := meta.PendingUploads(context.Background(), 10)
	if err != nil {
		t.Fatalf("PendingUploads: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	m := rows[0]
	if m.ResourceType != "Patient" || m.ResourceID != "pat-1" || m.Service != store.ServiceFhir {
		t.Fatalf("metadata %+v", m)
	}
}

func TestFhirTypeMismatchRejected(t *testing.T) {
	svc, _ := newService(t)
	req := httptest.NewRequest(http.MethodPost, "/Observation",
		strings.NewReader(`{"resourceType":"Patient","id":"pat-1"}`))
	req.Header.Set("Content-Type", "application/fhir+json")
	rr := httptest.NewRecorder()
	svc.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestFhirMalformedJSONRejected(t *testing.T) {
	svc, _ := newService(t)
	req := httptest.NewRequest(http.MethodPost, "/Patient", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/fhir+json")
	rr := httptest.NewRecorder()
	svc.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestFhirEmptyBodyRejected(t *testing.T) {
	svc, _ := newService(t)
	req := httptest.NewRequest(http.MethodPost, "/Patient", strings.NewReader(""))
	rr := httptest.NewRecorder()
	svc.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}
