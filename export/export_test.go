package export

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/imgw/dcm"
	"github.com/hazyhaar/imgw/mq"
	"github.com/hazyhaar/imgw/plugin"
	"github.com/hazyhaar/imgw/storage"
	"github.com/hazyhaar/imgw/store"
)

func uiElement(tag dcm.Tag, value string) []byte {
	if len(value)%2 == 1 {
		value += "\x00"
	}
	b := make([]byte, 8+len(value))
	binary.LittleEndian.PutUint16(b[0:], tag.Group)
	binary.LittleEndian.PutUint16(b[2:], tag.Element)
	copy(b[4:], "UI")
	binary.LittleEndian.PutUint16(b[6:], uint16(len(value)))
	copy(b[8:], value)
	return b
}

func part10(t *testing.T, study, sop string) []byte {
	t.Helper()
	var buf bytes.Buffer
	sopClass := "1.2.840.10008.5.1.4.1.1.2"
	if err := dcm.WriteFileMeta(&buf, sopClass, sop, dcm.ExplicitVRLittleEndian); err != nil {
		t.Fatalf("WriteFileMeta: %v", err)
	}
	buf.Write(uiElement(dcm.TagSOPClassUID, sopClass))
	buf.Write(uiElement(dcm.TagSOPInstanceUID, sop))
	buf.Write(uiElement(dcm.TagStudyInstanceUID, study))
	return buf.Bytes()
}

// stowRecorder captures the STOW-RS requests an exporter issues.
type stowRecorder struct {
	mu     sync.Mutex
	status int
	paths  []string
	auths  []string
	types  []string
}

func newStowServer(t *testing.T, status int) (*httptest.Server, *stowRecorder) {
	t.Helper()
	rec := &stowRecorder{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.paths = append(rec.paths, r.URL.Path)
		rec.auths = append(rec.auths, r.Header.Get("Authorization"))
		rec.types = append(rec.types, r.Header.Get("Content-Type"))
		rec.mu.Unlock()
		w.WriteHeader(rec.status)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

type fixture struct {
	svc  *Service
	bus  *mq.ProcBus
	objs *storage.FSStore
	inf  *store.InferenceRepository
}

func newFixture(t *testing.T, sender Sender) *fixture {
	t.Helper()
	f := &fixture{
		bus:  mq.NewProcBus(),
		objs: storage.NewFSStore(t.TempDir()),
	}
	space := storage.NewInfoWithProbe(storage.InfoConfig{WatermarkPercent: 75, ReserveSpaceGB: 5},
		func(string) (uint64, uint64, error) { return 100e9, 80e9, nil })
	svc, err := New(Config{
		Concurrency: 2,
		Bucket:      "payloads",
		RetryDelays: []time.Duration{time.Millisecond},
	}, f.bus, f.objs, space, sender)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.svc = svc
	return f
}

func newInferenceRepo(t *testing.T) *store.InferenceRepository {
	t.Helper()
	return store.NewInferenceRepository(store.OpenMemory(t))
}

func addRequest(t *testing.T, inf *store.InferenceRepository, taskID, uri, authType, authID string) {
	t.Helper()
	err := inf.Add(context.Background(), &store.InferenceRequest{
		TransactionID:  taskID,
		InputResources: []store.Resource{{Interface: "Algorithm"}},
		OutputResources: []store.Resource{{
			Interface: store.ResourceDicomWeb,
			ConnectionDetails: store.ConnectionDetails{
				URI: uri, AuthType: authType, AuthID: authID,
			},
		}},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func putObject(t *testing.T, f *fixture, key string, data []byte) {
	t.Helper()
	err := f.objs.Put(context.Background(), "payloads", key,
		bytes.NewReader(data), int64(len(data)), "application/dicom", nil)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
}

// runExport publishes one request, runs the service, and returns the
// completion event.
func runExport(t *testing.T, f *fixture, ev mq.ExportRequestEvent) *mq.ExportCompleteEvent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.svc.Run(ctx)

	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := f.bus.Publish(ctx, mq.Message{
		ID: ev.ExportTaskID, Topic: mq.TopicExportRequest,
		CorrelationID: ev.CorrelationID, Body: body,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range f.bus.Drain(mq.TopicExportComplete) {
			var complete mq.ExportCompleteEvent
			if err := json.Unmarshal(msg.Body, &complete); err != nil {
				t.Fatalf("unmarshal complete: %v", err)
			}
			return &complete
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no completion event")
	return nil
}

// gateSender holds every Send open until released and records how many ran
// at once.
type gateSender struct {
	mu      sync.Mutex
	active  int
	overlap chan struct{}
	release chan struct{}
}

func (g *gateSender) Name() string { return "GateExport" }

func (g *gateSender) Send(ctx context.Context, msg *plugin.ExportMessage) *plugin.ExportMessage {
	g.mu.Lock()
	g.active++
	if g.active == 2 {
		close(g.overlap)
	}
	g.mu.Unlock()
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	msg.Status = mq.ExportStatusSuccess
	return msg
}

func TestExportTasksRunConcurrently(t *testing.T) {
	gate := &gateSender{overlap: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, gate)
	putObject(t, f, "p1/a.dcm", []byte("one"))
	putObject(t, f, "p2/b.dcm", []byte("two"))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.svc.Run(ctx)

	for i, files := range [][]string{{"p1/a.dcm"}, {"p2/b.dcm"}} {
		ev := mq.ExportRequestEvent{
			ExportTaskID: "task-" + files[0], CorrelationID: "c", Files: files,
		}
		body, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal %d: %v", i, err)
		}
		err = f.bus.Publish(ctx, mq.Message{
			ID: ev.ExportTaskID, Topic: mq.TopicExportRequest, Body: body,
		})
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	// Both tasks must be inside Send at the same time; a serialized
	// pipeline never gets the second one started.
	select {
	case <-gate.overlap:
	case <-time.After(5 * time.Second):
		t.Fatal("second task never started while the first was in flight")
	}
	close(gate.release)

	deadline := time.Now().Add(5 * time.Second)
	var completes []mq.ExportCompleteEvent
	for time.Now().Before(deadline) && len(completes) < 2 {
		for _, msg := range f.bus.Drain(mq.TopicExportComplete) {
			var ev mq.ExportCompleteEvent
			if err := json.Unmarshal(msg.Body, &ev); err != nil {
				t.Fatalf("unmarshal complete: %v", err)
			}
			completes = append(completes, ev)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(completes) != 2 {
		t.Fatalf("completed %d tasks", len(completes))
	}
	for _, ev := range completes {
		if ev.Status != mq.ExportCompleteSuccess {
			t.Errorf("task %s status = %q", ev.ExportTaskID, ev.Status)
		}
	}
}

func TestDicomWebExportSuccess(t *testing.T) {
	srv, rec := newStowServer(t, http.StatusOK)
	inf := newInferenceRepo(t)
	addRequest(t, inf, "task-1", srv.URL, "Bearer", "tok")
	f := newFixture(t, NewDicomWebSender(DicomWebConfig{ClientTimeoutSeconds: 5}, inf))
	putObject(t, f, "p1/a.dcm", part10(t, "1.2.3", "1.2.3.1.1"))

	complete := runExport(t, f, mq.ExportRequestEvent{
		ExportTaskID: "task-1", CorrelationID: "c1", Files: []string{"p1/a.dcm"},
	})
	if complete.Status != mq.ExportCompleteSuccess {
		t.Fatalf("status = %q, file statuses %v", complete.Status, complete.FileStatuses)
	}
	if complete.FileStatuses["p1/a.dcm"] != mq.ExportStatusSuccess {
		t.Fatalf("file status = %q", complete.FileStatuses["p1/a.dcm"])
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.paths) != 1 || rec.paths[0] != "/studies/1.2.3" {
		t.Fatalf("paths = %v", rec.paths)
	}
	if rec.auths[0] != "Bearer tok" {
		t.Errorf("authorization = %q", rec.auths[0])
	}
	if !strings.HasPrefix(rec.types[0], `multipart/related; type="application/dicom"`) {
		t.Errorf("content type = %q", rec.types[0])
	}
}

func TestDicomWebExportPartialAcceptanceFails(t *testing.T) {
	srv, _ := newStowServer(t, http.StatusAccepted)
	inf := newInferenceRepo(t)
	addRequest(t, inf, "task-1", srv.URL, "None", "")
	f := newFixture(t, NewDicomWebSender(DicomWebConfig{ClientTimeoutSeconds: 5}, inf))
	putObject(t, f, "p1/a.dcm", part10(t, "1.2.3", "1.2.3.1.1"))

	complete := runExport(t, f, mq.ExportRequestEvent{
		ExportTaskID: "task-1", CorrelationID: "c1", Files: []string{"p1/a.dcm"},
	})
	if complete.Status != mq.ExportCompleteFailure {
		t.Fatalf("status = %q", complete.Status)
	}
	if complete.FileStatuses["p1/a.dcm"] != mq.ExportStatusServiceError {
		t.Fatalf("file status = %q", complete.FileStatuses["p1/a.dcm"])
	}
}

func TestExportDownloadError(t *testing.T) {
	srv, rec := newStowServer(t, http.StatusOK)
	inf := newInferenceRepo(t)
	addRequest(t, inf, "task-1", srv.URL, "None", "")
	f := newFixture(t, NewDicomWebSender(DicomWebConfig{ClientTimeoutSeconds: 5}, inf))

	complete := runExport(t, f, mq.ExportRequestEvent{
		ExportTaskID: "task-1", CorrelationID: "c1", Files: []string{"missing.dcm"},
	})
	if complete.Status != mq.ExportCompleteFailure {
		t.Fatalf("status = %q", complete.Status)
	}
	if complete.FileStatuses["missing.dcm"] != mq.ExportStatusDownloadError {
		t.Fatalf("file status = %q", complete.FileStatuses["missing.dcm"])
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.paths) != 0 {
		t.Error("failed download still reached the remote")
	}
}

func TestExportUnknownTaskIsConfigurationError(t *testing.T) {
	inf := newInferenceRepo(t)
	f := newFixture(t, NewDicomWebSender(DicomWebConfig{ClientTimeoutSeconds: 5}, inf))
	putObject(t, f, "p1/a.dcm", part10(t, "1.2.3", "1.2.3.1.1"))

	complete := runExport(t, f, mq.ExportRequestEvent{
		ExportTaskID: "task-x", CorrelationID: "c1", Files: []string{"p1/a.dcm"},
	})
	if complete.FileStatuses["p1/a.dcm"] != mq.ExportStatusConfigurationError {
		t.Fatalf("file status = %q", complete.FileStatuses["p1/a.dcm"])
	}
}

func TestDicomWebSenderRequiresDicomWebResource(t *testing.T) {
	inf := newInferenceRepo(t)
	err := inf.Add(context.Background(), &store.InferenceRequest{
		TransactionID:   "task-1",
		InputResources:  []store.Resource{{Interface: "Algorithm"}},
		OutputResources: []store.Resource{{Interface: "DIMSE"}},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	sender := NewDicomWebSender(DicomWebConfig{ClientTimeoutSeconds: 5}, inf)

	msg := sender.Send(context.Background(), &plugin.ExportMessage{
		ExportTaskID: "task-1", Filename: "a.dcm", Data: part10(t, "1.2.3", "1.2.3.1.1"),
	})
	if msg.Status != mq.ExportStatusConfigurationError {
		t.Fatalf("status = %q, error %q", msg.Status, msg.Error)
	}
}

func TestDimseSenderUnknownDestination(t *testing.T) {
	aes := store.NewAERepository(store.OpenMemory(t))
	sender := NewDimseSender(DimseConfig{AETitle: "IMGW"}, aes)

	msg := sender.Send(context.Background(), &plugin.ExportMessage{
		ExportTaskID: "task-1", Filename: "a.dcm",
		Data:         part10(t, "1.2.3", "1.2.3.1.1"),
		Destinations: []string{"nowhere"},
	})
	if msg.Status != mq.ExportStatusConfigurationError {
		t.Fatalf("status = %q, error %q", msg.Status, msg.Error)
	}
}

func TestParseInstanceSplitsFileMeta(t *testing.T) {
	data := part10(t, "1.2.3", "1.2.3.1.1")
	inst, err := parseInstance(data)
	if err != nil {
		t.Fatalf("parseInstance: %v", err)
	}
	if inst.sopClassUID != "1.2.840.10008.5.1.4.1.1.2" {
		t.Errorf("sop class = %q", inst.sopClassUID)
	}
	if inst.sopInstanceUID != "1.2.3.1.1" {
		t.Errorf("sop instance = %q", inst.sopInstanceUID)
	}
	if inst.transferSyntax != dcm.ExplicitVRLittleEndian {
		t.Errorf("transfer syntax = %q", inst.transferSyntax)
	}

	// The dataset half still parses and carries the study UID.
	found, err := dcm.FindStrings(inst.dataset, true, dcm.TagStudyInstanceUID)
	if err != nil {
		t.Fatalf("FindStrings: %v", err)
	}
	if found[dcm.TagStudyInstanceUID] != "1.2.3" {
		t.Errorf("study = %q", found[dcm.TagStudyInstanceUID])
	}
	if _, _, err := splitPart10([]byte("junk")); err == nil {
		t.Error("junk accepted as Part 10")
	}
}
