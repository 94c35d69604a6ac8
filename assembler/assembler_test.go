package assembler

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/imgw/mq"
	"github.com/hazyhaar/imgw/storage"
	"github.com/hazyhaar/imgw/store"
)

type fixture struct {
	svc      *Service
	objs     *storage.FSStore
	payloads *store.PayloadRepository
	metadata *store.MetadataRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := store.OpenMemory(t)
	f := &fixture{
		objs:     storage.NewFSStore(t.TempDir()),
		payloads: store.NewPayloadRepository(db),
		metadata: store.NewMetadataRepository(db),
	}
	f.svc = New(Config{
		Bucket:          "payloads",
		TemporaryBucket: "temp",
		ProcessThreads:  2,
		Tick:            20 * time.Millisecond,
	}, f.objs, f.payloads, f.metadata)
	return f
}

// addUploaded persists metadata and the matching temp-bucket object, as the
// ingress path plus uploader would have.
func (f *fixture) addUploaded(t *testing.T, correlationID, identifier, study string) *store.FileMetadata {
	t.Helper()
	ctx := context.Background()
	m := &store.FileMetadata{
		CorrelationID:  correlationID,
		Identifier:     identifier,
		StudyUID:       study,
		SOPInstanceUID: study + "." + identifier,
		Source:         "CT01",
		Destination:    "BRAIN_AI",
		Service:        store.ServiceDIMSE,
		File:           store.FileRef{TemporaryPath: correlationID + "/" + identifier, ContentType: "application/dicom"},
		CreatedAt:      time.Now(),
	}
	if err := f.metadata.Add(ctx, m); err != nil {
		t.Fatalf("metadata.Add: %v", err)
	}
	remote := correlationID + "/" + identifier
	err := f.objs.Put(ctx, "temp", remote, strings.NewReader("bytes-"+identifier), -1, "application/dicom", nil)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := f.metadata.MarkUploaded(ctx, correlationID, identifier, remote, ""); err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}
	return m
}

func waitPayload(t *testing.T, ch <-chan *store.Payload) *store.Payload {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no completed payload")
		return nil
	}
}

func TestGroupingWindowEmitsOnePayload(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.svc.Run(ctx)

	m1 := f.addUploaded(t, "assoc-1", "a.dcm", "1.2.3")
	m2 := f.addUploaded(t, "assoc-1", "b.dcm", "1.2.3")

	id1, err := f.svc.Queue(ctx, "BRAIN_AI/1.2.3", m1, "CT01", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	id2, err := f.svc.Queue(ctx, "BRAIN_AI/1.2.3", m2, "CT01", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("same key produced two payloads: %s, %s", id1, id2)
	}

	p := waitPayload(t, f.svc.Completed())
	if p.ID != id1 || p.State != store.PayloadNotify {
		t.Fatalf("payload %+v", p)
	}

	// Objects moved under <payloadId>/ in the payload bucket.
	files, err := f.metadata.ByPayload(ctx, p.ID)
	if err != nil {
		t.Fatalf("ByPayload: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %d", len(files))
	}
	for _, m := range files {
		if !strings.HasPrefix(m.File.RemotePath, p.ID+"/") {
			t.Errorf("remote path %q not under payload", m.File.RemotePath)
		}
		rc, err := f.objs.Get(ctx, "payloads", m.File.RemotePath)
		if err != nil {
			t.Errorf("moved object missing: %v", err)
			continue
		}
		rc.Close()
	}
}

func TestQueueIsIdempotentPerIdentifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.addUploaded(t, "assoc-2", "a.dcm", "1.2.3")
	id1, err := f.svc.Queue(ctx, "k", m, "CT01", time.Minute)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	id2, err := f.svc.Queue(ctx, "k", m, "CT01", time.Minute)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("duplicate enqueue changed payload: %s vs %s", id1, id2)
	}
}

func TestDistinctKeysDistinctPayloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m1 := f.addUploaded(t, "assoc-3", "a.dcm", "1.2.3")
	m2 := f.addUploaded(t, "assoc-3", "b.dcm", "9.8.7")
	id1, err := f.svc.Queue(ctx, "BRAIN_AI/1.2.3", m1, "CT01", time.Minute)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	id2, err := f.svc.Queue(ctx, "BRAIN_AI/9.8.7", m2, "CT01", time.Minute)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if id1 == id2 {
		t.Fatal("different keys grouped together")
	}
}

// stallStore blocks the first Move until the gate opens, keeping one
// payload in its move phase for as long as the test needs.
type stallStore struct {
	*storage.FSStore
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (s *stallStore) Move(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.gate
	})
	return s.FSStore.Move(ctx, srcBucket, srcKey, dstBucket, dstKey)
}

func TestLateInstanceOpensNewPayload(t *testing.T) {
	db := store.OpenMemory(t)
	stall := &stallStore{
		FSStore: storage.NewFSStore(t.TempDir()),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	f := &fixture{
		objs:     stall.FSStore,
		payloads: store.NewPayloadRepository(db),
		metadata: store.NewMetadataRepository(db),
	}
	f.svc = New(Config{
		Bucket:          "payloads",
		TemporaryBucket: "temp",
		ProcessThreads:  2,
		Tick:            20 * time.Millisecond,
	}, stall, f.payloads, f.metadata)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.svc.Run(ctx)

	m1 := f.addUploaded(t, "assoc-p", "a.dcm", "1.2.3")
	id1, err := f.svc.Queue(ctx, "k-late", m1, "CT01", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	select {
	case <-stall.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("move phase never started")
	}

	// The window closed and the move is in flight; an instance arriving
	// now must not join the sealed payload.
	m2 := f.addUploaded(t, "assoc-p", "b.dcm", "1.2.3")
	id2, err := f.svc.Queue(ctx, "k-late", m2, "CT01", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if id2 == id1 {
		t.Fatal("late instance joined a sealed payload")
	}
	close(stall.gate)

	seen := map[string]bool{}
	for range 2 {
		seen[waitPayload(t, f.svc.Completed()).ID] = true
	}
	if !seen[id1] || !seen[id2] {
		t.Fatalf("completed payloads %v, want %s and %s", seen, id1, id2)
	}

	// Each payload carries exactly its own file, promoted under its id.
	for _, tc := range []struct{ payloadID, identifier string }{
		{id1, "a.dcm"},
		{id2, "b.dcm"},
	} {
		files, err := f.metadata.ByPayload(ctx, tc.payloadID)
		if err != nil {
			t.Fatalf("ByPayload: %v", err)
		}
		if len(files) != 1 || files[0].Identifier != tc.identifier {
			t.Fatalf("payload %s files = %+v", tc.payloadID, files)
		}
		if want := tc.payloadID + "/" + tc.identifier; files[0].File.RemotePath != want {
			t.Errorf("remote path = %q, want %q", files[0].File.RemotePath, want)
		}
		if rc, err := f.objs.Get(ctx, "payloads", files[0].File.RemotePath); err != nil {
			t.Errorf("promoted object missing: %v", err)
		} else {
			rc.Close()
		}
	}
}

func TestFailedUploadFailsPayload(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.svc.Run(ctx)

	m := &store.FileMetadata{
		CorrelationID: "assoc-4", Identifier: "a.dcm",
		Service:   store.ServiceDIMSE,
		File:      store.FileRef{TemporaryPath: "assoc-4/a.dcm"},
		CreatedAt: time.Now(),
	}
	if err := f.metadata.Add(ctx, m); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := f.metadata.MarkUploadFailed(ctx, "assoc-4", "a.dcm"); err != nil {
		t.Fatalf("MarkUploadFailed: %v", err)
	}

	id, err := f.svc.Queue(ctx, "k4", m, "CT01", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p, err := f.payloads.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if p.State == store.PayloadFailed {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("payload with failed upload never marked Failed")
}

func TestRehydrationResumesInterruptedPayload(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Simulate a crash: durable rows exist, no in-memory bucket.
	m := f.addUploaded(t, "assoc-5", "a.dcm", "1.2.3")
	if err := f.payloads.Add(ctx, &store.Payload{
		ID: "pay-resume", Key: "k5", CorrelationID: "assoc-5",
		State: store.PayloadMove, TimeoutSeconds: 1, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("payloads.Add: %v", err)
	}
	if err := f.metadata.SetPayloadID(ctx, m.CorrelationID, m.Identifier, "pay-resume"); err != nil {
		t.Fatalf("SetPayloadID: %v", err)
	}

	go f.svc.Run(ctx)
	p := waitPayload(t, f.svc.Completed())
	if p.ID != "pay-resume" {
		t.Fatalf("resumed %q", p.ID)
	}
}

func TestPublisherTransitionsAndCleansUp(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := mq.NewProcBus()
	pub := NewPublisher(PublisherConfig{Bucket: "payloads"}, bus, f.payloads, f.metadata)

	m := f.addUploaded(t, "assoc-6", "a.dcm", "1.2.3")
	if err := f.payloads.Add(ctx, &store.Payload{
		ID: "pay-pub", Key: "k6", CorrelationID: "assoc-6",
		State: store.PayloadNotify, TimeoutSeconds: 1, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("payloads.Add: %v", err)
	}
	if err := f.metadata.SetPayloadID(ctx, m.CorrelationID, m.Identifier, "pay-pub"); err != nil {
		t.Fatalf("SetPayloadID: %v", err)
	}

	completed := make(chan *store.Payload, 1)
	p, err := f.payloads.Get(ctx, "pay-pub")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	completed <- p
	go pub.Run(ctx, completed)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := f.payloads.Get(ctx, "pay-pub")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.State == store.PayloadPublished {
			msgs := bus.Drain(mq.TopicWorkflowRequest)
			if len(msgs) != 1 {
				t.Fatalf("published %d messages", len(msgs))
			}
			var ev mq.WorkflowRequestEvent
			if err := json.Unmarshal(msgs[0].Body, &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if ev.PayloadID != "pay-pub" || ev.FileCount != 1 || ev.DataTrigger.Source != "CT01" {
				t.Fatalf("event %+v", ev)
			}
			files, err := f.metadata.ByPayload(ctx, "pay-pub")
			if err != nil {
				t.Fatalf("ByPayload: %v", err)
			}
			if len(files) != 0 {
				t.Fatal("metadata rows survived publication")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("payload never published")
}
