package stow

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/hazyhaar/imgw/assembler"
	"github.com/hazyhaar/imgw/dcm"
	"github.com/hazyhaar/imgw/ingest"
	"github.com/hazyhaar/imgw/storage"
	"github.com/hazyhaar/imgw/store"
	"github.com/hazyhaar/imgw/uploader"
)

type fixture struct {
	svc  *Service
	aes  *store.AERepository
	meta *store.MetadataRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := store.OpenMemory(t)
	f := &fixture{
		aes:  store.NewAERepository(db),
		meta: store.NewMetadataRepository(db),
	}
	// The upload worker and assembler loops stay parked so stored rows are
	// observable via PendingUploads.
	objs := storage.NewFSStore(t.TempDir())
	temp := storage.NewMemTemp()
	up := uploader.New(uploader.Config{ConcurrentUploads: 8, TemporaryBucket: "temp",
		RetryDelays: []time.Duration{time.Millisecond}, PurgePendingOnStart: true},
		objs, temp, f.meta)
	asm := assembler.New(assembler.Config{Bucket: "payloads", TemporaryBucket: "temp",
		ProcessThreads: 2, Tick: 20 * time.Millisecond},
		objs, store.NewPayloadRepository(db), f.meta)

	space := storage.NewInfoWithProbe(storage.InfoConfig{WatermarkPercent: 75, ReserveSpaceGB: 5},
		func(string) (uint64, uint64, error) { return 100e9, 80e9, nil })
	pipe := ingest.NewPipeline(temp, f.meta, up, asm, nil)
	f.svc = New(Config{TimeoutSeconds: 1}, f.aes, space, pipe)
	return f
}

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

// part10 builds a minimal Part 10 file the parser accepts.
func part10(t *testing.T, study, series, sop string) []byte {
	t.Helper()
	var buf bytes.Buffer
	sopClass := "1.2.840.10008.5.1.4.1.1.2"
	if err := dcm.WriteFileMeta(&buf, sopClass, sop, dcm.ExplicitVRLittleEndian); err != nil {
		t.Fatalf("WriteFileMeta: %v", err)
	}
	buf.Write(uiElement(dcm.TagSOPClassUID, sopClass))
	buf.Write(uiElement(dcm.TagSOPInstanceUID, sop))
	buf.Write(uiElement(dcm.TagStudyInstanceUID, study))
	buf.Write(uiElement(dcm.TagSeriesInstanceUID, series))
	return buf.Bytes()
}

func multipartBody(t *testing.T, parts ...[]byte) (string, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Type", "application/dicom")
		pw, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		pw.Write(p)
	}
	mw.Close()
	ct := `multipart/related; type="application/dicom"; boundary=` + mw.Boundary()
	return ct, buf.Bytes()
}

func post(t *testing.T, svc *Service, url, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	svc.Routes().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]struct {
	VR    string `json:"vr"`
	Value []any  `json:"Value"`
} {
	t.Helper()
	var doc map[string]struct {
		VR    string `json:"vr"`
		Value []any  `json:"Value"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return doc
}

func TestStowStoresAllParts(t *testing.T) {
	f := newFixture(t)
	ct, body := multipartBody(t,
		part10(t, "1.2.3", "1.2.3.1", "1.2.3.1.1"),
		part10(t, "1.2.3", "1.2.3.1", "1.2.3.1.2"))

	rr := post(t, f.svc, "/studies", ct, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	doc := decodeResponse(t, rr)
	ref := doc[dcm.TagReferencedSOPSequence.JSONKey()]
	if len(ref.Value) != 2 {
		t.Fatalf("referenced = %d", len(ref.Value))
	}
	if _, failed := doc[dcm.TagFailedSOPSequence.JSONKey()]; failed {
		t.Fatal("failed sequence present")
	}

	// Both instances persisted with the DICOMweb service marker.
	all, err := f.meta.PendingUploads(context.Background(), 10)
	if err != nil {
		t.Fatalf("PendingUploads: %v", err)
	}
	for _, m := range all {
		if m.Service != store.ServiceDicomWeb {
			t.Errorf("service = %q", m.Service)
		}
	}
}

func TestStowPartialFailure(t *testing.T) {
	f := newFixture(t)
	ct, body := multipartBody(t,
		part10(t, "1.2.3", "1.2.3.1", "1.2.3.1.1"),
		[]byte("this is not dicom"))

	rr := post(t, f.svc, "/studies", ct, body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	doc := decodeResponse(t, rr)
	if len(doc[dcm.TagReferencedSOPSequence.JSONKey()].Value) != 1 {
		t.Error("stored instance missing from response")
	}
	if len(doc[dcm.TagFailedSOPSequence.JSONKey()].Value) != 1 {
		t.Error("failed instance missing from response")
	}
}

func TestStowAllFailed(t *testing.T) {
	f := newFixture(t)
	ct, body := multipartBody(t, []byte("junk"))
	rr := post(t, f.svc, "/studies", ct, body)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestStowEmptyBody(t *testing.T) {
	f := newFixture(t)
	ct, body := multipartBody(t)
	rr := post(t, f.svc, "/studies", ct, body)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
}

func TestStowStudyMismatch(t *testing.T) {
	f := newFixture(t)
	ct, body := multipartBody(t, part10(t, "1.2.3", "1.2.3.1", "1.2.3.1.1"))
	rr := post(t, f.svc, "/studies/9.9.9", ct, body)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	doc := decodeResponse(t, rr)
	failed := doc[dcm.TagFailedSOPSequence.JSONKey()]
	if len(failed.Value) != 1 {
		t.Fatal("mismatched instance not in failed sequence")
	}
}

func TestStowWorkflowSegment(t *testing.T) {
	f := newFixture(t)
	ct, body := multipartBody(t, part10(t, "1.2.3", "1.2.3.1", "1.2.3.1.1"))
	rr := post(t, f.svc, "/brain-seg/studies", ct, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	all, err := f.meta.PendingUploads(context.Background(), 10)
	if err != nil {
		t.Fatalf("PendingUploads: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("stored rows = %d", len(all))
	}
	if len(all[0].Workflows) != 1 || all[0].Workflows[0] != "brain-seg" {
		t.Fatalf("workflows = %v", all[0].Workflows)
	}
}

func TestStowVirtualAEWorkflows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.aes.AddVirtualAE(ctx, &store.VirtualAE{
		Name: "research", Workflows: []string{"wf-a", "wf-b"},
	}); err != nil {
		t.Fatalf("AddVirtualAE: %v", err)
	}

	ct, body := multipartBody(t, part10(t, "1.2.3", "1.2.3.1", "1.2.3.1.1"))
	rr := post(t, f.svc, "/research/studies", ct, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	all, err := f.meta.PendingUploads(ctx, 10)
	if err != nil {
		t.Fatalf("PendingUploads: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("stored rows = %d", len(all))
	}
	if len(all[0].Workflows) != 2 {
		t.Fatalf("workflows = %v", all[0].Workflows)
	}
}

func TestStowUnsupportedMediaType(t *testing.T) {
	f := newFixture(t)
	rr := post(t, f.svc, "/studies", "application/json", []byte("{}"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}
