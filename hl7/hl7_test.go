package hl7

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/hazyhaar/imgw/assembler"
	"github.com/hazyhaar/imgw/ingest"
	"github.com/hazyhaar/imgw/storage"
	"github.com/hazyhaar/imgw/store"
	"github.com/hazyhaar/imgw/uploader"
)

const sampleMessage = "MSH|^~\\&|SENDER|FAC|RECEIVER|FAC|20260824120000||ORM^O01|MSG0001|P|2.3\r" +
	"PID|1||12345||DOE^JOHN\r"

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

	return New(Config{Addr: "127.0.0.1:0", TimeoutSeconds: 1}, space, pipe), meta
}

func startService(t *testing.T, svc *Service) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Run(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := svc.Addr(); addr != "" {
			return addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("listener never started")
	return ""
}

func readAck(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	msg, err := readFrame(r)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	return msg
}

func TestMLLPAcknowledgesMessage(t *testing.T) {
	svc, meta := newService(t)
	addr := startService(t, svc)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(frame([]byte(sampleMessage))); err != nil {
		t.Fatalf("write: %v", err)
	}
	ackMsg := readAck(t, bufio.NewReader(conn))
	if !bytes.Contains(ackMsg, []byte("MSA|AA|MSG0001")) {
		t.Fatalf("ack = %q", ackMsg)
	}

	// Metadata row carries MSH-10 and the HL7 service marker.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rows, err := meta.PendingUploads(context.Background(), 10)
		if err != nil {
			t.Fatalf("PendingUploads: %v", err)
		}
		if len(rows) == 1 {
			if rows[0].MessageControlID != "MSG0001" || rows[0].Service != store.ServiceHl7 {
				t.Fatalf("row %+v", rows[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("message never persisted")
}

func TestMLLPMultipleMessagesShareCorrelation(t *testing.T) {
	svc, meta := newService(t)
	addr := startService(t, svc)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	second := bytes.Replace([]byte(sampleMessage), []byte("MSG0001"), []byte("MSG0002"), 1)
	for _, msg := range [][]byte{[]byte(sampleMessage), second} {
		if _, err := conn.Write(frame(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
		readAck(t, r)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rows, err := meta.PendingUploads(context.Background(), 10)
		if err != nil {
			t.Fatalf("PendingUploads: %v", err)
		}
		if len(rows) == 2 {
			if rows[0].CorrelationID != rows[1].CorrelationID {
				t.Fatal("messages on one connection got different correlation ids")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("messages never persisted")
}

func TestReadFrameRejectsMissingCR(t *testing.T) {
	raw := []byte{startBlock, 'M', 'S', 'H', endBlock, 'X'}
	if _, err := readFrame(bufio.NewReader(bytes.NewReader(raw))); err == nil {
		t.Fatal("frame without trailing CR accepted")
	}
}

func TestMessageControlID(t *testing.T) {
	if got := messageControlID([]byte(sampleMessage)); got != "MSG0001" {
		t.Fatalf("control id = %q", got)
	}
	if got := messageControlID([]byte("PID|1\r")); got != "" {
		t.Fatalf("control id from MSH-less message = %q", got)
	}
}
