package mq

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestProcBusDeliversInOrder(t *testing.T) {
	bus := NewProcBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		if err := bus.Publish(ctx, Message{ID: id, Topic: "t"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var got []string
	done := make(chan struct{})
	go bus.Subscribe(ctx, "t", 1, func(d Delivery) {
		got = append(got, d.ID)
		d.Ack()
		if len(got) == 3 {
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages not delivered")
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("order = %v", got)
	}
}

func TestProcBusNackRequeues(t *testing.T) {
	bus := NewProcBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bus.Publish(ctx, Message{ID: "m", Topic: "t"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	seen := 0
	done := make(chan struct{})
	go bus.Subscribe(ctx, "t", 1, func(d Delivery) {
		seen++
		if seen == 1 {
			d.Nack(true)
			return
		}
		d.Ack()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nacked message not redelivered")
	}
}

func TestWorkflowRequestEventJSON(t *testing.T) {
	ev := WorkflowRequestEvent{
		PayloadID:     "pay-1",
		Bucket:        "payloads",
		CorrelationID: "corr-1",
		DataTrigger:   DataTrigger{Service: "DIMSE", Source: "CT01", Destination: "BRAIN_AI"},
		Files:         []BlockFile{{Path: "pay-1/a.dcm"}},
		FileCount:     1,
		Timestamp:     time.Now(),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back WorkflowRequestEvent
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.PayloadID != "pay-1" || back.DataTrigger.Source != "CT01" || back.FileCount != 1 {
		t.Fatalf("round trip lost fields: %+v", back)
	}
}
