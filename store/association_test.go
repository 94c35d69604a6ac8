package store

import (
	"context"
	"testing"
	"time"
)

func TestAssociationAuditRecord(t *testing.T) {
	db := OpenMemory(t)
	repo := NewAssociationRepository(db)
	ctx := context.Background()

	start := time.Now().Add(-3 * time.Second)
	rec := &AssociationRecord{
		ID:             "assoc-1",
		CorrelationID:  "corr-1",
		CallingAET:     "CT01",
		CalledAET:      "BRAIN_AI",
		RemoteHost:     "10.0.0.5",
		RemotePort:     49152,
		FileCount:      12,
		Errors:         []string{"instance 1.2.3 rejected"},
		CreatedAt:      start,
		DisconnectedAt: start.Add(3 * time.Second),
	}
	if err := repo.Add(ctx, rec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := repo.Get(ctx, "assoc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FileCount != 12 || got.CallingAET != "CT01" {
		t.Errorf("got %+v", got)
	}
	if d := got.Duration(); d != 3*time.Second {
		t.Errorf("duration = %v, want 3s", d)
	}
	if len(got.Errors) != 1 {
		t.Errorf("errors = %v", got.Errors)
	}

	recent, err := repo.Recent(ctx, 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("recent = %d", len(recent))
	}
}

func TestRemoteAppExecutionPurge(t *testing.T) {
	db := OpenMemory(t)
	repo := NewRemoteAppRepository(db)
	ctx := context.Background()

	now := time.Now()
	if err := repo.Add(ctx, &RemoteAppExecution{OutgoingUID: "1.2.3.fresh", RequestTime: now}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := repo.Add(ctx, &RemoteAppExecution{OutgoingUID: "1.2.3.stale", RequestTime: now.Add(-8 * 24 * time.Hour)}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	n, err := repo.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
	if _, err := repo.Get(ctx, "1.2.3.fresh"); err != nil {
		t.Fatalf("fresh row purged: %v", err)
	}
}
