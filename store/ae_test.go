package store

import (
	"context"
	"errors"
	"testing"
)

func TestMonaiAEDefaultsAndRoundTrip(t *testing.T) {
	db := OpenMemory(t)
	repo := NewAERepository(db)
	ctx := context.Background()

	ae := &MonaiAE{
		AETitle:   "BRAIN_AI",
		Workflows: []string{"brain-seg"},
		CreatedBy: "admin",
	}
	if err := repo.AddMonaiAE(ctx, ae); err != nil {
		t.Fatalf("AddMonaiAE: %v", err)
	}
	if ae.Name != "BRAIN_AI" {
		t.Fatalf("name not defaulted from AE title: %q", ae.Name)
	}

	got, err := repo.GetMonaiAE(ctx, "BRAIN_AI")
	if err != nil {
		t.Fatalf("GetMonaiAE: %v", err)
	}
	if got.Grouping != DefaultGrouping {
		t.Errorf("grouping = %q, want %q", got.Grouping, DefaultGrouping)
	}
	if got.TimeoutSeconds != 5 {
		t.Errorf("timeout = %d, want 5", got.TimeoutSeconds)
	}
	if len(got.Workflows) != 1 || got.Workflows[0] != "brain-seg" {
		t.Errorf("workflows = %v", got.Workflows)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
	if !got.UpdatedAt.IsZero() {
		t.Error("updated_at set on create")
	}
}

func TestMonaiAEValidation(t *testing.T) {
	db := OpenMemory(t)
	repo := NewAERepository(db)
	ctx := context.Background()

	cases := []struct {
		name string
		ae   MonaiAE
	}{
		{"bad title", MonaiAE{AETitle: "WAY_TOO_LONG_AE_TITLE"}},
		{"empty title", MonaiAE{AETitle: "   "}},
		{"bad grouping", MonaiAE{AETitle: "OK", Grouping: "0010,0010"}},
		{"allowed and ignored", MonaiAE{
			AETitle:     "OK",
			AllowedSOPs: []string{"1.2.840.10008.5.1.4.1.1.2"},
			IgnoredSOPs: []string{"1.2.840.10008.5.1.4.1.1.4"},
		}},
	}
	for _, tc := range cases {
		ae := tc.ae
		if err := repo.AddMonaiAE(ctx, &ae); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestMonaiAEUpdatePreservesCreatedBy(t *testing.T) {
	db := OpenMemory(t)
	repo := NewAERepository(db)
	ctx := context.Background()

	ae := &MonaiAE{AETitle: "LIVER", CreatedBy: "alice"}
	if err := repo.AddMonaiAE(ctx, ae); err != nil {
		t.Fatalf("AddMonaiAE: %v", err)
	}

	ae.TimeoutSeconds = 30
	ae.UpdatedBy = "bob"
	if err := repo.UpdateMonaiAE(ctx, ae); err != nil {
		t.Fatalf("UpdateMonaiAE: %v", err)
	}

	got, err := repo.GetMonaiAE(ctx, "LIVER")
	if err != nil {
		t.Fatalf("GetMonaiAE: %v", err)
	}
	if got.CreatedBy != "alice" {
		t.Errorf("created_by = %q, want alice", got.CreatedBy)
	}
	if got.UpdatedBy != "bob" {
		t.Errorf("updated_by = %q, want bob", got.UpdatedBy)
	}
	if got.TimeoutSeconds != 30 {
		t.Errorf("timeout = %d, want 30", got.TimeoutSeconds)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("updated_at not set on update")
	}
}

func TestMonaiAEDuplicateName(t *testing.T) {
	db := OpenMemory(t)
	repo := NewAERepository(db)
	ctx := context.Background()

	if err := repo.AddMonaiAE(ctx, &MonaiAE{AETitle: "DUP"}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := repo.AddMonaiAE(ctx, &MonaiAE{AETitle: "DUP"}); err == nil {
		t.Fatal("duplicate name accepted")
	}
}

func TestSourceAELookupByTitleAndHost(t *testing.T) {
	db := OpenMemory(t)
	repo := NewAERepository(db)
	ctx := context.Background()

	if err := repo.AddSourceAE(ctx, &SourceAE{AETitle: "CT01", HostIP: "10.0.0.5"}); err != nil {
		t.Fatalf("AddSourceAE: %v", err)
	}

	if _, err := repo.FindSourceAE(ctx, "CT01", "10.0.0.5"); err != nil {
		t.Fatalf("FindSourceAE: %v", err)
	}
	if _, err := repo.FindSourceAE(ctx, "CT01", "10.0.0.6"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("wrong host matched: %v", err)
	}
	if _, err := repo.FindSourceAE(ctx, "CT02", "10.0.0.5"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("wrong title matched: %v", err)
	}
}

func TestDestinationAEPortValidation(t *testing.T) {
	db := OpenMemory(t)
	repo := NewAERepository(db)
	ctx := context.Background()

	if err := repo.AddDestinationAE(ctx, &DestinationAE{AETitle: "PACS", HostIP: "pacs.local", Port: 0}); err == nil {
		t.Fatal("port 0 accepted")
	}
	if err := repo.AddDestinationAE(ctx, &DestinationAE{AETitle: "PACS", HostIP: "pacs.local", Port: 104}); err != nil {
		t.Fatalf("AddDestinationAE: %v", err)
	}
	got, err := repo.GetDestinationAE(ctx, "PACS")
	if err != nil {
		t.Fatalf("GetDestinationAE: %v", err)
	}
	if got.Port != 104 {
		t.Errorf("port = %d, want 104", got.Port)
	}
}

func TestVirtualAERoundTrip(t *testing.T) {
	db := OpenMemory(t)
	repo := NewAERepository(db)
	ctx := context.Background()

	if err := repo.AddVirtualAE(ctx, &VirtualAE{Name: "research", Workflows: []string{"wf-a", "wf-b"}}); err != nil {
		t.Fatalf("AddVirtualAE: %v", err)
	}
	got, err := repo.GetVirtualAE(ctx, "research")
	if err != nil {
		t.Fatalf("GetVirtualAE: %v", err)
	}
	if len(got.Workflows) != 2 {
		t.Errorf("workflows = %v", got.Workflows)
	}
}
