package history_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/quic-file-transfer/internal/history"
)

func setupTestStore(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Open(filepath.Join(t.TempDir(), "history.sqlite3"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Record(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tr := &history.Transfer{Role: "sender", File: "a.bin", Bytes: 1024, DurationMS: 250, Status: history.StatusOK}
	if err := s.Record(ctx, tr); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if tr.ID == "" {
		t.Error("expected an ID to be assigned")
	}
	if tr.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be assigned")
	}
	if tr.Duration() != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", tr.Duration())
	}

	if err := s.Record(ctx, nil); err == nil {
		t.Error("expected error for nil transfer")
	}
}

func TestStore_List(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"old.bin", "mid.bin", "new.bin"} {
		err := s.Record(ctx, &history.Transfer{
			Role:      "receiver",
			File:      name,
			Status:    history.StatusOK,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	all, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(all))
	}
	if all[0].File != "new.bin" || all[2].File != "old.bin" {
		t.Errorf("expected newest first, got %q..%q", all[0].File, all[2].File)
	}

	limited, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 transfers, got %d", len(limited))
	}
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.sqlite3")
	ctx := context.Background()

	s, err := history.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Record(ctx, &history.Transfer{Role: "sender", Status: history.StatusFailed, Error: "boom"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	_ = s.Close()

	s, err = history.Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	got, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 1 || got[0].Error != "boom" {
		t.Errorf("expected persisted failed transfer, got %+v", got)
	}
}
