package state

import (
	"context"
	"path/filepath"
	"testing"

	"mailping/internal/engine"
	logx "mailping/pkg/logx"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.db")
	s, err := newSQLiteStore(path, 0, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.Save(ctx, sampleUsers()); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[7] == nil || len(got[7].Accounts) != 2 {
		t.Fatalf("round trip: %+v", got)
	}
	if got[7].Accounts[0].LastSeenID != "0000000042" {
		t.Fatalf("cursor round trip: %+v", got[7].Accounts[0])
	}

	// Second save replaces everything.
	if err := s.Save(ctx, map[int64]*engine.UserRecord{9: {PollIntervalSeconds: 60}}); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(got) != 1 || got[9] == nil {
		t.Fatalf("snapshot should fully replace previous rows, got %v", got)
	}
}

func TestSQLiteStoreEmpty(t *testing.T) {
	t.Parallel()

	s, err := newSQLiteStore(filepath.Join(t.TempDir(), "state.db"), 0, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("fresh database should be empty, got %v", got)
	}
}
