package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"mailping/internal/engine"
	"mailping/internal/mail"
	logx "mailping/pkg/logx"
)

func sampleUsers() map[int64]*engine.UserRecord {
	return map[int64]*engine.UserRecord{
		7: {
			Accounts: []engine.AccountCursor{
				{
					Credential: mail.Credential{Provider: "imap", Data: []byte(`{"addr":"mail.x:993"}`)},
					Label:      "work",
					LastSeenID: "0000000042",
				},
				{
					Credential:       mail.Credential{Provider: "gmail", Data: []byte(`{"access_token":"t"}`)},
					FirstPollPending: true,
				},
			},
			Filters:             engine.FilterLists{SenderDeny: []string{"spam@x"}},
			PollIntervalSeconds: 120,
		},
		8: {PollIntervalSeconds: 300},
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	s := newFileStore(path, logx.Nop())
	ctx := context.Background()

	if err := s.Save(ctx, sampleUsers()); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d users, want 2", len(got))
	}
	u := got[7]
	if u == nil || len(u.Accounts) != 2 {
		t.Fatalf("user 7: %+v", u)
	}
	if u.Accounts[0].LastSeenID != "0000000042" || u.Accounts[0].Label != "work" {
		t.Fatalf("account 0 round trip: %+v", u.Accounts[0])
	}
	if !u.Accounts[1].FirstPollPending || u.Accounts[1].LastSeenID != "" {
		t.Fatalf("account 1 round trip: %+v", u.Accounts[1])
	}
	if len(u.Filters.SenderDeny) != 1 || u.Filters.SenderDeny[0] != "spam@x" {
		t.Fatalf("filters round trip: %+v", u.Filters)
	}
	if got[8] == nil || got[8].PollIntervalSeconds != 300 {
		t.Fatalf("user 8 round trip: %+v", got[8])
	}
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	s := newFileStore(filepath.Join(t.TempDir(), "nope.json"), logx.Nop())
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("missing file should mean empty store, got %v", got)
	}
}

func TestFileStoreCorruptFileFailsLoudly(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := newFileStore(path, logx.Nop())
	if _, err := s.Load(context.Background()); err == nil {
		t.Fatalf("corrupt state must be a hard error, not silent data loss")
	}
}

func TestFileStoreSaveReplacesAtomically(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := newFileStore(path, logx.Nop())
	ctx := context.Background()

	if err := s.Save(ctx, sampleUsers()); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := s.Save(ctx, map[int64]*engine.UserRecord{9: {PollIntervalSeconds: 60}}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[9] == nil {
		t.Fatalf("second snapshot should fully replace the first, got %v", got)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("stray files in state dir: %v", entries)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver must be rejected")
	}
}
