package engine

import (
	"testing"

	"mailping/internal/mail"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	rec := &UserRecord{
		Accounts: []AccountCursor{
			{Credential: mail.Credential{Provider: "imap"}},                      // legacy: no cursor, no flag
			{Credential: mail.Credential{Provider: "imap"}, LastSeenID: "0009"}, // established
			{Credential: mail.Credential{Provider: "imap"}, FirstPollPending: true},
		},
	}
	rec.Normalize(300)

	if rec.PollIntervalSeconds != 300 {
		t.Fatalf("interval = %d, want default 300", rec.PollIntervalSeconds)
	}
	if !rec.Accounts[0].FirstPollPending {
		t.Fatalf("legacy account without cursor should owe a baseline cycle")
	}
	if rec.Accounts[1].FirstPollPending {
		t.Fatalf("account with a cursor must not regress to pending")
	}
	if !rec.Accounts[2].FirstPollPending {
		t.Fatalf("explicit pending flag must survive")
	}

	rec2 := &UserRecord{PollIntervalSeconds: 60}
	rec2.Normalize(300)
	if rec2.PollIntervalSeconds != 60 {
		t.Fatalf("explicit interval must survive, got %d", rec2.PollIntervalSeconds)
	}
}
