package imap

import (
	"encoding/json"
	"testing"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

func TestCredentialDefaultPort(t *testing.T) {
	t.Parallel()

	cred, err := Credential("mail.example.com", "me", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if cred.Provider != Provider {
		t.Fatalf("provider = %q", cred.Provider)
	}
	var acc Account
	if err := json.Unmarshal(cred.Data, &acc); err != nil {
		t.Fatal(err)
	}
	if acc.Addr != "mail.example.com:993" {
		t.Fatalf("addr = %q, want default port appended", acc.Addr)
	}

	cred, err = Credential("mail.example.com:143", "me", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(cred.Data, &acc); err != nil {
		t.Fatal(err)
	}
	if acc.Addr != "mail.example.com:143" {
		t.Fatalf("explicit port must survive, got %q", acc.Addr)
	}
}

func TestMessageFromBuffer(t *testing.T) {
	t.Parallel()

	buf := &imapclient.FetchMessageBuffer{
		UID: 42,
		Envelope: &goimap.Envelope{
			Subject: "hello",
			From:    []goimap.Address{{Mailbox: "boss", Host: "example.com"}},
		},
	}
	m := messageFromBuffer(buf)
	if m.ID != "0000000042" {
		t.Fatalf("id = %q, want zero-padded UID", m.ID)
	}
	if m.Sender != "boss@example.com" || m.Subject != "hello" {
		t.Fatalf("envelope mapping: %+v", m)
	}

	// UID order must match string order.
	low := messageFromBuffer(&imapclient.FetchMessageBuffer{UID: 9})
	high := messageFromBuffer(&imapclient.FetchMessageBuffer{UID: 10})
	if !(low.ID < high.ID) {
		t.Fatalf("UID 9 (%q) must sort below UID 10 (%q)", low.ID, high.ID)
	}
}
