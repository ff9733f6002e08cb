package mail

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type stubGateway struct {
	msgs []Message
	err  error
}

func (g *stubGateway) FetchRecent(context.Context, Credential) ([]Message, error) {
	return g.msgs, g.err
}

func TestRegistryDispatch(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register("imap", &stubGateway{msgs: []Message{{ID: "0000000001"}}})

	msgs, err := reg.FetchRecent(context.Background(), Credential{Provider: "IMAP"})
	if err != nil {
		t.Fatalf("case-insensitive dispatch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %v", msgs)
	}

	_, err = reg.FetchRecent(context.Background(), Credential{Provider: "pop3"})
	if !IsAuth(err) {
		t.Fatalf("unknown provider must surface as an auth failure, got %v", err)
	}
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("want ErrUnknownProvider, got %v", err)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	auth := &AuthError{Provider: "gmail", Err: cause}
	transient := &TransientError{Provider: "imap", Err: cause}

	if !IsAuth(auth) || IsAuth(transient) {
		t.Fatalf("IsAuth misclassifies")
	}
	if !IsTransient(transient) || IsTransient(auth) {
		t.Fatalf("IsTransient misclassifies")
	}
	if !errors.Is(auth, cause) || !errors.Is(transient, cause) {
		t.Fatalf("Unwrap broken")
	}

	// Classification survives wrapping.
	wrapped := fmt.Errorf("cycle: %w", auth)
	if !IsAuth(wrapped) {
		t.Fatalf("IsAuth must see through wrapping")
	}
}
