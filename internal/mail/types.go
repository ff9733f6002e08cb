package mail

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Message is the minimal view of a mailbox item the engine cares about.
//
// ID is an opaque token. Every Gateway driver guarantees that IDs compare
// monotonically (by plain string comparison) in the order the provider
// assigns them: a newer message always has a strictly greater ID than an
// older one within the same account.
type Message struct {
	ID      string
	Sender  string
	Subject string
}

// Credential is an opaque per-account credential blob. The engine stores and
// forwards it; only the owning driver understands Data.
type Credential struct {
	Provider string          `json:"provider"`
	Data     json.RawMessage `json:"data"`
}

// Gateway lists the most recent messages for one account.
//
// Errors are classified with the taxonomy in errors.go: *AuthError means the
// credential is no longer valid (the account gets flagged), *TransientError
// means the fetch may simply be retried next cycle.
type Gateway interface {
	FetchRecent(ctx context.Context, cred Credential) ([]Message, error)
}

// Exchanger turns a user-supplied authorization code into a Credential.
// Only OAuth-style providers (Gmail) implement it.
type Exchanger interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (Credential, error)
}

var ErrUnknownProvider = errors.New("unknown mail provider")

// Registry dispatches fetches to the driver owning the credential's provider.
type Registry struct {
	gws map[string]Gateway
}

func NewRegistry() *Registry {
	return &Registry{gws: map[string]Gateway{}}
}

func (r *Registry) Register(provider string, gw Gateway) {
	if gw == nil {
		return
	}
	r.gws[strings.ToLower(strings.TrimSpace(provider))] = gw
}

func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.gws))
	for p := range r.gws {
		out = append(out, p)
	}
	return out
}

func (r *Registry) FetchRecent(ctx context.Context, cred Credential) ([]Message, error) {
	gw, ok := r.gws[strings.ToLower(strings.TrimSpace(cred.Provider))]
	if !ok {
		return nil, &AuthError{Provider: cred.Provider, Err: ErrUnknownProvider}
	}
	return gw.FetchRecent(ctx, cred)
}
