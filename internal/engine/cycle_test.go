package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"mailping/internal/mail"
	kit "mailping/internal/transport"
	logx "mailping/pkg/logx"
)

type fakeGateway struct {
	mu    sync.Mutex
	pages map[string][]mail.Message
	errs  map[string]error
	calls map[string]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		pages: map[string][]mail.Message{},
		errs:  map[string]error{},
		calls: map[string]int{},
	}
}

func (g *fakeGateway) FetchRecent(_ context.Context, cred mail.Credential) ([]mail.Message, error) {
	key := string(cred.Data)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[key]++
	if err := g.errs[key]; err != nil {
		return nil, err
	}
	return append([]mail.Message(nil), g.pages[key]...), nil
}

func (g *fakeGateway) callCount(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[key]
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
	// failAfter caps successful sends; -1 means unlimited.
	failAfter int
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAfter >= 0 && len(a.sent) >= a.failAfter {
		return kit.MessageRef{}, errors.New("send refused")
	}
	a.sent = append(a.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

type memStore struct {
	mu       sync.Mutex
	saves    int
	last     map[int64]*UserRecord
	failSave bool
}

func (s *memStore) Load(context.Context) (map[int64]*UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

func (s *memStore) Save(_ context.Context, users map[int64]*UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return errors.New("disk full")
	}
	s.saves++
	s.last = users
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func testCred(key string) mail.Credential {
	return mail.Credential{Provider: "test", Data: []byte(key)}
}

func newTestEngine(gw mail.Gateway, ad kit.Adapter, st Store) *Engine {
	reg := mail.NewRegistry()
	reg.Register("test", gw)
	disp := NewDispatcher(ad, 1000, logx.Nop(), nil)
	return New(Config{DefaultIntervalSeconds: 300}, st, reg, disp, logx.Nop(), nil)
}

func TestFirstPollEstablishesBaseline(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	gw.pages["a"] = []mail.Message{
		{ID: "0007", Sender: "x@x", Subject: "s7"},
		{ID: "0005", Sender: "x@x", Subject: "s5"},
		{ID: "0009", Sender: "x@x", Subject: "s9"},
	}
	ad := &fakeAdapter{failAfter: -1}
	st := &memStore{}
	e := newTestEngine(gw, ad, st)
	e.users[1] = &UserRecord{
		Accounts:            []AccountCursor{{Credential: testCred("a"), FirstPollPending: true}},
		PollIntervalSeconds: 300,
	}

	e.pollUser(context.Background(), 1)

	if got := ad.texts(); len(got) != 0 {
		t.Fatalf("baseline cycle dispatched %d messages: %v", len(got), got)
	}
	ac := e.users[1].Accounts[0]
	if ac.FirstPollPending {
		t.Fatalf("pending flag should clear after a successful fetch")
	}
	if ac.LastSeenID != "0009" {
		t.Fatalf("cursor = %q, want 0009", ac.LastSeenID)
	}
	if st.saveCount() == 0 {
		t.Fatalf("baseline mutation was not persisted")
	}
}

func TestEmptyFirstPollClearsPending(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	ad := &fakeAdapter{failAfter: -1}
	e := newTestEngine(gw, ad, &memStore{})
	e.users[1] = &UserRecord{
		Accounts:            []AccountCursor{{Credential: testCred("a"), FirstPollPending: true}},
		PollIntervalSeconds: 300,
	}

	e.pollUser(context.Background(), 1)

	ac := e.users[1].Accounts[0]
	if ac.FirstPollPending {
		t.Fatalf("empty mailbox still counts as a successful first fetch")
	}
	if ac.LastSeenID != "" {
		t.Fatalf("cursor = %q, want empty", ac.LastSeenID)
	}
}

func TestNewMessagesDispatchOldestFirst(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	gw.pages["a"] = []mail.Message{
		{ID: "0012", Sender: "b@x", Subject: "later"},
		{ID: "0009", Sender: "old@x", Subject: "seen"},
		{ID: "0011", Sender: "a@x", Subject: "sooner"},
	}
	ad := &fakeAdapter{failAfter: -1}
	e := newTestEngine(gw, ad, &memStore{})
	e.users[1] = &UserRecord{
		Accounts:            []AccountCursor{{Credential: testCred("a"), LastSeenID: "0009"}},
		PollIntervalSeconds: 300,
	}

	e.pollUser(context.Background(), 1)

	got := ad.texts()
	if len(got) != 2 {
		t.Fatalf("dispatched %d messages, want 2: %v", len(got), got)
	}
	if !strings.Contains(got[0], "sooner") || !strings.Contains(got[1], "later") {
		t.Fatalf("messages out of order: %v", got)
	}
	if cur := e.users[1].Accounts[0].LastSeenID; cur != "0012" {
		t.Fatalf("cursor = %q, want 0012", cur)
	}
}

func TestSuppressedMessageAdvancesCursor(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	gw.pages["a"] = []mail.Message{
		{ID: "0010", Sender: "spam@x", Subject: "buy now"},
		{ID: "0011", Sender: "boss@x", Subject: "report"},
	}
	ad := &fakeAdapter{failAfter: -1}
	e := newTestEngine(gw, ad, &memStore{})
	e.users[1] = &UserRecord{
		Accounts:            []AccountCursor{{Credential: testCred("a"), LastSeenID: "0009"}},
		Filters:             FilterLists{SenderDeny: []string{"spam@x"}},
		PollIntervalSeconds: 300,
	}

	e.pollUser(context.Background(), 1)

	got := ad.texts()
	if len(got) != 1 || !strings.Contains(got[0], "report") {
		t.Fatalf("want only the boss message, got %v", got)
	}
	if cur := e.users[1].Accounts[0].LastSeenID; cur != "0011" {
		t.Fatalf("cursor = %q, want 0011 (suppressed mail still counts as seen)", cur)
	}

	// Re-poll the same page: nothing new, nothing re-sent.
	e.pollUser(context.Background(), 1)
	if got := ad.texts(); len(got) != 1 {
		t.Fatalf("stale page re-dispatched: %v", got)
	}
}

func TestTransientFailureIsolatedPerAccount(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	gw.pages["a"] = []mail.Message{{ID: "0011", Sender: "a@x", Subject: "fresh"}}
	gw.errs["b"] = &mail.TransientError{Provider: "test", Err: errors.New("timeout")}
	ad := &fakeAdapter{failAfter: -1}
	e := newTestEngine(gw, ad, &memStore{})
	e.users[1] = &UserRecord{
		Accounts: []AccountCursor{
			{Credential: testCred("a"), LastSeenID: "0009"},
			{Credential: testCred("b"), LastSeenID: "0003"},
		},
		PollIntervalSeconds: 300,
	}

	e.pollUser(context.Background(), 1)

	got := ad.texts()
	if len(got) != 2 {
		t.Fatalf("want 1 dispatch + 1 notice, got %v", got)
	}
	var notices int
	for _, txt := range got {
		if strings.Contains(txt, "check failed") {
			notices++
		}
	}
	if notices != 1 {
		t.Fatalf("want exactly one failure notice, got %v", got)
	}
	accs := e.users[1].Accounts
	if accs[0].LastSeenID != "0011" {
		t.Fatalf("healthy account cursor = %q, want 0011", accs[0].LastSeenID)
	}
	if accs[1].LastSeenID != "0003" {
		t.Fatalf("failed account cursor moved: %q", accs[1].LastSeenID)
	}
	if accs[1].AuthFailed {
		t.Fatalf("transient failure must not flag the account")
	}
}

func TestAuthFailurePausesAccount(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	gw.errs["a"] = &mail.AuthError{Provider: "test", Err: errors.New("token revoked")}
	ad := &fakeAdapter{failAfter: -1}
	e := newTestEngine(gw, ad, &memStore{})
	e.users[1] = &UserRecord{
		Accounts:            []AccountCursor{{Credential: testCred("a"), LastSeenID: "0009"}},
		PollIntervalSeconds: 300,
	}

	e.pollUser(context.Background(), 1)

	if !e.users[1].Accounts[0].AuthFailed {
		t.Fatalf("auth failure should flag the account")
	}
	got := ad.texts()
	if len(got) != 1 || !strings.Contains(got[0], "access expired") {
		t.Fatalf("want one auth notice, got %v", got)
	}

	// Next cycle: account is skipped entirely, no repeat notice.
	e.pollUser(context.Background(), 1)
	if n := gw.callCount("a"); n != 1 {
		t.Fatalf("flagged account fetched %d times, want 1", n)
	}
	if got := ad.texts(); len(got) != 1 {
		t.Fatalf("auth notice repeated: %v", got)
	}
}

func TestDispatchFailureBlocksCursor(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	gw.pages["a"] = []mail.Message{
		{ID: "0011", Sender: "a@x", Subject: "one"},
		{ID: "0012", Sender: "a@x", Subject: "two"},
		{ID: "0013", Sender: "a@x", Subject: "three"},
	}
	ad := &fakeAdapter{failAfter: 1}
	e := newTestEngine(gw, ad, &memStore{})
	e.users[1] = &UserRecord{
		Accounts:            []AccountCursor{{Credential: testCred("a"), LastSeenID: "0009"}},
		PollIntervalSeconds: 300,
	}

	e.pollUser(context.Background(), 1)

	got := ad.texts()
	if len(got) != 1 || !strings.Contains(got[0], "one") {
		t.Fatalf("want only the first message delivered, got %v", got)
	}
	if cur := e.users[1].Accounts[0].LastSeenID; cur != "0011" {
		t.Fatalf("cursor = %q, want 0011 (undelivered mail must be retried)", cur)
	}

	// Sends recover: next cycle delivers the rest exactly once.
	ad.mu.Lock()
	ad.failAfter = -1
	ad.mu.Unlock()
	e.pollUser(context.Background(), 1)
	got = ad.texts()
	if len(got) != 3 {
		t.Fatalf("retry cycle: got %v", got)
	}
	if !strings.Contains(got[1], "two") || !strings.Contains(got[2], "three") {
		t.Fatalf("retry order wrong: %v", got)
	}
	if cur := e.users[1].Accounts[0].LastSeenID; cur != "0013" {
		t.Fatalf("cursor = %q, want 0013", cur)
	}
}

func TestPersistFailureKeepsStateAndRetries(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	gw.pages["a"] = []mail.Message{{ID: "0011", Sender: "a@x", Subject: "fresh"}}
	ad := &fakeAdapter{failAfter: -1}
	st := &memStore{failSave: true}
	e := newTestEngine(gw, ad, st)
	e.users[1] = &UserRecord{
		Accounts:            []AccountCursor{{Credential: testCred("a"), LastSeenID: "0009"}},
		PollIntervalSeconds: 300,
	}

	e.pollUser(context.Background(), 1)

	if cur := e.users[1].Accounts[0].LastSeenID; cur != "0011" {
		t.Fatalf("in-memory cursor must survive a failed save, got %q", cur)
	}
	e.mu.Lock()
	dirty := e.dirty
	e.mu.Unlock()
	if !dirty {
		t.Fatalf("failed save must leave the store dirty")
	}

	// Disk recovers; the next cycle flushes even without new mail.
	st.mu.Lock()
	st.failSave = false
	st.mu.Unlock()
	e.pollUser(context.Background(), 1)
	if st.saveCount() == 0 {
		t.Fatalf("dirty state was not flushed after the save path recovered")
	}
	e.mu.Lock()
	dirty = e.dirty
	e.mu.Unlock()
	if dirty {
		t.Fatalf("store should be clean after a successful flush")
	}
}
