package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mailping/internal/eventbus"
	"mailping/internal/mail"
	rtsup "mailping/internal/runtime/supervisor"
	logx "mailping/pkg/logx"
)

// ErrBadInterval rejects non-positive or too-small poll intervals.
var ErrBadInterval = errors.New("poll interval must be a positive number of seconds")

type Config struct {
	// DefaultIntervalSeconds is the cadence assigned to new users and to
	// loaded records that carry no interval.
	DefaultIntervalSeconds int
	// MinIntervalSeconds floors user-chosen intervals (0 disables the floor).
	MinIntervalSeconds int
}

// Engine owns the in-memory user map, drives per-user poll cycles and is the
// single writer toward the state store.
//
// Locking: mu guards users/inFlight/entries/dirty. Network I/O (gateway fetch,
// chat send) never happens under mu; cycles work on copied snapshots and merge
// results back with a monotonic cursor guard.
type Engine struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	store    Store
	gateways *mail.Registry
	disp     *Dispatcher

	mu       sync.Mutex
	users    map[int64]*UserRecord
	inFlight map[int64]bool
	entries  map[int64]cron.EntryID
	dirty    bool
	mutSeq   uint64

	// saveMu serializes Store.Save calls (single-writer discipline).
	// lastSavedSeq, guarded by saveMu, is the mutation sequence of the newest
	// snapshot on disk; older snapshots arriving late are discarded so a slow
	// save can never roll the store back.
	saveMu       sync.Mutex
	lastSavedSeq uint64

	runMu   sync.Mutex
	running bool
	runCtx  context.Context
	sup     *rtsup.Supervisor
	cron    *cron.Cron
}

func New(cfg Config, store Store, gateways *mail.Registry, disp *Dispatcher, log logx.Logger, bus eventbus.Bus) *Engine {
	if cfg.DefaultIntervalSeconds <= 0 {
		cfg.DefaultIntervalSeconds = 300
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		store:    store,
		gateways: gateways,
		disp:     disp,
		users:    map[int64]*UserRecord{},
		inFlight: map[int64]bool{},
		entries:  map[int64]cron.EntryID{},
	}
}

// Load reads the persisted store and applies forward migration defaults.
// Absent state means an empty store; corrupt state is a hard error.
func (e *Engine) Load(ctx context.Context) error {
	users, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	if users == nil {
		users = map[int64]*UserRecord{}
	}
	for _, rec := range users {
		rec.Normalize(e.cfg.DefaultIntervalSeconds)
	}
	e.mu.Lock()
	e.users = users
	e.mu.Unlock()
	e.log.Info("state loaded", logx.Int("users", len(users)))
	return nil
}

// Start begins per-user polling. Each user gets an "@every <interval>s" cron
// entry; a maintenance entry retries failed persists.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return nil
	}
	e.running = true

	e.sup = rtsup.New(ctx,
		rtsup.WithLogger(e.log.With(logx.String("comp", "engine"))),
		rtsup.WithCancelOnError(false),
	)
	e.runCtx = e.sup.Context()
	e.cron = cron.New()

	e.mu.Lock()
	users := len(e.users)
	for id, rec := range e.users {
		e.scheduleLocked(id, rec.PollIntervalSeconds)
	}
	e.mu.Unlock()

	// Persist retry: a failed save keeps state dirty; flush it here so updates
	// become durable without waiting for the next mutating cycle.
	_, _ = e.cron.AddFunc("@every 1m", func() {
		e.mu.Lock()
		var snap map[int64]*UserRecord
		var seq uint64
		if e.dirty {
			snap, seq = e.snapshotLocked()
		}
		e.mu.Unlock()
		if snap != nil {
			_ = e.persistSnapshot(e.runCtx, snap, seq)
		}
	})

	e.cron.Start()

	e.sup.Go0("cron.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		<-e.cron.Stop().Done()
	})

	e.log.Info("engine started", logx.Int("users", users))
	return nil
}

func (e *Engine) Stop(ctx context.Context) {
	e.runMu.Lock()
	sup := e.sup
	cr := e.cron
	running := e.running
	e.running = false
	e.runMu.Unlock()
	if !running || cr == nil {
		return
	}

	// Stop scheduling and wait for in-flight cycles, bounded by ctx.
	stopCtx := cr.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}

	// Final flush so a clean shutdown never loses acknowledged mutations.
	e.mu.Lock()
	var snap map[int64]*UserRecord
	var seq uint64
	if e.dirty {
		snap, seq = e.snapshotLocked()
	}
	e.mu.Unlock()
	if snap != nil {
		_ = e.persistSnapshot(ctx, snap, seq)
	}

	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	e.log.Info("engine stopped")
}

// scheduleLocked (re)registers the cron entry for one user. Callers hold mu.
func (e *Engine) scheduleLocked(userID int64, intervalSeconds int) {
	if e.cron == nil {
		return
	}
	if id, ok := e.entries[userID]; ok {
		e.cron.Remove(id)
		delete(e.entries, userID)
	}
	if intervalSeconds <= 0 {
		intervalSeconds = e.cfg.DefaultIntervalSeconds
	}
	spec := fmt.Sprintf("@every %ds", intervalSeconds)
	id, err := e.cron.AddFunc(spec, func() { e.pollUser(e.runCtx, userID) })
	if err != nil {
		e.log.Error("schedule failed", logx.Int64("user", userID), logx.Err(err))
		return
	}
	e.entries[userID] = id
}

// ---- Command operations (user-facing surface calls these) ----

// EnsureUser creates the record for a first-time user with defaults.
func (e *Engine) EnsureUser(ctx context.Context, userID int64) (created bool, err error) {
	e.mu.Lock()
	if _, ok := e.users[userID]; !ok {
		e.users[userID] = &UserRecord{PollIntervalSeconds: e.cfg.DefaultIntervalSeconds}
		e.scheduleLocked(userID, e.cfg.DefaultIntervalSeconds)
		e.markMutatedLocked()
		created = true
	}
	snap, seq := e.snapshotLocked()
	e.mu.Unlock()

	if !created {
		return false, nil
	}
	return true, e.persistSnapshot(ctx, snap, seq)
}

// LinkAccount appends a new account cursor for the user. The first poll for it
// is suppressed (baseline only). Returns the account index.
func (e *Engine) LinkAccount(ctx context.Context, userID int64, cred mail.Credential, label string) (int, error) {
	e.mu.Lock()
	rec := e.ensureLocked(userID)
	rec.Accounts = append(rec.Accounts, AccountCursor{
		Credential:       cred,
		Label:            label,
		FirstPollPending: true,
		LinkedAt:         time.Now().UTC(),
	})
	index := len(rec.Accounts) - 1
	e.markMutatedLocked()
	snap, seq := e.snapshotLocked()
	e.mu.Unlock()

	if err := e.persistSnapshot(ctx, snap, seq); err != nil {
		return index, err
	}
	e.log.Info("account linked",
		logx.Int64("user", userID),
		logx.Int("account", index),
		logx.String("provider", cred.Provider))
	return index, nil
}

// AddFilter adds value to one of the four lists. added=false means it was
// already present (no-op, nothing persisted).
func (e *Engine) AddFilter(ctx context.Context, userID int64, axis Axis, rule Rule, value string) (bool, error) {
	e.mu.Lock()
	rec := e.ensureLocked(userID)
	added, err := rec.Filters.add(axis, rule, value)
	if err != nil {
		e.mu.Unlock()
		return false, err
	}
	if added {
		e.markMutatedLocked()
	}
	snap, seq := e.snapshotLocked()
	e.mu.Unlock()

	if !added {
		return false, nil
	}
	return true, e.persistSnapshot(ctx, snap, seq)
}

// RemoveFilter removes value from one of the four lists. removed=false means
// it was not present.
func (e *Engine) RemoveFilter(ctx context.Context, userID int64, axis Axis, rule Rule, value string) (bool, error) {
	e.mu.Lock()
	rec := e.ensureLocked(userID)
	removed, err := rec.Filters.remove(axis, rule, value)
	if err != nil {
		e.mu.Unlock()
		return false, err
	}
	if removed {
		e.markMutatedLocked()
	}
	snap, seq := e.snapshotLocked()
	e.mu.Unlock()

	if !removed {
		return false, nil
	}
	return true, e.persistSnapshot(ctx, snap, seq)
}

// SetInterval changes the user's poll cadence and reschedules their entry.
func (e *Engine) SetInterval(ctx context.Context, userID int64, seconds int) error {
	if seconds <= 0 {
		return ErrBadInterval
	}
	if e.cfg.MinIntervalSeconds > 0 && seconds < e.cfg.MinIntervalSeconds {
		return fmt.Errorf("%w (minimum is %ds)", ErrBadInterval, e.cfg.MinIntervalSeconds)
	}

	e.mu.Lock()
	rec := e.ensureLocked(userID)
	if rec.PollIntervalSeconds != seconds {
		rec.PollIntervalSeconds = seconds
		e.scheduleLocked(userID, seconds)
		e.markMutatedLocked()
	}
	snap, seq := e.snapshotLocked()
	e.mu.Unlock()

	return e.persistSnapshot(ctx, snap, seq)
}

// Filters returns a copy of the user's filter lists.
func (e *Engine) Filters(userID int64) FilterLists {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.users[userID]; ok {
		return rec.Filters.clone()
	}
	return FilterLists{}
}

// Interval returns the user's poll interval in seconds (0 if unknown user).
func (e *Engine) Interval(userID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.users[userID]; ok {
		return rec.PollIntervalSeconds
	}
	return 0
}

// AccountInfo is a read-only view of one linked account.
type AccountInfo struct {
	Index      int
	Provider   string
	Label      string
	LastSeenID string
	Pending    bool
	AuthFailed bool
	LinkedAt   time.Time
}

// Accounts returns read-only views of the user's linked accounts.
func (e *Engine) Accounts(userID int64) []AccountInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.users[userID]
	if !ok {
		return nil
	}
	out := make([]AccountInfo, 0, len(rec.Accounts))
	for i, ac := range rec.Accounts {
		out = append(out, AccountInfo{
			Index:      i,
			Provider:   ac.Credential.Provider,
			Label:      ac.Label,
			LastSeenID: ac.LastSeenID,
			Pending:    ac.FirstPollPending,
			AuthFailed: ac.AuthFailed,
			LinkedAt:   ac.LinkedAt,
		})
	}
	return out
}

// Stats is a small operational summary for /status.
type Stats struct {
	Users    int
	Accounts int
	Dirty    bool
}

func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{Users: len(e.users), Dirty: e.dirty}
	for _, rec := range e.users {
		st.Accounts += len(rec.Accounts)
	}
	return st
}

// ---- internals ----

func (e *Engine) ensureLocked(userID int64) *UserRecord {
	rec, ok := e.users[userID]
	if !ok {
		rec = &UserRecord{PollIntervalSeconds: e.cfg.DefaultIntervalSeconds}
		e.users[userID] = rec
		e.scheduleLocked(userID, rec.PollIntervalSeconds)
	}
	return rec
}

func (e *Engine) markMutatedLocked() {
	e.dirty = true
	e.mutSeq++
}

// snapshotLocked deep-copies the whole user map for a save. The copy is what
// crosses the saveMu boundary, so cycles never race the encoder.
func (e *Engine) snapshotLocked() (map[int64]*UserRecord, uint64) {
	snap := make(map[int64]*UserRecord, len(e.users))
	for id, rec := range e.users {
		snap[id] = rec.clone()
	}
	return snap, e.mutSeq
}

func (e *Engine) persistSnapshot(ctx context.Context, snap map[int64]*UserRecord, seq uint64) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	// A newer snapshot already reached the store; this one is a subset of it
	// (snapshots cover the whole user map), so writing it would undo
	// acknowledged mutations.
	if seq < e.lastSavedSeq {
		return nil
	}

	if err := e.store.Save(ctx, snap); err != nil {
		perr := &PersistenceError{Err: err}
		e.log.Error("state save failed; keeping in-memory state", logx.Err(err))
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: eventbus.TypePersistError, Data: err.Error()})
		}
		return perr
	}

	e.lastSavedSeq = seq

	e.mu.Lock()
	// Only mark clean if nothing mutated since this snapshot was taken.
	if e.mutSeq == seq {
		e.dirty = false
	}
	e.mu.Unlock()
	return nil
}
