package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mailping/internal/eventbus"
	"mailping/internal/mail"
	logx "mailping/pkg/logx"
)

// accountSnap is the per-account input to one cycle, copied out under mu so
// fetching and dispatching run lock-free.
type accountSnap struct {
	index    int
	cred     mail.Credential
	label    string
	lastSeen string
	pending  bool
	skip     bool
}

// accountResult is what a cycle feeds back into the record.
type accountResult struct {
	// fetched reports that the mailbox page was retrieved; cursor and
	// clearPending are only meaningful when true.
	fetched      bool
	cursor       string
	clearPending bool
	dispatched   int
	err          error
	authFailed   bool
}

// pollUser runs one poll cycle for every pollable account of one user.
// Accounts are independent: they fetch concurrently and one failing never
// blocks the others. Overlap with a still-running cycle for the same user is
// skipped rather than queued.
func (e *Engine) pollUser(ctx context.Context, userID int64) {
	if ctx == nil || ctx.Err() != nil {
		return
	}

	e.mu.Lock()
	rec := e.users[userID]
	if rec == nil || e.inFlight[userID] {
		e.mu.Unlock()
		return
	}
	e.inFlight[userID] = true
	filters := rec.Filters.clone()
	snaps := make([]accountSnap, len(rec.Accounts))
	for i, ac := range rec.Accounts {
		snaps[i] = accountSnap{
			index:    i,
			cred:     ac.Credential,
			label:    ac.Label,
			lastSeen: ac.LastSeenID,
			pending:  ac.FirstPollPending,
			skip:     ac.AuthFailed,
		}
	}
	e.mu.Unlock()

	results := make([]accountResult, len(snaps))
	var wg sync.WaitGroup
	for i := range snaps {
		if snaps[i].skip {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.pollAccount(ctx, userID, snaps[i], filters)
		}(i)
	}
	wg.Wait()

	type notice struct {
		index int
		label string
		cause error
	}
	var notices []notice
	dispatched := 0

	e.mu.Lock()
	rec = e.users[userID]
	if rec == nil {
		delete(e.inFlight, userID)
		e.mu.Unlock()
		return
	}
	mutated := false
	for i := range snaps {
		if snaps[i].skip || i >= len(rec.Accounts) {
			continue
		}
		res := results[i]
		ac := &rec.Accounts[i]
		dispatched += res.dispatched

		if res.fetched {
			// Monotonic guard: the cursor never moves backward, even if a
			// concurrent mutation or a stale page says otherwise.
			if res.cursor > ac.LastSeenID {
				ac.LastSeenID = res.cursor
				mutated = true
			}
			if res.clearPending && ac.FirstPollPending {
				ac.FirstPollPending = false
				mutated = true
			}
		}

		if res.err == nil {
			continue
		}
		if res.authFailed {
			// Flag once and pause the account; the notice fires only on the
			// transition so the user is not re-warned every cycle.
			if !ac.AuthFailed {
				ac.AuthFailed = true
				mutated = true
				notices = append(notices, notice{i, ac.Label, res.err})
				if e.bus != nil {
					e.bus.Publish(eventbus.Event{Type: eventbus.TypeAccountAuth, Data: map[string]any{
						"user": userID, "account": i,
					}})
				}
			}
		} else {
			notices = append(notices, notice{i, ac.Label, res.err})
		}
		e.log.Warn("account poll failed",
			logx.Int64("user", userID),
			logx.Int("account", i),
			logx.Bool("auth", res.authFailed),
			logx.Err(res.err))
	}
	if mutated {
		e.markMutatedLocked()
	}
	var snap map[int64]*UserRecord
	var seq uint64
	if e.dirty {
		snap, seq = e.snapshotLocked()
	}
	e.mu.Unlock()

	if snap != nil {
		_ = e.persistSnapshot(ctx, snap, seq)
	}

	// The cycle stays in-flight until its snapshot is persisted, so the next
	// tick cannot overlap the save.
	e.mu.Lock()
	delete(e.inFlight, userID)
	e.mu.Unlock()

	// One notice per failed account per cycle, after state is settled.
	for _, n := range notices {
		e.disp.NotifyAccountIssue(ctx, userID, n.index, n.label, n.cause)
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleDone, Data: map[string]any{
			"user": userID, "accounts": len(snaps), "dispatched": dispatched,
		}})
	}
}

// pollAccount fetches the recent page for one account and walks it oldest
// first, notifying admitted messages and advancing the cursor behind them.
//
// Cursor rules: a suppressed message still counts as seen; an undelivered
// message does not, so it is retried next cycle. On the very first successful
// fetch nothing is delivered and the whole page becomes the baseline.
func (e *Engine) pollAccount(ctx context.Context, userID int64, acc accountSnap, filters FilterLists) (res accountResult) {
	defer func() {
		if r := recover(); r != nil {
			res = accountResult{
				err: &mail.TransientError{Provider: acc.cred.Provider, Err: fmt.Errorf("panic: %v", r)},
			}
		}
	}()

	msgs, err := e.gateways.FetchRecent(ctx, acc.cred)
	if err != nil {
		res.err = err
		res.authFailed = mail.IsAuth(err)
		return res
	}
	res.fetched = true
	res.clearPending = acc.pending
	res.cursor = acc.lastSeen

	if len(msgs) == 0 {
		return res
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })

	if acc.pending {
		// Baseline cycle: everything already in the mailbox counts as seen.
		if last := msgs[len(msgs)-1].ID; last > res.cursor {
			res.cursor = last
		}
		return res
	}

	for _, m := range msgs {
		if m.ID <= res.cursor {
			continue
		}
		if !filters.Admit(m) {
			res.cursor = m.ID
			continue
		}
		if err := e.disp.Notify(ctx, userID, acc.index, acc.label, m); err != nil {
			// Stop here: the cursor trails the undelivered message so this
			// and everything after it come back next cycle.
			res.err = &mail.TransientError{
				Provider: acc.cred.Provider,
				Err:      fmt.Errorf("notify: %w", err),
			}
			return res
		}
		res.cursor = m.ID
		res.dispatched++
	}
	return res
}
