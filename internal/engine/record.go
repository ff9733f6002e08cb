package engine

import (
	"time"

	"mailping/internal/mail"
)

// AccountCursor is the per-linked-account poll state.
//
// LastSeenID is monotonically non-decreasing over the account's lifetime; ""
// means no successful fetch has happened yet. FirstPollPending starts true and
// flips false exactly once, on the first cycle with a successful fetch; that
// cycle never dispatches notifications (it only establishes the baseline, so
// linking an account does not replay the whole inbox).
type AccountCursor struct {
	Credential       mail.Credential `json:"credential"`
	Label            string          `json:"label,omitempty"`
	LastSeenID       string          `json:"last_seen_id,omitempty"`
	FirstPollPending bool            `json:"first_poll_pending"`
	AuthFailed       bool            `json:"auth_failed,omitempty"`
	LinkedAt         time.Time       `json:"linked_at,omitempty"`
}

// FilterLists holds the four allow/deny sets. Entries are exact-match strings;
// no case or whitespace normalization happens here.
type FilterLists struct {
	SenderAllow  []string `json:"sender_allow,omitempty"`
	SenderDeny   []string `json:"sender_deny,omitempty"`
	SubjectAllow []string `json:"subject_allow,omitempty"`
	SubjectDeny  []string `json:"subject_deny,omitempty"`
}

// UserRecord aggregates one chat user's linked accounts, filters and cadence.
// Accounts are append-only; indexes stay stable for the record's lifetime.
type UserRecord struct {
	Accounts            []AccountCursor `json:"accounts,omitempty"`
	Filters             FilterLists     `json:"filters"`
	PollIntervalSeconds int             `json:"poll_interval_seconds"`
}

// Normalize defaults fields that older persisted records may be missing.
// Run once at load time; records are never rejected for missing fields.
func (r *UserRecord) Normalize(defaultIntervalSeconds int) {
	if r.PollIntervalSeconds <= 0 {
		r.PollIntervalSeconds = defaultIntervalSeconds
	}
	for i := range r.Accounts {
		ac := &r.Accounts[i]
		// A record written before the explicit first-poll flag existed decodes
		// with FirstPollPending=false. If it also has no cursor, the account
		// never completed a fetch, so the baseline cycle is still owed.
		if ac.LastSeenID == "" && !ac.FirstPollPending {
			ac.FirstPollPending = true
		}
	}
}

func (f FilterLists) clone() FilterLists {
	return FilterLists{
		SenderAllow:  append([]string(nil), f.SenderAllow...),
		SenderDeny:   append([]string(nil), f.SenderDeny...),
		SubjectAllow: append([]string(nil), f.SubjectAllow...),
		SubjectDeny:  append([]string(nil), f.SubjectDeny...),
	}
}

func (r *UserRecord) clone() *UserRecord {
	cp := &UserRecord{
		Filters:             r.Filters.clone(),
		PollIntervalSeconds: r.PollIntervalSeconds,
	}
	cp.Accounts = append([]AccountCursor(nil), r.Accounts...)
	return cp
}
