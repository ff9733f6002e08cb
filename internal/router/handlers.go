package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailping/internal/engine"
	imapdrv "mailping/internal/mail/imap"
	logx "mailping/pkg/logx"
)

// Gmail authorization codes are only honored for a bounded window after /link.
const linkCodeTTL = 15 * time.Minute

func (r *Router) registerCommands() {
	cmds := []Command{
		{
			Name:        "start",
			Description: "register and show a short intro",
			Usage:       "/start",
			Handle:      r.handleStart,
		},
		{
			Name:        "help",
			Description: "list commands",
			Usage:       "/help",
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, r.helpText())
			},
		},
		{
			Name:        "link",
			Description: "connect a mail account (gmail or imap)",
			Usage:       "/link gmail [label] | /link imap <host[:port]> <user> <password> [label]",
			MinArgs:     1,
			Handle:      r.handleLink,
		},
		{
			Name:        "code",
			Description: "finish a pending gmail link",
			Usage:       "/code <authorization-code>",
			MinArgs:     1,
			Handle:      r.handleCode,
		},
		{
			Name:        "allow",
			Description: "add an allow-list entry",
			Usage:       "/allow <sender|subject> <value>",
			MinArgs:     2,
			Handle:      r.filterAdder(engine.RuleAllow),
		},
		{
			Name:        "deny",
			Description: "add a deny-list entry",
			Usage:       "/deny <sender|subject> <value>",
			MinArgs:     2,
			Handle:      r.filterAdder(engine.RuleDeny),
		},
		{
			Name:        "unfilter",
			Description: "remove a filter entry",
			Usage:       "/unfilter <sender|subject> <allow|deny> <value>",
			MinArgs:     3,
			Handle:      r.handleUnfilter,
		},
		{
			Name:        "filters",
			Description: "show your filter lists",
			Usage:       "/filters",
			Handle:      r.handleFilters,
		},
		{
			Name:        "interval",
			Description: "show or change your poll cadence",
			Usage:       "/interval [seconds]",
			Handle:      r.handleInterval,
		},
		{
			Name:        "accounts",
			Description: "list linked accounts",
			Usage:       "/accounts",
			Handle:      r.handleAccounts,
		},
		{
			Name:        "status",
			Description: "show bot status",
			Usage:       "/status",
			Handle:      r.handleStatus,
		},
	}
	for _, c := range cmds {
		r.commands[c.Name] = c
	}
}

func (r *Router) handleStart(ctx context.Context, req *Request) error {
	created, err := r.eng.EnsureUser(ctx, req.FromID)
	if err != nil {
		_ = req.Reply(ctx, "Something went wrong saving your profile, please try again.")
		return err
	}

	var b strings.Builder
	if created {
		b.WriteString("Welcome! I watch your mail accounts and ping you here when something new arrives.\n\n")
	} else {
		b.WriteString("You are already set up.\n\n")
	}
	b.WriteString("Link an account with /link, tune what gets through with /allow and /deny, ")
	b.WriteString("and set how often I check with /interval. /help lists everything.")
	return req.Reply(ctx, b.String())
}

func (r *Router) handleLink(ctx context.Context, req *Request) error {
	if _, err := r.eng.EnsureUser(ctx, req.FromID); err != nil {
		_ = req.Reply(ctx, "Something went wrong saving your profile, please try again.")
		return err
	}

	switch strings.ToLower(req.Args[0]) {
	case "gmail":
		return r.linkGmail(ctx, req)
	case "imap":
		return r.linkImap(ctx, req)
	default:
		return req.Reply(ctx, "Unknown provider. Use /link gmail or /link imap.")
	}
}

func (r *Router) linkGmail(ctx context.Context, req *Request) error {
	if r.gmail == nil {
		return req.Reply(ctx, "Gmail linking is not enabled on this bot.")
	}

	label := strings.Join(req.Args[1:], " ")
	state := uuid.NewString()

	r.pendMu.Lock()
	r.pending[req.FromID] = pendingLink{state: state, label: label, startedAt: time.Now()}
	r.pendMu.Unlock()

	url := r.gmail.AuthURL(state)
	return req.Reply(ctx, fmt.Sprintf(
		"Open this link, grant read access, then send me the code with /code <code>:\n%s", url))
}

func (r *Router) linkImap(ctx context.Context, req *Request) error {
	if !r.imapEnabled {
		return req.Reply(ctx, "IMAP linking is not enabled on this bot.")
	}
	args := req.Args[1:]
	if len(args) < 3 {
		return req.Reply(ctx, "Usage: /link imap <host[:port]> <user> <password> [label]")
	}

	cred, err := imapdrv.Credential(args[0], args[1], args[2])
	if err != nil {
		return req.Reply(ctx, "Could not build IMAP credentials: "+err.Error())
	}
	label := strings.Join(args[3:], " ")

	index, err := r.eng.LinkAccount(ctx, req.FromID, cred, label)
	if err != nil {
		_ = req.Reply(ctx, "The account was linked but saving it failed; it may not survive a restart.")
		return err
	}
	return req.Reply(ctx, fmt.Sprintf(
		"IMAP account #%d linked. Existing mail stays quiet; I will ping you about anything that arrives from now on.", index+1))
}

func (r *Router) handleCode(ctx context.Context, req *Request) error {
	if r.gmail == nil {
		return req.Reply(ctx, "Gmail linking is not enabled on this bot.")
	}

	r.pendMu.Lock()
	pend, ok := r.pending[req.FromID]
	if ok {
		delete(r.pending, req.FromID)
	}
	r.pendMu.Unlock()

	if !ok || time.Since(pend.startedAt) > linkCodeTTL {
		return req.Reply(ctx, "No pending Gmail link (or it expired). Start over with /link gmail.")
	}

	cred, err := r.gmail.Exchange(ctx, req.Args[0])
	if err != nil {
		req.Logger.Warn("gmail code exchange failed", logx.Err(err))
		return req.Reply(ctx, "That code was not accepted. Start over with /link gmail.")
	}

	index, err := r.eng.LinkAccount(ctx, req.FromID, cred, pend.label)
	if err != nil {
		_ = req.Reply(ctx, "The account was linked but saving it failed; it may not survive a restart.")
		return err
	}
	return req.Reply(ctx, fmt.Sprintf(
		"Gmail account #%d linked. Existing mail stays quiet; I will ping you about anything that arrives from now on.", index+1))
}

func (r *Router) filterAdder(rule engine.Rule) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		axis, err := engine.ParseAxis(strings.ToLower(req.Args[0]))
		if err != nil {
			return req.Reply(ctx, "First argument must be sender or subject.")
		}
		value := strings.Join(req.Args[1:], " ")

		added, err := r.eng.AddFilter(ctx, req.FromID, axis, rule, value)
		if err != nil {
			var perr *engine.PersistenceError
			if errors.As(err, &perr) {
				_ = req.Reply(ctx, "Filter added but saving it failed; it may not survive a restart.")
			}
			return err
		}
		if !added {
			return req.Reply(ctx, fmt.Sprintf("%q is already on the %s %s list.", value, axis, rule))
		}
		return req.Reply(ctx, fmt.Sprintf("Added %q to the %s %s list.", value, axis, rule))
	}
}

func (r *Router) handleUnfilter(ctx context.Context, req *Request) error {
	axis, err := engine.ParseAxis(strings.ToLower(req.Args[0]))
	if err != nil {
		return req.Reply(ctx, "First argument must be sender or subject.")
	}
	rule, err := engine.ParseRule(strings.ToLower(req.Args[1]))
	if err != nil {
		return req.Reply(ctx, "Second argument must be allow or deny.")
	}
	value := strings.Join(req.Args[2:], " ")

	removed, err := r.eng.RemoveFilter(ctx, req.FromID, axis, rule, value)
	if err != nil {
		var perr *engine.PersistenceError
		if errors.As(err, &perr) {
			_ = req.Reply(ctx, "Filter removed but saving it failed; it may not survive a restart.")
		}
		return err
	}
	if !removed {
		return req.Reply(ctx, fmt.Sprintf("%q is not on the %s %s list.", value, axis, rule))
	}
	return req.Reply(ctx, fmt.Sprintf("Removed %q from the %s %s list.", value, axis, rule))
}

func (r *Router) handleFilters(ctx context.Context, req *Request) error {
	f := r.eng.Filters(req.FromID)

	var b strings.Builder
	writeList := func(name string, vals []string) {
		b.WriteString(name)
		b.WriteString(": ")
		if len(vals) == 0 {
			b.WriteString("(empty)")
		} else {
			b.WriteString(strings.Join(vals, ", "))
		}
		b.WriteByte('\n')
	}
	writeList("sender allow", f.SenderAllow)
	writeList("sender deny", f.SenderDeny)
	writeList("subject allow", f.SubjectAllow)
	writeList("subject deny", f.SubjectDeny)
	b.WriteString("\nA non-empty allow list only lets listed values through; deny always wins.")
	return req.Reply(ctx, b.String())
}

func (r *Router) handleInterval(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		secs := r.eng.Interval(req.FromID)
		if secs <= 0 {
			return req.Reply(ctx, "You are not registered yet. Send /start first.")
		}
		return req.Reply(ctx, fmt.Sprintf("I check your accounts every %d seconds.", secs))
	}

	secs, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return req.Reply(ctx, "Give the interval as a whole number of seconds, e.g. /interval 120.")
	}
	if err := r.eng.SetInterval(ctx, req.FromID, secs); err != nil {
		if errors.Is(err, engine.ErrBadInterval) {
			return req.Reply(ctx, "That interval will not work: "+err.Error()+".")
		}
		var perr *engine.PersistenceError
		if errors.As(err, &perr) {
			_ = req.Reply(ctx, "Interval changed but saving it failed; it may not survive a restart.")
		}
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Done. I will check every %d seconds from now on.", secs))
}

func (r *Router) handleAccounts(ctx context.Context, req *Request) error {
	accounts := r.eng.Accounts(req.FromID)
	if len(accounts) == 0 {
		return req.Reply(ctx, "No accounts linked yet. Use /link to add one.")
	}

	var b strings.Builder
	b.WriteString("Linked accounts:\n")
	for _, ac := range accounts {
		name := ac.Label
		if name == "" {
			name = ac.Provider
		}
		fmt.Fprintf(&b, "#%d %s (%s)", ac.Index+1, name, ac.Provider)
		switch {
		case ac.AuthFailed:
			b.WriteString(" - paused: access expired, relink with /link")
		case ac.Pending:
			b.WriteString(" - waiting for first check")
		default:
			fmt.Fprintf(&b, " - watching since %s", ac.LinkedAt.Format("2006-01-02"))
		}
		b.WriteByte('\n')
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) handleStatus(ctx context.Context, req *Request) error {
	st := r.eng.Snapshot()
	accounts := r.eng.Accounts(req.FromID)
	secs := r.eng.Interval(req.FromID)

	var b strings.Builder
	fmt.Fprintf(&b, "Watching %d account(s) for %d user(s).\n", st.Accounts, st.Users)
	if secs > 0 {
		fmt.Fprintf(&b, "Your cadence: every %d seconds, %d account(s) linked.", secs, len(accounts))
	} else {
		b.WriteString("You are not registered yet. Send /start first.")
	}
	return req.Reply(ctx, b.String())
}
