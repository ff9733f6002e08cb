package engine

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"mailping/internal/eventbus"
	"mailping/internal/mail"
	kit "mailping/internal/transport"
	logx "mailping/pkg/logx"
)

// Dispatcher sends one chat notification per admitted message, rate-limited
// globally so a busy cycle cannot trip the chat API's flood control.
type Dispatcher struct {
	adapter kit.Adapter
	limiter *rate.Limiter
	log     logx.Logger
	bus     eventbus.Bus
}

func NewDispatcher(adapter kit.Adapter, ratePerSec int, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if ratePerSec <= 0 {
		ratePerSec = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		adapter: adapter,
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		log:     log,
		bus:     bus,
	}
}

// Notify delivers one new-mail notification. A non-nil error means the message
// was NOT delivered and the caller must not advance the cursor past it.
func (d *Dispatcher) Notify(ctx context.Context, userID int64, accountIndex int, label string, m mail.Message) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	text := fmt.Sprintf("New email!\nFrom: %s\nSubject: %s", m.Sender, m.Subject)
	if label != "" {
		text = fmt.Sprintf("[%s] %s", label, text)
	}

	_, err := d.adapter.SendText(ctx, kit.ChatTarget{ChatID: userID}, text, nil)
	if err != nil {
		d.log.Warn("dispatch failed",
			logx.Int64("user", userID),
			logx.Int("account", accountIndex),
			logx.String("msg_id", m.ID),
			logx.Err(err))
		return err
	}

	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchSent, Data: map[string]any{
			"user": userID, "account": accountIndex, "msg_id": m.ID,
		}})
	}
	return nil
}

// NotifyAccountIssue reports one account-level failure to the user. Callers
// invoke it at most once per account per cycle, never once per message.
func (d *Dispatcher) NotifyAccountIssue(ctx context.Context, userID int64, accountIndex int, label string, cause error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	name := label
	if name == "" {
		name = fmt.Sprintf("account #%d", accountIndex+1)
	}

	var text string
	if mail.IsAuth(cause) {
		text = fmt.Sprintf("⚠️ %s: access expired or revoked. Checking is paused for this account; use /link to connect it again.", name)
	} else {
		text = fmt.Sprintf("⚠️ %s: check failed (%v). Will retry on the next cycle.", name, cause)
	}

	if _, err := d.adapter.SendText(ctx, kit.ChatTarget{ChatID: userID}, text, nil); err != nil {
		d.log.Warn("account issue notice failed",
			logx.Int64("user", userID),
			logx.Int("account", accountIndex),
			logx.Err(err))
	}
}
