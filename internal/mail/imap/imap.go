package imap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"mailping/internal/mail"
	logx "mailping/pkg/logx"
)

const Provider = "imap"

const defaultPageSize = 10

// Account is the credential blob for a plain IMAP mailbox.
type Account struct {
	Addr     string `json:"addr"` // host:port
	Username string `json:"username"`
	Password string `json:"password"`
	StartTLS bool   `json:"starttls,omitempty"`
}

// Credential packs an IMAP account into the engine's opaque credential form.
func Credential(addr, username, password string) (mail.Credential, error) {
	acc := Account{Addr: addr, Username: username, Password: password}
	if !strings.Contains(addr, ":") {
		acc.Addr = addr + ":993"
	}
	data, err := json.Marshal(acc)
	if err != nil {
		return mail.Credential{}, err
	}
	return mail.Credential{Provider: Provider, Data: data}, nil
}

type Config struct {
	PageSize int
}

// Gateway fetches recent INBOX envelopes over IMAP.
//
// Message IDs are UIDs rendered as zero-padded decimal, so string comparison
// matches the server's UID order. UIDs are strictly ascending within a mailbox
// (RFC 3501); a UIDVALIDITY change would reset them, which surfaces here as a
// one-time burst of replayed candidates and is accepted for this driver.
type Gateway struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Gateway {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{cfg: cfg, log: log}
}

func (g *Gateway) FetchRecent(ctx context.Context, cred mail.Credential) ([]mail.Message, error) {
	var acc Account
	if err := json.Unmarshal(cred.Data, &acc); err != nil {
		return nil, &mail.AuthError{Provider: Provider, Err: fmt.Errorf("credential blob: %w", err)}
	}

	client, err := g.connect(acc)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, &mail.TransientError{Provider: Provider, Err: fmt.Errorf("selecting INBOX: %w", err)}
	}

	searchData, err := client.UIDSearch(&goimap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, &mail.TransientError{Provider: Provider, Err: fmt.Errorf("searching messages: %w", err)}
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if len(uids) > g.cfg.PageSize {
		uids = uids[len(uids)-g.cfg.PageSize:]
	}

	uidSet := goimap.UIDSetNum(uids...)
	fetchCmd := client.Fetch(uidSet, &goimap.FetchOptions{
		Envelope: true,
		UID:      true,
	})
	defer fetchCmd.Close()

	var msgs []mail.Message
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		msgs = append(msgs, messageFromBuffer(buf))
	}

	if err := fetchCmd.Close(); err != nil {
		g.log.Warn("envelope fetch failed", logx.String("addr", acc.Addr), logx.Err(err))
		return msgs, &mail.TransientError{Provider: Provider, Err: fmt.Errorf("fetching envelopes: %w", err)}
	}
	g.log.Debug("envelopes fetched", logx.String("addr", acc.Addr), logx.Int("messages", len(msgs)))
	return msgs, nil
}

func (g *Gateway) connect(acc Account) (*imapclient.Client, error) {
	var client *imapclient.Client
	var err error
	if acc.StartTLS {
		client, err = imapclient.DialStartTLS(acc.Addr, nil)
	} else {
		client, err = imapclient.DialTLS(acc.Addr, nil)
	}
	if err != nil {
		return nil, &mail.TransientError{Provider: Provider, Err: fmt.Errorf("connecting to %s: %w", acc.Addr, err)}
	}

	if err := client.Login(acc.Username, acc.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		g.log.Warn("imap login rejected", logx.String("addr", acc.Addr), logx.String("user", acc.Username), logx.Err(err))
		return nil, &mail.AuthError{Provider: Provider, Err: fmt.Errorf("login %s: %w", acc.Username, err)}
	}
	return client, nil
}

func messageFromBuffer(buf *imapclient.FetchMessageBuffer) mail.Message {
	// Zero-padded so lexicographic order equals numeric UID order.
	m := mail.Message{ID: fmt.Sprintf("%010d", uint32(buf.UID))}
	if buf.Envelope != nil {
		m.Subject = buf.Envelope.Subject
		if len(buf.Envelope.From) > 0 {
			m.Sender = buf.Envelope.From[0].Addr()
		}
	}
	return m
}
