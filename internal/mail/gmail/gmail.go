package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailping/internal/mail"
	logx "mailping/pkg/logx"
)

const Provider = "gmail"

const (
	user            = "me"
	defaultPageSize = 10
)

type Config struct {
	// CredentialsFile is the OAuth client secret JSON downloaded from the
	// Google API console.
	CredentialsFile string
	// PageSize bounds how many recent inbox messages one fetch inspects.
	PageSize int64
}

// Gateway fetches recent inbox messages over the Gmail API.
//
// Message IDs are Gmail's hex message IDs. Within one mailbox they are
// assigned in increasing order, so plain string comparison of the
// fixed-width hex form matches the provider's newest-first listing order.
type Gateway struct {
	cfg   Config
	oauth *oauth2.Config
	log   logx.Logger
}

func New(cfg Config, log logx.Logger) (*Gateway, error) {
	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}
	oc, err := google.ConfigFromJSON(b, gmailapi.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file: %w", err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{cfg: cfg, oauth: oc, log: log}, nil
}

// AuthURL returns the URL the user opens to grant read-only inbox access.
// state should be unique per link attempt.
func (g *Gateway) AuthURL(state string) string {
	return g.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for a stored credential blob.
func (g *Gateway) Exchange(ctx context.Context, code string) (mail.Credential, error) {
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return mail.Credential{}, &mail.AuthError{Provider: Provider, Err: err}
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return mail.Credential{}, err
	}
	return mail.Credential{Provider: Provider, Data: data}, nil
}

func (g *Gateway) FetchRecent(ctx context.Context, cred mail.Credential) ([]mail.Message, error) {
	var tok oauth2.Token
	if err := json.Unmarshal(cred.Data, &tok); err != nil {
		return nil, &mail.AuthError{Provider: Provider, Err: fmt.Errorf("credential blob: %w", err)}
	}

	// TokenSource refreshes expired access tokens using the stored refresh token.
	src := g.oauth.TokenSource(ctx, &tok)
	srv, err := gmailapi.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, &mail.TransientError{Provider: Provider, Err: err}
	}

	list, err := srv.Users.Messages.List(user).
		LabelIds("INBOX").
		MaxResults(g.cfg.PageSize).
		Context(ctx).Do()
	if err != nil {
		cerr := classify(err)
		g.log.Warn("inbox list failed", logx.Bool("auth", mail.IsAuth(cerr)), logx.Err(err))
		return nil, cerr
	}

	msgs := make([]mail.Message, 0, len(list.Messages))
	for _, m := range list.Messages {
		full, err := srv.Users.Messages.Get(user, m.Id).
			Format("metadata").
			MetadataHeaders("From", "Subject").
			Context(ctx).Do()
		if err != nil {
			cerr := classify(err)
			g.log.Warn("message metadata fetch failed",
				logx.String("msg_id", m.Id),
				logx.Bool("auth", mail.IsAuth(cerr)),
				logx.Err(err))
			return nil, cerr
		}
		out := mail.Message{ID: m.Id}
		if full.Payload != nil {
			for _, h := range full.Payload.Headers {
				switch h.Name {
				case "From":
					out.Sender = h.Value
				case "Subject":
					out.Subject = h.Value
				}
			}
		}
		msgs = append(msgs, out)
	}
	g.log.Debug("inbox page fetched", logx.Int("messages", len(msgs)))
	return msgs, nil
}

func classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return &mail.AuthError{Provider: Provider, Err: err}
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		switch ge.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &mail.AuthError{Provider: Provider, Err: err}
		}
	}
	return &mail.TransientError{Provider: Provider, Err: err}
}
