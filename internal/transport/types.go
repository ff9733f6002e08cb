package transport

import "context"

// Update is a normalized incoming chat event.
type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type ChatTarget struct {
	ChatID int64
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Adapter is the chat gateway. The engine and router depend on this contract
// only; the Telegram implementation lives in transport/telegram.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
