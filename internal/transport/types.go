// Package transport holds the chat-platform neutral message types shared by
// the Telegram adapter and the command router.
package transport

import "context"

// Update is one incoming text message.
type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsPrivate    bool
}

// Sender delivers plain text to a chat. For private chats the chat id equals
// the user id.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// BotCommand is one entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command
// menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
