// Package transport defines the chat-platform contract used by the bot and
// the delivery pipeline. The Telegram implementation lives in
// transport/telegram/adapter.
package transport

import (
	"context"
	"errors"
	"io"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// MediaKind mirrors post.AttachmentKind on the wire side.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAnimation MediaKind = "animation"
)

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsPrivate    bool

	// Set when the message carries a photo, video or animation.
	MediaKind   MediaKind
	MediaFileID string
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
	// Username is used instead of ChatID when set (public channels).
	Username string
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is an inline keyboard button. It opens URL when set, otherwise it
// sends Data back as a callback.
type Button struct {
	Text string
	URL  string
	Data string
}

// Column lays buttons out one per row.
func Column(btns ...Button) [][]Button {
	rows := make([][]Button, 0, len(btns))
	for _, b := range btns {
		rows = append(rows, []Button{b})
	}
	return rows
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Keyboard       [][]Button
}

// Media is an outgoing photo, video or animation. Reader takes precedence
// over FileID.
type Media struct {
	Kind     MediaKind
	Reader   io.Reader
	FileName string
	FileID   string
}

// MemberStatus is the bot's role in a chat.
type MemberStatus string

const (
	RoleCreator       MemberStatus = "creator"
	RoleAdministrator MemberStatus = "administrator"
	RoleMember        MemberStatus = "member"
	RoleRestricted    MemberStatus = "restricted"
	RoleLeft          MemberStatus = "left"
	RoleKicked        MemberStatus = "kicked"
)

// CanPost reports whether the role allows publishing to a channel.
func (r MemberStatus) CanPost() bool { return r == RoleCreator || r == RoleAdministrator }

// ChatInfo describes a resolved chat.
type ChatInfo struct {
	ID       int64
	Title    string
	Username string
	Type     string
}

// ErrChatNotFound is returned by ResolveChat and AdminStatus when the platform
// definitively reports that the chat does not exist or is not reachable.
var ErrChatNotFound = errors.New("transport: chat not found")

// Sender publishes messages.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to ChatTarget, m Media, caption string, opt *SendOptions) (MessageRef, error)
}

// MembershipChecker reports the bot's own role in a chat.
type MembershipChecker interface {
	AdminStatus(ctx context.Context, chat ChatTarget) (MemberStatus, error)
}

type Adapter interface {
	Sender
	MembershipChecker

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
	ResolveChat(ctx context.Context, chat ChatTarget) (ChatInfo, error)
	// DownloadFile fetches a file previously received from the platform.
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
