// Package bot is the Telegram front-end. It relays chat messages to the
// conversation API and keeps only a local chat to conversation mapping;
// the server stays the authority on conversation state.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/kalambet/btravel/internal/client"
)

const unavailableText = "Sorry, I'm having trouble right now. Please try again later."

// Backend sends one user message to the conversation API.
type Backend interface {
	Send(ctx context.Context, conversationID, message, turnID string) (client.Reply, error)
}

// Sender delivers a message to a Telegram chat. *tgbot.Bot implements it.
type Sender interface {
	SendMessage(ctx context.Context, params *tgbot.SendMessageParams) (*models.Message, error)
}

type Bot struct {
	backend Backend

	mu    sync.Mutex
	chats map[int64]string
}

func New(backend Backend) *Bot {
	return &Bot{backend: backend, chats: make(map[int64]string)}
}

// Run connects to Telegram with token and polls for updates until ctx is
// cancelled.
func (b *Bot) Run(ctx context.Context, token string) error {
	tg, err := tgbot.New(token,
		tgbot.WithDefaultHandler(b.defaultHandler),
	)
	if err != nil {
		return fmt.Errorf("connecting to telegram: %w", err)
	}
	tg.RegisterHandler(tgbot.HandlerTypeMessageText, "/start", tgbot.MatchTypePrefix, b.startHandler)

	slog.Info("telegram bot started")
	tg.Start(ctx)
	slog.Info("telegram bot stopped")
	return nil
}

func (b *Bot) startHandler(ctx context.Context, tg *tgbot.Bot, update *models.Update) {
	b.handleStart(ctx, tg, update)
}

func (b *Bot) defaultHandler(ctx context.Context, tg *tgbot.Bot, update *models.Update) {
	b.handleMessage(ctx, tg, update)
}

func (b *Bot) handleStart(ctx context.Context, s Sender, update *models.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID
	b.forget(chatID)

	name := "there"
	if u := update.Message.From; u != nil {
		if full := strings.TrimSpace(u.FirstName + " " + u.LastName); full != "" {
			name = full
		}
	}
	b.send(ctx, s, chatID, fmt.Sprintf("Hello, %s! I'm your travel assistant. Tell me what you'd like to book and I'll collect the details.", name))
}

func (b *Bot) handleMessage(ctx context.Context, s Sender, update *models.Update) {
	if update.Message == nil || strings.TrimSpace(update.Message.Text) == "" {
		return
	}
	chatID := update.Message.Chat.ID
	turnID := fmt.Sprintf("tg-%d-%d", chatID, update.Message.ID)
	b.send(ctx, s, chatID, b.reply(ctx, chatID, update.Message.Text, turnID))
}

// reply relays text for chatID and returns what to send back. An unknown
// conversation is dropped and the message retried as a new one; an expired
// conversation is dropped and its hand-off link forwarded.
func (b *Bot) reply(ctx context.Context, chatID int64, text, turnID string) string {
	convID := b.lookup(chatID)
	r, err := b.backend.Send(ctx, convID, text, turnID)
	if errors.Is(err, client.ErrNotFound) && convID != "" {
		slog.Info("conversation unknown to server, starting a new one", "chat_id", chatID, "conversation_id", convID)
		b.forget(chatID)
		r, err = b.backend.Send(ctx, "", text, turnID)
	}

	var expired *client.ExpiredError
	switch {
	case errors.As(err, &expired):
		b.forget(chatID)
		return fmt.Sprintf("This conversation has expired. You can continue here: %s\nSend a new message to start over.", expired.Link)
	case err != nil:
		slog.Warn("conversation request failed", "chat_id", chatID, "error", err)
		return unavailableText
	}

	b.remember(chatID, r.ConversationID)
	if r.IsComplete && r.TelegramLink != "" {
		return r.Message + "\n\n" + r.TelegramLink
	}
	return r.Message
}

func (b *Bot) send(ctx context.Context, s Sender, chatID int64, text string) {
	if _, err := s.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		slog.Error("sending telegram message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) lookup(chatID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chats[chatID]
}

func (b *Bot) remember(chatID int64, conversationID string) {
	if conversationID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chats[chatID] = conversationID
}

func (b *Bot) forget(chatID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.chats, chatID)
}
