package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Client is the Telegram API surface the connector needs. Tests
// substitute a fake; production uses the tgbotapi-backed botClient.
type Client interface {
	SendText(ctx context.Context, chatID int64, text string) (messageID int, err error)
	SendPhoto(ctx context.Context, chatID int64, photoURL, caption string) (messageID int, err error)
	GetChat(ctx context.Context, chatID int64) (tgbotapi.Chat, error)
	GetUpdates(ctx context.Context, offset, limit int) ([]tgbotapi.Update, error)
	FileURL(ctx context.Context, fileID string) (string, error)
}

type botClient struct {
	bot *tgbotapi.BotAPI
}

// NewClient creates the production Client for the given bot token.
func NewClient(botToken string) (Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &botClient{bot: bot}, nil
}

func (c *botClient) SendText(_ context.Context, chatID int64, text string) (int, error) {
	sent, err := c.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (c *botClient) SendPhoto(_ context.Context, chatID int64, photoURL, caption string) (int, error) {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(photoURL))
	photo.Caption = caption
	sent, err := c.bot.Send(photo)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (c *botClient) GetChat(_ context.Context, chatID int64) (tgbotapi.Chat, error) {
	return c.bot.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
}

func (c *botClient) GetUpdates(_ context.Context, offset, limit int) ([]tgbotapi.Update, error) {
	cfg := tgbotapi.NewUpdate(offset)
	cfg.Limit = limit
	return c.bot.GetUpdates(cfg)
}

func (c *botClient) FileURL(_ context.Context, fileID string) (string, error) {
	return c.bot.GetFileDirectURL(fileID)
}
