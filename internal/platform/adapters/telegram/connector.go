package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/deskhubhq/deskhub/internal/platform"
)

const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Connector implements platform.Connector and platform.HistorySource
// for Telegram.
type Connector struct {
	cfg    Config
	client Client
	ingest *platform.Ingest
	recon  platform.Reconciler
	logger *slog.Logger
}

var _ platform.Connector = (*Connector)(nil)
var _ platform.HistorySource = (*Connector)(nil)

// New creates a Telegram connector from validated credentials.
func New(log *slog.Logger, cfg Config, client Client, reconciler platform.Reconciler) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("adapter", "telegram"))
	return &Connector{
		cfg:    cfg,
		client: client,
		ingest: platform.NewIngest(logger, reconciler),
		recon:  reconciler,
		logger: logger,
	}, nil
}

// Type returns the Telegram platform type.
func (c *Connector) Type() platform.Type {
	return platform.TypeTelegram
}

// Descriptor returns the Telegram platform metadata.
func (c *Connector) Descriptor() platform.Descriptor {
	return platform.Descriptor{
		Type:        platform.TypeTelegram,
		DisplayName: "Telegram",
		Capabilities: platform.Capabilities{
			Text:         true,
			Image:        true,
			ProfileFetch: true,
			History:      true,
		},
		Conversational: true,
	}
}

// HandleWebhook validates the shared secret header and processes the
// update's events. The whole payload is rejected when the secret does
// not match; after that point per-event failures are isolated.
func (c *Connector) HandleWebhook(ctx context.Context, req platform.WebhookRequest) error {
	if c.cfg.SecretToken != "" && req.HeaderValue(secretTokenHeader) != c.cfg.SecretToken {
		return fmt.Errorf("%w: secret token mismatch", platform.ErrInvalidWebhook)
	}
	var update tgbotapi.Update
	if err := json.Unmarshal(req.Body, &update); err != nil {
		return fmt.Errorf("%w: %v", platform.ErrInvalidWebhook, err)
	}
	events := c.normalizeUpdate(ctx, update)
	if len(events) == 0 {
		return nil
	}
	c.ingest.ProcessEvents(ctx, platform.TypeTelegram, events, c.ack())
	return nil
}

func (c *Connector) ack() platform.AckFunc {
	if strings.TrimSpace(c.cfg.AckMessage) == "" {
		return nil
	}
	return func(ctx context.Context, nativeRecipientID string) error {
		_, err := c.SendMessage(ctx, nativeRecipientID, platform.TextContent(c.cfg.AckMessage))
		return err
	}
}

// normalizeUpdate reduces one update to canonical events. Group
// membership changes become identity-only events; everything the
// connector cannot classify is dropped.
func (c *Connector) normalizeUpdate(ctx context.Context, update tgbotapi.Update) []platform.Event {
	msg := update.Message
	if msg == nil {
		return nil
	}

	events := make([]platform.Event, 0, 1)
	timestamp := time.Unix(int64(msg.Date), 0).UTC()

	for _, member := range msg.NewChatMembers {
		if member.IsBot {
			continue
		}
		events = append(events, platform.Event{
			NativeSenderID: strconv.FormatInt(member.ID, 10),
			Kind:           platform.EventMembership,
			Timestamp:      timestamp,
			Profile:        senderProfile(&member),
			Metadata:       map[string]any{"membership": "joined"},
		})
	}
	if left := msg.LeftChatMember; left != nil && !left.IsBot {
		events = append(events, platform.Event{
			NativeSenderID: strconv.FormatInt(left.ID, 10),
			Kind:           platform.EventMembership,
			Timestamp:      timestamp,
			Profile:        senderProfile(left),
			Metadata:       map[string]any{"membership": "left"},
		})
	}

	if msg.From == nil || msg.From.IsBot {
		return events
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	metadata := map[string]any{}
	if msg.Chat != nil {
		metadata["chat_id"] = strconv.FormatInt(msg.Chat.ID, 10)
		metadata["chat_type"] = msg.Chat.Type
	}

	text := strings.TrimSpace(msg.Text)
	caption := strings.TrimSpace(msg.Caption)

	if len(msg.Photo) > 0 {
		// Largest rendition is last.
		fileID := msg.Photo[len(msg.Photo)-1].FileID
		imageURL, err := c.client.FileURL(ctx, fileID)
		if err != nil {
			c.logger.Error("resolve photo url failed", slog.String("file_id", fileID), slog.Any("error", err))
			imageURL = ""
		}
		events = append(events, platform.Event{
			NativeSenderID:  senderID,
			Kind:            platform.EventImage,
			Content:         &platform.Content{Kind: platform.ContentImage, ImageURL: imageURL, Text: caption},
			NativeMessageID: strconv.Itoa(msg.MessageID),
			Timestamp:       timestamp,
			Profile:         senderProfile(msg.From),
			Metadata:        metadata,
		})
		return events
	}

	if text == "" && caption != "" {
		text = caption
	}
	if text == "" {
		return events
	}
	content := platform.TextContent(text)
	events = append(events, platform.Event{
		NativeSenderID:  senderID,
		Kind:            platform.EventMessage,
		Content:         &content,
		NativeMessageID: strconv.Itoa(msg.MessageID),
		Timestamp:       timestamp,
		Profile:         senderProfile(msg.From),
		Metadata:        metadata,
	})
	return events
}

// SendMessage delivers canonical content to a chat and persists the
// outbound message with the delivery receipt in its metadata.
func (c *Connector) SendMessage(ctx context.Context, nativeRecipientID string, content platform.Content) (platform.DeliveryReceipt, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(nativeRecipientID), 10, 64)
	if err != nil {
		return platform.DeliveryReceipt{}, fmt.Errorf("telegram recipient id must be numeric: %q", nativeRecipientID)
	}
	if content.IsEmpty() {
		return platform.DeliveryReceipt{}, fmt.Errorf("content is required")
	}

	var messageID int
	switch content.Kind {
	case platform.ContentText:
		messageID, err = c.client.SendText(ctx, chatID, content.Text)
	case platform.ContentImage:
		messageID, err = c.client.SendPhoto(ctx, chatID, content.ImageURL, content.Text)
	default:
		return platform.DeliveryReceipt{}, fmt.Errorf("%w: telegram cannot deliver %s", platform.ErrUnsupportedContent, content.Kind)
	}
	if err != nil {
		return platform.DeliveryReceipt{}, fmt.Errorf("telegram send: %w", err)
	}

	receipt := platform.DeliveryReceipt{
		NativeMessageID: strconv.Itoa(messageID),
		DeliveredAt:     time.Now().UTC(),
		Raw:             map[string]any{"chat_id": chatID, "message_id": messageID},
	}
	if err := c.persistOutbound(ctx, nativeRecipientID, content, receipt); err != nil {
		c.logger.Error("persist outbound failed", slog.String("chat_id", nativeRecipientID), slog.Any("error", err))
	}
	return receipt, nil
}

func (c *Connector) persistOutbound(ctx context.Context, nativeRecipientID string, content platform.Content, receipt platform.DeliveryReceipt) error {
	customerID, _, err := c.recon.UpsertCustomer(ctx, platform.TypeTelegram, nativeRecipientID, platform.ProfileSnapshot{})
	if err != nil {
		return err
	}
	_, _, err = c.recon.UpsertMessage(ctx, platform.MessageUpsert{
		Platform:        platform.TypeTelegram,
		NativeMessageID: receipt.NativeMessageID,
		CustomerID:      customerID,
		Direction:       platform.DirectionOutbound,
		Content:         content,
		Timestamp:       receipt.DeliveredAt,
		Metadata:        map[string]any{"receipt": receipt.Raw},
	})
	return err
}

// ResolveProfile fetches chat metadata for the native id.
func (c *Connector) ResolveProfile(ctx context.Context, nativeID string) (platform.ProfileSnapshot, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(nativeID), 10, 64)
	if err != nil {
		return platform.ProfileSnapshot{}, fmt.Errorf("telegram native id must be numeric: %q", nativeID)
	}
	chat, err := c.client.GetChat(ctx, chatID)
	if err != nil {
		return platform.ProfileSnapshot{}, fmt.Errorf("telegram get chat: %w", err)
	}
	displayName := strings.TrimSpace(strings.TrimSpace(chat.FirstName) + " " + strings.TrimSpace(chat.LastName))
	if displayName == "" {
		displayName = strings.TrimSpace(chat.Title)
	}
	snapshot := platform.ProfileSnapshot{DisplayName: displayName}
	if chat.UserName != "" {
		snapshot.Attributes = map[string]string{"username": chat.UserName}
	}
	return snapshot, nil
}

// FetchHistory pages through the bot's pending updates. The cursor is
// the numeric update offset; a short page marks the end.
func (c *Connector) FetchHistory(ctx context.Context, since time.Time, cursor string, limit int) (platform.HistoryBatch, error) {
	offset := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil {
			return platform.HistoryBatch{}, fmt.Errorf("invalid history cursor %q", cursor)
		}
		offset = parsed
	}
	if limit <= 0 {
		limit = 100
	}

	updates, err := c.client.GetUpdates(ctx, offset, limit)
	if err != nil {
		return platform.HistoryBatch{}, fmt.Errorf("telegram get updates: %w", err)
	}

	batch := platform.HistoryBatch{}
	lastUpdateID := 0
	seen := map[string]bool{}
	for _, update := range updates {
		lastUpdateID = update.UpdateID
		msg := update.Message
		if msg == nil || msg.From == nil || msg.From.IsBot {
			continue
		}
		timestamp := time.Unix(int64(msg.Date), 0).UTC()
		if !since.IsZero() && timestamp.Before(since) {
			continue
		}
		senderID := strconv.FormatInt(msg.From.ID, 10)
		if !seen[senderID] {
			seen[senderID] = true
			batch.Customers = append(batch.Customers, platform.RemoteCustomer{
				NativeID: senderID,
				Profile:  senderProfile(msg.From),
			})
		}
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			text = strings.TrimSpace(msg.Caption)
		}
		if text == "" {
			continue
		}
		batch.Messages = append(batch.Messages, platform.RemoteMessage{
			NativeMessageID: strconv.Itoa(msg.MessageID),
			NativeSenderID:  senderID,
			Content:         platform.TextContent(text),
			Timestamp:       timestamp,
		})
	}
	if len(updates) == limit && lastUpdateID > 0 {
		batch.NextCursor = strconv.Itoa(lastUpdateID + 1)
	}
	return batch, nil
}

func senderProfile(user *tgbotapi.User) platform.ProfileSnapshot {
	if user == nil {
		return platform.ProfileSnapshot{}
	}
	displayName := strings.TrimSpace(strings.TrimSpace(user.FirstName) + " " + strings.TrimSpace(user.LastName))
	snapshot := platform.ProfileSnapshot{
		DisplayName: displayName,
		Locale:      strings.TrimSpace(user.LanguageCode),
	}
	if user.UserName != "" {
		snapshot.Attributes = map[string]string{"username": user.UserName}
	}
	return snapshot
}
