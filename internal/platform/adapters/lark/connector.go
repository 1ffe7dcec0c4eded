package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/deskhubhq/deskhub/internal/platform"
)

const (
	eventTypeMessageReceive = "im.message.receive_v1"
	eventTypeBotAdded       = "im.chat.member.bot.added_v1"
	eventTypeBotDeleted     = "im.chat.member.bot.deleted_v1"
	eventTypeUserAdded      = "im.chat.member.user.added_v1"
	eventTypeUserDeleted    = "im.chat.member.user.deleted_v1"

	reqTypeChallenge = "url_verification"
)

// eventEnvelope is the common wrapper of v2 event-subscription
// payloads and the v1-style url_verification handshake.
type eventEnvelope struct {
	Schema    string          `json:"schema"`
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	Token     string          `json:"token"`
	Header    *eventHeader    `json:"header"`
	Event     json.RawMessage `json:"event"`
}

type eventHeader struct {
	EventType  string `json:"event_type"`
	Token      string `json:"token"`
	CreateTime string `json:"create_time"`
}

// Connector implements platform.Connector, platform.HistorySource, and
// platform.Challenger for Lark.
type Connector struct {
	cfg    Config
	client Client
	ingest *platform.Ingest
	recon  platform.Reconciler
	logger *slog.Logger

	httpClient *http.Client
}

var _ platform.Connector = (*Connector)(nil)
var _ platform.HistorySource = (*Connector)(nil)
var _ platform.Challenger = (*Connector)(nil)

// New creates a Lark connector from validated credentials.
func New(log *slog.Logger, cfg Config, client Client, reconciler platform.Reconciler) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("adapter", "lark"))
	return &Connector{
		cfg:        cfg,
		client:     client,
		ingest:     platform.NewIngest(logger, reconciler),
		recon:      reconciler,
		logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Type returns the Lark platform type.
func (c *Connector) Type() platform.Type {
	return platform.TypeLark
}

// Descriptor returns the Lark platform metadata.
func (c *Connector) Descriptor() platform.Descriptor {
	return platform.Descriptor{
		Type:        platform.TypeLark,
		DisplayName: "Lark",
		Capabilities: platform.Capabilities{
			Text:         true,
			Image:        true,
			Template:     true,
			ProfileFetch: true,
			History:      true,
		},
		Conversational: true,
	}
}

// Challenge answers the url_verification handshake. A handshake with a
// wrong verification token is not answered; the payload then falls
// through to HandleWebhook, which rejects it.
func (c *Connector) Challenge(req platform.WebhookRequest) ([]byte, bool) {
	var envelope eventEnvelope
	if err := json.Unmarshal(req.Body, &envelope); err != nil {
		return nil, false
	}
	if envelope.Type != reqTypeChallenge {
		return nil, false
	}
	if strings.TrimSpace(envelope.Token) != c.cfg.VerificationToken {
		return nil, false
	}
	response, err := json.Marshal(map[string]string{"challenge": envelope.Challenge})
	if err != nil {
		return nil, false
	}
	return response, true
}

// HandleWebhook verifies the event token and processes the payload's
// events in order.
func (c *Connector) HandleWebhook(ctx context.Context, req platform.WebhookRequest) error {
	var envelope eventEnvelope
	if err := json.Unmarshal(req.Body, &envelope); err != nil {
		return fmt.Errorf("%w: %v", platform.ErrInvalidWebhook, err)
	}
	token := strings.TrimSpace(envelope.Token)
	if envelope.Header != nil && strings.TrimSpace(envelope.Header.Token) != "" {
		token = strings.TrimSpace(envelope.Header.Token)
	}
	if token != c.cfg.VerificationToken {
		return fmt.Errorf("%w: verification token mismatch", platform.ErrInvalidWebhook)
	}
	if envelope.Header == nil {
		return nil
	}

	events, err := c.normalizeEvent(envelope.Header, envelope.Event)
	if err != nil {
		return fmt.Errorf("%w: %v", platform.ErrInvalidWebhook, err)
	}
	if len(events) == 0 {
		return nil
	}
	c.ingest.ProcessEvents(ctx, platform.TypeLark, events, c.ack())
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

type messageEvent struct {
	Sender struct {
		SenderID struct {
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
		CreateTime  string `json:"create_time"`
		ChatID      string `json:"chat_id"`
	} `json:"message"`
}

type botMemberEvent struct {
	OperatorID struct {
		OpenID string `json:"open_id"`
	} `json:"operator_id"`
	ChatID string `json:"chat_id"`
}

type userMemberEvent struct {
	ChatID string `json:"chat_id"`
	Users  []struct {
		Name   string `json:"name"`
		UserID struct {
			OpenID string `json:"open_id"`
		} `json:"user_id"`
	} `json:"users"`
}

func (c *Connector) normalizeEvent(header *eventHeader, raw json.RawMessage) ([]platform.Event, error) {
	timestamp := parseMillis(header.CreateTime)

	switch header.EventType {
	case eventTypeMessageReceive:
		var event messageEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("decode message event: %v", err)
		}
		if event.Sender.SenderType != "" && event.Sender.SenderType != "user" {
			return nil, nil
		}
		content, kind := normalizeContent(event.Message.MessageType, event.Message.Content)
		if content == nil {
			return nil, nil
		}
		if ts := parseMillis(event.Message.CreateTime); !ts.IsZero() {
			timestamp = ts
		}
		return []platform.Event{{
			NativeSenderID:  event.Sender.SenderID.OpenID,
			Kind:            kind,
			Content:         content,
			NativeMessageID: event.Message.MessageID,
			Timestamp:       timestamp,
			Metadata:        map[string]any{"chat_id": event.Message.ChatID},
		}}, nil

	case eventTypeBotAdded, eventTypeBotDeleted:
		var event botMemberEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("decode bot member event: %v", err)
		}
		kind := platform.EventFollow
		if header.EventType == eventTypeBotDeleted {
			kind = platform.EventUnfollow
		}
		return []platform.Event{{
			NativeSenderID: event.OperatorID.OpenID,
			Kind:           kind,
			Timestamp:      timestamp,
			Metadata:       map[string]any{"chat_id": event.ChatID},
		}}, nil

	case eventTypeUserAdded, eventTypeUserDeleted:
		var event userMemberEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("decode user member event: %v", err)
		}
		action := "joined"
		if header.EventType == eventTypeUserDeleted {
			action = "left"
		}
		events := make([]platform.Event, 0, len(event.Users))
		for _, user := range event.Users {
			events = append(events, platform.Event{
				NativeSenderID: user.UserID.OpenID,
				Kind:           platform.EventMembership,
				Timestamp:      timestamp,
				Profile:        platform.ProfileSnapshot{DisplayName: user.Name},
				Metadata:       map[string]any{"chat_id": event.ChatID, "membership": action},
			})
		}
		return events, nil
	}
	return nil, nil
}

// normalizeContent maps a Lark message body to canonical content. Lark
// images are addressed by key rather than URL; the key is stored as-is
// and resolved on demand when the image is served.
func normalizeContent(msgType, rawContent string) (*platform.Content, platform.EventKind) {
	var body map[string]any
	if err := json.Unmarshal([]byte(rawContent), &body); err != nil {
		return nil, platform.EventOther
	}
	switch msgType {
	case larkim.MsgTypeText:
		text, _ := body["text"].(string)
		if strings.TrimSpace(text) == "" {
			return nil, platform.EventOther
		}
		content := platform.TextContent(text)
		return &content, platform.EventMessage
	case larkim.MsgTypeImage:
		key, _ := body["image_key"].(string)
		if strings.TrimSpace(key) == "" {
			return nil, platform.EventOther
		}
		return &platform.Content{Kind: platform.ContentImage, ImageURL: key}, platform.EventImage
	}
	return nil, platform.EventOther
}

// SendMessage delivers canonical content to an open id and persists
// the outbound message with the delivery receipt in its metadata.
func (c *Connector) SendMessage(ctx context.Context, nativeRecipientID string, content platform.Content) (platform.DeliveryReceipt, error) {
	openID := strings.TrimSpace(nativeRecipientID)
	if openID == "" {
		return platform.DeliveryReceipt{}, fmt.Errorf("lark recipient id is required")
	}
	if content.IsEmpty() {
		return platform.DeliveryReceipt{}, fmt.Errorf("content is required")
	}

	msgType, payload, err := c.buildPayload(ctx, content)
	if err != nil {
		return platform.DeliveryReceipt{}, err
	}
	messageID, err := c.client.CreateMessage(ctx, openID, msgType, payload)
	if err != nil {
		return platform.DeliveryReceipt{}, fmt.Errorf("lark send: %w", err)
	}

	receipt := platform.DeliveryReceipt{
		NativeMessageID: messageID,
		DeliveredAt:     time.Now().UTC(),
		Raw:             map[string]any{"open_id": openID, "msg_type": msgType},
	}
	if err := c.persistOutbound(ctx, openID, content, receipt); err != nil {
		c.logger.Error("persist outbound failed", slog.String("open_id", openID), slog.Any("error", err))
	}
	return receipt, nil
}

func (c *Connector) buildPayload(ctx context.Context, content platform.Content) (string, string, error) {
	switch content.Kind {
	case platform.ContentText:
		payload, err := json.Marshal(map[string]string{"text": content.Text})
		if err != nil {
			return "", "", fmt.Errorf("encode text content: %w", err)
		}
		return larkim.MsgTypeText, string(payload), nil

	case platform.ContentImage:
		imageKey, err := c.resolveImageKey(ctx, content.ImageURL)
		if err != nil {
			return "", "", err
		}
		payload, err := json.Marshal(map[string]string{"image_key": imageKey})
		if err != nil {
			return "", "", fmt.Errorf("encode image content: %w", err)
		}
		return larkim.MsgTypeImage, string(payload), nil

	case platform.ContentTemplate:
		payload, err := buildCardContent(content.Template)
		if err != nil {
			return "", "", err
		}
		return larkim.MsgTypeInteractive, payload, nil
	}
	return "", "", fmt.Errorf("%w: lark cannot deliver %s", platform.ErrUnsupportedContent, content.Kind)
}

// resolveImageKey accepts either an already-uploaded image key or an
// http(s) URL, which is fetched and uploaded.
func (c *Connector) resolveImageKey(ctx context.Context, imageURL string) (string, error) {
	if !strings.HasPrefix(imageURL, "http://") && !strings.HasPrefix(imageURL, "https://") {
		return imageURL, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("build image request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}
	key, err := c.client.UploadImage(ctx, resp.Body)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	return key, nil
}

// buildCardContent renders a canonical template as an interactive card.
func buildCardContent(template *platform.Template) (string, error) {
	if template == nil {
		return "", fmt.Errorf("template content is empty")
	}
	elements := make([]map[string]any, 0, 2)
	if strings.TrimSpace(template.Body) != "" {
		elements = append(elements, map[string]any{
			"tag":  "div",
			"text": map[string]any{"tag": "lark_md", "content": template.Body},
		})
	}
	if len(template.Buttons) > 0 {
		actions := make([]map[string]any, 0, len(template.Buttons))
		for _, button := range template.Buttons {
			action := map[string]any{
				"tag":  "button",
				"text": map[string]any{"tag": "plain_text", "content": button.Label},
				"type": "default",
			}
			if button.URL != "" {
				action["url"] = button.URL
			}
			if button.Value != "" {
				action["value"] = map[string]any{"action": button.Value}
			}
			actions = append(actions, action)
		}
		elements = append(elements, map[string]any{"tag": "action", "actions": actions})
	}
	card := map[string]any{
		"config":   map[string]any{"wide_screen_mode": true},
		"elements": elements,
	}
	if strings.TrimSpace(template.Title) != "" {
		card["header"] = map[string]any{
			"title": map[string]any{"tag": "plain_text", "content": template.Title},
		}
	}
	payload, err := json.Marshal(card)
	if err != nil {
		return "", fmt.Errorf("encode card content: %w", err)
	}
	return string(payload), nil
}

func (c *Connector) persistOutbound(ctx context.Context, openID string, content platform.Content, receipt platform.DeliveryReceipt) error {
	customerID, _, err := c.recon.UpsertCustomer(ctx, platform.TypeLark, openID, platform.ProfileSnapshot{})
	if err != nil {
		return err
	}
	_, _, err = c.recon.UpsertMessage(ctx, platform.MessageUpsert{
		Platform:        platform.TypeLark,
		NativeMessageID: receipt.NativeMessageID,
		CustomerID:      customerID,
		Direction:       platform.DirectionOutbound,
		Content:         content,
		Timestamp:       receipt.DeliveredAt,
		Metadata:        map[string]any{"receipt": receipt.Raw},
	})
	return err
}

// ResolveProfile fetches contact data for the open id.
func (c *Connector) ResolveProfile(ctx context.Context, nativeID string) (platform.ProfileSnapshot, error) {
	user, err := c.client.GetUser(ctx, strings.TrimSpace(nativeID))
	if err != nil {
		return platform.ProfileSnapshot{}, fmt.Errorf("lark get user: %w", err)
	}
	snapshot := platform.ProfileSnapshot{}
	if user.Name != nil {
		snapshot.DisplayName = strings.TrimSpace(*user.Name)
	}
	if user.Avatar != nil && user.Avatar.AvatarOrigin != nil {
		snapshot.AvatarURL = *user.Avatar.AvatarOrigin
	}
	if user.Email != nil {
		snapshot.Email = strings.TrimSpace(*user.Email)
	}
	if user.Mobile != nil {
		snapshot.Phone = strings.TrimSpace(*user.Mobile)
	}
	return snapshot, nil
}

// FetchHistory pages over the app's chats, pulling each chat's
// messages since the given time. The cursor is the chat page token.
// Only user-sent messages are imported; the app's own sends are
// already recorded on the outbound path.
func (c *Connector) FetchHistory(ctx context.Context, since time.Time, cursor string, limit int) (platform.HistoryBatch, error) {
	if limit <= 0 {
		limit = 20
	}
	chatIDs, nextToken, err := c.client.ListChats(ctx, cursor, limit)
	if err != nil {
		return platform.HistoryBatch{}, fmt.Errorf("lark list chats: %w", err)
	}

	batch := platform.HistoryBatch{NextCursor: nextToken}
	seen := map[string]bool{}
	for _, chatID := range chatIDs {
		messages, err := c.client.ListChatMessages(ctx, chatID, since)
		if err != nil {
			return platform.HistoryBatch{}, fmt.Errorf("lark list messages for chat %s: %w", chatID, err)
		}
		for _, message := range messages {
			remote, ok := normalizeHistoryMessage(message)
			if !ok {
				continue
			}
			if !seen[remote.NativeSenderID] {
				seen[remote.NativeSenderID] = true
				batch.Customers = append(batch.Customers, platform.RemoteCustomer{NativeID: remote.NativeSenderID})
			}
			batch.Messages = append(batch.Messages, remote)
		}
	}
	return batch, nil
}

func normalizeHistoryMessage(message *larkim.Message) (platform.RemoteMessage, bool) {
	if message == nil || message.Sender == nil || message.Body == nil {
		return platform.RemoteMessage{}, false
	}
	if message.Sender.SenderType == nil || *message.Sender.SenderType != "user" {
		return platform.RemoteMessage{}, false
	}
	if message.Sender.Id == nil || message.MsgType == nil || message.Body.Content == nil {
		return platform.RemoteMessage{}, false
	}
	if message.Deleted != nil && *message.Deleted {
		return platform.RemoteMessage{}, false
	}
	content, kind := normalizeContent(*message.MsgType, *message.Body.Content)
	if content == nil || !kind.HasContent() {
		return platform.RemoteMessage{}, false
	}
	remote := platform.RemoteMessage{
		NativeSenderID: *message.Sender.Id,
		Content:        *content,
	}
	if message.MessageId != nil {
		remote.NativeMessageID = *message.MessageId
	}
	if message.CreateTime != nil {
		remote.Timestamp = parseMillis(*message.CreateTime)
	}
	return remote, true
}

func parseMillis(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	// Some payloads carry seconds, some milliseconds.
	if millis < 1e12 {
		return time.Unix(millis, 0).UTC()
	}
	return time.UnixMilli(millis).UTC()
}
