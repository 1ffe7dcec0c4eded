// Package webchat adapts the in-house website chat widget to the
// platform connector interfaces. The widget is an owned surface: the
// webhook is authenticated with a shared token, visitors have no
// platform profile beyond a placeholder, and outbound delivery is a
// local persist that the widget picks up on its next poll.
package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deskhubhq/deskhub/internal/platform"
)

const tokenHeader = "X-Webchat-Token"

// placeholderName labels visitors until an agent learns who they are.
const placeholderName = "Website visitor"

// Config holds the widget's shared webhook token.
type Config struct {
	Token string `toml:"token" validate:"required"`
}

// Validate checks the credential set before a connector is built.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("webchat token is required")
	}
	return nil
}

// payload is the widget's webhook body. The widget batches messages
// when the visitor types faster than it flushes.
type payload struct {
	Messages []inboundMessage `json:"messages"`
}

type inboundMessage struct {
	VisitorID string `json:"visitor_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	SentAt    int64  `json:"sent_at"`
	PageURL   string `json:"page_url,omitempty"`
}

// Connector implements platform.Connector for the website widget. It
// deliberately implements neither HistorySource (the widget has no
// remote history, the inbox is its history) nor Challenger.
type Connector struct {
	cfg    Config
	ingest *platform.Ingest
	recon  platform.Reconciler
	logger *slog.Logger
}

var _ platform.Connector = (*Connector)(nil)

// New creates a webchat connector from validated credentials.
func New(log *slog.Logger, cfg Config, reconciler platform.Reconciler) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("adapter", "webchat"))
	return &Connector{
		cfg:    cfg,
		ingest: platform.NewIngest(logger, reconciler),
		recon:  reconciler,
		logger: logger,
	}, nil
}

// Type returns the webchat platform type.
func (c *Connector) Type() platform.Type {
	return platform.TypeWebchat
}

// Descriptor returns the webchat platform metadata.
func (c *Connector) Descriptor() platform.Descriptor {
	return platform.Descriptor{
		Type:        platform.TypeWebchat,
		DisplayName: "Website Chat",
		Capabilities: platform.Capabilities{
			Text: true,
		},
		Conversational: false,
	}
}

// HandleWebhook checks the shared token and ingests the batch. The
// widget gets no automatic acknowledgement; the visitor already sees
// their own message in the widget.
func (c *Connector) HandleWebhook(ctx context.Context, req platform.WebhookRequest) error {
	if req.HeaderValue(tokenHeader) != c.cfg.Token {
		return fmt.Errorf("%w: token mismatch", platform.ErrInvalidWebhook)
	}
	var body payload
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return fmt.Errorf("%w: %v", platform.ErrInvalidWebhook, err)
	}

	events := make([]platform.Event, 0, len(body.Messages))
	for _, msg := range body.Messages {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		content := platform.TextContent(text)
		event := platform.Event{
			NativeSenderID:  strings.TrimSpace(msg.VisitorID),
			Kind:            platform.EventMessage,
			Content:         &content,
			NativeMessageID: strings.TrimSpace(msg.MessageID),
			Profile:         platform.ProfileSnapshot{DisplayName: placeholderName},
		}
		if msg.SentAt > 0 {
			event.Timestamp = time.Unix(msg.SentAt, 0).UTC()
		}
		if msg.PageURL != "" {
			event.Metadata = map[string]any{"page_url": msg.PageURL}
		}
		events = append(events, event)
	}
	if len(events) == 0 {
		return nil
	}
	c.ingest.ProcessEvents(ctx, platform.TypeWebchat, events, nil)
	return nil
}

// SendMessage persists an outbound text message for the widget to pick
// up. Anything other than plain text cannot be rendered by the widget.
func (c *Connector) SendMessage(ctx context.Context, nativeRecipientID string, content platform.Content) (platform.DeliveryReceipt, error) {
	visitorID := strings.TrimSpace(nativeRecipientID)
	if visitorID == "" {
		return platform.DeliveryReceipt{}, fmt.Errorf("webchat visitor id is required")
	}
	if content.Kind != platform.ContentText {
		return platform.DeliveryReceipt{}, fmt.Errorf("%w: webchat cannot deliver %s", platform.ErrUnsupportedContent, content.Kind)
	}
	if content.IsEmpty() {
		return platform.DeliveryReceipt{}, fmt.Errorf("content is required")
	}

	customerID, _, err := c.recon.UpsertCustomer(ctx, platform.TypeWebchat, visitorID, platform.ProfileSnapshot{DisplayName: placeholderName})
	if err != nil {
		return platform.DeliveryReceipt{}, fmt.Errorf("resolve visitor: %w", err)
	}
	receipt := platform.DeliveryReceipt{
		NativeMessageID: uuid.NewString(),
		DeliveredAt:     time.Now().UTC(),
	}
	_, _, err = c.recon.UpsertMessage(ctx, platform.MessageUpsert{
		Platform:        platform.TypeWebchat,
		NativeMessageID: receipt.NativeMessageID,
		CustomerID:      customerID,
		Direction:       platform.DirectionOutbound,
		Content:         content,
		Timestamp:       receipt.DeliveredAt,
	})
	if err != nil {
		return platform.DeliveryReceipt{}, fmt.Errorf("persist outbound: %w", err)
	}
	return receipt, nil
}

// ResolveProfile returns the placeholder profile; the widget exposes
// no visitor identity API.
func (c *Connector) ResolveProfile(_ context.Context, nativeID string) (platform.ProfileSnapshot, error) {
	if strings.TrimSpace(nativeID) == "" {
		return platform.ProfileSnapshot{}, fmt.Errorf("webchat visitor id is required")
	}
	return platform.ProfileSnapshot{DisplayName: placeholderName}, nil
}
