package platform

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// AckFunc delivers an immediate acknowledgement to a native recipient.
// Conversational connectors pass their own send path here.
type AckFunc func(ctx context.Context, nativeRecipientID string) error

// EventError records one failed event inside a webhook batch.
type EventError struct {
	NativeSenderID  string
	NativeMessageID string
	Reason          string
}

// Ingest is the shared webhook event pipeline. Connectors normalize
// their payloads to []Event and hand them here; Ingest resolves
// customers, persists inbound messages, and acks, in payload order,
// isolating per-event failures so one bad event never aborts the rest
// of the batch.
type Ingest struct {
	reconciler Reconciler
	logger     *slog.Logger
}

// NewIngest creates an Ingest pipeline over the given reconciler.
func NewIngest(log *slog.Logger, reconciler Reconciler) *Ingest {
	if log == nil {
		log = slog.Default()
	}
	return &Ingest{
		reconciler: reconciler,
		logger:     log.With(slog.String("component", "ingest")),
	}
}

// ProcessEvents runs the pipeline over one payload's events. Events are
// processed strictly in payload order: a follow event for a sender must
// take effect before a message event from the same sender in the same
// payload. The returned slice holds one entry per failed event; an
// empty slice means the whole batch succeeded.
func (i *Ingest) ProcessEvents(ctx context.Context, platformType Type, events []Event, ack AckFunc) []EventError {
	failures := make([]EventError, 0)
	for _, event := range events {
		if err := i.processEvent(ctx, platformType, event, ack); err != nil {
			failure := EventError{
				NativeSenderID:  event.NativeSenderID,
				NativeMessageID: event.NativeMessageID,
				Reason:          err.Error(),
			}
			failures = append(failures, failure)
			i.logger.Error("webhook event failed",
				slog.String("platform", platformType.String()),
				slog.String("kind", string(event.Kind)),
				slog.String("native_sender_id", event.NativeSenderID),
				slog.String("native_message_id", event.NativeMessageID),
				slog.Any("error", err),
			)
		}
	}
	return failures
}

func (i *Ingest) processEvent(ctx context.Context, platformType Type, event Event, ack AckFunc) error {
	if i.reconciler == nil {
		return fmt.Errorf("ingest reconciler not configured")
	}
	senderID := strings.TrimSpace(event.NativeSenderID)
	if senderID == "" {
		return fmt.Errorf("event has no native sender id")
	}

	customerID, created, err := i.reconciler.UpsertCustomer(ctx, platformType, senderID, event.Profile)
	if err != nil {
		return fmt.Errorf("resolve customer: %w", err)
	}
	if created {
		i.logger.Info("customer created from webhook",
			slog.String("platform", platformType.String()),
			slog.String("customer_id", customerID),
			slog.String("native_sender_id", senderID),
		)
	}

	switch event.Kind {
	case EventFollow, EventUnfollow, EventMembership, EventOther:
		// Identity-only events: the upsert above is the whole effect.
		return nil
	}

	if event.Content == nil || event.Content.IsEmpty() {
		return nil
	}

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	if _, _, err := i.reconciler.UpsertMessage(ctx, MessageUpsert{
		Platform:        platformType,
		NativeMessageID: strings.TrimSpace(event.NativeMessageID),
		CustomerID:      customerID,
		Direction:       DirectionInbound,
		Content:         *event.Content,
		Timestamp:       timestamp,
		Metadata:        event.Metadata,
	}); err != nil {
		return fmt.Errorf("persist inbound message: %w", err)
	}

	if ack != nil && event.Kind.HasContent() {
		if err := ack(ctx, senderID); err != nil {
			// The inbound message is already persisted; a failed ack is
			// recorded but does not undo the event.
			return fmt.Errorf("acknowledge sender: %w", err)
		}
	}
	return nil
}
