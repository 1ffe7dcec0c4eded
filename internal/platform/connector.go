package platform

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidWebhook is returned when a webhook payload fails the
// platform's signature or token validation. The payload must be
// rejected as a whole with no local side effects.
var ErrInvalidWebhook = errors.New("invalid webhook payload")

// ErrUnsupportedContent is returned when a content descriptor cannot be
// represented on the target platform. This is a caller error and is
// never retried.
var ErrUnsupportedContent = errors.New("unsupported content type")

// ErrUnregisteredPlatform is returned when no connector is registered
// for the requested platform type.
var ErrUnregisteredPlatform = errors.New("platform not registered")

// Connector is the capability set every platform adapter implements.
// It normalizes inbound webhook payloads and outbound send requests
// into the canonical Customer/Message operations.
type Connector interface {
	Type() Type
	Descriptor() Descriptor

	// HandleWebhook validates the raw payload and processes its
	// embedded events in order. A failure on one event must not abort
	// the remaining events; only a payload-level validation or parse
	// failure propagates to the caller.
	HandleWebhook(ctx context.Context, req WebhookRequest) error

	// SendMessage translates the canonical content into the platform
	// wire format, delivers it, and persists an outbound Message with
	// the receipt embedded in metadata.
	SendMessage(ctx context.Context, nativeRecipientID string, content Content) (DeliveryReceipt, error)

	// ResolveProfile fetches platform profile data for the native id.
	// Platforms without a profile API return a best-effort placeholder.
	ResolveProfile(ctx context.Context, nativeID string) (ProfileSnapshot, error)
}

// RemoteCustomer is one customer row in a remote history batch.
type RemoteCustomer struct {
	NativeID string
	Profile  ProfileSnapshot
}

// RemoteMessage is one message row in a remote history batch.
type RemoteMessage struct {
	NativeMessageID string
	NativeSenderID  string
	Outbound        bool
	Content         Content
	Timestamp       time.Time
}

// HistoryBatch is one page of remote history. An empty NextCursor
// marks the final page.
type HistoryBatch struct {
	Customers  []RemoteCustomer
	Messages   []RemoteMessage
	NextCursor string
}

// HistorySource is implemented by connectors whose platform exposes a
// bulk history API, listing customers and messages changed since a
// given point (or a full dump when the platform has no incremental
// API). The sync orchestrator drives it batch by batch.
type HistorySource interface {
	FetchHistory(ctx context.Context, since time.Time, cursor string, limit int) (HistoryBatch, error)
}

// Challenger is implemented by connectors whose platform performs an
// echo-challenge verification handshake on the webhook URL, separate
// from event delivery. When ok is true the response body must be
// returned verbatim to the platform and the payload carries no events.
type Challenger interface {
	Challenge(req WebhookRequest) (response []byte, ok bool)
}

// Reconciler is the entity-reconciliation surface connectors depend
// on. Implemented by the reconcile service; kept minimal so adapters
// can be tested against a fake.
type Reconciler interface {
	// UpsertCustomer resolves or creates the local customer for a
	// platform-native identity, merging non-empty profile fields.
	UpsertCustomer(ctx context.Context, platform Type, nativeID string, profile ProfileSnapshot) (customerID string, created bool, err error)

	// UpsertMessage persists a message idempotently keyed by
	// (platform, native message id) when a native id is present.
	UpsertMessage(ctx context.Context, upsert MessageUpsert) (messageID string, created bool, err error)
}

// Direction marks a message as inbound (from the customer) or
// outbound (from an agent or the system).
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageUpsert is the canonical input for persisting one message.
type MessageUpsert struct {
	Platform        Type
	NativeMessageID string
	CustomerID      string
	Direction       Direction
	Content         Content
	Timestamp       time.Time
	Metadata        map[string]any
}
