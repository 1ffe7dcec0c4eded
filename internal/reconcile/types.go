// Package reconcile owns the canonical Customer, PlatformLink, and
// Message records and the idempotent upsert logic that keeps them
// consistent across platforms. All persisted mutation of these
// entities flows through the Service here.
package reconcile

import (
	"time"

	"github.com/deskhubhq/deskhub/internal/platform"
)

// CustomerStatus is the lifecycle state of a customer profile.
type CustomerStatus string

const (
	CustomerActive   CustomerStatus = "active"
	CustomerInactive CustomerStatus = "inactive"
	CustomerBlocked  CustomerStatus = "blocked"
)

// Customer is the identity-independent profile a person accumulates
// across platforms.
type Customer struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	Email       string         `json:"email,omitempty"`
	Phone       string         `json:"phone,omitempty"`
	Locale      string         `json:"locale,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      CustomerStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// PlatformLink maps one platform-native identity to a local customer.
// The pair (Platform, NativeID) is unique: it is the idempotency key
// answering "does this remote identity already map to a local
// customer".
type PlatformLink struct {
	ID         string                   `json:"id"`
	CustomerID string                   `json:"customer_id"`
	Platform   platform.Type            `json:"platform"`
	NativeID   string                   `json:"native_id"`
	Profile    platform.ProfileSnapshot `json:"profile"`
	LastSyncAt time.Time                `json:"last_sync_at,omitzero"`
	CreatedAt  time.Time                `json:"created_at"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

// Message is a single inbound or outbound communication. When
// NativeMessageID is present it is unique per platform; re-ingesting
// the same remote message updates the existing row.
type Message struct {
	ID              string             `json:"id"`
	CustomerID      string             `json:"customer_id"`
	Platform        platform.Type      `json:"platform"`
	NativeMessageID string             `json:"native_message_id,omitempty"`
	Direction       platform.Direction `json:"direction"`
	Content         platform.Content   `json:"content"`
	Read            bool               `json:"read"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}
