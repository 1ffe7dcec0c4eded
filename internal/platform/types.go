// Package platform provides the canonical abstraction for external
// messaging platforms. It defines the normalized event and content
// model, the Connector capability interfaces, and a registry of live
// connectors built from configuration at startup.
package platform

import (
	"net/http"
	"strings"
	"time"
)

// Type identifies a messaging platform (e.g., "telegram", "lark").
type Type string

// String returns the platform type as a plain string.
func (t Type) String() string {
	return string(t)
}

const (
	// TypeTelegram is the conversational chat platform.
	TypeTelegram Type = "telegram"
	// TypeLark is the social platform with follow/membership events.
	TypeLark Type = "lark"
	// TypeWebchat is the owned website chat widget.
	TypeWebchat Type = "webchat"
)

// ParseType validates a raw string against the known platform set.
func ParseType(raw string) (Type, bool) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeTelegram:
		return TypeTelegram, true
	case TypeLark:
		return TypeLark, true
	case TypeWebchat:
		return TypeWebchat, true
	default:
		return "", false
	}
}

// EventKind classifies a normalized webhook event.
type EventKind string

const (
	EventMessage    EventKind = "message"
	EventImage      EventKind = "image"
	EventFollow     EventKind = "follow"
	EventUnfollow   EventKind = "unfollow"
	EventMembership EventKind = "membership"
	EventOther      EventKind = "other"
)

// HasContent reports whether events of this kind carry persistable content.
func (k EventKind) HasContent() bool {
	return k == EventMessage || k == EventImage
}

// Event is a single normalized webhook event. Every connector reduces
// its platform payload to a list of these before any local state is
// touched.
type Event struct {
	NativeSenderID  string
	Kind            EventKind
	Content         *Content
	NativeMessageID string
	Timestamp       time.Time
	Profile         ProfileSnapshot
	Metadata        map[string]any
}

// ContentKind identifies the canonical content descriptor shape.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentImage    ContentKind = "image"
	ContentTemplate ContentKind = "template"
)

// TemplateButton is an interactive action inside a template content block.
type TemplateButton struct {
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
	Value string `json:"value,omitempty"`
}

// Template is a structured rich content block. Only platforms with
// template capability can deliver it.
type Template struct {
	Title   string           `json:"title,omitempty"`
	Body    string           `json:"body"`
	Buttons []TemplateButton `json:"buttons,omitempty"`
}

// Content is the canonical content descriptor shared by inbound events
// and outbound sends.
type Content struct {
	Kind     ContentKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	ImageURL string      `json:"image_url,omitempty"`
	Template *Template   `json:"template,omitempty"`
}

// TextContent builds a plain text content descriptor.
func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

// IsEmpty reports whether the content carries nothing deliverable.
func (c Content) IsEmpty() bool {
	switch c.Kind {
	case ContentText:
		return strings.TrimSpace(c.Text) == ""
	case ContentImage:
		return strings.TrimSpace(c.ImageURL) == ""
	case ContentTemplate:
		return c.Template == nil || (strings.TrimSpace(c.Template.Body) == "" && strings.TrimSpace(c.Template.Title) == "")
	default:
		return true
	}
}

// PlainText extracts a textual representation for logging and dedup.
func (c Content) PlainText() string {
	switch c.Kind {
	case ContentText:
		return strings.TrimSpace(c.Text)
	case ContentImage:
		return strings.TrimSpace(c.Text)
	case ContentTemplate:
		if c.Template == nil {
			return ""
		}
		if body := strings.TrimSpace(c.Template.Body); body != "" {
			return body
		}
		return strings.TrimSpace(c.Template.Title)
	default:
		return ""
	}
}

// ProfileSnapshot is the platform-level view of a sender at one point
// in time. Empty fields mean the platform did not supply the value.
type ProfileSnapshot struct {
	DisplayName string            `json:"display_name,omitempty"`
	AvatarURL   string            `json:"avatar_url,omitempty"`
	Locale      string            `json:"locale,omitempty"`
	Email       string            `json:"email,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Attribute returns the trimmed value for the given key, or empty string if absent.
func (p ProfileSnapshot) Attribute(key string) string {
	if p.Attributes == nil {
		return ""
	}
	return strings.TrimSpace(p.Attributes[key])
}

// IsZero reports whether the snapshot carries no profile data at all.
func (p ProfileSnapshot) IsZero() bool {
	return p.DisplayName == "" && p.AvatarURL == "" && p.Locale == "" &&
		p.Email == "" && p.Phone == "" && len(p.Attributes) == 0
}

// DeliveryReceipt describes a completed outbound send.
type DeliveryReceipt struct {
	NativeMessageID string         `json:"native_message_id,omitempty"`
	DeliveredAt     time.Time      `json:"delivered_at"`
	Raw             map[string]any `json:"raw,omitempty"`
}

// WebhookRequest carries a raw inbound webhook delivery. Header is
// included because some platforms sign or token-stamp the transport
// envelope rather than the payload body.
type WebhookRequest struct {
	Body   []byte
	Header http.Header
}

// HeaderValue returns the trimmed header value, tolerating a nil header map.
func (r WebhookRequest) HeaderValue(key string) string {
	if r.Header == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(key))
}

// Capabilities is the per-platform content capability matrix.
type Capabilities struct {
	Text         bool `json:"text"`
	Image        bool `json:"image"`
	Template     bool `json:"template"`
	ProfileFetch bool `json:"profile_fetch"`
	History      bool `json:"history"`
}

// Supports reports whether the platform can represent the given content kind.
func (c Capabilities) Supports(kind ContentKind) bool {
	switch kind {
	case ContentText:
		return c.Text
	case ContentImage:
		return c.Image
	case ContentTemplate:
		return c.Template
	default:
		return false
	}
}

// Descriptor holds read-only metadata for a registered platform type.
type Descriptor struct {
	Type         Type         `json:"type"`
	DisplayName  string       `json:"display_name"`
	Capabilities Capabilities `json:"capabilities"`
	// Conversational platforms acknowledge inbound messages with an
	// immediate reply through the same connector.
	Conversational bool `json:"conversational"`
}
