package reconcile

import (
	"context"
	"errors"

	"github.com/deskhubhq/deskhub/internal/platform"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateLink indicates a (platform, native id) link already
// exists. Stores must raise it from the uniqueness guard so the
// service can re-resolve instead of creating a second customer.
var ErrDuplicateLink = errors.New("platform link already exists")

// ErrDuplicateMessage indicates a (platform, native message id) row
// already exists.
var ErrDuplicateMessage = errors.New("message already exists")

// CustomerStore persists customers.
type CustomerStore interface {
	CreateCustomer(ctx context.Context, customer Customer) (Customer, error)
	GetCustomer(ctx context.Context, id string) (Customer, error)
	UpdateCustomer(ctx context.Context, customer Customer) (Customer, error)
}

// LinkStore persists customer-platform links. CreateLink must enforce
// the (platform, native id) uniqueness invariant and return
// ErrDuplicateLink on conflict.
type LinkStore interface {
	CreateLink(ctx context.Context, link PlatformLink) (PlatformLink, error)
	GetLink(ctx context.Context, id string) (PlatformLink, error)
	FindLinkByNativeID(ctx context.Context, platformType platform.Type, nativeID string) (PlatformLink, error)
	FindLinkByCustomer(ctx context.Context, customerID string, platformType platform.Type) (PlatformLink, error)
	ListLinks(ctx context.Context) ([]PlatformLink, error)
	UpdateLink(ctx context.Context, link PlatformLink) (PlatformLink, error)
}

// MessageStore persists messages. CreateMessage must enforce the
// (platform, native message id) uniqueness invariant for non-empty
// native ids and return ErrDuplicateMessage on conflict.
type MessageStore interface {
	CreateMessage(ctx context.Context, message Message) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	FindMessageByNativeID(ctx context.Context, platformType platform.Type, nativeMessageID string) (Message, error)
	UpdateMessage(ctx context.Context, message Message) (Message, error)
}

// Store is the full persistence surface the reconciler needs.
// Components should depend on the smaller interfaces above; Store
// exists as a convenience for wiring.
type Store interface {
	CustomerStore
	LinkStore
	MessageStore
}
