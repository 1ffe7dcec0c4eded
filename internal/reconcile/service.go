package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deskhubhq/deskhub/internal/platform"
)

// Service implements idempotent create-or-update for customers and
// messages keyed by (platform, platform-native id). It is the single
// writer for Customer, PlatformLink, and Message records.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a reconciler over the given store.
func NewService(log *slog.Logger, store Store) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:  store,
		logger: log.With(slog.String("service", "reconcile")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// UpsertCustomer resolves the customer for a platform-native identity,
// creating customer and link on first contact. Incoming profile fields
// are merged into the existing customer: a populated field is never
// overwritten by an empty incoming one. The link creation is the
// single point of truth for the uniqueness invariant; a concurrent
// duplicate-native-id race surfaces as ErrDuplicateLink and is
// resolved by re-reading the winning link.
func (s *Service) UpsertCustomer(ctx context.Context, platformType platform.Type, nativeID string, profile platform.ProfileSnapshot) (string, bool, error) {
	customer, created, err := s.upsertCustomerRecord(ctx, platformType, nativeID, profile)
	if err != nil {
		return "", false, err
	}
	return customer.ID, created, nil
}

// ResolveCustomer is UpsertCustomer returning the full record, for
// callers that need the merged profile rather than just the id.
func (s *Service) ResolveCustomer(ctx context.Context, platformType platform.Type, nativeID string, profile platform.ProfileSnapshot) (Customer, bool, error) {
	return s.upsertCustomerRecord(ctx, platformType, nativeID, profile)
}

func (s *Service) upsertCustomerRecord(ctx context.Context, platformType platform.Type, nativeID string, profile platform.ProfileSnapshot) (Customer, bool, error) {
	if s.store == nil {
		return Customer{}, false, fmt.Errorf("reconcile store not configured")
	}
	nativeID = strings.TrimSpace(nativeID)
	if nativeID == "" {
		return Customer{}, false, fmt.Errorf("native id is required")
	}

	link, err := s.store.FindLinkByNativeID(ctx, platformType, nativeID)
	if err == nil {
		customer, err := s.mergeExisting(ctx, link, profile)
		return customer, false, err
	}
	if !errors.Is(err, ErrNotFound) {
		return Customer{}, false, err
	}

	customer, err := s.createCustomerWithLink(ctx, platformType, nativeID, profile)
	if err == nil {
		return customer, true, nil
	}
	if !errors.Is(err, ErrDuplicateLink) {
		return Customer{}, false, err
	}

	// Lost the creation race: another upsert inserted the link between
	// our lookup and insert. The winner's link is authoritative.
	link, err = s.store.FindLinkByNativeID(ctx, platformType, nativeID)
	if err != nil {
		return Customer{}, false, fmt.Errorf("re-resolve after duplicate link: %w", err)
	}
	customer, err = s.mergeExisting(ctx, link, profile)
	return customer, false, err
}

func (s *Service) mergeExisting(ctx context.Context, link PlatformLink, profile platform.ProfileSnapshot) (Customer, error) {
	customer, err := s.store.GetCustomer(ctx, link.CustomerID)
	if err != nil {
		return Customer{}, fmt.Errorf("load linked customer %s: %w", link.CustomerID, err)
	}
	merged, changed := mergeProfile(customer, profile)
	if changed {
		merged.UpdatedAt = s.now()
		merged, err = s.store.UpdateCustomer(ctx, merged)
		if err != nil {
			return Customer{}, err
		}
	}
	if !profile.IsZero() {
		link.Profile = mergeSnapshot(link.Profile, profile)
		link.UpdatedAt = s.now()
		if _, err := s.store.UpdateLink(ctx, link); err != nil {
			return Customer{}, err
		}
	}
	return merged, nil
}

func (s *Service) createCustomerWithLink(ctx context.Context, platformType platform.Type, nativeID string, profile platform.ProfileSnapshot) (Customer, error) {
	now := s.now()
	displayName := strings.TrimSpace(profile.DisplayName)
	if displayName == "" {
		displayName = fmt.Sprintf("%s user %s", platformType, nativeID)
	}
	customer := Customer{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		AvatarURL:   strings.TrimSpace(profile.AvatarURL),
		Email:       strings.TrimSpace(profile.Email),
		Phone:       strings.TrimSpace(profile.Phone),
		Locale:      strings.TrimSpace(profile.Locale),
		Metadata:    map[string]any{},
		Status:      CustomerActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	customer, err := s.store.CreateCustomer(ctx, customer)
	if err != nil {
		return Customer{}, err
	}
	link := PlatformLink{
		ID:         uuid.NewString(),
		CustomerID: customer.ID,
		Platform:   platformType,
		NativeID:   nativeID,
		Profile:    profile,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := s.store.CreateLink(ctx, link); err != nil {
		return Customer{}, err
	}
	s.logger.Info("customer linked",
		slog.String("platform", platformType.String()),
		slog.String("native_id", nativeID),
		slog.String("customer_id", customer.ID),
	)
	return customer, nil
}

// UpsertMessage persists one message. With a native message id the
// row is deduplicated per platform: a hit updates content and
// metadata. Without a native id (locally synthesized messages such as
// acknowledgements) a new row is always created.
func (s *Service) UpsertMessage(ctx context.Context, upsert platform.MessageUpsert) (string, bool, error) {
	if s.store == nil {
		return "", false, fmt.Errorf("reconcile store not configured")
	}
	if strings.TrimSpace(upsert.CustomerID) == "" {
		return "", false, fmt.Errorf("customer id is required")
	}

	nativeMessageID := strings.TrimSpace(upsert.NativeMessageID)
	if nativeMessageID != "" {
		existing, err := s.store.FindMessageByNativeID(ctx, upsert.Platform, nativeMessageID)
		if err == nil {
			existing.Content = upsert.Content
			existing.Metadata = mergeMetadata(existing.Metadata, upsert.Metadata)
			existing.UpdatedAt = s.now()
			updated, err := s.store.UpdateMessage(ctx, existing)
			if err != nil {
				return "", false, err
			}
			return updated.ID, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", false, err
		}
	}

	createdAt := upsert.Timestamp
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	message := Message{
		ID:              uuid.NewString(),
		CustomerID:      upsert.CustomerID,
		Platform:        upsert.Platform,
		NativeMessageID: nativeMessageID,
		Direction:       upsert.Direction,
		Content:         upsert.Content,
		Read:            upsert.Direction == platform.DirectionOutbound,
		Metadata:        mergeMetadata(nil, upsert.Metadata),
		CreatedAt:       createdAt,
		UpdatedAt:       s.now(),
	}
	created, err := s.store.CreateMessage(ctx, message)
	if err != nil {
		if nativeMessageID != "" && errors.Is(err, ErrDuplicateMessage) {
			// Creation race on the same remote message: fall back to the
			// winning row and update it.
			existing, findErr := s.store.FindMessageByNativeID(ctx, upsert.Platform, nativeMessageID)
			if findErr != nil {
				return "", false, fmt.Errorf("re-resolve after duplicate message: %w", findErr)
			}
			existing.Content = upsert.Content
			existing.Metadata = mergeMetadata(existing.Metadata, upsert.Metadata)
			existing.UpdatedAt = s.now()
			updated, updateErr := s.store.UpdateMessage(ctx, existing)
			if updateErr != nil {
				return "", false, updateErr
			}
			return updated.ID, false, nil
		}
		return "", false, err
	}
	return created.ID, true, nil
}

// mergeProfile folds non-empty snapshot fields into the customer,
// reporting whether anything actually changed.
func mergeProfile(customer Customer, profile platform.ProfileSnapshot) (Customer, bool) {
	changed := false
	if value := strings.TrimSpace(profile.DisplayName); value != "" && value != customer.DisplayName {
		customer.DisplayName = value
		changed = true
	}
	if value := strings.TrimSpace(profile.AvatarURL); value != "" && value != customer.AvatarURL {
		customer.AvatarURL = value
		changed = true
	}
	if value := strings.TrimSpace(profile.Email); value != "" && value != customer.Email {
		customer.Email = value
		changed = true
	}
	if value := strings.TrimSpace(profile.Phone); value != "" && value != customer.Phone {
		customer.Phone = value
		changed = true
	}
	if value := strings.TrimSpace(profile.Locale); value != "" && value != customer.Locale {
		customer.Locale = value
		changed = true
	}
	return customer, changed
}

// mergeSnapshot overlays non-empty incoming fields on the stored link
// snapshot, keeping attributes from both sides.
func mergeSnapshot(existing, incoming platform.ProfileSnapshot) platform.ProfileSnapshot {
	if value := strings.TrimSpace(incoming.DisplayName); value != "" {
		existing.DisplayName = value
	}
	if value := strings.TrimSpace(incoming.AvatarURL); value != "" {
		existing.AvatarURL = value
	}
	if value := strings.TrimSpace(incoming.Locale); value != "" {
		existing.Locale = value
	}
	if value := strings.TrimSpace(incoming.Email); value != "" {
		existing.Email = value
	}
	if value := strings.TrimSpace(incoming.Phone); value != "" {
		existing.Phone = value
	}
	if len(incoming.Attributes) > 0 {
		if existing.Attributes == nil {
			existing.Attributes = map[string]string{}
		}
		for key, value := range incoming.Attributes {
			if strings.TrimSpace(value) != "" {
				existing.Attributes[key] = value
			}
		}
	}
	return existing
}

func mergeMetadata(existing, incoming map[string]any) map[string]any {
	if existing == nil {
		existing = map[string]any{}
	}
	for key, value := range incoming {
		existing[key] = value
	}
	return existing
}
