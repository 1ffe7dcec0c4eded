package reconcile_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/deskhubhq/deskhub/internal/platform"
	"github.com/deskhubhq/deskhub/internal/reconcile"
	"github.com/deskhubhq/deskhub/internal/store"
)

func newTestService(t *testing.T) (*reconcile.Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return reconcile.NewService(slog.Default(), mem), mem
}

func TestUpsertCustomerIdempotent(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	profile := platform.ProfileSnapshot{DisplayName: "Ada"}
	firstID, created, err := svc.UpsertCustomer(ctx, platform.TypeTelegram, "42", profile)
	if err != nil {
		t.Fatalf("UpsertCustomer() error = %v", err)
	}
	if !created {
		t.Fatal("first upsert should create")
	}

	secondID, created, err := svc.UpsertCustomer(ctx, platform.TypeTelegram, "42", profile)
	if err != nil {
		t.Fatalf("UpsertCustomer() second error = %v", err)
	}
	if created {
		t.Fatal("second upsert should not create")
	}
	if firstID != secondID {
		t.Fatalf("ids differ: %s vs %s", firstID, secondID)
	}
}

func TestUpsertCustomerSameNativeIDDifferentPlatforms(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	tgID, _, err := svc.UpsertCustomer(ctx, platform.TypeTelegram, "42", platform.ProfileSnapshot{})
	if err != nil {
		t.Fatalf("telegram upsert error = %v", err)
	}
	larkID, _, err := svc.UpsertCustomer(ctx, platform.TypeLark, "42", platform.ProfileSnapshot{})
	if err != nil {
		t.Fatalf("lark upsert error = %v", err)
	}
	if tgID == larkID {
		t.Fatal("same native id on different platforms must be different customers")
	}
}

func TestUpsertCustomerMergeKeepsPopulatedFields(t *testing.T) {
	t.Parallel()
	svc, mem := newTestService(t)
	ctx := context.Background()

	id, _, err := svc.UpsertCustomer(ctx, platform.TypeLark, "ou-1", platform.ProfileSnapshot{
		DisplayName: "Grace",
		Email:       "grace@example.com",
	})
	if err != nil {
		t.Fatalf("UpsertCustomer() error = %v", err)
	}

	// An empty incoming field must not wipe the stored value.
	if _, _, err := svc.UpsertCustomer(ctx, platform.TypeLark, "ou-1", platform.ProfileSnapshot{
		DisplayName: "Grace H.",
	}); err != nil {
		t.Fatalf("UpsertCustomer() merge error = %v", err)
	}

	customer, err := mem.GetCustomer(ctx, id)
	if err != nil {
		t.Fatalf("GetCustomer() error = %v", err)
	}
	if customer.DisplayName != "Grace H." {
		t.Fatalf("DisplayName = %q, want updated value", customer.DisplayName)
	}
	if customer.Email != "grace@example.com" {
		t.Fatalf("Email = %q, want preserved value", customer.Email)
	}
}

func TestUpsertCustomerPlaceholderName(t *testing.T) {
	t.Parallel()
	svc, mem := newTestService(t)
	ctx := context.Background()

	id, _, err := svc.UpsertCustomer(ctx, platform.TypeWebchat, "visitor-9", platform.ProfileSnapshot{})
	if err != nil {
		t.Fatalf("UpsertCustomer() error = %v", err)
	}
	customer, err := mem.GetCustomer(ctx, id)
	if err != nil {
		t.Fatalf("GetCustomer() error = %v", err)
	}
	if customer.DisplayName == "" {
		t.Fatal("created customer must get a fallback display name")
	}
}

func TestUpsertCustomerDuplicateLinkRace(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	svc := reconcile.NewService(slog.Default(), &racingStore{Memory: mem})

	// Pre-create the winner through a second service, simulating a
	// concurrent upsert landing between lookup and insert.
	winner := reconcile.NewService(slog.Default(), mem)
	winnerID, _, err := winner.UpsertCustomer(context.Background(), platform.TypeTelegram, "77", platform.ProfileSnapshot{})
	if err != nil {
		t.Fatalf("winner upsert error = %v", err)
	}

	loserID, created, err := svc.UpsertCustomer(context.Background(), platform.TypeTelegram, "77", platform.ProfileSnapshot{})
	if err != nil {
		t.Fatalf("loser upsert error = %v", err)
	}
	if created {
		t.Fatal("loser must not report created")
	}
	if loserID != winnerID {
		t.Fatalf("loser resolved %s, want winner %s", loserID, winnerID)
	}
}

// racingStore makes the first FindLinkByNativeID miss, forcing the
// service down the create path into the duplicate-link error.
type racingStore struct {
	*store.Memory
	misses int
}

func (r *racingStore) FindLinkByNativeID(ctx context.Context, platformType platform.Type, nativeID string) (reconcile.PlatformLink, error) {
	if r.misses == 0 {
		r.misses++
		return reconcile.PlatformLink{}, reconcile.ErrNotFound
	}
	return r.Memory.FindLinkByNativeID(ctx, platformType, nativeID)
}

func TestUpsertMessageDeduplicatesByNativeID(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	customerID, _, err := svc.UpsertCustomer(ctx, platform.TypeTelegram, "42", platform.ProfileSnapshot{})
	if err != nil {
		t.Fatalf("UpsertCustomer() error = %v", err)
	}
	upsert := platform.MessageUpsert{
		Platform:        platform.TypeTelegram,
		NativeMessageID: "m-1",
		CustomerID:      customerID,
		Direction:       platform.DirectionInbound,
		Content:         platform.TextContent("hello"),
	}
	firstID, created, err := svc.UpsertMessage(ctx, upsert)
	if err != nil || !created {
		t.Fatalf("first UpsertMessage() = (%v, %v)", created, err)
	}

	upsert.Content = platform.TextContent("hello, edited")
	secondID, created, err := svc.UpsertMessage(ctx, upsert)
	if err != nil {
		t.Fatalf("second UpsertMessage() error = %v", err)
	}
	if created {
		t.Fatal("redelivery must update, not create")
	}
	if firstID != secondID {
		t.Fatalf("ids differ: %s vs %s", firstID, secondID)
	}
}

func TestUpsertMessageWithoutNativeIDAlwaysCreates(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	customerID, _, err := svc.UpsertCustomer(ctx, platform.TypeWebchat, "v-1", platform.ProfileSnapshot{})
	if err != nil {
		t.Fatalf("UpsertCustomer() error = %v", err)
	}
	upsert := platform.MessageUpsert{
		Platform:   platform.TypeWebchat,
		CustomerID: customerID,
		Direction:  platform.DirectionOutbound,
		Content:    platform.TextContent("thanks for reaching out"),
	}
	firstID, created, err := svc.UpsertMessage(ctx, upsert)
	if err != nil || !created {
		t.Fatalf("first UpsertMessage() = (%v, %v)", created, err)
	}
	secondID, created, err := svc.UpsertMessage(ctx, upsert)
	if err != nil || !created {
		t.Fatalf("second UpsertMessage() = (%v, %v)", created, err)
	}
	if firstID == secondID {
		t.Fatal("messages without native ids must never deduplicate")
	}
}
