package sync_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/deskhubhq/deskhub/internal/platform"
	"github.com/deskhubhq/deskhub/internal/reconcile"
	"github.com/deskhubhq/deskhub/internal/store"
	syncpkg "github.com/deskhubhq/deskhub/internal/sync"
)

// fakeConnector serves canned history pages. When gate is non-nil,
// FetchHistory blocks until the gate closes or the context ends.
type fakeConnector struct {
	platformType platform.Type
	pages        []platform.HistoryBatch
	fetchErr     error
	gate         chan struct{}
	fetches      int
}

func (c *fakeConnector) Type() platform.Type { return c.platformType }

func (c *fakeConnector) Descriptor() platform.Descriptor {
	return platform.Descriptor{
		Type:         c.platformType,
		DisplayName:  string(c.platformType),
		Capabilities: platform.Capabilities{Text: true, History: true},
	}
}

func (c *fakeConnector) HandleWebhook(context.Context, platform.WebhookRequest) error { return nil }

func (c *fakeConnector) SendMessage(context.Context, string, platform.Content) (platform.DeliveryReceipt, error) {
	return platform.DeliveryReceipt{}, nil
}

func (c *fakeConnector) ResolveProfile(context.Context, string) (platform.ProfileSnapshot, error) {
	return platform.ProfileSnapshot{}, nil
}

func (c *fakeConnector) FetchHistory(ctx context.Context, _ time.Time, cursor string, _ int) (platform.HistoryBatch, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return platform.HistoryBatch{}, ctx.Err()
		}
	}
	if c.fetchErr != nil {
		return platform.HistoryBatch{}, c.fetchErr
	}
	c.fetches++
	page := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "page-%d", &page)
	}
	if page >= len(c.pages) {
		return platform.HistoryBatch{}, nil
	}
	batch := c.pages[page]
	if page+1 < len(c.pages) {
		batch.NextCursor = fmt.Sprintf("page-%d", page+1)
	}
	return batch, nil
}

// noHistoryConnector has no FetchHistory method at all, like webchat.
type noHistoryConnector struct {
	platformType platform.Type
}

func (c *noHistoryConnector) Type() platform.Type { return c.platformType }

func (c *noHistoryConnector) Descriptor() platform.Descriptor {
	return platform.Descriptor{
		Type:         c.platformType,
		DisplayName:  string(c.platformType),
		Capabilities: platform.Capabilities{Text: true},
	}
}

func (c *noHistoryConnector) HandleWebhook(context.Context, platform.WebhookRequest) error {
	return nil
}

func (c *noHistoryConnector) SendMessage(context.Context, string, platform.Content) (platform.DeliveryReceipt, error) {
	return platform.DeliveryReceipt{}, nil
}

func (c *noHistoryConnector) ResolveProfile(context.Context, string) (platform.ProfileSnapshot, error) {
	return platform.ProfileSnapshot{}, nil
}

type fixture struct {
	mem          *store.Memory
	orchestrator *syncpkg.Orchestrator
	linkID       string
}

func newFixture(t *testing.T, conn platform.Connector) *fixture {
	t.Helper()
	mem := store.NewMemory()
	registry := platform.NewRegistry()
	registry.MustRegister(conn)
	reconciler := reconcile.NewService(slog.Default(), mem)

	customerID, _, err := reconciler.UpsertCustomer(context.Background(), conn.Type(), "seed-1", platform.ProfileSnapshot{})
	if err != nil {
		t.Fatalf("seed customer error = %v", err)
	}
	link, err := mem.FindLinkByCustomer(context.Background(), customerID, conn.Type())
	if err != nil {
		t.Fatalf("seed link error = %v", err)
	}

	return &fixture{
		mem:          mem,
		orchestrator: syncpkg.NewOrchestrator(slog.Default(), registry, reconciler, mem, mem, 50),
		linkID:       link.ID,
	}
}

func waitTerminal(t *testing.T, o *syncpkg.Orchestrator, syncID string) syncpkg.Record {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		record, err := o.GetSyncStatus(context.Background(), syncID)
		if err != nil {
			t.Fatalf("GetSyncStatus() error = %v", err)
		}
		if record.Status.Terminal() {
			return record
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sync did not reach a terminal state")
	return syncpkg.Record{}
}

func waitInactive(t *testing.T, o *syncpkg.Orchestrator, linkID string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !o.ActiveForLink(linkID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sync job never released its handle")
}

func TestStartSyncHappyPath(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{
		platformType: platform.TypeTelegram,
		pages: []platform.HistoryBatch{
			{
				Customers: []platform.RemoteCustomer{
					{NativeID: "u1", Profile: platform.ProfileSnapshot{DisplayName: "One"}},
					{NativeID: "u2", Profile: platform.ProfileSnapshot{DisplayName: "Two"}},
				},
				Messages: []platform.RemoteMessage{
					{NativeMessageID: "m1", NativeSenderID: "u1", Content: platform.TextContent("hi"), Timestamp: time.Now().UTC()},
				},
			},
			{
				Messages: []platform.RemoteMessage{
					{NativeMessageID: "m2", NativeSenderID: "u2", Outbound: true, Content: platform.TextContent("hello"), Timestamp: time.Now().UTC()},
				},
			},
		},
	}
	f := newFixture(t, conn)

	record, err := f.orchestrator.StartSync(context.Background(), f.linkID)
	if err != nil {
		t.Fatalf("StartSync() error = %v", err)
	}
	final := waitTerminal(t, f.orchestrator, record.ID)

	if final.Status != syncpkg.StatusSuccess {
		t.Fatalf("status = %s (reason %q), want success", final.Status, final.Reason)
	}
	if final.CustomersCreated != 2 {
		t.Fatalf("customers created = %d, want 2", final.CustomersCreated)
	}
	// Message senders resolve to already-counted customers and must not
	// bump the customer counters again.
	if final.CustomersUpdated != 0 {
		t.Fatalf("customers updated = %d, want 0", final.CustomersUpdated)
	}
	if final.MessagesCreated != 2 {
		t.Fatalf("messages created = %d, want 2", final.MessagesCreated)
	}
	if len(final.Errors) != 0 {
		t.Fatalf("errors = %v, want none", final.Errors)
	}
	if conn.fetches != 2 {
		t.Fatalf("fetches = %d, want 2 pages", conn.fetches)
	}

	waitInactive(t, f.orchestrator, f.linkID)
	link, err := f.mem.GetLink(context.Background(), f.linkID)
	if err != nil {
		t.Fatalf("GetLink() error = %v", err)
	}
	if !link.LastSyncAt.Equal(final.StartedAt) {
		t.Fatalf("LastSyncAt = %v, want sync start %v", link.LastSyncAt, final.StartedAt)
	}
}

func TestSyncIdempotentRerun(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{
		platformType: platform.TypeTelegram,
		pages: []platform.HistoryBatch{{
			Messages: []platform.RemoteMessage{
				{NativeMessageID: "m1", NativeSenderID: "u1", Content: platform.TextContent("hi"), Timestamp: time.Now().UTC()},
			},
		}},
	}
	f := newFixture(t, conn)

	first, err := f.orchestrator.StartSync(context.Background(), f.linkID)
	if err != nil {
		t.Fatalf("StartSync() error = %v", err)
	}
	waitTerminal(t, f.orchestrator, first.ID)
	waitInactive(t, f.orchestrator, f.linkID)

	second, err := f.orchestrator.StartSync(context.Background(), f.linkID)
	if err != nil {
		t.Fatalf("second StartSync() error = %v", err)
	}
	final := waitTerminal(t, f.orchestrator, second.ID)

	if final.MessagesCreated != 0 {
		t.Fatalf("rerun messages created = %d, want 0", final.MessagesCreated)
	}
	if final.MessagesUpdated != 1 {
		t.Fatalf("rerun messages updated = %d, want 1", final.MessagesUpdated)
	}
}

func TestCancelSync(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	conn := &fakeConnector{platformType: platform.TypeTelegram, gate: gate}
	f := newFixture(t, conn)

	record, err := f.orchestrator.StartSync(context.Background(), f.linkID)
	if err != nil {
		t.Fatalf("StartSync() error = %v", err)
	}
	if !f.orchestrator.ActiveForLink(f.linkID) {
		t.Fatal("job should be active")
	}
	if !f.orchestrator.CancelSync(context.Background(), record.ID) {
		t.Fatal("CancelSync() = false, want true")
	}
	close(gate)

	final := waitTerminal(t, f.orchestrator, record.ID)
	if final.Status != syncpkg.StatusFailed || final.Reason != "cancelled" || !final.Cancelled {
		t.Fatalf("record = %s/%q cancelled=%v, want failed/cancelled", final.Status, final.Reason, final.Cancelled)
	}
	waitInactive(t, f.orchestrator, f.linkID)

	// A second cancel finds no live job and leaves the record alone.
	if f.orchestrator.CancelSync(context.Background(), record.ID) {
		t.Fatal("second CancelSync() = true, want false")
	}
	after, err := f.orchestrator.GetSyncStatus(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("GetSyncStatus() error = %v", err)
	}
	if after.Status != syncpkg.StatusFailed || after.Reason != "cancelled" {
		t.Fatalf("record changed after second cancel: %s/%q", after.Status, after.Reason)
	}
}

// heldProgressStore delays the mid-batch progress write (the second
// running-status update; the first is the RUNNING transition) until
// released, so a cancel can land inside that window.
type heldProgressStore struct {
	*store.Memory
	hold          chan struct{}
	holding       chan struct{}
	runningWrites int
}

func (s *heldProgressStore) UpdateRecord(ctx context.Context, record syncpkg.Record) (syncpkg.Record, error) {
	if record.Status == syncpkg.StatusRunning {
		s.runningWrites++
		if s.runningWrites == 2 {
			close(s.holding)
			<-s.hold
		}
	}
	return s.Memory.UpdateRecord(ctx, record)
}

func TestCancelDuringBatchStaysTerminal(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{
		platformType: platform.TypeTelegram,
		pages: []platform.HistoryBatch{{
			Messages: []platform.RemoteMessage{
				{NativeMessageID: "m1", NativeSenderID: "u1", Content: platform.TextContent("hi"), Timestamp: time.Now().UTC()},
			},
		}},
	}
	mem := store.NewMemory()
	records := &heldProgressStore{
		Memory:  mem,
		hold:    make(chan struct{}),
		holding: make(chan struct{}),
	}
	registry := platform.NewRegistry()
	registry.MustRegister(conn)
	reconciler := reconcile.NewService(slog.Default(), mem)

	customerID, _, err := reconciler.UpsertCustomer(context.Background(), conn.Type(), "seed-1", platform.ProfileSnapshot{})
	if err != nil {
		t.Fatalf("seed customer error = %v", err)
	}
	link, err := mem.FindLinkByCustomer(context.Background(), customerID, conn.Type())
	if err != nil {
		t.Fatalf("seed link error = %v", err)
	}
	orchestrator := syncpkg.NewOrchestrator(slog.Default(), registry, reconciler, mem, records, 50)

	record, err := orchestrator.StartSync(context.Background(), link.ID)
	if err != nil {
		t.Fatalf("StartSync() error = %v", err)
	}
	<-records.holding

	// The job is stalled persisting batch progress; cancel now.
	if !orchestrator.CancelSync(context.Background(), record.ID) {
		t.Fatal("CancelSync() = false, want true")
	}
	mid, err := orchestrator.GetSyncStatus(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("GetSyncStatus() error = %v", err)
	}
	if mid.Status != syncpkg.StatusFailed || mid.Reason != "cancelled" {
		t.Fatalf("record after cancel = %s/%q, want failed/cancelled", mid.Status, mid.Reason)
	}

	// Release the stale progress write and let the job drain.
	close(records.hold)
	waitInactive(t, orchestrator, link.ID)

	final, err := orchestrator.GetSyncStatus(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("GetSyncStatus() error = %v", err)
	}
	if final.Status != syncpkg.StatusFailed || final.Reason != "cancelled" || !final.Cancelled {
		t.Fatalf("record regressed to %s/%q cancelled=%v, want failed/cancelled", final.Status, final.Reason, final.Cancelled)
	}
}

func TestStartSyncUnknownLink(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeConnector{platformType: platform.TypeTelegram})

	_, err := f.orchestrator.StartSync(context.Background(), "missing-link")
	if !errors.Is(err, syncpkg.ErrPlatformNotFound) {
		t.Fatalf("StartSync() error = %v, want ErrPlatformNotFound", err)
	}
	history, err := f.orchestrator.GetSyncHistory(context.Background(), "missing-link", 10, 0)
	if err != nil {
		t.Fatalf("GetSyncHistory() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("records = %d, want none for a failed start", len(history))
	}
}

func TestStartSyncPlatformWithoutHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &noHistoryConnector{platformType: platform.TypeWebchat})

	_, err := f.orchestrator.StartSync(context.Background(), f.linkID)
	if err == nil {
		t.Fatal("StartSync() should fail for a platform without history support")
	}
	history, err := f.orchestrator.GetSyncHistory(context.Background(), f.linkID, 10, 0)
	if err != nil {
		t.Fatalf("GetSyncHistory() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("records = %d, want none", len(history))
	}
}

func TestSyncFetchFailure(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{
		platformType: platform.TypeTelegram,
		fetchErr:     fmt.Errorf("rate limited"),
	}
	f := newFixture(t, conn)

	record, err := f.orchestrator.StartSync(context.Background(), f.linkID)
	if err != nil {
		t.Fatalf("StartSync() error = %v", err)
	}
	final := waitTerminal(t, f.orchestrator, record.ID)
	if final.Status != syncpkg.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.HasPrefix(final.Reason, "fetch history:") {
		t.Fatalf("reason = %q, want fetch history prefix", final.Reason)
	}
}

func TestSyncItemFailureDoesNotAbort(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{
		platformType: platform.TypeTelegram,
		pages: []platform.HistoryBatch{{
			Messages: []platform.RemoteMessage{
				{NativeMessageID: "m1", NativeSenderID: "", Content: platform.TextContent("orphan")},
				{NativeMessageID: "m2", NativeSenderID: "u1", Content: platform.TextContent("fine"), Timestamp: time.Now().UTC()},
			},
		}},
	}
	f := newFixture(t, conn)

	record, err := f.orchestrator.StartSync(context.Background(), f.linkID)
	if err != nil {
		t.Fatalf("StartSync() error = %v", err)
	}
	final := waitTerminal(t, f.orchestrator, record.ID)

	if final.Status != syncpkg.StatusSuccess {
		t.Fatalf("status = %s, want success despite item failure", final.Status)
	}
	if len(final.Errors) != 1 {
		t.Fatalf("errors = %d, want 1", len(final.Errors))
	}
	if final.Errors[0].Stage != "message" {
		t.Fatalf("error stage = %s, want message", final.Errors[0].Stage)
	}
	if final.MessagesCreated != 1 {
		t.Fatalf("messages created = %d, want 1", final.MessagesCreated)
	}
}

func TestGetSyncStatusUnknown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeConnector{platformType: platform.TypeTelegram})

	_, err := f.orchestrator.GetSyncStatus(context.Background(), "nope")
	if !errors.Is(err, syncpkg.ErrSyncNotFound) {
		t.Fatalf("GetSyncStatus() error = %v, want ErrSyncNotFound", err)
	}
}

func TestRecoverAbandoned(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeConnector{platformType: platform.TypeTelegram})
	ctx := context.Background()

	stale, err := f.mem.CreateRecord(ctx, syncpkg.Record{
		ID:        "stale-1",
		LinkID:    f.linkID,
		Platform:  platform.TypeTelegram,
		Status:    syncpkg.StatusRunning,
		StartedAt: time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateRecord() error = %v", err)
	}
	done, err := f.mem.CreateRecord(ctx, syncpkg.Record{
		ID:        "done-1",
		LinkID:    f.linkID,
		Platform:  platform.TypeTelegram,
		Status:    syncpkg.StatusSuccess,
		StartedAt: time.Now().UTC().Add(-2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateRecord() error = %v", err)
	}

	recovered, err := f.orchestrator.RecoverAbandoned(ctx)
	if err != nil {
		t.Fatalf("RecoverAbandoned() error = %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	got, err := f.mem.GetRecord(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if got.Status != syncpkg.StatusFailed || got.Reason != "abandoned by restart" {
		t.Fatalf("stale record = %s/%q, want failed/abandoned by restart", got.Status, got.Reason)
	}
	if got.FinishedAt.IsZero() {
		t.Fatal("recovered record must get a finish time")
	}

	untouched, err := f.mem.GetRecord(ctx, done.ID)
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if untouched.Status != syncpkg.StatusSuccess {
		t.Fatalf("finished record changed to %s", untouched.Status)
	}
}
