package sync

import (
	"context"
	"log/slog"
	gosync "sync"
	"testing"
	"time"

	"github.com/deskhubhq/deskhub/internal/platform"
	"github.com/deskhubhq/deskhub/internal/reconcile"
)

// fakeLinks is a minimal LinkStore for scheduler tests.
type fakeLinks struct {
	links []reconcile.PlatformLink
}

func (f *fakeLinks) CreateLink(_ context.Context, link reconcile.PlatformLink) (reconcile.PlatformLink, error) {
	f.links = append(f.links, link)
	return link, nil
}

func (f *fakeLinks) GetLink(_ context.Context, id string) (reconcile.PlatformLink, error) {
	for _, link := range f.links {
		if link.ID == id {
			return link, nil
		}
	}
	return reconcile.PlatformLink{}, reconcile.ErrNotFound
}

func (f *fakeLinks) FindLinkByNativeID(context.Context, platform.Type, string) (reconcile.PlatformLink, error) {
	return reconcile.PlatformLink{}, reconcile.ErrNotFound
}

func (f *fakeLinks) FindLinkByCustomer(context.Context, string, platform.Type) (reconcile.PlatformLink, error) {
	return reconcile.PlatformLink{}, reconcile.ErrNotFound
}

func (f *fakeLinks) ListLinks(context.Context) ([]reconcile.PlatformLink, error) {
	return f.links, nil
}

func (f *fakeLinks) UpdateLink(_ context.Context, link reconcile.PlatformLink) (reconcile.PlatformLink, error) {
	return link, nil
}

// fakeRecords keeps records in a map and counts creations.
type fakeRecords struct {
	mu      gosync.Mutex
	records map[string]Record
	created int
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{records: map[string]Record{}}
}

func (f *fakeRecords) CreateRecord(_ context.Context, record Record) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[record.ID] = record
	f.created++
	return record, nil
}

func (f *fakeRecords) GetRecord(_ context.Context, id string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return Record{}, ErrSyncNotFound
	}
	return record, nil
}

func (f *fakeRecords) UpdateRecord(_ context.Context, record Record) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[record.ID]; !ok {
		return Record{}, ErrSyncNotFound
	}
	f.records[record.ID] = record
	return record, nil
}

func (f *fakeRecords) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *fakeRecords) ListRecordsByLink(context.Context, string, int, int) ([]Record, error) {
	return nil, nil
}

func (f *fakeRecords) ListUnfinishedRecords(context.Context) ([]Record, error) {
	return nil, nil
}

// gatedSource blocks every fetch until the gate closes.
type gatedSource struct {
	platformType platform.Type
	gate         chan struct{}
}

func (s *gatedSource) Type() platform.Type { return s.platformType }

func (s *gatedSource) Descriptor() platform.Descriptor {
	return platform.Descriptor{Type: s.platformType, Capabilities: platform.Capabilities{History: true}}
}

func (s *gatedSource) HandleWebhook(context.Context, platform.WebhookRequest) error { return nil }

func (s *gatedSource) SendMessage(context.Context, string, platform.Content) (platform.DeliveryReceipt, error) {
	return platform.DeliveryReceipt{}, nil
}

func (s *gatedSource) ResolveProfile(context.Context, string) (platform.ProfileSnapshot, error) {
	return platform.ProfileSnapshot{}, nil
}

func (s *gatedSource) FetchHistory(ctx context.Context, _ time.Time, _ string, _ int) (platform.HistoryBatch, error) {
	select {
	case <-s.gate:
		return platform.HistoryBatch{}, nil
	case <-ctx.Done():
		return platform.HistoryBatch{}, ctx.Err()
	}
}

func TestSchedulerTickSkipsActiveLinks(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	defer close(gate)

	registry := platform.NewRegistry()
	registry.MustRegister(&gatedSource{platformType: platform.TypeTelegram, gate: gate})

	links := &fakeLinks{links: []reconcile.PlatformLink{
		{ID: "l1", Platform: platform.TypeTelegram, NativeID: "1"},
		{ID: "l2", Platform: platform.TypeTelegram, NativeID: "2"},
	}}
	records := newFakeRecords()
	orchestrator := NewOrchestrator(slog.Default(), registry, nil, links, records, 10)
	scheduler := NewScheduler(slog.Default(), orchestrator, links, "@hourly")

	// l1 already has a live job; the fetch blocks so it stays active.
	if _, err := orchestrator.StartSync(context.Background(), "l1"); err != nil {
		t.Fatalf("StartSync() error = %v", err)
	}
	if got := records.createdCount(); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}

	scheduler.tick()

	// The tick starts l2 but skips the in-flight l1.
	if got := records.createdCount(); got != 2 {
		t.Fatalf("records after tick = %d, want 2", got)
	}
	if !orchestrator.ActiveForLink("l2") {
		t.Fatal("tick should have started a job for l2")
	}
}

func TestSchedulerTickToleratesUnstartablePlatforms(t *testing.T) {
	t.Parallel()
	registry := platform.NewRegistry()

	links := &fakeLinks{links: []reconcile.PlatformLink{
		{ID: "l1", Platform: platform.TypeWebchat, NativeID: "v1"},
	}}
	records := newFakeRecords()
	orchestrator := NewOrchestrator(slog.Default(), registry, nil, links, records, 10)
	scheduler := NewScheduler(slog.Default(), orchestrator, links, "@hourly")

	// No connector is registered, so the start fails; the tick must not
	// create a record or panic.
	scheduler.tick()
	if got := records.createdCount(); got != 0 {
		t.Fatalf("records = %d, want 0", got)
	}
}

func TestSchedulerDisabledWithoutSpec(t *testing.T) {
	t.Parallel()
	scheduler := NewScheduler(slog.Default(), nil, nil, "")
	if err := scheduler.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Stop on a never-started scheduler is a no-op.
	scheduler.Stop()
}
