package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/deskhubhq/deskhub/internal/platform"
	"github.com/deskhubhq/deskhub/internal/reconcile"
)

const defaultBatchSize = 100

// jobHandle tracks one in-flight sync goroutine. The cancelled flag is
// the cooperative stop signal checked between units of work; cancel
// aborts any in-flight platform fetch.
type jobHandle struct {
	linkID    string
	cancelled atomic.Bool
	cancel    context.CancelFunc
}

// Orchestrator starts, tracks, and cancels background sync jobs. Each
// job pulls remote history for one platform link batch by batch and
// replays it through the reconciler, so a sync is idempotent against
// records the webhooks already delivered.
type Orchestrator struct {
	registry   *platform.Registry
	reconciler *reconcile.Service
	links      reconcile.LinkStore
	records    RecordStore
	logger     *slog.Logger
	batchSize  int
	now        func() time.Time

	mu     gosync.Mutex
	active map[string]*jobHandle
}

// NewOrchestrator creates an Orchestrator. A batchSize of zero or less
// falls back to the default.
func NewOrchestrator(log *slog.Logger, registry *platform.Registry, reconciler *reconcile.Service, links reconcile.LinkStore, records RecordStore, batchSize int) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Orchestrator{
		registry:   registry,
		reconciler: reconciler,
		links:      links,
		records:    records,
		logger:     log.With(slog.String("service", "sync")),
		batchSize:  batchSize,
		now:        func() time.Time { return time.Now().UTC() },
		active:     map[string]*jobHandle{},
	}
}

// StartSync launches a background sync for the given platform link and
// returns its record immediately, in PENDING state. The job itself runs
// on a detached context so an HTTP caller disconnecting does not kill
// it; cancellation happens only through CancelSync.
func (o *Orchestrator) StartSync(ctx context.Context, linkID string) (Record, error) {
	link, err := o.links.GetLink(ctx, linkID)
	if err != nil {
		if errors.Is(err, reconcile.ErrNotFound) {
			return Record{}, fmt.Errorf("%w: %s", ErrPlatformNotFound, linkID)
		}
		return Record{}, fmt.Errorf("load link %s: %w", linkID, err)
	}

	source, err := o.registry.HistorySource(link.Platform)
	if err != nil {
		return Record{}, err
	}

	record := Record{
		ID:        uuid.NewString(),
		LinkID:    link.ID,
		Platform:  link.Platform,
		Status:    StatusPending,
		StartedAt: o.now(),
		Errors:    []RecordError{},
	}
	record, err = o.records.CreateRecord(ctx, record)
	if err != nil {
		return Record{}, fmt.Errorf("create sync record: %w", err)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	handle := &jobHandle{linkID: link.ID, cancel: cancel}
	o.mu.Lock()
	o.active[record.ID] = handle
	o.mu.Unlock()

	o.logger.Info("sync started",
		slog.String("sync_id", record.ID),
		slog.String("link_id", link.ID),
		slog.String("platform", link.Platform.String()),
	)

	go o.run(jobCtx, handle, record, link, source)
	return record, nil
}

// CancelSync requests cancellation of a running job. It returns false
// when no job with that id is live; cancelling an already-finished or
// unknown job is a no-op and its record is left untouched. On success
// the record is marked FAILED with reason "cancelled" immediately, even
// if the goroutine is mid-batch.
func (o *Orchestrator) CancelSync(ctx context.Context, syncID string) bool {
	o.mu.Lock()
	handle, ok := o.active[syncID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	handle.cancelled.Store(true)
	handle.cancel()

	record, err := o.records.GetRecord(ctx, syncID)
	if err == nil && !record.Status.Terminal() {
		record.Status = StatusFailed
		record.Reason = "cancelled"
		record.Cancelled = true
		record.FinishedAt = o.now()
		if _, err := o.records.UpdateRecord(ctx, record); err != nil {
			o.logger.Error("persist cancelled sync", slog.String("sync_id", syncID), slog.Any("error", err))
		}
	}
	o.logger.Info("sync cancelled", slog.String("sync_id", syncID))
	return true
}

// GetSyncStatus returns the record for one sync job.
func (o *Orchestrator) GetSyncStatus(ctx context.Context, syncID string) (Record, error) {
	record, err := o.records.GetRecord(ctx, syncID)
	if err != nil {
		if errors.Is(err, ErrSyncNotFound) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("load sync record %s: %w", syncID, err)
	}
	return record, nil
}

// GetSyncHistory returns past runs for a link, most recent first.
func (o *Orchestrator) GetSyncHistory(ctx context.Context, linkID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return o.records.ListRecordsByLink(ctx, linkID, limit, offset)
}

// ActiveForLink reports whether a live job exists for the given link.
func (o *Orchestrator) ActiveForLink(linkID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, handle := range o.active {
		if handle.linkID == linkID {
			return true
		}
	}
	return false
}

func (o *Orchestrator) run(ctx context.Context, handle *jobHandle, record Record, link reconcile.PlatformLink, source platform.HistorySource) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("sync panicked", slog.String("sync_id", record.ID), slog.Any("panic", r))
			o.markFailed(record.ID, fmt.Sprintf("panic: %v", r))
		}
		o.mu.Lock()
		delete(o.active, record.ID)
		o.mu.Unlock()
	}()

	if handle.cancelled.Load() {
		o.markCancelled(record)
		return
	}

	record.Status = StatusRunning
	if updated, err := o.records.UpdateRecord(ctx, record); err == nil {
		record = updated
	} else {
		o.logger.Error("persist running sync", slog.String("sync_id", record.ID), slog.Any("error", err))
	}
	// A cancel may have landed between the first check and the RUNNING
	// write; restore the terminal state it expects.
	if handle.cancelled.Load() {
		o.markCancelled(record)
		return
	}

	since := link.LastSyncAt
	startedAt := record.StartedAt
	cursor := ""
	for {
		if handle.cancelled.Load() {
			o.markCancelled(record)
			return
		}
		batch, err := source.FetchHistory(ctx, since, cursor, o.batchSize)
		if err != nil {
			if handle.cancelled.Load() {
				o.markCancelled(record)
				return
			}
			o.logger.Error("sync fetch failed",
				slog.String("sync_id", record.ID),
				slog.String("platform", link.Platform.String()),
				slog.Any("error", err),
			)
			o.markFailed(record.ID, fmt.Sprintf("fetch history: %v", err))
			return
		}
		o.applyBatch(ctx, &record, link, batch)
		if handle.cancelled.Load() {
			o.markCancelled(record)
			return
		}
		if batch.NextCursor == "" {
			break
		}
		cursor = batch.NextCursor
	}

	link.LastSyncAt = startedAt
	if _, err := o.links.UpdateLink(ctx, link); err != nil {
		o.logger.Error("persist link sync time", slog.String("link_id", link.ID), slog.Any("error", err))
	}

	record.Status = StatusSuccess
	record.FinishedAt = o.now()
	o.persistTerminal(record)
	o.logger.Info("sync finished",
		slog.String("sync_id", record.ID),
		slog.Int("customers_created", record.CustomersCreated),
		slog.Int("customers_updated", record.CustomersUpdated),
		slog.Int("messages_created", record.MessagesCreated),
		slog.Int("messages_updated", record.MessagesUpdated),
		slog.Int("errors", len(record.Errors)),
	)
}

// applyBatch replays one history page through the reconciler. Item
// failures are recorded and skipped; they never abort the batch.
func (o *Orchestrator) applyBatch(ctx context.Context, record *Record, link reconcile.PlatformLink, batch platform.HistoryBatch) {
	for _, remote := range batch.Customers {
		_, created, err := o.reconciler.UpsertCustomer(ctx, link.Platform, remote.NativeID, remote.Profile)
		if err != nil {
			record.Errors = append(record.Errors, RecordError{
				NativeID: remote.NativeID,
				Stage:    "customer",
				Reason:   err.Error(),
				At:       o.now(),
			})
			continue
		}
		if created {
			record.CustomersCreated++
		} else {
			record.CustomersUpdated++
		}
	}

	for _, remote := range batch.Messages {
		if err := o.applyMessage(ctx, record, link, remote); err != nil {
			record.Errors = append(record.Errors, RecordError{
				NativeID: remote.NativeMessageID,
				Stage:    "message",
				Reason:   err.Error(),
				At:       o.now(),
			})
		}
	}

	// A cancel may have marked the record terminal while the batch was
	// applied; progress must never regress that.
	if current, err := o.records.GetRecord(ctx, record.ID); err == nil && current.Status.Terminal() {
		return
	}
	if updated, err := o.records.UpdateRecord(ctx, *record); err == nil {
		*record = updated
	} else {
		o.logger.Error("persist sync progress", slog.String("sync_id", record.ID), slog.Any("error", err))
	}
}

func (o *Orchestrator) applyMessage(ctx context.Context, record *Record, link reconcile.PlatformLink, remote platform.RemoteMessage) error {
	senderID := strings.TrimSpace(remote.NativeSenderID)
	if senderID == "" {
		return fmt.Errorf("history message has no native sender id")
	}
	// NativeSenderID names the customer party of the conversation for
	// both directions, so outbound rows attach to the right customer.
	// Customer counters are tracked in the batch customer loop only;
	// resolving a sender here must not count the same customer again
	// per message.
	customerID, _, err := o.reconciler.UpsertCustomer(ctx, link.Platform, senderID, platform.ProfileSnapshot{})
	if err != nil {
		return fmt.Errorf("resolve customer %s: %w", senderID, err)
	}

	direction := platform.DirectionInbound
	if remote.Outbound {
		direction = platform.DirectionOutbound
	}
	_, msgCreated, err := o.reconciler.UpsertMessage(ctx, platform.MessageUpsert{
		Platform:        link.Platform,
		NativeMessageID: remote.NativeMessageID,
		CustomerID:      customerID,
		Direction:       direction,
		Content:         remote.Content,
		Timestamp:       remote.Timestamp,
		Metadata:        map[string]any{"source": "history_sync"},
	})
	if err != nil {
		return fmt.Errorf("persist history message: %w", err)
	}
	if msgCreated {
		record.MessagesCreated++
	} else {
		record.MessagesUpdated++
	}
	return nil
}

// markCancelled writes the failed/"cancelled" terminal state the
// canceller expects, restoring it if a progress write raced past the
// cancel. persistTerminal skips when CancelSync already landed it.
func (o *Orchestrator) markCancelled(record Record) {
	record.Status = StatusFailed
	record.Reason = "cancelled"
	record.Cancelled = true
	record.FinishedAt = o.now()
	o.persistTerminal(record)
}

// markFailed writes a FAILED terminal state unless the record is
// already terminal (e.g. CancelSync got there first).
func (o *Orchestrator) markFailed(syncID, reason string) {
	ctx := context.Background()
	record, err := o.records.GetRecord(ctx, syncID)
	if err != nil {
		o.logger.Error("load sync record for failure", slog.String("sync_id", syncID), slog.Any("error", err))
		return
	}
	if record.Status.Terminal() {
		return
	}
	record.Status = StatusFailed
	record.Reason = reason
	record.FinishedAt = o.now()
	o.persistTerminal(record)
}

func (o *Orchestrator) persistTerminal(record Record) {
	ctx := context.Background()
	current, err := o.records.GetRecord(ctx, record.ID)
	if err == nil && current.Status.Terminal() {
		return
	}
	if _, err := o.records.UpdateRecord(ctx, record); err != nil {
		o.logger.Error("persist terminal sync state", slog.String("sync_id", record.ID), slog.Any("error", err))
	}
}
