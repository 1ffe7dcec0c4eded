package sync

import (
	"context"
	"errors"
)

// ErrSyncNotFound indicates the requested sync record does not exist.
var ErrSyncNotFound = errors.New("sync record not found")

// ErrPlatformNotFound indicates the sync target link does not exist.
var ErrPlatformNotFound = errors.New("platform link not found")

// RecordStore persists sync records. Updates replace the whole record;
// the orchestrator is the only writer for a live record, so no
// field-level merging is needed.
type RecordStore interface {
	CreateRecord(ctx context.Context, record Record) (Record, error)
	GetRecord(ctx context.Context, id string) (Record, error)
	UpdateRecord(ctx context.Context, record Record) (Record, error)

	// ListRecordsByLink returns records for one link, most recent
	// start first.
	ListRecordsByLink(ctx context.Context, linkID string, limit, offset int) ([]Record, error)

	// ListUnfinishedRecords returns every record whose status is not
	// terminal, for the restart recovery sweep.
	ListUnfinishedRecords(ctx context.Context) ([]Record, error)
}
