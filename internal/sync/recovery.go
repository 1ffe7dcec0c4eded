package sync

import (
	"context"
	"fmt"
	"log/slog"
)

// RecoverAbandoned closes out records left non-terminal by a previous
// process. In-memory job handles do not survive a restart, so any
// PENDING or RUNNING record found at startup belongs to a goroutine
// that no longer exists and can never finish.
func (o *Orchestrator) RecoverAbandoned(ctx context.Context) (int, error) {
	records, err := o.records.ListUnfinishedRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished sync records: %w", err)
	}
	recovered := 0
	for _, record := range records {
		record.Status = StatusFailed
		record.Reason = "abandoned by restart"
		record.FinishedAt = o.now()
		if _, err := o.records.UpdateRecord(ctx, record); err != nil {
			o.logger.Error("recover abandoned sync",
				slog.String("sync_id", record.ID),
				slog.Any("error", err),
			)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		o.logger.Info("abandoned syncs recovered", slog.Int("count", recovered))
	}
	return recovered, nil
}
