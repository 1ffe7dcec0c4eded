// Package sync runs background bulk-reconciliation jobs that pull
// customer and message history from a platform and feed it through the
// reconciler. Jobs are tracked as persistent records and can be
// cancelled while running.
package sync

import (
	"time"

	"github.com/deskhubhq/deskhub/internal/platform"
)

// Status is the lifecycle state of a sync record. PENDING and RUNNING
// are transient; SUCCESS and FAILED are terminal and never regress.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// RecordError is one per-item failure captured during a sync run.
// Item-level failures accumulate here without failing the job.
type RecordError struct {
	NativeID string    `json:"native_id,omitempty"`
	Stage    string    `json:"stage"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Record is the persistent state of one sync job.
type Record struct {
	ID         string        `json:"id"`
	LinkID     string        `json:"link_id"`
	Platform   platform.Type `json:"platform"`
	Status     Status        `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`

	CustomersCreated int `json:"customers_created"`
	CustomersUpdated int `json:"customers_updated"`
	MessagesCreated  int `json:"messages_created"`
	MessagesUpdated  int `json:"messages_updated"`

	Errors []RecordError `json:"errors,omitempty"`

	// Reason explains a FAILED status: a fetch error, "cancelled", or
	// "abandoned by restart".
	Reason    string `json:"reason,omitempty"`
	Cancelled bool   `json:"cancelled"`
}
