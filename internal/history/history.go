// Package history persists execution records. Two backends are provided:
// SQLite (default, zero-config) and PostgreSQL. All GORM usage is confined
// to this package.
package history

import (
	"context"
	"time"
)

// Record is one completed execution.
type Record struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	Kind       string    `gorm:"size:16;index" json:"kind"` // "task" or "code"
	Task       string    `gorm:"type:text" json:"task,omitempty"`
	Code       string    `gorm:"type:text" json:"code,omitempty"`
	Status     string    `gorm:"size:16;index" json:"status"`
	Output     string    `gorm:"type:text" json:"output,omitempty"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	WorkerID   string    `gorm:"size:64" json:"worker_id,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// TableName keeps the table name stable across backends.
func (Record) TableName() string { return "executions" }

// Filter narrows List results. Zero values mean no constraint.
type Filter struct {
	Status string
	Kind   string
	Since  time.Time
	Limit  int
}

// Store is the execution history persistence interface.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, f Filter) ([]*Record, error)
	// Prune deletes records created before cutoff and reports how many.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
	Driver() string
}

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)
