package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a crawl run.
type RunStatus string

// RunStatus constants.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCanceled  RunStatus = "canceled"
	RunFailed    RunStatus = "failed"
)

// CrawlRun is one background crawl operation started through the run manager.
type CrawlRun struct {
	ID          uuid.UUID  `gorm:"type:text;primaryKey" json:"id"`
	Kind        string     `gorm:"index" json:"kind"`
	Argument    string     `json:"argument,omitempty"`
	Status      RunStatus  `gorm:"index" json:"status"`
	NewEntities int        `json:"new_entities"`
	NewMembers  int        `json:"new_members"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// TableName pins the gorm table name.
func (CrawlRun) TableName() string {
	return "crawl_runs"
}
