package model

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the history record of one sync cycle.
type Run struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	Mode       string     `gorm:"not null" json:"mode"`
	DryRun     bool       `json:"dry_run"`
	Cleanup    bool       `json:"cleanup"`
	Status     RunStatus  `gorm:"not null;index" json:"status"`
	StartedAt  time.Time  `gorm:"not null;index" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Deleted int `json:"deleted"`
	Errors  int `json:"errors"`

	// InfraDeleted counts sites, clusters and prefixes removed as orphans.
	InfraDeleted int `json:"infra_deleted"`

	InterfacesCreated int `json:"interfaces_created"`
	IPsCreated        int `gorm:"column:ips_created" json:"ips_created"`
	IPsReassigned     int `gorm:"column:ips_reassigned" json:"ips_reassigned"`
	PrimaryIPsChanged int `gorm:"column:primary_ips_changed" json:"primary_ips_changed"`
	DisksCreated      int `json:"disks_created"`
	DisksUpdated      int `json:"disks_updated"`
	DisksDeleted      int `json:"disks_deleted"`

	Error string `json:"error,omitempty"`
}

// Duration returns how long the run took, 0 while it is still running.
func (r Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

type RunStats struct {
	Total    int
	ByStatus map[RunStatus]int
	ByMode   map[string]int
}

func NewRunStats(runs []Run) RunStats {
	stats := RunStats{
		Total:    len(runs),
		ByStatus: map[RunStatus]int{},
		ByMode:   map[string]int{},
	}
	for _, r := range runs {
		stats.ByStatus[r.Status]++
		stats.ByMode[r.Mode]++
	}
	return stats
}
