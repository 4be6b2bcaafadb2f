package model

import "slices"

// BackupState is the lifecycle state of a site's backup job
type BackupState string

const (
	BackupIdle      BackupState = "idle"
	BackupRunning   BackupState = "running"
	BackupCompleted BackupState = "completed"
	BackupFailed    BackupState = "failed"
	BackupStopped   BackupState = "stopped"
)

var terminalStates = []BackupState{BackupCompleted, BackupFailed, BackupStopped}

// Terminal reports whether no further updates are expected after s
func (s BackupState) Terminal() bool {
	return slices.Contains(terminalStates, s)
}

// Settled reports whether polling can stop: a terminal state or idle
func (s BackupState) Settled() bool {
	return s == BackupIdle || s.Terminal()
}

// BackupStatus is a point-in-time snapshot of one site's backup progress.
// Values are never mutated after being published.
type BackupStatus struct {
	SiteID         int         `json:"site_id"`
	SiteName       string      `json:"site_name"`
	Status         BackupState `json:"status"`
	Progress       float64     `json:"progress"`
	Message        string      `json:"message"`
	Stage          *string     `json:"stage"`
	StageDetail    *string     `json:"stage_detail"`
	BytesProcessed int64       `json:"bytes_processed"`
	BytesTotal     int64       `json:"bytes_total"`
	Error          *string     `json:"error"`
	StartedAt      *string     `json:"started_at"` // ISO-8601 as sent by the server
}

// NodeState is the liveness reported for a node in the stats stream
type NodeState string

const (
	NodeOnline  NodeState = "online"
	NodeStale   NodeState = "stale"
	NodeOffline NodeState = "offline"
)

// NodeStats is one node's health sample
type NodeStats struct {
	ID            int       `json:"id"`
	Hostname      string    `json:"hostname"`
	Status        NodeState `json:"status"`
	IsMaster      bool      `json:"is_master"`
	CPUPercent    *float64  `json:"cpu_percent"`
	MemoryPercent *float64  `json:"memory_percent"`
	DiskPercent   *float64  `json:"disk_percent"`
	UptimeSeconds *int64    `json:"uptime_seconds"`
	ActiveBackups int       `json:"active_backups"`
	LastSeen      *string   `json:"last_seen"`
}

// FleetStats is a timestamped batch of node samples
type FleetStats struct {
	Timestamp string      `json:"timestamp"`
	Nodes     []NodeStats `json:"nodes"`
}
