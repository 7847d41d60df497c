package models

import (
	"encoding/json"
	"time"
)

// EntryKind identifies the mutation a queue entry carries
type EntryKind string

const (
	KindCreateBulk EntryKind = "create_bulk"
	KindUpdateBulk EntryKind = "update_bulk"
)

// Valid reports whether k is a known entry kind
func (k EntryKind) Valid() bool {
	return k == KindCreateBulk || k == KindUpdateBulk
}

// EntryStatus is the lifecycle state of a queue entry
type EntryStatus string

const (
	StatusPending  EntryStatus = "pending"
	StatusInFlight EntryStatus = "in_flight"
	StatusFailed   EntryStatus = "failed"
	StatusDone     EntryStatus = "done" // never persisted, entries are deleted instead
)

// QueueEntry is one pending measurement mutation
type QueueEntry struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Kind          EntryKind       `json:"kind"`
	ReportID      int             `json:"report_id"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitempty"`
	Status        EntryStatus     `json:"status"`
}

// Due reports whether the entry's backoff delay has elapsed
func (e QueueEntry) Due(now time.Time) bool {
	return e.NextAttemptAt.IsZero() || !now.Before(e.NextAttemptAt)
}

// MeasurementRecord is a single measurement in a bulk create.
// ClientRef is device-local and is stripped before the request is sent.
type MeasurementRecord struct {
	SubjectID                 *int   `json:"subject_id,omitempty"`
	PenVariableTypeOfObjectID int    `json:"pen_variable_type_of_object_id"`
	Value                     string `json:"value"`
	ReportID                  int    `json:"report_id"`
	ClientRef                 string `json:"client_ref,omitempty"`
}

// CreateBulkMeasurement mirrors the backend's CreateBulkMeasurementDto
type CreateBulkMeasurement struct {
	Name           *string             `json:"name,omitempty"`
	TypeOfObjectID *int                `json:"type_of_object_id,omitempty"`
	SubjectID      *int                `json:"subject_id,omitempty"`
	Measurements   []MeasurementRecord `json:"measurements"`
}

// MeasurementUpdate changes the value of an existing measurement, addressed
// either by server ID or by the ClientRef of a queued create.
type MeasurementUpdate struct {
	ID        int    `json:"id,omitempty"`
	ClientRef string `json:"client_ref,omitempty"`
	Value     string `json:"value"`
}

// UpdateBulkMeasurement mirrors the backend's UpdateBulkMeasurementDto.
// ReportID only selects the local stream and is never sent.
type UpdateBulkMeasurement struct {
	Name         *string             `json:"name,omitempty"`
	SubjectID    *int                `json:"subject_id,omitempty"`
	ReportID     int                 `json:"report_id,omitempty"`
	Measurements []MeasurementUpdate `json:"measurements"`
}

// Measurement is a measurement row as returned by the backend
type Measurement struct {
	ID                        int    `json:"id"`
	ReportID                  int    `json:"report_id"`
	PenVariableTypeOfObjectID int    `json:"pen_variable_type_of_object_id"`
	SubjectID                 *int   `json:"subject_id,omitempty"`
	Value                     string `json:"value"`
}

// SyncState is what the sync indicator shows
type SyncState struct {
	PendingCount int       `json:"pending_count"`
	FailedCount  int       `json:"failed_count"`
	Syncing      bool      `json:"syncing"`
	AuthRequired bool      `json:"auth_required"`
	Processed    int       `json:"processed"`
	Total        int       `json:"total"`
	LastSyncAt   time.Time `json:"last_sync_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// WarmupState is what the warm-up indicator shows
type WarmupState struct {
	IsWarming   bool      `json:"is_warming"`
	Progress    int       `json:"progress"` // 0-100
	CurrentStep string    `json:"current_step"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// NetworkState is what the network indicator shows
type NetworkState struct {
	Online    bool      `json:"online"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
	ChangedAt time.Time `json:"changed_at,omitempty"`
}

// DeviceMetrics holds device resource data
type DeviceMetrics struct {
	CPUPercent         float64 `json:"cpu_percent"`
	MemoryUsedBytes    uint64  `json:"memory_used_bytes"`
	MemoryTotalBytes   uint64  `json:"memory_total_bytes"`
	MemoryPercent      float64 `json:"memory_percent"`
	NetworkBytesPerSec float64 `json:"network_bytes_per_sec"`
	FreeDiskBytes      uint64  `json:"free_disk_bytes"`
	FreeDiskGB         float64 `json:"free_disk_gb"`
}

// QueueStats summarizes the persisted queue
type QueueStats struct {
	Pending  int       `json:"pending"`
	InFlight int       `json:"in_flight"`
	Failed   int       `json:"failed"`
	Oldest   time.Time `json:"oldest,omitempty"`
}

// Status is the aggregate served by /api/status
type Status struct {
	Sync    SyncState     `json:"sync"`
	Warmup  WarmupState   `json:"warmup"`
	Network NetworkState  `json:"network"`
	Queue   QueueStats    `json:"queue"`
	Metrics DeviceMetrics `json:"metrics"`
}

// LogMessage represents a log entry
type LogMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
