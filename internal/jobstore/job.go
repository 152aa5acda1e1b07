// Package jobstore persists the per-request job record: the raw
// JSON-RPC request and response, and bookkeeping metadata, one
// directory per job under the jobs root.
package jobstore

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is the persisted record for one bridged request.
type Job struct {
	JobID      string          `json:"job_id"`
	ServerTag  string          `json:"server_type"`
	CreatedAt  time.Time       `json:"created_at"`
	Status     Status          `json:"status"`
	Request    json.RawMessage `json:"request,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Error      string          `json:"error,omitempty"`
	SessionKey string          `json:"session_key,omitempty"`
	ClientIP   string          `json:"client_ip"`

	// Dir is the job's on-disk directory. Not serialized; derived from
	// JobID by the Store and filled in on Create/Load.
	Dir string `json:"-"`
}
