package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for the job journal
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventCreate     EventType = "CREATE"     // Job posted
	EventTransition EventType = "TRANSITION" // Job record replaced by a successful transition
)

// Event represents a WAL event record
//
// Job carries the full job record after the change, so replay is an upsert
// and does not depend on the mutation that produced it.
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`      // Event type
	JobID     types.JobID     `json:"job_id"`    // Job ID
	Job       json.RawMessage `json:"job"`       // Job record as JSON
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// Decode unmarshals the job carried by the event
func (e Event) Decode() (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(e.Job, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
