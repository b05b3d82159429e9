package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType enumerates the closed set of sync event kinds
type EventType string

const (
	EventNodeRegistered   EventType = "node_registered"
	EventNodeRemoved      EventType = "node_removed"
	EventNodeStatusChange EventType = "node_status_change"
	EventFileCreated      EventType = "file_created"
	EventFileModified     EventType = "file_modified"
	EventFileDeleted      EventType = "file_deleted"
	EventSyncProgress     EventType = "file_sync_progress"
	EventSyncCompleted    EventType = "sync_completed"
	EventSyncError        EventType = "sync_error"
	EventConflictDetected EventType = "conflict_detected"
	EventConflictResolved EventType = "conflict_resolved"
)

// EventData is the payload of an event. Each event type has exactly one
// payload shape; consumers switch on Event.Type.
type EventData interface {
	eventData()
}

// NodeStatusData is the payload for node lifecycle events
type NodeStatusData struct {
	Status  string `json:"status"`
	Address string `json:"address,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// FileChangeData is the payload for file_created / file_modified /
// file_deleted events
type FileChangeData struct {
	VersionID   string `json:"version_id,omitempty"`
	Size        int64  `json:"size,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	FileName    string `json:"file_name,omitempty"`
}

// SyncProgressData is the payload for file_sync_progress events
type SyncProgressData struct {
	Action           string `json:"action"`
	Progress         int    `json:"progress"`
	SourceNode       string `json:"source_node"`
	TargetNode       string `json:"target_node"`
	VersionID        string `json:"version_id,omitempty"`
	BytesTransferred int64  `json:"bytes_transferred,omitempty"`
}

// SyncCompletedData is the payload for sync_completed events
type SyncCompletedData struct {
	SourceNode       string       `json:"source_node"`
	TargetNode       string       `json:"target_node"`
	VersionID        string       `json:"version_id"`
	BytesTransferred int64        `json:"bytes_transferred"`
	Metrics          DeltaMetrics `json:"delta_metrics"`
}

// SyncErrorData is the payload for sync_error events
type SyncErrorData struct {
	SourceNode string `json:"source_node"`
	TargetNode string `json:"target_node"`
	VersionID  string `json:"version_id,omitempty"`
	Reason     string `json:"reason"`
}

// ConflictData is the payload for conflict_detected / conflict_resolved
// events
type ConflictData struct {
	ConflictID string `json:"conflict_id"`
	VersionA   string `json:"version_a,omitempty"`
	VersionB   string `json:"version_b,omitempty"`
	Winner     string `json:"winner,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

func (NodeStatusData) eventData()    {}
func (FileChangeData) eventData()    {}
func (SyncProgressData) eventData()  {}
func (SyncCompletedData) eventData() {}
func (SyncErrorData) eventData()     {}
func (ConflictData) eventData()      {}

// Event is one entry in the audit log. Sequence is assigned monotonically by
// the event log; EventID is the externally visible identifier. VectorClock
// is the issuing node's clock at the moment the event was created.
type Event struct {
	Sequence    int64       `json:"sequence"`
	EventID     string      `json:"event_id"`
	Timestamp   time.Time   `json:"timestamp"`
	NodeID      string      `json:"node_id"`
	FileID      string      `json:"file_id,omitempty"`
	Type        EventType   `json:"event_type"`
	Data        EventData   `json:"data"`
	VectorClock VectorClock `json:"vector_clock"`
	Processed   bool        `json:"processed"`
}

// DecodeEventData unmarshals a raw payload into the concrete type for the
// given event type.
func DecodeEventData(t EventType, raw []byte) (EventData, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	var (
		data EventData
		err  error
	)

	switch t {
	case EventNodeRegistered, EventNodeRemoved, EventNodeStatusChange:
		var d NodeStatusData
		err = json.Unmarshal(raw, &d)
		data = d
	case EventFileCreated, EventFileModified, EventFileDeleted:
		var d FileChangeData
		err = json.Unmarshal(raw, &d)
		data = d
	case EventSyncProgress:
		var d SyncProgressData
		err = json.Unmarshal(raw, &d)
		data = d
	case EventSyncCompleted:
		var d SyncCompletedData
		err = json.Unmarshal(raw, &d)
		data = d
	case EventSyncError:
		var d SyncErrorData
		err = json.Unmarshal(raw, &d)
		data = d
	case EventConflictDetected, EventConflictResolved:
		var d ConflictData
		err = json.Unmarshal(raw, &d)
		data = d
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}

	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return data, nil
}
