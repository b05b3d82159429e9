package model

import "time"

// Conflict records two concurrent versions of the same file. It stays
// unresolved until an operator picks a winner; resolution produces a new
// version that merges both branch clocks.
type Conflict struct {
	ConflictID string    `json:"conflict_id"`
	FileID     string    `json:"file_id"`
	VersionA   string    `json:"version_a"`
	VersionB   string    `json:"version_b"`
	DetectedAt time.Time `json:"detected_at"`
	Resolved   bool      `json:"resolved"`
	Resolution string    `json:"resolution,omitempty"`
	WinnerID   string    `json:"winner_version_id,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}
