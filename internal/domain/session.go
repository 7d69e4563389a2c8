// Package domain defines persisted record types.
package domain

import (
	"time"
)

// SessionRecord is the persisted bookkeeping row for one session.
type SessionRecord struct {
	SessionKey       string     `json:"session_key"`
	Stage            string     `json:"stage"`
	ExitReason       string     `json:"exit_reason,omitempty"`
	SessionComplete  bool       `json:"session_complete"`
	InteractionCount int        `json:"interaction_count"`
	ErrorCount       int        `json:"error_count"`
	AudioResponse    bool       `json:"audio_response"`
	VideoEnabled     bool       `json:"video_enabled"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TranscriptEntry is one persisted conversation message.
type TranscriptEntry struct {
	ID         int64     `json:"id"`
	SessionKey string    `json:"session_key"`
	Direction  string    `json:"direction"` // "inbound" (user) or "outbound" (agent)
	Kind       string    `json:"kind"`      // envelope kind, e.g. "text"
	Content    string    `json:"content"`
	Stage      string    `json:"stage"`
	CreatedAt  time.Time `json:"created_at"`
}
