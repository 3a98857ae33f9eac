package entity

import "time"

type MeetingStatus string

const (
	MeetingStatusUpcoming   MeetingStatus = "upcoming"
	MeetingStatusActive     MeetingStatus = "active"
	MeetingStatusProcessing MeetingStatus = "processing"
	MeetingStatusCompleted  MeetingStatus = "completed"
	MeetingStatusCancelled  MeetingStatus = "cancelled"
)

type Meeting struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	UserID        string        `json:"userId"`
	AgentID       string        `json:"agentId"`
	Status        MeetingStatus `json:"status"`
	TranscriptURL string        `json:"transcriptUrl,omitempty"`
	RecordingURL  string        `json:"recordingUrl,omitempty"`
	Summary       string        `json:"summary,omitempty"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
}

// Agent is the AI persona bound to a meeting.
type Agent struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
}

// Identity is a row of either identity table (users or agents).
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
