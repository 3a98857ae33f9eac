package entity

import "encoding/json"

// MeetingProcessingEvent is the payload of "meetings/processing".
type MeetingProcessingEvent struct {
	TranscriptURL string `json:"transcriptUrl" validate:"required,url"`
	MeetingID     string `json:"meetingId" validate:"required"`
}

// ChatMessageEvent is the payload of "chat/message.new". ChannelID is the meeting id.
type ChatMessageEvent struct {
	UserID    string `json:"userId" validate:"required"`
	ChannelID string `json:"channelId" validate:"required"`
	Text      string `json:"text" validate:"required"`
}

// Event is one delivery of a named event to the engine.
type Event struct {
	RunID   string          `json:"runId"`
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
	Attempt int             `json:"attempt"`
}
