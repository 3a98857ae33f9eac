package entity

// UnknownSpeaker is the display name used when a speaker id matches no identity.
const UnknownSpeaker = "Unknown"

// TranscriptItem is one utterance of the recorded call.
type TranscriptItem struct {
	SpeakerID string  `json:"speaker_id"`
	Type      string  `json:"type,omitempty"`
	Text      string  `json:"text"`
	StartTs   float64 `json:"start_ts"`
	StopTs    float64 `json:"stop_ts"`
}

type Speaker struct {
	Name string `json:"name"`
}

type AttributedTranscriptItem struct {
	TranscriptItem
	User Speaker `json:"user"`
}
