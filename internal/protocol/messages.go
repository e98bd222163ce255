package protocol

import "time"

// AudioFrame represents PCM audio data streamed from an edge microphone.
type AudioFrame struct {
	DeviceID   string `json:"device_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// SessionControl is sent by edge buttons to drive the voice session.
type SessionControl struct {
	Action string `json:"action"`
}

// SessionStatus is broadcast on every voice session state change.
type SessionStatus struct {
	CycleID    string    `json:"cycle_id,omitempty"`
	Status     string    `json:"status"`
	StatusText string    `json:"status_text"`
	Listening  bool      `json:"listening"`
	Transcript *string   `json:"transcript,omitempty"`
	Answer     *string   `json:"answer,omitempty"`
	Error      *string   `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectSessionControl   = "voice.session.control"
	SubjectSessionStatus    = "voice.session.status"

	ActionStart = "start"
	ActionStop  = "stop"
)

// AudioFrameSubject returns the subject frames for one device are published on.
func AudioFrameSubject(deviceID string) string {
	return SubjectAudioFramePrefix + "." + deviceID
}
