package types

import "time"

// MediaKind tells video sampling apart from audio sampling.
type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// OutboundEvent is a domain event the client sends to the backend. Values
// are immutable once constructed.
type OutboundEvent interface {
	OutboundType() string
}

// CallStart marks the Idle -> Active edge.
type CallStart struct {
	CallID string
	At     time.Time
}

func (e CallStart) OutboundType() string { return "call_start" }

// CallEnd marks the Active -> Idle edge.
type CallEnd struct {
	CallID string
	At     time.Time
}

func (e CallEnd) OutboundType() string { return "call_end" }

// VideoFrame carries one encoded frame.
type VideoFrame struct {
	CallID     string
	SourceID   string
	Payload    []byte
	CapturedAt time.Time
}

func (e VideoFrame) OutboundType() string { return "video_chunk" }

// AudioChunk carries one encoded audio segment.
type AudioChunk struct {
	CallID     string
	SourceID   string
	Payload    []byte
	CapturedAt time.Time
}

func (e AudioChunk) OutboundType() string { return "audio_chunk" }

// IsMedia reports whether ev is a sampled frame rather than a lifecycle edge.
func IsMedia(ev OutboundEvent) bool {
	switch ev.(type) {
	case VideoFrame, *VideoFrame, AudioChunk, *AudioChunk:
		return true
	default:
		return false
	}
}

// InboundEvent is a typed event decoded from a backend message.
type InboundEvent interface {
	InboundType() string
	// Call returns the call id echoed by the backend, or "" if absent.
	Call() string
}

// ParticipantIdentified carries a resolved identity and its known notes.
type ParticipantIdentified struct {
	CallID      string
	Participant Participant
	Notes       []Note
}

func (e ParticipantIdentified) InboundType() string { return "participant_identified" }
func (e ParticipantIdentified) Call() string        { return e.CallID }

// NewParticipant reports a face the backend could not match.
type NewParticipant struct {
	CallID     string
	Signature  []float64
	ObservedAt time.Time
}

func (e NewParticipant) InboundType() string { return "new_participant" }
func (e NewParticipant) Call() string        { return e.CallID }

// NoteGenerated carries a note produced during the call. Note.ParticipantID
// names the target participant.
type NoteGenerated struct {
	CallID string
	Note   Note
}

func (e NoteGenerated) InboundType() string { return "note_generated" }
func (e NoteGenerated) Call() string        { return e.CallID }
