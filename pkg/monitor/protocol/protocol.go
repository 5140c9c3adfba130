// Package protocol is the JSON wire format spoken over the call channel.
// Every frame is one JSON object with a mandatory "type" discriminator.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/callmon/pkg/core/types"
)

const (
	TypeCallStart             = "call_start"
	TypeCallEnd               = "call_end"
	TypeVideoChunk            = "video_chunk"
	TypeAudioChunk            = "audio_chunk"
	TypeParticipantIdentified = "participant_identified"
	TypeNewParticipant        = "new_participant"
	TypeNoteGenerated         = "note_generated"
)

const (
	CodeBadRequest  = "bad_request"
	CodeUnknownType = "unknown_type"
)

// DecodeError reports a frame that could not be turned into an event. It
// is recoverable: the frame is dropped and the channel stays open.
type DecodeError struct {
	Code    string
	Type    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(typ, message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Type: typ, Message: message, Param: param}
}

// IsUnknownType reports whether err is a DecodeError for an unrecognized
// type discriminator.
func IsUnknownType(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Code == CodeUnknownType
}

// --- outbound ---

type CallEdgeMessage struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type VideoChunkMessage struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id,omitempty"`
	SourceID  string `json:"source_id,omitempty"`
	VideoData string `json:"video_data"`
	Timestamp int64  `json:"timestamp"`
}

type AudioChunkMessage struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id,omitempty"`
	SourceID  string `json:"source_id,omitempty"`
	AudioData string `json:"audio_data"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeOutbound renders ev as one wire frame.
func EncodeOutbound(ev types.OutboundEvent) ([]byte, error) {
	switch e := ev.(type) {
	case types.CallStart:
		return json.Marshal(CallEdgeMessage{Type: TypeCallStart, CallID: e.CallID, Timestamp: unixMS(e.At)})
	case types.CallEnd:
		return json.Marshal(CallEdgeMessage{Type: TypeCallEnd, CallID: e.CallID, Timestamp: unixMS(e.At)})
	case types.VideoFrame:
		if len(e.Payload) == 0 {
			return nil, fmt.Errorf("encode %s: empty payload", TypeVideoChunk)
		}
		return json.Marshal(VideoChunkMessage{
			Type:      TypeVideoChunk,
			CallID:    e.CallID,
			SourceID:  e.SourceID,
			VideoData: base64.StdEncoding.EncodeToString(e.Payload),
			Timestamp: unixMS(e.CapturedAt),
		})
	case types.AudioChunk:
		if len(e.Payload) == 0 {
			return nil, fmt.Errorf("encode %s: empty payload", TypeAudioChunk)
		}
		return json.Marshal(AudioChunkMessage{
			Type:      TypeAudioChunk,
			CallID:    e.CallID,
			SourceID:  e.SourceID,
			AudioData: base64.StdEncoding.EncodeToString(e.Payload),
			Timestamp: unixMS(e.CapturedAt),
		})
	case nil:
		return nil, errors.New("encode: nil event")
	default:
		return nil, fmt.Errorf("encode: unsupported event %T", ev)
	}
}

func unixMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// --- inbound ---

type WireParticipant struct {
	ID               int64           `json:"id,omitempty"`
	Name             string          `json:"name,omitempty"`
	RelationshipType string          `json:"relationship_type,omitempty"`
	FaceEmbedding    []float64       `json:"face_embedding,omitempty"`
	Timestamp        json.RawMessage `json:"timestamp,omitempty"`
}

type WireNote struct {
	ID             int64           `json:"id"`
	RelationshipID int64           `json:"relationship_id,omitempty"`
	Text           string          `json:"text"`
	Importance     float64         `json:"importance"`
	CreatedAt      json.RawMessage `json:"created_at,omitempty"`
}

type ParticipantIdentifiedMessage struct {
	Type        string          `json:"type"`
	CallID      string          `json:"call_id,omitempty"`
	Participant WireParticipant `json:"participant"`
	Notes       []WireNote      `json:"notes"`
}

type NewParticipantMessage struct {
	Type        string           `json:"type"`
	CallID      string           `json:"call_id,omitempty"`
	Participant *WireParticipant `json:"participant,omitempty"`
}

type NoteGeneratedMessage struct {
	Type   string   `json:"type"`
	CallID string   `json:"call_id,omitempty"`
	Note   WireNote `json:"note"`
}

// DecodeInbound parses one backend frame. now stands in for timestamps
// the backend leaves out.
func DecodeInbound(data []byte, now time.Time) (types.InboundEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("", "invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("", "missing type", "type")
	}

	switch typ {
	case TypeParticipantIdentified:
		var msg ParticipantIdentifiedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest(typ, "invalid participant_identified", "")
		}
		if msg.Participant.ID <= 0 {
			return nil, badRequest(typ, "participant_identified.participant.id must be > 0", "participant.id")
		}
		pid := types.ParticipantID(msg.Participant.ID)
		notes := make([]types.Note, 0, len(msg.Notes))
		for i, wn := range msg.Notes {
			if wn.ID <= 0 {
				return nil, badRequest(typ, "participant_identified.notes[].id must be > 0", fmt.Sprintf("notes[%d].id", i))
			}
			n, err := noteFromWire(wn, now)
			if err != nil {
				return nil, badRequest(typ, err.Error(), fmt.Sprintf("notes[%d].created_at", i))
			}
			n.ParticipantID = pid
			notes = append(notes, n)
		}
		name := strings.TrimSpace(msg.Participant.Name)
		if name == "" {
			name = types.UnknownParticipantName
		}
		return types.ParticipantIdentified{
			CallID: strings.TrimSpace(msg.CallID),
			Participant: types.Participant{
				ID:           pid,
				DisplayName:  name,
				Relationship: types.ParseRelationshipKind(msg.Participant.RelationshipType),
			},
			Notes: notes,
		}, nil
	case TypeNewParticipant:
		var msg NewParticipantMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest(typ, "invalid new_participant", "")
		}
		ev := types.NewParticipant{CallID: strings.TrimSpace(msg.CallID), ObservedAt: now}
		if msg.Participant != nil {
			ev.Signature = msg.Participant.FaceEmbedding
			at, err := parseTimestamp(msg.Participant.Timestamp, now)
			if err != nil {
				return nil, badRequest(typ, err.Error(), "participant.timestamp")
			}
			ev.ObservedAt = at
		}
		return ev, nil
	case TypeNoteGenerated:
		var msg NoteGeneratedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest(typ, "invalid note_generated", "")
		}
		if msg.Note.ID <= 0 {
			return nil, badRequest(typ, "note_generated.note.id must be > 0", "note.id")
		}
		if msg.Note.RelationshipID <= 0 {
			return nil, badRequest(typ, "note_generated.note.relationship_id must be > 0", "note.relationship_id")
		}
		n, err := noteFromWire(msg.Note, now)
		if err != nil {
			return nil, badRequest(typ, err.Error(), "note.created_at")
		}
		n.ParticipantID = types.ParticipantID(msg.Note.RelationshipID)
		return types.NoteGenerated{CallID: strings.TrimSpace(msg.CallID), Note: n}, nil
	default:
		return nil, &DecodeError{Code: CodeUnknownType, Type: typ, Message: "unsupported message type", Param: "type"}
	}
}

func noteFromWire(wn WireNote, now time.Time) (types.Note, error) {
	createdAt, err := parseTimestamp(wn.CreatedAt, now)
	if err != nil {
		return types.Note{}, err
	}
	return types.Note{
		ID:         types.NoteID(wn.ID),
		Text:       strings.TrimSpace(wn.Text),
		Importance: types.ClampImportance(int(math.Round(wn.Importance))),
		CreatedAt:  createdAt,
	}, nil
}

// parseTimestamp accepts an RFC 3339 string, an integer millisecond epoch
// (bare or quoted), or nothing at all (fallback).
func parseTimestamp(raw json.RawMessage, fallback time.Time) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return fallback, nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}, errors.New("invalid timestamp")
		}
		str = strings.TrimSpace(str)
		if str == "" {
			return fallback, nil
		}
		if ms, err := strconv.ParseInt(str, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		t, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return time.Time{}, errors.New("timestamp must be RFC 3339 or epoch milliseconds")
		}
		return t.UTC(), nil
	}
	ms, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, errors.New("invalid timestamp")
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}
