package types

import (
	"strings"
	"time"
)

// ParticipantID is the backend relationship id. Zero means the participant
// has not been identified yet.
type ParticipantID int64

// NoteID is the backend note id.
type NoteID int64

const (
	MinImportance = 0
	MaxImportance = 10

	// UnknownParticipantName is shown for provisional participants.
	UnknownParticipantName = "Unknown Participant"
)

// RelationshipKind classifies a relationship.
type RelationshipKind string

const (
	RelationshipUnset        RelationshipKind = ""
	RelationshipFamily       RelationshipKind = "FAMILY"
	RelationshipFriend       RelationshipKind = "FRIEND"
	RelationshipColleague    RelationshipKind = "COLLEAGUE"
	RelationshipAcquaintance RelationshipKind = "ACQUAINTANCE"
	RelationshipBusiness     RelationshipKind = "BUSINESS"
	RelationshipOther        RelationshipKind = "OTHER"
)

// ParseRelationshipKind maps a wire value onto a known kind. Empty input
// stays unset; values the client does not know become OTHER.
func ParseRelationshipKind(raw string) RelationshipKind {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	switch RelationshipKind(raw) {
	case RelationshipUnset:
		return RelationshipUnset
	case RelationshipFamily, RelationshipFriend, RelationshipColleague,
		RelationshipAcquaintance, RelationshipBusiness, RelationshipOther:
		return RelationshipKind(raw)
	default:
		return RelationshipOther
	}
}

// Label is the human form used by the overlay ("CLOSE_FRIEND" -> "close friend").
func (k RelationshipKind) Label() string {
	return strings.ToLower(strings.ReplaceAll(string(k), "_", " "))
}

// Note is one backend-generated note about a participant.
type Note struct {
	ID            NoteID
	ParticipantID ParticipantID
	Text          string
	Importance    int
	CreatedAt     time.Time
}

// ClampImportance forces an importance score into [MinImportance, MaxImportance].
func ClampImportance(v int) int {
	if v < MinImportance {
		return MinImportance
	}
	if v > MaxImportance {
		return MaxImportance
	}
	return v
}

// Participant is one person on the call as the client currently knows them.
type Participant struct {
	// Key is the store key: derived from ID once identified, otherwise a
	// provisional key unique within the call.
	Key          string
	ID           ParticipantID
	DisplayName  string
	Relationship RelationshipKind
	// Notes are ordered most recent first.
	Notes       []Note
	Provisional bool
	ObservedAt  time.Time
}

// Identified reports whether the participant carries a backend identity.
func (p Participant) Identified() bool { return p.ID != 0 }

// Clone returns a deep copy.
func (p Participant) Clone() Participant {
	out := p
	if p.Notes != nil {
		out.Notes = make([]Note, len(p.Notes))
		copy(out.Notes, p.Notes)
	}
	return out
}
