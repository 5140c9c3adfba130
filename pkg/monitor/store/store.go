// Package store reconciles participant and note events for one call into
// a de-duplicated, ordered view.
//
// Reordered or repeated ParticipantIdentified and NoteGenerated events
// converge on the same final state: notes are merged by id, notes for a
// participant that is not known yet are held until it is identified, and
// a provisional participant is upgraded in place rather than duplicated.
package store

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/vango-go/callmon/pkg/core/types"
)

const (
	// DefaultPendingPerParticipant bounds notes held for one unknown participant.
	DefaultPendingPerParticipant = 32
	// DefaultPendingParticipants bounds how many unknown participants may hold notes.
	DefaultPendingParticipants = 64
)

// Result describes what a mutation did.
type Result int

const (
	Applied Result = iota + 1
	// Duplicate is an idempotent no-op: the event was already reflected.
	Duplicate
	// Pending means the event was held until its participant is identified.
	Pending
	// Ignored means the event carried nothing the store can key on.
	Ignored
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Pending:
		return "pending"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Stats counts mutation outcomes since the store was created.
type Stats struct {
	Applied        int
	Duplicates     int
	Pending        int
	PendingEvicted int
	Ignored        int
}

// Snapshot is an immutable view of the call. Callers must not modify the
// slices it holds.
type Snapshot struct {
	CallID       string
	Version      uint64
	Participants []types.Participant
}

// Len returns the number of participants.
func (s Snapshot) Len() int { return len(s.Participants) }

// Find returns the identified participant with the given id.
func (s Snapshot) Find(id types.ParticipantID) (types.Participant, bool) {
	if id == 0 {
		return types.Participant{}, false
	}
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return types.Participant{}, false
}

type fingerprint [32]byte

type entry struct {
	types.Participant
}

// Options tunes a Store.
type Options struct {
	Logger                *slog.Logger
	PendingPerParticipant int
	PendingParticipants   int
	// NewKey generates provisional keys; defaults to random UUIDs.
	NewKey func() string
}

// Store holds the participant view for the current call. Mutations are
// serialized by an internal lock; Snapshot never blocks on them.
type Store struct {
	logger         *slog.Logger
	newKey         func() string
	pendingPerPart int
	pendingParts   int

	mu           sync.Mutex
	callID       string
	version      uint64
	entries      []*entry
	byKey        map[string]*entry
	byID         map[types.ParticipantID]*entry
	sigs         map[fingerprint]*entry
	pending      map[types.ParticipantID][]types.Note
	pendingOrder []types.ParticipantID
	stats        Stats

	current atomic.Pointer[Snapshot]

	watchMu  sync.Mutex
	watchSeq int
	watchers map[int]func(Snapshot)
}

// New returns an empty store.
func New(opts Options) *Store {
	s := &Store{
		logger:         opts.Logger,
		newKey:         opts.NewKey,
		pendingPerPart: opts.PendingPerParticipant,
		pendingParts:   opts.PendingParticipants,
		watchers:       make(map[int]func(Snapshot)),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.newKey == nil {
		s.newKey = uuid.NewString
	}
	if s.pendingPerPart <= 0 {
		s.pendingPerPart = DefaultPendingPerParticipant
	}
	if s.pendingParts <= 0 {
		s.pendingParts = DefaultPendingParticipants
	}
	s.resetLocked("")
	s.current.Store(&Snapshot{})
	return s
}

// Snapshot returns the current view. Safe from any goroutine.
func (s *Store) Snapshot() Snapshot {
	return *s.current.Load()
}

// Stats returns mutation counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Watch registers fn to be called with every new snapshot. fn runs on the
// mutating goroutine and must not block. The returned func unregisters it.
func (s *Store) Watch(fn func(Snapshot)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	s.watchMu.Lock()
	s.watchSeq++
	id := s.watchSeq
	s.watchers[id] = fn
	s.watchMu.Unlock()
	return func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
}

// Reset empties the store for a new call.
func (s *Store) Reset(callID string) {
	s.mu.Lock()
	s.resetLocked(callID)
	snap := s.publishLocked()
	s.mu.Unlock()
	s.notify(snap)
}

// Clear drops every participant, note, and pending note.
func (s *Store) Clear() { s.Reset("") }

func (s *Store) resetLocked(callID string) {
	s.callID = callID
	s.entries = nil
	s.byKey = make(map[string]*entry)
	s.byID = make(map[types.ParticipantID]*entry)
	s.sigs = make(map[fingerprint]*entry)
	s.pending = make(map[types.ParticipantID][]types.Note)
	s.pendingOrder = nil
}

// Apply routes an inbound event to the matching mutation.
func (s *Store) Apply(ev types.InboundEvent) Result {
	switch e := ev.(type) {
	case types.ParticipantIdentified:
		return s.ApplyIdentified(e.Participant, e.Notes)
	case types.NewParticipant:
		return s.ApplyNewProvisional(e.ObservedAt, e.Signature)
	case types.NoteGenerated:
		return s.ApplyNoteGenerated(e.Note)
	default:
		s.mu.Lock()
		s.stats.Ignored++
		s.mu.Unlock()
		return Ignored
	}
}

// HandleInbound lets the store subscribe to a router directly.
func (s *Store) HandleInbound(ev types.InboundEvent) { s.Apply(ev) }

// ApplyIdentified upserts participant p by backend id and merges notes.
func (s *Store) ApplyIdentified(p types.Participant, notes []types.Note) Result {
	if p.ID == 0 {
		return s.ignore("participant_identified without id")
	}
	incoming := make([]types.Note, 0, len(notes))
	for _, n := range notes {
		n.ParticipantID = p.ID
		incoming = append(incoming, n)
	}

	s.mu.Lock()
	changed := false
	e := s.byID[p.ID]
	switch {
	case e != nil:
		if e.DisplayName != p.DisplayName || e.Relationship != p.Relationship {
			e.DisplayName = p.DisplayName
			e.Relationship = p.Relationship
			changed = true
		}
	case s.oldestProvisionalLocked() != nil:
		e = s.oldestProvisionalLocked()
		s.upgradeLocked(e, p)
		changed = true
	default:
		e = &entry{Participant: types.Participant{
			Key:          participantKey(p.ID),
			ID:           p.ID,
			DisplayName:  p.DisplayName,
			Relationship: p.Relationship,
			ObservedAt:   p.ObservedAt,
		}}
		s.entries = append(s.entries, e)
		s.byKey[e.Key] = e
		s.byID[p.ID] = e
		changed = true
	}

	base := e.Notes
	if held := s.takePendingLocked(p.ID); len(held) > 0 {
		base = mergeNotes(base, held)
	}
	merged := mergeNotes(base, incoming)
	if !notesEqual(e.Notes, merged) {
		e.Notes = merged
		changed = true
	}

	if !changed {
		s.stats.Duplicates++
		s.mu.Unlock()
		return Duplicate
	}
	s.stats.Applied++
	snap := s.publishLocked()
	s.mu.Unlock()
	s.notify(snap)
	return Applied
}

// ApplyNewProvisional adds a participant the backend could not identify.
// A repeated delivery with the same non-empty signature is a duplicate,
// including after that participant has been identified.
func (s *Store) ApplyNewProvisional(observedAt time.Time, signature []float64) Result {
	s.mu.Lock()
	var fp fingerprint
	hasSig := len(signature) > 0
	if hasSig {
		fp = fingerprintOf(signature)
		if _, ok := s.sigs[fp]; ok {
			s.stats.Duplicates++
			s.mu.Unlock()
			return Duplicate
		}
	}

	key := provisionalKey(s.newKey())
	for s.byKey[key] != nil {
		key = provisionalKey(s.newKey())
	}
	e := &entry{
		Participant: types.Participant{
			Key:         key,
			DisplayName: types.UnknownParticipantName,
			Provisional: true,
			ObservedAt:  observedAt,
		},
	}
	s.entries = append(s.entries, e)
	s.byKey[key] = e
	if hasSig {
		s.sigs[fp] = e
	}
	s.stats.Applied++
	snap := s.publishLocked()
	s.mu.Unlock()
	s.notify(snap)
	return Applied
}

// ApplyNoteGenerated adds n to its participant, or holds it until that
// participant is identified. A note id already present is a duplicate.
func (s *Store) ApplyNoteGenerated(n types.Note) Result {
	if n.ParticipantID == 0 || n.ID == 0 {
		return s.ignore("note_generated without participant or note id")
	}

	s.mu.Lock()
	e := s.byID[n.ParticipantID]
	if e == nil {
		res := s.holdLocked(n)
		s.mu.Unlock()
		return res
	}
	if hasNote(e.Notes, n.ID) {
		s.stats.Duplicates++
		s.mu.Unlock()
		return Duplicate
	}
	e.Notes = insertNote(e.Notes, n)
	s.stats.Applied++
	snap := s.publishLocked()
	s.mu.Unlock()
	s.notify(snap)
	return Applied
}

func (s *Store) ignore(reason string) Result {
	s.mu.Lock()
	s.stats.Ignored++
	s.mu.Unlock()
	s.logger.Debug("participant event ignored", "reason", reason)
	return Ignored
}

func (s *Store) holdLocked(n types.Note) Result {
	held, known := s.pending[n.ParticipantID]
	if hasNote(held, n.ID) {
		s.stats.Duplicates++
		return Duplicate
	}
	if !known {
		for len(s.pendingOrder) >= s.pendingParts {
			oldest := s.pendingOrder[0]
			s.pendingOrder = s.pendingOrder[1:]
			s.stats.PendingEvicted += len(s.pending[oldest])
			delete(s.pending, oldest)
			s.logger.Warn("pending notes evicted", "participant_id", int64(oldest))
		}
		s.pendingOrder = append(s.pendingOrder, n.ParticipantID)
	}
	held = append(held, n)
	if len(held) > s.pendingPerPart {
		s.stats.PendingEvicted += len(held) - s.pendingPerPart
		held = held[len(held)-s.pendingPerPart:]
		s.logger.Warn("pending note buffer full, oldest dropped", "participant_id", int64(n.ParticipantID))
	}
	s.pending[n.ParticipantID] = held
	s.stats.Pending++
	return Pending
}

func (s *Store) takePendingLocked(id types.ParticipantID) []types.Note {
	held, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	for i, pid := range s.pendingOrder {
		if pid == id {
			s.pendingOrder = append(s.pendingOrder[:i:i], s.pendingOrder[i+1:]...)
			break
		}
	}
	return held
}

func (s *Store) oldestProvisionalLocked() *entry {
	for _, e := range s.entries {
		if e.Provisional {
			return e
		}
	}
	return nil
}

// upgradeLocked turns a provisional entry into an identified one without
// moving it in the ordering.
func (s *Store) upgradeLocked(e *entry, p types.Participant) {
	delete(s.byKey, e.Key)
	e.Key = participantKey(p.ID)
	e.ID = p.ID
	e.DisplayName = p.DisplayName
	e.Relationship = p.Relationship
	e.Provisional = false
	s.byKey[e.Key] = e
	s.byID[p.ID] = e
}

func (s *Store) publishLocked() Snapshot {
	s.version++
	snap := &Snapshot{
		CallID:       s.callID,
		Version:      s.version,
		Participants: make([]types.Participant, 0, len(s.entries)),
	}
	for _, e := range s.entries {
		snap.Participants = append(snap.Participants, e.Participant.Clone())
	}
	s.current.Store(snap)
	return *snap
}

func (s *Store) notify(snap Snapshot) {
	s.watchMu.Lock()
	ids := make([]int, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.watchers[id])
	}
	s.watchMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func participantKey(id types.ParticipantID) string {
	return fmt.Sprintf("participant:%d", int64(id))
}

func provisionalKey(id string) string { return "provisional:" + id }

func fingerprintOf(sig []float64) fingerprint {
	buf := make([]byte, 8*len(sig))
	for i, v := range sig {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return blake3.Sum256(buf)
}
