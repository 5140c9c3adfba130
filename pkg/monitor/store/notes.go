package store

import (
	"sort"

	"github.com/vango-go/callmon/pkg/core/types"
)

// mergeNotes returns the union of existing and incoming keyed by note id,
// with incoming winning on conflicts, ordered most recent first.
func mergeNotes(existing, incoming []types.Note) []types.Note {
	if len(incoming) == 0 {
		return existing
	}
	byID := make(map[types.NoteID]types.Note, len(existing)+len(incoming))
	for _, n := range existing {
		byID[n.ID] = n
	}
	for _, n := range incoming {
		byID[n.ID] = n
	}
	out := make([]types.Note, 0, len(byID))
	for _, n := range byID {
		out = append(out, n)
	}
	sortNotes(out)
	return out
}

func sortNotes(notes []types.Note) {
	sort.Slice(notes, func(i, j int) bool { return newer(notes[i], notes[j]) })
}

// newer orders by CreatedAt descending, then by id descending so equal
// timestamps still sort deterministically.
func newer(a, b types.Note) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// insertNote places n at its position in most-recent-first order; for a
// freshly generated note that is the front.
func insertNote(notes []types.Note, n types.Note) []types.Note {
	i := sort.Search(len(notes), func(i int) bool { return newer(n, notes[i]) })
	out := make([]types.Note, 0, len(notes)+1)
	out = append(out, notes[:i]...)
	out = append(out, n)
	out = append(out, notes[i:]...)
	return out
}

func hasNote(notes []types.Note, id types.NoteID) bool {
	for _, n := range notes {
		if n.ID == id {
			return true
		}
	}
	return false
}

func notesEqual(a, b []types.Note) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ID != y.ID || x.Text != y.Text || x.Importance != y.Importance ||
			x.ParticipantID != y.ParticipantID || !x.CreatedAt.Equal(y.CreatedAt) {
			return false
		}
	}
	return true
}
