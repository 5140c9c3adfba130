// Package overlay turns a participant snapshot into what the call overlay
// shows for each person.
package overlay

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/vango-go/callmon/pkg/core/types"
	"github.com/vango-go/callmon/pkg/monitor/store"
)

// MaxNotes is how many notes the overlay shows per participant.
const MaxNotes = 3

const (
	NewContactLabel = "New Contact"
	NoNotesLabel    = "No notes yet"
)

type NoteView struct {
	Text       string
	Importance string
	Age        string
}

// View is the overlay card for one participant.
type View struct {
	Key          string
	Initial      string
	Name         string
	Relationship string
	NewContact   bool
	Notes        []NoteView
	// Placeholder is shown instead of notes; empty when notes are present
	// or the participant is a new contact.
	Placeholder string
}

// Build renders p as of now.
func Build(p types.Participant, now time.Time) View {
	name := strings.TrimSpace(p.DisplayName)
	if name == "" {
		name = types.UnknownParticipantName
	}
	v := View{
		Key:          p.Key,
		Initial:      initial(name),
		Name:         name,
		Relationship: p.Relationship.Label(),
		NewContact:   p.Provisional,
	}

	for i, n := range p.Notes {
		if i == MaxNotes {
			break
		}
		v.Notes = append(v.Notes, NoteView{
			Text:       n.Text,
			Importance: fmt.Sprintf("%d/%d", n.Importance, types.MaxImportance),
			Age:        age(n.CreatedAt, now),
		})
	}
	if len(v.Notes) == 0 && !v.NewContact {
		v.Placeholder = NoNotesLabel
	}
	return v
}

// Views renders every participant in snapshot order.
func Views(snap store.Snapshot, now time.Time) []View {
	out := make([]View, 0, snap.Len())
	for _, p := range snap.Participants {
		out = append(out, Build(p, now))
	}
	return out
}

// Render draws the snapshot as a table, one row per participant.
func Render(snap store.Snapshot, now time.Time) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"", "Participant", "Relationship", "Recent notes"})

	if snap.Len() == 0 {
		tw.AppendRow(table.Row{"", "No participants detected", "", ""})
	}
	for _, v := range Views(snap, now) {
		name := v.Name
		if v.NewContact {
			name += "\n" + NewContactLabel
		}
		tw.AppendRow(table.Row{v.Initial, name, v.Relationship, notesCell(v)})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignCenter, AlignHeader: text.AlignCenter},
		{Number: 4, WidthMax: 60},
	})
	return tw.Render()
}

func notesCell(v View) string {
	if v.Placeholder != "" {
		return v.Placeholder
	}
	lines := make([]string, 0, len(v.Notes))
	for _, n := range v.Notes {
		line := fmt.Sprintf("%s (%s", n.Text, n.Importance)
		if n.Age != "" {
			line += ", " + n.Age
		}
		lines = append(lines, line+")")
	}
	return strings.Join(lines, "\n")
}

func initial(name string) string {
	r, _ := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return "?"
	}
	return string(unicode.ToUpper(r))
}

func age(createdAt, now time.Time) string {
	if createdAt.IsZero() || now.IsZero() {
		return ""
	}
	return humanize.RelTime(createdAt, now, "ago", "from now")
}
