package router

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/callmon/pkg/core/types"
)

type recordingSink struct {
	frames []string
	media  []bool
	err    error
}

func (s *recordingSink) Enqueue(data []byte, media bool) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, string(data))
	s.media = append(s.media, media)
	return nil
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRouter(sink Sink) *Router {
	return New(sink, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return fixedNow },
	})
}

func TestRouter_SendEncodesAndMarksMedia(t *testing.T) {
	sink := &recordingSink{}
	r := newRouter(sink)

	if err := r.Send(types.CallStart{CallID: "c1", At: fixedNow}); err != nil {
		t.Fatalf("Send(CallStart) error: %v", err)
	}
	if err := r.Send(types.VideoFrame{CallID: "c1", Payload: []byte("x"), CapturedAt: fixedNow}); err != nil {
		t.Fatalf("Send(VideoFrame) error: %v", err)
	}

	if len(sink.frames) != 2 {
		t.Fatalf("frames=%v", sink.frames)
	}
	if !strings.Contains(sink.frames[0], `"type":"call_start"`) || sink.media[0] {
		t.Fatalf("frame 0=%s media=%v", sink.frames[0], sink.media[0])
	}
	if !strings.Contains(sink.frames[1], `"type":"video_chunk"`) || !sink.media[1] {
		t.Fatalf("frame 1=%s media=%v", sink.frames[1], sink.media[1])
	}
	if r.Stats().Sent != 2 {
		t.Fatalf("stats=%+v", r.Stats())
	}
}

func TestRouter_SendPropagatesErrors(t *testing.T) {
	sinkErr := errors.New("closed")
	r := newRouter(&recordingSink{err: sinkErr})
	if err := r.Send(types.CallEnd{CallID: "c1"}); !errors.Is(err, sinkErr) {
		t.Fatalf("Send() error=%v, want wrapped sink error", err)
	}
	if err := r.Send(types.VideoFrame{}); err == nil {
		t.Fatalf("expected encode error for empty frame")
	}
}

func TestRouter_DispatchesInOrderToSubscribersInRegistrationOrder(t *testing.T) {
	r := newRouter(&recordingSink{})
	var trace []string
	r.Subscribe(HandlerFunc(func(ev types.InboundEvent) { trace = append(trace, "first:"+ev.InboundType()) }))
	r.Subscribe(HandlerFunc(func(ev types.InboundEvent) { trace = append(trace, "second:"+ev.InboundType()) }))

	r.HandleMessage([]byte(`{"type":"new_participant","participant":{"timestamp":1700000000000}}`))
	r.HandleMessage([]byte(`{"type":"note_generated","note":{"id":1,"relationship_id":7,"text":"likes coffee","importance":4}}`))

	want := []string{
		"first:new_participant", "second:new_participant",
		"first:note_generated", "second:note_generated",
	}
	if strings.Join(trace, ",") != strings.Join(want, ",") {
		t.Fatalf("trace=%v, want %v", trace, want)
	}
}

func TestRouter_BadMessagesAreDroppedWithoutStoppingDispatch(t *testing.T) {
	r := newRouter(&recordingSink{})
	var got []types.InboundEvent
	r.Subscribe(HandlerFunc(func(ev types.InboundEvent) { got = append(got, ev) }))

	r.HandleMessage([]byte(`{not json`))
	r.HandleMessage([]byte(`{"type":"speaker_changed"}`))
	r.HandleMessage([]byte(`{"type":"note_generated","note":{"id":0}}`))
	r.HandleMessage([]byte(`{"type":"participant_identified","participant":{"id":7,"name":"Alex"},"notes":[]}`))

	if len(got) != 1 {
		t.Fatalf("dispatched=%d, want 1", len(got))
	}
	ident, ok := got[0].(types.ParticipantIdentified)
	if !ok || ident.Participant.ID != 7 || ident.Participant.DisplayName != "Alex" {
		t.Fatalf("event=%+v", got[0])
	}

	st := r.Stats()
	if st.Received != 4 || st.Dispatched != 1 || st.UnknownTypes != 1 || st.DecodeErrors != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestRouter_StampsMissingTimestampsWithNow(t *testing.T) {
	r := newRouter(&recordingSink{})
	var note types.Note
	r.Subscribe(HandlerFunc(func(ev types.InboundEvent) { note = ev.(types.NoteGenerated).Note }))

	r.HandleMessage([]byte(`{"type":"note_generated","note":{"id":3,"relationship_id":7,"text":"x","importance":4}}`))
	if !note.CreatedAt.Equal(fixedNow) {
		t.Fatalf("created at=%v, want %v", note.CreatedAt, fixedNow)
	}
}
