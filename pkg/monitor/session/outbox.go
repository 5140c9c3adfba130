package session

import "sync"

const defaultOutboxSize = 256

type frame struct {
	seq   uint64
	data  []byte
	media bool
}

// outbox is the single ordered queue between the router and the channel.
// It holds frames while disconnected and is drained by the connection's
// writer while connected.
//
// When full, the oldest media frame is dropped. Lifecycle edges are only
// dropped when the outbox holds nothing but edges; a media frame arriving
// at such an outbox is rejected instead.
type outbox struct {
	mu     sync.Mutex
	frames []frame
	limit  int
	seq    uint64
	signal chan struct{}
}

func newOutbox(limit int) *outbox {
	if limit <= 0 {
		limit = defaultOutboxSize
	}
	return &outbox{limit: limit, signal: make(chan struct{}, 1)}
}

// push appends a frame. It returns the frame dropped to make room, if any;
// that may be the new frame itself.
func (o *outbox) push(data []byte, media bool) (dropped frame, didDrop bool) {
	o.mu.Lock()
	o.seq++
	f := frame{seq: o.seq, data: data, media: media}
	if len(o.frames) >= o.limit {
		idx := o.victimLocked(media)
		if idx < 0 {
			o.mu.Unlock()
			return f, true
		}
		dropped, didDrop = o.frames[idx], true
		o.frames = append(o.frames[:idx], o.frames[idx+1:]...)
	}
	o.frames = append(o.frames, f)
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
	return dropped, didDrop
}

// victimLocked returns the index to evict, or -1 to reject the incoming
// frame. Callers hold o.mu and call it only when the outbox is full.
func (o *outbox) victimLocked(incomingMedia bool) int {
	for i, f := range o.frames {
		if f.media {
			return i
		}
	}
	if incomingMedia {
		return -1
	}
	return 0
}

func (o *outbox) front() (frame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.frames) == 0 {
		return frame{}, false
	}
	return o.frames[0], true
}

// frontEdge returns the oldest lifecycle edge.
func (o *outbox) frontEdge() (frame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, f := range o.frames {
		if !f.media {
			return f, true
		}
	}
	return frame{}, false
}

// remove drops the frame with seq if it is still queued.
func (o *outbox) remove(seq uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, f := range o.frames {
		if f.seq == seq {
			o.frames = append(o.frames[:i], o.frames[i+1:]...)
			return
		}
	}
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

// ready is signaled after every push.
func (o *outbox) ready() <-chan struct{} { return o.signal }
