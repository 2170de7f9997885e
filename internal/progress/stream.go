package progress

import (
	"sync"

	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

// Stream is a bounded, non-blocking queue of progress events for one session.
//
// Publish never blocks: stale or duplicate samples are dropped, and when the
// queue is full the oldest queued event is discarded to make room. Phase
// changes are always enqueued. Close ends the stream; the channel returned by
// Events is closed once.
type Stream struct {
	mu        sync.Mutex
	ch        chan uploadtypes.ProgressEvent
	closed    bool
	lastBytes int64
	lastPhase uploadtypes.Phase
	started   bool
	dropped   int
}

// NewStream returns a stream buffering at most size events.
func NewStream(size int) *Stream {
	if size < 1 {
		size = 1
	}
	return &Stream{ch: make(chan uploadtypes.ProgressEvent, size)}
}

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan uploadtypes.ProgressEvent {
	return s.ch
}

// Publish enqueues ev unless it adds nothing over the previous event.
// It reports whether the event was enqueued.
func (s *Stream) Publish(ev uploadtypes.ProgressEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	phaseChanged := !s.started || ev.Phase != s.lastPhase
	if !phaseChanged && ev.BytesCompleted <= s.lastBytes {
		return false
	}
	if ev.BytesCompleted < s.lastBytes {
		ev.BytesCompleted = s.lastBytes
	}

	for {
		select {
		case s.ch <- ev:
			s.started = true
			s.lastPhase = ev.Phase
			s.lastBytes = ev.BytesCompleted
			return true
		default:
		}
		// Full: drop the oldest queued event and try again.
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

// Dropped returns how many queued events were discarded to make room.
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close closes the event channel. It is safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
