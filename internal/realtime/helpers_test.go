package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeSink is an in-memory Sink. Like a real socket it honors write
// deadlines: a blocked sink waits out the deadline and then fails the write.
type fakeSink struct {
	mu       sync.Mutex
	frames   [][]byte
	deadline time.Time
	blocked  bool
	closed   bool
}

func (s *fakeSink) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = t
	return nil
}

func (s *fakeSink) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	blocked := s.blocked
	deadline := s.deadline
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return errors.New("write on closed sink")
	}
	if blocked {
		if wait := time.Until(deadline); wait > 0 {
			time.Sleep(wait)
		}
		return errors.New("write deadline exceeded")
	}
	if messageType != websocket.TextMessage {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

// waitForFrames polls until the sink has at least n frames or the timeout
// elapses.
func (s *fakeSink) waitForFrames(t *testing.T, n int, timeout time.Duration) [][]byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if frames := s.snapshot(); len(frames) >= n {
			return frames
		}
		time.Sleep(2 * time.Millisecond)
	}
	frames := s.snapshot()
	t.Fatalf("expected %d frames, got %d", n, len(frames))
	return frames
}

func decodeFrame(t *testing.T, raw []byte) Event {
	t.Helper()
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return ev
}

// allowAll is a Membership that admits everyone.
var allowAll = MembershipFunc(func(context.Context, string, string) (bool, error) {
	return true, nil
})

// allowOnly admits listed user ids to any channel.
func allowOnly(userIDs ...string) Membership {
	set := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		set[id] = true
	}
	return MembershipFunc(func(_ context.Context, userID, _ string) (bool, error) {
		return set[userID], nil
	})
}

func testRegistry(cfg RegistryConfig) *Registry {
	return NewRegistry(cfg, nil)
}
