package call

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xaosao/peercall/pkg/media"
)

// Session is one established call. Duration is recomputed from the monotonic
// clock delta on every tick, never counted down, so a suspended or throttled
// host cannot drift it negative.
type Session struct {
	ID           uuid.UUID
	BookingID    string
	CallType     media.CallType
	RemotePeerID string
	StartedAt    time.Time

	mu              sync.Mutex
	durationSeconds int
	endedAt         time.Time
	reason          EndReason
}

func newSession(bookingID string, callType media.CallType, remotePeerID string) *Session {
	return &Session{
		ID:           uuid.New(),
		BookingID:    bookingID,
		CallType:     callType,
		RemotePeerID: remotePeerID,
		StartedAt:    time.Now(),
	}
}

// Duration returns elapsed whole seconds, monotonically non-decreasing.
func (s *Session) Duration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durationSeconds
}

func (s *Session) updateDuration(now time.Time) int {
	elapsed := int(now.Sub(s.StartedAt) / time.Second)
	s.mu.Lock()
	if elapsed > s.durationSeconds {
		s.durationSeconds = elapsed
	}
	elapsed = s.durationSeconds
	s.mu.Unlock()
	return elapsed
}

func (s *Session) end(reason EndReason) {
	s.mu.Lock()
	if s.endedAt.IsZero() {
		s.endedAt = time.Now()
		s.reason = reason
	}
	s.mu.Unlock()
}

// EndReason returns the termination reason, or "" while active.
func (s *Session) EndReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
