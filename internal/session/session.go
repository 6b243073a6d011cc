package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nova-companion/nova/internal/usage"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// Session is one active voice call. Lifecycle state and the transition
// sequence number are guarded by mu; usage counters live in Usage and are
// written only by the metering path.
type Session struct {
	ID             string
	UserID         string
	ConversationID string
	Tier           string

	Usage *usage.Accumulator

	CreatedAt time.Time

	mu            sync.Mutex
	state         State
	seq           uint64
	connectedAt   time.Time
	endedAt       time.Time
	lastErrorCode string
	failures      int

	finalize sync.Once
	log      *zap.Logger
}

func newSession(userID, conversationID, tier string, rates usage.Rates, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Tier:           tier,
		Usage:          usage.NewAccumulator(rates),
		CreatedAt:      time.Now().UTC(),
		state:          StateInitializing,
		log:            log,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Transition moves the session to the next lifecycle state. Every accepted
// transition gets a monotonic sequence number and a log line; an event that
// is invalid for the current state is logged and rejected, never applied.
func (s *Session) Transition(to State) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ValidTransition(s.state, to) {
		s.log.Warn("rejected state transition",
			zap.String("session_id", s.ID),
			zap.String("from", string(s.state)),
			zap.String("to", string(to)),
			zap.Uint64("seq", s.seq),
		)
		return s.seq, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}

	s.seq++
	from := s.state
	s.state = to
	switch to {
	case StateConnected:
		s.connectedAt = time.Now().UTC()
	case StateEnded, StateError:
		s.endedAt = time.Now().UTC()
	}
	s.log.Info("state transition",
		zap.String("session_id", s.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Uint64("seq", s.seq),
	)
	return s.seq, nil
}

// Fail records the error code and forces the session into the terminal
// error state.
func (s *Session) Fail(code string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return s.seq
	}
	s.seq++
	from := s.state
	s.state = StateError
	s.lastErrorCode = code
	s.endedAt = time.Now().UTC()
	s.log.Warn("session failed",
		zap.String("session_id", s.ID),
		zap.String("from", string(from)),
		zap.String("code", code),
		zap.Uint64("seq", s.seq),
	)
	return s.seq
}

func (s *Session) LastErrorCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrorCode
}

// RecordUtteranceFailure bumps the consecutive-failure counter and returns
// the new count. A successful utterance resets it.
func (s *Session) RecordUtteranceFailure(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	s.lastErrorCode = code
	return s.failures
}

func (s *Session) ResetUtteranceFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
}

func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// FinalizeOnce runs fn the first time it is called for this session and
// reports whether this call won. Disconnect, an explicit session_end and a
// fatal error can all race into the finalizer; only one path may flush.
func (s *Session) FinalizeOnce(fn func()) bool {
	won := false
	s.finalize.Do(func() {
		won = true
		if fn != nil {
			fn()
		}
	})
	return won
}
