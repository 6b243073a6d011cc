package session

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/nova-companion/nova/internal/usage"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("too many concurrent sessions")
)

// Registry is the process-wide set of live sessions plus the per-user active
// count used for concurrency admission. All mutation is serialized here;
// entries are created only through Admit and removed only through Release.
type Registry struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	activeByUser map[string]int
	maxPerUser   int
	rates        usage.Rates
	log          *zap.Logger
}

func NewRegistry(maxPerUser int, rates usage.Rates, log *zap.Logger) *Registry {
	if maxPerUser <= 0 {
		maxPerUser = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		sessions:     make(map[string]*Session),
		activeByUser: make(map[string]int),
		maxPerUser:   maxPerUser,
		rates:        rates,
		log:          log,
	}
}

// Admit creates and registers a session for the user, or rejects it when the
// user already holds the maximum number of live sessions. The active count
// is incremented under the same lock that registers the session, so the
// count can never drift from the registry contents.
func (r *Registry) Admit(userID, conversationID, tier string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeByUser[userID] >= r.maxPerUser {
		return nil, ErrTooManySessions
	}

	s := newSession(userID, conversationID, tier, r.rates, r.log)
	r.sessions[s.ID] = s
	r.activeByUser[userID]++
	return s, nil
}

// Release removes the session and decrements the user's active count. It is
// idempotent: every session-end path funnels here and only the first call
// has any effect. A leaked count would permanently block the user's future
// sessions, so the decrement must happen on every exit path exactly once.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	if n := r.activeByUser[s.UserID]; n <= 1 {
		delete(r.activeByUser, s.UserID)
	} else {
		r.activeByUser[s.UserID] = n - 1
	}
}

func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// ActiveForUser returns the user's current live session count.
func (r *Registry) ActiveForUser(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeByUser[userID]
}

// ActiveCount returns the total number of registered sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
