package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nova-companion/nova/internal/protocol"
	"github.com/nova-companion/nova/internal/session"
)

// Reason classifies why an admission attempt was rejected.
type Reason string

const (
	ReasonUnauthorized    Reason = "unauthorized"
	ReasonTierRequired    Reason = "tier_required"
	ReasonTooManySessions Reason = "too_many_sessions"
	ReasonUnavailable     Reason = "unavailable"
)

// Error is a rejected admission. No session is registered when Admit
// returns one of these.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("admission rejected (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("admission rejected (%s)", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// CloseCode maps the rejection to the websocket close code the transport
// should use.
func (e *Error) CloseCode() int {
	switch e.Reason {
	case ReasonUnauthorized:
		return protocol.CloseUnauthorized
	case ReasonTierRequired:
		return protocol.CloseTierRequired
	case ReasonTooManySessions:
		return protocol.CloseTooManySessions
	default:
		return protocol.CloseFatalError
	}
}

// TokenVerifier validates a client auth token and yields the user identity.
type TokenVerifier interface {
	Verify(token string) (userID string, err error)
}

// TierProvider is the external profile collaborator, consulted once per
// session at admission time.
type TierProvider interface {
	UserTier(ctx context.Context, userID string) (Tier, error)
}

const tierLookupTimeout = 3 * time.Second

// Controller gates session creation: auth, tier eligibility, and per-user
// concurrency, in that order.
type Controller struct {
	verifier TokenVerifier
	tiers    TierProvider
	registry *session.Registry
	minTier  Tier
	log      *zap.Logger
}

func NewController(verifier TokenVerifier, tiers TierProvider, registry *session.Registry, minTier Tier, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		verifier: verifier,
		tiers:    tiers,
		registry: registry,
		minTier:  minTier,
		log:      log,
	}
}

// Admit validates the token, checks tier eligibility and the concurrency
// limit, and registers a new session. The registry increment happens only
// after every check passes, so a rejection never leaks a count.
func (c *Controller) Admit(ctx context.Context, authToken, conversationID string) (*session.Session, *Error) {
	userID, err := c.verifier.Verify(authToken)
	if err != nil {
		c.log.Info("admission rejected: bad token", zap.Error(err))
		return nil, &Error{Reason: ReasonUnauthorized, Err: err}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, tierLookupTimeout)
	defer cancel()
	tier, err := c.tiers.UserTier(lookupCtx, userID)
	if err != nil {
		c.log.Warn("tier lookup failed", zap.String("user_id", userID), zap.Error(err))
		return nil, &Error{Reason: ReasonUnavailable, Err: err}
	}
	if !tier.Meets(c.minTier) {
		c.log.Info("admission rejected: tier below minimum",
			zap.String("user_id", userID),
			zap.String("tier", tier.String()),
			zap.String("min_tier", c.minTier.String()),
		)
		return nil, &Error{Reason: ReasonTierRequired}
	}

	s, err := c.registry.Admit(userID, conversationID, tier.String())
	if err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			c.log.Info("admission rejected: concurrency limit", zap.String("user_id", userID))
			return nil, &Error{Reason: ReasonTooManySessions, Err: err}
		}
		return nil, &Error{Reason: ReasonUnavailable, Err: err}
	}

	c.log.Info("session admitted",
		zap.String("session_id", s.ID),
		zap.String("user_id", userID),
		zap.String("tier", tier.String()),
	)
	return s, nil
}
