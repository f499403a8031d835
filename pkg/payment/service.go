package payment

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/paygate/pkg/policy"
)

// DefaultQuoteTTL is the lifetime of an issued challenge.
const DefaultQuoteTTL = 3 * time.Minute

// Verifier verifies a proof against a challenge. Unverified payments are
// results; the error return is reserved for internal faults.
type Verifier interface {
	VerifyPayment(ctx context.Context, c *Challenge, proof *Proof, agent string) (*Result, error)
}

// Service builds quotes and dispatches proofs to the facilitator or the
// direct-transfer verifier.
type Service struct {
	facilitator *FacilitatorClient
	direct      *DirectVerifier
	quoteTTL    time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithQuoteTTL sets the challenge lifetime.
func WithQuoteTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.quoteTTL = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. Either verifier may be nil.
func NewService(facilitator *FacilitatorClient, direct *DirectVerifier, opts ...Option) *Service {
	s := &Service{
		facilitator: facilitator,
		direct:      direct,
		quoteTTL:    DefaultQuoteTTL,
		now:         time.Now,
		logger:      slog.Default().With("component", "payment"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BuildQuote constructs a challenge for an action on a route. Pure.
func (s *Service) BuildQuote(actionID string, route policy.RoutePolicy, payTo, asset string) *Challenge {
	mode := ProtocolDirectTransfer
	if s.facilitator.URL() != "" {
		mode = ProtocolPaymentSignature
	}
	amount := route.PriceAtomic
	if amount == "" {
		amount = "0"
	}
	return &Challenge{
		ActionID:       actionID,
		RouteID:        route.RouteID,
		Asset:          asset,
		AmountAtomic:   amount,
		PayTo:          payTo,
		ExpiresAt:      s.now().Add(s.quoteTTL).Unix(),
		FacilitatorURL: s.facilitator.URL(),
		ProtocolMode:   mode,
	}
}

// VerifyPayment verifies proof against c. A facilitator rejection with a tx
// hash on the proof falls back to direct transfer exactly once; a ledger fault
// during that fallback reports ReasonLedgerUnavailable.
func (s *Service) VerifyPayment(ctx context.Context, c *Challenge, proof *Proof, agent string) (*Result, error) {
	switch proof.Protocol {
	case ProtocolDirectTransfer:
		return s.direct.Verify(ctx, c, proof.TxHash)

	case ProtocolPaymentSignature:
		res := s.facilitator.Verify(ctx, c, proof.Signature, agent)
		if res.Verified || proof.TxHash == "" {
			return res, nil
		}
		s.logger.InfoContext(ctx, "facilitator unverified, falling back to direct transfer",
			"action_id", c.ActionID, "reason", res.Reason)
		direct, err := s.direct.Verify(ctx, c, proof.TxHash)
		if err != nil {
			s.logger.ErrorContext(ctx, "direct fallback failed", "action_id", c.ActionID, "error", err)
			return unverified(ModeDirect, ReasonLedgerUnavailable), nil
		}
		return direct, nil

	default:
		return unverified("", ReasonUnsupportedProtocol), nil
	}
}
