// Package enforcement runs the ordered checks that turn a signed agent request
// into an authorized call, a payment challenge, or a typed rejection.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/paygate/pkg/audit"
	"github.com/Mindburn-Labs/paygate/pkg/budget"
	"github.com/Mindburn-Labs/paygate/pkg/canonicalize"
	"github.com/Mindburn-Labs/paygate/pkg/envelope"
	"github.com/Mindburn-Labs/paygate/pkg/identity"
	"github.com/Mindburn-Labs/paygate/pkg/payment"
	"github.com/Mindburn-Labs/paygate/pkg/policy"
	"github.com/Mindburn-Labs/paygate/pkg/quote"
	"github.com/Mindburn-Labs/paygate/pkg/ratelimit"
	"github.com/Mindburn-Labs/paygate/pkg/receipts"
	"github.com/Mindburn-Labs/paygate/pkg/replay"
)

const instrumentationName = "github.com/Mindburn-Labs/paygate/pkg/enforcement"

// Request is the transport-neutral view of one inbound call.
type Request struct {
	ActionID string
	RouteID  string
	Method   string
	Path     string
	Header   http.Header
	Body     []byte
}

// RoutePolicies looks up the policy of a route id.
type RoutePolicies interface {
	Policy(routeID string) (policy.RoutePolicy, bool)
}

// PaymentService builds and verifies payment challenges.
type PaymentService interface {
	BuildQuote(actionID string, route policy.RoutePolicy, payTo, asset string) *payment.Challenge
	VerifyPayment(ctx context.Context, c *payment.Challenge, proof *payment.Proof, agent string) (*payment.Result, error)
}

// Deps are the collaborators of the orchestrator. All are required.
type Deps struct {
	Routes    RoutePolicies
	Verifier  identity.SignatureVerifier
	Nonces    replay.NonceStore
	Sessions  policy.SessionClient
	Passports policy.PassportClient
	Limiter   ratelimit.Limiter
	Budget    budget.Service
	Quotes    quote.Store
	Payments  PaymentService
	Receipts  receipts.Writer
	Events    audit.Sink

	// PayTo and Asset are written into every challenge.
	PayTo string
	Asset string
}

// Orchestrator composes the enforcement pipeline. Safe for concurrent use;
// all state lives in the collaborators.
type Orchestrator struct {
	deps          Deps
	lenientQuotes bool
	now           func() time.Time
	newActionID   func() string
	logger        *slog.Logger
	tracer        trace.Tracer
	decisions     metric.Int64Counter
	duration      metric.Float64Histogram
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLenientQuotes builds a quote on the paid retry when none was saved for
// the action. By default such a retry is rejected.
func WithLenientQuotes() Option {
	return func(o *Orchestrator) { o.lenientQuotes = true }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithActionIDs overrides how action ids are minted.
func WithActionIDs(next func() string) Option {
	return func(o *Orchestrator) { o.newActionID = next }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l.With("component", "enforcement") }
}

// WithTracer sets the tracer. Defaults to the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithMeter records decision metrics on m. Defaults to the global provider.
func WithMeter(m metric.Meter) Option {
	return func(o *Orchestrator) { o.initMetrics(m) }
}

// New validates deps and creates an Orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	required := []struct {
		name    string
		missing bool
	}{
		{"routes", deps.Routes == nil},
		{"verifier", deps.Verifier == nil},
		{"nonces", deps.Nonces == nil},
		{"sessions", deps.Sessions == nil},
		{"passports", deps.Passports == nil},
		{"limiter", deps.Limiter == nil},
		{"budget", deps.Budget == nil},
		{"quotes", deps.Quotes == nil},
		{"payments", deps.Payments == nil},
		{"receipts", deps.Receipts == nil},
		{"events", deps.Events == nil},
	}
	for _, r := range required {
		if r.missing {
			return nil, fmt.Errorf("enforcement: %s dependency is required", r.name)
		}
	}

	o := &Orchestrator{
		deps:        deps,
		now:         time.Now,
		newActionID: func() string { return "act_" + uuid.NewString() },
		logger:      slog.Default().With("component", "enforcement"),
		tracer:      otel.Tracer(instrumentationName),
	}
	o.initMetrics(otel.Meter(instrumentationName))
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// initMetrics falls back to no-op instruments when m refuses one, so Enforce
// never records on a nil instrument.
func (o *Orchestrator) initMetrics(m metric.Meter) {
	decisions, err := m.Int64Counter("paygate.enforce.decisions",
		metric.WithDescription("Enforcement decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil || decisions == nil {
		o.logger.Warn("failed to create metric instrument", "instrument", "paygate.enforce.decisions", "error", err)
		decisions = noop.Int64Counter{}
	}
	duration, err := m.Float64Histogram("paygate.enforce.duration",
		metric.WithDescription("Enforcement duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil || duration == nil {
		o.logger.Warn("failed to create metric instrument", "instrument", "paygate.enforce.duration", "error", err)
		duration = noop.Float64Histogram{}
	}
	o.decisions, o.duration = decisions, duration
}

// run carries per-request state through the steps.
type run struct {
	actionID string
	routeID  string
	agent    string
	span     trace.Span
}

// Enforce runs every check for req in order and stops at the first
// violation. A non-nil error is always a *Fault.
func (o *Orchestrator) Enforce(ctx context.Context, req Request) (Result, error) {
	start := o.now()
	st := &run{actionID: req.ActionID, routeID: req.RouteID}
	if st.actionID == "" {
		st.actionID = o.newActionID()
	}

	ctx, span := o.tracer.Start(ctx, "paygate.enforce", trace.WithAttributes(
		attribute.String("paygate.action_id", st.actionID),
		attribute.String("paygate.route_id", st.routeID),
	))
	defer span.End()
	st.span = span

	res, err := o.enforce(ctx, st, req)

	outcome := Outcome(res)
	if err != nil {
		outcome = string(CodePaymentLayerError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "enforcement fault")
		o.logger.ErrorContext(ctx, "enforcement fault",
			"action_id", st.actionID, "route_id", st.routeID, "agent", st.agent, "error", err)
		// Best effort: the trail should show the request did not proceed.
		if emitErr := o.appendEvent(ctx, st, audit.EventRequestBlocked, map[string]any{
			"code":    string(CodePaymentLayerError),
			"message": "internal error",
		}); emitErr != nil {
			o.logger.ErrorContext(ctx, "failed to record blocked event", "action_id", st.actionID, "error", emitErr)
		}
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome), attribute.String("route_id", st.routeID))
	o.decisions.Add(ctx, 1, attrs)
	o.duration.Record(ctx, o.now().Sub(start).Seconds(), attrs)
	span.SetAttributes(attribute.String("paygate.outcome", outcome))
	return res, err
}

func (o *Orchestrator) enforce(ctx context.Context, st *run, req Request) (Result, error) {
	route, ok := o.deps.Routes.Policy(st.routeID)
	if !ok {
		return nil, o.fault(st, "route", fmt.Errorf("%w: %q", ErrUnknownRoute, st.routeID))
	}

	// Identity.
	env, ok := envelope.Decode(req.Header)
	if !ok {
		return o.block(ctx, st, CodeInvalidSignature, "missing or malformed signed envelope")
	}
	st.agent = policy.NormalizeAddress(env.AgentAddress)
	session := policy.NormalizeAddress(env.SessionAddress)

	valid, err := o.deps.Verifier.Verify(ctx, env, identity.Request{Method: req.Method, Path: req.Path, Body: req.Body})
	if err != nil {
		return nil, o.fault(st, "signature", err)
	}
	if !valid {
		return o.block(ctx, st, CodeInvalidSignature, "signature verification failed")
	}
	if err := o.emit(ctx, st, audit.EventIdentityVerified, map[string]any{"session": session}); err != nil {
		return nil, err
	}

	// Replay, before any session state is read.
	fresh, err := o.deps.Nonces.Use(ctx, session, env.Nonce)
	if err != nil {
		return nil, o.fault(st, "nonce", err)
	}
	if !fresh {
		return o.block(ctx, st, CodeReplayNonce, "nonce already used")
	}

	now := o.now()

	// Session.
	sess, err := o.deps.Sessions.GetSession(ctx, session)
	if err != nil {
		return nil, o.fault(st, "session", err)
	}
	if sess == nil {
		return o.block(ctx, st, CodeSessionRevoked, "session not found")
	}
	active, err := o.deps.Sessions.IsSessionActive(ctx, session)
	if err != nil {
		return nil, o.fault(st, "session", err)
	}
	if !active {
		if sess.Expired(now) {
			return o.block(ctx, st, CodeSessionExpired, "session expired")
		}
		return o.block(ctx, st, CodeSessionRevoked, "session revoked")
	}
	if policy.NormalizeAddress(sess.Agent) != st.agent {
		return o.block(ctx, st, CodeInvalidSignature, "session does not belong to agent")
	}
	if err := o.emit(ctx, st, audit.EventSessionVerified, map[string]any{"session": session, "expiresAt": sess.ExpiresAt}); err != nil {
		return nil, err
	}

	// Passport.
	pp, err := o.deps.Passports.GetPassport(ctx, st.agent)
	if err != nil {
		return nil, o.fault(st, "passport", err)
	}
	if pp == nil || pp.Revoked {
		return o.block(ctx, st, CodePassportRevoked, "passport revoked or missing")
	}
	if pp.Expired(now) {
		return o.block(ctx, st, CodePassportExpired, "passport expired")
	}
	if err := o.emit(ctx, st, audit.EventPassportVerified, map[string]any{"owner": pp.Owner, "expiresAt": pp.ExpiresAt}); err != nil {
		return nil, err
	}

	// Scope and service.
	sessionScope, err := o.deps.Sessions.HasScope(ctx, session, route.Scope)
	if err != nil {
		return nil, o.fault(st, "scope", err)
	}
	passportScope := false
	if sessionScope {
		if passportScope, err = o.deps.Passports.IsScopeAllowed(ctx, st.agent, route.Scope); err != nil {
			return nil, o.fault(st, "scope", err)
		}
	}
	if !sessionScope || !passportScope {
		return o.block(ctx, st, CodeScopeForbidden, fmt.Sprintf("scope %q not granted", route.Scope))
	}
	if err := o.emit(ctx, st, audit.EventScopeVerified, map[string]any{"scope": route.Scope}); err != nil {
		return nil, err
	}

	serviceOK, err := o.deps.Passports.IsServiceAllowed(ctx, st.agent, route.Service)
	if err != nil {
		return nil, o.fault(st, "service", err)
	}
	if !serviceOK {
		return o.block(ctx, st, CodeServiceForbidden, fmt.Sprintf("service %q not allowed", route.Service))
	}
	if err := o.emit(ctx, st, audit.EventServiceVerified, map[string]any{"service": route.Service}); err != nil {
		return nil, err
	}

	// Rate limit.
	limit := effectiveRateLimit(route, pp)
	allowed, err := o.deps.Limiter.Allow(ctx, ratelimit.Key(st.agent, st.routeID), limit)
	if err != nil {
		return nil, o.fault(st, "rate_limit", err)
	}
	if !allowed {
		return o.block(ctx, st, CodeRateLimited, fmt.Sprintf("rate limit of %d per minute exceeded", limit))
	}
	if err := o.emit(ctx, st, audit.EventRateLimitVerified, map[string]any{"limitPerMin": limit}); err != nil {
		return nil, err
	}

	// Budget.
	price, err := route.Price()
	if err != nil {
		return nil, o.fault(st, "price", err)
	}
	if price.Cmp(orZero(pp.PerCallCap)) > 0 {
		return o.block(ctx, st, CodePerCallBudgetExceeded, "price exceeds per-call cap")
	}
	// The hold covers this request only; settle commits it, every other exit drops it.
	hold, canSpend, err := o.deps.Budget.Reserve(ctx, st.agent, price, orZero(pp.DailyCap))
	if err != nil {
		return nil, o.fault(st, "budget", err)
	}
	if !canSpend {
		return o.block(ctx, st, CodeDailyBudgetExceeded, "daily budget exceeded")
	}
	defer hold.Release()
	if err := o.emit(ctx, st, audit.EventBudgetVerified, map[string]any{"priceAtomic": price.String()}); err != nil {
		return nil, err
	}

	if !route.RequirePayment {
		return &Authorized{ActionID: st.actionID, Agent: st.agent, Session: session, Route: route}, nil
	}

	proof, hasProof := envelope.DecodeProof(req.Header)
	if !hasProof {
		return o.issueQuote(ctx, st, route)
	}
	return o.settle(ctx, st, route, session, proof, hold, req.Body)
}

// issueQuote returns the saved challenge for the action, or a fresh one when
// none exists or the saved one expired.
func (o *Orchestrator) issueQuote(ctx context.Context, st *run, route policy.RoutePolicy) (Result, error) {
	rec, err := o.deps.Quotes.Get(ctx, st.actionID)
	if err != nil {
		return nil, o.fault(st, "quote", err)
	}
	if rec != nil {
		if rec.Settled {
			return o.block(ctx, st, CodePaymentInvalid, "quote already settled")
		}
		if !o.quoteMatches(rec, st) {
			return o.block(ctx, st, CodePaymentInvalid, "quote does not match request")
		}
	}

	reused := rec != nil && !rec.Challenge.Expired(o.now())
	var challenge *payment.Challenge
	if reused {
		c := rec.Challenge
		challenge = &c
	} else {
		challenge = o.deps.Payments.BuildQuote(st.actionID, route, o.deps.PayTo, o.deps.Asset)
		if err := o.deps.Quotes.Save(ctx, st.actionID, challenge, st.routeID, st.agent); err != nil {
			if errors.Is(err, quote.ErrAlreadySettled) {
				return o.block(ctx, st, CodePaymentInvalid, "quote already settled")
			}
			return nil, o.fault(st, "quote", err)
		}
	}

	if err := o.emit(ctx, st, audit.EventQuoteIssued, map[string]any{
		"amountAtomic": challenge.AmountAtomic,
		"expiresAt":    challenge.ExpiresAt,
		"protocolMode": challenge.ProtocolMode,
		"reused":       reused,
	}); err != nil {
		return nil, err
	}
	return &PaymentRequired{ActionID: st.actionID, RouteID: st.routeID, Challenge: challenge}, nil
}

// settle verifies a proof against the action's quote, marks it settled and
// records the receipt.
func (o *Orchestrator) settle(ctx context.Context, st *run, route policy.RoutePolicy, session string, proof *payment.Proof, hold *budget.Reservation, body []byte) (Result, error) {
	rec, err := o.deps.Quotes.Get(ctx, st.actionID)
	if err != nil {
		return nil, o.fault(st, "quote", err)
	}

	var challenge *payment.Challenge
	switch {
	case rec == nil && !o.lenientQuotes:
		return o.block(ctx, st, CodePaymentInvalid, "quote not found")
	case rec == nil:
		challenge = o.deps.Payments.BuildQuote(st.actionID, route, o.deps.PayTo, o.deps.Asset)
		if err := o.deps.Quotes.Save(ctx, st.actionID, challenge, st.routeID, st.agent); err != nil {
			return nil, o.fault(st, "quote", err)
		}
	case rec.Settled:
		return o.block(ctx, st, CodePaymentInvalid, "quote already settled")
	case !o.quoteMatches(rec, st):
		return o.block(ctx, st, CodePaymentInvalid, "quote does not match request")
	default:
		c := rec.Challenge
		challenge = &c
	}

	if challenge.Expired(o.now()) {
		return o.block(ctx, st, CodePaymentInvalid, "quote expired")
	}

	result, err := o.deps.Payments.VerifyPayment(ctx, challenge, proof, st.agent)
	if err != nil {
		return nil, o.fault(st, "payment", err)
	}
	if !result.Verified {
		reason := result.Reason
		if reason == "" {
			reason = "payment not verified"
		}
		return o.block(ctx, st, CodePaymentInvalid, reason)
	}

	if err := o.deps.Quotes.MarkSettled(ctx, st.actionID, result.SettlementRef, result.TxHash); err != nil {
		switch {
		case errors.Is(err, quote.ErrAlreadySettled):
			return o.block(ctx, st, CodePaymentInvalid, "quote already settled")
		case errors.Is(err, quote.ErrPaymentReused):
			return o.block(ctx, st, CodePaymentInvalid, "payment already used")
		}
		return nil, o.fault(st, "settle", err)
	}
	if err := o.emit(ctx, st, audit.EventPaymentVerified, map[string]any{
		"mode":          result.Mode,
		"settlementRef": result.SettlementRef,
		"payer":         result.Payer,
		"amountAtomic":  result.AmountAtomic,
		"txHash":        result.TxHash,
	}); err != nil {
		return nil, err
	}

	settledAt := o.now().UTC()
	metadataHash, err := canonicalize.MetadataHash(st.routeID, body, settledAt.Unix())
	if err != nil {
		return nil, o.fault(st, "receipt", err)
	}
	receiptID, err := o.deps.Receipts.Write(ctx, &receipts.Receipt{
		ActionID:     st.actionID,
		Agent:        st.agent,
		Payer:        result.Payer,
		AmountAtomic: result.AmountAtomic,
		Asset:        challenge.Asset,
		RouteID:      st.routeID,
		PaymentRef:   result.SettlementRef,
		MetadataHash: metadataHash,
		TxHash:       result.TxHash,
		RecordedAt:   settledAt,
	})
	if err != nil {
		return nil, o.fault(st, "receipt", err)
	}
	if err := o.emit(ctx, st, audit.EventReceiptRecorded, map[string]any{
		"receiptId":    receiptID,
		"metadataHash": metadataHash,
	}); err != nil {
		return nil, err
	}

	// The payment is settled at this point; a failed spend record must not
	// turn it into an error for the caller.
	spend := hold.Amount()
	if paid, err := payment.ParseAtomic(result.AmountAtomic); err == nil {
		spend = paid
	}
	if err := hold.Commit(ctx, spend); err != nil {
		o.logger.ErrorContext(ctx, "failed to record spend", "action_id", st.actionID, "agent", st.agent, "error", err)
	}

	return &Authorized{
		ActionID:  st.actionID,
		Agent:     st.agent,
		Session:   session,
		Route:     route,
		Challenge: challenge,
		Payment:   result,
		ReceiptID: receiptID,
	}, nil
}

func (o *Orchestrator) quoteMatches(rec *quote.Record, st *run) bool {
	return rec.RouteID == st.routeID && policy.NormalizeAddress(rec.Agent) == st.agent
}

func (o *Orchestrator) block(ctx context.Context, st *run, code Code, message string) (Result, error) {
	f := &Failure{
		StatusCode: code.Status(),
		Code:       code,
		Message:    message,
		ActionID:   st.actionID,
		RouteID:    st.routeID,
	}
	if err := o.emit(ctx, st, audit.EventRequestBlocked, map[string]any{"code": string(code), "message": message}); err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "request blocked",
		"action_id", st.actionID, "route_id", st.routeID, "agent", st.agent, "code", code, "message", message)
	return &Blocked{Failure: f}, nil
}

// emit appends an event and marks the span. A sink failure is a fault.
func (o *Orchestrator) emit(ctx context.Context, st *run, t audit.EventType, details map[string]any) error {
	st.span.AddEvent(string(t))
	if err := o.appendEvent(ctx, st, t, details); err != nil {
		return o.fault(st, "audit", err)
	}
	return nil
}

func (o *Orchestrator) appendEvent(ctx context.Context, st *run, t audit.EventType, details map[string]any) error {
	return o.deps.Events.Append(ctx, audit.Event{
		ActionID:     st.actionID,
		AgentAddress: st.agent,
		RouteID:      st.routeID,
		EventType:    t,
		Details:      details,
		CreatedAt:    o.now().UTC(),
	})
}

func (o *Orchestrator) fault(st *run, step string, err error) error {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{ActionID: st.actionID, RouteID: st.routeID, Step: step, Err: err}
}

// effectiveRateLimit is the route limit, tightened by the passport limit when
// the passport sets one.
func effectiveRateLimit(route policy.RoutePolicy, pp *policy.Passport) int {
	limit := route.RateLimitPerMin
	if pp.RateLimitPerMin > 0 && (limit <= 0 || pp.RateLimitPerMin < limit) {
		limit = pp.RateLimitPerMin
	}
	return limit
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
