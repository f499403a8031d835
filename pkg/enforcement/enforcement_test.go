package enforcement_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/Mindburn-Labs/paygate/pkg/audit"
	"github.com/Mindburn-Labs/paygate/pkg/budget"
	"github.com/Mindburn-Labs/paygate/pkg/enforcement"
	"github.com/Mindburn-Labs/paygate/pkg/envelope"
	"github.com/Mindburn-Labs/paygate/pkg/identity"
	"github.com/Mindburn-Labs/paygate/pkg/payment"
	"github.com/Mindburn-Labs/paygate/pkg/policy"
	"github.com/Mindburn-Labs/paygate/pkg/quote"
	"github.com/Mindburn-Labs/paygate/pkg/ratelimit"
	"github.com/Mindburn-Labs/paygate/pkg/receipts"
	"github.com/Mindburn-Labs/paygate/pkg/replay"
)

const (
	routeID   = "POST /api/v1/enrich/wallet"
	routePath = "/api/v1/enrich/wallet"
)

var (
	asset = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	payTo = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// countingBudget records whether the budget service was consulted.
type countingBudget struct {
	budget.Service
	reserveCalls atomic.Int32
}

func (c *countingBudget) Reserve(ctx context.Context, agent string, cost, dailyCap *big.Int) (*budget.Reservation, bool, error) {
	c.reserveCalls.Add(1)
	return c.Service.Reserve(ctx, agent, cost, dailyCap)
}

type fakeFetcher struct {
	receipts map[common.Hash]*types.Receipt
}

func (f *fakeFetcher) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

type failingSink struct{}

func (failingSink) Append(context.Context, audit.Event) error { return errors.New("sink offline") }

type harness struct {
	now        time.Time
	agentKey   *ecdsa.PrivateKey
	sessionKey *ecdsa.PrivateKey
	nonce      int

	routes   *policy.RouteTable
	policies *policy.MemoryStore
	storage  *budget.MemoryStorage
	budget   *countingBudget
	quotes   *quote.MemoryStore
	receipts *receipts.MemoryWriter
	events   *audit.MemorySink
	fetcher  *fakeFetcher
	orch     *enforcement.Orchestrator
}

type harnessConfig struct {
	facilitatorURL string
	events         audit.Sink
	opts           []enforcement.Option
}

func facilitatorStub(t *testing.T, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	agentKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	sessionKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		agentKey:   agentKey,
		sessionKey: sessionKey,
		fetcher:    &fakeFetcher{receipts: map[common.Hash]*types.Receipt{}},
	}
	clock := func() time.Time { return h.now }

	h.routes = policy.NewRouteTable(
		policy.RoutePolicy{RouteID: routeID, Scope: "enrich.wallet", Service: "enrichment", PriceAtomic: "1000000", RateLimitPerMin: 5, RequirePayment: true},
		policy.RoutePolicy{RouteID: "GET /api/v1/status", Scope: "enrich.wallet", Service: "enrichment", PriceAtomic: "0", RateLimitPerMin: 5},
	)
	h.policies = policy.NewMemoryStore().WithClock(clock)
	h.policies.PutPassport(&policy.Passport{
		Owner:      "0x1111111111111111111111111111111111111111",
		Agent:      h.agent(),
		ExpiresAt:  h.now.Add(24 * time.Hour).Unix(),
		PerCallCap: big.NewInt(2_000_000),
		DailyCap:   big.NewInt(5_000_000),
		Scopes:     policy.NameSet([]string{"enrich.wallet"}),
		Services:   policy.NameSet([]string{"enrichment"}),
	})
	h.policies.PutSession(&policy.Session{
		Owner:     "0x1111111111111111111111111111111111111111",
		Agent:     h.agent(),
		Session:   h.session(),
		ExpiresAt: h.now.Add(time.Hour).Unix(),
	})

	h.storage = budget.NewMemoryStorage()
	h.budget = &countingBudget{Service: budget.NewEnforcer(h.storage).WithClock(clock)}
	h.quotes = quote.NewMemoryStore()
	h.receipts = receipts.NewMemoryWriter()
	h.events = audit.NewMemorySink().WithClock(clock)

	var facilitator *payment.FacilitatorClient
	if cfg.facilitatorURL != "" {
		facilitator, err = payment.NewFacilitatorClient(payment.FacilitatorConfig{URL: cfg.facilitatorURL, Timeout: time.Second})
		require.NoError(t, err)
	}
	payments := payment.NewService(facilitator, payment.NewDirectVerifier(h.fetcher), payment.WithClock(clock))

	var sink audit.Sink = h.events
	if cfg.events != nil {
		sink = cfg.events
	}

	opts := append([]enforcement.Option{enforcement.WithClock(clock)}, cfg.opts...)
	h.orch, err = enforcement.New(enforcement.Deps{
		Routes:    h.routes,
		Verifier:  identity.NewEVMVerifier(5 * time.Minute).WithClock(clock),
		Nonces:    replay.NewMemoryStore(10 * time.Minute).WithClock(clock),
		Sessions:  h.policies,
		Passports: h.policies,
		Limiter:   ratelimit.NewMemoryLimiter().WithClock(clock),
		Budget:    h.budget,
		Quotes:    h.quotes,
		Payments:  payments,
		Receipts:  h.receipts,
		Events:    sink,
		PayTo:     payTo.Hex(),
		Asset:     asset.Hex(),
	}, opts...)
	require.NoError(t, err)
	return h
}

func (h *harness) agent() string   { return crypto.PubkeyToAddress(h.agentKey.PublicKey).Hex() }
func (h *harness) session() string { return crypto.PubkeyToAddress(h.sessionKey.PublicKey).Hex() }

// signed returns headers carrying a fresh signed envelope for body.
func (h *harness) signed(t *testing.T, actionID string, body []byte) http.Header {
	t.Helper()
	h.nonce++
	env := &envelope.Envelope{
		AgentAddress:   h.agent(),
		SessionAddress: h.session(),
		Timestamp:      h.now.Unix(),
		Nonce:          fmt.Sprintf("nonce-%d", h.nonce),
	}
	require.NoError(t, identity.Sign(h.sessionKey, env, identity.Request{Method: http.MethodPost, Path: routePath, Body: body}))
	hdr := http.Header{}
	env.Encode(hdr)
	if actionID != "" {
		hdr.Set(envelope.HeaderActionID, actionID)
	}
	return hdr
}

func (h *harness) enforce(t *testing.T, hdr http.Header, body []byte) enforcement.Result {
	t.Helper()
	res, err := h.orch.Enforce(context.Background(), enforcement.Request{
		ActionID: envelope.ActionID(hdr),
		RouteID:  routeID,
		Method:   http.MethodPost,
		Path:     routePath,
		Header:   hdr,
		Body:     body,
	})
	require.NoError(t, err)
	return res
}

func (h *harness) eventTypes(t *testing.T, actionID string) []audit.EventType {
	t.Helper()
	trail, err := h.events.ListByAction(context.Background(), actionID)
	require.NoError(t, err)
	out := make([]audit.EventType, len(trail))
	for i, e := range trail {
		out[i] = e.EventType
	}
	return out
}

func requireBlocked(t *testing.T, res enforcement.Result, code enforcement.Code) *enforcement.Failure {
	t.Helper()
	b, ok := res.(*enforcement.Blocked)
	require.Truef(t, ok, "expected Blocked, got %T", res)
	assert.Equal(t, code, b.Failure.Code)
	assert.Equal(t, code.Status(), b.Failure.StatusCode)
	assert.NotEmpty(t, b.Failure.ActionID)
	assert.Equal(t, routeID, b.Failure.RouteID)
	return b.Failure
}

var preamble = []audit.EventType{
	audit.EventIdentityVerified,
	audit.EventSessionVerified,
	audit.EventPassportVerified,
	audit.EventScopeVerified,
	audit.EventServiceVerified,
	audit.EventRateLimitVerified,
	audit.EventBudgetVerified,
}

func with(tail ...audit.EventType) []audit.EventType {
	return append(append([]audit.EventType{}, preamble...), tail...)
}

func TestEnforce_PaidFlowWithFacilitator(t *testing.T) {
	h := newHarness(t, harnessConfig{
		facilitatorURL: facilitatorStub(t, `{"verified":true,"settlementRef":"fac-123"}`),
		opts:           []enforcement.Option{enforcement.WithActionIDs(func() string { return "act-fixed" })},
	})
	body := []byte(`{"wallet":"0xabc"}`)

	res := h.enforce(t, h.signed(t, "", body), body)
	pr, ok := res.(*enforcement.PaymentRequired)
	require.Truef(t, ok, "expected PaymentRequired, got %T", res)
	assert.Equal(t, "act-fixed", pr.ActionID)
	assert.Equal(t, "1000000", pr.Challenge.AmountAtomic)
	assert.Equal(t, "act-fixed", pr.Challenge.ActionID)
	assert.Equal(t, payment.ProtocolPaymentSignature, pr.Challenge.ProtocolMode)
	assert.Equal(t, h.now.Add(payment.DefaultQuoteTTL).Unix(), pr.Challenge.ExpiresAt)
	assert.Equal(t, with(audit.EventQuoteIssued), h.eventTypes(t, "act-fixed"))

	retry := h.signed(t, pr.ActionID, body)
	retry.Set(envelope.HeaderPaymentSignature, "0xsig")
	res = h.enforce(t, retry, body)
	auth, ok := res.(*enforcement.Authorized)
	require.Truef(t, ok, "expected Authorized, got %T", res)
	assert.Equal(t, "act-fixed", auth.ActionID)
	assert.Equal(t, "fac-123", auth.Payment.SettlementRef)
	assert.Equal(t, payment.ModeFacilitator, auth.Payment.Mode)
	assert.NotEmpty(t, auth.ReceiptID)

	assert.Equal(t, append(with(audit.EventQuoteIssued), with(audit.EventPaymentVerified, audit.EventReceiptRecorded)...),
		h.eventTypes(t, "act-fixed"))

	rcpt, ok := h.receipts.Get("act-fixed")
	require.True(t, ok)
	assert.Equal(t, auth.ReceiptID, rcpt.ReceiptID)
	assert.Equal(t, "1000000", rcpt.AmountAtomic)
	assert.Equal(t, "fac-123", rcpt.PaymentRef)
	assert.Equal(t, routeID, rcpt.RouteID)
	assert.True(t, strings.HasPrefix(rcpt.MetadataHash, "0x"))

	rec, err := h.quotes.Get(context.Background(), "act-fixed")
	require.NoError(t, err)
	assert.True(t, rec.Settled)

	spent, err := h.storage.SpentOn(context.Background(), policy.NormalizeAddress(h.agent()), budget.Day(h.now))
	require.NoError(t, err)
	assert.Equal(t, "1000000", spent.String())

	ok, idx := h.events.VerifyChain()
	assert.True(t, ok, "chain broken at %d", idx)

	t.Run("settled quote cannot be paid twice", func(t *testing.T) {
		again := h.signed(t, "act-fixed", body)
		again.Set(envelope.HeaderPaymentSignature, "0xsig")
		f := requireBlocked(t, h.enforce(t, again, body), enforcement.CodePaymentInvalid)
		assert.Equal(t, "quote already settled", f.Message)
	})
}

func TestEnforce_PerCallCapRejectedBeforeBudget(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	pp, err := h.policies.GetPassport(context.Background(), h.agent())
	require.NoError(t, err)
	pp.PerCallCap = big.NewInt(100)
	h.policies.PutPassport(pp)

	res := h.enforce(t, h.signed(t, "act-cap", nil), nil)
	requireBlocked(t, res, enforcement.CodePerCallBudgetExceeded)
	assert.Zero(t, h.budget.reserveCalls.Load())

	rec, err := h.quotes.Get(context.Background(), "act-cap")
	require.NoError(t, err)
	assert.Nil(t, rec, "no quote is built")

	assert.Equal(t, []audit.EventType{
		audit.EventIdentityVerified,
		audit.EventSessionVerified,
		audit.EventPassportVerified,
		audit.EventScopeVerified,
		audit.EventServiceVerified,
		audit.EventRateLimitVerified,
		audit.EventRequestBlocked,
	}, h.eventTypes(t, "act-cap"))
}

func TestEnforce_ReplayedNonce(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	hdr := h.signed(t, "act-replay", nil)

	_, ok := h.enforce(t, hdr, nil).(*enforcement.PaymentRequired)
	require.True(t, ok)

	f := requireBlocked(t, h.enforce(t, hdr, nil), enforcement.CodeReplayNonce)
	assert.Equal(t, http.StatusConflict, f.StatusCode)

	trail := h.eventTypes(t, "act-replay")
	assert.Equal(t, []audit.EventType{audit.EventIdentityVerified, audit.EventRequestBlocked}, trail[len(trail)-2:])
}

func TestEnforce_SignatureFailures(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	t.Run("missing envelope", func(t *testing.T) {
		res := h.enforce(t, http.Header{envelope.HeaderActionID: {"act-none"}}, nil)
		requireBlocked(t, res, enforcement.CodeInvalidSignature)
		assert.Equal(t, []audit.EventType{audit.EventRequestBlocked}, h.eventTypes(t, "act-none"))
	})

	t.Run("body tampered after signing", func(t *testing.T) {
		hdr := h.signed(t, "act-tamper", []byte(`{"a":1}`))
		requireBlocked(t, h.enforce(t, hdr, []byte(`{"a":2}`)), enforcement.CodeInvalidSignature)
	})

	t.Run("signed by another key", func(t *testing.T) {
		other, err := crypto.GenerateKey()
		require.NoError(t, err)
		env := &envelope.Envelope{AgentAddress: h.agent(), SessionAddress: h.session(), Timestamp: h.now.Unix(), Nonce: "forged"}
		require.NoError(t, identity.Sign(other, env, identity.Request{Method: http.MethodPost, Path: routePath}))
		hdr := http.Header{}
		env.Encode(hdr)
		requireBlocked(t, h.enforce(t, hdr, nil), enforcement.CodeInvalidSignature)
	})

	t.Run("session bound to another agent", func(t *testing.T) {
		h.policies.PutSession(&policy.Session{
			Agent:     "0x9999999999999999999999999999999999999999",
			Session:   h.session(),
			ExpiresAt: h.now.Add(time.Hour).Unix(),
		})
		f := requireBlocked(t, h.enforce(t, h.signed(t, "act-mismatch", nil), nil), enforcement.CodeInvalidSignature)
		assert.Equal(t, "session does not belong to agent", f.Message)
	})
}

func TestEnforce_PolicyFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness)
		code  enforcement.Code
	}{
		{"session missing", func(t *testing.T, h *harness) {
			key, err := crypto.GenerateKey()
			require.NoError(t, err)
			h.sessionKey = key
		}, enforcement.CodeSessionRevoked},
		{"session revoked", func(t *testing.T, h *harness) { h.policies.RevokeSession(h.session()) }, enforcement.CodeSessionRevoked},
		{"session expired", func(t *testing.T, h *harness) {
			h.policies.PutSession(&policy.Session{Agent: h.agent(), Session: h.session(), ExpiresAt: h.now.Unix()})
		}, enforcement.CodeSessionExpired},
		{"passport revoked", func(t *testing.T, h *harness) { h.policies.RevokePassport(h.agent()) }, enforcement.CodePassportRevoked},
		{"passport expired", func(t *testing.T, h *harness) {
			updatePassport(t, h, func(p *policy.Passport) { p.ExpiresAt = h.now.Unix() })
		}, enforcement.CodePassportExpired},
		{"scope not on passport", func(t *testing.T, h *harness) {
			updatePassport(t, h, func(p *policy.Passport) { p.Scopes = policy.NameSet([]string{"other.scope"}) })
		}, enforcement.CodeScopeForbidden},
		{"scope narrowed by session", func(t *testing.T, h *harness) {
			h.policies.PutSession(&policy.Session{Agent: h.agent(), Session: h.session(), ExpiresAt: h.now.Add(time.Hour).Unix(),
				Scopes: policy.NameSet([]string{"read.only"})})
		}, enforcement.CodeScopeForbidden},
		{"service not allowed", func(t *testing.T, h *harness) {
			updatePassport(t, h, func(p *policy.Passport) { p.Services = policy.NameSet([]string{"search"}) })
		}, enforcement.CodeServiceForbidden},
		{"daily budget spent", func(t *testing.T, h *harness) {
			agent := policy.NormalizeAddress(h.agent())
			require.NoError(t, h.storage.Add(context.Background(), agent, budget.Day(h.now), big.NewInt(4_500_000)))
		}, enforcement.CodeDailyBudgetExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessConfig{})
			tt.setup(t, h)
			requireBlocked(t, h.enforce(t, h.signed(t, "act-policy", nil), nil), tt.code)

			trail := h.eventTypes(t, "act-policy")
			assert.Equal(t, audit.EventRequestBlocked, trail[len(trail)-1])
		})
	}
}

func updatePassport(t *testing.T, h *harness, mutate func(*policy.Passport)) {
	t.Helper()
	pp, err := h.policies.GetPassport(context.Background(), h.agent())
	require.NoError(t, err)
	mutate(pp)
	h.policies.PutPassport(pp)
}

func TestEnforce_RateLimited(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	for i := 0; i < 5; i++ {
		_, ok := h.enforce(t, h.signed(t, fmt.Sprintf("act-%d", i), nil), nil).(*enforcement.PaymentRequired)
		require.True(t, ok)
	}
	requireBlocked(t, h.enforce(t, h.signed(t, "act-6", nil), nil), enforcement.CodeRateLimited)

	h.now = h.now.Add(ratelimit.Window)
	_, ok := h.enforce(t, h.signed(t, "act-7", nil), nil).(*enforcement.PaymentRequired)
	assert.True(t, ok, "window resets")
}

func TestEnforce_UnpaidRouteAuthorizes(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	res, err := h.orch.Enforce(context.Background(), enforcement.Request{
		ActionID: "act-free",
		RouteID:  "GET /api/v1/status",
		Method:   http.MethodPost,
		Path:     routePath,
		Header:   h.signed(t, "", nil),
	})
	require.NoError(t, err)
	auth, ok := res.(*enforcement.Authorized)
	require.True(t, ok)
	assert.Nil(t, auth.Challenge)
	assert.Empty(t, auth.ReceiptID)
	assert.Equal(t, preamble, h.eventTypes(t, "act-free"))
}

func TestEnforce_QuoteLifecycle(t *testing.T) {
	t.Run("proof without quote is rejected", func(t *testing.T) {
		h := newHarness(t, harnessConfig{facilitatorURL: facilitatorStub(t, `{"verified":true}`)})
		hdr := h.signed(t, "act-strict", nil)
		hdr.Set(envelope.HeaderPaymentSignature, "0xsig")
		f := requireBlocked(t, h.enforce(t, hdr, nil), enforcement.CodePaymentInvalid)
		assert.Equal(t, "quote not found", f.Message)
	})

	t.Run("lenient mode builds the quote on verify", func(t *testing.T) {
		h := newHarness(t, harnessConfig{
			facilitatorURL: facilitatorStub(t, `{"verified":true}`),
			opts:           []enforcement.Option{enforcement.WithLenientQuotes()},
		})
		hdr := h.signed(t, "act-lenient", nil)
		hdr.Set(envelope.HeaderPaymentSignature, "0xsig")
		_, ok := h.enforce(t, hdr, nil).(*enforcement.Authorized)
		assert.True(t, ok)
	})

	t.Run("quote is reused until it expires", func(t *testing.T) {
		h := newHarness(t, harnessConfig{})
		first := h.enforce(t, h.signed(t, "act-q", nil), nil).(*enforcement.PaymentRequired)

		h.now = h.now.Add(time.Minute)
		second := h.enforce(t, h.signed(t, "act-q", nil), nil).(*enforcement.PaymentRequired)
		assert.Equal(t, first.Challenge, second.Challenge)

		h.now = h.now.Add(3 * time.Minute)
		third := h.enforce(t, h.signed(t, "act-q", nil), nil).(*enforcement.PaymentRequired)
		assert.Greater(t, third.Challenge.ExpiresAt, first.Challenge.ExpiresAt)
	})

	t.Run("expired quote rejects the proof before verification", func(t *testing.T) {
		h := newHarness(t, harnessConfig{facilitatorURL: facilitatorStub(t, `{"verified":true}`)})
		h.enforce(t, h.signed(t, "act-exp", nil), nil)

		h.now = h.now.Add(payment.DefaultQuoteTTL)
		hdr := h.signed(t, "act-exp", nil)
		hdr.Set(envelope.HeaderPaymentSignature, "0xsig")
		f := requireBlocked(t, h.enforce(t, hdr, nil), enforcement.CodePaymentInvalid)
		assert.Equal(t, "quote expired", f.Message)
		_, found := h.receipts.Get("act-exp")
		assert.False(t, found)
	})

	t.Run("quote bound to another route", func(t *testing.T) {
		h := newHarness(t, harnessConfig{})
		c := &payment.Challenge{ActionID: "act-other", RouteID: "GET /x", AmountAtomic: "1", ExpiresAt: h.now.Add(time.Minute).Unix()}
		require.NoError(t, h.quotes.Save(context.Background(), "act-other", c, "GET /x", h.agent()))
		f := requireBlocked(t, h.enforce(t, h.signed(t, "act-other", nil), nil), enforcement.CodePaymentInvalid)
		assert.Equal(t, "quote does not match request", f.Message)
	})
}

func transferReceipt(t *testing.T, from common.Address, value int64) (string, *types.Receipt) {
	t.Helper()
	lg, err := payment.EncodeTransferLog(asset, from, payTo, big.NewInt(value))
	require.NoError(t, err)
	txHash := crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%s-%d", from.Hex(), value)))
	return txHash.Hex(), &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: []*types.Log{lg}}
}

func TestEnforce_DirectTransfer(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	payer := common.HexToAddress("0x3333333333333333333333333333333333333333")
	txHash, rcpt := transferReceipt(t, payer, 1_000_000)
	h.fetcher.receipts[common.HexToHash(txHash)] = rcpt

	pr := h.enforce(t, h.signed(t, "act-direct", nil), nil).(*enforcement.PaymentRequired)
	assert.Equal(t, payment.ProtocolDirectTransfer, pr.Challenge.ProtocolMode)

	hdr := h.signed(t, "act-direct", nil)
	hdr.Set(envelope.HeaderPaymentTx, txHash)
	auth, ok := h.enforce(t, hdr, nil).(*enforcement.Authorized)
	require.True(t, ok)
	assert.Equal(t, payment.ModeDirect, auth.Payment.Mode)

	stored, _ := h.receipts.Get("act-direct")
	assert.Equal(t, txHash, stored.TxHash)
	assert.True(t, strings.EqualFold(payer.Hex(), stored.Payer))

	t.Run("short payment", func(t *testing.T) {
		short, r := transferReceipt(t, payer, 999_999)
		h.fetcher.receipts[common.HexToHash(short)] = r
		h.enforce(t, h.signed(t, "act-short", nil), nil)

		hdr := h.signed(t, "act-short", nil)
		hdr.Set(envelope.HeaderPaymentTx, short)
		f := requireBlocked(t, h.enforce(t, hdr, nil), enforcement.CodePaymentInvalid)
		assert.Equal(t, payment.ReasonNoMatchingTransfer, f.Message)
	})
}

func TestEnforce_TxHashSettlesOneAction(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	payer := common.HexToAddress("0x5555555555555555555555555555555555555555")
	txHash, rcpt := transferReceipt(t, payer, 1_000_000)
	h.fetcher.receipts[common.HexToHash(txHash)] = rcpt

	h.enforce(t, h.signed(t, "act-first", nil), nil)
	hdr := h.signed(t, "act-first", nil)
	hdr.Set(envelope.HeaderPaymentTx, txHash)
	_, ok := h.enforce(t, hdr, nil).(*enforcement.Authorized)
	require.True(t, ok)

	h.enforce(t, h.signed(t, "act-second", nil), nil)
	hdr = h.signed(t, "act-second", nil)
	hdr.Set(envelope.HeaderPaymentTx, "0x"+strings.ToUpper(txHash[2:]))
	f := requireBlocked(t, h.enforce(t, hdr, nil), enforcement.CodePaymentInvalid)
	assert.Equal(t, "payment already used", f.Message)

	_, found := h.receipts.Get("act-second")
	assert.False(t, found, "no receipt for the reused payment")
	rec, err := h.quotes.Get(context.Background(), "act-second")
	require.NoError(t, err)
	assert.False(t, rec.Settled)

	spent, err := h.storage.SpentOn(context.Background(), policy.NormalizeAddress(h.agent()), budget.Day(h.now))
	require.NoError(t, err)
	assert.Equal(t, "1000000", spent.String(), "only the first action is charged")
}

func TestEnforce_ConcurrentSettlementsRespectDailyCap(t *testing.T) {
	h := newHarness(t, harnessConfig{facilitatorURL: facilitatorStub(t, `{"verified":true}`)})
	require.NoError(t, h.storage.Add(context.Background(), policy.NormalizeAddress(h.agent()), budget.Day(h.now), big.NewInt(4_000_000)))

	const n = 4
	for i := 0; i < n; i++ {
		h.enforce(t, h.signed(t, fmt.Sprintf("act-race-%d", i), nil), nil)
	}
	// Next rate window, so every settlement reaches the budget step.
	h.now = h.now.Add(ratelimit.Window)
	headers := make([]http.Header, n)
	for i := range headers {
		headers[i] = h.signed(t, fmt.Sprintf("act-race-%d", i), nil)
		headers[i].Set(envelope.HeaderPaymentSignature, "0xsig")
	}

	results := make([]enforcement.Result, n)
	var wg sync.WaitGroup
	for i := range headers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.orch.Enforce(context.Background(), enforcement.Request{
				ActionID: envelope.ActionID(headers[i]),
				RouteID:  routeID,
				Method:   http.MethodPost,
				Path:     routePath,
				Header:   headers[i],
			})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	authorized, blocked := 0, 0
	for _, res := range results {
		switch r := res.(type) {
		case *enforcement.Authorized:
			authorized++
		case *enforcement.Blocked:
			assert.Equal(t, enforcement.CodeDailyBudgetExceeded, r.Failure.Code)
			blocked++
		}
	}
	assert.Equal(t, 1, authorized)
	assert.Equal(t, n-1, blocked)

	spent, err := h.storage.SpentOn(context.Background(), policy.NormalizeAddress(h.agent()), budget.Day(h.now))
	require.NoError(t, err)
	assert.Equal(t, "5000000", spent.String())
}

func TestEnforce_FailedSettlementReleasesBudget(t *testing.T) {
	h := newHarness(t, harnessConfig{facilitatorURL: facilitatorStub(t, `{"verified":false,"reason":"bad signature"}`)})
	require.NoError(t, h.storage.Add(context.Background(), policy.NormalizeAddress(h.agent()), budget.Day(h.now), big.NewInt(4_000_000)))

	h.enforce(t, h.signed(t, "act-release", nil), nil)
	for i := 0; i < 2; i++ {
		hdr := h.signed(t, "act-release", nil)
		hdr.Set(envelope.HeaderPaymentSignature, "0xsig")
		requireBlocked(t, h.enforce(t, hdr, nil), enforcement.CodePaymentInvalid)
	}

	// Rejected attempts leave nothing held, so the last 1 USDC still fits.
	_, ok := h.enforce(t, h.signed(t, "act-release", nil), nil).(*enforcement.PaymentRequired)
	assert.True(t, ok)
}

func TestEnforce_FacilitatorFallsBackToDirect(t *testing.T) {
	h := newHarness(t, harnessConfig{facilitatorURL: facilitatorStub(t, `{"verified":false,"reason":"signature expired"}`)})
	payer := common.HexToAddress("0x4444444444444444444444444444444444444444")
	txHash, rcpt := transferReceipt(t, payer, 2_000_000)
	h.fetcher.receipts[common.HexToHash(txHash)] = rcpt

	h.enforce(t, h.signed(t, "act-fb", nil), nil)

	t.Run("signature only is rejected with the facilitator reason", func(t *testing.T) {
		hdr := h.signed(t, "act-fb", nil)
		hdr.Set(envelope.HeaderPaymentSignature, "0xsig")
		f := requireBlocked(t, h.enforce(t, hdr, nil), enforcement.CodePaymentInvalid)
		assert.Equal(t, "signature expired", f.Message)
	})

	t.Run("tx hash alongside the signature settles directly", func(t *testing.T) {
		hdr := h.signed(t, "act-fb", nil)
		hdr.Set(envelope.HeaderPaymentSignature, "0xsig")
		hdr.Set(envelope.HeaderPaymentTx, txHash)
		auth, ok := h.enforce(t, hdr, nil).(*enforcement.Authorized)
		require.True(t, ok)
		assert.Equal(t, payment.ModeDirect, auth.Payment.Mode)
		assert.Equal(t, "2000000", auth.Payment.AmountAtomic)
	})
}

func TestEnforce_Faults(t *testing.T) {
	t.Run("unknown route", func(t *testing.T) {
		h := newHarness(t, harnessConfig{})
		_, err := h.orch.Enforce(context.Background(), enforcement.Request{RouteID: "GET /missing", Header: http.Header{}})
		require.Error(t, err)
		assert.ErrorIs(t, err, enforcement.ErrUnknownRoute)
		var f *enforcement.Fault
		require.ErrorAs(t, err, &f)
		assert.NotEmpty(t, f.ActionID)
	})

	t.Run("event sink failure", func(t *testing.T) {
		h := newHarness(t, harnessConfig{events: failingSink{}})
		_, err := h.orch.Enforce(context.Background(), enforcement.Request{
			ActionID: "act-sink", RouteID: routeID, Method: http.MethodPost, Path: routePath, Header: h.signed(t, "", nil),
		})
		var f *enforcement.Fault
		require.ErrorAs(t, err, &f)
		assert.Equal(t, "audit", f.Step)
		assert.Equal(t, "act-sink", f.ActionID)
	})

	t.Run("duplicate receipt", func(t *testing.T) {
		h := newHarness(t, harnessConfig{facilitatorURL: facilitatorStub(t, `{"verified":true}`)})
		h.enforce(t, h.signed(t, "act-dup", nil), nil)
		_, err := h.receipts.Write(context.Background(), &receipts.Receipt{ActionID: "act-dup"})
		require.NoError(t, err)

		hdr := h.signed(t, "act-dup", nil)
		hdr.Set(envelope.HeaderPaymentSignature, "0xsig")
		_, err = h.orch.Enforce(context.Background(), enforcement.Request{
			ActionID: "act-dup", RouteID: routeID, Method: http.MethodPost, Path: routePath, Header: hdr,
		})
		assert.ErrorIs(t, err, receipts.ErrDuplicateReceipt)

		trail := h.eventTypes(t, "act-dup")
		assert.Equal(t, audit.EventRequestBlocked, trail[len(trail)-1])
	})
}

type brokenMeter struct{ noop.Meter }

func (brokenMeter) Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return nil, errors.New("instrument rejected")
}

func (brokenMeter) Float64Histogram(string, ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	return nil, errors.New("instrument rejected")
}

func TestEnforce_RejectedInstrumentsFallBackToNoop(t *testing.T) {
	h := newHarness(t, harnessConfig{opts: []enforcement.Option{enforcement.WithMeter(brokenMeter{})}})
	var res enforcement.Result
	require.NotPanics(t, func() { res = h.enforce(t, h.signed(t, "act-meter", nil), nil) })
	_, ok := res.(*enforcement.PaymentRequired)
	assert.True(t, ok)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := enforcement.New(enforcement.Deps{})
	assert.ErrorContains(t, err, "routes dependency is required")
}

func TestCodeStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, enforcement.CodeSessionExpired.Status())
	assert.Equal(t, http.StatusForbidden, enforcement.CodeDailyBudgetExceeded.Status())
	assert.Equal(t, http.StatusTooManyRequests, enforcement.CodeRateLimited.Status())
	assert.Equal(t, http.StatusConflict, enforcement.CodeReplayNonce.Status())
	assert.Equal(t, http.StatusPaymentRequired, enforcement.CodePaymentInvalid.Status())
	assert.Equal(t, http.StatusInternalServerError, enforcement.CodePaymentLayerError.Status())
}
