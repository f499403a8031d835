package enforcement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/paygate/pkg/api"
	"github.com/Mindburn-Labs/paygate/pkg/envelope"
	"github.com/Mindburn-Labs/paygate/pkg/ratelimit"
)

// DefaultMaxBodyBytes bounds the request body read for hashing.
const DefaultMaxBodyBytes = 1 << 20

// Enforcer is satisfied by *Orchestrator.
type Enforcer interface {
	Enforce(ctx context.Context, req Request) (Result, error)
}

// RouteResolver maps an inbound request to its route id.
type RouteResolver interface {
	ResolveRoute(r *http.Request) string
}

// RouteResolverFunc adapts a function to RouteResolver.
type RouteResolverFunc func(r *http.Request) string

func (f RouteResolverFunc) ResolveRoute(r *http.Request) string { return f(r) }

// PatternResolver uses the http.ServeMux pattern that matched the request,
// e.g. "POST /api/v1/enrich/wallet". Falls back to "METHOD path".
var PatternResolver = RouteResolverFunc(func(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.Method + " " + r.URL.Path
})

type authorizedKey struct{}

// AuthorizedFrom returns the authorization attached by Gate.
func AuthorizedFrom(ctx context.Context) (*Authorized, bool) {
	a, ok := ctx.Value(authorizedKey{}).(*Authorized)
	return a, ok
}

// GateOption configures Gate.
type GateOption func(*gate)

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) GateOption {
	return func(g *gate) { g.maxBody = n }
}

type gate struct {
	enforcer Enforcer
	resolver RouteResolver
	maxBody  int64
}

// Gate returns middleware that runs enforcement and only calls next for an
// authorized request. The body is buffered and restored for next.
func Gate(e Enforcer, resolver RouteResolver, opts ...GateOption) func(http.Handler) http.Handler {
	g := &gate{enforcer: e, resolver: resolver, maxBody: DefaultMaxBodyBytes}
	if g.resolver == nil {
		g.resolver = PatternResolver
	}
	for _, opt := range opts {
		opt(g)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(w, r, next)
		})
	}
}

func (g *gate) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	actionID := envelope.ActionID(r.Header)
	body, err := io.ReadAll(io.LimitReader(r.Body, g.maxBody+1))
	if err != nil {
		api.WriteProblem(w, r, &api.ProblemDetail{Status: http.StatusBadRequest, Detail: "failed to read request body", ActionID: actionID})
		return
	}
	if int64(len(body)) > g.maxBody {
		api.WriteProblem(w, r, &api.ProblemDetail{Status: http.StatusRequestEntityTooLarge, Detail: "request body too large", ActionID: actionID})
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	res, err := g.enforcer.Enforce(r.Context(), Request{
		ActionID: actionID,
		RouteID:  g.resolver.ResolveRoute(r),
		Method:   r.Method,
		Path:     r.URL.Path,
		Header:   r.Header,
		Body:     body,
	})
	if err != nil {
		var f *Fault
		if errors.As(err, &f) {
			actionID = f.ActionID
		}
		api.WriteInternal(w, r, string(CodePaymentLayerError), actionID, err)
		return
	}

	switch v := res.(type) {
	case *Authorized:
		w.Header().Set(envelope.HeaderActionID, v.ActionID)
		if v.ReceiptID != "" {
			w.Header().Set("X-Receipt-Id", v.ReceiptID)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authorizedKey{}, v)))

	case *PaymentRequired:
		encoded, err := envelope.EncodeChallenge(v.Challenge)
		if err != nil {
			api.WriteInternal(w, r, string(CodePaymentLayerError), v.ActionID, err)
			return
		}
		api.WritePaymentRequired(w, envelope.HeaderPaymentRequired, encoded, v.ActionID, v.Challenge)

	case *Blocked:
		f := v.Failure
		if f.Code == CodeRateLimited {
			w.Header().Set("Retry-After", strconv.Itoa(int(ratelimit.Window.Seconds())))
		}
		api.WriteProblem(w, r, &api.ProblemDetail{
			Status:   f.StatusCode,
			Detail:   f.Message,
			Code:     string(f.Code),
			ActionID: f.ActionID,
			RouteID:  f.RouteID,
		})

	default:
		api.WriteInternal(w, r, string(CodePaymentLayerError), "", fmt.Errorf("unexpected enforcement result %T", res))
	}
}
