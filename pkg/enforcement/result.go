package enforcement

import (
	"github.com/Mindburn-Labs/paygate/pkg/payment"
	"github.com/Mindburn-Labs/paygate/pkg/policy"
)

// Result is one of *Authorized, *PaymentRequired or *Blocked.
type Result interface {
	isResult()
}

// Authorized lets the request through. Challenge, Payment and ReceiptID are
// set only on a paid route.
type Authorized struct {
	ActionID  string
	Agent     string
	Session   string
	Route     policy.RoutePolicy
	Challenge *payment.Challenge
	Payment   *payment.Result
	ReceiptID string
}

// PaymentRequired asks the caller to pay Challenge and retry with the same action id.
type PaymentRequired struct {
	ActionID  string
	RouteID   string
	Challenge *payment.Challenge
}

// Blocked rejects the request.
type Blocked struct {
	Failure *Failure
}

func (*Authorized) isResult()      {}
func (*PaymentRequired) isResult() {}
func (*Blocked) isResult()         {}

// Outcome is the decision label recorded in metrics and logs.
func Outcome(r Result) string {
	switch v := r.(type) {
	case *Authorized:
		return "AUTHORIZED"
	case *PaymentRequired:
		return string(CodePaymentRequired)
	case *Blocked:
		return string(v.Failure.Code)
	default:
		return string(CodePaymentLayerError)
	}
}
