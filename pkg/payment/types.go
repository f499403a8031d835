// Package payment builds payment challenges (quotes) and verifies payment
// proofs against them, either through an off-chain facilitator attestation
// or by scanning ERC-20 Transfer logs of an on-chain transaction.
package payment

import (
	"fmt"
	"math/big"
	"time"
)

// Proof protocols accepted on a paid retry.
const (
	ProtocolDirectTransfer   = "direct-transfer"
	ProtocolPaymentSignature = "payment-signature"
)

// Settlement modes reported in a Result.
const (
	ModeFacilitator = "facilitator"
	ModeDirect      = "direct"
)

// Verification failure reasons. These strings are part of the caller contract.
const (
	ReasonMissingTxHash          = "missing transaction hash"
	ReasonTxMissingOrReverted    = "transaction missing or reverted"
	ReasonNoMatchingTransfer     = "no matching transfer log found"
	ReasonFacilitatorUnavailable = "facilitator unavailable or missing signature"
	ReasonLedgerUnavailable      = "ledger rpc unavailable"
	ReasonUnsupportedProtocol    = "unsupported payment protocol"
)

// Challenge is the priced, time-boxed payment request issued for an action.
// It is created once per action and reused verbatim on the paid retry.
type Challenge struct {
	ActionID       string `json:"actionId"`
	RouteID        string `json:"routeId"`
	Asset          string `json:"asset"`
	AmountAtomic   string `json:"amountAtomic"`
	PayTo          string `json:"payTo"`
	ExpiresAt      int64  `json:"expiresAt"`
	FacilitatorURL string `json:"facilitatorUrl,omitempty"`
	ProtocolMode   string `json:"protocolMode"`
}

// Expired reports whether the challenge expiry has passed at now.
func (c *Challenge) Expired(now time.Time) bool {
	return now.Unix() >= c.ExpiresAt
}

// Amount returns AmountAtomic as an integer.
func (c *Challenge) Amount() (*big.Int, error) {
	return ParseAtomic(c.AmountAtomic)
}

// Proof is caller-supplied evidence of payment.
type Proof struct {
	Protocol  string `json:"protocol"`
	Signature string `json:"signature,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
}

// Result is the outcome of verifying a Proof against a Challenge.
type Result struct {
	Verified      bool   `json:"verified"`
	SettlementRef string `json:"settlementRef,omitempty"`
	Payer         string `json:"payer,omitempty"`
	AmountAtomic  string `json:"amountAtomic,omitempty"`
	Mode          string `json:"mode"`
	TxHash        string `json:"txHash,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func unverified(mode, reason string) *Result {
	return &Result{Verified: false, Mode: mode, Reason: reason}
}

// ParseAtomic parses a base-10 non-negative integer string.
func ParseAtomic(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid atomic amount %q", s)
	}
	return v, nil
}
