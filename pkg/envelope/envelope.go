// Package envelope decodes the signed request envelope and payment proof
// carried in request headers, and encodes payment challenges for 402 responses.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/paygate/pkg/payment"
)

// Request headers.
const (
	HeaderAgentAddress     = "X-Agent-Address"
	HeaderSessionAddress   = "X-Session-Address"
	HeaderTimestamp        = "X-Timestamp"
	HeaderNonce            = "X-Nonce"
	HeaderBodyHash         = "X-Body-Hash"
	HeaderSignature        = "X-Signature"
	HeaderActionID         = "X-Action-Id"
	HeaderPaymentSignature = "Payment-Signature"
	HeaderPaymentTx        = "X-Payment-Tx"
)

// Response headers.
const (
	HeaderPaymentRequired = "Payment-Required"
)

var (
	hash32Pattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	hexPattern    = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)
)

const maxNonceLen = 128

// Envelope is a signed request envelope. Immutable once decoded.
type Envelope struct {
	AgentAddress   string `json:"agentAddress"`
	SessionAddress string `json:"sessionAddress"`
	Timestamp      int64  `json:"timestamp"`
	Nonce          string `json:"nonce"`
	BodyHash       string `json:"bodyHash"`
	Signature      string `json:"signature"`
}

// Decode extracts the envelope from headers. It returns false when any field
// is missing or malformed; callers treat that as absent credentials.
func Decode(h http.Header) (*Envelope, bool) {
	env := &Envelope{
		AgentAddress:   strings.TrimSpace(h.Get(HeaderAgentAddress)),
		SessionAddress: strings.TrimSpace(h.Get(HeaderSessionAddress)),
		Nonce:          strings.TrimSpace(h.Get(HeaderNonce)),
		BodyHash:       strings.TrimSpace(h.Get(HeaderBodyHash)),
		Signature:      strings.TrimSpace(h.Get(HeaderSignature)),
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(h.Get(HeaderTimestamp)), 10, 64)
	if err != nil || ts <= 0 {
		return nil, false
	}
	env.Timestamp = ts

	if !common.IsHexAddress(env.AgentAddress) || !common.IsHexAddress(env.SessionAddress) {
		return nil, false
	}
	if env.Nonce == "" || len(env.Nonce) > maxNonceLen {
		return nil, false
	}
	if !hash32Pattern.MatchString(env.BodyHash) || !hexPattern.MatchString(env.Signature) {
		return nil, false
	}
	return env, true
}

// Encode writes the envelope into headers. Used by clients and tests.
func (e *Envelope) Encode(h http.Header) {
	h.Set(HeaderAgentAddress, e.AgentAddress)
	h.Set(HeaderSessionAddress, e.SessionAddress)
	h.Set(HeaderTimestamp, strconv.FormatInt(e.Timestamp, 10))
	h.Set(HeaderNonce, e.Nonce)
	h.Set(HeaderBodyHash, e.BodyHash)
	h.Set(HeaderSignature, e.Signature)
}

// ActionID returns the caller-supplied action id, or "".
func ActionID(h http.Header) string {
	return strings.TrimSpace(h.Get(HeaderActionID))
}

// DecodeProof extracts a payment proof. A payment signature selects the
// facilitator protocol and carries the tx hash along for fallback; a tx hash
// alone selects direct transfer. No proof headers means no proof.
func DecodeProof(h http.Header) (*payment.Proof, bool) {
	sig := strings.TrimSpace(h.Get(HeaderPaymentSignature))
	tx := strings.TrimSpace(h.Get(HeaderPaymentTx))

	switch {
	case sig != "":
		return &payment.Proof{Protocol: payment.ProtocolPaymentSignature, Signature: sig, TxHash: tx}, true
	case tx != "":
		return &payment.Proof{Protocol: payment.ProtocolDirectTransfer, TxHash: tx}, true
	default:
		return nil, false
	}
}

// EncodeChallenge serializes a challenge for the Payment-Required header.
func EncodeChallenge(c *payment.Challenge) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeChallenge parses a Payment-Required header value.
func DecodeChallenge(value string) (*payment.Challenge, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("invalid challenge encoding: %w", err)
	}
	var c payment.Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("invalid challenge payload: %w", err)
	}
	return &c, nil
}
