// Package identity verifies that a signed request envelope was produced by
// the session key it names.
package identity

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Mindburn-Labs/paygate/pkg/envelope"
)

// MessageVersion prefixes every canonical signing message.
const MessageVersion = "paygate:v1"

// Request is the raw request context the signature covers.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

// SignatureVerifier decides whether an envelope's signature is authentic.
// A false result is an authentication failure; an error is an internal fault.
type SignatureVerifier interface {
	Verify(ctx context.Context, env *envelope.Envelope, req Request) (bool, error)
}

// VerifierFunc adapts a function to SignatureVerifier.
type VerifierFunc func(ctx context.Context, env *envelope.Envelope, req Request) (bool, error)

func (f VerifierFunc) Verify(ctx context.Context, env *envelope.Envelope, req Request) (bool, error) {
	return f(ctx, env, req)
}

// CanonicalMessage builds the newline-joined message a session key signs.
func CanonicalMessage(env *envelope.Envelope, method, path string) []byte {
	return []byte(strings.Join([]string{
		MessageVersion,
		strings.ToLower(env.AgentAddress),
		strings.ToLower(env.SessionAddress),
		strings.ToUpper(method),
		path,
		strconv.FormatInt(env.Timestamp, 10),
		env.Nonce,
		strings.ToLower(env.BodyHash),
	}, "\n"))
}

// BodyHash returns the 0x-prefixed keccak256 of body.
func BodyHash(body []byte) string {
	return crypto.Keccak256Hash(body).Hex()
}

// EVMVerifier recovers the EIP-191 signer of the canonical message and
// compares it to the envelope's session address.
type EVMVerifier struct {
	// MaxSkew bounds |now - timestamp|. Zero disables the check.
	MaxSkew time.Duration
	now     func() time.Time
}

// NewEVMVerifier creates a verifier with the given timestamp skew bound.
func NewEVMVerifier(maxSkew time.Duration) *EVMVerifier {
	return &EVMVerifier{MaxSkew: maxSkew, now: time.Now}
}

// WithClock overrides the time source used for the skew check.
func (v *EVMVerifier) WithClock(now func() time.Time) *EVMVerifier {
	v.now = now
	return v
}

func (v *EVMVerifier) Verify(_ context.Context, env *envelope.Envelope, req Request) (bool, error) {
	if !strings.EqualFold(BodyHash(req.Body), env.BodyHash) {
		return false, nil
	}
	if v.MaxSkew > 0 {
		skew := v.now().Sub(time.Unix(env.Timestamp, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.MaxSkew {
			return false, nil
		}
	}

	sig, err := hexutil.Decode(env.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return false, nil
	}
	// Wallets emit v as 27/28; SigToPub wants 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	hash := accounts.TextHash(CanonicalMessage(env, req.Method, req.Path))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return false, nil
	}
	signer := crypto.PubkeyToAddress(*pub)
	return signer == common.HexToAddress(env.SessionAddress), nil
}

// Sign fills in BodyHash and Signature on env using the session key.
// Clients and tests use it to produce envelopes the EVMVerifier accepts.
func Sign(key *ecdsa.PrivateKey, env *envelope.Envelope, req Request) error {
	env.BodyHash = BodyHash(req.Body)
	hash := accounts.TextHash(CanonicalMessage(env, req.Method, req.Path))
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return fmt.Errorf("failed to sign envelope: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	env.Signature = hexutil.Encode(sig)
	return nil
}
