package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/paygate/pkg/envelope"
	"github.com/Mindburn-Labs/paygate/pkg/identity"
)

func signedEnvelope(t *testing.T, req identity.Request, ts time.Time) *envelope.Envelope {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	env := &envelope.Envelope{
		AgentAddress:   "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		SessionAddress: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Timestamp:      ts.Unix(),
		Nonce:          "nonce-1",
	}
	require.NoError(t, identity.Sign(key, env, req))
	return env
}

func TestEVMVerifier(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	req := identity.Request{Method: "POST", Path: "/api/v1/enrich/wallet", Body: []byte(`{"wallet":"0x1"}`)}
	v := identity.NewEVMVerifier(5 * time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		env := signedEnvelope(t, req, now)
		ok, err := v.Verify(ctx, env, req)
		require.NoError(t, err)
		assert.True(t, ok)

		// The envelope survives a header round trip.
		h := make(map[string][]string)
		env.Encode(h)
		decoded, present := envelope.Decode(h)
		require.True(t, present)
		ok, _ = v.Verify(ctx, decoded, req)
		assert.True(t, ok)
	})

	t.Run("tampered body", func(t *testing.T) {
		env := signedEnvelope(t, req, now)
		other := req
		other.Body = []byte(`{"wallet":"0x2"}`)
		ok, err := v.Verify(ctx, env, other)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("wrong path", func(t *testing.T) {
		env := signedEnvelope(t, req, now)
		other := req
		other.Path = "/api/v1/other"
		ok, _ := v.Verify(ctx, env, other)
		assert.False(t, ok)
	})

	t.Run("claims another session", func(t *testing.T) {
		env := signedEnvelope(t, req, now)
		env.SessionAddress = "0x5555555555555555555555555555555555555555"
		ok, _ := v.Verify(ctx, env, req)
		assert.False(t, ok)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		env := signedEnvelope(t, req, now.Add(-10*time.Minute))
		ok, _ := v.Verify(ctx, env, req)
		assert.False(t, ok)
	})

	t.Run("garbage signature", func(t *testing.T) {
		env := signedEnvelope(t, req, now)
		env.Signature = "0xdeadbeef"
		ok, err := v.Verify(ctx, env, req)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestBodyHash(t *testing.T) {
	// keccak256("") is a well-known constant.
	assert.Equal(t, "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", identity.BodyHash(nil))
}
