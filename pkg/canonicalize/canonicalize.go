// Package canonicalize produces RFC 8785 (JCS) canonical JSON and the
// hashes derived from it.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
)

// JCS marshals v and canonicalizes the result.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform failed: %w", err)
	}
	return out, nil
}

// SHA256Hex returns "sha256:" + hex(sha256(JCS(v))).
func SHA256Hex(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

type receiptMetadata struct {
	RouteID     string `json:"routeId"`
	RequestBody any    `json:"requestBody"`
	SettledAt   int64  `json:"settledAt"`
}

// MetadataHash binds a receipt to the request it paid for:
// keccak256(JCS({routeId, requestBody, settledAt})). A JSON body is embedded
// as a value so that key order and whitespace do not change the hash; any
// other body is embedded as a string.
func MetadataHash(routeID string, body []byte, settledAt int64) (string, error) {
	var payload any = string(body)
	if len(body) > 0 && json.Valid(body) {
		payload = json.RawMessage(body)
	}
	b, err := JCS(receiptMetadata{RouteID: routeID, RequestBody: payload, SettledAt: settledAt})
	if err != nil {
		return "", err
	}
	return crypto.Keccak256Hash(b).Hex(), nil
}
