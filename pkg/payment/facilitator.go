package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxFacilitatorResponse = 1 << 20

const verifyResponseSchemaURL = "https://paygate.schemas.local/facilitator/verify-response.schema.json"

// verifyResponseSchema is the accepted shape of POST {url}/verify responses.
const verifyResponseSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["verified"],
	"properties": {
		"verified": {"type": "boolean"},
		"settlementRef": {"type": "string"},
		"txHash": {"type": "string"},
		"payer": {"type": "string"},
		"amountAtomic": {"type": "string", "pattern": "^[0-9]+$"},
		"reason": {"type": "string"}
	}
}`

// FacilitatorConfig configures the off-chain attestation client.
type FacilitatorConfig struct {
	URL     string
	Timeout time.Duration
	// Secret, when set, signs a short-lived HS256 bearer token per call.
	Secret string
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// FacilitatorClient calls an external facilitator to attest payment signatures.
type FacilitatorClient struct {
	url    string
	secret []byte
	http   *http.Client
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewFacilitatorClient creates a client. A blank URL yields a client that
// always reports the facilitator unavailable.
func NewFacilitatorClient(cfg FacilitatorConfig) (*FacilitatorClient, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(verifyResponseSchemaURL, strings.NewReader(verifyResponseSchema)); err != nil {
		return nil, fmt.Errorf("facilitator schema load failed: %w", err)
	}
	schema, err := c.Compile(verifyResponseSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("facilitator schema compile failed: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &FacilitatorClient{
		url:    strings.TrimRight(cfg.URL, "/"),
		secret: []byte(cfg.Secret),
		http:   httpClient,
		schema: schema,
		logger: slog.Default().With("component", "facilitator"),
	}, nil
}

// URL returns the configured base URL.
func (f *FacilitatorClient) URL() string {
	if f == nil {
		return ""
	}
	return f.url
}

type verifyRequest struct {
	ActionID         string     `json:"actionId"`
	Quote            *Challenge `json:"quote"`
	PaymentSignature string     `json:"paymentSignature"`
}

type verifyResponse struct {
	Verified      bool   `json:"verified"`
	SettlementRef string `json:"settlementRef"`
	TxHash        string `json:"txHash"`
	Payer         string `json:"payer"`
	AmountAtomic  string `json:"amountAtomic"`
	Reason        string `json:"reason"`
}

// Verify asks the facilitator to attest signature for the challenge. It never
// returns an error: transport and protocol failures become unverified results.
func (f *FacilitatorClient) Verify(ctx context.Context, c *Challenge, signature, agent string) *Result {
	if f == nil || f.url == "" || strings.TrimSpace(signature) == "" {
		return unverified(ModeFacilitator, ReasonFacilitatorUnavailable)
	}

	body, err := json.Marshal(verifyRequest{ActionID: c.ActionID, Quote: c, PaymentSignature: signature})
	if err != nil {
		return unverified(ModeFacilitator, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url+"/verify", bytes.NewReader(body))
	if err != nil {
		return unverified(ModeFacilitator, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if len(f.secret) > 0 {
		token, err := f.bearer(c.ActionID)
		if err != nil {
			return unverified(ModeFacilitator, err.Error())
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		f.logger.WarnContext(ctx, "facilitator call failed", "action_id", c.ActionID, "error", err)
		return unverified(ModeFacilitator, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFacilitatorResponse))
	if err != nil {
		return unverified(ModeFacilitator, err.Error())
	}

	out, decodeErr := f.decode(raw)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res := unverified(ModeFacilitator, fmt.Sprintf("facilitator returned status %d", resp.StatusCode))
		if decodeErr == nil {
			if out.Reason != "" {
				res.Reason = out.Reason
			}
			res.SettlementRef = out.SettlementRef
		}
		return res
	}
	if decodeErr != nil {
		f.logger.WarnContext(ctx, "facilitator response rejected", "action_id", c.ActionID, "error", decodeErr)
		return unverified(ModeFacilitator, "facilitator response invalid")
	}
	if !out.Verified {
		res := unverified(ModeFacilitator, out.Reason)
		if res.Reason == "" {
			res.Reason = "facilitator rejected payment"
		}
		res.SettlementRef = out.SettlementRef
		res.TxHash = out.TxHash
		return res
	}

	res := &Result{
		Verified:      true,
		SettlementRef: out.SettlementRef,
		Payer:         out.Payer,
		AmountAtomic:  out.AmountAtomic,
		Mode:          ModeFacilitator,
		TxHash:        out.TxHash,
	}
	if res.Payer == "" {
		res.Payer = agent
	}
	if res.AmountAtomic == "" {
		res.AmountAtomic = c.AmountAtomic
	}
	if res.SettlementRef == "" {
		res.SettlementRef = "facilitator:" + c.ActionID
	}
	return res
}

func (f *FacilitatorClient) decode(raw []byte) (*verifyResponse, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if err := f.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	var out verifyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *FacilitatorClient) bearer(actionID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "paygate",
		Subject:   actionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(f.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign facilitator token: %w", err)
	}
	return token, nil
}
