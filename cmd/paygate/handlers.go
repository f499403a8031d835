package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/paygate/pkg/api"
	"github.com/Mindburn-Labs/paygate/pkg/enforcement"
)

const enrichWalletRoute = "POST /api/v1/enrich/wallet"

// routeHandler returns the upstream handler for a gated route. Routes
// without a built-in handler echo the authorization they were granted.
func routeHandler(routeID string) http.Handler {
	if routeID == enrichWalletRoute {
		return http.HandlerFunc(enrichWallet)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, _ := enforcement.AuthorizedFrom(r.Context())
		api.WriteJSON(w, http.StatusOK, authorizationView(auth))
	})
}

type authorizationBody struct {
	ActionID  string `json:"actionId"`
	RouteID   string `json:"routeId"`
	Agent     string `json:"agent"`
	ReceiptID string `json:"receiptId,omitempty"`
	Paid      string `json:"paidAtomic,omitempty"`
}

func authorizationView(a *enforcement.Authorized) authorizationBody {
	if a == nil {
		return authorizationBody{}
	}
	body := authorizationBody{
		ActionID:  a.ActionID,
		RouteID:   a.Route.RouteID,
		Agent:     a.Agent,
		ReceiptID: a.ReceiptID,
	}
	if a.Payment != nil {
		body.Paid = a.Payment.AmountAtomic
	}
	return body
}

type enrichRequest struct {
	Address string `json:"address"`
}

// enrichWallet is the demo paid route. It classifies an address by shape.
func enrichWallet(w http.ResponseWriter, r *http.Request) {
	var req enrichRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		api.WriteBadRequest(w, "body must be {\"address\": \"0x...\"}")
		return
	}
	auth, _ := enforcement.AuthorizedFrom(r.Context())

	kind := "unknown"
	addr := strings.ToLower(req.Address)
	switch {
	case len(addr) == 42 && strings.HasPrefix(addr, "0x"):
		kind = "evm"
	case strings.HasSuffix(addr, ".eth"):
		kind = "ens"
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"address":       req.Address,
		"kind":          kind,
		"authorization": authorizationView(auth),
	})
}
