// Package settlementtest provides an in-process x402 facilitator for tests.
package settlementtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"grantmarket/internal/settlement"
)

// Facilitator answers /verify and /settle. By default every payment is valid
// and settles with a fresh transaction hash.
type Facilitator struct {
	Server *httptest.Server

	mu            sync.Mutex
	invalidReason string
	settleError   string
	delay         time.Duration
	status        int

	Verifies atomic.Int64
	Settles  atomic.Int64
	// LastAuth is the Authorization header of the latest call.
	LastAuth atomic.Value
}

func NewFacilitator(t *testing.T) *Facilitator {
	t.Helper()
	f := &Facilitator{}
	mux := http.NewServeMux()
	mux.HandleFunc("/verify", f.handleVerify)
	mux.HandleFunc("/settle", f.handleSettle)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func (f *Facilitator) URL() string { return f.Server.URL }

// Reject makes /verify answer isValid=false with reason.
func (f *Facilitator) Reject(reason string) {
	f.mu.Lock()
	f.invalidReason = reason
	f.mu.Unlock()
}

// FailSettle makes /settle answer success=false with reason.
func (f *Facilitator) FailSettle(reason string) {
	f.mu.Lock()
	f.settleError = reason
	f.mu.Unlock()
}

// Delay slows /settle down, for timeout tests.
func (f *Facilitator) Delay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

// Status forces every endpoint to answer with code and an empty body.
func (f *Facilitator) Status(code int) {
	f.mu.Lock()
	f.status = code
	f.mu.Unlock()
}

type call struct {
	PaymentPayload      settlement.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements settlement.PaymentRequirements `json:"paymentRequirements"`
}

func (f *Facilitator) decode(w http.ResponseWriter, r *http.Request) (call, bool) {
	f.LastAuth.Store(r.Header.Get("Authorization"))
	var c call
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return c, false
	}
	f.mu.Lock()
	status := f.status
	f.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return c, false
	}
	return c, true
}

func (f *Facilitator) handleVerify(w http.ResponseWriter, r *http.Request) {
	f.Verifies.Add(1)
	c, ok := f.decode(w, r)
	if !ok {
		return
	}
	f.mu.Lock()
	reason := f.invalidReason
	f.mu.Unlock()

	from := payerOf(c.PaymentPayload)
	resp := settlement.VerifyResponse{IsValid: reason == "", Payer: &from}
	if reason != "" {
		resp.InvalidReason = &reason
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *Facilitator) handleSettle(w http.ResponseWriter, r *http.Request) {
	n := f.Settles.Add(1)
	c, ok := f.decode(w, r)
	if !ok {
		return
	}
	f.mu.Lock()
	reason, delay := f.settleError, f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	from := payerOf(c.PaymentPayload)
	resp := settlement.SettleResponse{
		Success:     reason == "",
		Transaction: fmt.Sprintf("0x%064x", n),
		Network:     c.PaymentRequirements.Network,
		Payer:       &from,
	}
	if reason != "" {
		resp.ErrorReason = &reason
		resp.Transaction = ""
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func payerOf(p settlement.PaymentPayload) string {
	auth, _ := p.Payload["authorization"].(map[string]any)
	from, _ := auth["from"].(string)
	return from
}

// Payment builds an X-PAYMENT header value for an exact-scheme payment from payer.
func Payment(t *testing.T, network, payer string) string {
	t.Helper()
	h, err := settlement.EncodePayment(settlement.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     network,
		Payload: map[string]any{
			"signature": "0xdeadbeef",
			"authorization": map[string]any{
				"from":  payer,
				"value": "5000000",
			},
		},
	})
	if err != nil {
		t.Fatalf("encode payment: %v", err)
	}
	return h
}
