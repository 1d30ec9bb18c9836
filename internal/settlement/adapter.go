// Package settlement hides the x402 payment protocol behind Adapter. Callers
// only see a status, an opaque body to pass through, and a receipt on success.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	applog "grantmarket/internal/log"
)

type Request struct {
	Resource     string
	Method       string
	PaymentProof string
	PayTo        string
	Network      Network
	Price        decimal.Decimal
	Description  string
}

type Receipt struct {
	Payer       string `json:"payer"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
}

// Result is the adapter's verdict. Status 200 carries a Receipt; anything else
// carries a Body the caller returns to the client unchanged.
type Result struct {
	Status  int
	Body    []byte
	Receipt *Receipt
	// Header is the base64 X-PAYMENT-RESPONSE value on success.
	Header string
}

func (r Result) OK() bool { return r.Status == http.StatusOK }

// Adapter settles one payment. A returned error means the outcome is unknown
// (context cancelled or deadline hit mid-call).
type Adapter interface {
	Settle(ctx context.Context, req Request) (Result, error)
}

// X402Adapter implements Adapter with the x402 "exact" scheme.
type X402Adapter struct {
	Client            *FacilitatorClient
	MaxTimeoutSeconds int
}

func NewX402Adapter(client *FacilitatorClient) *X402Adapter {
	return &X402Adapter{Client: client, MaxTimeoutSeconds: 60}
}

func (a *X402Adapter) Requirements(req Request) *PaymentRequirements {
	return &PaymentRequirements{
		Scheme:            "exact",
		Network:           req.Network.Name,
		MaxAmountRequired: AssetUnits(req.Price, req.Network.Decimals).String(),
		Resource:          req.Resource,
		Description:       req.Description,
		MimeType:          "application/json",
		PayTo:             req.PayTo,
		MaxTimeoutSeconds: a.MaxTimeoutSeconds,
		Asset:             req.Network.Asset,
		Extra:             &PaymentExtra{Name: req.Network.TokenName, Version: "2"},
	}
}

func (a *X402Adapter) Settle(ctx context.Context, req Request) (Result, error) {
	requirements := a.Requirements(req)

	if strings.TrimSpace(req.PaymentProof) == "" {
		return challenge("X-PAYMENT header is required", requirements), nil
	}
	payload, err := DecodePayment(req.PaymentProof)
	if err != nil {
		return challenge("invalid X-PAYMENT header", requirements), nil
	}
	if payload.Scheme != requirements.Scheme || payload.Network != requirements.Network {
		return challenge("payment scheme or network does not match requirements", requirements), nil
	}

	verified, err := a.Client.Verify(ctx, payload, requirements)
	if err != nil {
		return unavailable(ctx, err)
	}
	if !verified.IsValid {
		return challenge(deref(verified.InvalidReason, "payment verification failed"), requirements), nil
	}

	settled, err := a.Client.Settle(ctx, payload, requirements)
	if err != nil {
		return unavailable(ctx, err)
	}
	if !settled.Success {
		return challenge(deref(settled.ErrorReason, "payment settlement failed"), requirements), nil
	}

	payer := deref(settled.Payer, deref(verified.Payer, payload.payer()))
	if payer == "" {
		// money moved, so the receipt stands; the ledger can only be matched by tx
		applog.Warn("settlement.payer.missing", map[string]any{
			"settlement_tx": settled.Transaction,
			"network":       settled.Network,
			"resource":      req.Resource,
		})
	}
	header, err := settled.encodeHeader()
	if err != nil {
		return Result{}, err
	}
	return Result{
		Status: http.StatusOK,
		Receipt: &Receipt{
			Payer:       strings.ToLower(payer),
			Transaction: settled.Transaction,
			Network:     settled.Network,
		},
		Header: header,
	}, nil
}

func challenge(msg string, req *PaymentRequirements) Result {
	body, _ := json.Marshal(map[string]any{
		"error":       msg,
		"accepts":     []*PaymentRequirements{req},
		"x402Version": x402Version,
	})
	return Result{Status: http.StatusPaymentRequired, Body: body}
}

func unavailable(ctx context.Context, err error) (Result, error) {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Result{}, err
	}
	body, _ := json.Marshal(map[string]any{
		"error":       "facilitator_unavailable",
		"x402Version": x402Version,
	})
	return Result{Status: http.StatusBadGateway, Body: body}, nil
}

func deref(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}
