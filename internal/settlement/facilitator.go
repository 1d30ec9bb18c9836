package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const DefaultFacilitatorURL = "https://x402.org/facilitator"

// ErrUnavailable wraps transport failures and 5xx answers from the facilitator.
var ErrUnavailable = errors.New("facilitator unavailable")

// FacilitatorClient talks to an x402 facilitator's /verify and /settle.
type FacilitatorClient struct {
	URL        string
	HTTPClient *http.Client
	// APIKey, when set, is sent as a bearer token on every call.
	APIKey string
}

func NewFacilitatorClient(url, apiKey string) *FacilitatorClient {
	if url == "" {
		url = DefaultFacilitatorURL
	}
	return &FacilitatorClient{
		URL:        strings.TrimRight(url, "/"),
		HTTPClient: &http.Client{},
		APIKey:     apiKey,
	}
}

func (c *FacilitatorClient) Verify(ctx context.Context, p *PaymentPayload, req *PaymentRequirements) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := c.post(ctx, "/verify", p, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *FacilitatorClient) Settle(ctx context.Context, p *PaymentPayload, req *PaymentRequirements) (*SettleResponse, error) {
	var out SettleResponse
	if err := c.post(ctx, "/settle", p, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, p *PaymentPayload, req *PaymentRequirements, out any) error {
	body, err := json.Marshal(map[string]any{
		"x402Version":         x402Version,
		"paymentPayload":      p,
		"paymentRequirements": req,
	})
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, path, resp.Status)
	}
	// 4xx answers still carry isValid/errorReason in practice
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s (%s): %v", ErrUnavailable, path, resp.Status, err)
	}
	return nil
}
