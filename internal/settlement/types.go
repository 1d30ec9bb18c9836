package settlement

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const x402Version = 1

// Network is a USDC deployment the facilitator can settle on.
type Network struct {
	Name      string
	ChainID   int64
	Asset     string
	TokenName string
	Decimals  int32
}

var networks = map[int64]Network{
	8453: {
		Name:      "base",
		ChainID:   8453,
		Asset:     "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		TokenName: "USD Coin",
		Decimals:  6,
	},
	84532: {
		Name:      "base-sepolia",
		ChainID:   84532,
		Asset:     "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		TokenName: "USDC",
		Decimals:  6,
	},
}

// NetworkForChain resolves the x402 network for a chain id.
func NetworkForChain(chainID int64) (Network, bool) {
	n, ok := networks[chainID]
	return n, ok
}

// AssetUnits converts a decimal USDC price into the token's atomic units.
func AssetUnits(price decimal.Decimal, decimals int32) *big.Int {
	return price.Shift(decimals).Truncate(0).BigInt()
}

type PaymentRequirements struct {
	Scheme            string        `json:"scheme"`
	Network           string        `json:"network"`
	MaxAmountRequired string        `json:"maxAmountRequired"`
	Resource          string        `json:"resource"`
	Description       string        `json:"description,omitempty"`
	MimeType          string        `json:"mimeType,omitempty"`
	PayTo             string        `json:"payTo"`
	MaxTimeoutSeconds int           `json:"maxTimeoutSeconds,omitempty"`
	Asset             string        `json:"asset"`
	Extra             *PaymentExtra `json:"extra,omitempty"`
}

// PaymentExtra carries the token's EIP-712 domain so clients can sign the
// transfer authorization.
type PaymentExtra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

type PaymentPayload struct {
	X402Version int            `json:"x402Version"`
	Scheme      string         `json:"scheme"`
	Network     string         `json:"network"`
	Payload     map[string]any `json:"payload"`
}

type VerifyResponse struct {
	IsValid       bool    `json:"isValid"`
	InvalidReason *string `json:"invalidReason,omitempty"`
	Payer         *string `json:"payer,omitempty"`
}

type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason *string `json:"errorReason,omitempty"`
	Transaction string  `json:"transaction"`
	Network     string  `json:"network"`
	Payer       *string `json:"payer,omitempty"`
}

func (s SettleResponse) encodeHeader() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodePayment parses the base64 X-PAYMENT header value.
func DecodePayment(encoded string) (*PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	var p PaymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payment payload: %w", err)
	}
	p.X402Version = x402Version
	return &p, nil
}

// EncodePayment is the client-side inverse of DecodePayment.
func EncodePayment(p PaymentPayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// payer extracts authorization.from from an exact-scheme EVM payload.
func (p *PaymentPayload) payer() string {
	auth, ok := p.Payload["authorization"].(map[string]any)
	if !ok {
		return ""
	}
	from, _ := auth["from"].(string)
	return from
}
