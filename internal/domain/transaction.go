package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TxSource string

const (
	TxSourcePurchase  TxSource = "purchase"
	TxSourceReconcile TxSource = "reconcile"
)

// Transaction is one ledger row per successful sale. Never updated or deleted.
type Transaction struct {
	ID            string          `json:"id"`
	ListingSlug   string          `json:"listingSlug"`
	SellerAddress string          `json:"sellerAddress"`
	BuyerAddress  string          `json:"buyerAddress"`
	PriceUSDC     decimal.Decimal `json:"priceUsdc"`
	AppID         string          `json:"appId,omitempty"`
	ChainID       int64           `json:"chainId"`
	SettlementTx  string          `json:"settlementTx,omitempty"`
	Source        TxSource        `json:"source"`
	CreatedAt     time.Time       `json:"createdAt"`
}
