package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ListingType string

const (
	ListingTypeInviteLink ListingType = "invite_link"
	ListingTypeAccessCode ListingType = "access_code"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSold      Status = "sold"
	StatusCancelled Status = "cancelled"
)

// Unlimited is the max_uses value for listings that never sell out.
const Unlimited = -1

// Payload is the type-specific part of a listing. Exactly one of InviteLink
// or AccessCode; the secret half is blank once Redacted.
type Payload interface {
	Type() ListingType
	// Secret is the value disclosed to a buyer after payment.
	Secret() string
	Redacted() Payload
}

type InviteLink struct {
	URL string
}

func (InviteLink) Type() ListingType { return ListingTypeInviteLink }
func (p InviteLink) Secret() string  { return p.URL }
func (InviteLink) Redacted() Payload { return InviteLink{} }

// AccessCode pairs a public app URL with a secret code redeemed there.
type AccessCode struct {
	AppURL string
	Code   string
}

func (AccessCode) Type() ListingType   { return ListingTypeAccessCode }
func (p AccessCode) Secret() string    { return p.Code }
func (p AccessCode) Redacted() Payload { return AccessCode{AppURL: p.AppURL} }

type Listing struct {
	Slug          string
	Payload       Payload
	AppID         string
	AppName       string
	PriceUSDC     decimal.Decimal
	SellerAddress string
	ChainID       int64
	Status        Status
	MaxUses       int
	PurchaseCount int
	Version       int64
	// TermsVersion changes only when the price or the payload is edited.
	TermsVersion int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (l Listing) Type() ListingType {
	if l.Payload == nil {
		return ""
	}
	return l.Payload.Type()
}

// Unlimited reports whether the listing has no inventory cap.
func (l Listing) Unlimited() bool { return l.MaxUses == Unlimited }

// Remaining returns the units left, or Unlimited.
func (l Listing) Remaining() int {
	if l.Unlimited() {
		return Unlimited
	}
	if r := l.MaxUses - l.PurchaseCount; r > 0 {
		return r
	}
	return 0
}

// Available mirrors the SQL availability predicate. It is informational only;
// purchases rely on the conditional statements in the store.
func (l Listing) Available() bool {
	return l.Status == StatusActive && (l.Unlimited() || l.PurchaseCount < l.MaxUses)
}

// PublicListing is the only listing shape returned by public read paths.
type PublicListing struct {
	Slug          string      `json:"slug"`
	ListingType   ListingType `json:"listingType"`
	AppURL        string      `json:"appUrl,omitempty"`
	AppID         string      `json:"appId,omitempty"`
	AppName       string      `json:"appName,omitempty"`
	PriceUSDC     string      `json:"priceUsdc"`
	SellerAddress string      `json:"sellerAddress"`
	ChainID       int64       `json:"chainId"`
	Status        Status      `json:"status"`
	MaxUses       int         `json:"maxUses"`
	PurchaseCount int         `json:"purchaseCount"`
	Available     bool        `json:"available"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

func (l Listing) Public() PublicListing {
	p := PublicListing{
		Slug:          l.Slug,
		ListingType:   l.Type(),
		AppID:         l.AppID,
		AppName:       l.AppName,
		PriceUSDC:     l.PriceUSDC.String(),
		SellerAddress: l.SellerAddress,
		ChainID:       l.ChainID,
		Status:        l.Status,
		MaxUses:       l.MaxUses,
		PurchaseCount: l.PurchaseCount,
		Available:     l.Available(),
		CreatedAt:     l.CreatedAt,
		UpdatedAt:     l.UpdatedAt,
	}
	if ac, ok := l.Payload.(AccessCode); ok {
		p.AppURL = ac.AppURL
	}
	return p
}

// Disclosure is returned to a buyer once the purchase has been committed.
type Disclosure struct {
	Slug          string      `json:"slug"`
	ListingType   ListingType `json:"listingType"`
	InviteURL     string      `json:"inviteUrl,omitempty"`
	AccessCode    string      `json:"accessCode,omitempty"`
	AppURL        string      `json:"appUrl,omitempty"`
	PurchaseCount int         `json:"purchaseCount"`
	Status        Status      `json:"status"`
	SettlementTx  string      `json:"settlementTx,omitempty"`
}

func NewDisclosure(l Listing, settlementTx string) Disclosure {
	d := Disclosure{
		Slug:          l.Slug,
		ListingType:   l.Type(),
		PurchaseCount: l.PurchaseCount,
		Status:        l.Status,
		SettlementTx:  settlementTx,
	}
	switch p := l.Payload.(type) {
	case InviteLink:
		d.InviteURL = p.URL
	case AccessCode:
		d.AccessCode = p.Code
		d.AppURL = p.AppURL
	}
	return d
}

// Availability is the stock summary served by the availability endpoint.
type Availability struct {
	Status    string `json:"status"` // IN_STOCK | LOW_STOCK | OUT_OF_STOCK
	Remaining int    `json:"remaining"`
	Unlimited bool   `json:"unlimited,omitempty"`
}
