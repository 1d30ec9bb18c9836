package signature

import (
	"math/big"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	DomainName    = "grantmarket"
	DomainVersion = "1"
)

// Types is the EIP-712 schema set. Field order is part of the signed hash;
// changing it invalidates every outstanding client.
var Types = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	},
	"CreateListing": {
		{Name: "listingType", Type: "string"},
		{Name: "inviteUrl", Type: "string"},
		{Name: "accessCode", Type: "string"},
		{Name: "appUrl", Type: "string"},
		{Name: "appId", Type: "string"},
		{Name: "appName", Type: "string"},
		{Name: "priceUsdc", Type: "string"},
		{Name: "maxUses", Type: "int256"},
		{Name: "chainId", Type: "uint256"},
		{Name: "sellerAddress", Type: "address"},
		{Name: "nonce", Type: "uint256"},
	},
	"UpdateListing": {
		{Name: "slug", Type: "string"},
		{Name: "inviteUrl", Type: "string"},
		{Name: "accessCode", Type: "string"},
		{Name: "appUrl", Type: "string"},
		{Name: "appId", Type: "string"},
		{Name: "appName", Type: "string"},
		{Name: "priceUsdc", Type: "string"},
		{Name: "maxUses", Type: "int256"},
		{Name: "sellerAddress", Type: "address"},
		{Name: "nonce", Type: "uint256"},
	},
	"CancelListing": {
		{Name: "slug", Type: "string"},
		{Name: "sellerAddress", Type: "address"},
		{Name: "nonce", Type: "uint256"},
	},
}

// Message is one of the typed seller messages.
type Message interface {
	PrimaryType() string
	Signer() string
	NonceMillis() int64
	Chain() int64
	fields() apitypes.TypedDataMessage
}

type CreateListing struct {
	ListingType   string `json:"listingType"`
	InviteURL     string `json:"inviteUrl"`
	AccessCode    string `json:"accessCode"`
	AppURL        string `json:"appUrl"`
	AppID         string `json:"appId"`
	AppName       string `json:"appName"`
	PriceUSDC     string `json:"priceUsdc"`
	MaxUses       int64  `json:"maxUses"`
	ChainID       int64  `json:"chainId"`
	SellerAddress string `json:"sellerAddress"`
	Nonce         int64  `json:"nonce"`
}

func (CreateListing) PrimaryType() string  { return "CreateListing" }
func (m CreateListing) Signer() string     { return m.SellerAddress }
func (m CreateListing) NonceMillis() int64 { return m.Nonce }
func (m CreateListing) Chain() int64       { return m.ChainID }

func (m CreateListing) fields() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"listingType":   m.ListingType,
		"inviteUrl":     m.InviteURL,
		"accessCode":    m.AccessCode,
		"appUrl":        m.AppURL,
		"appId":         m.AppID,
		"appName":       m.AppName,
		"priceUsdc":     m.PriceUSDC,
		"maxUses":       big.NewInt(m.MaxUses),
		"chainId":       big.NewInt(m.ChainID),
		"sellerAddress": m.SellerAddress,
		"nonce":         big.NewInt(m.Nonce),
	}
}

// UpdateListing carries the chain only in the domain.
type UpdateListing struct {
	Slug          string `json:"slug"`
	InviteURL     string `json:"inviteUrl"`
	AccessCode    string `json:"accessCode"`
	AppURL        string `json:"appUrl"`
	AppID         string `json:"appId"`
	AppName       string `json:"appName"`
	PriceUSDC     string `json:"priceUsdc"`
	MaxUses       int64  `json:"maxUses"`
	SellerAddress string `json:"sellerAddress"`
	Nonce         int64  `json:"nonce"`
	ChainID       int64  `json:"chainId"`
}

func (UpdateListing) PrimaryType() string  { return "UpdateListing" }
func (m UpdateListing) Signer() string     { return m.SellerAddress }
func (m UpdateListing) NonceMillis() int64 { return m.Nonce }
func (m UpdateListing) Chain() int64       { return m.ChainID }

func (m UpdateListing) fields() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"slug":          m.Slug,
		"inviteUrl":     m.InviteURL,
		"accessCode":    m.AccessCode,
		"appUrl":        m.AppURL,
		"appId":         m.AppID,
		"appName":       m.AppName,
		"priceUsdc":     m.PriceUSDC,
		"maxUses":       big.NewInt(m.MaxUses),
		"sellerAddress": m.SellerAddress,
		"nonce":         big.NewInt(m.Nonce),
	}
}

type CancelListing struct {
	Slug          string `json:"slug"`
	SellerAddress string `json:"sellerAddress"`
	Nonce         int64  `json:"nonce"`
	ChainID       int64  `json:"chainId"`
}

func (CancelListing) PrimaryType() string  { return "CancelListing" }
func (m CancelListing) Signer() string     { return m.SellerAddress }
func (m CancelListing) NonceMillis() int64 { return m.Nonce }
func (m CancelListing) Chain() int64       { return m.ChainID }

func (m CancelListing) fields() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"slug":          m.Slug,
		"sellerAddress": m.SellerAddress,
		"nonce":         big.NewInt(m.Nonce),
	}
}
