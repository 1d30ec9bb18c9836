package handlers

import (
	"time"

	"github.com/jmoiron/sqlx"

	"grantmarket/internal/config"
	"grantmarket/internal/identity"
	"grantmarket/internal/notify"
	"grantmarket/internal/repos"
	"grantmarket/internal/services"
	"grantmarket/internal/settlement"
	"grantmarket/internal/signature"
)

type Deps struct {
	ListingHandler   *ListingHandler
	PurchaseHandler  *PurchaseHandler
	InventoryHandler *InventoryHandler
	IdentityHandler  *IdentityHandler
}

// Externals are the outbound collaborators. Nil fields are built from cfg.
type Externals struct {
	Settler  settlement.Adapter
	Notify   notify.Notifier
	Identity identity.Resolver
}

func NewDeps(db *sqlx.DB, cfg config.Config, ext Externals) *Deps {
	listingRepo := repos.NewListingRepo(db)
	holdRepo := repos.NewHoldRepo(db)
	txRepo := repos.NewTransactionRepo(db)

	if ext.Settler == nil {
		ext.Settler = settlement.NewX402Adapter(settlement.NewFacilitatorClient(cfg.FacilitatorURL, cfg.FacilitatorAPIKey))
	}
	if ext.Identity == nil {
		ext.Identity = identity.New(cfg.IdentityURL, cfg.IdentityTTL)
	}

	verifier := signature.NewVerifier(cfg.SignatureMaxAge, cfg.SignatureMaxSkew, time.Now)
	listingSvc := services.NewListingService(listingRepo, txRepo, verifier, ext.Notify, cfg.SupportedChains)
	purchaseSvc := services.NewPurchaseService(listingRepo, holdRepo, txRepo, ext.Settler, ext.Notify, cfg.SettlementTimeout, cfg.HoldTTL)
	invSvc := services.NewInventoryService(listingRepo, holdRepo)

	return &Deps{
		ListingHandler:   &ListingHandler{Listings: listingSvc},
		PurchaseHandler:  &PurchaseHandler{Purchases: purchaseSvc, BaseURL: cfg.PublicBaseURL},
		InventoryHandler: &InventoryHandler{Inv: invSvc},
		IdentityHandler:  &IdentityHandler{Resolver: ext.Identity},
	}
}
