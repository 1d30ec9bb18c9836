package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"grantmarket/internal/domain"
	apperrors "grantmarket/internal/errors"
	applog "grantmarket/internal/log"
	"grantmarket/internal/notify"
	"grantmarket/internal/repos"
	"grantmarket/internal/settlement"
	"grantmarket/internal/validate"
)

const PendingStatus = "payment_received_pending"

type PurchaseRequest struct {
	Slug string
	// PaymentProof is the raw X-PAYMENT header.
	PaymentProof string
	// Resource is the absolute URL the buyer is paying for.
	Resource string
	// ChainID is the chain the client declared, 0 if none.
	ChainID  int64
	ClientIP string
}

// Pending tells a buyer the payment was taken but the purchase could not be
// committed. An operator finishes it with the reconcile command.
type Pending struct {
	Status       string `json:"status"`
	Reason       string `json:"reason"`
	SettlementTx string `json:"settlementTx"`
}

// PurchaseResult holds exactly one of Disclosure, Pending or a settlement
// Body to pass through with Status.
type PurchaseResult struct {
	Status     int
	Body       []byte
	Disclosure *domain.Disclosure
	Pending    *Pending
	// PaymentResponse is the X-PAYMENT-RESPONSE header once money moved.
	PaymentResponse string
}

type PurchaseService struct {
	Listings *repos.ListingRepo
	Holds    *repos.HoldRepo
	Sales    *repos.TransactionRepo
	Settler  settlement.Adapter
	Notify   notify.Notifier
	Timeout  time.Duration
	HoldTTL  time.Duration
	Now      func() time.Time
	NewID    func() string
}

func NewPurchaseService(listings *repos.ListingRepo, holds *repos.HoldRepo, sales *repos.TransactionRepo, settler settlement.Adapter, n notify.Notifier, timeout, holdTTL time.Duration) *PurchaseService {
	if n == nil {
		n = notify.Nop{}
	}
	return &PurchaseService{
		Listings: listings,
		Holds:    holds,
		Sales:    sales,
		Settler:  settler,
		Notify:   n,
		Timeout:  timeout,
		HoldTTL:  holdTTL,
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// Purchase runs hold, settle, commit and disclose for one buyer. Errors are
// pre-settlement refusals or a settlement timeout; once money has moved the
// result is a Disclosure or a Pending, never an error.
func (s *PurchaseService) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	unavailable := apperrors.New(apperrors.CodeListingUnavailable, "listing is not available")
	if _, ok := validate.Slug(req.Slug); !ok {
		return PurchaseResult{}, unavailable
	}
	l, err := s.Listings.Get(ctx, req.Slug, false)
	if errors.Is(err, repos.ErrNotFound) {
		return PurchaseResult{}, unavailable
	}
	if err != nil {
		return PurchaseResult{}, err
	}
	if !l.Available() {
		return PurchaseResult{}, unavailable
	}
	if req.ChainID != 0 && req.ChainID != l.ChainID {
		return PurchaseResult{}, apperrors.Newf(apperrors.CodeValidation, "listing is sold on chain %d", l.ChainID)
	}
	network, ok := settlement.NetworkForChain(l.ChainID)
	if !ok {
		return PurchaseResult{}, unavailable
	}
	sreq := settlement.Request{
		Resource:     req.Resource,
		Method:       http.MethodPost,
		PaymentProof: req.PaymentProof,
		PayTo:        l.SellerAddress,
		Network:      network,
		Price:        l.PriceUSDC,
		Description:  "Access to " + displayName(l),
	}

	// A request without proof only gets the payment challenge, so it takes no hold.
	holdID := ""
	if req.PaymentProof != "" {
		holdID, err = s.Holds.Acquire(ctx, l.Slug, req.ClientIP, s.Now(), s.HoldTTL)
		if errors.Is(err, repos.ErrNoUnits) {
			return PurchaseResult{}, unavailable
		}
		if err != nil {
			return PurchaseResult{}, err
		}
	}

	sctx, cancel := context.WithTimeout(ctx, s.Timeout)
	res, err := s.Settler.Settle(sctx, sreq)
	cancel()
	if err != nil {
		s.release(ctx, holdID)
		applog.Warn("reconcile.candidate", map[string]any{
			"slug":     l.Slug,
			"seller":   l.SellerAddress,
			"price":    l.PriceUSDC.String(),
			"chain_id": l.ChainID,
			"at":       s.Now().UnixMilli(),
			"err":      err.Error(),
		})
		return PurchaseResult{}, apperrors.Wrap(apperrors.CodeSettlementTimeout, "payment settlement timed out", err)
	}
	if !res.OK() || res.Receipt == nil {
		s.release(ctx, holdID)
		return PurchaseResult{Status: res.Status, Body: res.Body}, nil
	}
	return s.commit(context.WithoutCancel(ctx), l, holdID, res), nil
}

// commit turns the hold into a sale and records it in one SQL transaction.
func (s *PurchaseService) commit(ctx context.Context, l domain.Listing, holdID string, res settlement.Result) PurchaseResult {
	now := s.Now().UTC()
	t := domain.Transaction{
		ID:            s.NewID(),
		ListingSlug:   l.Slug,
		SellerAddress: l.SellerAddress,
		BuyerAddress:  res.Receipt.Payer,
		PriceUSDC:     l.PriceUSDC,
		AppID:         l.AppID,
		ChainID:       l.ChainID,
		SettlementTx:  res.Receipt.Transaction,
		Source:        domain.TxSourcePurchase,
		CreatedAt:     now,
	}

	var sold domain.Listing
	var consumeErr error
	err := repos.WithTx(ctx, s.Listings.DB(), func(tx *sqlx.Tx) error {
		if holdID != "" {
			if err := s.Holds.Release(ctx, tx, holdID); err != nil {
				return err
			}
		}
		// the buyer paid the quote read before settlement; a price or payload
		// edit since then must not be disclosed to them
		sold, consumeErr = s.Listings.Consume(ctx, tx, l.Slug, l.TermsVersion, now)
		if consumeErr != nil && !errors.Is(consumeErr, repos.ErrExhausted) && !errors.Is(consumeErr, repos.ErrTermsChanged) {
			return consumeErr
		}
		// the ledger row is written even when nothing was consumed
		return s.Sales.Insert(ctx, tx, t)
	})

	if err == nil && consumeErr == nil {
		applog.Event("purchase.completed", map[string]any{
			"slug":           l.Slug,
			"buyer":          t.BuyerAddress,
			"settlement_tx":  t.SettlementTx,
			"purchase_count": sold.PurchaseCount,
			"status":         sold.Status,
		})
		public := sold
		public.Payload = sold.Payload.Redacted()
		s.Notify.Sale(public, t)
		d := domain.NewDisclosure(sold, t.SettlementTx)
		return PurchaseResult{Status: http.StatusOK, Disclosure: &d, PaymentResponse: res.Header}
	}

	reason := apperrors.CodeListingUnavailable
	if errors.Is(consumeErr, repos.ErrTermsChanged) {
		reason = apperrors.CodeListingChanged
	}
	cause := consumeErr
	if err != nil {
		reason, cause = apperrors.CodePersistenceFailure, err
		s.release(ctx, holdID)
	}
	applog.Fail("purchase.reconcile.required", cause, map[string]any{
		"slug":          l.Slug,
		"buyer":         t.BuyerAddress,
		"seller":        t.SellerAddress,
		"price":         t.PriceUSDC.String(),
		"chain_id":      t.ChainID,
		"settlement_tx": t.SettlementTx,
		"terms_version": l.TermsVersion,
		"at":            now.UnixMilli(),
		"reason":        string(reason),
		"recorded":      err == nil,
	})
	return PurchaseResult{
		Status:          http.StatusAccepted,
		Pending:         &Pending{Status: PendingStatus, Reason: string(reason), SettlementTx: t.SettlementTx},
		PaymentResponse: res.Header,
	}
}

func (s *PurchaseService) release(ctx context.Context, holdID string) {
	if holdID == "" {
		return
	}
	if err := s.Holds.Release(context.WithoutCancel(ctx), nil, holdID); err != nil {
		applog.Fail("purchase.hold.release", err, map[string]any{"hold": holdID})
	}
}

func displayName(l domain.Listing) string {
	switch {
	case l.AppName != "":
		return l.AppName
	case l.AppID != "":
		return l.AppID
	}
	return fmt.Sprintf("listing %s", l.Slug)
}
