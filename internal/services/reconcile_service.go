package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"grantmarket/internal/domain"
	apperrors "grantmarket/internal/errors"
	applog "grantmarket/internal/log"
	"grantmarket/internal/repos"
	"grantmarket/internal/validate"
)

// MatchWindow is how far apart two records of the same buyer, listing and
// chain may be and still describe one payment.
const MatchWindow = 60 * time.Second

// PaymentEvent is a payment observed outside the purchase path, usually on a
// block explorer after a reconcile.candidate or purchase.reconcile.required log.
type PaymentEvent struct {
	Slug         string
	Buyer        string
	Seller       string
	PriceUSDC    decimal.Decimal
	ChainID      int64
	Timestamp    time.Time
	SettlementTx string
}

type Outcome struct {
	AlreadyRecorded  bool          `json:"alreadyRecorded"`
	DryRun           bool          `json:"dryRun,omitempty"`
	TransactionID    string        `json:"transactionId,omitempty"`
	InventoryApplied bool          `json:"inventoryApplied"`
	PurchaseCount    int           `json:"purchaseCount"`
	Status           domain.Status `json:"status"`
}

type ReconcileService struct {
	Listings *repos.ListingRepo
	Sales    *repos.TransactionRepo
	Now      func() time.Time
	NewID    func() string
}

func NewReconcileService(listings *repos.ListingRepo, sales *repos.TransactionRepo) *ReconcileService {
	return &ReconcileService{Listings: listings, Sales: sales, Now: time.Now, NewID: uuid.NewString}
}

// Reconcile records ev once. Running it again for the same event finds the
// earlier record and changes nothing.
func (s *ReconcileService) Reconcile(ctx context.Context, ev PaymentEvent, dryRun bool) (Outcome, error) {
	buyer, ok := validate.Address(ev.Buyer)
	if !ok {
		return Outcome{}, apperrors.New(apperrors.CodeValidation, "invalid buyer address")
	}
	seller, ok := validate.Address(ev.Seller)
	if !ok {
		return Outcome{}, apperrors.New(apperrors.CodeValidation, "invalid seller address")
	}
	if ev.Timestamp.IsZero() {
		return Outcome{}, apperrors.New(apperrors.CodeValidation, "timestamp is required")
	}

	l, err := s.Listings.Get(ctx, ev.Slug, false)
	if errors.Is(err, repos.ErrNotFound) {
		return Outcome{}, apperrors.Newf(apperrors.CodeNotFound, "listing %s not found", ev.Slug)
	}
	if err != nil {
		return Outcome{}, err
	}
	if l.SellerAddress != seller {
		return Outcome{}, apperrors.Newf(apperrors.CodeReconcileSellerMismatch,
			"listing %s belongs to %s, not %s", l.Slug, l.SellerAddress, seller).
			WithMetadata("listing_seller", l.SellerAddress)
	}
	if ev.ChainID != l.ChainID {
		return Outcome{}, apperrors.Newf(apperrors.CodeValidation, "listing %s is on chain %d", l.Slug, l.ChainID)
	}
	price := ev.PriceUSDC
	if price.IsZero() {
		price = l.PriceUSDC
	}

	if dryRun {
		prior, err := s.Sales.FindMatch(ctx, nil, l.Slug, buyer, l.ChainID, ev.Timestamp, MatchWindow, ev.SettlementTx)
		if err != nil && !errors.Is(err, repos.ErrNotFound) {
			return Outcome{}, err
		}
		return Outcome{
			AlreadyRecorded: err == nil,
			DryRun:          true,
			TransactionID:   prior.ID,
			PurchaseCount:   l.PurchaseCount,
			Status:          l.Status,
		}, nil
	}

	out := Outcome{PurchaseCount: l.PurchaseCount, Status: l.Status}
	err = repos.WithTx(ctx, s.Listings.DB(), func(tx *sqlx.Tx) error {
		prior, err := s.Sales.FindMatch(ctx, tx, l.Slug, buyer, l.ChainID, ev.Timestamp, MatchWindow, ev.SettlementTx)
		if err == nil {
			out.AlreadyRecorded = true
			out.TransactionID = prior.ID
			return nil
		}
		if !errors.Is(err, repos.ErrNotFound) {
			return err
		}

		t := domain.Transaction{
			ID:            s.NewID(),
			ListingSlug:   l.Slug,
			SellerAddress: l.SellerAddress,
			BuyerAddress:  buyer,
			PriceUSDC:     price,
			AppID:         l.AppID,
			ChainID:       l.ChainID,
			SettlementTx:  ev.SettlementTx,
			Source:        domain.TxSourceReconcile,
			CreatedAt:     ev.Timestamp.UTC(),
		}
		if err := s.Sales.Insert(ctx, tx, t); err != nil {
			return err
		}
		out.TransactionID = t.ID

		// reconcile discloses nothing, so any terms version is accepted
		consumed, err := s.Listings.Consume(ctx, tx, l.Slug, 0, s.Now().UTC())
		switch {
		case errors.Is(err, repos.ErrExhausted):
			// paid for a unit that no longer exists; the operator refunds or raises the cap
		case err != nil:
			return err
		default:
			out.InventoryApplied = true
			out.PurchaseCount = consumed.PurchaseCount
			out.Status = consumed.Status
		}
		return nil
	})
	if err != nil {
		return Outcome{}, apperrors.Wrap(apperrors.CodePersistenceFailure, "could not record payment", err)
	}

	applog.Event("reconcile.applied", map[string]any{
		"slug":              l.Slug,
		"buyer":             buyer,
		"chain_id":          l.ChainID,
		"settlement_tx":     ev.SettlementTx,
		"already_recorded":  out.AlreadyRecorded,
		"inventory_applied": out.InventoryApplied,
		"transaction_id":    out.TransactionID,
	})
	return out, nil
}
