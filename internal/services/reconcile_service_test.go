package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grantmarket/internal/domain"
	apperrors "grantmarket/internal/errors"
	"grantmarket/internal/services"
)

func event(slug string) services.PaymentEvent {
	return services.PaymentEvent{
		Slug:      slug,
		Buyer:     "0xAbCdEf0000000000000000000000000000000001",
		Seller:    seller,
		PriceUSDC: decimal.RequireFromString("5"),
		ChainID:   84532,
		Timestamp: t0.Add(-10 * time.Minute),
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := services.NewReconcileService(s.listings, s.sales)
	later := t0.Add(time.Hour)
	svc.Now = func() time.Time { return later }
	l := s.listing(t, 2)

	first, err := svc.Reconcile(ctx, event(l.Slug), false)
	require.NoError(t, err)
	assert.False(t, first.AlreadyRecorded)
	assert.True(t, first.InventoryApplied)
	assert.Equal(t, 1, first.PurchaseCount)
	assert.NotEmpty(t, first.TransactionID)

	// a second run a little later still matches the same payment
	again := event(l.Slug)
	again.Timestamp = again.Timestamp.Add(30 * time.Second)
	second, err := svc.Reconcile(ctx, again, false)
	require.NoError(t, err)
	assert.True(t, second.AlreadyRecorded)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	n, err := s.sales.CountBySlug(ctx, l.Slug)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := s.listings.Get(ctx, l.Slug, false)
	require.NoError(t, err)
	assert.Equal(t, 1, got.PurchaseCount)
	assert.Equal(t, later, got.UpdatedAt)

	sales, err := s.sales.ListBySlug(ctx, l.Slug, 10, 0)
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, domain.TxSourceReconcile, sales[0].Source)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", sales[0].BuyerAddress)
	assert.Equal(t, event(l.Slug).Timestamp, sales[0].CreatedAt)
}

func TestReconcileMatchesLivePurchase(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	l := s.listing(t, 1)
	_, err := s.purchases(paid("0xcafe")).Purchase(ctx, services.PurchaseRequest{Slug: l.Slug, PaymentProof: "x"})
	require.NoError(t, err)

	svc := services.NewReconcileService(s.listings, s.sales)
	ev := event(l.Slug)
	ev.Buyer = buyer(1)
	ev.Timestamp = t0.Add(20 * time.Second)
	out, err := svc.Reconcile(ctx, ev, false)
	require.NoError(t, err)
	assert.True(t, out.AlreadyRecorded)

	// same settlement hash matches regardless of time
	ev = event(l.Slug)
	ev.SettlementTx = "0xcafe"
	out, err = svc.Reconcile(ctx, ev, false)
	require.NoError(t, err)
	assert.True(t, out.AlreadyRecorded)
}

func TestReconcileSellerMismatchIsFatal(t *testing.T) {
	s := newStore(t)
	svc := services.NewReconcileService(s.listings, s.sales)
	l := s.listing(t, 1)

	ev := event(l.Slug)
	ev.Seller = "0x9999999999999999999999999999999999999999"
	_, err := svc.Reconcile(context.Background(), ev, false)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeReconcileSellerMismatch), "got %v", err)

	n, err := s.sales.CountBySlug(context.Background(), l.Slug)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileDryRunWritesNothing(t *testing.T) {
	s := newStore(t)
	svc := services.NewReconcileService(s.listings, s.sales)
	l := s.listing(t, 1)

	out, err := svc.Reconcile(context.Background(), event(l.Slug), true)
	require.NoError(t, err)
	assert.True(t, out.DryRun)
	assert.False(t, out.AlreadyRecorded)

	n, err := s.sales.CountBySlug(context.Background(), l.Slug)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileOnSoldOutListingKeepsLedgerRow(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := services.NewReconcileService(s.listings, s.sales)
	l := s.listing(t, 1)
	_, err := s.purchases(paid("0x1")).Purchase(ctx, services.PurchaseRequest{Slug: l.Slug, PaymentProof: "x"})
	require.NoError(t, err)

	out, err := svc.Reconcile(ctx, event(l.Slug), false)
	require.NoError(t, err)
	assert.False(t, out.AlreadyRecorded)
	assert.False(t, out.InventoryApplied)
	assert.Equal(t, domain.StatusSold, out.Status)

	n, err := s.sales.CountBySlug(ctx, l.Slug)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReconcileUnknownListing(t *testing.T) {
	s := newStore(t)
	svc := services.NewReconcileService(s.listings, s.sales)
	_, err := svc.Reconcile(context.Background(), event("Missing123"), false)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}
