package repos_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grantmarket/internal/domain"
	apperrors "grantmarket/internal/errors"
	"grantmarket/internal/repos"
)

const seller = "0x1111111111111111111111111111111111111111"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := repos.OpenDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newListing(maxUses int) domain.Listing {
	return domain.Listing{
		Payload:       domain.InviteLink{URL: "https://discord.gg/secret"},
		AppName:       "Guild",
		PriceUSDC:     decimal.RequireFromString("5"),
		SellerAddress: seller,
		ChainID:       84532,
		MaxUses:       maxUses,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
}

func TestOpenDBIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "again.db")
	db, err := repos.OpenDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = repos.OpenDB(path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM schema_migrations`))
	assert.Equal(t, 2, n)
}

func TestCreateAndGetRedactsSecrets(t *testing.T) {
	ctx := context.Background()
	r := repos.NewListingRepo(openDB(t))

	l, err := r.Create(ctx, newListing(1))
	require.NoError(t, err)
	assert.Len(t, l.Slug, 10)
	assert.Equal(t, domain.StatusActive, l.Status)

	pub, err := r.Get(ctx, l.Slug, false)
	require.NoError(t, err)
	assert.Equal(t, "", pub.Payload.Secret())
	assert.True(t, pub.PriceUSDC.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, t0, pub.CreatedAt)

	full, err := r.Get(ctx, l.Slug, true)
	require.NoError(t, err)
	assert.Equal(t, "https://discord.gg/secret", full.Payload.Secret())

	_, err = r.Get(ctx, "missing000", false)
	assert.ErrorIs(t, err, repos.ErrNotFound)
}

func TestCreateRetriesSlugCollision(t *testing.T) {
	ctx := context.Background()
	r := repos.NewListingRepo(openDB(t))

	slugs := []string{"AAAAAAAAAA", "AAAAAAAAAA", "BBBBBBBBBB"}
	r.NewSlug = func() (string, error) {
		s := slugs[0]
		slugs = slugs[1:]
		return s, nil
	}
	first, err := r.Create(ctx, newListing(1))
	require.NoError(t, err)
	second, err := r.Create(ctx, newListing(1))
	require.NoError(t, err)

	assert.Equal(t, "AAAAAAAAAA", first.Slug)
	assert.Equal(t, "BBBBBBBBBB", second.Slug)
}

func TestUpdateMaxUsesIsMonotonic(t *testing.T) {
	ctx := context.Background()
	r := repos.NewListingRepo(openDB(t))
	l, err := r.Create(ctx, newListing(5))
	require.NoError(t, err)

	_, err = r.Update(ctx, l.Slug, seller, repos.Change{MaxUses: 3, At: t0})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidInventoryChange), "got %v", err)

	got, err := r.Update(ctx, l.Slug, seller, repos.Change{MaxUses: 10, At: t0})
	require.NoError(t, err)
	assert.Equal(t, 10, got.MaxUses)
	assert.Equal(t, int64(2), got.Version)

	got, err = r.Update(ctx, l.Slug, seller, repos.Change{MaxUses: domain.Unlimited, At: t0})
	require.NoError(t, err)
	assert.Equal(t, domain.Unlimited, got.MaxUses)

	// unlimited back to finite is a decrease
	_, err = r.Update(ctx, l.Slug, seller, repos.Change{MaxUses: 100, At: t0})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidInventoryChange))
}

func TestUpdateKeepsSecretWhenEmpty(t *testing.T) {
	ctx := context.Background()
	r := repos.NewListingRepo(openDB(t))
	l, err := r.Create(ctx, newListing(1))
	require.NoError(t, err)

	_, err = r.Update(ctx, l.Slug, seller, repos.Change{AppName: "Renamed", PriceUSDC: decimal.RequireFromString("7.5"), At: t0.Add(time.Minute)})
	require.NoError(t, err)

	full, err := r.Get(ctx, l.Slug, true)
	require.NoError(t, err)
	assert.Equal(t, "https://discord.gg/secret", full.Payload.Secret())
	assert.Equal(t, "Renamed", full.AppName)
	assert.Equal(t, "7.5", full.PriceUSDC.String())
	assert.Equal(t, t0.Add(time.Minute), full.UpdatedAt)
}

func TestUpdateAndCancelRequireOwner(t *testing.T) {
	ctx := context.Background()
	r := repos.NewListingRepo(openDB(t))
	l, err := r.Create(ctx, newListing(1))
	require.NoError(t, err)

	other := "0x2222222222222222222222222222222222222222"
	_, err = r.Update(ctx, l.Slug, other, repos.Change{AppName: "x", At: t0})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFoundOrNotOwned))
	_, err = r.Update(ctx, "nosuchslug", seller, repos.Change{AppName: "x", At: t0})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFoundOrNotOwned))
	_, err = r.Cancel(ctx, l.Slug, other, t0)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFoundOrNotOwned))

	c, err := r.Cancel(ctx, l.Slug, seller, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, c.Status)

	// cancelled is terminal
	_, err = r.Update(ctx, l.Slug, seller, repos.Change{AppName: "x", At: t0})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFoundOrNotOwned))
}

func TestConsumeMarksSoldAtCap(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	r := repos.NewListingRepo(db)
	l, err := r.Create(ctx, newListing(2))
	require.NoError(t, err)

	got, err := r.Consume(ctx, db, l.Slug, 0, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, got.PurchaseCount)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, "https://discord.gg/secret", got.Payload.Secret())

	got, err = r.Consume(ctx, db, l.Slug, 0, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, got.PurchaseCount)
	assert.Equal(t, domain.StatusSold, got.Status)

	_, err = r.Consume(ctx, db, l.Slug, 0, t0)
	assert.ErrorIs(t, err, repos.ErrExhausted)
}

func TestConsumeUnlimitedNeverSells(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	r := repos.NewListingRepo(db)
	l, err := r.Create(ctx, newListing(domain.Unlimited))
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		got, err := r.Consume(ctx, db, l.Slug, 0, t0)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, got.Status)
	}
}

func TestTermsVersionTracksPriceAndPayload(t *testing.T) {
	ctx := context.Background()
	r := repos.NewListingRepo(openDB(t))
	l, err := r.Create(ctx, newListing(2))
	require.NoError(t, err)
	assert.Equal(t, int64(1), l.TermsVersion)

	// cap, name and an unchanged price leave the terms alone
	got, err := r.Update(ctx, l.Slug, seller, repos.Change{MaxUses: 5, AppName: "Guild 2", PriceUSDC: decimal.RequireFromString("5"), At: t0})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TermsVersion)
	assert.Greater(t, got.Version, l.Version)

	got, err = r.Update(ctx, l.Slug, seller, repos.Change{PriceUSDC: decimal.RequireFromString("50"), At: t0})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TermsVersion)

	got, err = r.Update(ctx, l.Slug, seller, repos.Change{InviteURL: "https://discord.gg/rotated", At: t0})
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TermsVersion)

	// a sale is not a terms change
	sold, err := r.Consume(ctx, r.DB(), l.Slug, 3, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sold.TermsVersion)
}

func TestConsumeRefusesStaleTerms(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	r := repos.NewListingRepo(db)
	l, err := r.Create(ctx, newListing(1))
	require.NoError(t, err)

	_, err = r.Update(ctx, l.Slug, seller, repos.Change{
		InviteURL: "https://discord.gg/rotated",
		PriceUSDC: decimal.RequireFromString("50"),
		At:        t0,
	})
	require.NoError(t, err)

	_, err = r.Consume(ctx, db, l.Slug, l.TermsVersion, t0)
	assert.ErrorIs(t, err, repos.ErrTermsChanged)

	cur, err := r.Get(ctx, l.Slug, false)
	require.NoError(t, err)
	assert.Zero(t, cur.PurchaseCount)

	got, err := r.Consume(ctx, db, l.Slug, cur.TermsVersion, t0)
	require.NoError(t, err)
	assert.Equal(t, "https://discord.gg/rotated", got.Payload.Secret())

	// sold out wins over a stale quote
	_, err = r.Consume(ctx, db, l.Slug, l.TermsVersion, t0)
	assert.ErrorIs(t, err, repos.ErrExhausted)
}

func TestHoldsCountAgainstCap(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	lr := repos.NewListingRepo(db)
	hr := repos.NewHoldRepo(db)
	l, err := lr.Create(ctx, newListing(2))
	require.NoError(t, err)

	h1, err := hr.Acquire(ctx, l.Slug, "a", t0, time.Minute)
	require.NoError(t, err)
	_, err = hr.Acquire(ctx, l.Slug, "b", t0, time.Minute)
	require.NoError(t, err)
	_, err = hr.Acquire(ctx, l.Slug, "c", t0, time.Minute)
	assert.ErrorIs(t, err, repos.ErrNoUnits)

	require.NoError(t, hr.Release(ctx, nil, h1))
	_, err = hr.Acquire(ctx, l.Slug, "c", t0, time.Minute)
	require.NoError(t, err)

	// both holds expire
	_, err = hr.Acquire(ctx, l.Slug, "d", t0.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	n, err := hr.Live(ctx, l.Slug, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTransactionLedger(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	lr := repos.NewListingRepo(db)
	tr := repos.NewTransactionRepo(db)
	l, err := lr.Create(ctx, newListing(domain.Unlimited))
	require.NoError(t, err)

	buyer := "0x3333333333333333333333333333333333333333"
	tx := domain.Transaction{
		ID: "t1", ListingSlug: l.Slug, SellerAddress: seller, BuyerAddress: buyer,
		PriceUSDC: l.PriceUSDC, ChainID: 84532, SettlementTx: "0xabc",
		Source: domain.TxSourcePurchase, CreatedAt: t0,
	}
	require.NoError(t, tr.Insert(ctx, nil, tx))

	dup := tx
	dup.ID = "t2"
	assert.ErrorIs(t, tr.Insert(ctx, nil, dup), repos.ErrDuplicateSettlement)

	found, err := tr.FindMatch(ctx, nil, l.Slug, buyer, 84532, t0.Add(45*time.Second), time.Minute, "")
	require.NoError(t, err)
	assert.Equal(t, "t1", found.ID)

	_, err = tr.FindMatch(ctx, nil, l.Slug, buyer, 84532, t0.Add(2*time.Minute), time.Minute, "")
	assert.ErrorIs(t, err, repos.ErrNotFound)

	found, err = tr.FindMatch(ctx, nil, l.Slug, buyer, 84532, t0.Add(time.Hour), time.Minute, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "t1", found.ID)

	sales, err := tr.ListBySeller(ctx, seller, 10, 0)
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, "5", sales[0].PriceUSDC.String())
}

func TestListFiltersAndRedacts(t *testing.T) {
	ctx := context.Background()
	r := repos.NewListingRepo(openDB(t))
	a := newListing(1)
	_, err := r.Create(ctx, a)
	require.NoError(t, err)
	b := newListing(1)
	b.ChainID = 8453
	b.CreatedAt = t0.Add(time.Second)
	_, err = r.Create(ctx, b)
	require.NoError(t, err)

	all, err := r.List(ctx, repos.ListFilter{Seller: seller})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(8453), all[0].ChainID)
	for _, l := range all {
		assert.Empty(t, l.Payload.Secret())
	}

	base, err := r.List(ctx, repos.ListFilter{ChainID: 84532})
	require.NoError(t, err)
	assert.Len(t, base, 1)
}
