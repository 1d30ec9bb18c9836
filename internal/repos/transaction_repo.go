package repos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"grantmarket/internal/domain"
)

// ErrDuplicateSettlement means the settlement tx hash is already in the ledger.
var ErrDuplicateSettlement = errors.New("settlement already recorded")

// TransactionRepo is the append-only sales ledger. There is no update or delete.
type TransactionRepo struct{ db *sqlx.DB }

func NewTransactionRepo(db *sqlx.DB) *TransactionRepo { return &TransactionRepo{db: db} }

type txRow struct {
	ID            string `db:"id"`
	ListingSlug   string `db:"listing_slug"`
	SellerAddress string `db:"seller_address"`
	BuyerAddress  string `db:"buyer_address"`
	PriceUSDC     string `db:"price_usdc"`
	AppID         string `db:"app_id"`
	ChainID       int64  `db:"chain_id"`
	SettlementTx  string `db:"settlement_tx"`
	Source        string `db:"source"`
	CreatedAt     int64  `db:"created_at"`
}

const txCols = `id, listing_slug, seller_address, buyer_address, price_usdc, app_id, chain_id, settlement_tx, source, created_at`

func (row txRow) toDomain() (domain.Transaction, error) {
	price, err := decimal.NewFromString(row.PriceUSDC)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s: bad price %q: %w", row.ID, row.PriceUSDC, err)
	}
	return domain.Transaction{
		ID:            row.ID,
		ListingSlug:   row.ListingSlug,
		SellerAddress: row.SellerAddress,
		BuyerAddress:  row.BuyerAddress,
		PriceUSDC:     price,
		AppID:         row.AppID,
		ChainID:       row.ChainID,
		SettlementTx:  row.SettlementTx,
		Source:        domain.TxSource(row.Source),
		CreatedAt:     fromMillis(row.CreatedAt),
	}, nil
}

// Insert appends t. q may be a transaction.
func (r *TransactionRepo) Insert(ctx context.Context, q Querier, t domain.Transaction) error {
	if q == nil {
		q = r.db
	}
	_, err := sqlx.NamedExecContext(ctx, q, `
		INSERT INTO transactions(`+txCols+`)
		VALUES (:id, :listing_slug, :seller_address, :buyer_address, :price_usdc, :app_id, :chain_id,
		        :settlement_tx, :source, :created_at)
	`, txRow{
		ID:            t.ID,
		ListingSlug:   t.ListingSlug,
		SellerAddress: t.SellerAddress,
		BuyerAddress:  t.BuyerAddress,
		PriceUSDC:     t.PriceUSDC.String(),
		AppID:         t.AppID,
		ChainID:       t.ChainID,
		SettlementTx:  t.SettlementTx,
		Source:        string(t.Source),
		CreatedAt:     toMillis(t.CreatedAt),
	})
	if err != nil {
		if t.SettlementTx != "" && isUniqueViolation(err) {
			return ErrDuplicateSettlement
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// FindMatch looks for a ledger row describing the same external payment:
// the same settlement tx, or the same slug, buyer and chain within window of at.
func (r *TransactionRepo) FindMatch(ctx context.Context, q Querier, slug, buyer string, chainID int64, at time.Time, window time.Duration, settlementTx string) (domain.Transaction, error) {
	if q == nil {
		q = r.db
	}
	var row txRow
	err := q.GetContext(ctx, &row, `
		SELECT `+txCols+` FROM transactions
		WHERE (? <> '' AND settlement_tx = ?)
		   OR (listing_slug = ? AND buyer_address = ? AND chain_id = ? AND created_at BETWEEN ? AND ?)
		ORDER BY created_at
		LIMIT 1
	`, settlementTx, settlementTx, slug, buyer, chainID, toMillis(at.Add(-window)), toMillis(at.Add(window)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, ErrNotFound
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("find transaction: %w", err)
	}
	return row.toDomain()
}

func (r *TransactionRepo) ListBySlug(ctx context.Context, slug string, limit, offset int) ([]domain.Transaction, error) {
	return r.list(ctx, `listing_slug = ?`, slug, limit, offset)
}

func (r *TransactionRepo) ListBySeller(ctx context.Context, seller string, limit, offset int) ([]domain.Transaction, error) {
	return r.list(ctx, `seller_address = ?`, seller, limit, offset)
}

func (r *TransactionRepo) list(ctx context.Context, where string, arg any, limit, offset int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []txRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT `+txCols+` FROM transactions WHERE `+where+`
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`, arg, limit, offset); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	out := make([]domain.Transaction, 0, len(rows))
	for _, row := range rows {
		t, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// CountBySlug is used by tests and the reconcile report.
func (r *TransactionRepo) CountBySlug(ctx context.Context, slug string) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM transactions WHERE listing_slug = ?`, slug); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}
