package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNoUnits is returned by Acquire when every remaining unit is sold or held.
var ErrNoUnits = errors.New("no units available")

// HoldRepo reserves one unit of a listing for the duration of a settlement
// attempt, so a buyer who cannot get a unit is refused before paying.
type HoldRepo struct{ db *sqlx.DB }

func NewHoldRepo(db *sqlx.DB) *HoldRepo { return &HoldRepo{db: db} }

// Acquire inserts a hold if the listing is active and
// purchase_count + live holds < max_uses. The check and insert are one
// statement.
func (r *HoldRepo) Acquire(ctx context.Context, slug, buyerHint string, now time.Time, ttl time.Duration) (string, error) {
	nowMs := toMillis(now)
	if _, err := r.db.ExecContext(ctx, `DELETE FROM listing_holds WHERE expires_at <= ?`, nowMs); err != nil {
		return "", fmt.Errorf("purge holds: %w", err)
	}

	id := uuid.NewString()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO listing_holds(id, listing_slug, buyer_hint, created_at, expires_at)
		SELECT ?, l.slug, ?, ?, ?
		FROM listings l
		WHERE l.slug = ? AND l.status = 'active'
		  AND (l.max_uses = -1 OR l.purchase_count + (
		        SELECT COUNT(*) FROM listing_holds h
		        WHERE h.listing_slug = l.slug AND h.expires_at > ?) < l.max_uses)
	`, id, buyerHint, nowMs, toMillis(now.Add(ttl)), slug, nowMs)
	if err != nil {
		return "", fmt.Errorf("acquire hold: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return "", ErrNoUnits
	}
	return id, nil
}

// Release deletes the hold. Releasing a hold that already expired or was
// purged is not an error.
func (r *HoldRepo) Release(ctx context.Context, q Querier, id string) error {
	if q == nil {
		q = r.db
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM listing_holds WHERE id = ?`, id); err != nil {
		return fmt.Errorf("release hold: %w", err)
	}
	return nil
}

// Live counts unexpired holds for slug.
func (r *HoldRepo) Live(ctx context.Context, slug string, now time.Time) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM listing_holds WHERE listing_slug = ? AND expires_at > ?
	`, slug, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("count holds: %w", err)
	}
	return n, nil
}
