package repos

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"grantmarket/internal/domain"
	apperrors "grantmarket/internal/errors"
)

const (
	slugLen      = 10
	slugAttempts = 5
	// base58: no 0/O/I/l so slugs survive being read aloud or retyped
	slugAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	// largest multiple of len(slugAlphabet) that fits in a byte
	slugByteLimit = 256 - 256%len(slugAlphabet)
)

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx so the purchase path can
// run consume, hold release and ledger insert inside one transaction.
type Querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

type ListingRepo struct {
	db *sqlx.DB
	// NewSlug is swappable in tests to force collisions.
	NewSlug func() (string, error)
}

func NewListingRepo(db *sqlx.DB) *ListingRepo {
	return &ListingRepo{db: db, NewSlug: RandomSlug}
}

func (r *ListingRepo) DB() *sqlx.DB { return r.db }

// RandomSlug returns slugLen characters drawn uniformly from slugAlphabet.
func RandomSlug() (string, error) {
	return slugFrom(rand.Reader)
}

// slugFrom maps bytes of src onto slugAlphabet. Bytes at or above
// slugByteLimit are discarded so every character is equally likely.
func slugFrom(src io.Reader) (string, error) {
	out := make([]byte, 0, slugLen)
	buf := make([]byte, slugLen)
	for len(out) < slugLen {
		if _, err := io.ReadFull(src, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= slugByteLimit {
				continue
			}
			out = append(out, slugAlphabet[int(b)%len(slugAlphabet)])
			if len(out) == slugLen {
				break
			}
		}
	}
	return string(out), nil
}

type listingRow struct {
	Slug          string `db:"slug"`
	ListingType   string `db:"listing_type"`
	InviteURL     string `db:"invite_url"`
	AccessCode    string `db:"access_code"`
	AppURL        string `db:"app_url"`
	AppID         string `db:"app_id"`
	AppName       string `db:"app_name"`
	PriceUSDC     string `db:"price_usdc"`
	SellerAddress string `db:"seller_address"`
	ChainID       int64  `db:"chain_id"`
	Status        string `db:"status"`
	MaxUses       int    `db:"max_uses"`
	PurchaseCount int    `db:"purchase_count"`
	Version       int64  `db:"version"`
	TermsVersion  int64  `db:"terms_version"`
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

const listingCols = `slug, listing_type, invite_url, access_code, app_url, app_id, app_name, price_usdc,
	seller_address, chain_id, status, max_uses, purchase_count, version, terms_version, created_at, updated_at`

func (row listingRow) toDomain(includeSecrets bool) (domain.Listing, error) {
	price, err := decimal.NewFromString(row.PriceUSDC)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing %s: bad price %q: %w", row.Slug, row.PriceUSDC, err)
	}
	var p domain.Payload
	switch domain.ListingType(row.ListingType) {
	case domain.ListingTypeInviteLink:
		p = domain.InviteLink{URL: row.InviteURL}
	case domain.ListingTypeAccessCode:
		p = domain.AccessCode{AppURL: row.AppURL, Code: row.AccessCode}
	default:
		return domain.Listing{}, fmt.Errorf("listing %s: unknown type %q", row.Slug, row.ListingType)
	}
	if !includeSecrets {
		p = p.Redacted()
	}
	return domain.Listing{
		Slug:          row.Slug,
		Payload:       p,
		AppID:         row.AppID,
		AppName:       row.AppName,
		PriceUSDC:     price,
		SellerAddress: row.SellerAddress,
		ChainID:       row.ChainID,
		Status:        domain.Status(row.Status),
		MaxUses:       row.MaxUses,
		PurchaseCount: row.PurchaseCount,
		Version:       row.Version,
		TermsVersion:  row.TermsVersion,
		CreatedAt:     fromMillis(row.CreatedAt),
		UpdatedAt:     fromMillis(row.UpdatedAt),
	}, nil
}

func rowFromDomain(l domain.Listing) listingRow {
	row := listingRow{
		Slug:          l.Slug,
		ListingType:   string(l.Type()),
		AppID:         l.AppID,
		AppName:       l.AppName,
		PriceUSDC:     l.PriceUSDC.String(),
		SellerAddress: l.SellerAddress,
		ChainID:       l.ChainID,
		Status:        string(l.Status),
		MaxUses:       l.MaxUses,
		PurchaseCount: l.PurchaseCount,
		Version:       l.Version,
		TermsVersion:  l.TermsVersion,
		CreatedAt:     toMillis(l.CreatedAt),
		UpdatedAt:     toMillis(l.UpdatedAt),
	}
	switch p := l.Payload.(type) {
	case domain.InviteLink:
		row.InviteURL = p.URL
	case domain.AccessCode:
		row.AppURL = p.AppURL
		row.AccessCode = p.Code
	}
	return row
}

// Create inserts l as a new active listing and assigns its slug. A slug
// collision is retried with a fresh slug.
func (r *ListingRepo) Create(ctx context.Context, l domain.Listing) (domain.Listing, error) {
	l.Status = domain.StatusActive
	l.PurchaseCount = 0
	l.Version = 1
	l.TermsVersion = 1
	for attempt := 0; attempt < slugAttempts; attempt++ {
		slug, err := r.NewSlug()
		if err != nil {
			return domain.Listing{}, fmt.Errorf("generate slug: %w", err)
		}
		l.Slug = slug
		_, err = r.db.NamedExecContext(ctx, `
			INSERT INTO listings(`+listingCols+`)
			VALUES (:slug, :listing_type, :invite_url, :access_code, :app_url, :app_id, :app_name, :price_usdc,
			        :seller_address, :chain_id, :status, :max_uses, :purchase_count, :version, :terms_version,
			        :created_at, :updated_at)
		`, rowFromDomain(l))
		if err == nil {
			return l, nil
		}
		if !isUniqueViolation(err) {
			return domain.Listing{}, fmt.Errorf("insert listing: %w", err)
		}
	}
	return domain.Listing{}, fmt.Errorf("insert listing: no free slug after %d attempts", slugAttempts)
}

// Get returns the listing by slug. Secret fields are blank unless includeSecrets.
func (r *ListingRepo) Get(ctx context.Context, slug string, includeSecrets bool) (domain.Listing, error) {
	var row listingRow
	err := r.db.GetContext(ctx, &row, `SELECT `+listingCols+` FROM listings WHERE slug = ?`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Listing{}, ErrNotFound
	}
	if err != nil {
		return domain.Listing{}, fmt.Errorf("get listing: %w", err)
	}
	return row.toDomain(includeSecrets)
}

type ListFilter struct {
	Seller  string
	Status  domain.Status
	ChainID int64
	Limit   int
	Offset  int
}

// List returns listings newest first, always without secrets.
func (r *ListingRepo) List(ctx context.Context, f ListFilter) ([]domain.Listing, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	var rows []listingRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+listingCols+` FROM listings
		WHERE (? = '' OR seller_address = ?)
		  AND (? = '' OR status = ?)
		  AND (? = 0 OR chain_id = ?)
		ORDER BY created_at DESC, slug
		LIMIT ? OFFSET ?
	`, f.Seller, f.Seller, string(f.Status), string(f.Status), f.ChainID, f.ChainID, f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	out := make([]domain.Listing, 0, len(rows))
	for _, row := range rows {
		l, err := row.toDomain(false)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// Change describes a seller edit. Empty strings and a zero price leave the
// current value; MaxUses 0 leaves the cap unchanged.
type Change struct {
	InviteURL  string
	AccessCode string
	AppURL     string
	AppID      string
	AppName    string
	PriceUSDC  decimal.Decimal
	MaxUses    int
	At         time.Time
}

// Update applies c in one conditional statement. The WHERE clause carries
// ownership, the active check and the monotonic cap rule, so an update racing a
// purchase serializes on the row instead of overwriting it. A change to the
// price or the payload bumps terms_version, which Consume checks.
func (r *ListingRepo) Update(ctx context.Context, slug, seller string, c Change) (domain.Listing, error) {
	price := ""
	if !c.PriceUSDC.IsZero() {
		price = c.PriceUSDC.String()
	}
	q, args, err := sqlx.Named(`
		UPDATE listings SET
		  terms_version = terms_version + CASE
		    WHEN :price_usdc <> '' AND :price_usdc <> price_usdc THEN 1
		    WHEN listing_type = 'invite_link' AND :invite_url <> '' AND :invite_url <> invite_url THEN 1
		    WHEN listing_type = 'access_code' AND :access_code <> '' AND :access_code <> access_code THEN 1
		    WHEN listing_type = 'access_code' AND :app_url <> '' AND :app_url <> app_url THEN 1
		    ELSE 0 END,
		  invite_url  = CASE WHEN listing_type = 'invite_link' AND :invite_url <> '' THEN :invite_url ELSE invite_url END,
		  access_code = CASE WHEN listing_type = 'access_code' AND :access_code <> '' THEN :access_code ELSE access_code END,
		  app_url     = CASE WHEN listing_type = 'access_code' AND :app_url <> '' THEN :app_url ELSE app_url END,
		  app_id      = CASE WHEN :app_id <> '' THEN :app_id ELSE app_id END,
		  app_name    = CASE WHEN :app_name <> '' THEN :app_name ELSE app_name END,
		  price_usdc  = CASE WHEN :price_usdc <> '' THEN :price_usdc ELSE price_usdc END,
		  max_uses    = CASE WHEN :max_uses = 0 THEN max_uses ELSE :max_uses END,
		  version     = version + 1,
		  updated_at  = :now
		WHERE slug = :slug AND seller_address = :seller AND status = 'active'
		  AND (:max_uses = 0 OR :max_uses = -1 OR (max_uses <> -1 AND :max_uses >= max_uses))
		RETURNING `+listingCols, map[string]any{
		"invite_url":  c.InviteURL,
		"access_code": c.AccessCode,
		"app_url":     c.AppURL,
		"app_id":      c.AppID,
		"app_name":    c.AppName,
		"price_usdc":  price,
		"max_uses":    c.MaxUses,
		"now":         toMillis(c.At),
		"slug":        slug,
		"seller":      seller,
	})
	if err != nil {
		return domain.Listing{}, fmt.Errorf("bind update: %w", err)
	}
	var row listingRow
	err = r.db.QueryRowxContext(ctx, r.db.Rebind(q), args...).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Listing{}, r.explainUpdateMiss(ctx, slug, seller)
	}
	if err != nil {
		return domain.Listing{}, fmt.Errorf("update listing: %w", err)
	}
	return row.toDomain(false)
}

// explainUpdateMiss classifies a zero-row update. Anything other than an owned
// active listing collapses into one error so sellers cannot probe slugs.
func (r *ListingRepo) explainUpdateMiss(ctx context.Context, slug, seller string) error {
	var cur struct {
		Seller string `db:"seller_address"`
		Status string `db:"status"`
	}
	err := r.db.GetContext(ctx, &cur, `SELECT seller_address, status FROM listings WHERE slug = ?`, slug)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && (cur.Seller != seller || cur.Status != string(domain.StatusActive))) {
		return apperrors.New(apperrors.CodeNotFoundOrNotOwned, "listing not found")
	}
	if err != nil {
		return fmt.Errorf("update listing: %w", err)
	}
	return apperrors.New(apperrors.CodeInvalidInventoryChange, "maxUses may only increase or be set to -1")
}

// Cancel moves an owned active listing to cancelled.
func (r *ListingRepo) Cancel(ctx context.Context, slug, seller string, at time.Time) (domain.Listing, error) {
	var row listingRow
	err := r.db.QueryRowxContext(ctx, `
		UPDATE listings SET status = 'cancelled', version = version + 1, updated_at = ?
		WHERE slug = ? AND seller_address = ? AND status = 'active'
		RETURNING `+listingCols, toMillis(at), slug, seller).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Listing{}, apperrors.New(apperrors.CodeNotFoundOrNotOwned, "listing not found")
	}
	if err != nil {
		return domain.Listing{}, fmt.Errorf("cancel listing: %w", err)
	}
	return row.toDomain(false)
}

var (
	// ErrExhausted is returned by Consume when the listing is no longer active
	// or has no units left.
	ErrExhausted = errors.New("listing exhausted")
	// ErrTermsChanged is returned by Consume when the price or payload was
	// edited after the buyer was quoted.
	ErrTermsChanged = errors.New("listing terms changed")
)

// Consume records one sale against slug if, and only if, the listing is still
// available at statement time and, when terms is non-zero, still carries that
// terms_version. It returns the row as written, secrets included, so the
// disclosed secret is the one from the consumed version.
func (r *ListingRepo) Consume(ctx context.Context, q Querier, slug string, terms int64, at time.Time) (domain.Listing, error) {
	var row listingRow
	err := q.QueryRowxContext(ctx, `
		UPDATE listings SET
		  purchase_count = purchase_count + 1,
		  status = CASE WHEN max_uses <> -1 AND purchase_count + 1 >= max_uses THEN 'sold' ELSE status END,
		  version = version + 1,
		  updated_at = ?
		WHERE slug = ? AND status = 'active' AND (max_uses = -1 OR purchase_count < max_uses)
		  AND (? = 0 OR terms_version = ?)
		RETURNING `+listingCols, toMillis(at), slug, terms, terms).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Listing{}, r.explainConsumeMiss(ctx, q, slug, terms)
	}
	if err != nil {
		return domain.Listing{}, fmt.Errorf("consume listing: %w", err)
	}
	return row.toDomain(true)
}

// explainConsumeMiss tells a stale quote apart from a listing with nothing left.
func (r *ListingRepo) explainConsumeMiss(ctx context.Context, q Querier, slug string, terms int64) error {
	if terms == 0 {
		return ErrExhausted
	}
	var cur int64
	err := q.GetContext(ctx, &cur, `
		SELECT terms_version FROM listings
		WHERE slug = ? AND status = 'active' AND (max_uses = -1 OR purchase_count < max_uses)
	`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrExhausted
	}
	if err != nil {
		return fmt.Errorf("consume listing: %w", err)
	}
	if cur != terms {
		return ErrTermsChanged
	}
	return ErrExhausted
}
