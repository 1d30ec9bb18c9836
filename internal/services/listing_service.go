package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"grantmarket/internal/domain"
	apperrors "grantmarket/internal/errors"
	applog "grantmarket/internal/log"
	"grantmarket/internal/notify"
	"grantmarket/internal/repos"
	"grantmarket/internal/signature"
	"grantmarket/internal/validate"
)

const (
	maxAppName = 120
	maxCode    = 256
)

type ListingService struct {
	Listings *repos.ListingRepo
	Sales    *repos.TransactionRepo
	Verifier *signature.Verifier
	Notify   notify.Notifier
	Chains   []int64
	Now      func() time.Time
}

func NewListingService(listings *repos.ListingRepo, sales *repos.TransactionRepo, v *signature.Verifier, n notify.Notifier, chains []int64) *ListingService {
	if n == nil {
		n = notify.Nop{}
	}
	return &ListingService{Listings: listings, Sales: sales, Verifier: v, Notify: n, Chains: chains, Now: time.Now}
}

// Create verifies msg and stores it as a new active listing.
func (s *ListingService) Create(ctx context.Context, msg signature.CreateListing, sig string) (domain.Listing, error) {
	if err := s.Verifier.Verify(msg, sig); err != nil {
		return domain.Listing{}, err
	}
	seller, _ := validate.Address(msg.SellerAddress)

	payload, err := newPayload(domain.ListingType(msg.ListingType), msg.InviteURL, msg.AccessCode, msg.AppURL)
	if err != nil {
		return domain.Listing{}, err
	}
	appID, appName, err := appFields(msg.AppID, msg.AppName)
	if err != nil {
		return domain.Listing{}, err
	}
	if appID == "" && appName == "" {
		return domain.Listing{}, apperrors.New(apperrors.CodeValidation, "appId or appName is required")
	}
	price, ok := validate.Price(msg.PriceUSDC)
	if !ok {
		return domain.Listing{}, apperrors.New(apperrors.CodeValidation, "priceUsdc must be a positive amount with at most 6 decimals")
	}
	if !validate.MaxUses(msg.MaxUses) {
		return domain.Listing{}, apperrors.New(apperrors.CodeValidation, "maxUses must be -1 or at least 1")
	}
	if !validate.Chain(msg.ChainID, s.Chains) {
		return domain.Listing{}, apperrors.Newf(apperrors.CodeValidation, "chain %d is not supported", msg.ChainID)
	}

	now := s.Now().UTC()
	l, err := s.Listings.Create(ctx, domain.Listing{
		Payload:       payload,
		AppID:         appID,
		AppName:       appName,
		PriceUSDC:     price,
		SellerAddress: seller,
		ChainID:       msg.ChainID,
		MaxUses:       int(msg.MaxUses),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return domain.Listing{}, apperrors.Wrap(apperrors.CodePersistenceFailure, "could not save listing", err)
	}
	applog.Event("listing.created", map[string]any{"slug": l.Slug, "seller": seller, "chain_id": l.ChainID, "max_uses": l.MaxUses})
	s.Notify.ListingCreated(l)
	l.Payload = l.Payload.Redacted()
	return l, nil
}

// Update applies a signed seller edit. Empty fields keep their value.
func (s *ListingService) Update(ctx context.Context, msg signature.UpdateListing, sig string) (domain.Listing, error) {
	if err := s.Verifier.Verify(msg, sig); err != nil {
		return domain.Listing{}, err
	}
	seller, _ := validate.Address(msg.SellerAddress)
	cur, err := s.owned(ctx, msg.Slug, seller, msg.ChainID)
	if err != nil {
		return domain.Listing{}, err
	}

	c := repos.Change{At: s.Now().UTC()}
	if err := secretChange(cur.Type(), msg, &c); err != nil {
		return domain.Listing{}, err
	}
	if c.AppID, c.AppName, err = appFields(msg.AppID, msg.AppName); err != nil {
		return domain.Listing{}, err
	}
	if strings.TrimSpace(msg.PriceUSDC) != "" {
		p, ok := validate.Price(msg.PriceUSDC)
		if !ok {
			return domain.Listing{}, apperrors.New(apperrors.CodeValidation, "priceUsdc must be a positive amount with at most 6 decimals")
		}
		c.PriceUSDC = p
	}
	// 0 keeps the current cap
	if msg.MaxUses != 0 {
		if !validate.MaxUses(msg.MaxUses) {
			return domain.Listing{}, apperrors.New(apperrors.CodeValidation, "maxUses must be -1 or at least 1")
		}
		c.MaxUses = int(msg.MaxUses)
	}

	l, err := s.Listings.Update(ctx, cur.Slug, seller, c)
	if err != nil {
		return domain.Listing{}, err
	}
	applog.Event("listing.updated", map[string]any{"slug": l.Slug, "seller": seller, "version": l.Version, "max_uses": l.MaxUses})
	return l, nil
}

// Cancel retires an active listing. Cancelled is terminal.
func (s *ListingService) Cancel(ctx context.Context, msg signature.CancelListing, sig string) (domain.Listing, error) {
	if err := s.Verifier.Verify(msg, sig); err != nil {
		return domain.Listing{}, err
	}
	seller, _ := validate.Address(msg.SellerAddress)
	if _, err := s.owned(ctx, msg.Slug, seller, msg.ChainID); err != nil {
		return domain.Listing{}, err
	}
	l, err := s.Listings.Cancel(ctx, msg.Slug, seller, s.Now().UTC())
	if err != nil {
		return domain.Listing{}, err
	}
	applog.Event("listing.cancelled", map[string]any{"slug": l.Slug, "seller": seller})
	return l, nil
}

// owned loads an active listing belonging to seller on chainID. Every miss is
// the same error.
func (s *ListingService) owned(ctx context.Context, slug, seller string, chainID int64) (domain.Listing, error) {
	notOwned := apperrors.New(apperrors.CodeNotFoundOrNotOwned, "listing not found")
	if _, ok := validate.Slug(slug); !ok {
		return domain.Listing{}, notOwned
	}
	l, err := s.Listings.Get(ctx, slug, false)
	if errors.Is(err, repos.ErrNotFound) {
		return domain.Listing{}, notOwned
	}
	if err != nil {
		return domain.Listing{}, err
	}
	if l.SellerAddress != seller || l.ChainID != chainID || l.Status != domain.StatusActive {
		return domain.Listing{}, notOwned
	}
	return l, nil
}

// Get returns the public view of a listing.
func (s *ListingService) Get(ctx context.Context, slug string) (domain.Listing, error) {
	if _, ok := validate.Slug(slug); !ok {
		return domain.Listing{}, apperrors.New(apperrors.CodeNotFound, "listing not found")
	}
	l, err := s.Listings.Get(ctx, slug, false)
	if errors.Is(err, repos.ErrNotFound) {
		return domain.Listing{}, apperrors.New(apperrors.CodeNotFound, "listing not found")
	}
	return l, err
}

func (s *ListingService) List(ctx context.Context, f repos.ListFilter) ([]domain.Listing, error) {
	return s.Listings.List(ctx, f)
}

func (s *ListingService) SalesByListing(ctx context.Context, slug string, limit, offset int) ([]domain.Transaction, error) {
	if _, err := s.Get(ctx, slug); err != nil {
		return nil, err
	}
	return s.Sales.ListBySlug(ctx, slug, limit, offset)
}

func (s *ListingService) SalesBySeller(ctx context.Context, addr string, limit, offset int) ([]domain.Transaction, error) {
	seller, ok := validate.Address(addr)
	if !ok {
		return nil, apperrors.New(apperrors.CodeValidation, "invalid seller address")
	}
	return s.Sales.ListBySeller(ctx, seller, limit, offset)
}

func newPayload(t domain.ListingType, inviteURL, code, appURL string) (domain.Payload, error) {
	switch t {
	case domain.ListingTypeInviteLink:
		if code != "" || appURL != "" {
			return nil, apperrors.New(apperrors.CodeValidation, "invite_link listings take inviteUrl only")
		}
		u, ok := validate.URL(inviteURL)
		if !ok {
			return nil, apperrors.New(apperrors.CodeValidation, "inviteUrl must be an http(s) URL")
		}
		return domain.InviteLink{URL: u}, nil
	case domain.ListingTypeAccessCode:
		if inviteURL != "" {
			return nil, apperrors.New(apperrors.CodeValidation, "access_code listings do not take inviteUrl")
		}
		c, ok := validate.Text(code, maxCode)
		if !ok {
			return nil, apperrors.New(apperrors.CodeValidation, "accessCode is required")
		}
		u, ok := validate.URL(appURL)
		if !ok {
			return nil, apperrors.New(apperrors.CodeValidation, "appUrl must be an http(s) URL")
		}
		return domain.AccessCode{AppURL: u, Code: c}, nil
	}
	return nil, apperrors.New(apperrors.CodeValidation, "listingType must be invite_link or access_code")
}

// secretChange copies the type-appropriate secret fields of msg into c.
func secretChange(t domain.ListingType, msg signature.UpdateListing, c *repos.Change) error {
	switch t {
	case domain.ListingTypeInviteLink:
		if msg.AccessCode != "" || msg.AppURL != "" {
			return apperrors.New(apperrors.CodeValidation, "invite_link listings take inviteUrl only")
		}
		if msg.InviteURL != "" {
			u, ok := validate.URL(msg.InviteURL)
			if !ok {
				return apperrors.New(apperrors.CodeValidation, "inviteUrl must be an http(s) URL")
			}
			c.InviteURL = u
		}
	case domain.ListingTypeAccessCode:
		if msg.InviteURL != "" {
			return apperrors.New(apperrors.CodeValidation, "access_code listings do not take inviteUrl")
		}
		if msg.AccessCode != "" {
			code, ok := validate.Text(msg.AccessCode, maxCode)
			if !ok {
				return apperrors.New(apperrors.CodeValidation, "accessCode is too long")
			}
			c.AccessCode = code
		}
		if msg.AppURL != "" {
			u, ok := validate.URL(msg.AppURL)
			if !ok {
				return apperrors.New(apperrors.CodeValidation, "appUrl must be an http(s) URL")
			}
			c.AppURL = u
		}
	}
	return nil
}

// appFields validates optional app metadata; empty stays empty.
func appFields(id, name string) (string, string, error) {
	var ok bool
	if strings.TrimSpace(id) != "" {
		if id, ok = validate.AppID(id); !ok {
			return "", "", apperrors.New(apperrors.CodeValidation, "appId may contain letters, digits and . _ : - only")
		}
	} else {
		id = ""
	}
	if strings.TrimSpace(name) != "" {
		if name, ok = validate.Text(name, maxAppName); !ok {
			return "", "", apperrors.New(apperrors.CodeValidation, "appName is too long")
		}
	} else {
		name = ""
	}
	return id, name, nil
}
