package services

import (
	"context"
	"errors"
	"time"

	"grantmarket/internal/domain"
	apperrors "grantmarket/internal/errors"
	"grantmarket/internal/repos"
	"grantmarket/internal/validate"
)

type InventoryService struct {
	Listings *repos.ListingRepo
	Holds    *repos.HoldRepo
	Now      func() time.Time
}

func NewInventoryService(listings *repos.ListingRepo, holds *repos.HoldRepo) *InventoryService {
	return &InventoryService{Listings: listings, Holds: holds, Now: time.Now}
}

// CheckAvailability converts remaining units (after live holds) to
// IN_STOCK / LOW_STOCK / OUT_OF_STOCK.
func (s *InventoryService) CheckAvailability(ctx context.Context, slug string) (domain.Availability, error) {
	if _, ok := validate.Slug(slug); !ok {
		return domain.Availability{}, apperrors.New(apperrors.CodeNotFound, "listing not found")
	}
	l, err := s.Listings.Get(ctx, slug, false)
	if errors.Is(err, repos.ErrNotFound) {
		return domain.Availability{}, apperrors.New(apperrors.CodeNotFound, "listing not found")
	}
	if err != nil {
		return domain.Availability{}, err
	}
	if !l.Available() {
		return domain.Availability{Status: "OUT_OF_STOCK"}, nil
	}
	if l.Unlimited() {
		return domain.Availability{Status: "IN_STOCK", Remaining: domain.Unlimited, Unlimited: true}, nil
	}

	held, err := s.Holds.Live(ctx, slug, s.Now())
	if err != nil {
		return domain.Availability{}, err
	}
	qty := l.Remaining() - held
	status := "OUT_OF_STOCK"
	switch {
	case qty >= 5:
		status = "IN_STOCK"
	case qty > 0:
		status = "LOW_STOCK"
	default:
		qty = 0
	}
	return domain.Availability{Status: status, Remaining: qty}, nil
}
