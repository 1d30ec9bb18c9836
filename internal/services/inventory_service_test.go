package services_test

import (
	"context"
	"testing"
	"time"

	apperrors "grantmarket/internal/errors"
	"grantmarket/internal/services"
)

func TestInventoryService_CheckAvailability(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := services.NewInventoryService(s.listings, s.holds)
	svc.Now = clock

	// in stock
	l := s.listing(t, 6)
	a, err := svc.CheckAvailability(ctx, l.Slug)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != "IN_STOCK" || a.Remaining != 6 {
		t.Fatalf("want IN_STOCK(6), got %+v", a)
	}

	// live holds count as taken
	for _, hint := range []string{"a", "b"} {
		if _, err := s.holds.Acquire(ctx, l.Slug, hint, t0, time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	a, err = svc.CheckAvailability(ctx, l.Slug)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != "LOW_STOCK" || a.Remaining != 4 {
		t.Fatalf("want LOW_STOCK(4), got %+v", a)
	}

	// unlimited
	u := s.listing(t, -1)
	a, err = svc.CheckAvailability(ctx, u.Slug)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != "IN_STOCK" || !a.Unlimited {
		t.Fatalf("want unlimited IN_STOCK, got %+v", a)
	}

	// cancelled
	if _, err := s.listings.Cancel(ctx, u.Slug, seller, t0); err != nil {
		t.Fatal(err)
	}
	a, err = svc.CheckAvailability(ctx, u.Slug)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != "OUT_OF_STOCK" || a.Remaining != 0 {
		t.Fatalf("want OUT_OF_STOCK, got %+v", a)
	}

	// no row
	_, err = svc.CheckAvailability(ctx, "Missing123")
	if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("want NOT_FOUND, got %v", err)
	}
}
