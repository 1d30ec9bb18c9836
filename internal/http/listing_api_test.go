package http_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grantmarket/internal/http/handlers"
	"grantmarket/internal/signature"
)

func cancelMsg(s seller, slug string) signature.CancelListing {
	return signature.CancelListing{Slug: slug, SellerAddress: s.addr, Nonce: time.Now().UnixMilli(), ChainID: 84532}
}

func TestListingLifecycle(t *testing.T) {
	app := newApp(t, testConfig(), handlers.Externals{})
	s := newSeller(t)
	slug := createListing(t, app, s, 2)

	r := do(t, app, "GET", "/api/v1/listings/"+slug, nil, nil)
	require.Equal(t, 200, r.status)
	assert.NotContains(t, string(r.body), "discord.gg/hidden")
	got := r.json(t)
	assert.Equal(t, "invite_link", got["listingType"])
	assert.Equal(t, "1.5", got["priceUsdc"])
	assert.Equal(t, true, got["available"])

	up := signature.UpdateListing{
		Slug:          slug,
		PriceUSDC:     "2",
		MaxUses:       5,
		SellerAddress: s.addr,
		Nonce:         time.Now().UnixMilli(),
		ChainID:       84532,
	}
	r = do(t, app, "PATCH", "/api/v1/listings/"+slug, s.signed(t, up), nil)
	require.Equal(t, 200, r.status, "body=%s", r.body)
	assert.Equal(t, "2", r.json(t)["priceUsdc"])
	assert.EqualValues(t, 5, r.json(t)["maxUses"])

	r = do(t, app, "POST", "/api/v1/listings/"+slug+"/cancel", s.signed(t, cancelMsg(s, slug)), nil)
	require.Equal(t, 200, r.status, "body=%s", r.body)
	assert.Equal(t, "cancelled", r.json(t)["status"])

	r = do(t, app, "GET", "/api/v1/listings/"+slug+"/availability", nil, nil)
	require.Equal(t, 200, r.status)
	assert.Equal(t, "OUT_OF_STOCK", r.json(t)["status"])
}

func TestSignedSlugMustMatchPath(t *testing.T) {
	app := newApp(t, testConfig(), handlers.Externals{})
	s := newSeller(t)
	a := createListing(t, app, s, 1)
	b := createListing(t, app, s, 1)

	r := do(t, app, "POST", "/api/v1/listings/"+b+"/cancel", s.signed(t, cancelMsg(s, a)), nil)
	assert.Equal(t, 400, r.status)
	assert.Equal(t, "VALIDATION_ERROR", r.json(t)["reason"])
}

func TestCreateRejections(t *testing.T) {
	app := newApp(t, testConfig(), handlers.Externals{})
	s := newSeller(t)

	r := do(t, app, "POST", "/api/v1/listings", []byte("{not json"), nil)
	assert.Equal(t, 400, r.status)

	bad := s.createMsg(1)
	bad.PriceUSDC = "-1"
	r = do(t, app, "POST", "/api/v1/listings", s.signed(t, bad), nil)
	assert.Equal(t, 400, r.status)
	assert.Equal(t, "VALIDATION_ERROR", r.json(t)["reason"])

	stale := s.createMsg(1)
	stale.Nonce = time.Now().Add(-time.Hour).UnixMilli()
	r = do(t, app, "POST", "/api/v1/listings", s.signed(t, stale), nil)
	assert.Equal(t, 401, r.status)
	assert.Equal(t, "SIGNATURE_EXPIRED", r.json(t)["reason"])

	truncated := fmt.Sprintf(`{"listingType":"invite_link","sellerAddress":%q,"nonce":%d,"signature":"0x00"}`, s.addr, time.Now().UnixMilli())
	r = do(t, app, "POST", "/api/v1/listings", []byte(truncated), nil)
	assert.Equal(t, 401, r.status)
	assert.Equal(t, "INVALID_SIGNATURE", r.json(t)["reason"])
}

func TestListFilters(t *testing.T) {
	app := newApp(t, testConfig(), handlers.Externals{})
	s, other := newSeller(t), newSeller(t)
	createListing(t, app, s, 1)
	createListing(t, app, s, 1)
	createListing(t, app, other, 1)

	r := do(t, app, "GET", "/api/v1/listings?seller="+strings.ToUpper(s.addr[2:])+"&limit=500", nil, nil)
	assert.Equal(t, 400, r.status, "address without 0x is rejected")

	r = do(t, app, "GET", "/api/v1/listings?seller="+s.addr+"&limit=500", nil, nil)
	require.Equal(t, 200, r.status)
	body := r.json(t)
	assert.Len(t, body["listings"], 2)
	assert.EqualValues(t, 100, body["limit"])
	assert.NotContains(t, string(r.body), "discord.gg/hidden")

	r = do(t, app, "GET", "/api/v1/listings?status=sold", nil, nil)
	require.Equal(t, 200, r.status)
	assert.Len(t, r.json(t)["listings"], 0)

	r = do(t, app, "GET", "/api/v1/listings?status=pending", nil, nil)
	assert.Equal(t, 400, r.status)
	r = do(t, app, "GET", "/api/v1/listings?chainId=abc", nil, nil)
	assert.Equal(t, 400, r.status)
}

func TestUnknownListing(t *testing.T) {
	app := newApp(t, testConfig(), handlers.Externals{})
	for _, path := range []string{"/api/v1/listings/Missing123", "/api/v1/listings/Missing123/sales", "/api/v1/listings/Missing123/availability"} {
		r := do(t, app, "GET", path, nil, nil)
		assert.Equal(t, 404, r.status, path)
		assert.Equal(t, "NOT_FOUND", r.json(t)["reason"], path)
	}
}
