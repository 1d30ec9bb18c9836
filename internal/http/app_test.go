package http_test

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"grantmarket/internal/config"
	apphttp "grantmarket/internal/http"
	"grantmarket/internal/http/handlers"
	"grantmarket/internal/repos"
	"grantmarket/internal/signature"
)

func testConfig() config.Config {
	return config.Config{
		DBDSN:              ":memory:",
		FacilitatorURL:     "http://127.0.0.1:1",
		SettlementTimeout:  2 * time.Second,
		HoldTTL:            time.Minute,
		SupportedChains:    []int64{8453, 84532},
		SignatureMaxAge:    5 * time.Minute,
		SignatureMaxSkew:   30 * time.Second,
		NotifyQueueSize:    1,
		RateLimitPerMinute: 1000,
	}
}

func newApp(t *testing.T, cfg config.Config, ext handlers.Externals) *fiber.App {
	t.Helper()
	db, err := repos.OpenDB(cfg.DBDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return apphttp.NewApp(handlers.NewDeps(db, cfg, ext), cfg)
}

type seller struct {
	key  *ecdsa.PrivateKey
	addr string
}

func newSeller(t *testing.T) seller {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return seller{key: key, addr: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())}
}

// signed returns msg as a request body with its signature attached.
func (s seller) signed(t *testing.T, msg signature.Message) []byte {
	t.Helper()
	sig, err := signature.Sign(msg, s.key)
	require.NoError(t, err)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	body["signature"] = sig
	out, err := json.Marshal(body)
	require.NoError(t, err)
	return out
}

func (s seller) createMsg(maxUses int64) signature.CreateListing {
	return signature.CreateListing{
		ListingType:   "invite_link",
		InviteURL:     "https://discord.gg/hidden",
		AppName:       "Guild",
		PriceUSDC:     "1.5",
		MaxUses:       maxUses,
		ChainID:       84532,
		SellerAddress: s.addr,
		Nonce:         time.Now().UnixMilli(),
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) json(t *testing.T) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(r.body, &m), "body=%s", r.body)
	return m
}

func do(t *testing.T, app *fiber.App, method, path string, body []byte, headers map[string]string) response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return response{status: resp.StatusCode, header: resp.Header, body: b}
}

// createListing posts a signed listing and returns its slug.
func createListing(t *testing.T, app *fiber.App, s seller, maxUses int64) string {
	t.Helper()
	r := do(t, app, "POST", "/api/v1/listings", s.signed(t, s.createMsg(maxUses)), nil)
	require.Equal(t, fiber.StatusCreated, r.status, "body=%s", r.body)
	slug, _ := r.json(t)["slug"].(string)
	require.NotEmpty(t, slug)
	return slug
}
