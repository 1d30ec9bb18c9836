package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grantmarket/internal/domain"
	applog "grantmarket/internal/log"
	"grantmarket/internal/notify"
)

func listing() domain.Listing {
	return domain.Listing{
		Slug:          "abcDEF1234",
		Payload:       domain.InviteLink{URL: "https://discord.gg/very-secret"},
		AppName:       "Guild",
		PriceUSDC:     decimal.RequireFromString("5"),
		SellerAddress: "0x1111111111111111111111111111111111111111",
		ChainID:       84532,
		Status:        domain.StatusActive,
		MaxUses:       3,
		PurchaseCount: 1,
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func closeNow(t *testing.T, w *notify.Webhook) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))
}

func TestNewWithoutURLIsNop(t *testing.T) {
	d := notify.New("", 8, "")
	_, ok := d.(notify.Nop)
	assert.True(t, ok)
	d.Sale(listing(), domain.Transaction{})
	assert.NoError(t, d.Close(context.Background()))
}

func TestWebhookPostsWithoutSecrets(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := notify.NewWebhook(srv.URL, 4)
	w.BaseURL = "https://market.example"
	l := listing()
	w.ListingCreated(l)
	w.Sale(l, domain.Transaction{BuyerAddress: "0x3333333333333333333333333333333333333333", PriceUSDC: l.PriceUSDC, CreatedAt: l.CreatedAt})
	closeNow(t, w)

	require.Len(t, bodies, 2)
	assert.Equal(t, int64(2), w.Sent())
	for _, b := range bodies {
		assert.NotContains(t, b, "very-secret")
		var msg struct {
			Content string `json:"content"`
			Embeds  []struct {
				URL string `json:"url"`
			} `json:"embeds"`
		}
		require.NoError(t, json.Unmarshal([]byte(b), &msg))
		assert.Contains(t, msg.Content, "Guild")
		require.Len(t, msg.Embeds, 1)
		assert.Equal(t, "https://market.example/api/v1/listings/abcDEF1234", msg.Embeds[0].URL)
	}
	assert.True(t, strings.Contains(bodies[1], "1/3"))
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := notify.NewWebhook(srv.URL, 4)
	w.RetryInterval = time.Millisecond
	w.ListingCreated(listing())
	closeNow(t, w)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(1), w.Sent())
}

func TestWebhookGivesUpAfterThreeTries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var buf strings.Builder
	var mu sync.Mutex
	applog.SetOutput(writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	}))
	defer applog.SetOutput(io.Discard)

	w := notify.NewWebhook(srv.URL, 4)
	w.RetryInterval = time.Millisecond
	w.ListingCreated(listing())
	closeNow(t, w)

	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, w.Sent())
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, buf.String(), `"action":"notify.failed"`)
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	w := notify.NewWebhook(srv.URL, 4)
	w.RetryInterval = time.Millisecond
	w.ListingCreated(listing())
	closeNow(t, w)

	assert.Equal(t, int32(1), calls.Load())
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := notify.NewWebhook(srv.URL, 1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			w.ListingCreated(listing())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	close(release)
	closeNow(t, w)

	// one in flight plus one queued at most
	assert.GreaterOrEqual(t, w.Dropped(), int64(18))

	w.ListingCreated(listing())
	assert.GreaterOrEqual(t, w.Dropped(), int64(19))
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
