// Package notify announces marketplace events to a Discord-compatible webhook.
// Delivery is best effort and never blocks the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"grantmarket/internal/domain"
	applog "grantmarket/internal/log"
)

type Notifier interface {
	ListingCreated(l domain.Listing)
	Sale(l domain.Listing, t domain.Transaction)
}

// Nop discards every event. Used when no webhook is configured.
type Nop struct{}

func (Nop) ListingCreated(domain.Listing)           {}
func (Nop) Sale(domain.Listing, domain.Transaction) {}
func (Nop) Close(context.Context) error             { return nil }

// Dispatcher is a Notifier the process must Close on shutdown.
type Dispatcher interface {
	Notifier
	Close(ctx context.Context) error
}

// New returns a Webhook for url, or Nop when url is empty.
func New(url string, queueSize int, publicBaseURL string) Dispatcher {
	if url == "" {
		return Nop{}
	}
	w := NewWebhook(url, queueSize)
	w.BaseURL = publicBaseURL
	return w
}

type message struct {
	Content string  `json:"content"`
	Embeds  []embed `json:"embeds,omitempty"`

	event string
}

type embed struct {
	Title       string  `json:"title"`
	URL         string  `json:"url,omitempty"`
	Description string  `json:"description,omitempty"`
	Color       int     `json:"color,omitempty"`
	Fields      []field `json:"fields,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

type field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Webhook posts events from a bounded queue on one background worker.
type Webhook struct {
	URL     string
	BaseURL string
	Client  *http.Client
	// Tries is the total number of delivery attempts per event.
	Tries          uint64
	AttemptTimeout time.Duration
	RetryInterval  time.Duration

	queue   chan message
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	sent    atomic.Int64
}

func NewWebhook(url string, queueSize int) *Webhook {
	if queueSize < 1 {
		queueSize = 1
	}
	w := &Webhook{
		URL:            url,
		Client:         &http.Client{},
		Tries:          3,
		AttemptTimeout: 5 * time.Second,
		RetryInterval:  500 * time.Millisecond,
		queue:          make(chan message, queueSize),
		done:           make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Webhook) ListingCreated(l domain.Listing) {
	name := displayName(l)
	w.enqueue(message{
		event:   "listing.created",
		Content: fmt.Sprintf("New listing: %s", name),
		Embeds: []embed{{
			Title: name,
			URL:   w.listingURL(l.Slug),
			Color: 0x5865F2,
			Fields: []field{
				{Name: "Price", Value: l.PriceUSDC.String() + " USDC", Inline: true},
				{Name: "Type", Value: string(l.Type()), Inline: true},
				{Name: "Uses", Value: usesText(l), Inline: true},
			},
			Timestamp: l.CreatedAt.UTC().Format(time.RFC3339),
		}},
	})
}

func (w *Webhook) Sale(l domain.Listing, t domain.Transaction) {
	name := displayName(l)
	w.enqueue(message{
		event:   "listing.sale",
		Content: fmt.Sprintf("Sold: %s", name),
		Embeds: []embed{{
			Title: name,
			URL:   w.listingURL(l.Slug),
			Color: 0x57F287,
			Fields: []field{
				{Name: "Price", Value: t.PriceUSDC.String() + " USDC", Inline: true},
				{Name: "Sold", Value: soldText(l), Inline: true},
				{Name: "Buyer", Value: short(t.BuyerAddress), Inline: true},
			},
			Timestamp: t.CreatedAt.UTC().Format(time.RFC3339),
		}},
	})
}

// Dropped counts events discarded because the queue was full or closed.
func (w *Webhook) Dropped() int64 { return w.dropped.Load() }

// Sent counts events the webhook accepted.
func (w *Webhook) Sent() int64 { return w.sent.Load() }

func (w *Webhook) enqueue(m message) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return
	}
	select {
	case w.queue <- m:
	default:
		w.dropped.Add(1)
		applog.Warn("notify.dropped", map[string]any{"event": m.event, "queue": cap(w.queue)})
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (w *Webhook) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Webhook) run() {
	defer close(w.done)
	for m := range w.queue {
		if err := w.deliver(m); err != nil {
			applog.Fail("notify.failed", err, map[string]any{"event": m.event})
			continue
		}
		w.sent.Add(1)
	}
}

func (w *Webhook) deliver(m message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.RetryInterval
	b.MaxElapsedTime = 0
	tries := w.Tries
	if tries < 1 {
		tries = 1
	}
	return backoff.Retry(func() error {
		return w.post(body)
	}, backoff.WithMaxRetries(b, tries-1))
}

var errRetry = errors.New("webhook retryable status")

func (w *Webhook) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.AttemptTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %d", errRetry, resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook rejected event: %d", resp.StatusCode))
	}
}

func (w *Webhook) listingURL(slug string) string {
	if w.BaseURL == "" {
		return ""
	}
	return w.BaseURL + "/api/v1/listings/" + slug
}

func displayName(l domain.Listing) string {
	if l.AppName != "" {
		return l.AppName
	}
	if l.AppID != "" {
		return l.AppID
	}
	return l.Slug
}

func usesText(l domain.Listing) string {
	if l.Unlimited() {
		return "unlimited"
	}
	return fmt.Sprintf("%d", l.MaxUses)
}

func soldText(l domain.Listing) string {
	if l.Unlimited() {
		return fmt.Sprintf("%d", l.PurchaseCount)
	}
	return fmt.Sprintf("%d/%d", l.PurchaseCount, l.MaxUses)
}

func short(addr string) string {
	if len(addr) < 10 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
