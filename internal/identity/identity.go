// Package identity resolves wallet addresses to display names. Results are for
// display only and never take part in authorization.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	applog "grantmarket/internal/log"
	"grantmarket/internal/validate"
)

const (
	DefaultTTL       = 72 * time.Hour
	DefaultCacheSize = 4096
	// MaxAddresses bounds one Resolve call.
	MaxAddresses = 50
	batchSize    = 10
	parallelism  = 4
	// lookupTimeout bounds a shared fetch once it no longer follows any caller
	lookupTimeout = 5 * time.Second
)

type Profile struct {
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Source      string `json:"source,omitempty"`
}

// Resolver returns at most one Profile per address. Addresses without a
// profile are absent from the map.
type Resolver interface {
	Resolve(ctx context.Context, addrs []string) (map[string]Profile, error)
}

// Lookup is the uncached upstream. addrs are lowercased and distinct.
type Lookup interface {
	Lookup(ctx context.Context, addrs []string) (map[string]Profile, error)
}

// None resolves nothing. Used when no upstream is configured.
type None struct{}

func (None) Resolve(context.Context, []string) (map[string]Profile, error) {
	return map[string]Profile{}, nil
}

// New builds a cached HTTP resolver, or None when baseURL is empty.
func New(baseURL string, ttl time.Duration) Resolver {
	if baseURL == "" {
		return None{}
	}
	return NewCachedResolver(NewHTTPLookup(baseURL), ttl, DefaultCacheSize)
}

type entry struct {
	profile Profile
	found   bool
}

// CachedResolver caches hits and misses for ttl, collapses concurrent
// lookups of the same batch and fetches batches in parallel.
type CachedResolver struct {
	lookup Lookup
	cache  *expirable.LRU[string, entry]
	group  singleflight.Group
}

func NewCachedResolver(l Lookup, ttl time.Duration, size int) *CachedResolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &CachedResolver{lookup: l, cache: expirable.NewLRU[string, entry](size, nil, ttl)}
}

func (r *CachedResolver) Resolve(ctx context.Context, addrs []string) (map[string]Profile, error) {
	out := make(map[string]Profile)
	var misses []string
	seen := make(map[string]bool)
	for _, a := range addrs {
		addr, ok := validate.Address(a)
		if !ok || seen[addr] {
			continue
		}
		seen[addr] = true
		if len(seen) > MaxAddresses {
			break
		}
		if e, ok := r.cache.Get(addr); ok {
			if e.found {
				out[addr] = e.profile
			}
			continue
		}
		misses = append(misses, addr)
	}
	if len(misses) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for start := 0; start < len(misses); start += batchSize {
		batch := misses[start:min(start+batchSize, len(misses))]
		g.Go(func() error {
			// the fetch is shared with other callers, so one of them going away
			// must not cancel it for the rest
			ch := r.group.DoChan(strings.Join(batch, ","), func() (any, error) {
				fctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), lookupTimeout)
				defer cancel()
				return r.fetch(fctx, batch)
			})
			var res singleflight.Result
			select {
			case res = <-ch:
			case <-gctx.Done():
				return nil
			}
			v, err := res.Val, res.Err
			if err != nil {
				// display only: a failed upstream leaves names blank
				applog.Warn("identity.lookup.failed", map[string]any{"addresses": len(batch), "err": err.Error()})
				return nil
			}
			found := v.(map[string]Profile)
			mu.Lock()
			for addr, p := range found {
				out[addr] = p
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, ctx.Err()
}

// fetch asks the upstream and caches every address of batch, found or not.
func (r *CachedResolver) fetch(ctx context.Context, batch []string) (map[string]Profile, error) {
	res, err := r.lookup.Lookup(ctx, batch)
	if err != nil {
		return nil, err
	}
	found := make(map[string]Profile, len(res))
	for _, addr := range batch {
		p, ok := res[addr]
		ok = ok && p.DisplayName != ""
		r.cache.Add(addr, entry{profile: p, found: ok})
		if ok {
			found[addr] = p
		}
	}
	return found, nil
}

// HTTPLookup calls GET {BaseURL}?addresses=a,b and expects a JSON object
// keyed by address.
type HTTPLookup struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPLookup(baseURL string) *HTTPLookup {
	return &HTTPLookup{BaseURL: baseURL, Client: &http.Client{Timeout: lookupTimeout}}
}

func (h *HTTPLookup) Lookup(ctx context.Context, addrs []string) (map[string]Profile, error) {
	u, err := url.Parse(h.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("identity url: %w", err)
	}
	q := u.Query()
	q.Set("addresses", strings.Join(addrs, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity lookup: status %d", resp.StatusCode)
	}
	var raw map[string]Profile
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("identity lookup: decode: %w", err)
	}
	out := make(map[string]Profile, len(raw))
	for k, p := range raw {
		out[strings.ToLower(k)] = p
	}
	return out, nil
}
