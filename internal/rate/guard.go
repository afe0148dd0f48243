package rate

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RateLimitError is returned when calls are blocked.
type RateLimitError struct {
	Provider string
	Reason   string
	RetryAt  time.Time
}

func (e RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", e.Provider, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}

type cacheEntry struct {
	status  int
	header  http.Header
	body    []byte
	expires time.Time
}

// Guard enforces a token bucket plus server-requested cooldowns.
type Guard struct {
	decl  Declaration
	clock clock.Clock

	mu       sync.Mutex
	tokens   float64
	last     time.Time
	cooldown time.Time
	cache    map[string]cacheEntry
}

func NewGuard(decl Declaration) *Guard {
	c := decl.clockOrDefault()
	return &Guard{
		decl:   decl,
		clock:  c,
		tokens: float64(decl.capacity()),
		last:   c.Now(),
		cache:  make(map[string]cacheEntry),
	}
}

// WrapHTTP wraps an http.Client with rate-limit enforcement.
func WrapHTTP(decl Declaration, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = &roundTripper{
		base:  transport,
		guard: NewGuard(decl),
	}
	return &client
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	provider := rt.guard.decl.ProviderName()

	decision := rt.guard.ShouldCall()
	if !decision.Allowed {
		blockedCounter.WithLabelValues(provider, decision.Reason).Inc()
		if cached := rt.guard.cachedResponse(req); cached != nil {
			return cached, nil
		}
		return nil, RateLimitError{
			Provider: provider,
			Reason:   decision.Reason,
			RetryAt:  decision.RetryAt,
		}
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	rt.guard.RecordResponse(resp.StatusCode, resp.Header)
	return rt.guard.maybeCacheResponse(req, resp)
}

// ShouldCall consumes one token when the call is allowed.
func (g *Guard) ShouldCall() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if !g.cooldown.IsZero() && now.Before(g.cooldown) {
		return Decision{Allowed: false, Reason: "cooldown", RetryAt: g.cooldown}
	}
	if !g.decl.Limited() {
		return Decision{Allowed: true}
	}

	g.refill(now)
	tokensGauge.WithLabelValues(g.decl.ProviderName()).Set(g.tokens)
	if g.tokens < 1 {
		perToken := time.Minute / time.Duration(g.decl.perMinute)
		return Decision{Allowed: false, Reason: "budget", RetryAt: g.last.Add(perToken)}
	}
	g.tokens--
	return Decision{Allowed: true}
}

func (g *Guard) refill(now time.Time) {
	elapsed := now.Sub(g.last)
	if elapsed <= 0 {
		return
	}
	rate := float64(g.decl.perMinute) / time.Minute.Seconds()
	g.tokens = min(float64(g.decl.capacity()), g.tokens+elapsed.Seconds()*rate)
	g.last = now
}

// RecordResponse applies Retry-After on throttling responses.
func (g *Guard) RecordResponse(status int, headers http.Header) {
	provider := g.decl.ProviderName()
	lastStatusGauge.WithLabelValues(provider).Set(float64(status))

	if status != http.StatusTooManyRequests && status != http.StatusServiceUnavailable {
		return
	}
	seconds, err := strconv.Atoi(headers.Get("Retry-After"))
	if err != nil || seconds <= 0 {
		seconds = 60
	}

	g.mu.Lock()
	g.cooldown = g.clock.Now().Add(time.Duration(seconds) * time.Second)
	g.mu.Unlock()
	retryAfterGauge.WithLabelValues(provider).Set(float64(seconds))
}

func (g *Guard) cachedResponse(req *http.Request) *http.Response {
	if !g.decl.cacheAllowed(req) {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.cache[req.URL.String()]
	if !ok || g.clock.Now().After(entry.expires) {
		return nil
	}
	return cloneResponse(req, entry.status, entry.header, entry.body)
}

func (g *Guard) maybeCacheResponse(req *http.Request, resp *http.Response) (*http.Response, error) {
	if !g.decl.cacheAllowed(req) || resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	buf, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.cache[req.URL.String()] = cacheEntry{
		status:  resp.StatusCode,
		header:  resp.Header.Clone(),
		body:    buf,
		expires: g.clock.Now().Add(g.decl.cacheTTL),
	}
	g.mu.Unlock()

	return cloneResponse(req, resp.StatusCode, resp.Header, buf), nil
}

func cloneResponse(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(body)),
		Request:    req,
	}
}
