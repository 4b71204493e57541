package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-shopify/core"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// State is the throttle window recorded for one shop.
type State struct {
	Shop           string
	Attempts       int
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	UpdatedAt      time.Time
}

type StateStore interface {
	Get(ctx context.Context, shop string) (State, error)
	Upsert(ctx context.Context, state State) error
}

type ThrottledError struct {
	Shop       string
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: shop %q throttled for %s", strings.TrimSpace(e.Shop), e.RetryAfter)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{"shop": strings.TrimSpace(e.Shop)}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ErrorRateLimited).
		WithMetadata(metadata)
}

// ShopThrottle holds Admin API calls for a shop back after the platform
// answered with a rate limit. A Retry-After hint wins over the exponential
// backoff.
type ShopThrottle struct {
	Store          StateStore
	Now            func() time.Time
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewShopThrottle(store StateStore) *ShopThrottle {
	if store == nil {
		store = NewMemoryStateStore()
	}
	return &ShopThrottle{
		Store:          store,
		Now:            func() time.Time { return time.Now().UTC() },
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	}
}

// BeforeCall returns a ThrottledError while the shop's window is open.
func (t *ShopThrottle) BeforeCall(ctx context.Context, shop string) error {
	if t == nil || t.Store == nil {
		return nil
	}
	state, err := t.Store.Get(ctx, normalizeShop(shop))
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}
	now := t.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return ThrottledError{Shop: state.Shop, RetryAfter: until.Sub(now)}
	}
	return nil
}

// AfterCall opens a throttle window when callErr is a rate limit and clears
// it on any other outcome.
func (t *ShopThrottle) AfterCall(ctx context.Context, shop string, callErr error) error {
	if t == nil || t.Store == nil {
		return nil
	}
	shop = normalizeShop(shop)
	now := t.now()
	state, err := t.Store.Get(ctx, shop)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return err
	}
	if errors.Is(err, ErrStateNotFound) {
		state = State{Shop: shop}
	}
	state.UpdatedAt = now

	if !IsRateLimited(callErr) {
		state.Attempts = 0
		state.RetryAfter = nil
		state.ThrottledUntil = nil
		return t.Store.Upsert(ctx, state)
	}

	state.Attempts++
	delay, ok := RetryAfter(callErr)
	if ok {
		state.RetryAfter = &delay
	} else {
		state.RetryAfter = nil
		delay = t.nextBackoff(state.Attempts)
	}
	until := now.Add(delay)
	state.ThrottledUntil = &until
	return t.Store.Upsert(ctx, state)
}

func (t *ShopThrottle) now() time.Time {
	if t != nil && t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

func (t *ShopThrottle) nextBackoff(attempt int) time.Duration {
	initial := t.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	maximum := t.MaxBackoff
	if maximum <= 0 {
		maximum = time.Minute
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	return delay
}

// IsRateLimited reports a ThrottledError or any go-errors rate limit.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var throttled ThrottledError
	if errors.As(err, &throttled) {
		return true
	}
	var rich *goerrors.Error
	return goerrors.As(err, &rich) && rich.Category == goerrors.CategoryRateLimit
}

// RetryAfter extracts the wait hint carried by err. The Admin API sends
// Retry-After as fractional seconds.
func RetryAfter(err error) (time.Duration, bool) {
	var throttled ThrottledError
	if errors.As(err, &throttled) {
		return throttled.RetryAfter, throttled.RetryAfter > 0
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Metadata == nil {
		return 0, false
	}
	switch value := rich.Metadata["retry_after"].(type) {
	case string:
		return parseRetryAfter(value)
	case time.Duration:
		return value, value > 0
	}
	if ms, ok := rich.Metadata["retry_after_ms"].(int64); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond, true
	}
	return 0, false
}

func parseRetryAfter(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds * float64(time.Second)), true
	}
	if retryAt, err := http.ParseTime(raw); err == nil {
		if wait := time.Until(retryAt); wait > 0 {
			return wait, true
		}
	}
	return 0, false
}

func normalizeShop(shop string) string {
	if sanitized, err := core.SanitizeShop(shop); err == nil {
		return sanitized
	}
	return strings.ToLower(strings.TrimSpace(shop))
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, shop string) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[normalizeShop(shop)]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.Shop = normalizeShop(state.Shop)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state.Shop] = state
	return nil
}
