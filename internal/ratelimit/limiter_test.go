package ratelimit

import (
	"context"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu       sync.Mutex
	counts   map[string]int64
	ttls     map[string]time.Duration
	err      error
	calls    int
	patterns []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{counts: map[string]int64{}, ttls: map[string]time.Duration{}}
}

func (f *fakeBackend) IncrementWindow(_ context.Context, key string, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key]++
	f.ttls[key] = ttl
	return f.counts[key], nil
}

func (f *fakeBackend) DeleteByPattern(_ context.Context, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patterns = append(f.patterns, pattern)
	return f.err
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestLimiter_EleventhRequestIsRejected(t *testing.T) {
	// exactly on a window boundary
	now := time.UnixMilli(1_700_000_040_000)
	backend := newFakeBackend()
	limiter := NewLimiter(backend, true, WithClock(fixedClock(now)))
	params := Params{Action: "whatsapp.send", Limit: 10, WindowSec: 60, OrganizationID: "org-1"}

	for i := 1; i <= 10; i++ {
		res := limiter.CheckLimit(context.Background(), params)
		require.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 10-i, res.Remaining)
		assert.Nil(t, res.RetryAfterSec)
	}

	res := limiter.CheckLimit(context.Background(), params)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	require.NotNil(t, res.RetryAfterSec)
	assert.Greater(t, *res.RetryAfterSec, 0)
	assert.LessOrEqual(t, *res.RetryAfterSec, 60)
}

func TestLimiter_WindowArithmetic(t *testing.T) {
	windowStart := int64(1_700_000_040_000)
	now := time.UnixMilli(windowStart + 45_500)
	backend := newFakeBackend()
	limiter := NewLimiter(backend, true, WithClock(fixedClock(now)))

	res := limiter.CheckLimit(context.Background(), Params{Action: "send", Limit: 1, WindowSec: 60, OrganizationID: "org-1"})
	assert.True(t, res.Allowed)
	assert.Equal(t, time.UnixMilli(windowStart+60_000), res.ResetAt)

	res = limiter.CheckLimit(context.Background(), Params{Action: "send", Limit: 1, WindowSec: 60, OrganizationID: "org-1"})
	require.NotNil(t, res.RetryAfterSec)
	// 14.5s remain in the window, rounded up
	assert.Equal(t, 15, *res.RetryAfterSec)

	key := "ratelimit:org-1:send:1700000040000"
	assert.Equal(t, int64(2), backend.counts[key])
	assert.Equal(t, 61*time.Second, backend.ttls[key])
}

func TestLimiter_NextWindowResets(t *testing.T) {
	now := time.UnixMilli(1_700_000_040_000)
	backend := newFakeBackend()
	clock := now
	limiter := NewLimiter(backend, true, WithClock(func() time.Time { return clock }))
	params := Params{Action: "send", Limit: 10, WindowSec: 60, OrganizationID: "org-1"}

	for i := 0; i < 11; i++ {
		limiter.CheckLimit(context.Background(), params)
	}
	assert.False(t, limiter.CheckLimit(context.Background(), params).Allowed)

	clock = now.Add(60 * time.Second)
	res := limiter.CheckLimit(context.Background(), params)
	assert.True(t, res.Allowed)
	assert.Equal(t, 9, res.Remaining)
}

func TestLimiter_GlobalScopeWhenNoOrganization(t *testing.T) {
	now := time.UnixMilli(1_700_000_040_000)
	backend := newFakeBackend()
	limiter := NewLimiter(backend, true, WithClock(fixedClock(now)))

	limiter.CheckLimit(context.Background(), Params{Action: "meta.spend", Limit: 5, WindowSec: 60})
	_, ok := backend.counts["ratelimit:global:meta.spend:1700000040000"]
	assert.True(t, ok)
}

func TestLimiter_FailOpenOnEveryError(t *testing.T) {
	backend := newFakeBackend()
	backend.err = errors.New("ERR unknown command")
	limiter := NewLimiter(backend, true)
	params := Params{Action: "send", Limit: 1, WindowSec: 60, OrganizationID: "org-1"}

	for i := 0; i < 20; i++ {
		res := limiter.CheckLimit(context.Background(), params)
		assert.True(t, res.Allowed)
		assert.Equal(t, 1, res.Remaining)
	}
	// non-connection errors keep the limiter enabled
	assert.True(t, limiter.Enabled())
	assert.Equal(t, 20, backend.calls)
}

func TestLimiter_ConnectionErrorDisablesPermanently(t *testing.T) {
	backend := newFakeBackend()
	backend.err = &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	limiter := NewLimiter(backend, true)
	params := Params{Action: "send", Limit: 1, WindowSec: 60, OrganizationID: "org-1"}

	assert.True(t, limiter.CheckLimit(context.Background(), params).Allowed)
	assert.False(t, limiter.Enabled())

	backend.err = nil
	for i := 0; i < 5; i++ {
		assert.True(t, limiter.CheckLimit(context.Background(), params).Allowed)
	}
	assert.Equal(t, 1, backend.calls)
}

func TestLimiter_DisabledOrUnconfigured(t *testing.T) {
	backend := newFakeBackend()
	disabled := NewLimiter(backend, false)
	res := disabled.CheckLimit(context.Background(), Params{Action: "send", Limit: 3, WindowSec: 60})
	assert.True(t, res.Allowed)
	assert.Equal(t, 3, res.Remaining)
	assert.Equal(t, 0, backend.calls)

	unconfigured := NewLimiter(nil, true)
	assert.False(t, unconfigured.Enabled())
	assert.True(t, unconfigured.CheckLimit(context.Background(), Params{Action: "send", Limit: 3, WindowSec: 60}).Allowed)
}

type panickingBackend struct{}

func (panickingBackend) IncrementWindow(context.Context, string, time.Duration) (int64, error) {
	panic("boom")
}

func (panickingBackend) DeleteByPattern(context.Context, string) error {
	panic("boom")
}

func TestLimiter_PanicIsFailOpen(t *testing.T) {
	limiter := NewLimiter(panickingBackend{}, true)
	res := limiter.CheckLimit(context.Background(), Params{Action: "send", Limit: 3, WindowSec: 60})
	assert.True(t, res.Allowed)
	assert.NotPanics(t, func() { limiter.ResetLimit(context.Background(), "org-1", "send") })
}

func TestLimiter_ResetLimit(t *testing.T) {
	backend := newFakeBackend()
	limiter := NewLimiter(backend, true)

	limiter.ResetLimit(context.Background(), "org-1", "whatsapp.send")
	limiter.ResetLimit(context.Background(), "", "meta.spend")
	assert.Equal(t, []string{"ratelimit:org-1:whatsapp.send:*", "ratelimit:global:meta.spend:*"}, backend.patterns)

	backend.err = errors.New("scan failed")
	assert.NotPanics(t, func() { limiter.ResetLimit(context.Background(), "org-1", "send") })
}

func TestIsConnectionError(t *testing.T) {
	assert.False(t, IsConnectionError(nil))
	assert.False(t, IsConnectionError(errors.New("ERR wrong number of arguments")))
	assert.True(t, IsConnectionError(errors.New("NOAUTH Authentication required.")))
	assert.True(t, IsConnectionError(errors.Wrap(&net.OpError{Op: "dial", Err: errors.New("x")}, "increment")))
}
