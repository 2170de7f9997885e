package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uerrors "github.com/input-output-hk/catalyst-forge-libs/mediaupload/errors"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

// fakeFetcher issues numbered credentials valid for ttl from now.
type fakeFetcher struct {
	calls   atomic.Int32
	ttl     time.Duration
	now     func() time.Time
	release chan struct{}
	err     error
}

func (f *fakeFetcher) FetchCredential(ctx context.Context) (*uploadtypes.Credential, error) {
	n := f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	now := f.now()
	return &uploadtypes.Credential{
		AccessKeyID: fmt.Sprintf("AK%d", n),
		IssuedAt:    now,
		ExpiresAt:   now.Add(f.ttl),
	}, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	buffer := 300 * time.Second

	tests := []struct {
		name string
		cred *uploadtypes.Credential
		want bool
	}{
		{"no credential", nil, true},
		{"fresh", &uploadtypes.Credential{ExpiresAt: now.Add(time.Hour)}, false},
		{"exactly at buffer", &uploadtypes.Credential{ExpiresAt: now.Add(buffer)}, false},
		{"inside buffer", &uploadtypes.Credential{ExpiresAt: now.Add(buffer - time.Second)}, true},
		{"expired", &uploadtypes.Credential{ExpiresAt: now.Add(-time.Minute)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsRefresh(tt.cred, buffer, now))
		})
	}
}

func TestAcquire_ReusesCachedCredential(t *testing.T) {
	clk := newClock()
	f := &fakeFetcher{ttl: time.Hour, now: clk.Now}
	b := New(f, WithClock(clk.Now))

	c1, err := b.Acquire(context.Background(), "media")
	require.NoError(t, err)
	c2, err := b.Acquire(context.Background(), "media")
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestAcquire_NoReuseWithinRefreshBuffer(t *testing.T) {
	clk := newClock()
	f := &fakeFetcher{ttl: 10 * time.Minute, now: clk.Now}
	b := New(f, WithClock(clk.Now), WithRefreshBuffer(5*time.Minute))

	c1, err := b.Acquire(context.Background(), "media")
	require.NoError(t, err)
	expires := c1.ExpiresAt

	clk.Advance(5*time.Minute + time.Second)

	c2, err := b.Acquire(context.Background(), "media")
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, "AK2", c2.AccessKeyID)
	assert.Equal(t, expires, c1.ExpiresAt, "old credential is replaced, not mutated")
	assert.False(t, b.NeedsRefresh(c2))
}

func TestAcquire_SeparateHints(t *testing.T) {
	clk := newClock()
	f := &fakeFetcher{ttl: time.Hour, now: clk.Now}
	b := New(f, WithClock(clk.Now))

	a, err := b.Acquire(context.Background(), "bucket-a")
	require.NoError(t, err)
	c, err := b.Acquire(context.Background(), "bucket-b")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestAcquire_CoalescesConcurrentFetches(t *testing.T) {
	clk := newClock()
	f := &fakeFetcher{ttl: time.Hour, now: clk.Now, release: make(chan struct{})}
	b := New(f, WithClock(clk.Now))

	const callers = 10
	results := make([]*uploadtypes.Credential, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := b.Acquire(context.Background(), "media")
			assert.NoError(t, err)
			results[i] = cred
		}(i)
	}

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.release)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for _, cred := range results {
		assert.Same(t, results[0], cred)
	}
}

func TestAcquire_CallerCancellationDoesNotAbortFetch(t *testing.T) {
	clk := newClock()
	f := &fakeFetcher{ttl: time.Hour, now: clk.Now, release: make(chan struct{})}
	b := New(f, WithClock(clk.Now))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Acquire(ctx, "media")
		done <- err
	}()

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	err := <-done
	assert.True(t, uerrors.IsCancelled(err))

	close(f.release)
	require.Eventually(t, func() bool {
		cred, err := b.Acquire(context.Background(), "media")
		return err == nil && cred.AccessKeyID == "AK1"
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestRefresh_BypassesCache(t *testing.T) {
	clk := newClock()
	f := &fakeFetcher{ttl: time.Hour, now: clk.Now}
	b := New(f, WithClock(clk.Now))

	c1, err := b.Acquire(context.Background(), "media")
	require.NoError(t, err)

	c2, err := b.Refresh(context.Background(), "media", c1)
	require.NoError(t, err)
	assert.Equal(t, "AK2", c2.AccessKeyID)

	// A second session holding the same stale credential gets the replacement.
	c3, err := b.Refresh(context.Background(), "media", c1)
	require.NoError(t, err)
	assert.Same(t, c2, c3)
	assert.Equal(t, int32(2), f.calls.Load())

	c4, err := b.Acquire(context.Background(), "media")
	require.NoError(t, err)
	assert.Same(t, c2, c4)
}

func TestAcquire_FetchFailure(t *testing.T) {
	cause := errors.New("connection refused")
	b := New(&fakeFetcher{err: cause, now: time.Now})

	_, err := b.Acquire(context.Background(), "media")
	require.Error(t, err)
	assert.Equal(t, uerrors.KindCredentialUnavailable, uerrors.KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, uerrors.ErrCredentialUnavailable)
}

func TestAcquire_AuthExpiredPreserved(t *testing.T) {
	cause := uerrors.NewError("fetchCredential", uerrors.KindAuthExpired, errors.New("401"))
	b := New(&fakeFetcher{err: cause, now: time.Now})

	_, err := b.Acquire(context.Background(), "media")
	assert.True(t, uerrors.IsAuthExpired(err))
	assert.Equal(t, uerrors.KindAuthExpired, uerrors.KindOf(err))
}

func TestAcquire_FetchTimeout(t *testing.T) {
	f := &fakeFetcher{ttl: time.Hour, now: time.Now, release: make(chan struct{})}
	defer close(f.release)
	b := New(f, WithFetchTimeout(20*time.Millisecond))

	_, err := b.Acquire(context.Background(), "media")
	assert.Equal(t, uerrors.KindCredentialUnavailable, uerrors.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetcherFunc(t *testing.T) {
	want := &uploadtypes.Credential{AccessKeyID: "X", ExpiresAt: time.Now().Add(time.Hour)}
	b := New(FetcherFunc(func(context.Context) (*uploadtypes.Credential, error) { return want, nil }))

	got, err := b.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.Same(t, want, got)
}
