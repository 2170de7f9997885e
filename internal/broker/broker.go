// Package broker issues and caches the temporary storage credentials used to
// sign uploads.
//
// One Broker is shared by all sessions. Reads of a cached credential never
// block each other; fetches for the same hint are coalesced so that at most
// one request to the backend is outstanding per hint.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	uerrors "github.com/input-output-hk/catalyst-forge-libs/mediaupload/errors"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/metrics"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

// DefaultFetchTimeout bounds one credential fetch.
const DefaultFetchTimeout = 30 * time.Second

// Fetch reasons recorded in metrics and logs.
const (
	reasonInitial = "initial"
	reasonExpiry  = "expiry"
	reasonRefresh = "refresh"
)

// Fetcher obtains a new credential from the backend.
type Fetcher interface {
	FetchCredential(ctx context.Context) (*uploadtypes.Credential, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (*uploadtypes.Credential, error)

// FetchCredential calls f.
func (f FetcherFunc) FetchCredential(ctx context.Context) (*uploadtypes.Credential, error) {
	return f(ctx)
}

// Broker caches one credential per target hint.
type Broker struct {
	fetcher Fetcher
	buffer  time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	cache map[string]*uploadtypes.Credential
	group singleflight.Group
}

// Option configures a Broker.
type Option func(*Broker)

// WithRefreshBuffer sets how long before expiry a credential stops being reused.
func WithRefreshBuffer(d time.Duration) Option {
	return func(b *Broker) {
		if d >= 0 {
			b.buffer = d
		}
	}
}

// WithFetchTimeout bounds each backend fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithMetrics counts fetches.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// New creates a broker backed by fetcher.
func New(fetcher Fetcher, opts ...Option) *Broker {
	b := &Broker{
		fetcher: fetcher,
		buffer:  uploadtypes.DefaultRefreshBuffer,
		timeout: DefaultFetchTimeout,
		now:     time.Now,
		cache:   make(map[string]*uploadtypes.Credential),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NeedsRefresh reports whether cred is missing or expires within buffer of now.
func NeedsRefresh(cred *uploadtypes.Credential, buffer time.Duration, now time.Time) bool {
	if cred == nil {
		return true
	}
	return cred.ExpiresAt.Sub(now) < buffer
}

// NeedsRefresh applies the broker's buffer and clock to cred.
func (b *Broker) NeedsRefresh(cred *uploadtypes.Credential) bool {
	return NeedsRefresh(cred, b.buffer, b.now())
}

// Acquire returns the cached credential for hint, fetching a new one when
// none is cached or the cached one is within the refresh buffer.
func (b *Broker) Acquire(ctx context.Context, hint string) (*uploadtypes.Credential, error) {
	cached := b.cached(hint)
	if !b.NeedsRefresh(cached) {
		return cached, nil
	}
	reason := reasonInitial
	if cached != nil {
		reason = reasonExpiry
	}
	return b.fetch(ctx, "acquire", hint, reason)
}

// Refresh fetches a new credential for hint, replacing stale. When another
// caller has already replaced stale with a usable credential, that one is
// returned without a fetch.
func (b *Broker) Refresh(ctx context.Context, hint string, stale *uploadtypes.Credential) (*uploadtypes.Credential, error) {
	cached := b.cached(hint)
	if cached != nil && cached != stale && !b.NeedsRefresh(cached) {
		return cached, nil
	}
	return b.fetch(ctx, "refresh", hint, reasonRefresh)
}

func (b *Broker) cached(hint string) *uploadtypes.Credential {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cache[hint]
}

// fetch joins or starts the single outstanding fetch for hint. The fetch
// itself is detached from ctx; ctx only bounds how long this caller waits.
func (b *Broker) fetch(ctx context.Context, op, hint, reason string) (*uploadtypes.Credential, error) {
	ch := b.group.DoChan(hint, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		defer cancel()

		cred, err := b.fetcher.FetchCredential(fetchCtx)
		if err != nil {
			return nil, err
		}
		if cred == nil {
			return nil, errors.New("backend returned no credential")
		}

		b.mu.Lock()
		b.cache[hint] = cred
		b.mu.Unlock()

		b.metrics.CredentialFetched(reason)
		if b.logger != nil {
			b.logger.Info("credential fetched",
				"hint", hint,
				"reason", reason,
				"expires_at", cred.ExpiresAt,
				"request_id", cred.RequestID,
			)
		}
		return cred, nil
	})

	select {
	case <-ctx.Done():
		return nil, uerrors.NewError(op, uerrors.KindCancelled, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			if uerrors.KindOf(res.Err) == uerrors.KindAuthExpired {
				return nil, uerrors.NewError(op, uerrors.KindAuthExpired, res.Err)
			}
			return nil, uerrors.NewError(op, uerrors.KindCredentialUnavailable, res.Err)
		}
		return res.Val.(*uploadtypes.Credential), nil
	}
}
