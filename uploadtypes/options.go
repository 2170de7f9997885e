package uploadtypes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// Defaults for ClientConfig.
const (
	DefaultChunkThreshold         = 5 * MiB
	DefaultChunkSize              = 8 * MiB
	DefaultMaxConcurrentFiles     = 3
	DefaultMaxPartRetries         = 3
	DefaultMaxCredentialRefreshes = 2
	DefaultRefreshBuffer          = 300 * time.Second
	DefaultEventBuffer            = 64
	DefaultRequestTimeout         = 60 * time.Second
)

// ClientConfig holds configuration for the Uploader.
type ClientConfig struct {
	ChunkThreshold         int64
	ChunkSize              int64
	PartConcurrency        int // 0 = derived from the part count
	MaxConcurrentFiles     int
	MaxPartRetries         int
	RetryBaseDelay         time.Duration
	MaxCredentialRefreshes int
	RefreshBuffer          time.Duration
	CredentialDuration     time.Duration // 0 = backend default
	EventBuffer            int
	RequestTimeout         time.Duration

	// StorageEndpoint overrides the COS endpoint derived from the region
	StorageEndpoint string
	ForcePathStyle  bool

	// ServerValidation enables the /cos/validate pre-flight
	ServerValidation bool

	HTTPClient        *http.Client
	SessionCookie     *http.Cookie
	Filesystem        billy.Filesystem
	Logger            *slog.Logger
	MetricsRegisterer prometheus.Registerer

	// Clock returns the current time; nil means time.Now
	Clock func() time.Time
}

// DefaultClientConfig returns a ClientConfig populated with defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ChunkThreshold:         DefaultChunkThreshold,
		ChunkSize:              DefaultChunkSize,
		MaxConcurrentFiles:     DefaultMaxConcurrentFiles,
		MaxPartRetries:         DefaultMaxPartRetries,
		RetryBaseDelay:         500 * time.Millisecond,
		MaxCredentialRefreshes: DefaultMaxCredentialRefreshes,
		RefreshBuffer:          DefaultRefreshBuffer,
		EventBuffer:            DefaultEventBuffer,
		RequestTimeout:         DefaultRequestTimeout,
	}
}

// Option is a functional option for configuring the Uploader.
type Option func(*ClientConfig)
