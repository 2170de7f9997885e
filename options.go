package mediaupload

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

// WithChunkThreshold sets the file size above which uploads are chunked.
// Default is 5 MiB.
func WithChunkThreshold(n int64) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		if n > 0 {
			c.ChunkThreshold = n
		}
	}
}

// WithChunkSize sets the multipart part size. Default is 8 MiB.
func WithChunkSize(n int64) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		if n > 0 {
			c.ChunkSize = n
		}
	}
}

// WithPartConcurrency caps the parts of one file in flight at once.
// By default it is derived from the part count (between 3 and 8).
func WithPartConcurrency(n int) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		if n > 0 {
			c.PartConcurrency = n
		}
	}
}

// WithMaxConcurrentFiles caps the sessions running at once. Default is 3.
func WithMaxConcurrentFiles(n int) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		if n > 0 {
			c.MaxConcurrentFiles = n
		}
	}
}

// WithMaxPartRetries sets how often a part is retried after a transient
// failure. Default is 3. Set to 0 to disable retries.
func WithMaxPartRetries(n int) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		if n >= 0 {
			c.MaxPartRetries = n
		}
	}
}

// WithRetryBaseDelay sets the first retry delay; later delays double.
func WithRetryBaseDelay(d time.Duration) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		if d > 0 {
			c.RetryBaseDelay = d
		}
	}
}

// WithMaxCredentialRefreshes sets how many forced credential refreshes a
// session may perform after storage rejects its credential. Default is 2.
func WithMaxCredentialRefreshes(n int) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		if n >= 0 {
			c.MaxCredentialRefreshes = n
		}
	}
}

// WithRefreshBuffer sets how long before expiry a cached credential stops
// being reused. Default is 300s.
func WithRefreshBuffer(d time.Duration) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		if d >= 0 {
			c.RefreshBuffer = d
		}
	}
}

// WithCredentialDuration requests credentials with the given lifetime.
func WithCredentialDuration(d time.Duration) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		c.CredentialDuration = d
	}
}

// WithEventBuffer sets how many progress events a session buffers before
// dropping the oldest.
func WithEventBuffer(n int) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		if n > 0 {
			c.EventBuffer = n
		}
	}
}

// WithRequestTimeout bounds each backend request. Default is 60s.
func WithRequestTimeout(d time.Duration) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		if d > 0 {
			c.RequestTimeout = d
		}
	}
}

// WithStorageEndpoint overrides the object storage endpoint derived from the
// bucket region. Useful for S3-compatible test servers.
func WithStorageEndpoint(endpoint string) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		c.StorageEndpoint = endpoint
	}
}

// WithForcePathStyle addresses buckets by path instead of by host.
func WithForcePathStyle(force bool) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		c.ForcePathStyle = force
	}
}

// WithServerValidation asks the backend to approve each file before it is
// queued.
func WithServerValidation(enabled bool) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		c.ServerValidation = enabled
	}
}

// WithHTTPClient sets the HTTP client used for backend and storage requests.
func WithHTTPClient(client *http.Client) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		c.HTTPClient = client
	}
}

// WithSessionCookie authenticates backend requests with the login cookie.
func WithSessionCookie(cookie *http.Cookie) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		c.SessionCookie = cookie
	}
}

// WithFilesystem sets the filesystem files are read from. Default is the OS
// filesystem.
func WithFilesystem(fs billy.Filesystem) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		c.Filesystem = fs
	}
}

// WithLogger sets the logger. Default discards.
func WithLogger(logger *slog.Logger) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		c.Logger = logger
	}
}

// WithMetricsRegisterer registers the uploader's Prometheus collectors.
func WithMetricsRegisterer(r prometheus.Registerer) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		c.MetricsRegisterer = r
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) uploadtypes.Option {
	return func(c *uploadtypes.ClientConfig) {
		c.Clock = now
	}
}
