package mediaupload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	uerrors "github.com/input-output-hk/catalyst-forge-libs/mediaupload/errors"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/backend"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/broker"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/metrics"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/retry"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/scheduler"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/session"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/storage"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/transfer"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

const defaultContentType = "application/octet-stream"

// Uploader accepts files and uploads them in the background, at most
// MaxConcurrentFiles at a time.
//
// Thread Safety: Uploader is safe for concurrent use.
type Uploader struct {
	cfg       *uploadtypes.ClientConfig
	backend   *backend.Client
	broker    *broker.Broker
	engine    *transfer.Engine
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	fs        billy.Filesystem
	hostPaths bool
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	storageCfg *uploadtypes.StorageConfig
	closed     bool
}

// New creates an uploader talking to the backend API at backendURL
// (for example https://media.example.com/api).
//
// Example:
//
//	up, err := mediaupload.New("https://media.example.com/api",
//	    mediaupload.WithSessionCookie(cookie),
//	    mediaupload.WithMaxConcurrentFiles(2),
//	)
func New(backendURL string, opts ...uploadtypes.Option) (*Uploader, error) {
	return newUploader(backendURL, nil, opts...)
}

// newUploader builds an uploader; a nil provider selects the SDK-backed
// storage client factory.
func newUploader(backendURL string, provider storage.Provider, opts ...uploadtypes.Option) (*Uploader, error) {
	cfg := uploadtypes.DefaultClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	fs, hostPaths := cfg.Filesystem, false
	if fs == nil {
		fs, hostPaths = osfs.New("/"), true
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	m := metrics.New(cfg.MetricsRegisterer)

	bc, err := backend.New(backendURL,
		backend.WithHTTPClient(httpClient),
		backend.WithSessionCookie(cfg.SessionCookie),
		backend.WithLogger(cfg.Logger),
		backend.WithCredentialDuration(cfg.CredentialDuration),
		backend.WithClock(now),
	)
	if err != nil {
		return nil, uerrors.NewError("new", uerrors.KindInvalidInput, err)
	}

	if provider == nil {
		provider = storage.NewFactory(storage.ClientOptions{
			Endpoint:       cfg.StorageEndpoint,
			ForcePathStyle: cfg.ForcePathStyle,
			HTTPClient:     cfg.HTTPClient,
		})
	}

	return &Uploader{
		cfg:     cfg,
		backend: bc,
		broker: broker.New(bc,
			broker.WithRefreshBuffer(cfg.RefreshBuffer),
			broker.WithClock(now),
			broker.WithLogger(cfg.Logger),
			broker.WithMetrics(m),
		),
		engine: transfer.New(provider,
			transfer.WithRetryPolicy(retry.NewPolicy(cfg.MaxPartRetries, cfg.RetryBaseDelay, storage.Retryable)),
			transfer.WithLogger(cfg.Logger),
			transfer.WithMetrics(m),
			transfer.WithClock(now),
		),
		scheduler: scheduler.New(cfg.MaxConcurrentFiles,
			scheduler.WithLogger(cfg.Logger),
			scheduler.WithMetrics(m),
		),
		metrics:   m,
		fs:        fs,
		hostPaths: hostPaths,
		logger:    cfg.Logger,
		now:       now,
	}, nil
}

// Submit checks the file at name and queues it for upload. The returned
// Handle reports progress and the terminal result.
//
// With the default filesystem a relative name is resolved against the
// working directory; with WithFilesystem it is relative to that
// filesystem's root.
//
// Files the storage configuration does not allow, or that exceed the maximum
// size, are refused with a ValidationError before anything is queued. ctx
// bounds the checks only; the upload itself runs until it finishes, is
// cancelled through the Handle or the Uploader is closed.
func (u *Uploader) Submit(ctx context.Context, name string, hints uploadtypes.MetadataHints) (*Handle, error) {
	u.mu.Lock()
	closed := u.closed
	u.mu.Unlock()
	if closed {
		return nil, uerrors.NewError("submit", uerrors.KindCancelled, scheduler.ErrClosed).WithFile(name)
	}

	if u.hostPaths && !filepath.IsAbs(name) {
		abs, err := filepath.Abs(name)
		if err != nil {
			return nil, uerrors.NewError("submit", uerrors.KindInvalidInput, err).WithFile(name)
		}
		name = abs
	}

	storageCfg, err := u.storageConfig(ctx)
	if err != nil {
		return nil, withFile(err, name)
	}

	info, err := u.fs.Stat(name)
	if err != nil {
		return nil, uerrors.NewError("submit", uerrors.KindInvalidInput, err).WithFile(name)
	}
	if info.IsDir() {
		return nil, uerrors.NewError("submit", uerrors.KindInvalidInput, errors.New("is a directory")).WithFile(name)
	}
	size := info.Size()

	file, err := u.fs.Open(name)
	if err != nil {
		return nil, uerrors.NewError("submit", uerrors.KindInvalidInput, err).WithFile(name)
	}

	h, err := u.prepare(ctx, file, name, size, storageCfg, hints)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return h, nil
}

// prepare validates the file, derives its target and queues a session.
func (u *Uploader) prepare(
	ctx context.Context,
	file billy.File,
	name string,
	size int64,
	storageCfg *uploadtypes.StorageConfig,
	hints uploadtypes.MetadataHints,
) (*Handle, error) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))

	contentType := hints.ContentType
	if contentType == "" {
		contentType = detectContentType(file, size, base)
	}

	if !storageCfg.Allows(contentType) {
		return nil, uerrors.NewError("submit", uerrors.KindValidation,
			fmt.Errorf("content type %s is not allowed", contentType)).WithFile(name)
	}
	if storageCfg.MaxFileSize > 0 && size > storageCfg.MaxFileSize {
		return nil, uerrors.NewError("submit", uerrors.KindValidation,
			fmt.Errorf("file size %d exceeds the limit of %d bytes", size, storageCfg.MaxFileSize)).WithFile(name)
	}

	key := ""
	if u.cfg.ServerValidation {
		resp, err := u.backend.ValidateUpload(ctx, backend.ValidationRequest{
			Filename:    base,
			FileSize:    size,
			ContentType: contentType,
		})
		if err != nil {
			return nil, withFile(err, name)
		}
		key = resp.SuggestedKey
	}
	if key == "" {
		key = storage.NewObjectKey(storageCfg.UploadPrefix, base, u.now())
	}

	target, err := storage.NewTarget(storageCfg, key)
	if err != nil {
		return nil, uerrors.NewError("submit", uerrors.KindInvalidInput, err).WithFile(name).WithKey(key)
	}

	sess, err := session.New(session.Config{
		FileName:               name,
		File:                   file,
		Size:                   size,
		ContentType:            contentType,
		Target:                 target,
		Hints:                  hints,
		CredentialHint:         storageCfg.Bucket,
		ChunkThreshold:         u.cfg.ChunkThreshold,
		ChunkSize:              u.cfg.ChunkSize,
		PartConcurrency:        u.cfg.PartConcurrency,
		MaxCredentialRefreshes: u.cfg.MaxCredentialRefreshes,
		EventBuffer:            u.cfg.EventBuffer,
	}, session.Deps{
		Credentials: u.broker,
		Engine:      u.engine,
		Catalog:     u.backend,
		Logger:      u.logger,
		Metrics:     u.metrics,
		Clock:       u.now,
	})
	if err != nil {
		return nil, err
	}

	if err := u.scheduler.Submit(sess); err != nil {
		return nil, withFile(err, name)
	}
	if u.logger != nil {
		u.logger.Info("upload queued",
			"session", sess.ID(),
			"file", name,
			"size", size,
			"content_type", contentType,
			"key", key,
		)
	}
	return &Handle{session: sess, uploader: u}, nil
}

// storageConfig returns the storage configuration, fetching it on first use.
func (u *Uploader) storageConfig(ctx context.Context) (*uploadtypes.StorageConfig, error) {
	u.mu.Lock()
	cached := u.storageCfg
	u.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	cfg, err := u.backend.GetStorageConfig(ctx)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.storageCfg == nil {
		u.storageCfg = cfg
	}
	return u.storageCfg, nil
}

// Cancel cancels the upload with the given session id, queued or running.
// It reports whether the session was found.
func (u *Uploader) Cancel(id string) bool {
	return u.scheduler.Cancel(id)
}

// Active returns the number of uploads in progress.
func (u *Uploader) Active() int { return u.scheduler.Active() }

// Queued returns the number of uploads waiting for a slot.
func (u *Uploader) Queued() int { return u.scheduler.Queued() }

// Wait blocks until every submitted upload has terminated or ctx is done.
func (u *Uploader) Wait(ctx context.Context) error {
	return u.scheduler.Wait(ctx)
}

// Close cancels outstanding uploads and waits for them to stop. Submit fails
// afterwards.
func (u *Uploader) Close() error {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()

	u.scheduler.Close()
	return nil
}

// detectContentType sniffs the content of f, falling back to the file
// extension when the content is not recognised.
func detectContentType(f io.ReaderAt, size int64, name string) string {
	contentType := ""
	if m, err := mimetype.DetectReader(io.NewSectionReader(f, 0, size)); err == nil {
		contentType, _, _ = strings.Cut(m.String(), ";")
	}
	if contentType == "" || contentType == defaultContentType {
		if byExt := mime.TypeByExtension(path.Ext(name)); byExt != "" {
			contentType, _, _ = strings.Cut(byExt, ";")
		}
	}
	if contentType = strings.TrimSpace(contentType); contentType == "" {
		return defaultContentType
	}
	return contentType
}

// withFile returns err annotated with the file name without modifying it.
func withFile(err error, name string) error {
	var uerr *uerrors.Error
	if !errors.As(err, &uerr) {
		return uerrors.NewError("submit", uerrors.KindOf(err), err).WithFile(name)
	}
	cp := *uerr
	if cp.File == "" {
		cp.File = name
	}
	return &cp
}
