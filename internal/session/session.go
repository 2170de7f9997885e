// Package session drives one file through the upload lifecycle:
//
//	Idle → AcquiringCredential → Planning → Transferring → Finalizing → Completed
//
// with Failed and Cancelled reachable from every non-terminal phase. A
// credential rejected mid-transfer sends the session back to
// AcquiringCredential for a forced refresh, after which only the outstanding
// parts are replayed.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	uerrors "github.com/input-output-hk/catalyst-forge-libs/mediaupload/errors"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/metrics"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/planner"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/progress"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/transfer"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

// CredentialSource issues credentials. Implemented by *broker.Broker.
type CredentialSource interface {
	Acquire(ctx context.Context, hint string) (*uploadtypes.Credential, error)
	Refresh(ctx context.Context, hint string, stale *uploadtypes.Credential) (*uploadtypes.Credential, error)
}

// Transferer moves bytes. Implemented by *transfer.Engine.
type Transferer interface {
	Transfer(ctx context.Context, req transfer.Request) (*uploadtypes.TransferResult, error)
	Abandon(ctx context.Context, req transfer.Request)
}

// Catalog registers uploaded media. Implemented by *backend.Client.
type Catalog interface {
	CreateMedia(ctx context.Context, payload uploadtypes.MediaPayload) (*uploadtypes.MediaRecord, error)
	UpdateMedia(ctx context.Context, id int64, payload uploadtypes.MediaPayload) (*uploadtypes.MediaRecord, error)
}

// File is the session's source. The session closes it when it terminates.
type File interface {
	io.ReaderAt
	io.Closer
}

// Config describes one upload.
type Config struct {
	// ID identifies the session; a random id is generated when empty
	ID string

	FileName    string
	File        File
	Size        int64
	ContentType string
	Target      uploadtypes.UploadTarget
	Hints       uploadtypes.MetadataHints

	// CredentialHint selects the broker cache entry
	CredentialHint string

	ChunkThreshold         int64
	ChunkSize              int64
	PartConcurrency        int
	MaxCredentialRefreshes int
	EventBuffer            int
}

// Deps are the collaborators of a session.
type Deps struct {
	Credentials CredentialSource
	Engine      Transferer
	Catalog     Catalog
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Clock       func() time.Time
}

// Session is one file's upload. It is driven by Run and may be cancelled from
// any goroutine.
type Session struct {
	cfg   Config
	deps  Deps
	now   func() time.Time
	meter *progress.Meter

	stream *progress.Stream
	done   chan struct{}

	mu        sync.Mutex
	phase     uploadtypes.Phase
	started   bool
	cancelled bool
	cancel    context.CancelFunc
	lastBytes int64
	result    *uploadtypes.Result
}

// New validates cfg and creates an idle session.
func New(cfg Config, deps Deps) (*Session, error) {
	switch {
	case cfg.File == nil:
		return nil, uerrors.NewError("newSession", uerrors.KindInvalidInput, errors.New("nil file")).WithFile(cfg.FileName)
	case cfg.Size < 0:
		return nil, uerrors.NewError("newSession", uerrors.KindInvalidInput, fmt.Errorf("negative size %d", cfg.Size)).
			WithFile(cfg.FileName)
	case deps.Credentials == nil || deps.Engine == nil || deps.Catalog == nil:
		return nil, uerrors.NewError("newSession", uerrors.KindInvalidInput, errors.New("missing dependency")).
			WithFile(cfg.FileName)
	}

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.ChunkThreshold <= 0 {
		cfg.ChunkThreshold = uploadtypes.DefaultChunkThreshold
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = uploadtypes.DefaultChunkSize
	}
	if cfg.MaxCredentialRefreshes < 0 {
		cfg.MaxCredentialRefreshes = 0
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = uploadtypes.DefaultEventBuffer
	}

	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	if deps.Logger != nil {
		deps.Logger = deps.Logger.With("session", cfg.ID, "file", cfg.FileName)
	}

	return &Session{
		cfg:    cfg,
		deps:   deps,
		now:    now,
		meter:  progress.NewMeterWithNow(now),
		stream: progress.NewStream(cfg.EventBuffer),
		done:   make(chan struct{}),
		phase:  uploadtypes.PhaseIdle,
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.cfg.ID }

// FileName returns the name of the file being uploaded.
func (s *Session) FileName() string { return s.cfg.FileName }

// Phase returns the current phase.
func (s *Session) Phase() uploadtypes.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Events returns the progress stream. It is closed when the session terminates.
func (s *Session) Events() <-chan uploadtypes.ProgressEvent { return s.stream.Events() }

// Done is closed when the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the terminal result, or nil while the session is running.
func (s *Session) Result() *uploadtypes.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Cancel requests cancellation. It is idempotent and a no-op once the session
// has terminated. A session that has not started terminates immediately.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.phase.Terminal() || s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true

	if !s.started {
		s.started = true
		s.finishLocked(uploadtypes.PhaseCancelled, nil, nil,
			uerrors.NewError("cancel", uerrors.KindCancelled, context.Canceled).
				WithFile(s.cfg.FileName).WithPhase(s.phase.String()))
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Run executes the session and returns its terminal result. Calling Run
// again, or after Cancel, waits for and returns the same result.
func (s *Session) Run(ctx context.Context) *uploadtypes.Result {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		<-s.done
		return s.Result()
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.log(slog.LevelInfo, "upload started", "size", s.cfg.Size, "key", s.cfg.Target.ObjectKey)
	s.run(runCtx)
	return s.Result()
}

// run walks the state machine until a terminal phase.
func (s *Session) run(ctx context.Context) {
	var transferred *uploadtypes.TransferResult

	if !s.enter(ctx, uploadtypes.PhaseAcquiringCredential) {
		return
	}
	cred, err := s.deps.Credentials.Acquire(ctx, s.cfg.CredentialHint)
	if err != nil {
		s.fail(ctx, nil, err)
		return
	}

	if !s.enter(ctx, uploadtypes.PhasePlanning) {
		return
	}
	plan, err := planner.Plan(s.cfg.Size, s.cfg.ChunkThreshold, s.cfg.ChunkSize)
	if err != nil {
		s.fail(ctx, nil, uerrors.NewError("plan", uerrors.KindInvalidInput, err))
		return
	}
	s.log(slog.LevelDebug, "transfer planned", "parts", len(plan.Parts), "chunked", plan.Chunked())

	if !s.enter(ctx, uploadtypes.PhaseTransferring) {
		return
	}
	req := transfer.Request{
		Plan:        plan,
		Target:      s.cfg.Target,
		Credential:  cred,
		Source:      s.cfg.File,
		ContentType: s.cfg.ContentType,
		Concurrency: s.cfg.PartConcurrency,
		OnProgress:  s.onProgress,
	}
	refreshes := 0
	for {
		transferred, err = s.deps.Engine.Transfer(ctx, req)
		if err == nil {
			break
		}
		if uerrors.KindOf(err) != uerrors.KindCredentialRejected || ctx.Err() != nil {
			s.deps.Engine.Abandon(ctx, req)
			s.fail(ctx, nil, err)
			return
		}
		if refreshes >= s.cfg.MaxCredentialRefreshes {
			s.deps.Engine.Abandon(ctx, req)
			s.fail(ctx, nil, uerrors.NewError("transfer", uerrors.KindCredentialExhausted,
				fmt.Errorf("rejected after %d refreshes: %w", refreshes, err)))
			return
		}
		refreshes++
		s.log(slog.LevelWarn, "credential rejected, refreshing",
			"refresh", refreshes,
			"outstanding_parts", len(plan.Outstanding()),
			"error", err,
		)

		if !s.enter(ctx, uploadtypes.PhaseAcquiringCredential) {
			s.deps.Engine.Abandon(ctx, req)
			return
		}
		cred, err = s.deps.Credentials.Refresh(ctx, s.cfg.CredentialHint, req.Credential)
		if err != nil {
			s.deps.Engine.Abandon(ctx, req)
			s.fail(ctx, nil, err)
			return
		}
		req.Credential = cred
		if !s.enter(ctx, uploadtypes.PhaseTransferring) {
			s.deps.Engine.Abandon(ctx, req)
			return
		}
	}

	if !s.enter(ctx, uploadtypes.PhaseFinalizing) {
		return
	}
	record, err := s.finalize(ctx, transferred)
	if err != nil {
		s.fail(ctx, transferred, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.phase, uploadtypes.PhaseCompleted) {
		s.finishLocked(uploadtypes.PhaseFailed, transferred, nil, s.annotate(
			uerrors.NewError("transition", uerrors.KindInternal, fmt.Errorf("illegal transition %s → Completed", s.phase)),
			s.phase.String()))
		return
	}
	s.lastBytes = s.cfg.Size
	s.finishLocked(uploadtypes.PhaseCompleted, transferred, record, nil)
}

// finalize registers the uploaded object with the catalog.
func (s *Session) finalize(ctx context.Context, transferred *uploadtypes.TransferResult) (*uploadtypes.MediaRecord, error) {
	hints := s.cfg.Hints

	mediaType := hints.MediaType
	if mediaType == "" {
		mediaType = uploadtypes.MediaTypeFor(s.cfg.ContentType)
	}
	title := hints.Title
	if title == "" {
		base := path.Base(s.cfg.FileName)
		title = strings.TrimSuffix(base, path.Ext(base))
	}

	payload := uploadtypes.MediaPayload{
		Title:       title,
		Description: hints.Description,
		MediaType:   mediaType,
		ObjectKey:   s.cfg.Target.ObjectKey,
		FilePath:    transferred.Location,
		FileSize:    transferred.Bytes,
		ContentType: s.cfg.ContentType,
		StorageURL:  transferred.Location,
	}

	if hints.MediaID > 0 {
		return s.deps.Catalog.UpdateMedia(ctx, hints.MediaID, payload)
	}
	return s.deps.Catalog.CreateMedia(ctx, payload)
}

// onProgress forwards engine progress to the stream, never lowering the count.
func (s *Session) onProgress(completed, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.Terminal() || s.cancelled || completed <= s.lastBytes {
		return
	}
	s.lastBytes = completed
	s.stream.Publish(uploadtypes.ProgressEvent{
		SessionID:      s.cfg.ID,
		FileName:       s.cfg.FileName,
		Phase:          s.phase,
		BytesCompleted: completed,
		BytesTotal:     total,
		Rate:           s.meter.Observe(completed),
		Time:           s.now(),
	})
}

// enter moves to phase unless the session was cancelled. It reports whether
// the session may continue.
func (s *Session) enter(ctx context.Context, phase uploadtypes.Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.Terminal() {
		return false
	}
	if ctx.Err() != nil {
		s.finishLocked(uploadtypes.PhaseCancelled, nil, nil,
			s.annotate(uerrors.NewError("transition", uerrors.KindCancelled, ctx.Err()), s.phase.String()))
		return false
	}
	if err := s.transitionLocked(phase); err != nil {
		s.finishLocked(uploadtypes.PhaseFailed, nil, nil, s.annotate(err, s.phase.String()))
		return false
	}
	s.log(slog.LevelDebug, "phase changed", "phase", phase.String())
	return true
}

// fail terminates the session after err, as Cancelled when ctx was cancelled.
func (s *Session) fail(ctx context.Context, transferred *uploadtypes.TransferResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.Terminal() {
		return
	}
	phase := s.phase.String()
	if ctx.Err() != nil || uerrors.KindOf(err) == uerrors.KindCancelled {
		if uerrors.KindOf(err) != uerrors.KindCancelled {
			err = uerrors.NewError("upload", uerrors.KindCancelled, ctx.Err())
		}
		s.finishLocked(uploadtypes.PhaseCancelled, transferred, nil, s.annotate(err, phase))
		return
	}
	s.finishLocked(uploadtypes.PhaseFailed, transferred, nil, s.annotate(err, phase))
}

// annotate returns a copy of err carrying the file and phase. err itself is
// left untouched; broker errors are shared between sessions.
func (s *Session) annotate(err error, phase string) *uerrors.Error {
	var found *uerrors.Error
	if !errors.As(err, &found) {
		found = uerrors.NewError("upload", uerrors.KindOf(err), err)
	}
	uerr := *found
	if uerr.File == "" {
		uerr.File = s.cfg.FileName
	}
	if uerr.Phase == "" {
		uerr.Phase = phase
	}
	return &uerr
}

// transitionLocked validates and applies a phase change.
func (s *Session) transitionLocked(to uploadtypes.Phase) error {
	if !CanTransition(s.phase, to) {
		return uerrors.NewError("transition", uerrors.KindInternal,
			fmt.Errorf("illegal transition %s → %s", s.phase, to))
	}
	s.phase = to
	s.publishLocked()
	return nil
}

func (s *Session) publishLocked() {
	s.stream.Publish(uploadtypes.ProgressEvent{
		SessionID:      s.cfg.ID,
		FileName:       s.cfg.FileName,
		Phase:          s.phase,
		BytesCompleted: s.lastBytes,
		BytesTotal:     s.cfg.Size,
		Rate:           s.meter.Rate(),
		Time:           s.now(),
	})
}

// finishLocked records the terminal result and releases resources.
func (s *Session) finishLocked(
	phase uploadtypes.Phase,
	transferred *uploadtypes.TransferResult,
	record *uploadtypes.MediaRecord,
	err *uerrors.Error,
) {
	if s.phase.Terminal() {
		return
	}
	s.phase = phase
	s.result = &uploadtypes.Result{
		SessionID: s.cfg.ID,
		FileName:  s.cfg.FileName,
		Phase:     phase,
		Record:    record,
		Transfer:  transferred,
	}
	if err != nil {
		s.result.Err = err
	}
	s.publishLocked()
	s.stream.Close()

	if cerr := s.cfg.File.Close(); cerr != nil {
		s.log(slog.LevelWarn, "closing file failed", "error", cerr)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.deps.Metrics.SessionFinished(strings.ToLower(phase.String()))

	if err != nil {
		s.log(slog.LevelWarn, "upload ended", "phase", phase.String(), "kind", string(uerrors.KindOf(err)), "error", err)
	} else {
		s.log(slog.LevelInfo, "upload completed", "key", s.cfg.Target.ObjectKey, "bytes", s.cfg.Size)
	}
	close(s.done)
}

func (s *Session) log(level slog.Level, msg string, args ...any) {
	if s.deps.Logger == nil {
		return
	}
	s.deps.Logger.Log(context.Background(), level, msg, args...)
}
