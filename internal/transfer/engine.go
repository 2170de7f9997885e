// Package transfer moves the bytes of one file to object storage according to
// a transfer plan.
//
// A single-part plan is sent with PutObject. A chunked plan uses a multipart
// upload: parts run under bounded concurrency, each part is retried on
// transient failures, and the plan records which parts are Done so that a
// later call with a fresh credential replays only the outstanding parts.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	uerrors "github.com/input-output-hk/catalyst-forge-libs/mediaupload/errors"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/metrics"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/planner"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/pool"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/progress"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/retry"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/storage"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

const defaultAbortTimeout = 10 * time.Second

// Request describes one transfer attempt.
type Request struct {
	// Plan is updated in place: part states, ETags and the multipart upload id
	Plan *uploadtypes.TransferPlan

	Target     uploadtypes.UploadTarget
	Credential *uploadtypes.Credential
	Source     io.ReaderAt

	ContentType string

	// Concurrency caps in-flight parts; 0 derives it from the part count
	Concurrency int

	// OnProgress receives the cumulative byte count; it is never called
	// with a lower value than before and never after Transfer returns
	OnProgress progress.Func
}

// Engine executes transfers. It is safe for concurrent use by multiple
// sessions as long as each Request has its own Plan.
type Engine struct {
	provider     storage.Provider
	policy       retry.Policy
	buffers      *pool.BufferPool
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	abortTimeout time.Duration
}

// New creates an engine obtaining storage clients from provider.
func New(provider storage.Provider, opts ...Option) *Engine {
	e := &Engine{
		provider:     provider,
		policy:       retry.NewPolicy(retry.DefaultMaxRetries, retry.DefaultBaseDelay, storage.Retryable),
		buffers:      pool.NewBufferPool(),
		now:          time.Now,
		abortTimeout: defaultAbortTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy.Retryable == nil {
		e.policy.Retryable = storage.Retryable
	}
	return e
}

// Transfer uploads the parts of req.Plan that are not Done.
//
// On success every part is Done and the result's Bytes equals the plan's
// TotalBytes. Errors are *errors.Error of kind CredentialRejected (completed
// parts stay Done for replay), PartialUploadFailure (failed parts listed),
// NetworkError, Cancelled or InvalidInput.
func (e *Engine) Transfer(ctx context.Context, req Request) (*uploadtypes.TransferResult, error) {
	if err := validate(req); err != nil {
		return nil, uerrors.NewError("transfer", uerrors.KindInvalidInput, err).WithKey(req.Target.ObjectKey)
	}
	if ctx.Err() != nil {
		return nil, e.fail("transfer", uerrors.KindCancelled, ctx.Err(), req)
	}

	client, err := e.provider.Client(ctx, req.Credential, req.Target.Region)
	if err != nil {
		return nil, e.fail("transfer", uerrors.KindInternal, err, req)
	}

	agg := progress.NewAggregator(req.Plan, req.OnProgress)
	defer agg.Close()
	stop := context.AfterFunc(ctx, agg.Close)
	defer stop()
	agg.Start()

	started := e.now()
	var etag string
	if req.Plan.Chunked() {
		etag, err = e.multipart(ctx, client, req, agg)
	} else {
		etag, err = e.single(ctx, client, req, agg)
	}
	if err != nil {
		return nil, err
	}

	if got := req.Plan.CompletedBytes(); got != req.Plan.TotalBytes {
		return nil, e.fail("transfer", uerrors.KindInternal,
			fmt.Errorf("transferred %d of %d bytes", got, req.Plan.TotalBytes), req)
	}

	return &uploadtypes.TransferResult{
		Location: req.Target.URLTemplate,
		Key:      req.Target.ObjectKey,
		ETag:     etag,
		Bytes:    req.Plan.TotalBytes,
		Duration: e.now().Sub(started),
	}, nil
}

func validate(req Request) error {
	switch {
	case req.Plan == nil || len(req.Plan.Parts) == 0:
		return errors.New("empty transfer plan")
	case req.Source == nil:
		return errors.New("nil source")
	case req.Credential == nil:
		return errors.New("nil credential")
	case req.Target.Bucket == "" || req.Target.ObjectKey == "":
		return errors.New("incomplete upload target")
	}
	return nil
}

// single sends a one-part plan with PutObject.
func (e *Engine) single(ctx context.Context, client storage.API, req Request, agg *progress.Aggregator) (string, error) {
	part := &req.Plan.Parts[0]
	if part.State == uploadtypes.PartDone {
		return part.ETag, nil
	}

	buf := e.buffers.Get(part.Range.Len())
	defer e.buffers.Put(buf)
	if err := readSection(req.Source, buf, part.Range.Start); err != nil {
		part.State = uploadtypes.PartFailed
		return "", e.fail("putObject", uerrors.KindPartialUpload, fmt.Errorf("reading source: %w", err), req).
			WithParts([]int{1})
	}

	part.State = uploadtypes.PartInFlight
	part.Attempts++
	started := e.now()

	var etag string
	err := e.policy.Do(ctx, func(ctx context.Context) error {
		out, err := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(req.Target.Bucket),
			Key:           aws.String(req.Target.ObjectKey),
			Body:          newPartBody(buf, reporter(ctx, agg, 0)),
			ContentLength: aws.Int64(int64(len(buf))),
			ContentType:   contentType(req.ContentType),
		})
		if err != nil {
			return err
		}
		etag = aws.ToString(out.ETag)
		return nil
	}, e.notify(req, 1))
	if err != nil {
		return "", e.partFailure(ctx, "putObject", err, req, part)
	}

	part.State = uploadtypes.PartDone
	part.ETag = etag
	agg.Complete(0)
	e.metrics.PartUploaded(part.Range.Len(), e.now().Sub(started))
	return etag, nil
}

// partFailure settles the state of part after err and builds the matching error.
func (e *Engine) partFailure(ctx context.Context, op string, err error, req Request, part *uploadtypes.Part) *uerrors.Error {
	if ctx.Err() != nil {
		part.State = uploadtypes.PartPending
		return e.fail(op, uerrors.KindCancelled, ctx.Err(), req)
	}
	switch storage.Classify(err) {
	case storage.ClassCredentialRejected:
		part.State = uploadtypes.PartPending
		return e.fail(op, uerrors.KindCredentialRejected, err, req)
	case storage.ClassCancelled:
		part.State = uploadtypes.PartPending
		return e.fail(op, uerrors.KindCancelled, err, req)
	default:
		part.State = uploadtypes.PartFailed
		return e.fail(op, uerrors.KindPartialUpload, err, req).WithParts([]int{int(part.Number())})
	}
}

// multipart runs a chunked plan.
func (e *Engine) multipart(ctx context.Context, client storage.API, req Request, agg *progress.Aggregator) (string, error) {
	plan := req.Plan

	if plan.UploadID == "" {
		id, err := e.create(ctx, client, req)
		if err != nil {
			return "", err
		}
		plan.UploadID = id
	}

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = planner.DefaultConcurrency(len(plan.Parts))
	}

	partCtx, cancelParts := context.WithCancel(ctx)
	defer cancelParts()

	var (
		stop     atomic.Bool
		mu       sync.Mutex
		rejected error
		hardErr  error
		failed   []int
	)

	var g errgroup.Group
	g.SetLimit(concurrency)

	for _, idx := range plan.Outstanding() {
		if stop.Load() || partCtx.Err() != nil {
			break
		}
		part := &plan.Parts[idx]
		g.Go(func() error {
			// Re-check once a slot is granted; a sibling may have failed meanwhile.
			if stop.Load() || partCtx.Err() != nil {
				return nil
			}
			err := e.uploadPart(partCtx, client, req, part, agg)
			if err == nil {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case ctx.Err() != nil:
				part.State = uploadtypes.PartPending
			case storage.Classify(err) == storage.ClassCredentialRejected:
				// In-flight parts finish; nothing new starts.
				part.State = uploadtypes.PartPending
				stop.Store(true)
				if rejected == nil {
					rejected = err
				}
			case partCtx.Err() != nil && hardErr != nil:
				// Cancelled because a sibling failed.
				part.State = uploadtypes.PartPending
			default:
				part.State = uploadtypes.PartFailed
				stop.Store(true)
				failed = append(failed, int(part.Number()))
				if hardErr == nil {
					hardErr = err
				}
				cancelParts()
			}
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case ctx.Err() != nil:
		e.abort(ctx, client, req)
		return "", e.fail("uploadPart", uerrors.KindCancelled, ctx.Err(), req)
	case hardErr != nil:
		e.abort(ctx, client, req)
		sort.Ints(failed)
		return "", e.fail("uploadPart", uerrors.KindPartialUpload, hardErr, req).WithParts(failed)
	case rejected != nil:
		return "", e.fail("uploadPart", uerrors.KindCredentialRejected, rejected, req)
	}

	return e.complete(ctx, client, req)
}

// uploadPart sends one part with retries and settles its state on success.
func (e *Engine) uploadPart(
	ctx context.Context,
	client storage.API,
	req Request,
	part *uploadtypes.Part,
	agg *progress.Aggregator,
) error {
	size := part.Range.Len()
	buf := e.buffers.Get(size)
	defer e.buffers.Put(buf)

	if err := readSection(req.Source, buf, part.Range.Start); err != nil {
		return fmt.Errorf("reading part %d: %w", part.Number(), err)
	}

	part.State = uploadtypes.PartInFlight
	part.Attempts++
	started := e.now()

	var etag string
	err := e.policy.Do(ctx, func(ctx context.Context) error {
		out, err := client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(req.Target.Bucket),
			Key:           aws.String(req.Target.ObjectKey),
			UploadId:      aws.String(req.Plan.UploadID),
			PartNumber:    aws.Int32(part.Number()),
			Body:          newPartBody(buf, reporter(ctx, agg, part.Index)),
			ContentLength: aws.Int64(size),
		})
		if err != nil {
			return err
		}
		etag = aws.ToString(out.ETag)
		return nil
	}, e.notify(req, part.Number()))
	if err != nil {
		return err
	}

	part.State = uploadtypes.PartDone
	part.ETag = etag
	agg.Complete(part.Index)
	e.metrics.PartUploaded(size, e.now().Sub(started))
	e.log(slog.LevelDebug, "part uploaded",
		"key", req.Target.ObjectKey,
		"part", part.Number(),
		"bytes", size,
		"attempts", part.Attempts,
	)
	return nil
}

// reporter forwards body reads of part to agg until ctx ends. A transport may
// keep draining a body after its request was cancelled.
func reporter(ctx context.Context, agg *progress.Aggregator, part int) func(n int64) {
	return func(n int64) {
		if ctx.Err() != nil {
			return
		}
		agg.Report(part, n)
	}
}

// create starts the multipart upload.
func (e *Engine) create(ctx context.Context, client storage.API, req Request) (string, error) {
	var id string
	err := e.policy.Do(ctx, func(ctx context.Context) error {
		out, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(req.Target.Bucket),
			Key:         aws.String(req.Target.ObjectKey),
			ContentType: contentType(req.ContentType),
		})
		if err != nil {
			return err
		}
		id = aws.ToString(out.UploadId)
		return nil
	}, e.notify(req, 0))
	if err != nil {
		return "", e.requestFailure(ctx, "createMultipartUpload", err, req)
	}
	if id == "" {
		return "", e.fail("createMultipartUpload", uerrors.KindInternal, errors.New("storage returned no upload id"), req)
	}
	e.log(slog.LevelDebug, "multipart upload created", "key", req.Target.ObjectKey, "upload_id", id)
	return id, nil
}

// complete assembles the uploaded parts in order.
func (e *Engine) complete(ctx context.Context, client storage.API, req Request) (string, error) {
	plan := req.Plan
	completed := make([]s3types.CompletedPart, 0, len(plan.Parts))
	for i := range plan.Parts {
		p := &plan.Parts[i]
		completed = append(completed, s3types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Number()),
		})
	}

	var etag string
	err := e.policy.Do(ctx, func(ctx context.Context) error {
		out, err := client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(req.Target.Bucket),
			Key:             aws.String(req.Target.ObjectKey),
			UploadId:        aws.String(plan.UploadID),
			MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			return err
		}
		etag = aws.ToString(out.ETag)
		return nil
	}, e.notify(req, 0))
	if err != nil {
		uerr := e.requestFailure(ctx, "completeMultipartUpload", err, req)
		if uerr.Kind != uerrors.KindCredentialRejected {
			e.abort(ctx, client, req)
		}
		return "", uerr
	}
	return etag, nil
}

// requestFailure builds the error for a failed non-part request.
func (e *Engine) requestFailure(ctx context.Context, op string, err error, req Request) *uerrors.Error {
	if ctx.Err() != nil {
		return e.fail(op, uerrors.KindCancelled, ctx.Err(), req)
	}
	switch storage.Classify(err) {
	case storage.ClassCredentialRejected:
		return e.fail(op, uerrors.KindCredentialRejected, err, req)
	case storage.ClassCancelled:
		return e.fail(op, uerrors.KindCancelled, err, req)
	default:
		return e.fail(op, uerrors.KindNetwork, err, req)
	}
}

// Abandon discards the multipart upload of a plan that will not be resumed.
// It is best-effort: failures are logged, and a plan without an upload id is
// left alone.
func (e *Engine) Abandon(ctx context.Context, req Request) {
	if req.Plan == nil || req.Plan.UploadID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	client, err := e.provider.Client(ctx, req.Credential, req.Target.Region)
	if err != nil {
		e.log(slog.LevelWarn, "abandon multipart upload failed", "key", req.Target.ObjectKey, "error", err)
		return
	}
	e.abort(ctx, client, req)
}

// abort discards the multipart upload. Errors are logged and ignored.
func (e *Engine) abort(ctx context.Context, client storage.API, req Request) {
	id := req.Plan.UploadID
	if id == "" {
		return
	}
	req.Plan.UploadID = ""

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.abortTimeout)
	defer cancel()

	_, err := client.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(req.Target.Bucket),
		Key:      aws.String(req.Target.ObjectKey),
		UploadId: aws.String(id),
	})
	if err != nil {
		e.log(slog.LevelWarn, "abort multipart upload failed", "key", req.Target.ObjectKey, "upload_id", id, "error", err)
	}
}

// notify logs and counts a retry. part is 0 for non-part requests.
func (e *Engine) notify(req Request, part int32) retry.Notify {
	return func(err error, attempt int, delay time.Duration) {
		e.metrics.PartRetried()
		e.log(slog.LevelWarn, "retrying storage request",
			"key", req.Target.ObjectKey,
			"part", part,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}
}

func (e *Engine) fail(op string, kind uerrors.Kind, err error, req Request) *uerrors.Error {
	return uerrors.NewError(op, kind, err).WithKey(req.Target.ObjectKey)
}

func (e *Engine) log(level slog.Level, msg string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Log(context.Background(), level, msg, args...)
}

func contentType(ct string) *string {
	if ct == "" {
		return nil
	}
	return aws.String(ct)
}
