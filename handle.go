package mediaupload

import (
	"context"

	uerrors "github.com/input-output-hk/catalyst-forge-libs/mediaupload/errors"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/session"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

// Handle follows one submitted upload.
type Handle struct {
	session  *session.Session
	uploader *Uploader
}

// ID returns the session id.
func (h *Handle) ID() string { return h.session.ID() }

// FileName returns the submitted file name.
func (h *Handle) FileName() string { return h.session.FileName() }

// Phase returns the current lifecycle phase.
func (h *Handle) Phase() uploadtypes.Phase { return h.session.Phase() }

// Progress returns the progress stream. Byte counts never decrease, the last
// event carries the terminal phase, and the channel is closed afterwards.
// Slow readers lose the oldest events, never the latest.
func (h *Handle) Progress() <-chan uploadtypes.ProgressEvent { return h.session.Events() }

// Done is closed when the upload has terminated.
func (h *Handle) Done() <-chan struct{} { return h.session.Done() }

// Cancel stops the upload. It is idempotent and has no effect once the upload
// has terminated.
func (h *Handle) Cancel() {
	if !h.uploader.scheduler.Cancel(h.ID()) {
		h.session.Cancel()
	}
}

// Wait blocks until the upload terminates and returns its result. The error
// is the result's Err, or a Cancelled error when ctx ends first; ctx ending
// does not cancel the upload.
func (h *Handle) Wait(ctx context.Context) (*uploadtypes.Result, error) {
	select {
	case <-h.session.Done():
		res := h.session.Result()
		return res, res.Err
	case <-ctx.Done():
		return nil, uerrors.NewError("wait", uerrors.KindCancelled, ctx.Err()).WithFile(h.FileName())
	}
}
