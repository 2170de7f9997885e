// Package uploadtypes provides shared type definitions for the media upload module.
package uploadtypes

import (
	"fmt"
	"strings"
	"time"
)

// Size units used by the defaults.
const (
	KiB int64 = 1024
	MiB       = 1024 * KiB
)

// Credential is a short-lived, scope-limited storage credential issued by the
// backend. A Credential is never mutated; a refresh produces a new value.
type Credential struct {
	// AccessKeyID is the temporary secret id
	AccessKeyID string

	// SecretKey is the temporary secret key
	SecretKey string

	// SessionToken is the STS session token that must accompany every request
	SessionToken string

	// IssuedAt is when the broker received the credential
	IssuedAt time.Time

	// ExpiresAt is when the storage service stops accepting the credential
	ExpiresAt time.Time

	// SignedPolicy is the opaque policy document returned by the backend, if any
	SignedPolicy string

	// RequestID identifies the issuing request for support purposes
	RequestID string
}

// String hides the secret parts of the credential.
func (c *Credential) String() string {
	if c == nil {
		return "<nil credential>"
	}
	return fmt.Sprintf("credential{id=%s..., expires=%s}", prefix(c.AccessKeyID, 6), c.ExpiresAt.Format(time.RFC3339))
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// StorageConfig is the storage target configuration served by the backend.
type StorageConfig struct {
	Bucket       string
	Region       string
	Domain       string // optional custom domain used for object URLs
	UploadPrefix string
	AllowedTypes []string // MIME patterns such as "image/*"
	MaxFileSize  int64    // 0 = unlimited
}

// Allows reports whether contentType matches one of the allowed patterns.
// An empty pattern list allows everything.
func (c *StorageConfig) Allows(contentType string) bool {
	if len(c.AllowedTypes) == 0 {
		return true
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, pattern := range c.AllowedTypes {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		switch {
		case pattern == "*/*" || pattern == "*":
			return true
		case strings.HasSuffix(pattern, "/*"):
			if strings.HasPrefix(ct, strings.TrimSuffix(pattern, "*")) {
				return true
			}
		case pattern == ct:
			return true
		}
	}
	return false
}

// UploadTarget identifies where one file is stored. It is derived once per
// session and never changes afterwards.
type UploadTarget struct {
	Bucket    string
	Region    string
	ObjectKey string

	// URLTemplate is the validated public URL of the object
	URLTemplate string
}

// ByteRange is the half-open interval [Start, End) of a file.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start
}

// PartState is the per-attempt state of one part of a transfer plan.
type PartState int

// Part states
const (
	PartPending PartState = iota
	PartInFlight
	PartDone
	PartFailed
)

func (s PartState) String() string {
	switch s {
	case PartPending:
		return "pending"
	case PartInFlight:
		return "in-flight"
	case PartDone:
		return "done"
	case PartFailed:
		return "failed"
	default:
		return fmt.Sprintf("PartState(%d)", int(s))
	}
}

// Part is one ordered byte range of a transfer plan.
type Part struct {
	// Index is the 0-based position of the part; the storage part number is Index+1
	Index int

	// Range is the byte range the part covers
	Range ByteRange

	// State is the part's current state
	State PartState

	// ETag is the storage entity tag once the part is Done
	ETag string

	// Attempts counts upload attempts across credential refreshes
	Attempts int
}

// Number returns the 1-based storage part number.
func (p *Part) Number() int32 {
	return int32(p.Index + 1)
}

// TransferPlan describes how a file is split for transfer.
// Ranges of Parts are contiguous, non-overlapping and cover [0, TotalBytes).
type TransferPlan struct {
	TotalBytes int64
	Parts      []Part

	// UploadID is the multipart upload id, set once by the engine on first use
	UploadID string
}

// Chunked reports whether the plan uses a multipart upload.
func (p *TransferPlan) Chunked() bool {
	return len(p.Parts) > 1
}

// Outstanding returns the indexes of parts that are not Done.
func (p *TransferPlan) Outstanding() []int {
	var out []int
	for i := range p.Parts {
		if p.Parts[i].State != PartDone {
			out = append(out, i)
		}
	}
	return out
}

// CompletedBytes returns the number of bytes covered by Done parts.
func (p *TransferPlan) CompletedBytes() int64 {
	var n int64
	for i := range p.Parts {
		if p.Parts[i].State == PartDone {
			n += p.Parts[i].Range.Len()
		}
	}
	return n
}

// Phase is the lifecycle phase of an upload session.
type Phase int

// Session phases
const (
	PhaseIdle Phase = iota
	PhaseAcquiringCredential
	PhasePlanning
	PhaseTransferring
	PhaseFinalizing
	PhaseCompleted
	PhaseFailed
	PhaseCancelled
)

var phaseNames = [...]string{
	PhaseIdle:                "Idle",
	PhaseAcquiringCredential: "AcquiringCredential",
	PhasePlanning:            "Planning",
	PhaseTransferring:        "Transferring",
	PhaseFinalizing:          "Finalizing",
	PhaseCompleted:           "Completed",
	PhaseFailed:              "Failed",
	PhaseCancelled:           "Cancelled",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// ProgressEvent is a read-only progress snapshot for one session.
type ProgressEvent struct {
	SessionID      string
	FileName       string
	Phase          Phase
	BytesCompleted int64
	BytesTotal     int64

	// Rate is the smoothed transfer rate in bytes per second
	Rate float64

	Time time.Time
}

// Percent returns the completed share in the range [0, 100].
func (e ProgressEvent) Percent() float64 {
	if e.BytesTotal <= 0 {
		if e.Phase == PhaseCompleted {
			return 100
		}
		return 0
	}
	return float64(e.BytesCompleted) / float64(e.BytesTotal) * 100
}

// MediaType is the logical type of a catalog record.
type MediaType string

// Media types known to the catalog
const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
	MediaTypeAudio MediaType = "audio"
)

// MediaTypeFor derives the logical media type from a MIME content type.
// It returns "" when the content type is not image, video or audio.
func MediaTypeFor(contentType string) MediaType {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return MediaTypeImage
	case strings.HasPrefix(ct, "video/"):
		return MediaTypeVideo
	case strings.HasPrefix(ct, "audio/"):
		return MediaTypeAudio
	default:
		return ""
	}
}

// MediaRecord is the backend's catalog entry. The backend owns it; the value
// returned by the create/update call is authoritative.
type MediaRecord struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	MediaType   MediaType `json:"media_type"`
	FilePath    string    `json:"file_path,omitempty"`
	FileSize    int64     `json:"file_size,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	ObjectKey   string    `json:"object_key,omitempty"`
	StorageURL  string    `json:"storage_url,omitempty"`
	Duration    float64   `json:"duration,omitempty"`
	CreatedAt   string    `json:"created_at,omitempty"`
	UpdatedAt   string    `json:"updated_at,omitempty"`
}

// MediaPayload is the body of the catalog create/update call.
type MediaPayload struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	MediaType   MediaType `json:"media_type"`
	ObjectKey   string    `json:"object_key"`
	FilePath    string    `json:"file_path"`
	FileSize    int64     `json:"file_size"`
	ContentType string    `json:"content_type"`
	StorageURL  string    `json:"storage_url"`
}

// MetadataHints carries caller-supplied catalog metadata for one file.
type MetadataHints struct {
	Title       string
	Description string

	// MediaType overrides the type inferred from the content type
	MediaType MediaType

	// MediaID selects an update of an existing record when > 0
	MediaID int64

	// ContentType overrides content detection
	ContentType string
}

// TransferResult describes a completed byte transfer.
type TransferResult struct {
	// Location is the object URL
	Location string

	// Key is the object key that was written
	Key string

	// ETag is the storage entity tag of the final object
	ETag string

	// Bytes is the number of bytes transferred; equals the plan's TotalBytes
	Bytes int64

	// Duration is how long the transfer took
	Duration time.Duration
}

// Result is the terminal outcome of one upload session.
type Result struct {
	SessionID string
	FileName  string
	Phase     Phase

	// Record is the catalog record on success
	Record *MediaRecord

	// Transfer is set once the bytes reached storage, even if finalization failed
	Transfer *TransferResult

	// Err is the terminal error; nil on success
	Err error
}

// Succeeded reports whether the session completed.
func (r *Result) Succeeded() bool {
	return r != nil && r.Phase == PhaseCompleted && r.Err == nil
}
