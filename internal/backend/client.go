// Package backend is the client for the media backend: storage configuration,
// temporary credentials, upload pre-flight validation and the media catalog.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	uerrors "github.com/input-output-hk/catalyst-forge-libs/mediaupload/errors"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

// Defaults applied to fields the backend leaves out of /cos/config.
const (
	DefaultRegion       = "ap-beijing"
	DefaultUploadPrefix = "media/"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// Client talks to the backend API rooted at a base URL such as https://host/api.
//
// Thread Safety: Client is safe for concurrent use.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	cookie     *http.Cookie
	logger     *slog.Logger
	duration   time.Duration
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithSessionCookie attaches the login session cookie to every request.
func WithSessionCookie(c *http.Cookie) Option {
	return func(cl *Client) {
		cl.cookie = c
	}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// WithCredentialDuration requests credentials valid for d (the backend caps it).
func WithCredentialDuration(d time.Duration) Option {
	return func(cl *Client) {
		cl.duration = d
	}
}

// WithClock sets the time source used to stamp credentials.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) {
		if now != nil {
			cl.now = now
		}
	}
}

// New creates a backend client.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		base:       u,
		httpClient: &http.Client{Timeout: uploadtypes.DefaultRequestTimeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type configResponse map[string]string

// GetStorageConfig fetches the storage configuration from GET /cos/config.
func (c *Client) GetStorageConfig(ctx context.Context) (*uploadtypes.StorageConfig, error) {
	var raw configResponse
	if err := c.do(ctx, "getStorageConfig", http.MethodGet, "/cos/config", nil, nil, &raw); err != nil {
		return nil, err
	}

	cfg := &uploadtypes.StorageConfig{
		Bucket:       raw["bucket"],
		Region:       raw["region"],
		Domain:       raw["domain"],
		UploadPrefix: raw["upload_prefix"],
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.UploadPrefix == "" {
		cfg.UploadPrefix = DefaultUploadPrefix
	}
	for _, t := range strings.Split(raw["allowed_types"], ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.AllowedTypes = append(cfg.AllowedTypes, t)
		}
	}
	if s := strings.TrimSpace(raw["max_file_size"]); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			return nil, uerrors.NewError("getStorageConfig", uerrors.KindInternal,
				fmt.Errorf("invalid max_file_size %q", s))
		}
		cfg.MaxFileSize = n
	}
	if cfg.Bucket == "" {
		return nil, uerrors.NewError("getStorageConfig", uerrors.KindInternal, errors.New("backend returned no bucket"))
	}
	return cfg, nil
}

type stsResponse struct {
	Credentials *struct {
		SessionToken string `json:"session_token"`
		TmpSecretID  string `json:"tmp_secret_id"`
		TmpSecretKey string `json:"tmp_secret_key"`
	} `json:"credentials"`
	Expiration string `json:"expiration"`
	RequestID  string `json:"request_id"`
	Policy     string `json:"policy"`

	// The backend reports STS failures in-band
	Error   string `json:"error"`
	Message string `json:"message"`
}

// FetchCredential fetches a temporary credential from GET /cos/sts.
func (c *Client) FetchCredential(ctx context.Context) (*uploadtypes.Credential, error) {
	query := url.Values{}
	if c.duration > 0 {
		query.Set("duration_seconds", strconv.Itoa(int(c.duration/time.Second)))
	}

	var resp stsResponse
	if err := c.do(ctx, "fetchCredential", http.MethodGet, "/cos/sts", query, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, uerrors.NewError("fetchCredential", uerrors.KindNetwork,
			fmt.Errorf("%s: %s", resp.Error, resp.Message))
	}
	if resp.Credentials == nil || resp.Credentials.TmpSecretID == "" || resp.Credentials.TmpSecretKey == "" {
		return nil, uerrors.NewError("fetchCredential", uerrors.KindInternal, errors.New("response carries no credentials"))
	}

	expires, err := time.Parse(time.RFC3339, resp.Expiration)
	if err != nil {
		return nil, uerrors.NewError("fetchCredential", uerrors.KindInternal,
			fmt.Errorf("invalid expiration %q: %w", resp.Expiration, err))
	}

	return &uploadtypes.Credential{
		AccessKeyID:  resp.Credentials.TmpSecretID,
		SecretKey:    resp.Credentials.TmpSecretKey,
		SessionToken: resp.Credentials.SessionToken,
		IssuedAt:     c.now(),
		ExpiresAt:    expires,
		SignedPolicy: resp.Policy,
		RequestID:    resp.RequestID,
	}, nil
}

// ValidationRequest is the body of POST /cos/validate.
type ValidationRequest struct {
	Filename    string `json:"filename"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
}

// ValidationResponse is the answer of POST /cos/validate.
type ValidationResponse struct {
	Valid        bool   `json:"valid"`
	Message      string `json:"message"`
	SuggestedKey string `json:"suggested_key,omitempty"`
}

// ValidateUpload asks the backend whether a file may be uploaded. A refusal
// is returned as a ValidationError carrying the backend's message.
func (c *Client) ValidateUpload(ctx context.Context, req ValidationRequest) (*ValidationResponse, error) {
	var resp ValidationResponse
	if err := c.do(ctx, "validateUpload", http.MethodPost, "/cos/validate", nil, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Valid {
		return &resp, uerrors.NewError("validateUpload", uerrors.KindValidation, errors.New(resp.Message)).
			WithFile(req.Filename)
	}
	return &resp, nil
}

// CreateMedia registers a new catalog record with POST /media.
func (c *Client) CreateMedia(ctx context.Context, payload uploadtypes.MediaPayload) (*uploadtypes.MediaRecord, error) {
	var rec uploadtypes.MediaRecord
	if err := c.do(ctx, "createMedia", http.MethodPost, "/media", nil, payload, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateMedia replaces the file of record id with PUT /media/{id}.
func (c *Client) UpdateMedia(ctx context.Context, id int64, payload uploadtypes.MediaPayload) (*uploadtypes.MediaRecord, error) {
	if id <= 0 {
		return nil, uerrors.NewError("updateMedia", uerrors.KindInvalidInput, fmt.Errorf("invalid media id %d", id))
	}
	var rec uploadtypes.MediaRecord
	path := "/media/" + strconv.FormatInt(id, 10)
	if err := c.do(ctx, "updateMedia", http.MethodPut, path, nil, payload, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// do performs one JSON request and maps failures to error kinds.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return uerrors.NewError(op, uerrors.KindInternal, fmt.Errorf("encoding request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return uerrors.NewError(op, uerrors.KindInternal, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}

	started := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return uerrors.NewError(op, uerrors.KindCancelled, ctx.Err())
		}
		return uerrors.NewError(op, uerrors.KindNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if c.logger != nil {
		c.logger.Debug("backend request",
			"op", op,
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"duration", c.now().Sub(started),
		)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return uerrors.NewError(op, kindForStatus(resp.StatusCode, body != nil), &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		})
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return uerrors.NewError(op, uerrors.KindInternal, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// StatusError is a non-2xx backend response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("backend returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// kindForStatus maps a non-2xx status. Client errors are validation failures
// only for requests carrying a payload; for the other endpoints they mean the
// backend URL or deployment is wrong.
func kindForStatus(status int, payload bool) uerrors.Kind {
	switch {
	case status == http.StatusUnauthorized:
		return uerrors.KindAuthExpired
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return uerrors.KindNetwork
	case payload && (status == http.StatusBadRequest ||
		status == http.StatusForbidden ||
		status == http.StatusNotFound ||
		status == http.StatusConflict ||
		status == http.StatusRequestEntityTooLarge ||
		status == http.StatusUnsupportedMediaType ||
		status == http.StatusUnprocessableEntity):
		return uerrors.KindValidation
	case status >= http.StatusBadRequest:
		return uerrors.KindInternal
	default:
		return uerrors.KindNetwork
	}
}
