package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uerrors "github.com/input-output-hk/catalyst-forge-libs/mediaupload/errors"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/api", opts...)
	require.NoError(t, err)
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)
	_, err = New("://bad")
	assert.Error(t, err)
}

func TestGetStorageConfig(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/cos/config", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		writeJSON(t, w, map[string]string{
			"bucket":        "media-1250000000",
			"region":        "ap-guangzhou",
			"domain":        "cdn.example.com",
			"upload_prefix": "media/",
			"allowed_types": "image/*, video/*,audio/*",
			"max_file_size": "104857600",
		})
	})

	cfg, err := c.GetStorageConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &uploadtypes.StorageConfig{
		Bucket:       "media-1250000000",
		Region:       "ap-guangzhou",
		Domain:       "cdn.example.com",
		UploadPrefix: "media/",
		AllowedTypes: []string{"image/*", "video/*", "audio/*"},
		MaxFileSize:  100 * uploadtypes.MiB,
	}, cfg)
}

func TestGetStorageConfig_Defaults(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]string{"bucket": "media-1"})
	})

	cfg, err := c.GetStorageConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultRegion, cfg.Region)
	assert.Equal(t, DefaultUploadPrefix, cfg.UploadPrefix)
	assert.Empty(t, cfg.AllowedTypes)
	assert.Zero(t, cfg.MaxFileSize)
}

func TestGetStorageConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body map[string]string
	}{
		{"no bucket", map[string]string{"region": "ap-beijing"}},
		{"bad size", map[string]string{"bucket": "media-1", "max_file_size": "lots"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(t, w, tt.body)
			})
			_, err := c.GetStorageConfig(context.Background())
			assert.Equal(t, uerrors.KindInternal, uerrors.KindOf(err))
		})
	}
}

func TestGetStorageConfig_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   uerrors.Kind
	}{
		{http.StatusUnauthorized, uerrors.KindAuthExpired},
		{http.StatusBadRequest, uerrors.KindInternal},
		{http.StatusForbidden, uerrors.KindInternal},
		{http.StatusNotFound, uerrors.KindInternal},
		{http.StatusServiceUnavailable, uerrors.KindNetwork},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "no such route", tt.status)
			})
			_, err := c.GetStorageConfig(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.want, uerrors.KindOf(err))
			assert.False(t, uerrors.IsValidation(err))
		})
	}
}

func TestFetchCredential(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cookie := &http.Cookie{Name: "session", Value: "abc"}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/cos/sts", r.URL.Path)
		assert.Equal(t, "1800", r.URL.Query().Get("duration_seconds"))
		got, err := r.Cookie("session")
		require.NoError(t, err)
		assert.Equal(t, "abc", got.Value)

		writeJSON(t, w, map[string]any{
			"credentials": map[string]string{
				"session_token":  "TOKEN",
				"tmp_secret_id":  "AKIDTEST",
				"tmp_secret_key": "SECRET",
			},
			"expiration": "2026-03-01T13:00:00Z",
			"request_id": "req-42",
		})
	}, WithSessionCookie(cookie), WithCredentialDuration(30*time.Minute), WithClock(func() time.Time { return now }))

	cred, err := c.FetchCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIDTEST", cred.AccessKeyID)
	assert.Equal(t, "SECRET", cred.SecretKey)
	assert.Equal(t, "TOKEN", cred.SessionToken)
	assert.Equal(t, "req-42", cred.RequestID)
	assert.Equal(t, now, cred.IssuedAt)
	assert.True(t, cred.ExpiresAt.Equal(now.Add(time.Hour)))
	assert.NotContains(t, cred.String(), "SECRET")
}

func TestFetchCredential_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		want   uerrors.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, map[string]string{"error": "login required"}, uerrors.KindAuthExpired},
		{"server error", http.StatusBadGateway, nil, uerrors.KindNetwork},
		{"endpoint missing", http.StatusNotFound, nil, uerrors.KindInternal},
		{"forbidden", http.StatusForbidden, map[string]string{"error": "denied"}, uerrors.KindInternal},
		{"rate limited", http.StatusTooManyRequests, nil, uerrors.KindNetwork},
		{"in-band sts error", http.StatusOK, map[string]string{"error": "StsError", "message": "quota"}, uerrors.KindNetwork},
		{"missing credentials", http.StatusOK, map[string]string{"expiration": "2026-03-01T13:00:00Z"}, uerrors.KindInternal},
		{
			"bad expiration", http.StatusOK,
			map[string]any{
				"credentials": map[string]string{"tmp_secret_id": "a", "tmp_secret_key": "b"},
				"expiration":  "tomorrow",
			},
			uerrors.KindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				if tt.body != nil {
					_ = json.NewEncoder(w).Encode(tt.body)
				}
			})
			_, err := c.FetchCredential(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.want, uerrors.KindOf(err))
		})
	}
}

func TestFetchCredential_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	_, err = c.FetchCredential(context.Background())
	assert.Equal(t, uerrors.KindNetwork, uerrors.KindOf(err))
}

func TestFetchCredential_Cancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchCredential(ctx)
	assert.True(t, uerrors.IsCancelled(err))
}

func TestValidateUpload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/cos/validate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req ValidationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.FileSize > 100 {
			writeJSON(t, w, ValidationResponse{Valid: false, Message: "file too large"})
			return
		}
		writeJSON(t, w, ValidationResponse{Valid: true, Message: "ok", SuggestedKey: "media/x_" + req.Filename})
	})

	resp, err := c.ValidateUpload(context.Background(), ValidationRequest{Filename: "a.png", FileSize: 10, ContentType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, "media/x_a.png", resp.SuggestedKey)

	resp, err = c.ValidateUpload(context.Background(), ValidationRequest{Filename: "b.png", FileSize: 1000, ContentType: "image/png"})
	require.Error(t, err)
	assert.True(t, uerrors.IsValidation(err))
	assert.Contains(t, err.Error(), "file too large")
	assert.False(t, resp.Valid)
}

func TestCreateAndUpdateMedia(t *testing.T) {
	payload := uploadtypes.MediaPayload{
		Title:       "clip",
		MediaType:   uploadtypes.MediaTypeVideo,
		ObjectKey:   "media/clip.mp4",
		FilePath:    "https://media-1.cos.ap-beijing.myqcloud.com/media/clip.mp4",
		FileSize:    1234,
		ContentType: "video/mp4",
		StorageURL:  "https://media-1.cos.ap-beijing.myqcloud.com/media/clip.mp4",
	}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var got uploadtypes.MediaPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, payload, got)

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/media":
			writeJSON(t, w, uploadtypes.MediaRecord{ID: 7, Title: got.Title, MediaType: got.MediaType, FileSize: got.FileSize})
		case r.Method == http.MethodPut && r.URL.Path == "/api/media/7":
			writeJSON(t, w, uploadtypes.MediaRecord{ID: 7, Title: "updated", MediaType: got.MediaType})
		default:
			http.NotFound(w, r)
		}
	})

	rec, err := c.CreateMedia(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.ID)
	assert.Equal(t, uploadtypes.MediaTypeVideo, rec.MediaType)

	rec, err = c.UpdateMedia(context.Background(), 7, payload)
	require.NoError(t, err)
	assert.Equal(t, "updated", rec.Title)

	_, err = c.UpdateMedia(context.Background(), 0, payload)
	assert.Equal(t, uerrors.KindInvalidInput, uerrors.KindOf(err))
}

func TestMediaStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   uerrors.Kind
	}{
		{http.StatusUnauthorized, uerrors.KindAuthExpired},
		{http.StatusBadRequest, uerrors.KindValidation},
		{http.StatusForbidden, uerrors.KindValidation},
		{http.StatusNotFound, uerrors.KindValidation},
		{http.StatusConflict, uerrors.KindValidation},
		{http.StatusUnprocessableEntity, uerrors.KindValidation},
		{http.StatusInternalServerError, uerrors.KindNetwork},
		{http.StatusServiceUnavailable, uerrors.KindNetwork},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "rejected: title required", tt.status)
			})
			_, err := c.CreateMedia(context.Background(), uploadtypes.MediaPayload{})
			require.Error(t, err)
			assert.Equal(t, tt.want, uerrors.KindOf(err))

			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Contains(t, statusErr.Body, "title required")
		})
	}
}
