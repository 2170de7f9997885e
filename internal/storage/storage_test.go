package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"syscall"
	"testing"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

func responseError(status int, cause error) error {
	if cause == nil {
		cause = errors.New("response error")
	}
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      cause,
		},
		RequestID: "req-1",
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"cancelled", fmt.Errorf("op: %w", context.Canceled), ClassCancelled},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"signature mismatch", &smithy.GenericAPIError{Code: "SignatureDoesNotMatch"}, ClassCredentialRejected},
		{"expired token", &smithy.GenericAPIError{Code: "ExpiredToken"}, ClassCredentialRejected},
		{"invalid access key in 403", responseError(403, &smithy.GenericAPIError{Code: "InvalidAccessKeyId"}), ClassCredentialRejected},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, ClassTransient},
		{"503", responseError(503, nil), ClassTransient},
		{"429", responseError(429, nil), ClassTransient},
		{"access denied 403", responseError(403, &smithy.GenericAPIError{Code: "AccessDenied"}), ClassPermanent},
		{"no such bucket", responseError(404, &smithy.GenericAPIError{Code: "NoSuchBucket"}), ClassPermanent},
		{"unexpected eof", fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), ClassTransient},
		{"connection reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, ClassTransient},
		{"dns timeout", &net.DNSError{Err: "timeout", IsTimeout: true}, ClassTransient},
		{"plain error", errors.New("boom"), ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
			assert.Equal(t, tt.want == ClassTransient, Retryable(tt.err))
		})
	}
}

func TestObjectURL(t *testing.T) {
	tests := []struct {
		name    string
		bucket  string
		region  string
		domain  string
		key     string
		want    string
		wantErr bool
	}{
		{
			name:   "virtual hosted",
			bucket: "media-1250000000", region: "ap-beijing", key: "media/a.mp4",
			want: "https://media-1250000000.cos.ap-beijing.myqcloud.com/media/a.mp4",
		},
		{
			name:   "escapes segments",
			bucket: "media-1250000000", region: "ap-beijing", key: "media/my clip#1.mp4",
			want: "https://media-1250000000.cos.ap-beijing.myqcloud.com/media/my%20clip%231.mp4",
		},
		{
			name:   "custom domain",
			domain: "cdn.example.com/", key: "media/a.png",
			want: "https://cdn.example.com/media/a.png",
		},
		{
			name:   "custom domain with scheme",
			domain: "http://localhost:4566/bucket", key: "a.png",
			want: "http://localhost:4566/bucket/a.png",
		},
		{name: "bad bucket", bucket: "Bad_Bucket", region: "ap-beijing", key: "a", wantErr: true},
		{name: "bad region", bucket: "media-1", region: "ap beijing", key: "a", wantErr: true},
		{name: "empty key", bucket: "media-1", region: "ap-beijing", key: "", wantErr: true},
		{name: "absolute key", bucket: "media-1", region: "ap-beijing", key: "/a", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ObjectURL(tt.bucket, tt.region, tt.domain, tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewTarget(t *testing.T) {
	cfg := &uploadtypes.StorageConfig{Bucket: "media-1250000000", Region: "ap-guangzhou"}

	target, err := NewTarget(cfg, "media/x.jpg")
	require.NoError(t, err)
	assert.Equal(t, "media-1250000000", target.Bucket)
	assert.Equal(t, "ap-guangzhou", target.Region)
	assert.Equal(t, "media/x.jpg", target.ObjectKey)
	assert.Equal(t, "https://media-1250000000.cos.ap-guangzhou.myqcloud.com/media/x.jpg", target.URLTemplate)

	_, err = NewTarget(&uploadtypes.StorageConfig{Region: "ap-guangzhou"}, "k")
	assert.Error(t, err)
	_, err = NewTarget(nil, "k")
	assert.Error(t, err)
}

var keyPattern = regexp.MustCompile(`^media/20260102_030405_[0-9a-f]{8}_(.+)\.([A-Za-z0-9]+)$`)

func TestNewObjectKey(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name     string
		prefix   string
		filename string
		stem     string
		ext      string
	}{
		{"plain", "media/", "holiday.mp4", "holiday", "mp4"},
		{"prefix without slash", "media", "a.png", "a", "png"},
		{"special characters dropped", "media/", "my clip (1)!.mov", "myclip1", "mov"},
		{"non-ascii kept", "media/", "假期 视频.mp4", "假期视频", "mp4"},
		{"no extension", "media/", "README", "README", "bin"},
		{"nothing left", "media/", "???.jpg", "file", "jpg"},
		{"directory stripped", "media/", "/tmp/dir/song.flac", "song", "flac"},
		{"windows path", "media/", `C:\clips\cat.gif`, "cat", "gif"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := NewObjectKey(tt.prefix, tt.filename, now)
			m := keyPattern.FindStringSubmatch(key)
			require.NotNil(t, m, key)
			assert.Equal(t, tt.stem, m[1])
			assert.Equal(t, tt.ext, m[2])
		})
	}
}

func TestNewObjectKey_StemTruncated(t *testing.T) {
	key := NewObjectKey("media/", strings.Repeat("a", 80)+".jpg", time.Now())
	assert.Contains(t, key, "_"+strings.Repeat("a", 50)+".jpg")
	assert.NotContains(t, key, strings.Repeat("a", 51))
}

func TestNewObjectKey_Unique(t *testing.T) {
	now := time.Now()
	assert.NotEqual(t, NewObjectKey("media/", "a.jpg", now), NewObjectKey("media/", "a.jpg", now))
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "https://cos.ap-beijing.myqcloud.com", Endpoint("ap-beijing", ""))
	assert.Equal(t, "http://localhost:4566", Endpoint("ap-beijing", "http://localhost:4566"))
}

func TestFactory_MemoizesPerCredential(t *testing.T) {
	f := NewFactory(ClientOptions{Endpoint: "http://127.0.0.1:1", ForcePathStyle: true})
	ctx := context.Background()
	cred := &uploadtypes.Credential{AccessKeyID: "AK", SecretKey: "SK", SessionToken: "T1"}

	c1, err := f.Client(ctx, cred, "ap-beijing")
	require.NoError(t, err)
	c2, err := f.Client(ctx, cred, "ap-beijing")
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	refreshed := &uploadtypes.Credential{AccessKeyID: "AK", SecretKey: "SK", SessionToken: "T2"}
	c3, err := f.Client(ctx, refreshed, "ap-beijing")
	require.NoError(t, err)
	assert.NotSame(t, c1, c3)

	_, err = f.Client(ctx, nil, "ap-beijing")
	assert.Error(t, err)
	_, err = f.Client(ctx, cred, "")
	assert.Error(t, err)
}
