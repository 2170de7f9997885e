package storage

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

var (
	bucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
	regionPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

// maxStemRunes is the longest file stem kept in an object key.
const maxStemRunes = 50

// ObjectURL returns the public URL of key. When domain is set it is used as
// the host; otherwise the virtual-hosted COS host for bucket and region is used.
func ObjectURL(bucket, region, domain, key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid object key %q", key)
	}

	escaped := escapeKey(key)

	if domain != "" {
		base := strings.TrimRight(domain, "/")
		if !strings.Contains(base, "://") {
			base = "https://" + base
		}
		u, err := url.Parse(base)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("invalid storage domain %q", domain)
		}
		return base + "/" + escaped, nil
	}

	if !bucketPattern.MatchString(bucket) {
		return "", fmt.Errorf("invalid bucket name %q", bucket)
	}
	if !regionPattern.MatchString(region) {
		return "", fmt.Errorf("invalid region %q", region)
	}
	return fmt.Sprintf("https://%s.cos.%s.myqcloud.com/%s", bucket, region, escaped), nil
}

func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// NewTarget derives the upload target for key under cfg.
func NewTarget(cfg *uploadtypes.StorageConfig, key string) (uploadtypes.UploadTarget, error) {
	if cfg == nil {
		return uploadtypes.UploadTarget{}, fmt.Errorf("nil storage config")
	}
	if cfg.Bucket == "" {
		return uploadtypes.UploadTarget{}, fmt.Errorf("storage config has no bucket")
	}
	u, err := ObjectURL(cfg.Bucket, cfg.Region, cfg.Domain, key)
	if err != nil {
		return uploadtypes.UploadTarget{}, err
	}
	return uploadtypes.UploadTarget{
		Bucket:      cfg.Bucket,
		Region:      cfg.Region,
		ObjectKey:   key,
		URLTemplate: u,
	}, nil
}

// NewObjectKey builds a collision-resistant key for filename:
// {prefix}{YYYYMMDD_HHMMSS}_{uuid8}_{stem}.{ext}.
func NewObjectKey(prefix, filename string, now time.Time) string {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	ext = strings.TrimPrefix(ext, ".")
	ext = strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return -1
	}, ext)
	if ext == "" {
		ext = "bin"
	}

	return fmt.Sprintf("%s%s_%s_%s.%s",
		prefix,
		now.UTC().Format("20060102_150405"),
		uuid.NewString()[:8],
		sanitizeStem(stem),
		ext,
	)
}

// sanitizeStem keeps letters, digits, '_', '-' and non-ASCII runes.
func sanitizeStem(stem string) string {
	var b strings.Builder
	n := 0
	for _, r := range stem {
		if n == maxStemRunes {
			break
		}
		keep := r == '_' || r == '-' || r > unicode.MaxASCII ||
			unicode.IsLetter(r) || unicode.IsDigit(r)
		if !keep || r == unicode.ReplacementChar {
			continue
		}
		b.WriteRune(r)
		n++
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}
