package testutil

import (
	"math/rand"
	"sync"
	"time"

	"github.com/aws/smithy-go"

	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

// GenerateData generates deterministic pseudo-random bytes of the given size.
func GenerateData(size int) []byte {
	r := rand.New(rand.NewSource(int64(size)))
	data := make([]byte, size)
	_, _ = r.Read(data)
	return data
}

// APIError returns a storage API error with the given code.
func APIError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

// ProgressRecorder records progress callbacks for assertions.
type ProgressRecorder struct {
	mu     sync.Mutex
	values []int64
	total  int64
}

// Record is a progress.Func.
func (r *ProgressRecorder) Record(completed, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, completed)
	r.total = total
}

// Values returns the recorded byte counts in call order.
func (r *ProgressRecorder) Values() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.values...)
}

// Last returns the most recent byte count, or -1 if nothing was recorded.
func (r *ProgressRecorder) Last() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return -1
	}
	return r.values[len(r.values)-1]
}

// Monotonic reports whether the recorded values never decrease.
func (r *ProgressRecorder) Monotonic() bool {
	values := r.Values()
	for i := 1; i < len(values); i++ {
		if values[i] < values[i-1] {
			return false
		}
	}
	return true
}

// Credential returns a test credential valid for an hour.
func Credential(id string) *uploadtypes.Credential {
	now := time.Now()
	return &uploadtypes.Credential{
		AccessKeyID:  id,
		SecretKey:    "secret-" + id,
		SessionToken: "token-" + id,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
	}
}
