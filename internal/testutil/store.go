package testutil

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/storage"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

// PartHook is called before a part is stored. A non-nil error is returned to
// the caller instead of storing the part. attempt counts calls for the part
// number across the store's lifetime, starting at 1.
type PartHook func(ctx context.Context, partNumber int32, attempt int, cred string) error

// ObjectStore is an in-memory storage backend with multipart semantics.
// Its Client method returns a MockS3Client wired to the store.
type ObjectStore struct {
	// OnUploadPart, when set, is consulted before every UploadPart
	OnUploadPart PartHook

	// OnPutObject, when set, is consulted before every PutObject
	OnPutObject func(ctx context.Context, cred string) error

	// PartDelay is how long each UploadPart holds its slot; ctx ends it early
	PartDelay time.Duration

	// ReadAfterDelay defers reading the part body until PartDelay has elapsed
	// or ctx has ended, as a transport draining a cancelled request does
	ReadAfterDelay bool

	mu          sync.Mutex
	objects     map[string][]byte
	uploads     map[string]map[int32][]byte
	nextID      int
	partCalls   map[int32]int
	putCalls    int
	createCalls int
	complete    int
	aborts      int
	inFlight    int
	maxInFlight int
}

// NewObjectStore creates an empty store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{
		objects:   make(map[string][]byte),
		uploads:   make(map[string]map[int32][]byte),
		partCalls: make(map[int32]int),
	}
}

// Client returns a mock client bound to the store. cred labels the calls made
// through it, so tests can tell which credential signed a part.
func (s *ObjectStore) Client(cred string) *MockS3Client {
	return &MockS3Client{
		PutObjectFunc: func(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			s.mu.Lock()
			s.putCalls++
			hook := s.OnPutObject
			s.mu.Unlock()
			if hook != nil {
				if err := hook(ctx, cred); err != nil {
					return nil, err
				}
			}
			data, err := readBody(in.Body)
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			s.objects[aws.ToString(in.Key)] = data
			s.mu.Unlock()
			return &s3.PutObjectOutput{ETag: aws.String(etag(data))}, nil
		},
		CreateMultipartUploadFunc: func(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.createCalls++
			s.nextID++
			id := fmt.Sprintf("upload-%d", s.nextID)
			s.uploads[id] = make(map[int32][]byte)
			return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id), Key: in.Key, Bucket: in.Bucket}, nil
		},
		UploadPartFunc: func(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
			n := aws.ToInt32(in.PartNumber)

			s.mu.Lock()
			s.partCalls[n]++
			attempt := s.partCalls[n]
			s.inFlight++
			if s.inFlight > s.maxInFlight {
				s.maxInFlight = s.inFlight
			}
			hook, delay, late := s.OnUploadPart, s.PartDelay, s.ReadAfterDelay
			s.mu.Unlock()

			defer func() {
				s.mu.Lock()
				s.inFlight--
				s.mu.Unlock()
			}()

			var data []byte
			if !late {
				var err error
				if data, err = readBody(in.Body); err != nil {
					return nil, err
				}
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					if late {
						_, _ = readBody(in.Body)
					}
					return nil, ctx.Err()
				}
			}
			if late {
				var err error
				if data, err = readBody(in.Body); err != nil {
					return nil, err
				}
			}
			if hook != nil {
				if err := hook(ctx, n, attempt, cred); err != nil {
					return nil, err
				}
			}

			s.mu.Lock()
			defer s.mu.Unlock()
			parts, ok := s.uploads[aws.ToString(in.UploadId)]
			if !ok {
				return nil, fmt.Errorf("NoSuchUpload: %s", aws.ToString(in.UploadId))
			}
			parts[n] = data
			return &s3.UploadPartOutput{ETag: aws.String(etag(data))}, nil
		},
		CompleteMultipartUploadFunc: func(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.complete++
			id := aws.ToString(in.UploadId)
			stored, ok := s.uploads[id]
			if !ok {
				return nil, fmt.Errorf("NoSuchUpload: %s", id)
			}
			var buf bytes.Buffer
			for i, p := range in.MultipartUpload.Parts {
				n := aws.ToInt32(p.PartNumber)
				if n != int32(i+1) {
					return nil, fmt.Errorf("InvalidPartOrder: got part %d at position %d", n, i)
				}
				data, ok := stored[n]
				if !ok || etag(data) != aws.ToString(p.ETag) {
					return nil, fmt.Errorf("InvalidPart: %d", n)
				}
				buf.Write(data)
			}
			key := aws.ToString(in.Key)
			s.objects[key] = buf.Bytes()
			delete(s.uploads, id)
			return &s3.CompleteMultipartUploadOutput{
				Key:      in.Key,
				ETag:     aws.String(fmt.Sprintf("%s-%d", etag(buf.Bytes()), len(in.MultipartUpload.Parts))),
				Location: aws.String("https://storage.test/" + key),
			}, nil
		},
		AbortMultipartUploadFunc: func(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.aborts++
			delete(s.uploads, aws.ToString(in.UploadId))
			return &s3.AbortMultipartUploadOutput{}, nil
		},
	}
}

// Provider returns a storage provider that labels each client with the
// credential's access key id.
func (s *ObjectStore) Provider() storage.ProviderFunc {
	return func(_ context.Context, cred *uploadtypes.Credential, _ string) (storage.API, error) {
		return s.Client(cred.AccessKeyID), nil
	}
}

// Object returns the stored bytes of key.
func (s *ObjectStore) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

// PartCalls returns the number of UploadPart calls per part number.
func (s *ObjectStore) PartCalls() map[int32]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int32]int, len(s.partCalls))
	for k, v := range s.partCalls {
		out[k] = v
	}
	return out
}

// PartNumbersCalled returns the part numbers UploadPart was called with, sorted.
func (s *ObjectStore) PartNumbersCalled() []int32 {
	calls := s.PartCalls()
	out := make([]int32, 0, len(calls))
	for n := range calls {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Counts returns the number of put, create, complete and abort calls.
func (s *ObjectStore) Counts() (put, create, complete, abort int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putCalls, s.createCalls, s.complete, s.aborts
}

// MaxInFlight returns the highest number of concurrent UploadPart calls seen.
func (s *ObjectStore) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// PendingUploads returns the number of multipart uploads neither completed nor aborted.
func (s *ObjectStore) PendingUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

func readBody(r io.Reader) ([]byte, error) {
	if r == nil {
		return []byte{}, nil
	}
	return io.ReadAll(r)
}

func etag(data []byte) string {
	return fmt.Sprintf(`"%x"`, md5.Sum(data))
}
