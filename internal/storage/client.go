package storage

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

// Provider returns a storage client that signs with cred.
type Provider interface {
	Client(ctx context.Context, cred *uploadtypes.Credential, region string) (API, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, cred *uploadtypes.Credential, region string) (API, error)

// Client calls f.
func (f ProviderFunc) Client(ctx context.Context, cred *uploadtypes.Credential, region string) (API, error) {
	return f(ctx, cred, region)
}

// ClientOptions configures clients built by a Factory.
type ClientOptions struct {
	// Endpoint overrides the endpoint derived from the region
	Endpoint string

	// ForcePathStyle addresses buckets as path segments (LocalStack, MinIO)
	ForcePathStyle bool

	// HTTPClient is used for storage requests when set
	HTTPClient *http.Client
}

// maxCachedClients bounds the per-credential client cache.
const maxCachedClients = 16

// Factory builds S3 clients bound to temporary credentials. Clients are
// memoized per credential so that parts of the same attempt share one
// connection pool.
type Factory struct {
	opts ClientOptions

	mu      sync.Mutex
	clients map[string]*s3.Client
}

// NewFactory creates a client factory.
func NewFactory(opts ClientOptions) *Factory {
	return &Factory{opts: opts, clients: make(map[string]*s3.Client)}
}

var _ Provider = (*Factory)(nil)

// Client returns a client signing with cred against region.
func (f *Factory) Client(ctx context.Context, cred *uploadtypes.Credential, region string) (API, error) {
	if cred == nil {
		return nil, fmt.Errorf("storage client: nil credential")
	}
	if region == "" {
		return nil, fmt.Errorf("storage client: empty region")
	}

	key := region + "|" + cred.AccessKeyID + "|" + cred.SessionToken

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[key]; ok {
		return c, nil
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cred.AccessKeyID, cred.SecretKey, cred.SessionToken),
		),
		// Retries are owned by the transfer engine.
		config.WithRetryMaxAttempts(1),
	}
	if f.opts.HTTPClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(f.opts.HTTPClient))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading storage config: %w", err)
	}

	endpoint := Endpoint(region, f.opts.Endpoint)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = f.opts.ForcePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	if len(f.clients) >= maxCachedClients {
		clear(f.clients)
	}
	f.clients[key] = client
	return client, nil
}

// Endpoint returns override when set, otherwise the COS endpoint for region.
func Endpoint(region, override string) string {
	if override != "" {
		return override
	}
	return fmt.Sprintf("https://cos.%s.myqcloud.com", region)
}
