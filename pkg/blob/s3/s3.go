// Package s3 provides a blob.Store backed by Amazon S3 or any S3-compatible
// endpoint (MinIO, R2).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/MrWong99/parley/pkg/blob"
	"github.com/MrWong99/parley/pkg/retry"
)

// putClient is the subset of *s3.Client used by Store.
type putClient interface {
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
}

// Store implements blob.Store.
type Store struct {
	bucket        string
	region        string
	endpoint      string
	publicBaseURL string
	presignTTL    time.Duration

	mu      sync.Mutex
	client  putClient
	presign func(ctx context.Context, key string) (string, error)
}

// Option is a functional option for Store.
type Option func(*Store)

// WithRegion sets the AWS region. Defaults to us-east-1.
func WithRegion(region string) Option {
	return func(s *Store) {
		if region != "" {
			s.region = region
		}
	}
}

// WithEndpoint points the client at an S3-compatible endpoint and switches
// to path-style addressing.
func WithEndpoint(endpoint string) Option {
	return func(s *Store) { s.endpoint = endpoint }
}

// WithPublicBaseURL makes URLs plain "<base>/<key>" links instead of
// presigned ones. Use it when the bucket is fronted by a CDN.
func WithPublicBaseURL(base string) Option {
	return func(s *Store) { s.publicBaseURL = strings.TrimRight(base, "/") }
}

// WithPresignTTL sets the lifetime of presigned URLs. Defaults to 24h.
func WithPresignTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.presignTTL = d
		}
	}
}

// withClient injects a client and presign function for tests.
func withClient(c putClient, presign func(ctx context.Context, key string) (string, error)) Option {
	return func(s *Store) {
		s.client = c
		s.presign = presign
	}
}

// New returns an S3 store for bucket.
func New(bucket string, opts ...Option) (*Store, error) {
	if bucket == "" {
		return nil, errors.New("s3: bucket must not be empty")
	}
	s := &Store{bucket: bucket, region: "us-east-1", presignTTL: 24 * time.Hour}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Put implements blob.Store.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (*blob.Object, error) {
	if key == "" {
		return nil, retry.Permanent(errors.New("s3: key must not be empty"))
	}
	client, err := s.resolve(ctx)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	in := &awss3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := client.PutObject(ctx, in); err != nil {
		return nil, fmt.Errorf("s3: put %s: %w", key, classify(err))
	}

	link, err := s.url(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("s3: url for %s: %w", key, err)
	}
	return &blob.Object{ID: key, URL: link}, nil
}

func (s *Store) url(ctx context.Context, key string) (string, error) {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + escapeKey(key), nil
	}
	return s.presign(ctx, key)
}

func (s *Store) resolve(ctx context.Context) (putClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.region))
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	c := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
			o.UsePathStyle = true
		}
	})
	pc := awss3.NewPresignClient(c, awss3.WithPresignExpires(s.presignTTL))
	s.client = c
	s.presign = func(ctx context.Context, key string) (string, error) {
		req, err := pc.PresignGetObject(ctx, &awss3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return "", err
		}
		return req.URL, nil
	}
	return s.client, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

type httpStatus interface {
	HTTPStatusCode() int
}

// classify maps S3 failures onto retry semantics.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Permanent(err)
	}
	status := 0
	var hs httpStatus
	if errors.As(err, &hs) {
		status = hs.HTTPStatusCode()
	}
	var apiErr smithy.APIError
	if status == 0 && errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout":
			status = 503
		case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			status = 403
		}
	}
	return &retry.StatusError{Provider: "s3", Status: status, Err: err}
}

var _ blob.Store = (*Store)(nil)
