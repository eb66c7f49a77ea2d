// Package remote holds remote tiers for built artifacts.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/richardartoul/lockedcache/pkg/store"
)

// s3API is the subset of *s3.Client the mirror uses.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Options configures an S3Mirror.
type S3Options struct {
	Bucket string
	// Prefix is prepended to every object key.
	Prefix string
	// Region overrides the SDK's region resolution.
	Region string
	// Endpoint targets an S3-compatible store (MinIO, Ceph RGW).
	Endpoint     string
	UsePathStyle bool
	Logger       *slog.Logger
}

// S3Mirror stores built artifacts in an S3 bucket so that clusters that do not
// share a filesystem can still share builds.
type S3Mirror struct {
	client s3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Mirror creates an S3Mirror using the default AWS credential chain.
func NewS3Mirror(ctx context.Context, opts S3Options) (*S3Mirror, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 mirror requires a bucket")
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return newS3Mirror(client, opts), nil
}

func newS3Mirror(client s3API, opts S3Options) *S3Mirror {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &S3Mirror{
		client: client,
		bucket: opts.Bucket,
		prefix: opts.Prefix,
		logger: logger,
	}
}

// ObjectKey returns the object key an artifact key is stored under.
func (m *S3Mirror) ObjectKey(key string) string {
	return path.Join(m.prefix, store.Canonicalize(key))
}

// Fetch downloads key into dstPath. A missing object is a miss, not an error.
func (m *S3Mirror) Fetch(ctx context.Context, key, dstPath string) (bool, error) {
	objectKey := m.ObjectKey(key)
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isNotFound(err) {
			m.logger.Debug("mirror miss", "key", key, "object", objectKey)
			return false, nil
		}
		return false, fmt.Errorf("failed to get s3://%s/%s: %w", m.bucket, objectKey, err)
	}
	defer out.Body.Close()

	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", dstPath, err)
	}
	n, err := io.Copy(f, out.Body)
	if err != nil {
		f.Close()
		return false, fmt.Errorf("failed to download s3://%s/%s: %w", m.bucket, objectKey, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("failed to close %s: %w", dstPath, err)
	}

	m.logger.Info("fetched artifact from mirror", "key", key, "object", objectKey, "bytes", n)
	return true, nil
}

// Upload stores the file at srcPath under key.
func (m *S3Mirror) Upload(ctx context.Context, key, srcPath string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", srcPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", srcPath, err)
	}

	objectKey := m.ObjectKey(key)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(objectKey),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", m.bucket, objectKey, err)
	}

	m.logger.Info("uploaded artifact to mirror", "key", key, "object", objectKey, "bytes", info.Size())
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
