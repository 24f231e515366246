package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/semanticmachines/clworker/pkg/coordinator"
)

// S3Config configures the S3 dependency backend.
type S3Config struct {
	// Region is applied explicitly when set; otherwise the SDK resolves it
	// from env/profile.
	Region string

	// Endpoint points at an S3-compatible store. Empty means AWS S3.
	Endpoint string

	// ForcePathStyle is required by most S3-compatible stores.
	ForcePathStyle bool

	// AccessKeyID/SecretAccessKey override the SDK's default credential
	// chain when both are set.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Fetcher fetches artifacts addressed by s3://bucket/key URIs.
type S3Fetcher struct {
	client *s3.Client
}

var _ Fetcher = (*S3Fetcher)(nil)

// NewS3Fetcher builds the S3 client using the SDK's default credential chain
// unless explicit credentials are configured.
func NewS3Fetcher(ctx context.Context, cfg S3Config) (*S3Fetcher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Fetcher{client: client}, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, spec coordinator.DependencySpec) (io.ReadCloser, int64, error) {
	bucket, key, err := ParseS3URI(spec.URI)
	if err != nil {
		return nil, 0, err
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, classifyS3Error(spec.URI, err)
	}

	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// ParseS3URI splits s3://bucket/key into its parts.
func ParseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 URI: %q", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 URI %q: want s3://bucket/key", uri)
	}
	return bucket, key, nil
}

// classifyS3Error maps SDK errors onto the coordinator error taxonomy so the
// dependency cache treats S3 failures the same as coordinator ones.
func classifyS3Error(uri string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return fmt.Errorf("s3 fetch %s: %w", uri, coordinator.ErrNotFound)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("s3 fetch %s: %w", uri, coordinator.ErrInvalidCredentials)
		case "SlowDown", "Throttling", "ServiceUnavailable", "InternalError":
			return fmt.Errorf("s3 fetch %s: %w: %v", uri, coordinator.ErrUnavailable, err)
		}
	}
	return fmt.Errorf("s3 fetch %s: %w: %v", uri, coordinator.ErrUnavailable, err)
}
