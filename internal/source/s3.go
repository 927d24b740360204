package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"bulk-ingest-worker/internal/config"
)

// S3Fetcher streams uploaded source objects from S3 (or an S3-compatible
// endpoint such as MinIO). GetObject bodies are plain readers over the HTTP
// response, so reading costs O(1) memory regardless of object size.
type S3Fetcher struct {
	client *s3.Client
	bucket string
}

// NewS3Fetcher constructs the fetcher from config, honoring custom
// endpoints and path-style addressing for local stacks.
func NewS3Fetcher(ctx context.Context, cfg config.Config) (*S3Fetcher, error) {
	if cfg.SourceS3Bucket == "" {
		return nil, errors.New("SOURCE_S3_BUCKET is required for the s3 fetcher")
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.SourceS3Region),
	}
	if cfg.SourceS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.SourceS3Endpoint,
					HostnameImmutable: cfg.SourceS3PathStyle,
					SigningRegion:     cfg.SourceS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.SourceS3PathStyle
	})
	return &S3Fetcher{client: client, bucket: cfg.SourceS3Bucket}, nil
}

// Open returns the object body as a stream. Missing keys and access
// failures map to ErrSourceUnavailable.
func (f *S3Fetcher) Open(ctx context.Context, pointer string) (io.ReadCloser, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(pointer),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "NoSuchKey", "NoSuchBucket", "AccessDenied", "NotFound":
				return nil, fmt.Errorf("%w: %s", ErrSourceUnavailable, apiErr.ErrorCode())
			}
		}
		return nil, fmt.Errorf("get object %s: %w", pointer, err)
	}
	return out.Body, nil
}
