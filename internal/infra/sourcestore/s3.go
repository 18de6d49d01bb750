package sourcestore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3 serves source files from an S3-compatible object store (AWS S3 or
// MinIO). References are full "s3://bucket/key" URIs.
type S3 struct {
	client *s3.Client
}

// S3Config holds construction parameters. Credentials come from the default
// AWS chain; Endpoint and PathStyle support MinIO-style deployments.
type S3Config struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewS3 builds an S3 source store.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("sourcestore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3{client: client}, nil
}

// Open streams the referenced object.
func (s *S3) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	bucket, key, err := splitS3Ref(ref)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("sourcestore: get %q: %w", ref, err)
	}
	return out.Body, nil
}

func splitS3Ref(ref string) (bucket, key string, err error) {
	trimmed, ok := strings.CutPrefix(ref, "s3://")
	if !ok {
		return "", "", fmt.Errorf("sourcestore: %q is not an s3 reference", ref)
	}
	bucket, key, ok = strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("sourcestore: %q is missing a bucket or key", ref)
	}
	return bucket, key, nil
}
