package dataset

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used by S3Source.
type S3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads *.json objects under a bucket prefix.
type S3Source struct {
	client S3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Source creates a Source over s3://bucket/prefix using client.
func NewS3Source(client S3API, bucket, prefix string, logger *slog.Logger) *S3Source {
	return &S3Source{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With("component", "dataset", "bucket", bucket, "prefix", prefix),
	}
}

// NewS3SourceFromEnv builds an S3 client from the default AWS credential chain.
// AWS_ENDPOINT_URL_S3 points it at an S3-compatible store (e.g. MinIO).
func NewS3SourceFromEnv(ctx context.Context, bucket, prefix string, logger *slog.Logger) (*S3Source, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := os.Getenv("AWS_ENDPOINT_URL_S3")
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Source(client, bucket, prefix, logger), nil
}

// Load implements Source.
func (s *S3Source) Load(ctx context.Context, limit int) ([]Item, error) {
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range out.Contents {
			if key := aws.ToString(obj.Key); isTaskFile(key) {
				keys = append(keys, key)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(keys)

	var items []Item
	for _, key := range keys {
		if limit > 0 && len(items) >= limit {
			break
		}
		raw, err := s.get(ctx, key)
		if err != nil {
			s.logger.Error("read task object", "key", key, "error", err)
			continue
		}
		item, err := parseItem(key, raw)
		if err != nil {
			s.logger.Error("skip task object", "key", key, "error", err)
			continue
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("s3://%s/%s: %w", s.bucket, s.prefix, ErrEmpty)
	}
	s.logger.Info("dataset loaded", "tasks", len(items))
	return items, nil
}

func (s *S3Source) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
