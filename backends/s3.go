package backends

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 publishes artifacts to an AWS S3 (or S3-compatible) bucket.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 creates a new S3 publisher.
// bucket is the S3 bucket name where artifacts will be stored.
// prefix is an optional prefix for all S3 keys (e.g., "graphs/" or "").
// endpoint overrides the service endpoint for S3-compatible stores; empty
// uses the AWS default.
func NewS3(ctx context.Context, bucket, prefix, endpoint string) (*S3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}

	// Load AWS config from environment/credentials
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	// Test bucket access
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access S3 bucket %s: %w", bucket, err)
	}

	return &S3{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Put uploads body to S3.
func (s *S3) Put(ctx context.Context, name string, body io.Reader, size int64) error {
	// Read the body into a buffer so the SDK gets a seekable payload.
	bodyData, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if size >= 0 && int64(len(bodyData)) != size {
		return fmt.Errorf("size mismatch: expected %d, read %d", size, len(bodyData))
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(name)),
		Body:          bytes.NewReader(bodyData),
		ContentLength: aws.Int64(int64(len(bodyData))),
		Metadata: map[string]string{
			"size": strconv.Itoa(len(bodyData)),
			"time": strconv.FormatInt(time.Now().Unix(), 10),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	return nil
}

// Clear removes all objects under the prefix.
func (s *S3) Clear(ctx context.Context) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	var deleteObjects []types.ObjectIdentifier
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list S3 objects: %w", err)
		}

		for _, obj := range page.Contents {
			deleteObjects = append(deleteObjects, types.ObjectIdentifier{
				Key: obj.Key,
			})
		}
	}

	// Delete objects (S3 allows up to 1000 objects per request)
	for i := 0; i < len(deleteObjects); i += 1000 {
		end := min(i+1000, len(deleteObjects))

		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{
				Objects: deleteObjects[i:end],
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete S3 objects: %w", err)
		}
	}

	return nil
}

// Close performs cleanup operations.
func (s *S3) Close() error {
	return nil
}

func (s *S3) key(name string) string {
	return s.prefix + name
}
