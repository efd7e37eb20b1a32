// Package objstore wraps the remote object store (S3) behind the small
// list/head/get_range interface the downloader and table synchronizer need,
// constructed the same way this codebase's AWS storage client is: default
// credential chain (or a named profile) plus an explicit region, with the
// SDK's own retry middleware standing in for a hand-rolled retry wrapper.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsretry "github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/ignite/parquet-sync/internal/synerrors"
)

// ObjectInfo is one entry returned by List.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Client is the opaque handle around a bucket this engine reads from.
type Client struct {
	s3     *s3.Client
	bucket string
}

// New constructs a Client using the default AWS credential chain (or the
// given named profile), the given region, and a bounded HTTP connection
// pool shared across all tables.
func New(ctx context.Context, bucket, region, profile string, poolSize int) (*Client, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: poolSize,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithHTTPClient(httpClient),
		config.WithRetryer(func() aws.Retryer {
			return awsretry.NewStandard(func(o *awsretry.StandardOptions) {
				o.MaxAttempts = 5
			})
		}),
	}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objstore: loading AWS config: %w", err)
	}

	return &Client{
		s3:     s3.NewFromConfig(cfg),
		bucket: bucket,
	}, nil
}

// List pages through every object whose key starts with prefix, fetching
// one page per request. It reads all pages before returning and hands back
// the whole listing as one slice; results are not streamed to the caller.
func (c *Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("objstore: listing prefix %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, ObjectInfo{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)})
		}
	}

	return out, nil
}

// Head returns the size of key, or synerrors.ErrNotFound if it does not exist.
func (c *Client) Head(ctx context.Context, key string) (int64, error) {
	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, synerrors.ErrNotFound
		}
		return 0, fmt.Errorf("objstore: head %q: %w", key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// GetRange fetches the half-open byte range [lo, hi) of key.
func (c *Client) GetRange(ctx context.Context, key string, lo, hi int64) (*s3.GetObjectOutput, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", lo, hi-1)
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, synerrors.ErrNotFound
		}
		return nil, fmt.Errorf("objstore: get_range %q [%d,%d): %w", key, lo, hi, err)
	}
	return out, nil
}

// Layout builds the object key for a source file, matching the external
// layout "{database}/{schema}/{version}/[{duration}/]{full|incremental}/{filename}".
// The duration segment is present only when version is not "v2".
func Layout(database, schema, version string, durationSeconds int64, isFull bool, fileName string) string {
	kind := "incremental"
	if isFull {
		kind = "full"
	}

	parts := []string{database, schema, version}
	if version != "v2" {
		parts = append(parts, fmt.Sprintf("%d", durationSeconds))
	}
	parts = append(parts, kind, fileName)

	return strings.Join(parts, "/")
}

// GetRangeBytes is GetRange narrowed to the response body, matching the
// small objectStore interface internal/downloader depends on instead of
// the full AWS SDK output type.
func (c *Client) GetRangeBytes(ctx context.Context, key string, lo, hi int64) (io.ReadCloser, error) {
	out, err := c.GetRange(ctx, key, lo, hi)
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey")
}
