// ============================================================================
// Bottomless Replicator - S3-Compatible Client Implementation
// ============================================================================
//
// Package: internal/store
// File: s3.go
// Purpose: Client backed by github.com/aws/aws-sdk-go-v2/service/s3, with
// path-style addressing so the same code works against AWS S3 and any
// S3-compatible endpoint (MinIO, Cloudflare R2, ...).
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/ChuLiYu/wal-replicator/pkg/types"
)

// S3Client is the production Client implementation.
type S3Client struct {
	api    *s3.Client
	bucket string
}

// S3Config carries the store credentials/endpoint fields of types.Config.
type S3Config struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3Client from the given config. endpoint, if set,
// is used verbatim with path-style addressing (required for most
// S3-compatible object stores).
func NewS3Client(cfg S3Config) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, types.NewError(types.KindConfig, "bucket_name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := s3.Options{
		Region:       region,
		UsePathStyle: true,
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		opts.BaseEndpoint = aws.String(endpoint)
	}

	api := s3.New(opts)
	return &S3Client{api: api, bucket: cfg.Bucket}, nil
}

func (c *S3Client) Put(ctx context.Context, key string, body io.Reader) error {
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return types.WrapError(types.KindStore, "put "+key, err)
	}
	return nil
}

func (c *S3Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, types.WrapError(types.KindStore, "get "+key, err)
	}
	return out.Body, nil
}

func (c *S3Client) List(ctx context.Context, prefix, marker string, maxKeys int) (ListResult, error) {
	in := &s3.ListObjectsInput{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}
	if marker != "" {
		in.Marker = aws.String(marker)
	}
	if maxKeys > 0 {
		in.MaxKeys = aws.Int32(int32(maxKeys))
	}

	out, err := c.api.ListObjects(ctx, in)
	if err != nil {
		return ListResult{}, types.WrapError(types.KindStore, "list "+prefix, err)
	}

	res := ListResult{Truncated: aws.ToBool(out.IsTruncated)}
	for _, obj := range out.Contents {
		res.Keys = append(res.Keys, aws.ToString(obj.Key))
	}
	if out.NextMarker != nil {
		res.NextMarker = aws.ToString(out.NextMarker)
	} else if res.Truncated && len(res.Keys) > 0 {
		res.NextMarker = res.Keys[len(res.Keys)-1]
	}
	return res, nil
}

func (c *S3Client) ListCommonPrefixes(ctx context.Context, prefix, delim string) ([]string, error) {
	out, err := c.api.ListObjects(ctx, &s3.ListObjectsInput{
		Bucket:    aws.String(c.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String(delim),
	})
	if err != nil {
		return nil, types.WrapError(types.KindStore, "list-common-prefixes "+prefix, err)
	}
	prefixes := make([]string, 0, len(out.CommonPrefixes))
	for _, p := range out.CommonPrefixes {
		prefixes = append(prefixes, aws.ToString(p.Prefix))
	}
	return prefixes, nil
}

func (c *S3Client) Head(ctx context.Context, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, types.WrapError(types.KindStore, "head "+key, err)
	}
	return true, nil
}

func (c *S3Client) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return types.WrapError(types.KindStore, "delete "+key, err)
	}
	return nil
}

func (c *S3Client) HeadBucket(ctx context.Context) (bool, error) {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, types.WrapError(types.KindStore, "head-bucket", err)
	}
	return true, nil
}

func (c *S3Client) CreateBucket(ctx context.Context) error {
	_, err := c.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return types.WrapError(types.KindStore, "create-bucket", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}
