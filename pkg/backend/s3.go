package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// s3Backend adapts any S3-compatible store (AWS, MinIO, Wasabi, ...) to the
// engine's Backend interface.
type s3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

func openS3(ctx context.Context, config json.RawMessage) (Backend, error) {
	var cfg S3Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return newS3(ctx, cfg)
}

func openPlatform(ctx context.Context, config json.RawMessage) (Backend, error) {
	cfg, err := platformConfig(config)
	if err != nil {
		return nil, err
	}
	return newS3(ctx, cfg)
}

func newS3(ctx context.Context, cfg S3Config) (Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 config: bucket is required")
	}

	// The SDK needs a region for request signing even when a compatible
	// store ignores it.
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// Compatible stores generally require path-style addressing.
			o.UsePathStyle = true
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return &s3Backend{client: client, bucket: cfg.Bucket, prefix: normalizePrefix(cfg.Prefix)}, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return prefix
}

func (b *s3Backend) key(path string) string { return b.prefix + path }

func (b *s3Backend) rel(key string) string { return strings.TrimPrefix(key, b.prefix) }

func (b *s3Backend) List(ctx context.Context, prefix string, fn func(page []ObjectInfo) error) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.prefix + prefix),
		MaxKeys: aws.Int32(ListPageSize),
	})

	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return classifyS3("list", prefix, err)
		}
		page := make([]ObjectInfo, 0, len(out.Contents))
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") && aws.ToInt64(obj.Size) == 0 {
				// Directory placeholder objects are not assets.
				continue
			}
			page = append(page, ObjectInfo{Path: b.rel(key), SizeBytes: aws.ToInt64(obj.Size)})
		}
		if len(page) == 0 {
			continue
		}
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

func (b *s3Backend) GetObjectStream(ctx context.Context, path string) (io.ReadCloser, int64, string, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(path)),
	})
	if err != nil {
		return nil, 0, "", classifyS3("get", path, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), etagChecksum(aws.ToString(out.ETag)), nil
}

func (b *s3Backend) PutObjectStream(ctx context.Context, path string, r io.Reader, sizeBytes int64) (string, error) {
	out, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(path)),
		Body:          r,
		ContentLength: aws.Int64(sizeBytes),
	})
	if err != nil {
		return "", classifyS3("put", path, err)
	}
	return etagChecksum(aws.ToString(out.ETag)), nil
}

func (b *s3Backend) Delete(ctx context.Context, path string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(path)),
	})
	if err != nil {
		return classifyS3("delete", path, err)
	}
	return nil
}

// etagChecksum turns an S3 ETag into a comparable content MD5. Multipart
// ETags are not content digests, so they yield "" and the engine falls back
// to size verification for that object.
func etagChecksum(etag string) string {
	etag = strings.Trim(strings.TrimSpace(etag), "\"")
	if strings.Contains(etag, "-") {
		return ""
	}
	return strings.ToLower(etag)
}

func classifyS3(op, path string, err error) error {
	if err == nil {
		return nil
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return NewError(KindObjectNotFound, op, path, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return NewError(KindObjectNotFound, op, path, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "TokenRefreshRequired", "AccountProblem":
			return NewError(KindAuthorization, op, path, err)
		case "QuotaExceeded", "ServiceQuotaExceeded", "EntityTooLarge", "InvalidBucketState":
			return NewError(KindQuotaExceeded, op, path, err)
		}
	}
	return NewError(KindTransient, op, path, err)
}
