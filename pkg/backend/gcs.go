package backend

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"
)

// gcsBackend adapts Google Cloud Storage to the engine's Backend interface.
type gcsBackend struct {
	svc    *storage.Service
	bucket string
	prefix string
}

func openGCS(ctx context.Context, config json.RawMessage) (Backend, error) {
	var cfg GCSConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("parse gcs config: %w", err)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs config: bucket is required")
	}

	var opts []option.ClientOption
	switch {
	case len(cfg.CredentialsJSON) > 0:
		opts = append(opts,
			option.WithCredentialsJSON(cfg.CredentialsJSON),
			option.WithScopes(storage.DevstorageReadWriteScope),
		)
	case cfg.ClientID != "" && cfg.ClientSecret != "" && cfg.RefreshToken != "":
		oc := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{storage.DevstorageReadWriteScope},
		}
		ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
		opts = append(opts, option.WithTokenSource(ts))
	default:
		return nil, fmt.Errorf("gcs config: credentials_json or an oauth client triple is required")
	}

	svc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs service: %w", err)
	}
	return &gcsBackend{svc: svc, bucket: cfg.Bucket, prefix: normalizePrefix(cfg.Prefix)}, nil
}

func (b *gcsBackend) List(ctx context.Context, prefix string, fn func(page []ObjectInfo) error) error {
	pageToken := ""
	for {
		call := b.svc.Objects.List(b.bucket).
			Prefix(b.prefix + prefix).
			MaxResults(ListPageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		out, err := call.Do()
		if err != nil {
			return classifyGCS("list", prefix, err)
		}

		page := make([]ObjectInfo, 0, len(out.Items))
		for _, obj := range out.Items {
			if strings.HasSuffix(obj.Name, "/") && obj.Size == 0 {
				continue
			}
			page = append(page, ObjectInfo{
				Path:      strings.TrimPrefix(obj.Name, b.prefix),
				SizeBytes: int64(obj.Size),
			})
		}
		if len(page) > 0 {
			if err := fn(page); err != nil {
				return err
			}
		}

		if out.NextPageToken == "" {
			return nil
		}
		pageToken = out.NextPageToken
	}
}

func (b *gcsBackend) GetObjectStream(ctx context.Context, path string) (io.ReadCloser, int64, string, error) {
	key := b.prefix + path
	meta, err := b.svc.Objects.Get(b.bucket, key).Context(ctx).Do()
	if err != nil {
		return nil, 0, "", classifyGCS("get", path, err)
	}
	resp, err := b.svc.Objects.Get(b.bucket, key).Context(ctx).Download()
	if err != nil {
		return nil, 0, "", classifyGCS("get", path, err)
	}
	return resp.Body, int64(meta.Size), md5Base64ToHex(meta.Md5Hash), nil
}

func (b *gcsBackend) PutObjectStream(ctx context.Context, path string, r io.Reader, sizeBytes int64) (string, error) {
	obj, err := b.svc.Objects.
		Insert(b.bucket, &storage.Object{Name: b.prefix + path}).
		Media(r, googleapi.ChunkSize(8*1024*1024)).
		Context(ctx).
		Do()
	if err != nil {
		return "", classifyGCS("put", path, err)
	}
	return md5Base64ToHex(obj.Md5Hash), nil
}

func (b *gcsBackend) Delete(ctx context.Context, path string) error {
	if err := b.svc.Objects.Delete(b.bucket, b.prefix+path).Context(ctx).Do(); err != nil {
		return classifyGCS("delete", path, err)
	}
	return nil
}

// md5Base64ToHex converts the base64 MD5 GCS reports into the hex form the
// rest of the engine compares.
func md5Base64ToHex(b64 string) string {
	if b64 == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(raw)
}

func classifyGCS(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		for _, item := range apiErr.Errors {
			if strings.Contains(strings.ToLower(item.Reason), "quota") {
				return NewError(KindQuotaExceeded, op, path, err)
			}
		}
		switch apiErr.Code {
		case 404:
			return NewError(KindObjectNotFound, op, path, err)
		case 401, 403:
			return NewError(KindAuthorization, op, path, err)
		case 413:
			return NewError(KindQuotaExceeded, op, path, err)
		}
	}
	return NewError(KindTransient, op, path, err)
}
