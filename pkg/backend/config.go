package backend

import (
	"encoding/json"
	"fmt"
	"os"
)

// Provider names accepted by Open. The platform provider is an S3-compatible
// bucket the platform operates itself; its credentials come from the server
// environment instead of the caller.
const (
	ProviderLocal    = "local"
	ProviderS3       = "s3"
	ProviderGCS      = "gcs"
	ProviderAzure    = "azure"
	ProviderPlatform = "platform"
	ProviderMemory   = "memory"
)

// LocalConfig configures the local-disk provider.
type LocalConfig struct {
	Root string `json:"root"`
}

// S3Config configures the S3-compatible provider. EndpointURL is empty for
// AWS proper and set for MinIO, Wasabi, and other compatible stores.
type S3Config struct {
	Bucket         string `json:"bucket"`
	Prefix         string `json:"prefix,omitempty"`
	Region         string `json:"region,omitempty"`
	EndpointURL    string `json:"endpoint_url,omitempty"`
	AccessKey      string `json:"access_key,omitempty"`
	SecretKey      string `json:"secret_key,omitempty"`
	SessionToken   string `json:"session_token,omitempty"`
	ForcePathStyle bool   `json:"force_path_style,omitempty"`
}

// GCSConfig configures the Google Cloud Storage provider. Either a service
// account JSON blob or an OAuth client id/secret/refresh-token triple.
type GCSConfig struct {
	Bucket          string          `json:"bucket"`
	Prefix          string          `json:"prefix,omitempty"`
	CredentialsJSON json.RawMessage `json:"credentials_json,omitempty"`
	ClientID        string          `json:"client_id,omitempty"`
	ClientSecret    string          `json:"client_secret,omitempty"`
	RefreshToken    string          `json:"refresh_token,omitempty"`
}

// AzureConfig configures the Azure Blob provider.
type AzureConfig struct {
	Account    string `json:"account"`
	Key        string `json:"key"`
	Container  string `json:"container"`
	Prefix     string `json:"prefix,omitempty"`
	ServiceURL string `json:"service_url,omitempty"`
}

// MaskCredential redacts a secret for logs, keeping just enough to recognize
// which key was used.
func MaskCredential(cred string) string {
	if len(cred) < 8 {
		return "***"
	}
	return cred[:4] + "***" + cred[len(cred)-4:]
}

// RedactConfig returns a log-safe summary of an opaque backend config: only
// non-secret location fields survive, secrets are masked.
func RedactConfig(provider string, config json.RawMessage) map[string]string {
	out := map[string]string{"provider": provider}
	var fields map[string]any
	if err := json.Unmarshal(config, &fields); err != nil {
		return out
	}
	for key, value := range fields {
		s, ok := value.(string)
		if !ok {
			continue
		}
		switch key {
		case "bucket", "container", "prefix", "region", "root", "endpoint_url", "service_url", "account":
			out[key] = s
		case "access_key", "secret_key", "session_token", "key", "client_secret", "refresh_token":
			out[key] = MaskCredential(s)
		}
	}
	return out
}

// platformConfig resolves the platform-managed bucket from the server
// environment, honoring an optional per-workspace prefix from the caller.
func platformConfig(config json.RawMessage) (S3Config, error) {
	bucket := os.Getenv("PLATFORM_STORAGE_BUCKET")
	if bucket == "" {
		return S3Config{}, fmt.Errorf("PLATFORM_STORAGE_BUCKET is not configured")
	}
	cfg := S3Config{
		Bucket:         bucket,
		Region:         os.Getenv("PLATFORM_STORAGE_REGION"),
		EndpointURL:    os.Getenv("PLATFORM_STORAGE_ENDPOINT"),
		AccessKey:      os.Getenv("PLATFORM_STORAGE_ACCESS_KEY"),
		SecretKey:      os.Getenv("PLATFORM_STORAGE_SECRET_KEY"),
		ForcePathStyle: os.Getenv("PLATFORM_STORAGE_ENDPOINT") != "",
	}
	if len(config) > 0 {
		var overlay struct {
			Prefix string `json:"prefix"`
		}
		if err := json.Unmarshal(config, &overlay); err != nil {
			return S3Config{}, fmt.Errorf("parse platform config: %w", err)
		}
		cfg.Prefix = overlay.Prefix
	}
	return cfg, nil
}
