// Package boot resolves runtime settings from file config plus environment
// overrides and validates them before anything starts.
package boot

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/telesyncapp/telesync/internal/config"
)

// RuntimeConfig holds the resolved process settings. File config provides
// the base values; environment variables override them (JWT_SECRET,
// HTTP_ADDR, BASE_URL, UPSTREAM_APP_ID, UPSTREAM_APP_SECRET,
// STORAGE_BACKEND, STORAGE_LOCAL_ROOT, S3_ENDPOINT, S3_REGION, S3_BUCKET,
// S3_ACCESS_KEY, S3_SECRET_KEY).
type RuntimeConfig struct {
	JwtSecret    string
	JwtExpiresIn time.Duration
	ServerAddr   string
	BaseURL      string

	UpstreamAdapter   string
	UpstreamAppID     string
	UpstreamAppSecret string

	StorageBackend string
	LocalRoot      string
	S3             config.S3Storage
}

// ProvideRuntimeConfig builds RuntimeConfig from the given config, applies
// env overrides, and fails fast on missing required settings.
func ProvideRuntimeConfig(cfg config.Config) (*RuntimeConfig, error) {
	jwtExpiresIn, err := time.ParseDuration(cfg.Auth.JWTExpiresIn)
	if err != nil {
		return nil, fmt.Errorf("invalid jwt expires in: %w", err)
	}

	ret := &RuntimeConfig{
		JwtSecret:         cfg.Auth.JWTSecret,
		JwtExpiresIn:      jwtExpiresIn,
		ServerAddr:        cfg.Server.Addr,
		BaseURL:           cfg.Server.BaseURL,
		UpstreamAdapter:   cfg.Upstream.Adapter,
		UpstreamAppID:     cfg.Upstream.AppID,
		UpstreamAppSecret: cfg.Upstream.AppSecret,
		StorageBackend:    cfg.Storage.Backend,
		LocalRoot:         cfg.Storage.Local.Root,
		S3:                cfg.Storage.S3,
	}

	applyEnv(&ret.JwtSecret, "JWT_SECRET")
	applyEnv(&ret.ServerAddr, "HTTP_ADDR")
	applyEnv(&ret.BaseURL, "BASE_URL")
	applyEnv(&ret.UpstreamAppID, "UPSTREAM_APP_ID")
	applyEnv(&ret.UpstreamAppSecret, "UPSTREAM_APP_SECRET")
	applyEnv(&ret.StorageBackend, "STORAGE_BACKEND")
	applyEnv(&ret.LocalRoot, "STORAGE_LOCAL_ROOT")
	applyEnv(&ret.S3.Endpoint, "S3_ENDPOINT")
	applyEnv(&ret.S3.Region, "S3_REGION")
	applyEnv(&ret.S3.Bucket, "S3_BUCKET")
	applyEnv(&ret.S3.AccessKey, "S3_ACCESS_KEY")
	applyEnv(&ret.S3.SecretKey, "S3_SECRET_KEY")

	if strings.TrimSpace(ret.JwtSecret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	if err := validateStorage(ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// validateStorage rejects a misconfigured storage backend at boot rather
// than on the first put.
func validateStorage(rc *RuntimeConfig) error {
	switch rc.StorageBackend {
	case "local":
		if strings.TrimSpace(rc.LocalRoot) == "" {
			return errors.New("local storage root is required")
		}
	case "s3":
		missing := make([]string, 0, 4)
		if strings.TrimSpace(rc.S3.Region) == "" {
			missing = append(missing, "region")
		}
		if strings.TrimSpace(rc.S3.Bucket) == "" {
			missing = append(missing, "bucket")
		}
		if strings.TrimSpace(rc.S3.AccessKey) == "" {
			missing = append(missing, "access key")
		}
		if strings.TrimSpace(rc.S3.SecretKey) == "" {
			missing = append(missing, "secret key")
		}
		if len(missing) > 0 {
			return fmt.Errorf("s3 storage config incomplete: missing %s", strings.Join(missing, ", "))
		}
	default:
		return fmt.Errorf("unknown storage backend %q", rc.StorageBackend)
	}
	return nil
}

func applyEnv(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}
