package leasewire

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"

	"pkt.systems/leasewire/internal/agent"
	"pkt.systems/leasewire/internal/clock"
	"pkt.systems/leasewire/internal/diagnostics/storagecheck"
	"pkt.systems/leasewire/internal/storage"
	"pkt.systems/leasewire/internal/storage/compress"
	"pkt.systems/leasewire/internal/storage/disk"
	"pkt.systems/leasewire/internal/storage/logging"
	"pkt.systems/leasewire/internal/storage/memory"
	"pkt.systems/leasewire/internal/storage/retry"
	"pkt.systems/leasewire/internal/storage/s3"
)

// CredentialSummary describes which credentials were selected for object
// storage. Secrets are never included.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// openBackend builds the raw backend named by cfg.Store.
func openBackend(ctx context.Context, cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory":
		return memory.New(), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucket(ctx, backend); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("store scheme %q not supported (mem, disk, s3)", u.Scheme)
	}
}

// wrapBackend layers compression, retries and logging over inner, in that
// order from the inside out.
func wrapBackend(inner storage.Backend, cfg Config, logger pslog.Logger, clk clock.Clock) storage.Backend {
	backend := inner
	if cfg.Compress {
		backend = compress.Wrap(backend, compress.Config{Prefixes: []string{agent.ObjectPrefix}})
	}
	backend = retry.Wrap(backend, logger, clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	return logging.Wrap(backend, logger, "storage.backend")
}

// BuildDiskConfig parses disk:// URLs. disk:///var/lib/leasewire and
// disk://var/lib/leasewire both root the store at /var/lib/leasewire.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	root := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		root = "/" + host + "/" + strings.TrimPrefix(root, "/")
	}
	root = filepath.Clean(root)
	if root == "" || root == "/" || root == "." {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/leasewire)")
	}
	return disk.Config{Root: root}, nil
}

// BuildGenericS3Config parses s3://host[:port]/bucket[/prefix] URLs aimed at
// S3-compatible services. TLS is on unless ?insecure=1 is given;
// ?path-style=1 forces path-style addressing.
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := !queryBool(query, "insecure", false)
	if v := query.Get("tls"); v != "" {
		secure = queryBool(query, "tls", secure)
	}
	region := strings.TrimSpace(cfg.S3Region)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	cred, summary, err := resolveS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         region,
		Bucket:         bucket,
		Prefix:         strings.Trim(prefix, "/"),
		Insecure:       !secure,
		ForcePathStyle: queryBool(query, "path-style", false),
		CustomCreds:    cred,
	}, summary, nil
}

func queryBool(q url.Values, name string, fallback bool) bool {
	v := q.Get(name)
	if v == "" {
		return fallback
	}
	ok, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return ok
}

func resolveS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("LEASEWIRE_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("LEASEWIRE_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("LEASEWIRE_S3_SESSION_TOKEN")
		source = "env:LEASEWIRE_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary.Source = "anonymous"
		return minioCredentials.NewStaticV4("", "", ""), summary, nil
	}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

// VerifyStore opens the store named by cfg.Store and runs the storage
// diagnostics against it. A missing S3 bucket is reported as a failed check
// rather than an error.
func VerifyStore(ctx context.Context, cfg Config) (storagecheck.Result, error) {
	if err := cfg.Validate(); err != nil {
		return storagecheck.Result{}, err
	}
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return storagecheck.Result{}, fmt.Errorf("parse store URL: %w", err)
	}
	var (
		backend storage.Backend
		result  storagecheck.Result
		pre     []storagecheck.Check
	)
	switch u.Scheme {
	case "mem", "memory":
		backend = memory.New()
		result.Provider = "memory"
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return result, err
		}
		store, err := disk.New(diskCfg)
		if err != nil {
			return result, err
		}
		backend = store
		result.Provider = "disk"
		result.Location = diskCfg.Root
	case "s3":
		s3cfg, creds, err := BuildGenericS3Config(cfg)
		if err != nil {
			return result, err
		}
		store, err := s3.New(s3cfg)
		if err != nil {
			return result, fmt.Errorf("init s3 store: %w", err)
		}
		backend = store
		result = storagecheck.Result{
			Provider:         "s3-compatible",
			Location:         strings.TrimSuffix(s3cfg.Bucket+"/"+s3cfg.Prefix, "/"),
			Endpoint:         s3cfg.Endpoint,
			Insecure:         s3cfg.Insecure,
			CredentialSource: creds.Source,
			AccessKey:        creds.AccessKey,
			HasSecret:        creds.HasSecret,
		}
		pre = append(pre, storagecheck.Check{Name: "BucketExists", Run: func(ctx context.Context) error {
			return ensureBucket(ctx, store)
		}})
	default:
		return result, fmt.Errorf("store scheme %q not supported (mem, disk, s3)", u.Scheme)
	}
	defer backend.Close()
	if cfg.Compress {
		backend = compress.Wrap(backend, compress.Config{Prefixes: []string{"probe/"}})
	}
	return storagecheck.Run(ctx, backend, result, pre...), nil
}

func ensureBucket(ctx context.Context, backend *s3.Store) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := backend.BucketExists(ctx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", backend.Config().Bucket)
	}
	return nil
}
