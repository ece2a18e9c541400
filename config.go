package leasewire

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/leasewire/internal/streams"
	"pkt.systems/leasewire/internal/transport/wireconn"
	"pkt.systems/leasewire/internal/txstore"
)

const (
	// DefaultListen is the default TCP endpoint the agent binds to.
	DefaultListen = "127.0.0.1:9351"
	// DefaultListenProto controls the network used when none is configured.
	DefaultListenProto = "tcp"
	// DefaultStore points the agent at the in-memory backend.
	DefaultStore = "mem://"
	// DefaultMetricsListen leaves the Prometheus endpoint disabled.
	DefaultMetricsListen = ""
	// DefaultPprofListen leaves the pprof endpoint disabled.
	DefaultPprofListen = ""
	// DefaultCallTimeout bounds a single call on the channel.
	DefaultCallTimeout = 30 * time.Second
	// DefaultPendingTimeout bounds how long a queued lease waits for its
	// notification. Zero means wait until the caller gives up.
	DefaultPendingTimeout = time.Duration(0)
	// DefaultInlineLimit is the largest body stored inside a page record.
	DefaultInlineLimit = txstore.DefaultInlineLimit
	// DefaultChunkSize is the payload size of stream chunks.
	DefaultChunkSize = streams.DefaultChunkSize
	// DefaultMaxFrame bounds one frame on the wire.
	DefaultMaxFrame = wireconn.DefaultMaxFrame
	// DefaultShutdownTimeout bounds graceful shutdown of the CLI server.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultStorageRetryMaxAttempts is the attempt budget for transient
	// storage failures.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay is the first backoff between attempts.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the backoff.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier grows the backoff between attempts.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultConfigFileName is the file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the agent configuration.
type Config struct {
	// Listen is the address the agent listens on. For unix sockets it is
	// the socket path.
	Listen string `yaml:"listen"`
	// ListenProto is tcp, tcp4, tcp6 or unix.
	ListenProto string `yaml:"listen-proto"`
	// Store is the backing store URL (mem://, disk:///path, s3://host/bucket).
	Store string `yaml:"store"`

	// CallTimeout bounds each call the agent issues on a channel.
	CallTimeout time.Duration `yaml:"call-timeout"`
	// PendingTimeout is advertised to clients built by the CLI.
	PendingTimeout time.Duration `yaml:"pending-timeout"`
	// InlineLimit is the largest body kept inside a page record.
	InlineLimit int64 `yaml:"inline-limit"`
	// ChunkSize is the stream chunk payload size.
	ChunkSize int `yaml:"chunk-size"`
	// MaxFrame bounds one decoded frame.
	MaxFrame int64 `yaml:"max-frame"`
	// MaxPageBytes caps an encoded page. Zero is unlimited.
	MaxPageBytes int64 `yaml:"max-page-bytes"`
	// MaxObjectBytes caps one stored object. Zero is unlimited.
	MaxObjectBytes int64 `yaml:"max-object-bytes"`
	// Compress stores content objects zstd-compressed.
	Compress bool `yaml:"compress"`

	// MetricsListen serves Prometheus metrics when set.
	MetricsListen string `yaml:"metrics-listen"`
	// PprofListen serves net/http/pprof when set.
	PprofListen string `yaml:"pprof-listen"`
	// OTLPEndpoint enables trace export (host:port, grpc://, grpcs://,
	// http:// or https://).
	OTLPEndpoint string `yaml:"otlp-endpoint"`

	// S3 credentials. Empty values fall back to LEASEWIRE_S3_* env vars.
	S3AccessKeyID     string `yaml:"s3-access-key-id"`
	S3SecretAccessKey string `yaml:"s3-secret-access-key"`
	S3SessionToken    string `yaml:"s3-session-token"`
	S3Region          string `yaml:"s3-region"`

	StorageRetryMaxAttempts int           `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   time.Duration `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    time.Duration `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64       `yaml:"storage-retry-multiplier"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: listen proto %q not supported (tcp, tcp4, tcp6, unix)", c.ListenProto)
	}
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if !strings.Contains(c.Store, "://") {
		return fmt.Errorf("config: store %q must be a URL (mem://, disk:///path, s3://host/bucket)", c.Store)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("config: call timeout must be >= 0")
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.PendingTimeout < 0 {
		return fmt.Errorf("config: pending timeout must be >= 0")
	}
	if c.InlineLimit < 0 {
		return fmt.Errorf("config: inline limit must be >= 0")
	}
	if c.InlineLimit == 0 {
		c.InlineLimit = DefaultInlineLimit
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("config: chunk size must be >= 0")
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxFrame < 0 || c.MaxFrame > int64(^uint32(0)) {
		return fmt.Errorf("config: max frame out of range")
	}
	if c.MaxFrame == 0 {
		c.MaxFrame = DefaultMaxFrame
	}
	// A chunk travels inside a frame together with its envelope.
	if int64(c.ChunkSize)+4096 > c.MaxFrame {
		return fmt.Errorf("config: chunk size %d does not fit max frame %d", c.ChunkSize, c.MaxFrame)
	}
	if c.MaxPageBytes < 0 || c.MaxObjectBytes < 0 {
		return fmt.Errorf("config: quotas must be >= 0")
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// DefaultConfigDir returns $LEASEWIRE_CONFIG_DIR or $HOME/.leasewire.
func DefaultConfigDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("LEASEWIRE_CONFIG_DIR")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".leasewire"), nil
}
