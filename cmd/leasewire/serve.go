package main

import (
	"context"
	"fmt"
	"os"
	"reflect"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"pkt.systems/leasewire"
	"pkt.systems/leasewire/internal/svcfields"
	"pkt.systems/leasewire/internal/version"
)

func registerServerFlags(flags *pflag.FlagSet) {
	flags.String("listen", leasewire.DefaultListen, "listen address (socket path for unix)")
	flags.String("listen-proto", leasewire.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("store", leasewire.DefaultStore, "backing store URL (mem://, disk:///path, s3://host[:port]/bucket[/prefix])")
	flags.Duration("call-timeout", leasewire.DefaultCallTimeout, "timeout of each call the agent issues on a channel")
	flags.Duration("pending-timeout", leasewire.DefaultPendingTimeout, "how long a queued lease waits for its notification (0 waits until cancelled)")
	flags.String("inline-limit", humanizeBytes(leasewire.DefaultInlineLimit), "largest body stored inside a page record")
	flags.String("chunk-size", humanizeBytes(leasewire.DefaultChunkSize), "stream chunk payload size")
	flags.String("max-frame", humanizeBytes(leasewire.DefaultMaxFrame), "largest frame accepted on the wire")
	flags.String("max-page-bytes", "0", "largest encoded page (0 is unlimited)")
	flags.String("max-object-bytes", "0", "largest stored object (0 is unlimited)")
	flags.Bool("compress", false, "store content objects zstd-compressed")
	flags.String("metrics-listen", leasewire.DefaultMetricsListen, "Prometheus listen address (empty disables)")
	flags.String("pprof-listen", leasewire.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.String("otlp-endpoint", "", "OTLP trace endpoint (host:port, grpc://, grpcs://, http://, https://)")
	flags.String("s3-access-key-id", "", "S3 access key (or LEASEWIRE_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "S3 secret key (or LEASEWIRE_S3_SECRET_ACCESS_KEY)")
	flags.String("s3-session-token", "", "S3 session token")
	flags.String("s3-region", "", "S3 region")
	flags.Int("storage-retry-attempts", leasewire.DefaultStorageRetryMaxAttempts, "attempts for transient storage failures")
	flags.Duration("storage-retry-base-delay", leasewire.DefaultStorageRetryBaseDelay, "first backoff between storage attempts")
	flags.Duration("storage-retry-max-delay", leasewire.DefaultStorageRetryMaxDelay, "largest backoff between storage attempts")
	flags.Float64("storage-retry-multiplier", leasewire.DefaultStorageRetryMultiplier, "backoff growth between storage attempts")
	flags.Duration("shutdown-timeout", leasewire.DefaultShutdownTimeout, "graceful shutdown budget")
}

// serverConfig assembles a validated leasewire.Config from flags, env and
// the config file.
func (c *cli) serverConfig() (leasewire.Config, error) {
	v := c.v
	cfg := leasewire.Config{
		Listen:                  v.GetString("listen"),
		ListenProto:             v.GetString("listen-proto"),
		Store:                   v.GetString("store"),
		CallTimeout:             v.GetDuration("call-timeout"),
		PendingTimeout:          v.GetDuration("pending-timeout"),
		Compress:                v.GetBool("compress"),
		MetricsListen:           v.GetString("metrics-listen"),
		PprofListen:             v.GetString("pprof-listen"),
		OTLPEndpoint:            v.GetString("otlp-endpoint"),
		S3AccessKeyID:           v.GetString("s3-access-key-id"),
		S3SecretAccessKey:       v.GetString("s3-secret-access-key"),
		S3SessionToken:          v.GetString("s3-session-token"),
		S3Region:                v.GetString("s3-region"),
		StorageRetryMaxAttempts: v.GetInt("storage-retry-attempts"),
		StorageRetryBaseDelay:   v.GetDuration("storage-retry-base-delay"),
		StorageRetryMaxDelay:    v.GetDuration("storage-retry-max-delay"),
		StorageRetryMultiplier:  v.GetFloat64("storage-retry-multiplier"),
		ShutdownTimeout:         v.GetDuration("shutdown-timeout"),
	}
	var err error
	if cfg.InlineLimit, err = c.byteSize("inline-limit"); err != nil {
		return cfg, err
	}
	chunk, err := c.byteSize("chunk-size")
	if err != nil {
		return cfg, err
	}
	cfg.ChunkSize = int(chunk)
	if cfg.MaxFrame, err = c.byteSize("max-frame"); err != nil {
		return cfg, err
	}
	if cfg.MaxPageBytes, err = c.byteSize("max-page-bytes"); err != nil {
		return cfg, err
	}
	if cfg.MaxObjectBytes, err = c.byteSize("max-object-bytes"); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newServeCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent: lock authority and backing store for worker channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := svcfields.WithSubsystem(c.logger, "cli.serve")
			cfg, err := c.serverConfig()
			if err != nil {
				return err
			}
			logger.Info("cli.serve.start",
				"version", version.Current(),
				"pid", os.Getpid(),
				"store", cfg.Store,
				"listen", cfg.Listen,
				"proto", cfg.ListenProto,
			)
			c.watchConfig(cfg)

			srv, stop, err := leasewire.StartServer(context.WithoutCancel(ctx), cfg, leasewire.WithLogger(c.logger))
			if err != nil {
				return err
			}
			logger.Info("cli.serve.ready", "address", srv.ListenerAddr().String())
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := stop(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info("cli.serve.stopped")
			return nil
		},
	}
	registerServerFlags(cmd.Flags())
	return cmd
}

// watchConfig reports edits of the loaded config file. Settings take effect
// on the next start; the log line names what changed.
func (c *cli) watchConfig(running leasewire.Config) {
	path := c.v.ConfigFileUsed()
	if path == "" {
		return
	}
	logger := svcfields.WithSubsystem(c.logger, "cli.config")
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := c.serverConfig()
		if err != nil {
			logger.Warn("cli.config.reload_invalid", "path", e.Name, "error", err)
			return
		}
		changed := changedFields(running, next)
		if len(changed) == 0 {
			return
		}
		logger.Warn("cli.config.changed", "path", e.Name, "fields", changed, "restart_required", true)
	})
	c.v.WatchConfig()
}

func changedFields(a, b leasewire.Config) []string {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	var out []string
	for i := 0; i < va.NumField(); i++ {
		if !reflect.DeepEqual(va.Field(i).Interface(), vb.Field(i).Interface()) {
			out = append(out, va.Type().Field(i).Tag.Get("yaml"))
		}
	}
	return out
}
