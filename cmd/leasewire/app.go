package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/leasewire"
	"pkt.systems/leasewire/internal/svcfields"
)

const envPrefix = "LEASEWIRE"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix(envPrefix+"_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "leasewire")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "leasewire: %s\n", err)
		}
		return 1
	}
	return 0
}

// cli carries the state shared by every subcommand of one invocation.
type cli struct {
	v      *viper.Viper
	logger pslog.Logger
}

func newCLI(baseLogger pslog.Logger) *cli {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return &cli{v: v, logger: baseLogger}
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	c := newCLI(baseLogger)
	cmd := &cobra.Command{
		Use:           "leasewire",
		Short:         "leasewire hosts and talks to the lease and storage agent shared by worker processes",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # In-memory agent on the default address
  leasewire serve

  # Disk-backed agent with compressed content objects
  leasewire serve --store disk:///var/lib/leasewire --compress

  # MinIO-backed agent (TLS unless ?insecure=1)
  LEASEWIRE_S3_ACCESS_KEY_ID=minioadmin LEASEWIRE_S3_SECRET_ACCESS_KEY=minioadmin \
    leasewire serve --store 's3://localhost:9000/leasewire?insecure=1&path-style=1'

  # Store and read a value
  echo -n dark | leasewire kv put settings theme -
  leasewire kv get settings theme

  # Run a command while holding an exclusive lease
  leasewire lease hold nightly-report -- ./report.sh
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := c.v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			path, err := c.loadConfigFile()
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(c.v.GetString("log-level"))); ok {
				c.logger = c.logger.LogLevel(level)
			}
			if path != "" {
				svcfields.WithSubsystem(c.logger, "cli.config").Debug("cli.config.loaded", "path", path)
			}
			return nil
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.leasewire/"+leasewire.DefaultConfigFileName+")")
	pf.String("log-level", "", "log level (trace|debug|info|warn|error); overrides LEASEWIRE_LOG_LEVEL")

	cmd.AddCommand(
		newServeCommand(c),
		newKVCommand(c),
		newCacheCommand(c),
		newLeaseCommand(c),
		newConfigCommand(c),
		newVerifyCommand(c),
		newVersionCommand(),
	)
	return cmd
}

func (c *cli) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(c.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		dir, err := leasewire.DefaultConfigDir()
		if err != nil {
			return "", nil
		}
		cfgPath = filepath.Join(dir, leasewire.DefaultConfigFileName)
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	c.v.SetConfigFile(expanded)
	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}

// byteSize reads a humanized size ("64KiB", "16 MB", "0") from key.
func (c *cli) byteSize(key string) (int64, error) {
	raw := strings.TrimSpace(c.v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return int64(n), nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

// readInput returns arg unless it is "-" or empty, in which case stdin is read.
func readInput(in io.Reader, arg string, useArg bool) ([]byte, error) {
	if useArg && arg != "-" {
		return []byte(arg), nil
	}
	return io.ReadAll(in)
}
