package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/leasewire"
)

func newConfigCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate and inspect leasewire configuration files",
	}
	cmd.AddCommand(newConfigGenCommand(), newConfigDumpCommand(c))
	return cmd
}

// fileConfig is the on-disk form of leasewire.Config: durations and sizes
// are written the way the flags accept them.
type fileConfig struct {
	Listen                 string  `yaml:"listen"`
	ListenProto            string  `yaml:"listen-proto"`
	Store                  string  `yaml:"store"`
	CallTimeout            string  `yaml:"call-timeout"`
	PendingTimeout         string  `yaml:"pending-timeout"`
	InlineLimit            string  `yaml:"inline-limit"`
	ChunkSize              string  `yaml:"chunk-size"`
	MaxFrame               string  `yaml:"max-frame"`
	MaxPageBytes           string  `yaml:"max-page-bytes"`
	MaxObjectBytes         string  `yaml:"max-object-bytes"`
	Compress               bool    `yaml:"compress"`
	MetricsListen          string  `yaml:"metrics-listen"`
	PprofListen            string  `yaml:"pprof-listen"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	S3AccessKeyID          string  `yaml:"s3-access-key-id,omitempty"`
	S3SecretAccessKey      string  `yaml:"s3-secret-access-key,omitempty"`
	S3SessionToken         string  `yaml:"s3-session-token,omitempty"`
	S3Region               string  `yaml:"s3-region,omitempty"`
	StorageRetryAttempts   int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64 `yaml:"storage-retry-multiplier"`
	ShutdownTimeout        string  `yaml:"shutdown-timeout"`
}

func toFileConfig(cfg leasewire.Config, redact bool) fileConfig {
	out := fileConfig{
		Listen:                 cfg.Listen,
		ListenProto:            cfg.ListenProto,
		Store:                  cfg.Store,
		CallTimeout:            cfg.CallTimeout.String(),
		PendingTimeout:         cfg.PendingTimeout.String(),
		InlineLimit:            humanizeBytes(cfg.InlineLimit),
		ChunkSize:              humanizeBytes(int64(cfg.ChunkSize)),
		MaxFrame:               humanizeBytes(cfg.MaxFrame),
		MaxPageBytes:           humanizeBytes(cfg.MaxPageBytes),
		MaxObjectBytes:         humanizeBytes(cfg.MaxObjectBytes),
		Compress:               cfg.Compress,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		OTLPEndpoint:           cfg.OTLPEndpoint,
		S3AccessKeyID:          cfg.S3AccessKeyID,
		S3SecretAccessKey:      cfg.S3SecretAccessKey,
		S3SessionToken:         cfg.S3SessionToken,
		S3Region:               cfg.S3Region,
		StorageRetryAttempts:   cfg.StorageRetryMaxAttempts,
		StorageRetryBaseDelay:  cfg.StorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:   cfg.StorageRetryMaxDelay.String(),
		StorageRetryMultiplier: cfg.StorageRetryMultiplier,
		ShutdownTimeout:        cfg.ShutdownTimeout.String(),
	}
	if redact {
		if out.S3SecretAccessKey != "" {
			out.S3SecretAccessKey = "<redacted>"
		}
		if out.S3SessionToken != "" {
			out.S3SessionToken = "<redacted>"
		}
	}
	return out
}

func defaultConfigYAML() ([]byte, error) {
	cfg := leasewire.Config{}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(toFileConfig(cfg, false))
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

func newConfigGenCommand() *cobra.Command {
	var (
		outPath string
		force   bool
		stdout  bool
	)
	defaultOutput := "$HOME/.leasewire/" + leasewire.DefaultConfigFileName
	if dir, err := leasewire.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, leasewire.DefaultConfigFileName)
	}
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Write a config file holding every default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := leasewire.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, leasewire.DefaultConfigFileName)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output path (defaults to "+defaultOutput+")")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print to stdout instead of writing a file")
	return cmd
}

func newConfigDumpCommand(c *cli) *cobra.Command {
	var showSecrets bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the effective server config after merging flags, env and the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.serverConfig()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(toFileConfig(cfg, !showSecrets)); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return enc.Close()
		},
	}
	registerServerFlags(cmd.Flags())
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print S3 secrets instead of redacting them")
	return cmd
}
