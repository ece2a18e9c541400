package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/leasewire/client"
	"pkt.systems/leasewire/internal/svcfields"
)

func newLeaseCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Hold leases on agent resources",
	}
	registerClientFlags(cmd.PersistentFlags())

	var (
		shared bool
		hold   time.Duration
	)
	holdCmd := &cobra.Command{
		Use:   "hold RESOURCE [-- COMMAND [ARGS...]]",
		Short: "Acquire a lease and keep it while COMMAND runs, for --for, or until interrupted",
		Example: `  leasewire lease hold nightly-report -- ./report.sh
  leasewire lease hold --shared config --for 30s`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resource, command := args[0], args[1:]
			if n := cmd.ArgsLenAtDash(); n >= 0 && n != 1 {
				return fmt.Errorf("expected exactly one RESOURCE before --")
			}
			if n := cmd.ArgsLenAtDash(); n < 0 && len(command) > 0 {
				return fmt.Errorf("separate COMMAND from RESOURCE with --")
			}
			logger := svcfields.WithSubsystem(c.logger, "cli.lease")
			return c.withClient(cmd, func(ctx context.Context, cl *client.Client) error {
				l, err := cl.Acquire(ctx, resource, !shared)
				if err != nil {
					return err
				}
				logger.Info("cli.lease.acquired", "resource", resource, "exclusive", !shared, "token", l.Token())
				fmt.Fprintln(cmd.OutOrStdout(), l.Token())

				var runErr error
				switch {
				case len(command) > 0:
					proc := exec.CommandContext(ctx, command[0], command[1:]...)
					proc.Stdin = cmd.InOrStdin()
					proc.Stdout = cmd.OutOrStdout()
					proc.Stderr = cmd.ErrOrStderr()
					proc.Env = append(os.Environ(),
						"LEASEWIRE_LEASE_RESOURCE="+resource,
						"LEASEWIRE_LEASE_TOKEN="+l.Token(),
					)
					runErr = proc.Run()
				case hold > 0:
					timer := time.NewTimer(hold)
					select {
					case <-timer.C:
					case <-ctx.Done():
						timer.Stop()
					}
				default:
					<-ctx.Done()
				}

				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.v.GetDuration("call-timeout"))
				defer cancel()
				relErr := l.Release(releaseCtx)
				logger.Info("cli.lease.released", "resource", resource, "token", l.Token(), "error", relErr)
				if runErr != nil {
					return fmt.Errorf("command: %w", runErr)
				}
				if errors.Is(relErr, context.Canceled) {
					return nil
				}
				return relErr
			})
		},
	}
	holdCmd.Flags().BoolVar(&shared, "shared", false, "acquire a shared lease instead of an exclusive one")
	holdCmd.Flags().DurationVar(&hold, "for", 0, "hold for this long when no command is given (0 holds until interrupted)")

	cmd.AddCommand(holdCmd)
	return cmd
}
