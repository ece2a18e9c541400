package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"pkt.systems/leasewire"
	"pkt.systems/leasewire/client"
	"pkt.systems/leasewire/internal/svcfields"
)

func registerClientFlags(flags *pflag.FlagSet) {
	flags.String("agent", leasewire.DefaultListen, "agent address (socket path for unix)")
	flags.String("agent-proto", leasewire.DefaultListenProto, "agent network (tcp, tcp4, tcp6, unix)")
	flags.Duration("dial-timeout", 5*time.Second, "timeout for connecting to the agent")
	flags.Duration("call-timeout", leasewire.DefaultCallTimeout, "timeout of each call on the channel")
	flags.Duration("pending-timeout", leasewire.DefaultPendingTimeout, "how long a queued lease waits (0 waits until cancelled)")
}

// withClient dials the agent, runs fn and closes the channel.
func (c *cli) withClient(cmd *cobra.Command, fn func(context.Context, *client.Client) error) error {
	ctx := cmd.Context()
	logger := svcfields.WithSubsystem(c.logger, "cli.client")
	dialCtx, cancel := context.WithTimeout(ctx, c.v.GetDuration("dial-timeout"))
	defer cancel()
	cl, err := client.Dial(dialCtx, c.v.GetString("agent-proto"), c.v.GetString("agent"),
		client.WithLogger(logger),
		client.WithCallTimeout(c.v.GetDuration("call-timeout")),
		client.WithPendingTimeout(c.v.GetDuration("pending-timeout")),
	)
	if err != nil {
		return err
	}
	defer cl.Close()
	return fn(ctx, cl)
}
