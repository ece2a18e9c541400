package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/leasewire/client"
	"pkt.systems/leasewire/kv"
)

func newKVCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Read and write key-value namespaces held by the agent",
	}
	registerClientFlags(cmd.PersistentFlags())

	withNamespace := func(cmd *cobra.Command, name string, fn func(context.Context, *kv.Namespace) error) error {
		return c.withClient(cmd, func(ctx context.Context, cl *client.Client) error {
			svc, err := cl.KV()
			if err != nil {
				return err
			}
			ns, err := svc.Open(name)
			if err != nil {
				return err
			}
			return fn(ctx, ns)
		})
	}

	get := &cobra.Command{
		Use:   "get NAMESPACE KEY",
		Short: "Print the value stored at KEY",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNamespace(cmd, args[0], func(ctx context.Context, ns *kv.Namespace) error {
				value, found, err := ns.Get(ctx, args[1])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("key %q not found in %s", args[1], ns.Name())
				}
				_, err = cmd.OutOrStdout().Write(value)
				return err
			})
		},
	}

	put := &cobra.Command{
		Use:   "put NAMESPACE KEY [VALUE|-]",
		Short: "Store VALUE (or stdin) at KEY",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var arg string
			if len(args) == 3 {
				arg = args[2]
			}
			value, err := readInput(cmd.InOrStdin(), arg, len(args) == 3)
			if err != nil {
				return fmt.Errorf("read value: %w", err)
			}
			return withNamespace(cmd, args[0], func(ctx context.Context, ns *kv.Namespace) error {
				if err := ns.Put(ctx, args[1], value); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "stored %s (%s)\n", args[1], humanizeBytes(int64(len(value))))
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:     "delete NAMESPACE KEY",
		Aliases: []string{"rm"},
		Short:   "Delete KEY",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNamespace(cmd, args[0], func(ctx context.Context, ns *kv.Namespace) error {
				removed, err := ns.Delete(ctx, args[1])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("key %q not found in %s", args[1], ns.Name())
				}
				return nil
			})
		},
	}

	var prefix string
	list := &cobra.Command{
		Use:     "list NAMESPACE",
		Aliases: []string{"ls"},
		Short:   "List keys in NAMESPACE",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNamespace(cmd, args[0], func(ctx context.Context, ns *kv.Namespace) error {
				keys, err := ns.List(ctx, prefix)
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&prefix, "prefix", "", "only list keys with this prefix")

	namespaces := &cobra.Command{
		Use:   "namespaces",
		Short: "List namespaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(cmd, func(ctx context.Context, cl *client.Client) error {
				svc, err := cl.KV()
				if err != nil {
					return err
				}
				names, err := svc.Namespaces(ctx)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	}

	drop := &cobra.Command{
		Use:   "drop NAMESPACE",
		Short: "Delete NAMESPACE and every key in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(cmd, func(ctx context.Context, cl *client.Client) error {
				svc, err := cl.KV()
				if err != nil {
					return err
				}
				dropped, err := svc.Drop(ctx, args[0])
				if err != nil {
					return err
				}
				if !dropped {
					return fmt.Errorf("namespace %q not found", args[0])
				}
				return nil
			})
		},
	}

	cmd.AddCommand(get, put, del, list, namespaces, drop)
	return cmd
}
