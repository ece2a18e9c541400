package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/leasewire"
)

func newVerifyCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	store := &cobra.Command{
		Use:   "store",
		Short: "Check that the configured store supports the operations the agent needs",
		Args:  cobra.NoArgs,
		Example: strings.TrimSpace(`
leasewire verify store --store disk:///var/lib/leasewire
LEASEWIRE_S3_ACCESS_KEY_ID=minio LEASEWIRE_S3_SECRET_ACCESS_KEY=minio123 \
  leasewire verify store --store 's3://localhost:9000/leasewire?insecure=1&path-style=1'
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.serverConfig()
			if err != nil {
				return err
			}
			res, err := leasewire.VerifyStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store: %s\n", cfg.Store)
			fmt.Fprintf(out, "Provider: %s\n", res.Provider)
			if res.Endpoint != "" {
				fmt.Fprintf(out, "Endpoint: %s (insecure:%t)\n", res.Endpoint, res.Insecure)
			}
			if res.Location != "" {
				fmt.Fprintf(out, "Location: %s\n", res.Location)
			}
			if res.CredentialSource != "" {
				key := res.AccessKey
				if key == "" {
					key = "(none)"
				}
				fmt.Fprintf(out, "AccessKey: %s (has_secret:%t source:%s)\n", key, res.HasSecret, res.CredentialSource)
			}
			fmt.Fprintln(out)
			for _, check := range res.Checks {
				if check.Err == nil {
					fmt.Fprintf(out, "✔ %s\n", check.Name)
				} else {
					fmt.Fprintf(out, "✘ %s: %v\n", check.Name, check.Err)
				}
			}
			if !res.Passed() {
				return fmt.Errorf("storage verification failed")
			}
			fmt.Fprintln(out, "Storage verification succeeded.")
			return nil
		},
	}
	registerServerFlags(store.Flags())
	cmd.AddCommand(store)
	return cmd
}
