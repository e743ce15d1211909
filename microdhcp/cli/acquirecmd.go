package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/metal-stack/microdhcp/client"
	"github.com/metal-stack/microdhcp/microdhcp"
)

var acquireCmd = &cobra.Command{
	Use:   "acquire interface",
	Short: "Acquire a DHCP lease for a local interface",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			fatalf("you must specify exactly one interface")
		}
		ifname := args[0]

		timeout, err := cmd.Flags().GetDuration("timeout")
		if err != nil {
			fatalf("Error reading flag: %s", err)
		}
		offerWait, err := cmd.Flags().GetDuration("offer-wait")
		if err != nil {
			fatalf("Error reading flag: %s", err)
		}

		log := newLogger(cmd)
		defer log.Sync()

		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		lease, err := microdhcp.Acquire(ctx, log, ifname, client.Config{OfferWait: offerWait})
		if err != nil {
			fatalf("Acquiring lease on %s: %s", ifname, err)
		}

		fmt.Printf("address: %s\n", lease.Addr)
		fmt.Printf("netmask: %s\n", lease.SubnetMask)
		fmt.Printf("gateway: %s\n", lease.Gateway)
		fmt.Printf("server:  %s\n", lease.ServerID)
		fmt.Printf("expires: %s\n", lease.ExpiresAt().Format(time.RFC3339))
	},
}

func init() {
	rootCmd.AddCommand(acquireCmd)
	acquireCmd.Flags().Duration("timeout", 2*time.Minute, "give up after this long, 0 to keep trying")
	acquireCmd.Flags().Duration("offer-wait", 0, "collect offers for this long instead of taking the first")
}
