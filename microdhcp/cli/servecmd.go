package cli

import (
	"net/netip"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/metal-stack/microdhcp/microdhcp"
	"github.com/metal-stack/microdhcp/pcap"
	"github.com/metal-stack/microdhcp/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve DHCP leases from an address pool",
	Run: func(cmd *cobra.Command, args []string) {
		fs := cmd.Flags()
		serverIP := addrFlag(cmd, "server-ip", true)
		poolStart := addrFlag(cmd, "pool-start", true)
		poolEnd := addrFlag(cmd, "pool-end", true)
		netmask := addrFlag(cmd, "netmask", false)
		gateways := addrsFlag(cmd, "gateway")
		dns := addrsFlag(cmd, "dns")

		listenAddr, err := fs.GetString("listen-addr")
		if err != nil {
			fatalf("Error reading flag: %s", err)
		}
		leaseDuration, err := fs.GetDuration("lease-duration")
		if err != nil {
			fatalf("Error reading flag: %s", err)
		}
		quarantine, err := fs.GetDuration("decline-quarantine")
		if err != nil {
			fatalf("Error reading flag: %s", err)
		}
		metricsAddr, err := fs.GetString("metrics-addr")
		if err != nil {
			fatalf("Error reading flag: %s", err)
		}
		captureFile, err := fs.GetString("capture")
		if err != nil {
			fatalf("Error reading flag: %s", err)
		}

		pool, err := server.NewPool(poolStart, poolEnd, 0)
		if err != nil {
			fatalf("Bad address pool: %s", err)
		}
		handler, err := server.NewHandler(server.Config{
			ServerIP:          serverIP,
			SubnetMask:        netmask,
			Gateways:          gateways,
			DNS:               dns,
			LeaseDuration:     leaseDuration,
			DeclineQuarantine: quarantine,
		}, pool)
		if err != nil {
			fatalf("Bad server configuration: %s", err)
		}

		log := newLogger(cmd)
		defer log.Sync()

		srv := &microdhcp.Server{
			Log:            log,
			Address:        listenAddr,
			MetricsAddress: metricsAddr,
			Handler:        handler,
		}
		if captureFile != "" {
			f, err := os.Create(captureFile)
			if err != nil {
				fatalf("Creating capture file: %s", err)
			}
			defer f.Close()
			srv.Capture = pcap.NewWriter(f, pcap.LinkEthernet)
		}

		fatalf("Error serving DHCP: %s", srv.Serve())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	fs := serveCmd.Flags()
	fs.String("listen-addr", "", "IP address to listen on (default all interfaces)")
	fs.String("server-ip", "", "IP address to identify as in replies")
	fs.String("pool-start", "", "first address of the lease pool")
	fs.String("pool-end", "", "last address of the lease pool")
	fs.String("netmask", "", "subnet mask to hand out")
	fs.StringSlice("gateway", nil, "gateway addresses to hand out")
	fs.StringSlice("dns", nil, "DNS server addresses to hand out")
	fs.Duration("lease-duration", time.Hour, "how long handed out leases last")
	fs.Duration("decline-quarantine", 5*time.Minute, "how long declined addresses stay out of circulation")
	fs.String("metrics-addr", "", "serve Prometheus metrics over HTTP on this address")
	fs.String("capture", "", "write a pcap of all handled DHCP traffic to this file")
}

func addrFlag(cmd *cobra.Command, name string, required bool) netip.Addr {
	s, err := cmd.Flags().GetString(name)
	if err != nil {
		fatalf("Error reading flag: %s", err)
	}
	if s == "" {
		if required {
			fatalf("you must specify --%s", name)
		}
		return netip.Addr{}
	}
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		fatalf("Bad IPv4 address %q for --%s", s, name)
	}
	return addr
}

func addrsFlag(cmd *cobra.Command, name string) []netip.Addr {
	ss, err := cmd.Flags().GetStringSlice(name)
	if err != nil {
		fatalf("Error reading flag: %s", err)
	}
	addrs := make([]netip.Addr, 0, len(ss))
	for _, s := range ss {
		addr, err := netip.ParseAddr(s)
		if err != nil || !addr.Is4() {
			fatalf("Bad IPv4 address %q for --%s", s, name)
		}
		addrs = append(addrs, addr)
	}
	return addrs
}
