package microdhcp

import (
	"context"
	"fmt"
	"math/rand"
	"net"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/metal-stack/microdhcp/client"
	"github.com/metal-stack/microdhcp/dhcp4"
)

// Acquire obtains a DHCP lease on the named interface and returns it.
// It blocks until a lease is bound or ctx is cancelled; cancellation is
// noticed when the client's next timer fires, which is at most the
// configured retransmission cap away.
func Acquire(ctx context.Context, log *zap.SugaredLogger, ifname string, cfg client.Config) (client.Lease, error) {
	intf, err := net.InterfaceByName(ifname)
	if err != nil {
		return client.Lease{}, fmt.Errorf("looking up interface %q: %w", ifname, err)
	}

	conn, err := dhcp4.NewConn(fmt.Sprintf("0.0.0.0:%d", dhcp4.ClientPort))
	if err != nil {
		return client.Lease{}, err
	}
	defer conn.Close()

	clk := clock.New()
	c := client.New(intf.HardwareAddr, cfg, rand.New(rand.NewSource(clk.Now().UnixNano())))

	var (
		pkt   dhcp4.Packet
		rxBuf = make([]byte, bufSize)
		txBuf = make([]byte, bufSize)
	)
	send := func(tx client.Transmit) error {
		if tx.Packet == nil {
			return nil
		}
		if log != nil {
			log.Debugw("sending", "type", tx.Packet.Type(), "server", tx.Server)
		}
		return conn.SendClient(tx.Packet, txBuf, tx.Server, intf)
	}

	if err := send(c.Start(clk.Now())); err != nil {
		return client.Lease{}, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return client.Lease{}, err
		}
		if err := conn.SetReadDeadline(c.Deadline()); err != nil {
			return client.Lease{}, err
		}

		_, rerr := conn.RecvDHCP(&pkt, rxBuf)
		now := clk.Now()
		switch {
		case rerr == nil:
			if tx, ok := c.Receive(now, &pkt); ok {
				if err := send(tx); err != nil {
					return client.Lease{}, err
				}
			}
		case isTimeout(rerr):
			if tx, ok := c.Tick(now); ok {
				if err := send(tx); err != nil {
					return client.Lease{}, err
				}
			}
		default:
			return client.Lease{}, rerr
		}

		if c.State() == client.StateBound {
			lease, _ := c.Lease()
			if log != nil {
				log.Infow("lease bound",
					"addr", lease.Addr,
					"mask", lease.SubnetMask,
					"gateway", lease.Gateway,
					"server", lease.ServerID,
					"duration", lease.Duration,
				)
			}
			return lease, nil
		}
	}
}

func isTimeout(err error) bool {
	nerr, ok := err.(net.Error)
	return ok && nerr.Timeout()
}
