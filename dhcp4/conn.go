// Copyright 2016 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dhcp4

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"
)

// defined as a var so tests can override it.
var (
	dhcpClientPort = ClientPort
	platformConn   func(string) (conn, error)
)

type conn interface {
	io.Closer
	Recv([]byte) (b []byte, addr *net.UDPAddr, ifidx int, err error)
	Send(b []byte, addr *net.UDPAddr, ifidx int) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Conn is a DHCP-oriented packet socket.
//
// A Conn never allocates per packet: callers supply both the Packet to
// decode into and the wire buffer, and the buffer is not retained beyond
// the call that used it.
type Conn struct {
	conn conn
}

// NewConn creates a Conn bound to the given UDP ip:port.
func NewConn(addr string) (*Conn, error) {
	if platformConn != nil {
		c, err := platformConn(addr)
		if err == nil {
			return &Conn{c}, nil
		}
	}
	// Always try falling back to the portable implementation
	c, err := newPortableConn(addr)
	if err != nil {
		return nil, err
	}
	return &Conn{c}, nil
}

// Close closes the DHCP socket.
// Any blocked Read or Write operations will be unblocked and return errors.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RecvDHCP reads one DHCP message into buf and decodes it into pkt. It
// returns the interface the message was received on, which may be nil if
// interface information cannot be obtained. Datagrams that fail to decode
// are skipped rather than surfaced as errors; a malformed packet from a
// peer must never take the engine down.
func (c *Conn) RecvDHCP(pkt *Packet, buf []byte) (*net.Interface, error) {
	for {
		b, _, ifidx, err := c.conn.Recv(buf)
		if err != nil {
			return nil, err
		}
		if err := pkt.Decode(b); err != nil {
			continue
		}
		intf, err := net.InterfaceByIndex(ifidx)
		if err != nil {
			return nil, err
		}
		return intf, nil
	}
}

// SendDHCP encodes pkt into buf and sends it. The precise transmission
// mechanism depends on pkt.TxType(). intf should be the net.Interface
// returned by RecvDHCP if responding to a DHCP client, or the interface
// for which configuration is desired if acting as a client.
func (c *Conn) SendDHCP(pkt *Packet, buf []byte, intf *net.Interface) error {
	b, err := pkt.Encode(buf)
	if err != nil {
		return err
	}

	switch pkt.TxType() {
	case TxBroadcast, TxHardwareAddr:
		addr := net.UDPAddr{
			IP:   net.IPv4bcast,
			Port: dhcpClientPort,
		}
		ifidx := 0
		if intf != nil {
			ifidx = intf.Index
		}
		return c.conn.Send(b, &addr, ifidx)
	case TxRelayAddr:
		addr := net.UDPAddr{
			IP:   pkt.RelayAddr.AsSlice(),
			Port: ServerPort,
		}
		return c.conn.Send(b, &addr, 0)
	case TxClientAddr:
		addr := net.UDPAddr{
			IP:   pkt.ClientAddr.AsSlice(),
			Port: dhcpClientPort,
		}
		return c.conn.Send(b, &addr, 0)
	default:
		return errors.New("unknown TX type for packet")
	}
}

// SendClient encodes pkt into buf and sends it to a DHCP server. A
// valid server address sends a unicast, which is how leases are renewed;
// the zero netip.Addr broadcasts on intf, which is how leases are
// obtained in the first place.
func (c *Conn) SendClient(pkt *Packet, buf []byte, server netip.Addr, intf *net.Interface) error {
	b, err := pkt.Encode(buf)
	if err != nil {
		return err
	}

	if server.IsValid() {
		addr := net.UDPAddr{
			IP:   server.AsSlice(),
			Port: ServerPort,
		}
		return c.conn.Send(b, &addr, 0)
	}
	addr := net.UDPAddr{
		IP:   net.IPv4bcast,
		Port: ServerPort,
	}
	ifidx := 0
	if intf != nil {
		ifidx = intf.Index
	}
	return c.conn.Send(b, &addr, ifidx)
}

// SetReadDeadline sets the deadline for future RecvDHCP calls. If the
// deadline is reached, RecvDHCP will fail with a timeout (see net.Error)
// instead of blocking. A zero value for t means RecvDHCP will not time
// out.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the deadline for future SendDHCP calls. If the
// deadline is reached, SendDHCP will fail with a timeout (see net.Error)
// instead of blocking. A zero value for t means SendDHCP will not time
// out.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

type portableConn struct {
	conn *ipv4.PacketConn
}

func newPortableConn(addr string) (conn, error) {
	c, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, err
	}
	l := ipv4.NewPacketConn(c)
	if err = l.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		l.Close()
		return nil, err
	}
	return &portableConn{l}, nil
}

func (c *portableConn) Close() error {
	return c.conn.Close()
}

func (c *portableConn) Recv(b []byte) (rb []byte, addr *net.UDPAddr, ifidx int, err error) {
	n, cm, a, err := c.conn.ReadFrom(b)
	if err != nil {
		return nil, nil, 0, err
	}
	return b[:n], a.(*net.UDPAddr), cm.IfIndex, nil
}

func (c *portableConn) Send(b []byte, addr *net.UDPAddr, ifidx int) error {
	if ifidx == 0 {
		_, err := c.conn.WriteTo(b, nil, addr)
		return err
	}
	cm := ipv4.ControlMessage{
		IfIndex: ifidx,
	}
	_, err := c.conn.WriteTo(b, &cm, addr)
	return err
}

func (c *portableConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *portableConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
