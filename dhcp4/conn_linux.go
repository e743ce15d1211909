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

//go:build linux

package dhcp4

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/bpf"
	"golang.org/x/net/ipv4"
)

// linuxConn is a raw IP socket. Listening below UDP lets the server see
// datagrams addressed to 255.255.255.255 on all interfaces, and lets a
// client send before it has an address, which plain UDP sockets get wrong
// in various entertaining ways.
type linuxConn struct {
	port uint16
	conn *ipv4.RawConn
}

func init() {
	platformConn = newLinuxConn
}

func newLinuxConn(addr string) (conn, error) {
	if addr == "" {
		addr = ":67"
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	if udpAddr.IP != nil && udpAddr.IP.To4() == nil {
		return nil, fmt.Errorf("%s is not an IPv4 address", addr)
	}
	udpAddr.IP = udpAddr.IP.To4()
	if udpAddr.Port == 0 {
		return nil, fmt.Errorf("%s must specify a listen port", addr)
	}

	filter, err := bpf.Assemble([]bpf.Instruction{
		// Load IPv4 packet length
		bpf.LoadMemShift{Off: 0},
		// Get UDP dport
		bpf.LoadIndirect{Off: 2, Size: 2},
		// Correct dport?
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(udpAddr.Port), SkipFalse: 1},
		// Accept
		bpf.RetConstant{Val: 1500},
		// Ignore
		bpf.RetConstant{Val: 0},
	})
	if err != nil {
		return nil, err
	}

	c, err := net.ListenPacket("ip4:17", udpAddr.IP.String())
	if err != nil {
		return nil, err
	}
	r, err := ipv4.NewRawConn(c)
	if err != nil {
		c.Close()
		return nil, err
	}
	if err = r.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		c.Close()
		return nil, fmt.Errorf("setting control message: %s", err)
	}
	if err = r.SetBPF(filter); err != nil {
		c.Close()
		return nil, fmt.Errorf("setting packet filter: %s", err)
	}

	return &linuxConn{
		port: uint16(udpAddr.Port),
		conn: r,
	}, nil
}

func (c *linuxConn) Close() error {
	return c.conn.Close()
}

func (c *linuxConn) Recv(b []byte) (rb []byte, addr *net.UDPAddr, ifidx int, err error) {
	for {
		hdr, p, cm, err := c.conn.ReadFrom(b)
		if err != nil {
			return nil, nil, 0, err
		}
		if len(p) < udpHeaderLen {
			continue
		}
		srcPort := binary.BigEndian.Uint16(p[:2])
		return p[udpHeaderLen:], &net.UDPAddr{IP: hdr.Src, Port: int(srcPort)}, cm.IfIndex, nil
	}
}

func (c *linuxConn) Send(b []byte, addr *net.UDPAddr, ifidx int) error {
	raw := make([]byte, udpHeaderLen+len(b))
	binary.BigEndian.PutUint16(raw[:2], c.port)
	binary.BigEndian.PutUint16(raw[2:4], uint16(addr.Port))
	binary.BigEndian.PutUint16(raw[4:6], uint16(len(raw)))
	// UDP checksum 0 = not computed, permitted for IPv4.
	copy(raw[udpHeaderLen:], b)

	hdr := ipv4.Header{
		Version:  4,
		Len:      ipv4.HeaderLen,
		TOS:      0xc0, // DSCP CS6 (Network Control)
		TotalLen: ipv4.HeaderLen + len(raw),
		TTL:      64,
		Protocol: udpProto,
		Dst:      addr.IP,
	}

	if ifidx > 0 {
		cm := ipv4.ControlMessage{
			IfIndex: ifidx,
		}
		return c.conn.WriteTo(&hdr, raw, &cm)
	}
	return c.conn.WriteTo(&hdr, raw, nil)
}

func (c *linuxConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *linuxConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
