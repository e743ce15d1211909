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

// Package dhcp4 implements a wire-format codec for DHCPv4 messages and
// options, plus a DHCP-oriented packet socket. The codec operates entirely
// over caller-supplied buffers: decoding borrows from the input buffer and
// encoding writes into a destination buffer, with no hidden copies.
package dhcp4

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
)

// Errors returned by the codec. All of them mean "discard this packet" or
// "hand me a bigger buffer"; none is fatal to the engine.
var (
	ErrTruncated        = errors.New("dhcp4: truncated packet")
	ErrMalformed        = errors.New("dhcp4: malformed packet")
	ErrBadCookie        = errors.New("dhcp4: bad magic cookie")
	ErrUnsupportedHType = errors.New("dhcp4: unsupported hardware type")
	ErrBufferTooSmall   = errors.New("dhcp4: buffer too small")
	ErrOptionTooLong    = errors.New("dhcp4: option value exceeds 255 bytes")
)

const (
	// headerLen is the fixed BOOTP header including the magic cookie;
	// options start right after.
	headerLen = 240

	// minPacketLen pads encoded packets up to the minimum size some BOOTP
	// relays and clients insist on.
	minPacketLen = 272

	opRequest = 1
	opReply   = 2

	// htypeEthernet is the only hardware type this codec accepts.
	htypeEthernet = 1
	hlenEthernet  = 6
)

var magicCookie = [4]byte{99, 130, 83, 99}

// Ports DHCP speaks on.
const (
	ServerPort = 67
	ClientPort = 68
)

// TxType describes how a Packet should be sent on the wire.
type TxType int

// The various transmission strategies described in RFC 2131. "MUST",
// "MUST NOT", "SHOULD" and "MAY" are as specified in RFC 2119.
const (
	// Packet MUST be broadcast.
	TxBroadcast TxType = iota
	// Packet MUST be unicasted to port 67 of RelayAddr.
	TxRelayAddr
	// Packet MUST be unicasted to port 68 of ClientAddr.
	TxClientAddr
	// Packet SHOULD be unicasted to port 68 of YourAddr, with the
	// link-layer destination explicitly set to the client hardware
	// address. Conn implementations that cannot set the link-layer
	// destination MAY instead broadcast the packet.
	TxHardwareAddr
)

// Packet is a decoded DHCP message.
//
// A Packet produced by Decode borrows from the input buffer: SName, File
// and every option value are slices into it, so the buffer must outlive
// the Packet.
type Packet struct {
	Reply     bool // opcode: false = BOOTREQUEST, true = BOOTREPLY
	Hops      byte
	XID       uint32
	Secs      uint16
	Broadcast bool

	ClientAddr netip.Addr // ciaddr: client's current address, if any
	YourAddr   netip.Addr // yiaddr: address assigned by the server
	ServerAddr netip.Addr // siaddr: next server in the boot process
	RelayAddr  netip.Addr // giaddr: relay agent address

	CHAddr [16]byte // client hardware address (first HLen bytes)
	HLen   byte

	SName []byte // server host name, without trailing NULs
	File  []byte // boot file name, without trailing NULs

	Options Options
}

// NewRequest assembles a client-to-server packet. If ourIP is the zero
// Addr the packet asks for broadcast replies, as the client cannot yet
// receive unicast.
func NewRequest(mac net.HardwareAddr, xid uint32, secs uint16, ourIP netip.Addr, opts Options) *Packet {
	p := &Packet{
		XID:        xid,
		Secs:       secs,
		Broadcast:  !ourIP.IsValid(),
		ClientAddr: ourIP,
		HLen:       byte(len(mac)),
		Options:    opts,
	}
	copy(p.CHAddr[:], mac)
	return p
}

// NewReply derives a server-to-client reply skeleton from a request:
// same xid, same hardware address, same broadcast wish, same relay.
// assigned is the address offered or acknowledged to the client, if any.
func (p *Packet) NewReply(assigned netip.Addr, opts Options) *Packet {
	return &Packet{
		Reply:     true,
		XID:       p.XID,
		Broadcast: p.Broadcast,
		YourAddr:  assigned,
		RelayAddr: p.RelayAddr,
		CHAddr:    p.CHAddr,
		HLen:      p.HLen,
		Options:   opts,
	}
}

// HardwareAddr returns the client hardware address. The returned slice
// aliases p.CHAddr.
func (p *Packet) HardwareAddr() net.HardwareAddr {
	return net.HardwareAddr(p.CHAddr[:p.HLen])
}

// Type returns the DHCP message type from option 53, or 0 for plain BOOTP
// packets that carry none.
func (p *Packet) Type() MessageType {
	return p.Options.MessageType()
}

// TxType returns how the packet should be transmitted, per RFC 2131
// section 4.1.
func (p *Packet) TxType() TxType {
	switch {
	case p.RelayAddr.IsValid() && !p.RelayAddr.IsUnspecified():
		return TxRelayAddr
	case p.ClientAddr.IsValid() && !p.ClientAddr.IsUnspecified():
		return TxClientAddr
	case p.Broadcast:
		return TxBroadcast
	default:
		return TxHardwareAddr
	}
}

// Decode parses buf into p. The option list is appended to p.Options,
// which is reset first; hand the packet a pre-sized Options slice to avoid
// allocation. Everything variable-length in p aliases buf.
func (p *Packet) Decode(buf []byte) error {
	if len(buf) < headerLen {
		return ErrTruncated
	}

	switch buf[0] {
	case opRequest:
		p.Reply = false
	case opReply:
		p.Reply = true
	default:
		return ErrMalformed
	}

	if buf[1] != htypeEthernet || buf[2] != hlenEthernet {
		return ErrUnsupportedHType
	}
	p.HLen = buf[2]

	p.Hops = buf[3]
	p.XID = binary.BigEndian.Uint32(buf[4:8])
	p.Secs = binary.BigEndian.Uint16(buf[8:10])
	p.Broadcast = binary.BigEndian.Uint16(buf[10:12])&0x8000 != 0
	p.ClientAddr = netip.AddrFrom4([4]byte(buf[12:16]))
	p.YourAddr = netip.AddrFrom4([4]byte(buf[16:20]))
	p.ServerAddr = netip.AddrFrom4([4]byte(buf[20:24]))
	p.RelayAddr = netip.AddrFrom4([4]byte(buf[24:28]))
	copy(p.CHAddr[:], buf[28:44])
	p.SName = trimNUL(buf[44:108])
	p.File = trimNUL(buf[108:236])

	if [4]byte(buf[236:240]) != magicCookie {
		return ErrBadCookie
	}

	opts, err := DecodeOptions(buf[headerLen:], p.Options[:0])
	if err != nil {
		return err
	}
	p.Options = opts

	return nil
}

// Encode serializes p into buf and returns the encoded packet as a slice
// of buf. Encoding is atomic: if buf cannot hold the whole packet, buf is
// left untouched and the error is ErrBufferTooSmall.
func (p *Packet) Encode(buf []byte) ([]byte, error) {
	if len(p.SName) > 64 || len(p.File) > 128 {
		return nil, ErrOptionTooLong
	}
	for _, opt := range p.Options {
		if len(opt.Value) > 255 {
			return nil, ErrOptionTooLong
		}
	}
	n := headerLen + p.Options.encodedLen()
	total := n
	if total < minPacketLen {
		total = minPacketLen
	}
	if total > len(buf) {
		return nil, ErrBufferTooSmall
	}

	if p.Reply {
		buf[0] = opReply
	} else {
		buf[0] = opRequest
	}
	buf[1] = htypeEthernet
	buf[2] = hlenEthernet
	buf[3] = p.Hops
	binary.BigEndian.PutUint32(buf[4:8], p.XID)
	binary.BigEndian.PutUint16(buf[8:10], p.Secs)
	var flags uint16
	if p.Broadcast {
		flags = 0x8000
	}
	binary.BigEndian.PutUint16(buf[10:12], flags)
	putAddr(buf[12:16], p.ClientAddr)
	putAddr(buf[16:20], p.YourAddr)
	putAddr(buf[20:24], p.ServerAddr)
	putAddr(buf[24:28], p.RelayAddr)
	copy(buf[28:44], p.CHAddr[:])
	zeroFill(buf[44:236])
	copy(buf[44:108], p.SName)
	copy(buf[108:236], p.File)
	copy(buf[236:240], magicCookie[:])

	if _, err := p.Options.Encode(buf[headerLen:]); err != nil {
		return nil, err
	}
	zeroFill(buf[n:total])

	return buf[:total], nil
}

func putAddr(dst []byte, addr netip.Addr) {
	if addr.IsValid() {
		a4 := addr.As4()
		copy(dst, a4[:])
	} else {
		zeroFill(dst[:4])
	}
}

func zeroFill(bs []byte) {
	for i := range bs {
		bs[i] = 0
	}
}

func trimNUL(bs []byte) []byte {
	for i, b := range bs {
		if b == 0 {
			return bs[:i]
		}
	}
	return bs
}
