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
	"encoding/binary"
	"net/netip"
)

// Option codes this package knows how to interpret. Any other code is
// carried opaquely; deciding what an option means is the caller's concern.
const (
	OptSubnetMask       = 1
	OptRouter           = 3
	OptDNSServer        = 6
	OptHostName         = 12
	OptRequestedIP      = 50
	OptLeaseTime        = 51
	OptMessageType      = 53
	OptServerIdentifier = 54
	OptParameterRequest = 55
	OptMessage          = 56
	OptClientIdentifier = 61
)

// Single-byte option markers, without a length byte.
const (
	optPad = 0
	optEnd = 255
)

// MessageType is the DHCP message type conveyed in option 53.
type MessageType byte

// The message types described in RFC 2131, in their RFC 2132 encoding.
const (
	MsgDiscover MessageType = iota + 1
	MsgOffer
	MsgRequest
	MsgDecline
	MsgAck
	MsgNak
	MsgRelease
	MsgInform
)

func (mt MessageType) String() string {
	switch mt {
	case MsgDiscover:
		return "DHCPDISCOVER"
	case MsgOffer:
		return "DHCPOFFER"
	case MsgRequest:
		return "DHCPREQUEST"
	case MsgDecline:
		return "DHCPDECLINE"
	case MsgAck:
		return "DHCPACK"
	case MsgNak:
		return "DHCPNAK"
	case MsgRelease:
		return "DHCPRELEASE"
	case MsgInform:
		return "DHCPINFORM"
	}
	return "<unknown message type>"
}

// Option is a single DHCP option. Value aliases whatever buffer the option
// was decoded from or built over; the codec never copies option payloads.
type Option struct {
	Code  byte
	Value []byte
}

// Options is an ordered set of DHCP options. Unlike a map it preserves the
// order options appeared in on the wire, which also makes the wire encoding
// deterministic.
type Options []Option

// OptionReader is a lazy decoder for the option section of a DHCP packet.
// Each call to Next steps over exactly one option in the input buffer, so a
// caller can stop early without paying for the rest. The zero value reads
// from an empty buffer.
type OptionReader struct {
	buf []byte
	off int
	err error
}

// NewOptionReader returns a reader decoding the option section in buf.
// Values handed out by Next alias buf.
func NewOptionReader(buf []byte) *OptionReader {
	return &OptionReader{buf: buf}
}

// Next returns the next option. It skips padding, and stops at the end
// marker or at the end of the buffer. After Next returns false, Err tells
// whether the reader stopped because of malformed input.
func (r *OptionReader) Next() (Option, bool) {
	for r.err == nil && r.off < len(r.buf) {
		code := r.buf[r.off]
		switch code {
		case optPad:
			r.off++
		case optEnd:
			r.off = len(r.buf)
			return Option{}, false
		default:
			if r.off+1 >= len(r.buf) {
				r.err = ErrTruncated
				return Option{}, false
			}
			l := int(r.buf[r.off+1])
			if r.off+2+l > len(r.buf) {
				r.err = ErrTruncated
				return Option{}, false
			}
			opt := Option{Code: code, Value: r.buf[r.off+2 : r.off+2+l]}
			r.off += 2 + l
			return opt, true
		}
	}
	return Option{}, false
}

// Err returns the error that terminated the reader, if any.
func (r *OptionReader) Err() error {
	return r.err
}

// DecodeOptions appends every option in buf to opts and returns the result.
// Passing a slice with enough capacity makes the decode allocation-free.
func DecodeOptions(buf []byte, opts Options) (Options, error) {
	r := OptionReader{buf: buf}
	for {
		opt, ok := r.Next()
		if !ok {
			return opts, r.Err()
		}
		opts = append(opts, opt)
	}
}

// encodedLen returns the wire size of o, including the end marker.
func (o Options) encodedLen() int {
	n := 1
	for _, opt := range o {
		n += 2 + len(opt.Value)
	}
	return n
}

// Encode writes o to buf in order, terminated by the end marker, and
// returns the number of bytes written. If buf is too small, nothing is
// written at all and the error is ErrBufferTooSmall.
func (o Options) Encode(buf []byte) (int, error) {
	if o.encodedLen() > len(buf) {
		return 0, ErrBufferTooSmall
	}
	n := 0
	for _, opt := range o {
		if len(opt.Value) > 255 {
			return 0, ErrOptionTooLong
		}
		buf[n] = opt.Code
		buf[n+1] = byte(len(opt.Value))
		copy(buf[n+2:], opt.Value)
		n += 2 + len(opt.Value)
	}
	buf[n] = optEnd
	return n + 1, nil
}

// Get returns the value of the first option with the given code.
func (o Options) Get(code byte) ([]byte, bool) {
	for _, opt := range o {
		if opt.Code == code {
			return opt.Value, true
		}
	}
	return nil, false
}

// MessageType returns the DHCP message type from option 53, or 0 if the
// option is absent or malformed.
func (o Options) MessageType() MessageType {
	b, ok := o.Byte(OptMessageType)
	if !ok {
		return 0
	}
	return MessageType(b)
}

// Byte returns the value of single-byte option code, if the option value
// is indeed a single byte.
func (o Options) Byte(code byte) (byte, bool) {
	v, ok := o.Get(code)
	if !ok || len(v) != 1 {
		return 0, false
	}
	return v[0], true
}

// Uint32 returns the value of option code interpreted as a big-endian
// 32-bit integer.
func (o Options) Uint32(code byte) (uint32, bool) {
	v, ok := o.Get(code)
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// Addr returns the value of option code interpreted as an IPv4 address.
// For multi-address options (routers, DNS servers) this is the first one.
func (o Options) Addr(code byte) (netip.Addr, bool) {
	v, ok := o.Get(code)
	if !ok || len(v) < 4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(v[:4])), true
}

// Append returns o with an opaque option appended.
func (o Options) Append(code byte, value []byte) Options {
	return append(o, Option{Code: code, Value: value})
}

// AppendAddrs returns o with an option holding one or more IPv4 addresses
// appended, packed into scratch to avoid a fresh allocation. Callers hand in
// a small scratch buffer that must stay alive as long as the options do.
func (o Options) AppendAddrs(code byte, scratch []byte, addrs ...netip.Addr) Options {
	v := scratch[:0]
	for _, addr := range addrs {
		a4 := addr.As4()
		v = append(v, a4[:]...)
	}
	return append(o, Option{Code: code, Value: v})
}

// AppendUint32 returns o with a big-endian 32-bit option appended, encoded
// into scratch.
func (o Options) AppendUint32(code byte, scratch []byte, v uint32) Options {
	val := binary.BigEndian.AppendUint32(scratch[:0], v)
	return append(o, Option{Code: code, Value: val})
}
