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
	"bytes"
	"net/netip"
	"testing"
)

func TestOptionReaderSkipsPadding(t *testing.T) {
	in := []byte{0, 0, 53, 1, 1, 0, 50, 4, 192, 168, 0, 50, 255, 12, 3, 'f', 'o', 'o'}
	r := NewOptionReader(in)

	opt, ok := r.Next()
	if !ok || opt.Code != 53 || !bytes.Equal(opt.Value, []byte{1}) {
		t.Fatalf("first option = %v, %v", opt, ok)
	}
	opt, ok = r.Next()
	if !ok || opt.Code != 50 || !bytes.Equal(opt.Value, []byte{192, 168, 0, 50}) {
		t.Fatalf("second option = %v, %v", opt, ok)
	}
	// the end marker must hide the trailing garbage
	if _, ok = r.Next(); ok {
		t.Fatalf("reader did not stop at the end marker")
	}
	if r.Err() != nil {
		t.Fatalf("unexpected reader error: %s", r.Err())
	}
}

func TestOptionReaderTruncated(t *testing.T) {
	cases := [][]byte{
		{53},             // code without length
		{53, 1},          // length without value
		{53, 4, 1, 2, 3}, // value shorter than length
	}
	for _, in := range cases {
		r := NewOptionReader(in)
		if _, ok := r.Next(); ok {
			t.Errorf("Next succeeded on truncated input %v", in)
		}
		if r.Err() != ErrTruncated {
			t.Errorf("input %v: error %v, want ErrTruncated", in, r.Err())
		}
	}
}

func TestOptionsOrderPreserved(t *testing.T) {
	opts := Options{}.
		Append(OptMessageType, []byte{byte(MsgOffer)}).
		Append(OptDNSServer, []byte{8, 8, 8, 8}).
		Append(OptRouter, []byte{192, 168, 0, 1}).
		Append(OptSubnetMask, []byte{255, 255, 255, 0})

	buf := make([]byte, 64)
	n, err := opts.Encode(buf)
	if err != nil {
		t.Fatalf("encoding options: %s", err)
	}

	decoded, err := DecodeOptions(buf[:n], nil)
	if err != nil {
		t.Fatalf("decoding options: %s", err)
	}
	if len(decoded) != len(opts) {
		t.Fatalf("decoded %d options, want %d", len(decoded), len(opts))
	}
	for i := range opts {
		if decoded[i].Code != opts[i].Code || !bytes.Equal(decoded[i].Value, opts[i].Value) {
			t.Errorf("option %d decoded as %v, want %v", i, decoded[i], opts[i])
		}
	}
}

func TestOptionsEncodeTooSmall(t *testing.T) {
	opts := Options{}.Append(OptHostName, []byte("somehost"))
	buf := []byte{0xaa, 0xaa, 0xaa, 0xaa}
	if _, err := opts.Encode(buf); err != ErrBufferTooSmall {
		t.Fatalf("error %v, want ErrBufferTooSmall", err)
	}
	if !bytes.Equal(buf, []byte{0xaa, 0xaa, 0xaa, 0xaa}) {
		t.Fatalf("failed encode modified the buffer: %v", buf)
	}
}

func TestOptionsGetters(t *testing.T) {
	var scratch4, scratch8 [8]byte
	opts := Options{}.
		Append(OptMessageType, []byte{byte(MsgAck)}).
		AppendUint32(OptLeaseTime, scratch4[:], 3600).
		AppendAddrs(OptRouter, scratch8[:], netip.AddrFrom4([4]byte{192, 168, 0, 1}), netip.AddrFrom4([4]byte{192, 168, 0, 2}))

	if mt := opts.MessageType(); mt != MsgAck {
		t.Errorf("message type %s, want DHCPACK", mt)
	}
	if secs, ok := opts.Uint32(OptLeaseTime); !ok || secs != 3600 {
		t.Errorf("lease time = %d, %v; want 3600", secs, ok)
	}
	// multi-address options yield the first address
	if gw, ok := opts.Addr(OptRouter); !ok || gw != netip.AddrFrom4([4]byte{192, 168, 0, 1}) {
		t.Errorf("router = %s, %v", gw, ok)
	}
	if _, ok := opts.Get(OptDNSServer); ok {
		t.Errorf("Get returned an option that was never set")
	}
	if _, ok := opts.Byte(OptLeaseTime); ok {
		t.Errorf("Byte succeeded on a 4-byte option")
	}
}
