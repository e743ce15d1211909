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
	"net"
	"net/netip"
	"testing"
)

func testFrame() Frame {
	return Frame{
		SrcMAC:  net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01},
		DstMAC:  net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		SrcIP:   netip.AddrFrom4([4]byte{192, 168, 0, 1}),
		DstIP:   netip.AddrFrom4([4]byte{255, 255, 255, 255}),
		SrcPort: ServerPort,
		DstPort: ClientPort,
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("not really a dhcp packet, any payload will do")
	buf := make([]byte, FrameLen(len(payload)))

	b, err := EncodeFrame(buf, testFrame(), payload)
	if err != nil {
		t.Fatalf("encoding frame: %s", err)
	}
	if len(b) != FrameLen(len(payload)) {
		t.Fatalf("frame is %d bytes, want %d", len(b), FrameLen(len(payload)))
	}

	f, got, err := DecodeFrame(b)
	if err != nil {
		t.Fatalf("decoding frame: %s", err)
	}
	want := testFrame()
	if !bytes.Equal(f.SrcMAC, want.SrcMAC) || !bytes.Equal(f.DstMAC, want.DstMAC) {
		t.Errorf("MACs = %s -> %s, want %s -> %s", f.SrcMAC, f.DstMAC, want.SrcMAC, want.DstMAC)
	}
	if f.SrcIP != want.SrcIP || f.DstIP != want.DstIP {
		t.Errorf("IPs = %s -> %s, want %s -> %s", f.SrcIP, f.DstIP, want.SrcIP, want.DstIP)
	}
	if f.SrcPort != want.SrcPort || f.DstPort != want.DstPort {
		t.Errorf("ports = %d -> %d, want %d -> %d", f.SrcPort, f.DstPort, want.SrcPort, want.DstPort)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestFrameChecksums(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	buf := make([]byte, FrameLen(len(payload)))
	b, err := EncodeFrame(buf, testFrame(), payload)
	if err != nil {
		t.Fatalf("encoding frame: %s", err)
	}

	// a correct IP header checksum sums to zero, including itself
	ip := b[etherHeaderLen : etherHeaderLen+ipv4HeaderLen]
	var sum uint32
	for i := 0; i < len(ip); i += 2 {
		sum += uint32(ip[i])<<8 | uint32(ip[i+1])
	}
	for sum > 0xffff {
		sum = sum>>16 + sum&0xffff
	}
	if sum != 0xffff {
		t.Errorf("IP header checksum does not verify: residue %#x", sum)
	}

	udp := b[etherHeaderLen+ipv4HeaderLen:]
	if udp[6] == 0 && udp[7] == 0 {
		t.Errorf("UDP checksum was left empty")
	}
}

func TestFrameEncodeAtomic(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	buf := make([]byte, FrameLen(len(payload))-1)
	for i := range buf {
		buf[i] = 0xaa
	}
	if _, err := EncodeFrame(buf, testFrame(), payload); err != ErrBufferTooSmall {
		t.Fatalf("error %v, want ErrBufferTooSmall", err)
	}
	for i, v := range buf {
		if v != 0xaa {
			t.Fatalf("failed encode wrote to buf[%d]", i)
		}
	}
}

func TestDecodeFrameRejectsOtherTraffic(t *testing.T) {
	if _, _, err := DecodeFrame(make([]byte, 10)); err != ErrTruncated {
		t.Errorf("short frame: error %v, want ErrTruncated", err)
	}

	arp := make([]byte, 60)
	arp[12], arp[13] = 0x08, 0x06
	if _, _, err := DecodeFrame(arp); err != ErrMalformed {
		t.Errorf("ARP frame: error %v, want ErrMalformed", err)
	}
}
