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
	"net"
	"net/netip"
)

// Just enough Ethernet/IPv4/UDP framing to wrap DHCP messages for raw
// sockets and packet captures. DHCP clients talk before they own an IP
// address, so assembling these headers by hand is part of the job.

const (
	etherHeaderLen = 14
	etherTypeIPv4  = 0x0800

	ipv4HeaderLen = 20
	udpHeaderLen  = 8
	udpProto      = 17
)

// FrameLen returns the size of an Ethernet frame wrapping a UDP payload of
// payloadLen bytes.
func FrameLen(payloadLen int) int {
	return etherHeaderLen + ipv4HeaderLen + udpHeaderLen + payloadLen
}

// Frame describes the addressing of one UDP-over-Ethernet frame.
type Frame struct {
	SrcMAC, DstMAC   net.HardwareAddr
	SrcIP, DstIP     netip.Addr
	SrcPort, DstPort uint16
}

// EncodeFrame wraps payload in UDP, IPv4 and Ethernet headers with correct
// checksums and returns the frame as a slice of buf. Like Packet.Encode it
/// is atomic: buf is untouched on ErrBufferTooSmall.
func EncodeFrame(buf []byte, f Frame, payload []byte) ([]byte, error) {
	total := FrameLen(len(payload))
	if total > len(buf) {
		return nil, ErrBufferTooSmall
	}

	eth := buf[:etherHeaderLen]
	copy(eth[0:6], f.DstMAC)
	copy(eth[6:12], f.SrcMAC)
	binary.BigEndian.PutUint16(eth[12:14], etherTypeIPv4)

	ip := buf[etherHeaderLen : etherHeaderLen+ipv4HeaderLen]
	ip[0] = 0x45 // version 4, 20-byte header
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipv4HeaderLen+udpHeaderLen+len(payload)))
	binary.BigEndian.PutUint16(ip[4:6], 0) // id
	binary.BigEndian.PutUint16(ip[6:8], 0) // no fragmentation
	ip[8] = 64                             // ttl
	ip[9] = udpProto
	binary.BigEndian.PutUint16(ip[10:12], 0) // checksum, filled below
	putAddr(ip[12:16], f.SrcIP)
	putAddr(ip[16:20], f.DstIP)
	binary.BigEndian.PutUint16(ip[10:12], ipChecksum(ip))

	udp := buf[etherHeaderLen+ipv4HeaderLen : total]
	binary.BigEndian.PutUint16(udp[0:2], f.SrcPort)
	binary.BigEndian.PutUint16(udp[2:4], f.DstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpHeaderLen+len(payload)))
	binary.BigEndian.PutUint16(udp[6:8], 0) // checksum, filled below
	copy(udp[udpHeaderLen:], payload)
	binary.BigEndian.PutUint16(udp[6:8], udpChecksum(ip, udp))

	return buf[:total], nil
}

// DecodeFrame unwraps an Ethernet frame and returns the UDP payload along
// with the frame addressing. The payload aliases buf. Non-IPv4 and non-UDP
// frames yield ErrMalformed; header checksums are not verified, that is
// the capturing layer's concern.
func DecodeFrame(buf []byte) (Frame, []byte, error) {
	var f Frame
	if len(buf) < etherHeaderLen+ipv4HeaderLen+udpHeaderLen {
		return f, nil, ErrTruncated
	}
	if binary.BigEndian.Uint16(buf[12:14]) != etherTypeIPv4 {
		return f, nil, ErrMalformed
	}
	f.DstMAC = net.HardwareAddr(buf[0:6])
	f.SrcMAC = net.HardwareAddr(buf[6:12])

	ip := buf[etherHeaderLen:]
	if ip[0]>>4 != 4 {
		return f, nil, ErrMalformed
	}
	ihl := int(ip[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || len(ip) < ihl+udpHeaderLen {
		return f, nil, ErrTruncated
	}
	if ip[9] != udpProto {
		return f, nil, ErrMalformed
	}
	f.SrcIP = netip.AddrFrom4([4]byte(ip[12:16]))
	f.DstIP = netip.AddrFrom4([4]byte(ip[16:20]))

	udp := ip[ihl:]
	f.SrcPort = binary.BigEndian.Uint16(udp[0:2])
	f.DstPort = binary.BigEndian.Uint16(udp[2:4])
	ulen := int(binary.BigEndian.Uint16(udp[4:6]))
	if ulen < udpHeaderLen || len(udp) < ulen {
		return f, nil, ErrTruncated
	}

	return f, udp[udpHeaderLen:ulen], nil
}

// ipChecksum computes the IPv4 header checksum with the checksum field
// treated as zero.
func ipChecksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		if i == 10 {
			continue
		}
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	return checksumFinish(sum)
}

// udpChecksum computes the UDP checksum over the pseudo-header and the
// whole datagram, with the checksum field treated as zero.
func udpChecksum(ipHdr, udp []byte) uint16 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(ipHdr[12:14]))
	sum += uint32(binary.BigEndian.Uint16(ipHdr[14:16]))
	sum += uint32(binary.BigEndian.Uint16(ipHdr[16:18]))
	sum += uint32(binary.BigEndian.Uint16(ipHdr[18:20]))
	sum += udpProto
	sum += uint32(len(udp))

	for i := 0; i+1 < len(udp); i += 2 {
		if i == 6 {
			continue
		}
		sum += uint32(binary.BigEndian.Uint16(udp[i : i+2]))
	}
	if len(udp)%2 == 1 {
		sum += uint32(udp[len(udp)-1]) << 8
	}

	cs := checksumFinish(sum)
	if cs == 0 {
		// A computed checksum of zero is transmitted as all ones.
		cs = 0xffff
	}
	return cs
}

func checksumFinish(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = sum>>16 + sum&0xffff
	}
	return ^uint16(sum)
}
