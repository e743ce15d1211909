package microdhcp

import (
	"net"
	"net/netip"

	"github.com/metal-stack/microdhcp/dhcp4"
)

var (
	broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	zeroMAC      = net.HardwareAddr{0, 0, 0, 0, 0, 0}
	broadcastIP  = netip.AddrFrom4([4]byte{255, 255, 255, 255})
)

// capture writes pkt to the capture stream as an Ethernet frame. The
// frame addressing is reconstructed from the message contents, which is
// good enough to follow an exchange in wireshark. Capture failures are
// logged and otherwise ignored, a full disk must not stop the server.
func (s *Server) capture(pkt *dhcp4.Packet) {
	if s.Capture == nil {
		return
	}
	if s.capPkt == nil {
		s.capPkt = make([]byte, bufSize)
		s.capFrame = make([]byte, dhcp4.FrameLen(bufSize))
	}

	payload, err := pkt.Encode(s.capPkt)
	if err != nil {
		return
	}

	var f dhcp4.Frame
	if pkt.Reply {
		f.DstMAC = pkt.HardwareAddr()
		f.SrcMAC = zeroMAC // ours, unknown at this layer
		if sid, ok := pkt.Options.Addr(dhcp4.OptServerIdentifier); ok {
			f.SrcIP = sid
		}
		f.DstIP = broadcastIP
		if pkt.TxType() == dhcp4.TxClientAddr {
			f.DstIP = pkt.ClientAddr
		}
		f.SrcPort, f.DstPort = dhcp4.ServerPort, dhcp4.ClientPort
	} else {
		f.SrcMAC = pkt.HardwareAddr()
		f.DstMAC = broadcastMAC
		f.SrcIP = pkt.ClientAddr // zero unless renewing
		f.DstIP = broadcastIP
		f.SrcPort, f.DstPort = dhcp4.ClientPort, dhcp4.ServerPort
	}

	frame, err := dhcp4.EncodeFrame(s.capFrame, f, payload)
	if err != nil {
		return
	}
	if err := s.Capture.Put(s.Clock.Now(), frame); err != nil {
		s.logf("writing capture: %s", err)
	}
}
