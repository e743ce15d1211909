// Package microdhcp glues the DHCP wire, client and server packages to
// real sockets, logging and metrics.
package microdhcp

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/metal-stack/microdhcp/dhcp4"
	"github.com/metal-stack/microdhcp/pcap"
	"github.com/metal-stack/microdhcp/server"
)

// bufSize fits any DHCP message we are willing to handle. Larger
// datagrams are truncated on receive and fail to decode, which is the
// treatment they deserve.
const bufSize = 1500

// A Server answers DHCP requests with leases from a fixed address pool.
type Server struct {
	// Log receives operational logs. If nil, logging is suppressed.
	Log *zap.SugaredLogger

	// Address to listen on, or empty for all interfaces.
	Address string
	// Port overrides the standard DHCP server port. Only useful in
	// tests.
	Port int

	// MetricsAddress serves Prometheus metrics over HTTP when set.
	MetricsAddress string

	// Handler holds the lease table and reply policy.
	Handler *server.Handler

	// Capture receives every DHCP message the server handles or sends,
	// framed as Ethernet, for offline inspection. Nil disables capture.
	Capture *pcap.Writer

	// Clock supplies time to the lease table. Swapped in tests; nil
	// means wall clock.
	Clock clock.Clock

	capPkt   []byte
	capFrame []byte
}

// Serve answers DHCP requests until the socket fails.
func (s *Server) Serve() error {
	if s.Handler == nil {
		return errors.New("no DHCP handler configured")
	}
	if s.Clock == nil {
		s.Clock = clock.New()
	}
	port := s.Port
	if port == 0 {
		port = dhcp4.ServerPort
	}

	conn, err := dhcp4.NewConn(fmt.Sprintf("%s:%d", s.Address, port))
	if err != nil {
		return err
	}
	defer conn.Close()

	if s.MetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(s.MetricsAddress, mux); err != nil {
				s.logf("metrics listener failed: %s", err)
			}
		}()
	}

	s.logf("listening for DHCP on %s:%d", s.Address, port)
	return s.serveDHCP(conn)
}

func (s *Server) serveDHCP(conn *dhcp4.Conn) error {
	var (
		pkt   dhcp4.Packet
		rxBuf = make([]byte, bufSize)
		txBuf = make([]byte, bufSize)
	)
	for {
		intf, err := conn.RecvDHCP(&pkt, rxBuf)
		if err != nil {
			return fmt.Errorf("receiving DHCP packet: %w", err)
		}

		mt := pkt.Type()
		packetsReceived.WithLabelValues(mt.String()).Inc()
		s.capture(&pkt)

		resp := s.Handler.Handle(s.Clock.Now(), &pkt)
		if resp == nil {
			packetsIgnored.Inc()
			s.debugf("no reply for %s from %s", mt, pkt.HardwareAddr())
			continue
		}

		if err := conn.SendDHCP(resp, txBuf, intf); err != nil {
			sendErrors.Inc()
			s.logf("sending %s to %s: %s", resp.Type(), resp.HardwareAddr(), err)
			continue
		}
		repliesSent.WithLabelValues(resp.Type().String()).Inc()
		s.capture(resp)
		s.debugf("%s from %s answered with %s %s", mt, pkt.HardwareAddr(), resp.Type(), resp.YourAddr)
	}
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.Log == nil {
		return
	}
	s.Log.Infof(format, args...)
}

func (s *Server) debugf(format string, args ...interface{}) {
	if s.Log == nil {
		return
	}
	s.Log.Debugf(format, args...)
}
