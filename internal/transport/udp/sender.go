package udp

import (
	"fmt"
	"net"
	"sync"

	applog "spectrogram/internal/log"
)

// UDPSender handles sending data packets over UDP.
type UDPSender struct {
	conn       *net.UDPConn
	targetAddr *net.UDPAddr
	mu         sync.Mutex // Protects conn during Close
	closed     bool
}

// NewUDPSender creates a new UDPSender targeting the specified address.
// The address should be in the format "host:port", e.g., "127.0.0.1:9090".
func NewUDPSender(targetAddress string) (*UDPSender, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", targetAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP target address '%s': %w", targetAddress, err)
	}

	// No local bind needed for sending.
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial UDP for target '%s': %w", targetAddress, err)
	}

	applog.Infof("UDPSender: Connection established to %s", conn.RemoteAddr())

	return &UDPSender{
		conn:       conn,
		targetAddr: udpAddr,
	}, nil
}

// Target returns the resolved destination.
func (s *UDPSender) Target() *net.UDPAddr {
	return s.targetAddr
}

// Send transmits the given byte slice as a UDP packet.
// It is safe for concurrent use, although typically called sequentially by the publisher.
func (s *UDPSender) Send(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("UDP sender is closed")
	}
	// Hold the lock across the write so Close cannot race it.
	_, err := s.conn.Write(data)
	s.mu.Unlock()

	if err != nil {
		applog.Warnf("UDPSender: Error sending packet: %v", err)
		return fmt.Errorf("failed to send UDP packet: %w", err)
	}
	return nil
}

// Close closes the underlying UDP connection.
func (s *UDPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil // Already closed
	}

	s.closed = true
	if s.conn == nil {
		return nil
	}
	applog.Infof("UDPSender: Closing connection to %s", s.conn.RemoteAddr())
	err := s.conn.Close()
	s.conn = nil // Prevent further use
	if err != nil {
		return fmt.Errorf("failed to close UDP connection: %w", err)
	}
	return nil
}

// Ensure UDPSender satisfies the io.Closer interface (useful for engine closables)
var _ interface{ Close() error } = (*UDPSender)(nil)
