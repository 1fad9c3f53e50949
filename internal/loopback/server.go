// Package loopback runs TCP and UDP echo peers. Tests use them as the far end
// of a socket connection; `commlink echo` exposes them for manual checks.
package loopback

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/radio-control/commlink/internal/logging"
)

// Config configures an echo server. Empty addresses disable that protocol.
type Config struct {
	TCPAddr        string
	UDPAddr        string
	AllowedCIDRs   []string // empty allows every client
	MaxConnections int
	IdleTimeout    time.Duration
}

// Server echoes every byte it receives back to the sender.
type Server struct {
	cfg      Config
	log      logrus.FieldLogger
	networks []*net.IPNet

	listener net.Listener
	udpConn  *net.UDPConn

	stopChan          chan struct{}
	stopOnce          sync.Once
	wg                sync.WaitGroup
	connectionsMutex  sync.Mutex
	activeConnections map[string]net.Conn
}

// NewServer validates cfg and creates a server. Call Start to listen.
func NewServer(cfg Config, log logrus.FieldLogger) (*Server, error) {
	if cfg.TCPAddr == "" && cfg.UDPAddr == "" {
		return nil, errors.New("at least one of the tcp or udp addresses is required")
	}
	if cfg.MaxConnections < 1 {
		cfg.MaxConnections = 16
	}
	if log == nil {
		log = logging.Nop()
	}

	s := &Server{
		cfg:               cfg,
		log:               logging.Component(log, "loopback"),
		stopChan:          make(chan struct{}),
		activeConnections: make(map[string]net.Conn),
	}
	for _, cidr := range cfg.AllowedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
		}
		s.networks = append(s.networks, network)
	}
	return s, nil
}

// Start binds the configured listeners and serves them in the background.
func (s *Server) Start() error {
	if s.cfg.TCPAddr != "" {
		listener, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.TCPAddr, err)
		}
		s.listener = listener
		s.log.WithField("addr", listener.Addr().String()).Info("tcp echo listening")
		s.wg.Add(1)
		go s.acceptLoop()
	}

	if s.cfg.UDPAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", s.cfg.UDPAddr)
		if err != nil {
			_ = s.Close()
			return fmt.Errorf("failed to resolve %s: %w", s.cfg.UDPAddr, err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			_ = s.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.UDPAddr, err)
		}
		s.udpConn = conn
		s.log.WithField("addr", conn.LocalAddr().String()).Info("udp echo listening")
		s.wg.Add(1)
		go s.udpLoop()
	}
	return nil
}

// TCPAddr returns the bound TCP address, or nil.
func (s *Server) TCPAddr() *net.TCPAddr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr().(*net.TCPAddr)
}

// UDPAddr returns the bound UDP address, or nil.
func (s *Server) UDPAddr() *net.UDPAddr {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr().(*net.UDPAddr)
}

// Connections returns the number of open TCP clients.
func (s *Server) Connections() int {
	s.connectionsMutex.Lock()
	defer s.connectionsMutex.Unlock()
	return len(s.activeConnections)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("failed to accept connection")
			continue
		}

		if !s.isAllowed(conn.RemoteAddr()) {
			s.log.WithField("client", conn.RemoteAddr().String()).Warn("rejected connection (not in allowed CIDRs)")
			_ = conn.Close()
			continue
		}
		if !s.track(conn) {
			s.log.WithField("client", conn.RemoteAddr().String()).Warn("rejected connection (limit reached)")
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connectionsMutex.Lock()
	defer s.connectionsMutex.Unlock()
	select {
	case <-s.stopChan:
		return false
	default:
	}
	if len(s.activeConnections) >= s.cfg.MaxConnections {
		return false
	}
	s.activeConnections[conn.RemoteAddr().String()] = conn
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connectionsMutex.Lock()
	defer s.connectionsMutex.Unlock()
	delete(s.activeConnections, conn.RemoteAddr().String())
}

// handleConnection echoes one TCP client until it hangs up or idles out.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer func() { _ = conn.Close() }()

	client := conn.RemoteAddr().String()
	s.log.WithField("client", client).Debug("client connected")

	buf := make([]byte, 4096)
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				s.log.WithError(werr).WithField("client", client).Debug("echo write failed")
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.WithError(err).WithField("client", client).Debug("client read ended")
			}
			return
		}
	}
}

func (s *Server) udpLoop() {
	defer s.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, addr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("udp read failed")
			continue
		}
		if !s.isAllowed(addr) {
			continue
		}
		if _, err := s.udpConn.WriteToUDP(buf[:n], addr); err != nil {
			s.log.WithError(err).WithField("client", addr.String()).Debug("udp echo failed")
		}
	}
}

// isAllowed checks the client address against the allowed CIDRs.
func (s *Server) isAllowed(addr net.Addr) bool {
	if len(s.networks) == 0 {
		return true
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	clientIP := net.ParseIP(host)
	if clientIP == nil {
		return false
	}
	for _, network := range s.networks {
		if network.Contains(clientIP) {
			return true
		}
	}
	return false
}

// Close stops listening, disconnects every client and waits for the
// handlers to return.
func (s *Server) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.listener != nil {
			err = s.listener.Close()
		}
		if s.udpConn != nil {
			if cerr := s.udpConn.Close(); err == nil {
				err = cerr
			}
		}

		s.connectionsMutex.Lock()
		for _, conn := range s.activeConnections {
			_ = conn.Close()
		}
		s.connectionsMutex.Unlock()

		s.wg.Wait()
	})
	return err
}
