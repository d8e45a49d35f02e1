// Package server wires the southbound core into a running process: a
// TLS listener, its accept loop, pre-TLS admission through the Bridge
// Registry, and per-connection construction of internal/conn.Connection
// with the Registry as its Router and internal/metrics as its Metrics.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/cync-lan/cyncd/internal/config"
	"github.com/cync-lan/cyncd/internal/conn"
	"github.com/cync-lan/cyncd/internal/dispatch"
	"github.com/cync-lan/cyncd/internal/logging"
	"github.com/cync-lan/cyncd/internal/metrics"
	"github.com/cync-lan/cyncd/internal/northbound"
	"github.com/cync-lan/cyncd/internal/registry"
)

// DefaultListenAddr is the spec's documented default: devices reach this
// server on port 23779 after their DNS redirect.
const DefaultListenAddr = ":23779"

// Config assembles everything a Server needs: options, the device
// roster, a TLS certificate (generated self-signed if TLSCert is the
// zero value), a logger, and an optional Northbound port.
type Config struct {
	ListenAddr string
	Options    config.Options
	Roster     config.Roster

	// TLSCert is the certificate presented to connecting bridges. If its
	// Certificate field is empty, a self-signed certificate is generated.
	TLSCert tls.Certificate

	Logger *logging.Logger
	Port   northbound.Port
}

// Server owns the listener and every southbound-core component: the
// Bridge Registry, the Command Dispatcher, and the metrics surface that
// observes both.
type Server struct {
	addr    string
	options config.Options
	tlsCfg  *tls.Config
	logger  *logging.Logger
	port    northbound.Port

	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
}

// New assembles a Server from cfg. It does not start listening; call
// Serve for that.
func New(cfg Config) (*Server, error) {
	addr := cfg.ListenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.LevelInfo)
	}
	port := cfg.Port
	if port == nil {
		port = northbound.NopPort{}
	}

	cert := cfg.TLSCert
	if len(cert.Certificate) == 0 {
		generated, err := selfSignedCertificate()
		if err != nil {
			return nil, fmt.Errorf("server: generate self-signed certificate: %w", err)
		}
		cert = generated
	}

	reg := registry.New(cfg.Options.TCPWhitelist, cfg.Options.MaxClients)
	disp := dispatch.New(reg, cfg.Roster, cfg.Options.CommandTargets)
	m := metrics.New("cyncd")

	reg.SetRecorder(m)
	reg.SetNotifier(port)
	reg.SetStatusObserver(disp)
	disp.SetRecorder(m)
	disp.SetNotifier(port)

	return &Server{
		addr:    addr,
		options: cfg.Options,
		tlsCfg:  &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
		logger:  logger,
		port:    port,

		registry:   reg,
		dispatcher: disp,
		metrics:    m,
	}, nil
}

// Registry exposes the process-wide Bridge Registry, e.g. for a
// northbound integration that needs ConnectionFor/PrimaryFor directly.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Dispatcher returns the Command Dispatcher, the northbound.CommandExecutor
// a real northbound integration drives.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Metrics returns the metrics surface so the caller can register it with
// a prometheus.Registerer of their choosing.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Serve accepts connections until ctx is cancelled or the listener fails.
// Each accepted socket passes pre-TLS admission, then a TLS handshake,
// before becoming an internal/conn.Connection.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("listening on %s", s.addr)

	var wg sync.WaitGroup
	for {
		raw, err := ln.Accept()
		if err != nil {
			wg.Wait()
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, raw)
		}()
	}
}

// Addr returns the address the listener actually bound to, useful when
// ListenAddr used an auto-assigned port (":0") in tests.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	peerAddr := raw.RemoteAddr().String()

	ticket, err := s.registry.Admit(peerAddr)
	if err != nil {
		s.logger.Warn("admission refused for %s: %v", peerAddr, err)
		raw.Close()
		return
	}
	defer s.registry.Release(ticket)

	tlsConn := tls.Server(raw, s.tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.logger.Warn("TLS handshake failed for %s: %v", peerAddr, err)
		tlsConn.Close()
		return
	}

	c := conn.New(conn.Config{
		Conn:    tlsConn,
		Logger:  s.logger,
		Router:  s.registry,
		Options: s.options,
		Metrics: s.metrics,
	})

	if err := c.Run(ctx); err != nil {
		s.logger.Debug("connection from %s ended: %v", peerAddr, err)
	}
}
