package dimse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ServerConfig configures the SCP listener.
type ServerConfig struct {
	// Addr is the TCP listen address, e.g. ":104".
	Addr string
	// MaxPDUSize is the receive size advertised to peers. Default 4 MiB.
	MaxPDUSize uint32
	// IdleTimeout closes associations with no traffic. Default: 60s.
	IdleTimeout time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *ServerConfig) defaults() {
	if c.MaxPDUSize == 0 {
		c.MaxPDUSize = DefaultMaxPDUSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server accepts DICOM associations and hands upper-layer events to a
// Handler. Admission control lives in the handler, not here.
type Server struct {
	cfg     ServerConfig
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates an SCP server. Call Run to start listening.
func NewServer(cfg ServerConfig, handler Handler) *Server {
	cfg.defaults()
	return &Server{cfg: cfg, handler: handler}
}

// Run listens and serves until ctx is cancelled, then waits for in-flight
// associations to finish.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dimse: listen %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.cfg.Logger.Info("dimse: SCP listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.cfg.Logger.Warn("dimse: accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			a := &association{
				conn:        conn,
				handler:     s.handler,
				logger:      s.cfg.Logger,
				maxRecvPDU:  s.cfg.MaxPDUSize,
				maxSendPDU:  DefaultMaxPDUSize,
				idleTimeout: s.cfg.IdleTimeout,
			}
			a.run(ctx)
		}()
	}

	s.wg.Wait()
	s.cfg.Logger.Info("dimse: SCP stopped")
	return nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
