// Package hl7 is the HL7 v2 MLLP ingress: a TCP listener speaking the
// minimal lower layer protocol (VT payload FS CR), acknowledging each
// message with MSA|AA and feeding the raw message through the shared
// ingest path keyed by connection correlation id.
package hl7

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/imgw/ingest"
	"github.com/hazyhaar/imgw/storage"
	"github.com/hazyhaar/imgw/store"
)

// MLLP framing bytes.
const (
	startBlock = 0x0B // VT
	endBlock   = 0x1C // FS
	carriage   = 0x0D // CR
)

// Config bounds the MLLP listener.
type Config struct {
	Addr string `yaml:"addr"`
	// TimeoutSeconds is the assembler grouping window for HL7 payloads.
	TimeoutSeconds int `yaml:"timeoutSeconds" validate:"min=1"`
	// IdleTimeout closes silent connections.
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":2575"
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 5
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Service is the MLLP listener.
type Service struct {
	cfg   Config
	space *storage.Info
	pipe  *ingest.Pipeline

	mu sync.Mutex
	ln net.Listener
}

func New(cfg Config, space *storage.Info, pipe *ingest.Pipeline) *Service {
	cfg.defaults()
	return &Service{cfg: cfg, space: space, pipe: pipe}
}

// Addr returns the bound address once Run has started listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Run accepts connections until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("hl7: listen %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.cfg.Logger.Info("hl7: listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("hl7: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serve(ctx, conn)
		}()
	}
}

// serve reads MLLP frames off one connection. All messages on a connection
// share one correlation id, mirroring the DIMSE association scope.
func (s *Service) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	correlationID := uuid.NewString()
	log := s.cfg.Logger.With("correlationId", correlationID, "remote", conn.RemoteAddr().String())
	r := bufio.NewReader(conn)
	seq := 0

	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		msg, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("hl7: read", "error", err)
			}
			return
		}
		seq++
		controlID := messageControlID(msg)
		if err := s.ingestMessage(ctx, correlationID, controlID, seq, msg); err != nil {
			log.Error("hl7: ingest", "controlId", controlID, "error", err)
			conn.Write(frame(ack(controlID, "AE")))
			continue
		}
		log.Debug("hl7: message accepted", "controlId", controlID)
		if _, err := conn.Write(frame(ack(controlID, "AA"))); err != nil {
			log.Warn("hl7: ack write", "error", err)
			return
		}
	}
}

func (s *Service) ingestMessage(ctx context.Context, correlationID, controlID string, seq int, msg []byte) error {
	if !s.space.HasSpaceToStore() {
		return errors.New("hl7: insufficient storage")
	}
	identifier := fmt.Sprintf("%d-%s.hl7", seq, controlID)
	m := &store.FileMetadata{
		CorrelationID:    correlationID,
		Identifier:       identifier,
		MessageControlID: controlID,
		Source:           "Hl7",
		Service:          store.ServiceHl7,
		File:             store.FileRef{ContentType: "text/plain"},
		CreatedAt:        time.Now(),
	}
	_, err := s.pipe.Process(ctx, ingest.Object{
		Metadata:   m,
		Data:       msg,
		GroupKey:   correlationID,
		DataOrigin: "Hl7",
		Timeout:    time.Duration(s.cfg.TimeoutSeconds) * time.Second,
	})
	return err
}

// readFrame consumes one VT ... FS CR envelope.
func readFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == startBlock {
			break
		}
	}
	payload, err := r.ReadBytes(endBlock)
	if err != nil {
		return nil, err
	}
	payload = payload[:len(payload)-1]
	cr, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if cr != carriage {
		return nil, fmt.Errorf("hl7: expected CR after FS, got 0x%02X", cr)
	}
	return payload, nil
}

// frame wraps a message in the MLLP envelope.
func frame(msg []byte) []byte {
	out := make([]byte, 0, len(msg)+3)
	out = append(out, startBlock)
	out = append(out, msg...)
	out = append(out, endBlock, carriage)
	return out
}

// messageControlID extracts MSH-10.
func messageControlID(msg []byte) string {
	for _, seg := range bytes.Split(msg, []byte{'\r'}) {
		if !bytes.HasPrefix(seg, []byte("MSH")) {
			continue
		}
		fields := strings.Split(string(seg), "|")
		// MSH-1 is the field separator itself, so MSH-10 is index 9.
		if len(fields) > 9 {
			return strings.TrimSpace(fields[9])
		}
	}
	return ""
}

// ack builds an HL7 acknowledgement (MSA code AA or AE) for controlID.
func ack(controlID, code string) []byte {
	now := time.Now().Format("20060102150405")
	msh := fmt.Sprintf("MSH|^~\\&|IMGW|IMGW|||%s||ACK|%s|P|2.3", now, controlID)
	msa := fmt.Sprintf("MSA|%s|%s", code, controlID)
	return []byte(msh + "\r" + msa + "\r")
}
