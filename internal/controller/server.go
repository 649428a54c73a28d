// Package controller implements the operator side: it accepts one agent
// connection, drives it from an interactive prompt, and keeps the files the
// agent sends back.
package controller

import (
	"context"
	"fmt"
	"net"

	"github.com/ethan516/trawl/internal/logger"
	"github.com/ethan516/trawl/internal/protocol"
	"github.com/ethan516/trawl/internal/transport"
)

// Server accepts exactly one agent connection. The listener is closed once
// that connection is established.
type Server struct {
	ln  transport.Listener
	log *logger.Logger
}

// Listen binds addr. A bind failure is returned immediately.
func Listen(addr string, log *logger.Logger) (*Server, error) {
	log = log.With("component", "server")
	ln, err := transport.Listen(addr, log)
	if err != nil {
		return nil, err
	}
	log.Info(context.Background(), "listening for agent", "addr", ln.Addr())
	return &Server{ln: ln, log: log}, nil
}

// Addr returns an address an agent can dial.
func (s *Server) Addr() string { return s.ln.Addr() }

// Accept waits for the agent and closes the listener.
func (s *Server) Accept(ctx context.Context) (*protocol.Channel, error) {
	defer s.ln.Close()

	rwc, err := s.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept agent: %w", err)
	}

	if conn, ok := rwc.(net.Conn); ok {
		s.log.Info(ctx, "agent connected", "remote_addr", conn.RemoteAddr().String())
	} else {
		s.log.Info(ctx, "agent connected")
	}
	return protocol.NewChannel(rwc), nil
}

// Close releases the listener if no agent was accepted.
func (s *Server) Close() error { return s.ln.Close() }
