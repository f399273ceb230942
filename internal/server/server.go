// Package server exposes the daemon's control surface: a unix domain socket
// speaking newline-delimited JSON. Each connection gets one reader and one
// writer goroutine; subscribed events share the writer with command responses.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/stenoproject/stenod/internal/broadcast"
	"github.com/stenoproject/stenod/internal/log"
	"github.com/stenoproject/stenod/internal/protocol"
)

// Server accepts control connections on a unix socket.
type Server struct {
	path        string
	dispatcher  *Dispatcher
	broadcaster *broadcast.Broadcaster
	logger      zerolog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[string]*Conn
	closed bool

	wg sync.WaitGroup
}

// New builds a server listening on the given socket path once Run is called.
func New(path string, d *Dispatcher, b *broadcast.Broadcaster) *Server {
	return &Server{
		path:        path,
		dispatcher:  d,
		broadcaster: b,
		logger:      log.WithComponent("server"),
		conns:       make(map[string]*Conn),
	}
}

// Run listens and serves until ctx is cancelled. The caller must hold the
// daemon pid file before Run: that ownership is what makes a leftover socket
// file from a dead process safe to unlink.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.logger.Info().Str(log.FieldPath, s.path).Msg("control socket listening")
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closed
			s.mu.Unlock()
			if closing {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go s.handle(ctx, nc)
	}
}

// Close stops the listener and tears down every open connection. Idempotent.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.ln
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	_ = os.Remove(s.path)
}

func (s *Server) listen() (net.Listener, error) {
	ln, err := net.Listen("unix", s.path)
	if err == nil {
		return ln, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, fmt.Errorf("listen %s: %w", s.path, err)
	}
	// Pid file ownership says no other daemon is alive, so the socket file is
	// stale. Unlink and retry once.
	s.logger.Warn().Str(log.FieldPath, s.path).Msg("removing stale socket file")
	if err := os.Remove(s.path); err != nil {
		return nil, fmt.Errorf("remove stale socket %s: %w", s.path, err)
	}
	ln, err = net.Listen("unix", s.path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.path, err)
	}
	return ln, nil
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()

	var c *Conn
	c = newConn(nc, func() {
		s.broadcaster.Unsubscribe(c.ID())
		s.mu.Lock()
		delete(s.conns, c.ID())
		s.mu.Unlock()
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.conns[c.ID()] = c
	s.mu.Unlock()
	s.logger.Debug().Str(log.FieldClientID, c.ID()).Msg("connection accepted")

	defer c.Close()
	sc := bufio.NewScanner(nc)
	sc.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		resp := s.dispatcher.Handle(ctx, c, line)
		payload, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error().Err(err).Msg("response marshal failed")
			continue
		}
		if err := c.Send(payload); err != nil {
			return
		}
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.logger.Warn().Str(log.FieldClientID, c.ID()).Msg("oversized command line, closing connection")
		} else if !errors.Is(err, net.ErrClosed) {
			s.logger.Debug().Err(err).Str(log.FieldClientID, c.ID()).Msg("read failed")
		}
	}
}
