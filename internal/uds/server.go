package uds

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// HandlerFunc serves one command. ctx carries the command's budget and is
// canceled when the server stops.
type HandlerFunc func(ctx context.Context, req *Request) *Response

const (
	DefaultReadTimeout    = 10 * time.Second
	DefaultCommandTimeout = 30 * time.Second
	writeTimeout          = 10 * time.Second
)

type route struct {
	fn      HandlerFunc
	timeout time.Duration
}

// RouteOption customizes one registered command.
type RouteOption func(*route)

// WithTimeout sets the command's budget. Commands that run the pipeline need
// far more than the default.
func WithTimeout(d time.Duration) RouteOption {
	return func(r *route) {
		if d > 0 {
			r.timeout = d
		}
	}
}

type Server struct {
	socketPath  string
	logger      *log.Logger
	readTimeout time.Duration

	mu     sync.RWMutex
	routes map[string]route

	listener net.Listener
	conns    sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewServer(socketPath string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		logger:      logger,
		readTimeout: DefaultReadTimeout,
		routes:      make(map[string]route),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetReadTimeout bounds how long a client may take to send its request.
func (s *Server) SetReadTimeout(d time.Duration) {
	s.readTimeout = d
}

func (s *Server) Handle(command string, fn HandlerFunc, opts ...RouteOption) {
	r := route{fn: fn, timeout: DefaultCommandTimeout}
	for _, opt := range opts {
		opt(&r)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[command] = r
}

func (s *Server) Start() error {
	// A stale socket from a crashed daemon would make Listen fail.
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln

	s.conns.Add(1)
	go func() {
		defer s.conns.Done()
		s.serve(ln)
	}()
	return nil
}

func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.conns.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

// serve accepts until the listener closes, backing off on repeated accept errors.
func (s *Server) serve(ln net.Listener) {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err == nil {
			backoff = 0
			s.conns.Add(1)
			go s.serveConn(conn)
			continue
		}
		if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			return
		}
		if backoff == 0 {
			backoff = 5 * time.Millisecond
		} else if backoff *= 2; backoff > time.Second {
			backoff = time.Second
		}
		s.logger.Printf("uds: accept: %v; retrying in %s", err, backoff)
		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.conns.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Printf("uds: read request: %v", err)
		return
	}
	// The handler may run long; the client waits on an open connection.
	_ = conn.SetReadDeadline(time.Time{})

	resp := s.dispatch(&req)

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Printf("uds: write %s response: %v", req.Command, err)
	}
}

func (s *Server) dispatch(req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}
	s.mu.RLock()
	r, ok := s.routes[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	ctx, cancel := context.WithTimeout(s.ctx, r.timeout)
	defer cancel()
	return s.call(ctx, r.fn, req)
}

func (s *Server) call(ctx context.Context, fn HandlerFunc, req *Request) (resp *Response) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Printf("uds: panic in %s handler: %v\n%s", req.Command, p, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s handler panicked", req.Command))
		}
	}()
	if resp = fn(ctx, req); resp == nil {
		resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s handler returned no response", req.Command))
	}
	return resp
}
