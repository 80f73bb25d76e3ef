package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

// Default values for server configuration.
const (
	DefaultUpstream    = "8.8.8.8:53"
	DefaultTimeout     = 2 * time.Second
	DefaultMaxInflight = 64

	// maxDatagram covers EDNS0 payloads; classic DNS stops at 512.
	maxDatagram = 65535
)

// FilterFunc reports whether lookups of name (lowercase, no trailing dot)
// may be forwarded upstream.
type FilterFunc func(name string) bool

// Config configures a Server.
type Config struct {
	// Filter decides each query. If nil, every name is allowed.
	Filter FilterFunc

	// Upstream is the resolver queries are forwarded to over UDP.
	// Defaults to 8.8.8.8:53.
	Upstream string

	// Timeout bounds the wait for an upstream answer. Defaults to 2s.
	Timeout time.Duration

	// MaxInflight is the maximum number of queries handled concurrently.
	// Defaults to 64.
	MaxInflight int

	// StrictTypes answers FORMERR for query types other than A, AAAA and
	// CNAME instead of forwarding them.
	StrictTypes bool

	// Logger is the structured logger. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Server is a filtering DNS forwarder bound to a single packet socket.
type Server struct {
	config *Config
	dialer net.Dialer
	sem    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	conn      net.PacketConn
	closeOnce sync.Once
	closeErr  error
}

// NewServer creates a new Server with the given configuration.
// If cfg is nil, default configuration is used.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	upstream := cfg.Upstream
	if upstream == "" {
		upstream = DefaultUpstream
	}
	if _, _, err := net.SplitHostPort(upstream); err != nil {
		return nil, fmt.Errorf("proxy: invalid upstream %q: %w", upstream, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	maxInflight := cfg.MaxInflight
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config: &Config{
			Filter:      cfg.Filter,
			Upstream:    upstream,
			Timeout:     timeout,
			MaxInflight: maxInflight,
			StrictTypes: cfg.StrictTypes,
			Logger:      logger,
		},
		sem:    make(chan struct{}, maxInflight),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start serves queries arriving on conn until Close is called. The server
// takes ownership of conn.
func (s *Server) Start(conn net.PacketConn) error {
	if conn == nil {
		return errors.New("proxy: nil packet conn")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return errors.New("proxy: server already started")
	}
	if s.ctx.Err() != nil {
		return errors.New("proxy: server closed")
	}
	s.conn = conn

	s.config.Logger.Info("dns proxy started",
		"addr", conn.LocalAddr().String(),
		"upstream", s.config.Upstream,
	)

	s.wg.Add(1)
	go s.readLoop(conn)
	return nil
}

// ListenAndServe binds a UDP socket on addr and serves on it. It returns
// the bound address.
func (s *Server) ListenAndServe(addr string) (net.Addr, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("proxy: listen on %s: %w", addr, err)
	}
	if err := s.Start(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn.LocalAddr(), nil
}

// Addr returns the address the server is bound to, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Close stops the read loop, waits for in-flight queries and closes the
// socket. It is safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.closeErr = fmt.Errorf("proxy: close socket: %w", err)
			}
		}
		s.wg.Wait()

		if conn != nil {
			s.config.Logger.Info("dns proxy stopped", "addr", conn.LocalAddr().String())
		}
	})
	return s.closeErr
}

// readLoop reads datagrams and dispatches each to its own goroutine.
func (s *Server) readLoop(conn net.PacketConn) {
	defer s.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.config.Logger.Debug("dns proxy: read error", "error", err)
			continue
		}

		// Acquire semaphore slot (limit concurrency).
		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			return
		}

		query := make([]byte, n)
		copy(query, buf[:n])

		s.wg.Add(1)
		go s.handle(conn, query, addr)
	}
}

func (s *Server) handle(conn net.PacketConn, query []byte, addr net.Addr) {
	defer s.wg.Done()
	defer func() { <-s.sem }()

	resp := s.respond(s.ctx, query)
	if resp == nil {
		return
	}
	if _, err := conn.WriteTo(resp, addr); err != nil && s.ctx.Err() == nil {
		s.config.Logger.Debug("dns proxy: write error", "client", addr.String(), "error", err)
	}
}

// respond computes the reply for one datagram. It returns nil when the
// datagram is dropped.
func (s *Server) respond(ctx context.Context, query []byte) []byte {
	logger := s.config.Logger

	if len(query) < 2 {
		logger.Debug("dns proxy: dropped short datagram", "len", len(query))
		return nil
	}

	var p dnsmessage.Parser
	h, err := p.Start(query)
	if err != nil {
		logger.Debug("dns proxy: malformed header", "error", err)
		return formErr(binary.BigEndian.Uint16(query[:2]))
	}
	if h.OpCode != 0 {
		logger.Debug("dns proxy: unsupported opcode", "opcode", h.OpCode)
		return reply(h, nil, dnsmessage.RCodeFormatError)
	}
	qs, err := p.AllQuestions()
	if err != nil {
		logger.Debug("dns proxy: malformed question", "error", err)
		return reply(h, nil, dnsmessage.RCodeFormatError)
	}
	// The query is forwarded verbatim, so every name in it would reach
	// the upstream. Only single-question queries are served.
	if len(qs) != 1 {
		logger.Debug("dns proxy: unsupported question count", "count", len(qs))
		return reply(h, nil, dnsmessage.RCodeFormatError)
	}
	q := qs[0]

	name := strings.ToLower(strings.TrimSuffix(q.Name.String(), "."))
	if !supportedType(q.Type) && s.config.StrictTypes {
		logger.Debug("dns proxy: unsupported query type", "name", name, "type", q.Type.String())
		return reply(h, &q, dnsmessage.RCodeFormatError)
	}

	if s.config.Filter != nil && !s.config.Filter(name) {
		logger.Debug("dns query", "name", name, "type", q.Type.String(), "decision", "deny")
		return reply(h, &q, dnsmessage.RCodeRefused)
	}
	logger.Debug("dns query", "name", name, "type", q.Type.String(), "decision", "allow")

	resp, err := s.forward(ctx, query, h.ID)
	if err != nil {
		logger.Debug("dns proxy: upstream failed",
			"name", name,
			"upstream", s.config.Upstream,
			"error", err,
		)
		return reply(h, &q, dnsmessage.RCodeServerFailure)
	}
	return resp
}

// forward sends query verbatim to the upstream and returns the first
// response carrying the same ID.
func (s *Server) forward(ctx context.Context, query []byte, id uint16) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	up, err := s.dialer.DialContext(ctx, "udp", s.config.Upstream)
	if err != nil {
		return nil, &UpstreamError{Kind: UpstreamUnreachable, Err: err}
	}
	defer up.Close()

	// Unblock the read below when the server closes.
	stop := context.AfterFunc(ctx, func() { _ = up.SetDeadline(time.Now()) })
	defer stop()

	deadline, _ := ctx.Deadline()
	if err := up.SetDeadline(deadline); err != nil {
		return nil, &UpstreamError{Kind: UpstreamUnreachable, Err: err}
	}
	if _, err := up.Write(query); err != nil {
		return nil, &UpstreamError{Kind: UpstreamUnreachable, Err: err}
	}

	buf := make([]byte, maxDatagram)
	for {
		n, err := up.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, &UpstreamError{Kind: UpstreamTimeout, Err: err}
			}
			return nil, &UpstreamError{Kind: UpstreamUnreachable, Err: err}
		}
		if n < 2 || binary.BigEndian.Uint16(buf[:2]) != id {
			continue
		}
		resp := make([]byte, n)
		copy(resp, buf[:n])
		return resp, nil
	}
}

func supportedType(t dnsmessage.Type) bool {
	switch t {
	case dnsmessage.TypeA, dnsmessage.TypeAAAA, dnsmessage.TypeCNAME:
		return true
	}
	return false
}
