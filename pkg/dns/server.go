package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"domainlens/pkg/admission"
	"domainlens/pkg/config"
	"domainlens/pkg/logging"
	"domainlens/pkg/ratelimit"
	"domainlens/pkg/storage"
	"domainlens/pkg/telemetry"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultShutdownTimeout bounds the drain performed by Run.
const DefaultShutdownTimeout = 5 * time.Second

// Bounds of the pause between failed socket reads.
const (
	readBackoffMin = 5 * time.Millisecond
	readBackoffMax = time.Second
)

var (
	// ErrNoHandler is returned when a server is built without a handler.
	ErrNoHandler = errors.New("dns: no request handler")

	// ErrServerStopped is returned by Start after the server was shut down.
	ErrServerStopped = errors.New("dns: server stopped")
)

// State is a lifecycle phase of a Server.
type State int32

// Server lifecycle phases. Transitions only move forward.
const (
	StateCreated State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithRateLimiter drops datagrams from peers over their rate before they
// compete for admission.
func WithRateLimiter(rl *ratelimit.Manager) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithQueryLog records the outcome of every decoded query.
func WithQueryLog(st storage.Storage) Option {
	return func(s *Server) { s.queryLog = st }
}

// Server reads datagrams from one UDP socket and answers each on its own
// goroutine. An admission gate bounds the number of goroutines; when it is
// exhausted the receive loop waits for a permit instead of reading further.
type Server struct {
	conn     net.PacketConn
	handler  RequestHandler
	gate     *admission.Gate
	logger   *logging.Logger
	metrics  *telemetry.Metrics
	limiter  *ratelimit.Manager
	queryLog storage.Storage
	bufSize  int

	mu       sync.Mutex
	state    atomic.Int32
	stop     chan struct{}
	loopDone chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// NewServer validates cfg and binds a UDP socket on cfg.ListenAddress.
func NewServer(cfg *config.ServerConfig, handler RequestHandler, logger *logging.Logger, metrics *telemetry.Metrics, opts ...Option) (*Server, error) {
	if handler == nil {
		return nil, ErrNoHandler
	}
	if cfg == nil {
		return nil, fmt.Errorf("dns: nil server config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dns: %w", err)
	}

	conn, err := net.ListenPacket("udp", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("dns: listen %s: %w", cfg.ListenAddress, err)
	}

	s, err := NewServerWithConn(conn, cfg, handler, logger, metrics, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// NewServerWithConn builds a server on an already bound socket. The server
// owns conn from here on and closes it on shutdown. A nil logger means the
// global logger.
func NewServerWithConn(conn net.PacketConn, cfg *config.ServerConfig, handler RequestHandler, logger *logging.Logger, metrics *telemetry.Metrics, opts ...Option) (*Server, error) {
	if handler == nil {
		return nil, ErrNoHandler
	}
	if conn == nil {
		return nil, fmt.Errorf("dns: nil packet conn")
	}
	if cfg == nil {
		return nil, fmt.Errorf("dns: nil server config")
	}

	effective := *cfg
	effective.ListenAddress = conn.LocalAddr().String()
	if err := effective.Validate(); err != nil {
		return nil, fmt.Errorf("dns: %w", err)
	}

	gate, err := admission.New(effective.MaxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("dns: %w", err)
	}
	if logger == nil {
		logger = logging.Global()
	}

	s := &Server{
		conn:     conn,
		handler:  handler,
		gate:     gate,
		logger:   logger,
		metrics:  metrics,
		bufSize:  effective.ReceiveBufferSize,
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Addr returns the local socket address.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// State returns the current lifecycle phase.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Done is closed once the server reaches StateStopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the fatal socket error that stopped the server, if any.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// InFlight returns the number of requests currently being handled.
func (s *Server) InFlight() int {
	return s.gate.InFlight()
}

// Start launches the receive loop. It is a no-op while running and fails
// with ErrServerStopped once shutdown has begun.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateRunning:
		return nil
	case StateShuttingDown, StateStopped:
		return ErrServerStopped
	}

	s.state.Store(int32(StateRunning))
	go s.receiveLoop()

	s.logger.Info("DNS server started",
		"address", s.conn.LocalAddr().String(),
		"max_concurrency", s.gate.Capacity(),
		"receive_buffer_size", s.bufSize,
	)
	return nil
}

// Run starts the server and blocks until ctx is done or the socket fails.
// On ctx cancellation it shuts down, allowing DefaultShutdownTimeout for
// in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case <-s.done:
		return s.Err()
	}
}

// Shutdown stops reading, refuses further admissions and waits for admitted
// requests to finish before closing the socket. If ctx ends first the socket
// is closed anyway and ctx.Err() is returned; late sends then fail and are
// logged.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	switch s.State() {
	case StateCreated:
		s.state.Store(int32(StateStopped))
		s.mu.Unlock()
		s.gate.Close()
		_ = s.conn.Close()
		s.closeDone()
		return nil
	case StateShuttingDown:
		s.mu.Unlock()
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case StateStopped:
		s.mu.Unlock()
		return nil
	}
	s.state.Store(int32(StateShuttingDown))
	s.mu.Unlock()

	s.logger.Info("Shutting down DNS server", "in_flight", s.gate.InFlight())

	close(s.stop)
	s.gate.Close()
	// Unblock the pending ReadFrom.
	_ = s.conn.SetReadDeadline(time.Now())

	var err error
	select {
	case <-s.loopDone:
		err = s.gate.Wait(ctx)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		s.logger.Warn("Shutdown deadline reached before drain",
			"in_flight", s.gate.InFlight(),
			"error", err)
	}

	if closeErr := s.conn.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		s.logger.Warn("Failed to close UDP socket", "error", closeErr)
	}

	s.mu.Lock()
	s.state.Store(int32(StateStopped))
	s.mu.Unlock()
	s.closeDone()

	if err == nil {
		s.logger.Info("DNS server shut down successfully")
	}
	return err
}

func (s *Server) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Server) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// fail records a fatal socket error and stops the server once the admitted
// workers have finished. A concurrent Shutdown waits for the same drain.
func (s *Server) fail(err error) {
	s.mu.Lock()
	if s.State() != StateRunning {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.state.Store(int32(StateShuttingDown))
	s.mu.Unlock()

	s.logger.Error("DNS server socket failed", "error", err, "in_flight", s.gate.InFlight())
	s.gate.Close()
	_ = s.gate.Wait(context.Background())

	s.mu.Lock()
	s.state.Store(int32(StateStopped))
	s.mu.Unlock()
	s.closeDone()
}

// nextReadBackoff doubles the pause after a failed read, within bounds.
func nextReadBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return readBackoffMin
	}
	return min(2*d, readBackoffMax)
}

// receiveLoop is the only reader of the socket and the only acquirer of
// permits.
func (s *Server) receiveLoop() {
	defer close(s.loopDone)

	ctx := context.Background()
	buf := make([]byte, s.bufSize)
	var backoff time.Duration

	for {
		n, peer, err := s.conn.ReadFrom(buf)
		if err != nil {
			if s.stopping() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				s.fail(err)
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			backoff = nextReadBackoff(backoff)
			s.logger.Warn("UDP read failed", "error", err, "retry_in", backoff)
			s.metrics.RecordDrop(ctx, telemetry.DropReasonTransport)
			select {
			case <-s.stop:
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		received := time.Now()
		s.metrics.RecordReceived(ctx)
		payload := slices.Clone(buf[:n])

		if allowed, label := s.limiter.Allow(clientIP(peer)); !allowed {
			s.metrics.AddRateLimitViolation(ctx)
			s.metrics.RecordDrop(ctx, telemetry.DropReasonRateLimit)
			s.logger.Debug("Datagram rate limited", "client", clientIP(peer), "limit", label)
			continue
		}

		permit, err := s.gate.Acquire(ctx)
		if err != nil {
			s.metrics.RecordDrop(ctx, telemetry.DropReasonBackpressure)
			if s.stopping() || errors.Is(err, admission.ErrGateClosed) {
				return
			}
			continue
		}

		go s.serve(permit, payload, peer, received)
	}
}

// serve handles one admitted datagram. Every path releases the permit.
func (s *Server) serve(permit *admission.Permit, payload []byte, peer net.Addr, received time.Time) {
	defer permit.Release()

	ctx := context.Background()
	s.metrics.AddInFlight(ctx, 1)
	defer s.metrics.AddInFlight(ctx, -1)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Request handler panicked",
				"client", clientIP(peer),
				"panic", r,
				"stack", string(debug.Stack()))
			s.metrics.RecordDrop(ctx, telemetry.DropReasonPanic)
		}
	}()

	req := new(dns.Msg)
	if err := req.Unpack(payload); err != nil {
		s.logger.Debug("Dropping undecodable datagram",
			"client", clientIP(peer),
			"size", len(payload),
			"error", err)
		s.metrics.RecordDrop(ctx, telemetry.DropReasonDecode)
		return
	}

	var domain, qtype string
	if len(req.Question) > 0 {
		domain = req.Question[0].Name
		qtype = dnsTypeLabel(req.Question[0].Qtype)
	}

	ctx, span := s.metrics.StartSpan(ctx, "dns.query",
		attribute.String("dns.question.name", domain),
		attribute.String("dns.question.type", qtype),
	)
	defer span.End()

	ctx, decision := WithDecision(ctx)
	resp := s.handler.Handle(ctx, req, peer)
	if resp == nil {
		s.metrics.RecordDrop(ctx, telemetry.DropReasonNoResponse)
		s.logQuery(ctx, req, nil, peer, decision, received)
		return
	}

	wire, err := resp.Pack()
	if err != nil {
		s.logger.Error("Failed to encode response",
			"client", clientIP(peer),
			"domain", domain,
			"error", err)
		s.metrics.RecordDrop(ctx, telemetry.DropReasonEncode)
		return
	}

	if _, err := s.conn.WriteTo(wire, peer); err != nil {
		s.logger.Warn("Failed to send response",
			"client", clientIP(peer),
			"domain", domain,
			"error", err)
		s.metrics.RecordDrop(ctx, telemetry.DropReasonTransport)
		return
	}

	s.metrics.RecordResponse(ctx, rcodeLabel(resp.Rcode), time.Since(received))
	s.logQuery(ctx, req, resp, peer, decision, received)
}
