package dns

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"domainlens/pkg/config"
	"domainlens/pkg/logging"
	"domainlens/pkg/ratelimit"
	"domainlens/pkg/storage"

	"github.com/bassosimone/dnscodec"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServerConfig(concurrency int) *config.ServerConfig {
	return &config.ServerConfig{
		ListenAddress:     "127.0.0.1:0",
		MaxConcurrency:    concurrency,
		ReceiveBufferSize: 2048,
	}
}

// startServer binds a loopback server and shuts it down at test end.
func startServer(t *testing.T, handler RequestHandler, concurrency int, opts ...Option) *Server {
	t.Helper()

	srv, err := NewServer(testServerConfig(concurrency), handler, logging.NewDiscard(), nil, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func query(t *testing.T, name string, qtype uint16) *dns.Msg {
	t.Helper()
	msg, err := dnscodec.NewQuery(name, qtype).NewMsg()
	require.NoError(t, err)
	return msg
}

func exchange(addr net.Addr, msg *dns.Msg, timeout time.Duration) (*dns.Msg, error) {
	client := &dns.Client{Net: "udp", Timeout: timeout}
	resp, _, err := client.Exchange(msg, addr.String())
	return resp, err
}

// rawExchange sends payload as-is and waits for one datagram back.
func rawExchange(addr net.Addr, payload []byte, timeout time.Duration) (*dns.Msg, error) {
	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(payload); err != nil {
		return nil, err
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	resp := new(dns.Msg)
	if err := resp.Unpack(buf[:n]); err != nil {
		return nil, err
	}
	return resp, nil
}

func TestServer_IndexScenario(t *testing.T) {
	h := NewIndexHandler(holderWith("example.com", "test.org"), nil)
	srv := startServer(t, h, 8)

	for _, name := range []string{"example.com", "test.org"} {
		resp, err := exchange(srv.Addr(), query(t, name, dns.TypeA), time.Second)
		require.NoError(t, err, name)
		assert.Equal(t, dns.RcodeSuccess, resp.Rcode, name)
		require.Len(t, resp.Answer, 1, name)
		assert.True(t, resp.Answer[0].(*dns.A).A.Equal(net.IPv4(127, 0, 0, 1)))
	}

	resp, err := exchange(srv.Addr(), query(t, "missing.net", dns.TypeA), time.Second)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
}

func TestServer_StaticScenario(t *testing.T) {
	srv := startServer(t, NewStaticHandler(), 8)

	req := query(t, "www.example.org", dns.TypeA)
	req.RecursionDesired = true
	resp, err := exchange(srv.Addr(), req, time.Second)
	require.NoError(t, err)

	assert.Equal(t, req.Id, resp.Id)
	assert.True(t, resp.RecursionDesired)
	assert.True(t, resp.RecursionAvailable)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	a := resp.Answer[0].(*dns.A)
	assert.Equal(t, "www.example.org.", a.Hdr.Name)
	assert.Equal(t, uint32(60), a.Hdr.Ttl)
	assert.True(t, a.A.Equal(net.IPv4(127, 0, 0, 1)))
}

func TestServer_ZeroQuestionFormErr(t *testing.T) {
	srv := startServer(t, NewStaticHandler(), 8)

	req := new(dns.Msg)
	req.Id = 777
	payload, err := req.Pack()
	require.NoError(t, err)

	resp, err := rawExchange(srv.Addr(), payload, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint16(777), resp.Id)
	assert.Equal(t, dns.RcodeFormatError, resp.Rcode)
	assert.Empty(t, resp.Answer)
}

func TestServer_Lifecycle(t *testing.T) {
	srv, err := NewServer(testServerConfig(4), NewStaticHandler(), logging.NewDiscard(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, srv.State())

	require.NoError(t, srv.Start())
	require.NoError(t, srv.Start(), "Start is idempotent while running")
	assert.Equal(t, StateRunning, srv.State())

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, srv.State())
	require.NoError(t, srv.Shutdown(context.Background()), "second Shutdown is a no-op")

	select {
	case <-srv.Done():
	default:
		t.Fatal("Done must be closed after shutdown")
	}
	assert.NoError(t, srv.Err())
	assert.ErrorIs(t, srv.Start(), ErrServerStopped)
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	srv, err := NewServer(testServerConfig(4), NewStaticHandler(), logging.NewDiscard(), nil)
	require.NoError(t, err)

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, srv.State())
	assert.ErrorIs(t, srv.Start(), ErrServerStopped)
}

func TestServer_Run(t *testing.T) {
	srv, err := NewServer(testServerConfig(4), NewStaticHandler(), logging.NewDiscard(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.State() == StateRunning }, time.Second, 5*time.Millisecond)
	_, err = exchange(srv.Addr(), query(t, "example.com", dns.TypeA), time.Second)
	require.NoError(t, err)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, StateStopped, srv.State())
}

func TestNewServer_Validation(t *testing.T) {
	logger := logging.NewDiscard()

	_, err := NewServer(testServerConfig(4), nil, logger, nil)
	assert.ErrorIs(t, err, ErrNoHandler)

	tests := []struct {
		name   string
		mutate func(*config.ServerConfig)
	}{
		{"bad address", func(c *config.ServerConfig) { c.ListenAddress = "not-an-address" }},
		{"zero concurrency", func(c *config.ServerConfig) { c.MaxConcurrency = 0 }},
		{"tiny buffer", func(c *config.ServerConfig) { c.ReceiveBufferSize = 100 }},
		{"huge buffer", func(c *config.ServerConfig) { c.ReceiveBufferSize = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testServerConfig(4)
			tt.mutate(cfg)
			srv, err := NewServer(cfg, NewStaticHandler(), logger, nil)
			assert.Error(t, err)
			assert.Nil(t, srv)
		})
	}
}

func TestServer_ShutdownDrainsHeldPermit(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	handler := HandlerFunc(func(ctx context.Context, req *dns.Msg, peer net.Addr) *dns.Msg {
		once.Do(func() { close(entered) })
		<-release
		return NewStaticHandler().Handle(ctx, req, peer)
	})
	srv := startServer(t, handler, 4)

	req := query(t, "example.com", dns.TypeA)
	respCh := make(chan *dns.Msg, 1)
	go func() {
		resp, _ := exchange(srv.Addr(), req, 5*time.Second)
		respCh <- resp
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never called")
	}
	assert.Equal(t, 1, srv.InFlight())

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- srv.Shutdown(ctx)
	}()

	require.Eventually(t, func() bool { return srv.State() == StateShuttingDown }, time.Second, 5*time.Millisecond)
	select {
	case <-shutdownErr:
		t.Fatal("Shutdown returned while a worker still held a permit")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case resp := <-respCh:
		require.NotNil(t, resp, "admitted request must still be answered")
		assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	case <-time.After(3 * time.Second):
		t.Fatal("no response from draining worker")
	}

	select {
	case err := <-shutdownErr:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not complete")
	}
	assert.Equal(t, StateStopped, srv.State())
	assert.Equal(t, 0, srv.InFlight())
}

func TestServer_ShutdownDeadline(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	var once sync.Once

	handler := HandlerFunc(func(ctx context.Context, req *dns.Msg, peer net.Addr) *dns.Msg {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})
	srv, err := NewServer(testServerConfig(2), handler, logging.NewDiscard(), nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	req := query(t, "example.com", dns.TypeA)
	go func() { _, _ = exchange(srv.Addr(), req, 500*time.Millisecond) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, srv.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateStopped, srv.State())
}

func TestServer_ConcurrencyBound(t *testing.T) {
	const capacity = 2
	var active, peak atomic.Int32

	handler := HandlerFunc(func(ctx context.Context, req *dns.Msg, peer net.Addr) *dns.Msg {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return NewStaticHandler().Handle(ctx, req, peer)
	})
	srv := startServer(t, handler, capacity)

	var wg sync.WaitGroup
	var answered atomic.Int32
	for i := 0; i < 10; i++ {
		req := query(t, "example.com", dns.TypeA)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp, err := exchange(srv.Addr(), req, 3*time.Second); err == nil && resp != nil {
				answered.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, answered.Load(), "queued datagrams are answered once permits free up")
	assert.LessOrEqual(t, peak.Load(), int32(capacity))
	assert.Equal(t, 0, srv.InFlight())
}

func TestServer_RateLimit(t *testing.T) {
	limiter := ratelimit.NewManager(&config.RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 0.001,
		Burst:             1,
	}, logging.NewDiscard())
	defer limiter.Stop()

	srv := startServer(t, NewStaticHandler(), 4, WithRateLimiter(limiter))

	_, err := exchange(srv.Addr(), query(t, "example.com", dns.TypeA), time.Second)
	require.NoError(t, err, "first query fits the burst")

	_, err = exchange(srv.Addr(), query(t, "example.com", dns.TypeA), 200*time.Millisecond)
	assert.Error(t, err, "second query is dropped without a response")
}

type recordingLog struct {
	storage.NoOpStorage
	mu      sync.Mutex
	entries []*storage.QueryLog
}

func (r *recordingLog) LogQuery(_ context.Context, q *storage.QueryLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, q)
	return nil
}

func (r *recordingLog) snapshot() []*storage.QueryLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*storage.QueryLog(nil), r.entries...)
}

func TestServer_QueryLog(t *testing.T) {
	qlog := &recordingLog{}
	h := NewIndexHandler(holderWith("example.com"), nil)
	srv := startServer(t, h, 4, WithQueryLog(qlog))

	_, err := exchange(srv.Addr(), query(t, "example.com", dns.TypeA), time.Second)
	require.NoError(t, err)
	_, err = exchange(srv.Addr(), query(t, "missing.net", dns.TypeA), time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(qlog.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	byDomain := map[string]*storage.QueryLog{}
	for _, e := range qlog.snapshot() {
		byDomain[e.Domain] = e
	}

	hit := byDomain["example.com."]
	require.NotNil(t, hit)
	assert.Equal(t, storage.OutcomeAnswered, hit.Outcome)
	assert.True(t, hit.Matched)
	assert.Equal(t, "A", hit.QueryType)
	assert.Equal(t, "127.0.0.1", hit.ClientIP)

	miss := byDomain["missing.net."]
	require.NotNil(t, miss)
	assert.Equal(t, storage.OutcomeNXDomain, miss.Outcome)
	assert.False(t, miss.Matched)
	assert.Equal(t, dns.RcodeNameError, miss.ResponseCode)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "shutting_down", StateShuttingDown.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(9)", State(9).String())
}
