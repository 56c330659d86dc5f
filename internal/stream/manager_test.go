package stream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"flow-alerts/internal/auth"
	"flow-alerts/internal/config"
	"flow-alerts/internal/records"
	"flow-alerts/internal/summary"
)

const (
	recordA = `{"period_start":"2025-03-03T14:30:00Z","period_end":"2025-03-03T14:35:00Z","call_premium":1158667.03,"put_premium":72771,"total_premium":1231438.03,"call_put_ratio":15.92,"call_volume":1200,"put_volume":80}`
	recordB = `{"period_start":"2025-03-03T14:35:00Z","period_end":"2025-03-03T14:40:00Z","call_premium":10,"put_premium":20,"total_premium":30,"call_put_ratio":0.5,"call_volume":1,"put_volume":2}`
)

// storeSink records the subscription each record was delivered under.
type storeSink struct {
	*records.Store

	mu      sync.Mutex
	targets []Target
}

func newStoreSink() *storeSink {
	return &storeSink{Store: records.NewStore(0)}
}

func (s *storeSink) Add(target Target, rec summary.Record) {
	s.mu.Lock()
	s.targets = append(s.targets, target)
	s.mu.Unlock()
	s.Store.Add(rec)
}

func (s *storeSink) delivered() []Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Target(nil), s.targets...)
}

type fakeFeeds struct {
	mu   sync.Mutex
	feed config.FeedConfig
	ch   chan config.FeedConfig
}

func newFakeFeeds(feed config.FeedConfig) *fakeFeeds {
	return &fakeFeeds{feed: feed, ch: make(chan config.FeedConfig, 8)}
}

func (f *fakeFeeds) Feed() config.FeedConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feed
}

func (f *fakeFeeds) Subscribe() (<-chan config.FeedConfig, func()) {
	return f.ch, func() {}
}

func (f *fakeFeeds) set(feed config.FeedConfig) {
	f.mu.Lock()
	f.feed = feed
	f.mu.Unlock()
	f.ch <- feed
}

type fakeCreds struct {
	mu       sync.Mutex
	token    string
	grant    string
	failures int
	signIns  int
	ch       chan bool
}

func newFakeCreds(token string) *fakeCreds {
	return &fakeCreds{token: token, ch: make(chan bool, 16)}
}

func (c *fakeCreds) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

func (c *fakeCreds) Credential() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.token != ""
}

func (c *fakeCreds) OnAuthFailure() {
	c.mu.Lock()
	c.failures++
	c.token = ""
	c.mu.Unlock()
	c.ch <- false
}

// SignIn only counts the call; tests grant credentials explicitly.
func (c *fakeCreds) SignIn(context.Context) {
	c.mu.Lock()
	c.signIns++
	c.mu.Unlock()
}

func (c *fakeCreds) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.ch <- token != ""
}

func (c *fakeCreds) Subscribe() (<-chan bool, func()) {
	return c.ch, func() {}
}

func (c *fakeCreds) counts() (failures, signIns int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures, c.signIns
}

type handshake struct {
	query  url.Values
	header http.Header
}

// feedServer serves websocket connections; each accepted connection is handed
// to the session callback with its sequence number.
type feedServer struct {
	*httptest.Server
	attempts   atomic.Int32
	accepted   atomic.Int32
	handshakes chan handshake
	reject     atomic.Int32
}

func newFeedServer(t *testing.T, session func(n int, conn *websocket.Conn)) *feedServer {
	t.Helper()
	fs := &feedServer{handshakes: make(chan handshake, 32)}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != AnalyzePath {
			http.NotFound(w, r)
			return
		}
		fs.attempts.Add(1)
		if status := fs.reject.Load(); status != 0 {
			http.Error(w, "unauthorized", int(status))
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := int(fs.accepted.Add(1))
		fs.handshakes <- handshake{query: r.URL.Query(), header: r.Header.Clone()}
		session(n, conn)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) feed(t *testing.T, symbol string) config.FeedConfig {
	t.Helper()
	u, err := url.Parse(fs.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return config.FeedConfig{Host: host, Port: port, Symbol: symbol, Date: "2025-03-03"}
}

// holdOpen keeps the server side of a connection alive until the client leaves.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testOptions() Options {
	return Options{
		BackoffDelay:     50 * time.Millisecond,
		SettleDelay:      20 * time.Millisecond,
		PingInterval:     time.Second,
		HandshakeTimeout: time.Second,
	}
}

func startManager(t *testing.T, feeds FeedSource, creds Credentials, sink Sink) *Manager {
	t.Helper()
	m := New(testOptions(), feeds, creds, sink, zerolog.Nop())
	m.Start(context.Background())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func phaseIs(m *Manager, phase Phase) func() bool {
	return func() bool { return m.State().Phase == phase }
}

func TestConnectDeliversRecordsNewestFirst(t *testing.T) {
	srv := newFeedServer(t, func(n int, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(recordA+"\n"+recordB))
		holdOpen(conn)
	})
	store := newStoreSink()
	m := startManager(t, newFakeFeeds(srv.feed(t, "spy")), newFakeCreds("secret"), store)

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "two records", func() bool { return store.Len() == 2 })

	hs := <-srv.handshakes
	if got := hs.query.Get("ticker"); got != "SPY" {
		t.Fatalf("ticker = %q, want SPY", got)
	}
	if got := hs.query.Get("date"); got != "2025-03-03" {
		t.Fatalf("date = %q, want 2025-03-03", got)
	}
	if got := hs.header.Get("Authorization"); got != "Bearer secret" {
		t.Fatalf("Authorization = %q", got)
	}

	snap := store.Snapshot()
	if !snap[0].PeriodStart.After(snap[1].PeriodStart) {
		t.Fatalf("store not newest first: %v then %v", snap[0].PeriodStart, snap[1].PeriodStart)
	}
	if st := m.State(); st.Phase != PhaseConnected || st.Session == "" {
		t.Fatalf("state = %+v, want connected with session", st)
	}
}

func TestReconnectClearsStoreOnFirstRecordOnly(t *testing.T) {
	release := make(chan struct{})
	srv := newFeedServer(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(recordA))
			time.Sleep(20 * time.Millisecond)
			return
		}
		<-release
		_ = conn.WriteMessage(websocket.TextMessage, []byte(recordB))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(recordA))
		holdOpen(conn)
	})
	store := newStoreSink()
	m := startManager(t, newFakeFeeds(srv.feed(t, "SPY")), newFakeCreds("secret"), store)
	_ = m.Connect()

	waitFor(t, "second connection", func() bool { return srv.accepted.Load() == 2 })
	waitFor(t, "connected again", phaseIs(m, PhaseConnected))
	if store.Len() != 1 {
		t.Fatalf("store cleared before first record of new connection: len=%d", store.Len())
	}

	close(release)
	waitFor(t, "records after reconnect", func() bool { return store.Len() == 2 })
	snap := store.Snapshot()
	if snap[1].CallVolume != 1 {
		t.Fatalf("oldest record should be the first one after reconnect, got %+v", snap[1])
	}
	if m.BackoffRetries() != 1 {
		t.Fatalf("BackoffRetries() = %d, want 1", m.BackoffRetries())
	}
}

func TestAuthPayloadInvalidatesCredential(t *testing.T) {
	for _, frame := range []string{`{"error":"unauthorized"}`, `{"status":401,"message":"expired"}`} {
		t.Run(frame, func(t *testing.T) {
			srv := newFeedServer(t, func(n int, conn *websocket.Conn) {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
				holdOpen(conn)
			})
			creds := newFakeCreds("secret")
			m := startManager(t, newFakeFeeds(srv.feed(t, "SPY")), creds, newStoreSink())
			_ = m.Connect()

			waitFor(t, "auth rejection", func() bool {
				st := m.State()
				return st.Phase == PhaseError && errors.Is(st.Err, ErrAuthRejected)
			})
			failures, signIns := creds.counts()
			if failures != 1 || signIns != 1 {
				t.Fatalf("failures=%d signIns=%d, want 1/1", failures, signIns)
			}

			time.Sleep(3 * testOptions().BackoffDelay)
			if m.BackoffRetries() != 0 {
				t.Fatalf("auth rejection must not use backoff, retries=%d", m.BackoffRetries())
			}
			if srv.accepted.Load() != 1 {
				t.Fatalf("reconnected without a new credential: %d connections", srv.accepted.Load())
			}

			creds.setToken("fresh")
			waitFor(t, "reconnect after sign-in", func() bool { return srv.accepted.Load() == 2 })
		})
	}
}

func TestHandshakeRejectionIsAuthFailure(t *testing.T) {
	srv := newFeedServer(t, func(n int, conn *websocket.Conn) { holdOpen(conn) })
	srv.reject.Store(http.StatusUnauthorized)
	creds := newFakeCreds("stale")
	m := startManager(t, newFakeFeeds(srv.feed(t, "SPY")), creds, newStoreSink())
	_ = m.Connect()

	waitFor(t, "auth rejection", func() bool { return errors.Is(m.State().Err, ErrAuthRejected) })
	if failures, _ := creds.counts(); failures != 1 {
		t.Fatalf("credential not invalidated, failures=%d", failures)
	}
	if m.BackoffRetries() != 0 {
		t.Fatalf("BackoffRetries() = %d, want 0", m.BackoffRetries())
	}
}

func TestNoiseLeavesStateUnchanged(t *testing.T) {
	srv := newFeedServer(t, func(n int, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"foo":"bar"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"period_start":"2025-03`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(recordA))
		holdOpen(conn)
	})
	store := newStoreSink()
	creds := newFakeCreds("secret")
	m := startManager(t, newFakeFeeds(srv.feed(t, "SPY")), creds, store)
	_ = m.Connect()

	waitFor(t, "record after noise", func() bool { return store.Len() == 1 })
	if m.State().Phase != PhaseConnected {
		t.Fatalf("state = %v, want connected", m.State())
	}
	if failures, _ := creds.counts(); failures != 0 {
		t.Fatalf("noise invalidated credential")
	}
}

func TestTopologyChangeRebuildsConnection(t *testing.T) {
	srv := newFeedServer(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(recordA))
		}
		holdOpen(conn)
	})
	feeds := newFakeFeeds(srv.feed(t, "AAPL"))
	store := newStoreSink()
	m := startManager(t, feeds, newFakeCreds("secret"), store)
	_ = m.Connect()

	waitFor(t, "first record", func() bool { return store.Len() == 1 })
	<-srv.handshakes
	if got := store.delivered(); len(got) != 1 || got[0].Symbol != "AAPL" {
		t.Fatalf("record delivered under %+v, want AAPL", got)
	}

	epoch := store.Epoch()
	feeds.set(srv.feed(t, "MSFT"))

	waitFor(t, "store cleared", func() bool { return store.Epoch() > epoch && store.Len() == 0 })
	waitFor(t, "new connection", func() bool { return srv.accepted.Load() == 2 })
	hs := <-srv.handshakes
	if got := hs.query.Get("ticker"); got != "MSFT" {
		t.Fatalf("ticker = %q, want MSFT", got)
	}
	waitFor(t, "connected", phaseIs(m, PhaseConnected))
}

func TestSettleDebouncesBurstOfChanges(t *testing.T) {
	srv := newFeedServer(t, func(n int, conn *websocket.Conn) { holdOpen(conn) })
	feeds := newFakeFeeds(srv.feed(t, "AAPL"))
	m := New(Options{SettleDelay: 100 * time.Millisecond}, feeds, newFakeCreds("secret"), newStoreSink(), zerolog.Nop())
	m.Start(context.Background())
	t.Cleanup(func() { _ = m.Close() })

	for _, sym := range []string{"MSFT", "NVDA", "TSLA"} {
		feeds.set(srv.feed(t, sym))
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, "connection", func() bool { return srv.accepted.Load() >= 1 })
	time.Sleep(150 * time.Millisecond)
	if n := srv.accepted.Load(); n != 1 {
		t.Fatalf("connections = %d, want 1", n)
	}
	if got := (<-srv.handshakes).query.Get("ticker"); got != "TSLA" {
		t.Fatalf("ticker = %q, want TSLA", got)
	}
}

func TestTransportFailureRetriesWithoutInvalidation(t *testing.T) {
	srv := newFeedServer(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			return
		}
		holdOpen(conn)
	})
	creds := newFakeCreds("secret")
	m := startManager(t, newFakeFeeds(srv.feed(t, "SPY")), creds, newStoreSink())
	states, cancel := m.Subscribe()
	defer cancel()
	_ = m.Connect()

	var sawError bool
	timeout := time.After(3 * time.Second)
	for !sawError {
		select {
		case st := <-states:
			if st.Phase == PhaseError {
				if !errors.Is(st.Err, ErrTransportFailure) {
					t.Fatalf("error state %v, want transport failure", st)
				}
				sawError = true
			}
		case <-timeout:
			t.Fatal("no error state")
		}
	}

	waitFor(t, "automatic reconnect", func() bool { return srv.accepted.Load() == 2 })
	waitFor(t, "connected", phaseIs(m, PhaseConnected))
	if failures, signIns := creds.counts(); failures != 0 || signIns != 0 {
		t.Fatalf("transport failure touched credential: failures=%d signIns=%d", failures, signIns)
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	srv := newFeedServer(t, func(n int, conn *websocket.Conn) {})
	m := New(Options{BackoffDelay: 100 * time.Millisecond}, newFakeFeeds(srv.feed(t, "SPY")), newFakeCreds("secret"), newStoreSink(), zerolog.Nop())
	m.Start(context.Background())
	t.Cleanup(func() { _ = m.Close() })
	_ = m.Connect()

	waitFor(t, "error state", phaseIs(m, PhaseError))
	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if m.State().Phase != PhaseDisconnected {
		t.Fatalf("state = %v, want disconnected", m.State())
	}

	time.Sleep(300 * time.Millisecond)
	if n := srv.accepted.Load(); n != 1 {
		t.Fatalf("reconnected after stop: %d connections", n)
	}
	if m.State().Phase != PhaseDisconnected {
		t.Fatalf("state = %v after stop", m.State())
	}

	_ = m.Connect()
	waitFor(t, "explicit connect", func() bool { return srv.accepted.Load() == 2 })
}

func TestConnectWithoutCredentialRequestsSignIn(t *testing.T) {
	srv := newFeedServer(t, func(n int, conn *websocket.Conn) { holdOpen(conn) })
	creds := newFakeCreds("")
	m := startManager(t, newFakeFeeds(srv.feed(t, "SPY")), creds, newStoreSink())
	_ = m.Connect()

	st := m.State()
	if st.Phase != PhaseDisconnected || !errors.Is(st.Err, ErrNotAuthenticated) {
		t.Fatalf("state = %v, want disconnected(not authenticated)", st)
	}
	if _, signIns := creds.counts(); signIns != 1 {
		t.Fatalf("signIns = %d, want 1", signIns)
	}

	creds.setToken("granted")
	waitFor(t, "connected after sign-in", phaseIs(m, PhaseConnected))
	if got := (<-srv.handshakes).header.Get("Authorization"); got != "Bearer granted" {
		t.Fatalf("Authorization = %q", got)
	}
}

func TestInvalidEndpointDoesNotRetry(t *testing.T) {
	m := startManager(t, newFakeFeeds(config.FeedConfig{Host: "localhost", Port: 1, Symbol: "", Date: "2025-03-03"}), newFakeCreds("secret"), newStoreSink())
	_ = m.Connect()

	st := m.State()
	if st.Phase != PhaseError || !errors.Is(st.Err, ErrInvalidEndpoint) {
		t.Fatalf("state = %v, want error(invalid endpoint)", st)
	}
	time.Sleep(3 * testOptions().BackoffDelay)
	if m.BackoffRetries() != 0 {
		t.Fatalf("invalid endpoint scheduled retries")
	}
}

func TestCloseJoinsConnection(t *testing.T) {
	closed := make(chan struct{})
	srv := newFeedServer(t, func(n int, conn *websocket.Conn) {
		holdOpen(conn)
		close(closed)
	})
	m := New(testOptions(), newFakeFeeds(srv.feed(t, "SPY")), newFakeCreds("secret"), newStoreSink(), zerolog.Nop())
	m.Start(context.Background())
	_ = m.Connect()
	waitFor(t, "connected", phaseIs(m, PhaseConnected))

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection still open after Close")
	}
	if err := m.Connect(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect() after Close = %v, want ErrClosed", err)
	}
}

func TestStaleCredentialIsNotRetried(t *testing.T) {
	const key = "FLOWWATCH_TEST_STREAM_TOKEN"
	t.Setenv(key, "stale")

	srv := newFeedServer(t, func(n int, conn *websocket.Conn) { holdOpen(conn) })
	srv.reject.Store(http.StatusUnauthorized)

	provider := auth.NewProvider(auth.EnvSource{Key: key}, time.Second, zerolog.Nop())
	provider.Seed("stale")
	m := startManager(t, newFakeFeeds(srv.feed(t, "SPY")), provider, newStoreSink())
	_ = m.Connect()

	waitFor(t, "auth rejection", func() bool { return errors.Is(m.State().Err, ErrAuthRejected) })
	time.Sleep(300 * time.Millisecond)
	if n := srv.attempts.Load(); n != 1 {
		t.Fatalf("handshakes = %d with the same rejected token, want 1", n)
	}
	if st := m.State(); st.Phase != PhaseError || !errors.Is(st.Err, ErrAuthRejected) {
		t.Fatalf("state = %v, want error(auth rejected)", st)
	}

	t.Setenv(key, "fresh")
	srv.reject.Store(0)
	if err := m.Reconnect(); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	waitFor(t, "connected with rotated token", phaseIs(m, PhaseConnected))
	if got := (<-srv.handshakes).header.Get("Authorization"); got != "Bearer fresh" {
		t.Fatalf("Authorization = %q, want Bearer fresh", got)
	}
}

func TestSilentPeerFailsLiveness(t *testing.T) {
	stop := make(chan struct{})
	srv := newFeedServer(t, func(n int, conn *websocket.Conn) {
		// never read, so pings are never answered
		<-stop
	})
	t.Cleanup(func() { close(stop) })

	opts := testOptions()
	opts.PingInterval = 20 * time.Millisecond
	opts.PongWait = 80 * time.Millisecond
	m := New(opts, newFakeFeeds(srv.feed(t, "SPY")), newFakeCreds("secret"), newStoreSink(), zerolog.Nop())
	states, release := m.Subscribe()
	defer release()
	m.Start(context.Background())
	t.Cleanup(func() { _ = m.Close() })
	_ = m.Connect()

	var connected bool
	timeout := time.After(3 * time.Second)
	for {
		select {
		case st := <-states:
			if st.Phase == PhaseConnected {
				connected = true
			}
			if st.Phase == PhaseError {
				if !connected {
					t.Fatalf("error before connect: %v", st)
				}
				if !errors.Is(st.Err, ErrTransportFailure) {
					t.Fatalf("error state %v, want transport failure", st)
				}
				if m.BackoffRetries() < 1 {
					t.Fatal("liveness failure should schedule a reconnect")
				}
				return
			}
		case <-timeout:
			t.Fatalf("silent peer never detected, state %v", m.State())
		}
	}
}
