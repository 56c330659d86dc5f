// Package stream owns the feed connection: it connects, probes, reconnects and
// decides when records already held in memory must be discarded.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"flow-alerts/internal/config"
	"flow-alerts/internal/summary"
)

const (
	defaultBackoffDelay     = 5 * time.Second
	defaultSettleDelay      = 500 * time.Millisecond
	defaultPingInterval     = 30 * time.Second
	defaultHandshakeTimeout = 15 * time.Second

	// writeWait bounds probe and close frames.
	writeWait = 10 * time.Second

	maxFrameSize = 1 << 20
)

// FeedSource supplies the subscription settings and their changes.
type FeedSource interface {
	Feed() config.FeedConfig
	Subscribe() (<-chan config.FeedConfig, func())
}

// Credentials supplies the bearer token.
type Credentials interface {
	IsAuthenticated() bool
	Credential() (string, bool)
	OnAuthFailure()
	SignIn(ctx context.Context)
	Subscribe() (<-chan bool, func())
}

// Sink receives decoded records tagged with the subscription that produced them.
type Sink interface {
	Reset()
	Add(target Target, rec summary.Record)
}

// Options tune the lifecycle timings.
type Options struct {
	BackoffDelay time.Duration
	SettleDelay  time.Duration
	PingInterval time.Duration
	// PongWait bounds the silence tolerated from the peer. Values not above
	// PingInterval fall back to twice the interval.
	PongWait         time.Duration
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.BackoffDelay <= 0 {
		o.BackoffDelay = defaultBackoffDelay
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = defaultSettleDelay
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = 2 * o.PingInterval
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: o.HandshakeTimeout,
		}
	}
	return o
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdReconnect
)

type command struct {
	kind commandKind
	done chan struct{}
}

type eventKind int

const (
	evDialed eventKind = iota
	evRecord
	evAuthPayload
	evTransportFailed
)

type event struct {
	kind   eventKind
	connID uint64
	ws     *websocket.Conn
	rec    summary.Record
	err    error
}

type activeConn struct {
	id      uint64
	session string
	ws      *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
}

// Manager drives the connection state machine. All lifecycle decisions are
// taken on a single event-loop goroutine started by Start.
type Manager struct {
	opts   Options
	feeds  FeedSource
	creds  Credentials
	sink   Sink
	logger zerolog.Logger

	cmds       chan command
	events     chan event
	loopDone   chan struct{}
	loopCancel context.CancelFunc
	started    atomic.Bool

	stateMu  sync.RWMutex
	state    State
	watchers map[int]chan State
	nextID   int

	backoffRetries atomic.Int64

	// owned by the event loop
	ctx           context.Context
	conn          *activeConn
	connSeq       uint64
	connWG        sync.WaitGroup
	target        Target
	pendingReset  bool
	wantConnected bool
	awaitingAuth  bool
	backoff       *time.Timer
	backoffC      <-chan time.Time
	settle        *time.Timer
	settleC       <-chan time.Time
}

// New constructs a manager. It registers on the feed source and credential
// provider when Start is called.
func New(opts Options, feeds FeedSource, creds Credentials, sink Sink, logger zerolog.Logger) *Manager {
	return &Manager{
		opts:     opts.withDefaults(),
		feeds:    feeds,
		creds:    creds,
		sink:     sink,
		logger:   logger.With().Str("component", "stream").Logger(),
		cmds:     make(chan command),
		events:   make(chan event),
		loopDone: make(chan struct{}),
		state:    State{Phase: PhaseDisconnected, Since: time.Now()},
		watchers: make(map[int]chan State),
	}
}

// Start runs the event loop until ctx is cancelled. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	feedCh, cancelFeed := m.feeds.Subscribe()
	authCh, cancelAuth := m.creds.Subscribe()
	ctx, m.loopCancel = context.WithCancel(ctx)
	m.ctx = ctx

	go func() {
		defer close(m.loopDone)
		defer cancelFeed()
		defer cancelAuth()
		m.loop(ctx, feedCh, authCh)
	}()
}

// Close stops the event loop, tears down any connection and waits for every
// goroutine the manager started.
func (m *Manager) Close() error {
	if !m.started.Load() {
		return nil
	}
	m.loopCancel()
	<-m.loopDone
	return nil
}

// Done is closed once the event loop has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.loopDone
}

// Connect requests a connection to the configured subscription.
func (m *Manager) Connect() error {
	return m.send(cmdConnect)
}

// Disconnect stops the connection. When it returns, the pending reconnect and
// settle timers are cancelled, probing has stopped and the transport is closed.
func (m *Manager) Disconnect() error {
	return m.send(cmdDisconnect)
}

// Reconnect tears the connection down and immediately connects again.
func (m *Manager) Reconnect() error {
	return m.send(cmdReconnect)
}

func (m *Manager) send(kind commandKind) error {
	if !m.started.Load() {
		return fmt.Errorf("stream: manager not started")
	}
	cmd := command{kind: kind, done: make(chan struct{})}
	select {
	case m.cmds <- cmd:
	case <-m.loopDone:
		return ErrClosed
	}
	select {
	case <-cmd.done:
		return nil
	case <-m.loopDone:
		return ErrClosed
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// BackoffRetries counts reconnects scheduled through the transport backoff path.
func (m *Manager) BackoffRetries() int64 {
	return m.backoffRetries.Load()
}

// Subscribe returns a channel of state transitions and a release function.
func (m *Manager) Subscribe() (<-chan State, func()) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan State, 64)
	m.watchers[id] = ch

	cancel := func() {
		m.stateMu.Lock()
		defer m.stateMu.Unlock()
		if _, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (m *Manager) loop(ctx context.Context, feedCh <-chan config.FeedConfig, authCh <-chan bool) {
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-m.cmds:
			m.handleCommand(cmd)
			close(cmd.done)

		case ev := <-m.events:
			m.handleEvent(ev)

		case feed, ok := <-feedCh:
			if !ok {
				feedCh = nil
				continue
			}
			m.handleTopologyChange(feed)

		case authenticated, ok := <-authCh:
			if !ok {
				authCh = nil
				continue
			}
			m.handleAuthChange(authenticated)

		case <-m.backoffC:
			m.backoffC = nil
			if m.wantConnected && m.State().Phase == PhaseError {
				m.logger.Info().Msg("backoff elapsed; reconnecting")
				m.connect()
			}

		case <-m.settleC:
			m.settleC = nil
			m.logger.Debug().Msg("settle delay elapsed; connecting")
			m.connect()
		}
	}
}

func (m *Manager) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdConnect:
		m.connect()
	case cmdDisconnect:
		m.stop()
	case cmdReconnect:
		m.cancelTimers()
		m.teardown()
		m.connect()
	}
}

func (m *Manager) handleEvent(ev event) {
	if m.conn == nil || ev.connID != m.conn.id {
		if ev.ws != nil {
			_ = ev.ws.Close()
		}
		return
	}

	switch ev.kind {
	case evDialed:
		m.onDialed(ev)
	case evRecord:
		if m.State().Phase != PhaseConnected {
			return
		}
		if m.pendingReset {
			m.sink.Reset()
			m.pendingReset = false
			m.logger.Debug().Str("session", m.conn.session).Msg("first record after connect; store reset")
		}
		m.sink.Add(m.target, ev.rec)
	case evAuthPayload:
		m.rejectCredential(ev.err)
	case evTransportFailed:
		m.failTransport(ev.err)
	}
}

func (m *Manager) handleTopologyChange(feed config.FeedConfig) {
	m.logger.Info().
		Str("host", feed.Host).
		Int("port", feed.Port).
		Str("symbol", feed.Symbol).
		Str("date", feed.Date).
		Msg("topology change; rebuilding connection")

	m.cancelTimers()
	m.teardown()
	m.sink.Reset()
	m.setState(PhaseDisconnected, nil, "")

	m.wantConnected = true
	m.armSettle()
}

func (m *Manager) handleAuthChange(authenticated bool) {
	if authenticated {
		if m.awaitingAuth && m.wantConnected {
			m.awaitingAuth = false
			m.logger.Info().Msg("credential available; connecting")
			m.connect()
		}
		return
	}

	phase := m.State().Phase
	if phase == PhaseConnecting || phase == PhaseConnected {
		m.logger.Warn().Msg("credential withdrawn; disconnecting")
		m.cancelTimers()
		m.teardown()
		m.awaitingAuth = true
		m.setState(PhaseDisconnected, ErrNotAuthenticated, "")
	}
}

func (m *Manager) connect() {
	m.wantConnected = true
	m.stopBackoff()

	feed := m.feeds.Feed()
	token, hasToken := m.creds.Credential()
	target := TargetFor(feed, hasToken)

	phase := m.State().Phase
	if m.conn != nil && target.Equal(m.target) && (phase == PhaseConnecting || phase == PhaseConnected) {
		return
	}

	endpoint, err := target.URL()
	if err != nil {
		m.teardown()
		m.target = target
		m.logger.Error().Err(err).Msg("cannot build feed endpoint")
		m.setState(PhaseError, err, "")
		return
	}

	if !hasToken {
		m.teardown()
		m.target = target
		m.awaitingAuth = true
		m.setState(PhaseDisconnected, ErrNotAuthenticated, "")
		m.logger.Info().Msg("no credential; requesting sign-in")
		m.creds.SignIn(m.ctx)
		return
	}

	m.teardown()
	m.target = target
	m.awaitingAuth = false

	m.connSeq++
	connCtx, cancel := context.WithCancel(m.ctx)
	conn := &activeConn{id: m.connSeq, session: uuid.NewString(), ctx: connCtx, cancel: cancel}
	m.conn = conn

	m.setState(PhaseConnecting, nil, conn.session)
	m.logger.Info().
		Str("session", conn.session).
		Str("url", endpoint.String()).
		Msg("connecting to feed")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	m.connWG.Add(1)
	go m.dial(connCtx, conn.id, endpoint.String(), header)
}

func (m *Manager) dial(ctx context.Context, id uint64, endpoint string, header http.Header) {
	defer m.connWG.Done()

	ws, resp, err := m.opts.Dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil && resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		m.post(ctx, event{kind: evAuthPayload, connID: id, err: fmt.Errorf("handshake rejected with status %d", resp.StatusCode)})
		return
	}
	if err != nil {
		m.post(ctx, event{kind: evDialed, connID: id, err: err})
		return
	}
	if !m.post(ctx, event{kind: evDialed, connID: id, ws: ws}) {
		_ = ws.Close()
	}
}

func (m *Manager) onDialed(ev event) {
	if ev.err != nil {
		m.failTransport(ev.err)
		return
	}

	conn := m.conn
	conn.ws = ev.ws
	conn.ws.SetReadLimit(maxFrameSize)
	pongWait := m.opts.PongWait
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	m.pendingReset = true
	m.setState(PhaseConnected, nil, conn.session)
	m.logger.Info().Str("session", conn.session).Str("symbol", m.target.Symbol).Str("date", m.target.Date).Msg("feed connected")

	m.connWG.Add(2)
	go m.readLoop(conn.ctx, conn.id, conn.ws)
	go m.pingLoop(conn.ctx, conn.id, conn.ws)
}

// readLoop issues one read at a time and hands each decoded line to the event
// loop before reading again. Any frame or pong from the peer extends the read
// deadline; a silent peer surfaces as a read timeout.
func (m *Manager) readLoop(ctx context.Context, id uint64, ws *websocket.Conn) {
	defer m.connWG.Done()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.post(ctx, event{kind: evTransportFailed, connID: id, err: fmt.Errorf("read: %w", err)})
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(m.opts.PongWait))

		for _, line := range bytes.Split(message, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			rec, err := summary.Decode(line)
			switch {
			case err == nil:
				if !m.post(ctx, event{kind: evRecord, connID: id, rec: rec}) {
					return
				}
			case errors.Is(err, summary.ErrAuthPayload):
				m.post(ctx, event{kind: evAuthPayload, connID: id, err: err})
				return
			default:
				m.logger.Debug().Err(err).Msg("dropping undecodable frame")
			}
		}
	}
}

func (m *Manager) pingLoop(ctx context.Context, id uint64, ws *websocket.Conn) {
	defer m.connWG.Done()

	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				if ctx.Err() == nil {
					m.post(ctx, event{kind: evTransportFailed, connID: id, err: fmt.Errorf("liveness probe: %w", err)})
				}
				return
			}
		}
	}
}

// post delivers an event unless the connection was torn down meanwhile.
func (m *Manager) post(ctx context.Context, ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) failTransport(err error) {
	m.teardown()
	m.setState(PhaseError, fmt.Errorf("%w: %v", ErrTransportFailure, err), "")
	m.logger.Warn().Err(err).Dur("backoff", m.opts.BackoffDelay).Msg("transport failure; scheduling reconnect")
	m.armBackoff()
}

func (m *Manager) rejectCredential(cause error) {
	m.teardown()
	m.stopBackoff()
	m.setState(PhaseError, fmt.Errorf("%w: %v", ErrAuthRejected, cause), "")
	m.logger.Warn().Err(cause).Msg("credential rejected by feed; requesting sign-in")

	m.awaitingAuth = true
	m.creds.OnAuthFailure()
	m.creds.SignIn(m.ctx)
}

func (m *Manager) stop() {
	m.wantConnected = false
	m.awaitingAuth = false
	m.cancelTimers()
	m.teardown()
	m.setState(PhaseDisconnected, nil, "")
	m.logger.Info().Msg("feed disconnected")
}

// teardown closes the active connection and joins its goroutines.
func (m *Manager) teardown() {
	conn := m.conn
	if conn == nil {
		return
	}
	m.conn = nil
	m.pendingReset = false

	conn.cancel()
	if conn.ws != nil {
		_ = conn.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.ws.Close()
	}
	m.connWG.Wait()
}

func (m *Manager) armBackoff() {
	m.stopBackoff()
	m.backoffRetries.Add(1)
	m.backoff = time.NewTimer(m.opts.BackoffDelay)
	m.backoffC = m.backoff.C
}

func (m *Manager) stopBackoff() {
	if m.backoff != nil {
		m.backoff.Stop()
	}
	m.backoff = nil
	m.backoffC = nil
}

// armSettle debounces bursts of configuration changes into one connect.
func (m *Manager) armSettle() {
	if m.settle != nil {
		m.settle.Stop()
	}
	m.settle = time.NewTimer(m.opts.SettleDelay)
	m.settleC = m.settle.C
}

func (m *Manager) cancelTimers() {
	m.stopBackoff()
	if m.settle != nil {
		m.settle.Stop()
	}
	m.settle = nil
	m.settleC = nil
}

func (m *Manager) shutdown() {
	m.cancelTimers()
	m.teardown()
	m.setState(PhaseDisconnected, nil, "")
}

func (m *Manager) setState(phase Phase, err error, session string) {
	m.stateMu.Lock()
	prev := m.state
	next := State{Phase: phase, Err: err, Since: time.Now(), Session: session}
	if prev.Phase == next.Phase && errors.Is(prev.Err, err) && prev.Session == session {
		m.stateMu.Unlock()
		return
	}
	m.state = next
	for _, ch := range m.watchers {
		select {
		case ch <- next:
		default:
			// drop the oldest transition so the newest is always delivered
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
	m.stateMu.Unlock()

	m.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("state transition")
}
