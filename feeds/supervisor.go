package feeds

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FEED CONNECTION SUPERVISOR
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns the broker WebSocket for live ticks. Watches message freshness with
// a heartbeat monitor, probes general network reachability before blaming
// the broker, and reconnects with a linear backoff capped at 60s. A manual
// Close never triggers reconnection.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ConnState is the supervisor lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosing:
		return "CLOSING"
	default:
		return "DISCONNECTED"
	}
}

// Tick is one live price update.
type Tick struct {
	Symbol string
	LTP    float64
	Bid    float64
	Ask    float64
	Time   time.Time
}

// Conn is the subset of *websocket.Conn the supervisor uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens feed connections. Swapped for a fake in tests.
type Dialer interface {
	Dial(url string) (Conn, error)
}

type wsDialer struct{ token string }

func (d wsDialer) Dial(url string) (Conn, error) {
	header := http.Header{}
	if d.token != "" {
		header.Set("Authorization", d.token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	return conn, err
}

const (
	connectAttempts   = 3
	defaultMaxRetries = 50
	defaultRetryDelay = 5 * time.Second
	defaultHeartbeat  = 30 * time.Second
	maxReconnectDelay = 60 * time.Second
	pingInterval      = 20 * time.Second

	netProbeAddr     = "8.8.8.8:53"
	netProbeTimeout  = 3 * time.Second
	netProbeFallback = "https://www.google.com"
	netProbeInterval = 30 * time.Second
	netProbeFailMax  = 3
	netRecoveryPoll  = 10 * time.Second
	netRecoveryCap   = 5 * time.Minute
)

// Options tunes the supervisor. Zero values take the defaults.
type Options struct {
	URL               string
	Token             string
	MaxRetries        int
	RetryDelay        time.Duration
	HeartbeatInterval time.Duration
}

// Supervisor maintains the tick feed connection.
type Supervisor struct {
	opts   Options
	dialer Dialer

	mu         sync.Mutex
	state      ConnState
	conn       Conn
	symbols    []string
	running    bool
	manualStop bool
	session    chan struct{} // closed when the current connection dies

	lastMsg atomic.Int64 // unix nanos of the last received message

	ticks  chan Tick
	states chan ConnState

	// injectable for tests
	sleep func(time.Duration)
	netUp func() bool
	now   func() time.Time
}

// NewSupervisor creates a supervisor for the given feed endpoint.
func NewSupervisor(opts Options) *Supervisor {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	return &Supervisor{
		opts:   opts,
		dialer: wsDialer{token: opts.Token},
		state:  StateDisconnected,
		ticks:  make(chan Tick, 1000),
		states: make(chan ConnState, 16),
		sleep:  time.Sleep,
		netUp:  probeNetwork,
		now:    time.Now,
	}
}

// Ticks is the live tick stream. Slow consumers drop ticks, they are
// never buffered unboundedly.
func (s *Supervisor) Ticks() <-chan Tick { return s.ticks }

// States receives every connection state transition.
func (s *Supervisor) States() <-chan ConnState { return s.states }

// State returns the current connection state.
func (s *Supervisor) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st ConnState) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed {
		select {
		case s.states <- st:
		default:
		}
	}
}

// Connect establishes the feed connection. Calling it while already
// running is a no-op.
func (s *Supervisor) Connect() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.manualStop = false
	s.mu.Unlock()

	s.setState(StateConnecting)
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = s.dial(); err == nil {
			return nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Feed connect failed")
		if attempt < connectAttempts {
			s.sleep(s.opts.RetryDelay)
		}
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.setState(StateDisconnected)
	return err
}

// dial opens one connection and starts its session goroutines.
func (s *Supervisor) dial() error {
	conn, err := s.dialer.Dial(s.opts.URL)
	if err != nil {
		return err
	}

	session := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.session = session
	symbols := append([]string(nil), s.symbols...)
	s.mu.Unlock()

	s.lastMsg.Store(s.now().UnixNano())
	s.setState(StateConnected)
	log.Info().Str("url", s.opts.URL).Msg("🔌 Feed connected")

	if len(symbols) > 0 {
		if err := s.sendSubscribe(conn, symbols); err != nil {
			log.Warn().Err(err).Msg("Resubscribe failed")
		}
	}

	go s.readLoop(conn, session)
	go s.pingLoop(conn, session)
	go s.heartbeatLoop(conn, session)
	go s.networkLoop(conn, session)
	return nil
}

// Subscribe registers symbols for tick delivery, now and after any
// reconnect. New symbols merge into the working set; symbols already
// registered are not sent again. When the feed is not up, Subscribe
// brings it up first.
func (s *Supervisor) Subscribe(symbols []string) error {
	s.mu.Lock()
	var added []string
	for _, sym := range symbols {
		if !containsSymbol(s.symbols, sym) {
			s.symbols = append(s.symbols, sym)
			added = append(added, sym)
		}
	}
	running := s.running
	conn := s.conn
	s.mu.Unlock()

	if !running {
		// dial resubscribes the full working set
		return s.Connect()
	}
	if conn == nil || len(added) == 0 {
		return nil
	}
	return s.sendSubscribe(conn, added)
}

func containsSymbol(list []string, sym string) bool {
	for _, v := range list {
		if v == sym {
			return true
		}
	}
	return false
}

func (s *Supervisor) sendSubscribe(conn Conn, symbols []string) error {
	msg := map[string]interface{}{
		"T":       "SUB_DATA",
		"symbols": symbols,
	}
	return conn.WriteJSON(msg)
}

// Close shuts the feed down for good. No reconnect follows.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.manualStop = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.setState(StateClosing)
	if conn != nil {
		conn.Close()
	}
	s.setState(StateDisconnected)
	log.Info().Msg("Feed closed")
}

// feedMessage is the wire format of a tick frame.
type feedMessage struct {
	Type   string  `json:"T"`
	Symbol string  `json:"symbol"`
	LTP    float64 `json:"ltp"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	TS     int64   `json:"ts"`
}

func (s *Supervisor) readLoop(conn Conn, session chan struct{}) {
	defer close(session)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			stopped := s.manualStop
			s.mu.Unlock()
			if stopped {
				return
			}
			log.Warn().Err(err).Msg("Feed read error")
			go s.reconnect()
			return
		}

		s.lastMsg.Store(s.now().UnixNano())
		s.handleMessage(data)
	}
}

func (s *Supervisor) handleMessage(data []byte) {
	var msg feedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Symbol == "" || msg.LTP <= 0 {
		return
	}

	ts := s.now()
	if msg.TS > 0 {
		ts = time.Unix(msg.TS, 0)
	}
	tick := Tick{Symbol: msg.Symbol, LTP: msg.LTP, Bid: msg.Bid, Ask: msg.Ask, Time: ts}

	select {
	case s.ticks <- tick:
	default:
		// consumer is behind, drop
	}
}

func (s *Supervisor) pingLoop(conn Conn, session chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-session:
			return
		case <-ticker.C:
			conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

// heartbeatLoop watches message freshness. One silent interval logs a
// warning, two silent intervals force the connection down so the read
// loop reconnects.
func (s *Supervisor) heartbeatLoop(conn Conn, session chan struct{}) {
	interval := s.opts.HeartbeatInterval
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-session:
			return
		case <-ticker.C:
			silent := s.now().Sub(time.Unix(0, s.lastMsg.Load()))
			if silent > 2*interval {
				log.Error().Dur("silent", silent).Msg("💔 Heartbeat lost, forcing reconnect")
				conn.Close()
				return
			}
			if silent > interval {
				log.Warn().Dur("silent", silent).Msg("Feed quiet, watching heartbeat")
			}
		}
	}
}

// networkLoop probes outbound connectivity while connected. Three
// consecutive failed probes force the connection down so the read loop
// reconnects once the network is back.
func (s *Supervisor) networkLoop(conn Conn, session chan struct{}) {
	ticker := time.NewTicker(netProbeInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-session:
			return
		case <-ticker.C:
			if s.netUp() {
				failures = 0
				continue
			}
			failures++
			log.Warn().Int("failures", failures).Msg("Network probe failed")
			if failures >= netProbeFailMax {
				log.Error().Msg("🌐 Network unreachable, forcing reconnect")
				conn.Close()
				return
			}
		}
	}
}

// reconnect runs the retry loop for a dropped connection. Delay grows
// linearly with the attempt number and is capped at 60s. When the
// network itself is down, it waits for recovery first.
func (s *Supervisor) reconnect() {
	s.mu.Lock()
	if s.manualStop || !s.running {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	s.setState(StateReconnecting)

	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		s.mu.Lock()
		stopped := s.manualStop
		s.mu.Unlock()
		if stopped {
			return
		}

		if !s.netUp() {
			s.waitForNetwork()
		}

		delay := time.Duration(attempt) * s.opts.RetryDelay
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
		log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("🔁 Reconnecting feed")
		s.sleep(delay)

		if err := s.dial(); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
			continue
		}
		return
	}

	log.Error().Int("attempts", s.opts.MaxRetries).Msg("🛑 Feed reconnect gave up")
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.setState(StateDisconnected)
}

// waitForNetwork polls reachability every 10s for up to 5 minutes.
func (s *Supervisor) waitForNetwork() {
	deadline := s.now().Add(netRecoveryCap)
	for s.now().Before(deadline) {
		if s.netUp() {
			log.Info().Msg("🌐 Network back up")
			return
		}
		log.Warn().Msg("Network down, waiting")
		s.sleep(netRecoveryPoll)
	}
}

// probeNetwork checks raw reachability: a TCP dial to a public DNS
// server, falling back to an HTTP probe for networks that block 53.
func probeNetwork() bool {
	conn, err := net.DialTimeout("tcp", netProbeAddr, netProbeTimeout)
	if err == nil {
		conn.Close()
		return true
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(netProbeFallback)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
