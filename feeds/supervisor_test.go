package feeds

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeConn struct {
	mu     sync.Mutex
	frames chan []byte
	closed bool
	subs   []interface{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	f, ok := <-c.frames
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, f, nil
}

func (c *fakeConn) WriteMessage(int, []byte) error { return nil }

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.frames)
	}
	return nil
}

func (c *fakeConn) subCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	dials    int
	failNext int
}

func (d *fakeDialer) Dial(string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failNext > 0 {
		d.failNext--
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func newTestSupervisor(d *fakeDialer) *Supervisor {
	s := NewSupervisor(Options{URL: "wss://test", MaxRetries: 3, RetryDelay: time.Millisecond})
	s.dialer = d
	s.sleep = func(time.Duration) {}
	s.netUp = func() bool { return true }
	return s
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSupervisor(d)
	defer s.Close()

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Connect(); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if d.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", d.dialCount())
	}
	if s.State() != StateConnected {
		t.Errorf("state = %v, want connected", s.State())
	}
}

func TestTickDelivery(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSupervisor(d)
	defer s.Close()

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.conn(0).frames <- []byte(`{"T":"TICK","symbol":"NSE:NIFTY50-INDEX","ltp":24510.5,"bid":24510,"ask":24511}`)
	d.conn(0).frames <- []byte(`{"T":"TICK","symbol":"","ltp":1}`)  // no symbol, dropped
	d.conn(0).frames <- []byte(`{"T":"TICK","symbol":"X","ltp":0}`) // zero price, dropped

	select {
	case tick := <-s.Ticks():
		if tick.Symbol != "NSE:NIFTY50-INDEX" || tick.LTP != 24510.5 {
			t.Errorf("tick = %+v", tick)
		}
	case <-time.After(time.Second):
		t.Fatal("no tick delivered")
	}
	select {
	case tick := <-s.Ticks():
		t.Errorf("unexpected second tick: %+v", tick)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconnectAndResubscribe(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSupervisor(d)
	defer s.Close()

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Subscribe([]string{"NSE:NIFTY50-INDEX"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Kill the first connection; supervisor should dial again and resend
	// the subscription on the new connection.
	d.conn(0).Close()
	waitFor(t, func() bool { return d.dialCount() >= 2 }, "no reconnect dial")
	waitFor(t, func() bool { return s.State() == StateConnected }, "never reconnected")
	waitFor(t, func() bool { return d.conn(1) != nil && d.conn(1).subCount() == 1 }, "no resubscribe")
}

func TestReconnectRetriesOnDialFailure(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSupervisor(d)
	defer s.Close()

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.mu.Lock()
	d.failNext = 2
	d.mu.Unlock()

	d.conn(0).Close()
	// 1 initial + 2 failed + 1 successful. The state check alone is not
	// enough: it can read Connected before the reconnect loop even runs.
	waitFor(t, func() bool { return d.dialCount() == 4 }, "retries never completed")
	waitFor(t, func() bool { return s.State() == StateConnected }, "never recovered")
	if got := d.dialCount(); got != 4 {
		t.Errorf("dials = %d, want 4", got)
	}
}

func TestSubscribeConnectsWhenDown(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSupervisor(d)
	defer s.Close()

	// No Connect call: Subscribe must bring the feed up itself.
	if err := s.Subscribe([]string{"NSE:NIFTY50-INDEX"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if s.State() != StateConnected {
		t.Errorf("state = %v, want connected", s.State())
	}
	if d.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", d.dialCount())
	}
	if d.conn(0).subCount() != 1 {
		t.Errorf("subscribe frames = %d, want 1", d.conn(0).subCount())
	}
}

func TestSubscribeMergesWorkingSet(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSupervisor(d)
	defer s.Close()

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.Subscribe([]string{"NSE:NIFTY50-INDEX"})
	s.Subscribe([]string{"NSE:NIFTY50-INDEX", "NSE:NIFTY25SEP24550CE"})
	// second call sends only the new symbol
	if got := d.conn(0).subCount(); got != 2 {
		t.Fatalf("subscribe frames = %d, want 2", got)
	}

	// The new connection after a drop gets the full merged set.
	d.conn(0).Close()
	waitFor(t, func() bool { return d.conn(1) != nil && d.conn(1).subCount() == 1 }, "no resubscribe")
	s.mu.Lock()
	n := len(s.symbols)
	s.mu.Unlock()
	if n != 2 {
		t.Errorf("working set = %d symbols, want 2", n)
	}
}

func TestReconnectGivesUp(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSupervisor(d)

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.mu.Lock()
	d.failNext = 100 // more than MaxRetries
	d.mu.Unlock()

	d.conn(0).Close()
	waitFor(t, func() bool { return s.State() == StateDisconnected }, "never gave up")
	// 1 initial + MaxRetries failed
	if got := d.dialCount(); got != 4 {
		t.Errorf("dials = %d, want 4", got)
	}
}

func TestManualCloseNoReconnect(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSupervisor(d)

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.Close()

	if s.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}
	time.Sleep(50 * time.Millisecond)
	if d.dialCount() != 1 {
		t.Errorf("dials after Close = %d, want 1 (no reconnect)", d.dialCount())
	}
}
