package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pibot/relay/pkg/protocol"
)

// nopLogger keeps test output quiet.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Fatalf(string, ...interface{}) {}

// recordingSink captures every message the session emits.
type recordingSink struct {
	mu   sync.Mutex
	msgs []protocol.ServerMessage
}

func (r *recordingSink) Emit(msg protocol.ServerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSink) messages() []protocol.ServerMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.ServerMessage, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *recordingSink) count(msgType string) int {
	n := 0
	for _, m := range r.messages() {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

// fakeRobot is a loopback TCP listener standing in for the Pi. It accepts a
// single connection and records every byte it receives.
type fakeRobot struct {
	ln   net.Listener
	mu   sync.Mutex
	conn net.Conn
	data []byte
}

func newFakeRobot(t *testing.T) *fakeRobot {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start fake robot: %v", err)
	}
	r := &fakeRobot{ln: ln}
	go r.serve()
	t.Cleanup(func() { ln.Close() })
	return r
}

func (r *fakeRobot) serve() {
	conn, err := r.ln.Accept()
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	buf := make([]byte, 64)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			r.mu.Lock()
			r.data = append(r.data, buf[:n]...)
			r.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (r *fakeRobot) port() int {
	return r.ln.Addr().(*net.TCPAddr).Port
}

func (r *fakeRobot) received() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data)
}

func (r *fakeRobot) closeConn(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		t.Fatalf("Fake robot has no connection to close")
	}
	conn.Close()
}

func (r *fakeRobot) write(t *testing.T, data []byte) {
	t.Helper()
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		t.Fatalf("Fake robot has no connection to write to")
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("Fake robot write failed: %v", err)
	}
}

func testOptions(port int) Options {
	return Options{
		Port:            port,
		ConnectTimeout:  2 * time.Second,
		CommandCooldown: time.Millisecond,
		ReadBufferBytes: 64,
	}
}

func newTestSession(t *testing.T, sink Sink, port int) *Session {
	t.Helper()
	s, err := NewSession("127.0.0.1", sink, nopLogger{}, testOptions(port))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return s
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestNewSessionRejectsInvalidAddress(t *testing.T) {
	for _, host := range []string{"", "robot.local", "999.1.1.1", "not an ip"} {
		_, err := NewSession(host, &recordingSink{}, nopLogger{}, Options{})
		if !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("Expected ErrInvalidAddress for host %q, got %v", host, err)
		}
	}
}

func TestSessionForwardsCommandsInOrder(t *testing.T) {
	robot := newFakeRobot(t)
	sink := &recordingSink{}
	s := newTestSession(t, sink, robot.port())

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("Expected connected state, got %s", s.State())
	}

	sequence := []protocol.Command{
		protocol.CmdForward,
		protocol.CmdHalt,
		protocol.CmdLeft,
		protocol.CmdRight,
		protocol.CmdSpeedUp,
		protocol.CmdSpeedDown,
	}
	for _, cmd := range sequence {
		if err := s.Send(cmd); err != nil {
			t.Fatalf("Send(%s) failed: %v", cmd, err)
		}
	}

	waitFor(t, 2*time.Second, "robot to receive all commands", func() bool {
		return len(robot.received()) >= len(sequence)
	})
	if got := robot.received(); got != "UHLRWS" {
		t.Errorf("Expected robot to receive UHLRWS in order, got %q", got)
	}
	if acks := sink.count(protocol.TypeAcknowledgment); acks != len(sequence) {
		t.Errorf("Expected %d acknowledgments, got %d", len(sequence), acks)
	}
	if s.CommandsSent() != int64(len(sequence)) {
		t.Errorf("Expected %d commands counted, got %d", len(sequence), s.CommandsSent())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Teardown sends a best-effort quit byte before dropping the socket
	waitFor(t, time.Second, "robot to receive the quit byte", func() bool {
		return robot.received() == "UHLRWSQ"
	})
}

func TestSendWhileNotConnected(t *testing.T) {
	robot := newFakeRobot(t)
	sink := &recordingSink{}
	s := newTestSession(t, sink, robot.port())

	// Never opened: the command is dropped with an error acknowledgment
	if err := s.Send(protocol.CmdForward); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected, got %v", err)
	}
	if sink.count(protocol.TypeError) != 1 {
		t.Errorf("Expected one error message, got %d", sink.count(protocol.TypeError))
	}
	if robot.received() != "" {
		t.Errorf("Expected no robot-socket write, robot saw %q", robot.received())
	}

	// Same after a close
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Send(protocol.CmdHalt); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected after close, got %v", err)
	}
	if robot.received() != "" {
		t.Errorf("Expected no robot-socket write after close, robot saw %q", robot.received())
	}
}

func TestOpenConnectionRefused(t *testing.T) {
	// Grab a free port and release it so nothing is listening there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	sink := &recordingSink{}
	s := newTestSession(t, sink, port)

	err = s.Open(context.Background())
	if err == nil {
		t.Fatalf("Expected Open to fail")
	}
	if !errors.Is(err, ErrConnectionRefused) {
		t.Errorf("Expected ErrConnectionRefused, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", s.State())
	}
	if n := sink.count(protocol.TypeError); n != 1 {
		t.Errorf("Expected exactly one error message, got %d", n)
	}

	// A failed session is terminal
	if err := s.Open(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed on reopen, got %v", err)
	}
}

func TestOpenUnreachableTimesOut(t *testing.T) {
	// TEST-NET-3 is blackholed, so the dial runs into the bounded timeout
	sink := &recordingSink{}
	s, err := NewSession("203.0.113.1", sink, nopLogger{}, Options{
		Port:           65432,
		ConnectTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	start := time.Now()
	err = s.Open(context.Background())
	if err == nil {
		t.Fatalf("Expected Open to fail")
	}

	if s.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", s.State())
	}
	if n := sink.count(protocol.TypeError); n != 1 {
		t.Errorf("Expected exactly one error message, got %d", n)
	}
	if err := s.Open(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed on reopen, got %v", err)
	}

	if !errors.Is(err, ErrConnectTimeout) {
		// Some hosts reject TEST-NET routes outright instead of blackholing
		if time.Since(start) < 150*time.Millisecond {
			t.Skipf("Unroutable address failed fast instead of timing out: %v", err)
		}
		t.Errorf("Expected ErrConnectTimeout, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	robot := newFakeRobot(t)
	sink := &recordingSink{}
	s := newTestSession(t, sink, robot.port())

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}

	// One connected status plus exactly one terminal status
	statuses := 0
	terminal := 0
	for _, m := range sink.messages() {
		if m.Type == protocol.TypeStatus {
			statuses++
			if m.Connected != nil && !*m.Connected {
				terminal++
			}
		}
	}
	if statuses != 2 || terminal != 1 {
		t.Errorf("Expected 2 status messages with 1 terminal, got %d/%d", statuses, terminal)
	}
	if sink.count(protocol.TypeError) != 0 {
		t.Errorf("Expected no error messages, got %d", sink.count(protocol.TypeError))
	}
	if s.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", s.State())
	}
}

func TestCloseRacesInFlightConnect(t *testing.T) {
	// TEST-NET-3 address: unroutable, so the dial either hangs until
	// cancelled or fails on its own. Both paths must converge on a closed
	// session with a single terminal message and no dangling socket.
	sink := &recordingSink{}
	s, err := NewSession("203.0.113.1", sink, nopLogger{}, Options{
		Port:           65432,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	openDone := make(chan error, 1)
	go func() {
		openDone <- s.Open(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case <-openDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("Open did not return after Close cancelled the dial")
	}

	if s.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", s.State())
	}
	if n := len(sink.messages()); n != 1 {
		t.Errorf("Expected exactly one terminal message, got %d: %+v", n, sink.messages())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close after race failed: %v", err)
	}
	if n := len(sink.messages()); n != 1 {
		t.Errorf("Expected idempotent close to emit nothing, got %d messages", n)
	}
}

func TestPeerCloseEndsSession(t *testing.T) {
	robot := newFakeRobot(t)
	sink := &recordingSink{}
	s := newTestSession(t, sink, robot.port())

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	robot.closeConn(t)

	waitFor(t, 2*time.Second, "session to notice the peer close", func() bool {
		return s.State() == StateClosed
	})
	if n := sink.count(protocol.TypeError); n != 1 {
		t.Errorf("Expected exactly one error message, got %d", n)
	}

	// Subsequent commands are dropped without touching the socket
	if err := s.Send(protocol.CmdForward); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected after peer close, got %v", err)
	}
}

func TestWriteFailureClosesSession(t *testing.T) {
	robot := newFakeRobot(t)
	sink := &recordingSink{}
	s := newTestSession(t, sink, robot.port())

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Shut down the write half only, so the failure surfaces on the next
	// write rather than in the reader
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("CloseWrite failed: %v", err)
	}

	err := s.Send(protocol.CmdForward)
	if !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("Expected ErrWriteFailure, got %v", err)
	}

	waitFor(t, 2*time.Second, "session teardown", func() bool {
		return s.State() == StateClosed
	})
	// The reader and the writer race to report the failure; exactly one of
	// them reaches the client per failed send
	if n := sink.count(protocol.TypeError); n != 1 {
		t.Errorf("Expected exactly one error message, got %d", n)
	}
}

func TestRobotDataForwardedVerbatim(t *testing.T) {
	robot := newFakeRobot(t)
	sink := &recordingSink{}
	s := newTestSession(t, sink, robot.port())

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	robot.write(t, []byte("OK:U"))

	waitFor(t, 2*time.Second, "robot payload to reach the client", func() bool {
		for _, m := range sink.messages() {
			if m.Payload == "OK:U" {
				return true
			}
		}
		return false
	})
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	robotA := newFakeRobot(t)
	robotB := newFakeRobot(t)
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}
	sessA := newTestSession(t, sinkA, robotA.port())
	sessB := newTestSession(t, sinkB, robotB.port())

	if err := sessA.Open(context.Background()); err != nil {
		t.Fatalf("Open A failed: %v", err)
	}
	if err := sessB.Open(context.Background()); err != nil {
		t.Fatalf("Open B failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			sessA.Send(protocol.CmdForward)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			sessB.Send(protocol.CmdBackward)
		}
	}()
	wg.Wait()

	waitFor(t, 2*time.Second, "both robots to receive their commands", func() bool {
		return len(robotA.received()) >= 5 && len(robotB.received()) >= 5
	})
	if got := robotA.received(); got != "UUUUU" {
		t.Errorf("Robot A expected UUUUU, got %q", got)
	}
	if got := robotB.received(); got != "DDDDD" {
		t.Errorf("Robot B expected DDDDD, got %q", got)
	}

	sessA.Close()
	sessB.Close()
}

func TestOpenTwiceFails(t *testing.T) {
	robot := newFakeRobot(t)
	sink := &recordingSink{}
	s := newTestSession(t, sink, robot.port())

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.Open(context.Background()); !errors.Is(err, ErrAlreadyOpened) {
		t.Errorf("Expected ErrAlreadyOpened, got %v", err)
	}
}
