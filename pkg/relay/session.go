// Package relay implements the control session that bridges one client
// channel to one robot TCP socket.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	customlog "github.com/pibot/relay/pkg/log"
	"github.com/pibot/relay/pkg/protocol"
)

// Common errors
var (
	ErrInvalidAddress    = errors.New("invalid robot address")
	ErrNotConnected      = errors.New("robot not connected")
	ErrAlreadyOpened     = errors.New("session already opened")
	ErrSessionClosed     = errors.New("session is closed")
	ErrConnectTimeout    = errors.New("robot connection timed out")
	ErrConnectionRefused = errors.New("robot connection refused")
	ErrWriteFailure      = errors.New("robot write failed")
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink receives messages destined for the control client.
type Sink interface {
	Emit(msg protocol.ServerMessage) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(msg protocol.ServerMessage) error

// Emit calls the function.
func (f SinkFunc) Emit(msg protocol.ServerMessage) error {
	return f(msg)
}

// Options holds per-session tunables. Zero values fall back to the defaults
// the robot firmware was written against.
type Options struct {
	Port            int           // robot TCP port
	ConnectTimeout  time.Duration // bound on the TCP dial
	CommandCooldown time.Duration // minimum spacing between robot writes
	ReadBufferBytes int           // robot reader buffer size
}

// Default option values, matching the robot's fixed listener.
const (
	DefaultRobotPort       = 65432
	DefaultConnectTimeout  = 5 * time.Second
	DefaultCommandCooldown = 100 * time.Millisecond
	DefaultReadBufferBytes = 256
)

func (o Options) withDefaults() Options {
	if o.Port == 0 {
		o.Port = DefaultRobotPort
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.CommandCooldown == 0 {
		o.CommandCooldown = DefaultCommandCooldown
	}
	if o.ReadBufferBytes == 0 {
		o.ReadBufferBytes = DefaultReadBufferBytes
	}
	return o
}

// Session owns one client channel / robot socket pair. Both sides are
// released together: when either direction fails, the session transitions to
// closed and must be discarded; there is no automatic retry.
type Session struct {
	id     string
	addr   string
	opts   Options
	logger customlog.Logger
	sink   Sink

	mu         sync.Mutex
	state      State
	conn       net.Conn
	cancelDial context.CancelFunc
	lastSend   time.Time
	readerDone chan struct{}

	commandsSent int64
	errorCount   int64
}

// NewSession validates the robot host and prepares an idle session.
// The host must be a literal IP address; the port comes from opts.
func NewSession(host string, sink Sink, logger customlog.Logger, opts Options) (*Session, error) {
	if net.ParseIP(host) == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, host)
	}
	opts = opts.withDefaults()
	return &Session{
		id:     uuid.NewString(),
		addr:   net.JoinHostPort(host, strconv.Itoa(opts.Port)),
		opts:   opts,
		logger: logger,
		sink:   sink,
		state:  StateIdle,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Addr returns the robot address this session targets.
func (s *Session) Addr() string {
	return s.addr
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CommandsSent returns how many commands reached the robot socket.
func (s *Session) CommandsSent() int64 {
	return atomic.LoadInt64(&s.commandsSent)
}

// Errors returns how many error messages this session emitted.
func (s *Session) Errors() int64 {
	return atomic.LoadInt64(&s.errorCount)
}

// Open dials the robot. Valid only from idle; the dial is bounded by the
// configured timeout and can be cancelled by a concurrent Close, in which
// case any connection that subsequently succeeds is discarded.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		if state == StateClosed || state == StateClosing {
			return ErrSessionClosed
		}
		return ErrAlreadyOpened
	}
	s.state = StateConnecting
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	s.cancelDial = cancel
	s.mu.Unlock()

	s.logger.Infof("Session %s connecting to robot at %s", s.id, s.addr)
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", s.addr)
	cancel()

	s.mu.Lock()
	s.cancelDial = nil
	if s.state != StateConnecting {
		// Close raced the dial and already emitted the terminal status.
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrSessionClosed
	}
	if err != nil {
		s.state = StateClosed
		s.mu.Unlock()
		dialErr := classifyDialError(err)
		s.logger.Errorf("Session %s failed to connect to %s: %v", s.id, s.addr, err)
		s.emit(protocol.NewError(fmt.Sprintf("Failed to connect to robot: %v", dialErr)))
		return dialErr
	}
	s.conn = conn
	s.state = StateConnected
	s.readerDone = make(chan struct{})
	go s.readLoop(conn, s.readerDone)
	s.mu.Unlock()

	s.logger.Infof("Session %s connected to robot at %s", s.id, s.addr)
	s.emit(protocol.NewStatus(true, "Connected to robot"))
	return nil
}

// Send forwards one command byte to the robot. Valid only from connected;
// commands issued in any other state are dropped with an error message to
// the client and never touch the socket. Writes are paced by the command
// cooldown so the robot's single-threaded loop is not flooded.
func (s *Session) Send(cmd protocol.Command) error {
	if !cmd.Valid() {
		s.emit(protocol.NewError(fmt.Sprintf("Invalid command: %q", cmd.String())))
		return fmt.Errorf("invalid command: %q", cmd.String())
	}

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		s.emit(protocol.NewError("Robot not connected"))
		return ErrNotConnected
	}
	if wait := s.opts.CommandCooldown - time.Since(s.lastSend); wait > 0 {
		s.mu.Unlock()
		time.Sleep(wait)
		s.mu.Lock()
		if s.state != StateConnected {
			s.mu.Unlock()
			s.emit(protocol.NewError("Robot not connected"))
			return ErrNotConnected
		}
	}
	conn := s.conn
	s.lastSend = time.Now()
	s.mu.Unlock()

	if _, err := conn.Write([]byte{byte(cmd)}); err != nil {
		s.logger.Errorf("Session %s failed to send command '%s': %v", s.id, cmd, err)
		if s.failConnection() {
			s.emit(protocol.NewError(fmt.Sprintf("Failed to send command '%s': robot write failed", cmd)))
		}
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	atomic.AddInt64(&s.commandsSent, 1)
	s.logger.Debugf("Session %s forwarded command '%s' (%s)", s.id, cmd, cmd.Describe())
	s.emit(protocol.NewAcknowledgment(cmd))
	return nil
}

// Close tears the session down from any state. Idempotent: only the first
// call emits the terminal status message. If a dial is in flight it is
// cancelled; if the robot socket is open a best-effort quit command is sent
// before closing it, with no drain wait.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case StateClosed, StateClosing:
		s.mu.Unlock()
		return nil

	case StateIdle:
		s.state = StateClosed
		s.mu.Unlock()

	case StateConnecting:
		s.state = StateClosed
		cancel := s.cancelDial
		s.cancelDial = nil
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}

	default: // StateConnected
		s.state = StateClosing
		conn := s.conn
		s.conn = nil
		done := s.readerDone
		s.mu.Unlock()

		if conn != nil {
			// Quit so the robot stops cleanly even if a directional command
			// was the last thing it saw.
			conn.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
			conn.Write([]byte{byte(protocol.CmdDisconnect)})
			conn.Close()
		}
		if done != nil {
			<-done
		}
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
	}

	s.logger.Infof("Session %s closed", s.id)
	s.emit(protocol.NewStatus(false, "Disconnected from robot"))
	return nil
}

// readLoop forwards robot bytes to the client until the socket dies. The
// relay does not interpret robot payloads; they are wrapped verbatim.
func (s *Session) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, s.opts.ReadBufferBytes)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.logger.Debugf("Session %s received %d bytes from robot", s.id, n)
			s.emit(protocol.NewRobotData(buf[:n]))
		}
		if err != nil {
			if s.failConnection() {
				s.logger.Warnf("Session %s lost robot connection: %v", s.id, err)
				s.emit(protocol.NewError("Robot connection lost"))
			}
			return
		}
	}
}

// failConnection moves the session to closed after an unexpected socket
// failure. Returns false when the teardown was already underway, so only
// one error message reaches the client.
func (s *Session) failConnection() bool {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return true
}

func (s *Session) emit(msg protocol.ServerMessage) {
	if msg.Type == protocol.TypeError {
		atomic.AddInt64(&s.errorCount, 1)
	}
	if s.sink == nil {
		return
	}
	if err := s.sink.Emit(msg); err != nil {
		s.logger.Warnf("Session %s failed to deliver %s message to client: %v", s.id, msg.Type, err)
	}
}

// classifyDialError maps a dial failure onto the session error kinds.
func classifyDialError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return fmt.Errorf("robot dial failed: %w", err)
	}
}
