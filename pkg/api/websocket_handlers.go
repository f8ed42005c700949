package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"github.com/pibot/relay/pkg/config"
	customlog "github.com/pibot/relay/pkg/log"
	"github.com/pibot/relay/pkg/protocol"
	"github.com/pibot/relay/pkg/relay"
)

// wsSink serializes relay messages onto the client WebSocket. The session's
// robot reader and the handler's own replies write concurrently, so a single
// write lock guards the connection.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Emit(msg protocol.ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// ControlWebSocketHandler drives one control client. The robot address comes
// from the :ip route parameter; each client owns exactly one relay session at
// a time, torn down with the WebSocket.
func ControlWebSocketHandler(conn *websocket.Conn, logger customlog.Logger, cfg *config.Config, manager *relay.Manager) {
	host := conn.Params("ip")
	if net.ParseIP(host) == nil {
		logger.Warnf("Rejecting control client %s: invalid robot address %q", conn.RemoteAddr(), host)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "Invalid IP address"))
		conn.Close()
		return
	}

	logger.Infof("Control WebSocket connected: %s (robot %s)", conn.RemoteAddr(), host)

	clientID := fmt.Sprintf("%s_%s", conn.RemoteAddr(), uuid.NewString())
	sink := &wsSink{conn: conn}
	opts := relay.Options{
		Port:            cfg.Robot.Port,
		ConnectTimeout:  cfg.Robot.ConnectTimeout(),
		CommandCooldown: cfg.Robot.CommandCooldown(),
		ReadBufferBytes: cfg.Robot.ReadBufferBytes,
	}

	newSession := func() (*relay.Session, error) {
		s, err := relay.NewSession(host, sink, logger, opts)
		if err != nil {
			return nil, err
		}
		manager.Register(clientID, s)
		return s, nil
	}

	sess, err := newSession()
	if err != nil {
		logger.Errorf("Failed to create session for %s: %v", clientID, err)
		sink.Emit(protocol.NewError(fmt.Sprintf("Invalid robot address: %v", err)))
		conn.Close()
		return
	}
	defer func() {
		sess.Close()
		manager.Unregister(clientID)
		logger.Infof("Control WebSocket disconnected: %s", conn.RemoteAddr())
	}()

	var (
		mt   int
		data []byte
	)
	for {
		if mt, data, err = conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Errorf("Control WS read error: %v", err)
			} else {
				// Don't log normal closures as errors
				if err != websocket.ErrCloseSent && !errors.Is(err, syscall.EPIPE) && !errors.Is(err, syscall.ECONNRESET) {
					logger.Infof("Control WS connection closed: %v", err)
				} else {
					logger.Infof("Control WS connection closed normally.")
				}
			}
			break // Exit loop on error/close
		}

		if mt != websocket.TextMessage {
			logger.Infof("Ignoring non-text control message type: %d", mt)
			continue
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			logger.Warnf("Undecodable control message from %s: %v. Message: %s", clientID, err, string(data))
			sink.Emit(protocol.NewError(fmt.Sprintf("Invalid message: %v", err)))
			continue
		}

		switch msg.Type {
		case protocol.TypeConnect:
			// A failed or active session is terminal; connect always gets a
			// fresh one, and registering it tears the old one down.
			if sess.State() != relay.StateIdle {
				sess, err = newSession()
				if err != nil {
					logger.Errorf("Failed to replace session for %s: %v", clientID, err)
					sink.Emit(protocol.NewError(fmt.Sprintf("Invalid robot address: %v", err)))
					continue
				}
			}
			// Open in the background so a disconnect can race the dial.
			go func(s *relay.Session) {
				if err := s.Open(context.Background()); err != nil {
					logger.Warnf("Session %s open failed: %v", s.ID(), err)
				}
			}(sess)

		case protocol.TypeDisconnect:
			return

		case protocol.TypeCommand:
			// The session reports failures to the client itself.
			if err := sess.Send(msg.Command); err != nil {
				logger.Debugf("Command '%s' from %s not forwarded: %v", msg.Command, clientID, err)
			}
		}
	}
}
