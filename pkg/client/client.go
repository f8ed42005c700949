// Package client provides a programmatic control client for the relay. It
// plays the control panel's role: turning operator intent into protocol
// frames and surfacing the status the relay pushes back.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pibot/relay/pkg/protocol"
)

// Client drives a robot through the relay over one WebSocket channel. It is
// owned by the caller: acquire with Dial, release with Close.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to the relay's control endpoint. The URL has the form
// ws://host:port/api/ws/robot/<robot-ip>.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Connect asks the relay to open the robot session.
func (c *Client) Connect() error {
	return c.writeControl(protocol.TypeConnect)
}

// Disconnect asks the relay to tear the robot session down.
func (c *Client) Disconnect() error {
	return c.writeControl(protocol.TypeDisconnect)
}

// Send transmits a bare command frame, the legacy panel wire form.
func (c *Client) Send(cmd protocol.Command) error {
	if !cmd.Valid() {
		return fmt.Errorf("invalid command: %q", cmd.String())
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte{byte(cmd)})
}

// Hold emulates a press-and-hold gesture: start the directional command,
// wait, then halt. Directional commands are level-triggered on the robot, so
// a dropped halt leaves it moving; pairing the two here closes that gap on
// the client side.
func (c *Client) Hold(cmd protocol.Command, d time.Duration) error {
	if err := c.Send(cmd); err != nil {
		return err
	}
	time.Sleep(d)
	return c.Send(protocol.CmdHalt)
}

// Next blocks until the relay pushes the next message.
func (c *Client) Next() (protocol.ServerMessage, error) {
	var msg protocol.ServerMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return protocol.ServerMessage{}, err
	}
	return msg, nil
}

// NextTimeout is Next bounded by a read deadline.
func (c *Client) NextTimeout(d time.Duration) (protocol.ServerMessage, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return protocol.ServerMessage{}, err
	}
	defer c.conn.SetReadDeadline(time.Time{})
	return c.Next()
}

// Close closes the WebSocket channel.
func (c *Client) Close() error {
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

func (c *Client) writeControl(msgType string) error {
	data, err := json.Marshal(map[string]string{"type": msgType})
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
