package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pibot/relay/pkg/client"
	"github.com/pibot/relay/pkg/protocol"
)

func main() {
	var (
		relayURL string
		robotIP  string
	)

	root := &cobra.Command{
		Use:   "relayctl",
		Short: "relayctl drives a robot through the relay from the terminal",
	}
	root.PersistentFlags().StringVar(&relayURL, "relay", "ws://localhost:8001", "relay base URL")
	root.PersistentFlags().StringVar(&robotIP, "robot", "", "robot IP address")

	send := &cobra.Command{
		Use:   "send [commands...]",
		Short: "Send a sequence of command codes (U D L R W S H Q)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			commands := make([]protocol.Command, 0, len(args))
			for _, arg := range args {
				c, err := protocol.ParseCommand(arg)
				if err != nil {
					return err
				}
				commands = append(commands, c)
			}

			c, err := openSession(relayURL, robotIP)
			if err != nil {
				return err
			}
			defer c.Close()

			for _, command := range commands {
				if err := c.Send(command); err != nil {
					return fmt.Errorf("send %s: %w", command, err)
				}
				printReply(c)
			}
			return c.Disconnect()
		},
	}

	var holdFor time.Duration
	drive := &cobra.Command{
		Use:   "drive <U|D|L|R>",
		Short: "Hold a directional command for a duration, then halt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			direction, err := protocol.ParseCommand(args[0])
			if err != nil {
				return err
			}

			c, err := openSession(relayURL, robotIP)
			if err != nil {
				return err
			}
			defer c.Close()

			fmt.Printf("driving: %s for %s\n", direction.Describe(), holdFor)
			if err := c.Hold(direction, holdFor); err != nil {
				return err
			}
			printReply(c)
			printReply(c)
			return c.Disconnect()
		},
	}
	drive.Flags().DurationVar(&holdFor, "for", 500*time.Millisecond, "how long to hold the direction")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show relay diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			httpURL := strings.Replace(relayURL, "ws://", "http://", 1)
			httpURL = strings.Replace(httpURL, "wss://", "https://", 1)

			resp, err := http.Get(httpURL + "/api/diagnostics")
			if err != nil {
				return fmt.Errorf("fetch diagnostics: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			var pretty map[string]interface{}
			if err := json.Unmarshal(body, &pretty); err != nil {
				return fmt.Errorf("decode diagnostics: %w", err)
			}
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}

	root.AddCommand(send, drive, status)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openSession dials the relay, requests the robot connection and waits for
// the connected status before handing the client back.
func openSession(relayURL, robotIP string) (*client.Client, error) {
	if robotIP == "" {
		return nil, fmt.Errorf("--robot is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/api/ws/robot/%s", strings.TrimRight(relayURL, "/"), robotIP)
	c, err := client.Dial(ctx, url)
	if err != nil {
		return nil, err
	}

	if err := c.Connect(); err != nil {
		c.Close()
		return nil, err
	}
	msg, err := c.NextTimeout(10 * time.Second)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("waiting for connect status: %w", err)
	}
	if msg.Type == protocol.TypeError || msg.Connected == nil || !*msg.Connected {
		c.Close()
		return nil, fmt.Errorf("robot connection failed: %s", msg.Message)
	}
	fmt.Println(msg.Message)
	return c, nil
}

func printReply(c *client.Client) {
	msg, err := c.NextTimeout(2 * time.Second)
	if err != nil {
		fmt.Println("(no reply)")
		return
	}
	if msg.Payload != "" {
		fmt.Printf("%s: %s payload=%q\n", msg.Type, msg.Message, msg.Payload)
		return
	}
	fmt.Printf("%s: %s\n", msg.Type, msg.Message)
}
