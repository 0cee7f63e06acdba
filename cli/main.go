// Command cli is a terminal client for the realtime WebSocket server.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/huddle/internal/protocol"
)

// Client represents a WebSocket client.
type Client struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	userID  string
	channel string
}

// NewClient creates a new client and connects to the server.
func NewClient(addr, userID string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Client{conn: conn, userID: userID}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// Emit sends one event.
func (c *Client) Emit(event string, data any) error {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Identify binds the connection to the user and marks them online.
func (c *Client) Identify(token string) error {
	data := map[string]string{"userId": c.userID}
	if token != "" {
		data["token"] = token
	}
	if err := c.Emit(protocol.EventJoinUser, data); err != nil {
		return err
	}
	return c.Emit(protocol.EventUserOnline, data)
}

// Join switches the active channel.
func (c *Client) Join(channel string) error {
	if c.channel != "" && c.channel != channel {
		if err := c.Emit(protocol.EventLeaveChannel, c.channel); err != nil {
			return err
		}
	}
	c.channel = channel
	return c.Emit(protocol.EventJoinChannel, channel)
}

// Send posts content to the active channel.
func (c *Client) Send(content string) error {
	return c.Emit(protocol.EventSendMessage, map[string]string{
		"content":    content,
		"channel_id": c.channel,
		"user_id":    c.userID,
	})
}

// ReadMessages prints frames from the server until the connection closes.
func (c *Client) ReadMessages() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("Read error: %v", err)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			log.Printf("Decode error: %v", err)
			continue
		}
		fmt.Printf("\n%s\n> ", format(env))
	}
}

func format(env protocol.Envelope) string {
	switch env.Event {
	case protocol.EventNewMessage:
		var msg struct {
			Username  string `json:"username"`
			ChannelID string `json:"channel_id"`
			Content   string `json:"content"`
		}
		if json.Unmarshal(env.Data, &msg) == nil {
			return fmt.Sprintf("[#%s] %s: %s", msg.ChannelID, msg.Username, msg.Content)
		}
	case protocol.EventUserTyping:
		var t protocol.UserTyping
		if json.Unmarshal(env.Data, &t) == nil {
			return fmt.Sprintf("[#%s] %s is typing...", t.ChannelID, t.UserID)
		}
	case protocol.EventUserPresence:
		var p protocol.UserPresence
		if json.Unmarshal(env.Data, &p) == nil {
			state := "offline"
			if p.Online {
				state = "online"
			}
			return fmt.Sprintf("* %s is %s", p.UserID, state)
		}
	case protocol.EventError:
		var e protocol.ErrorPayload
		if json.Unmarshal(env.Data, &e) == nil {
			return fmt.Sprintf("! %s: %s", e.Code, e.Message)
		}
	}
	return fmt.Sprintf("[%s] %s", env.Event, string(env.Data))
}

func (c *Client) command(input string) (quit bool, err error) {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit":
		return true, nil
	case "/join":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: /join <channel>")
		}
		return false, c.Join(fields[1])
	case "/leave":
		if c.channel == "" {
			return false, nil
		}
		err := c.Emit(protocol.EventLeaveChannel, c.channel)
		c.channel = ""
		return false, err
	case "/typing":
		return false, c.Emit(protocol.EventTypingStart, map[string]string{
			"user_id":    c.userID,
			"username":   c.userID,
			"channel_id": c.channel,
		})
	case "/presence":
		return false, c.Emit(protocol.EventGetChannelPresence, c.channel)
	case "/call":
		return false, c.Emit(protocol.EventStartVideoCall, map[string]string{
			"channel_id": c.channel,
			"user_id":    c.userID,
		})
	}
	return false, fmt.Errorf("unknown command %s", fields[0])
}

func main() {
	addr := flag.String("addr", "ws://localhost:8090/ws", "WebSocket server address")
	userID := flag.String("user", "", "User ID to identify as")
	token := flag.String("token", "", "Identity token, required when the server sets JWT_SECRET")
	channel := flag.String("channel", "general", "Channel to join on start")
	flag.Parse()

	log.SetFlags(log.Ltime)

	if *userID == "" {
		log.Fatal("-user is required")
	}

	fmt.Printf("Connecting to %s...\n", *addr)

	client, err := NewClient(*addr, *userID)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	if err := client.Identify(*token); err != nil {
		log.Fatalf("Identify failed: %v", err)
	}
	if err := client.Join(*channel); err != nil {
		log.Fatalf("Join failed: %v", err)
	}

	fmt.Printf("Connected as %s in #%s\n", *userID, *channel)
	fmt.Println("Commands: /join <channel>, /leave, /typing, /presence, /call, /quit")

	go client.ReadMessages()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			input := strings.TrimSpace(line)
			if input == "" {
				continue
			}

			if strings.HasPrefix(input, "/") {
				quit, err := client.command(input)
				if err != nil {
					log.Printf("Command error: %v", err)
				}
				if quit {
					fmt.Println("Bye!")
					return
				}
				continue
			}

			if err := client.Send(input); err != nil {
				log.Printf("Send error: %v", err)
			}
		}
	}
}
