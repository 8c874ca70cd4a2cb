package channel

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/websocket"
	"gitlab.com/distributed_lab/logan/v3"
	"gitlab.com/distributed_lab/logan/v3/errors"

	"github.com/darkwallet/mixer-svc/pkg/types"
)

const (
	relayDialTimeout = 15 * time.Second
	relayRedial      = 5 * time.Second
)

// relay control verbs understood by the lobby relay.
type relayControl struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
}

// RelayClient is the websocket lobby transport. It keeps one socket to the
// relay, rejoins channels after a redial and surfaces connectivity
// transitions on Events.
type RelayClient struct {
	log *logan.Entry
	url string

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]struct{}
	closed   bool

	frames chan Frame
	events chan types.TransportEvent
}

var _ Transport = (*RelayClient)(nil)

func NewRelayClient(log *logan.Entry, url string) *RelayClient {
	c := &RelayClient{
		log:      log.WithField("relay", url),
		url:      url,
		channels: make(map[string]struct{}),
		frames:   make(chan Frame, 64),
		events:   make(chan types.TransportEvent, 8),
	}
	go c.run()
	return c
}

func (c *RelayClient) run() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.connect(); err != nil {
			c.log.WithError(err).Error("relay dial failed")
			time.Sleep(relayRedial)
			continue
		}

		c.events <- types.TransportEvent{Type: types.EventConnected}
		c.readLoop()
		c.events <- types.TransportEvent{Type: types.EventDisconnected}
	}
}

func (c *RelayClient) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: relayDialTimeout}
	conn, _, err := dialer.Dial(c.url, http.Header{})
	if err != nil {
		return errors.Wrap(err, "failed to dial relay")
	}

	c.mu.Lock()
	c.conn = conn
	rejoin := make([]string, 0, len(c.channels))
	for name := range c.channels {
		rejoin = append(rejoin, name)
	}
	c.mu.Unlock()

	for _, name := range rejoin {
		if err := c.writeControl("join", name); err != nil {
			return err
		}
	}
	return nil
}

func (c *RelayClient) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn != nil {
				c.conn.Close()
				c.conn = nil
			}
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.WithError(err).Warn("relay read failed")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.WithError(err).Debug("dropping malformed relay frame")
			continue
		}
		select {
		case c.frames <- frame:
		default:
			c.log.Warn("inbound frame buffer full, dropping")
		}
	}
}

func (c *RelayClient) Join(channel string) error {
	c.mu.Lock()
	c.channels[channel] = struct{}{}
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.writeControl("join", channel)
}

func (c *RelayClient) Leave(channel string) error {
	c.mu.Lock()
	_, known := c.channels[channel]
	delete(c.channels, channel)
	connected := c.conn != nil
	c.mu.Unlock()

	if !known {
		return errors.New("channel not found")
	}
	if !connected {
		return nil
	}
	return c.writeControl("leave", channel)
}

func (c *RelayClient) Send(frame Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "failed to marshal frame")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("relay disconnected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *RelayClient) writeControl(op, channel string) error {
	raw, err := json.Marshal(relayControl{Op: op, Channel: channel})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("relay disconnected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *RelayClient) Frames() <-chan Frame {
	return c.frames
}

func (c *RelayClient) Events() <-chan types.TransportEvent {
	return c.events
}

func (c *RelayClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}
