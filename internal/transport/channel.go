// Package transport maintains the client's persistent WebSocket channel to
// the relay. The channel delivers inbound envelopes and serializes outbound
// writes; loss of the connection is surfaced to the owner, never retried
// automatically.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peercall/peercall/internal/signaling"
)

const (
	dialTimeout = 5 * time.Second
	writeWait   = 1 * time.Second
)

// ErrChannelClosed is returned by Send after the channel closed.
var ErrChannelClosed = errors.New("signaling channel closed")

type Config struct {
	// URL is the relay WebSocket endpoint, e.g. ws://host:port/ws/<peer-id>.
	// The path element "new" asks the relay to assign an ephemeral ID.
	URL string

	// DisplayName is forwarded to the relay as the "name" query parameter and
	// shown to other peers in roster updates.
	DisplayName string

	// MaxMessageBytes caps inbound message size. Zero means 64 KiB.
	MaxMessageBytes int64

	Logger *slog.Logger
}

// Channel is one persistent signaling connection. Envelopes() delivers
// inbound traffic until the connection is lost or Close is called; after
// that, Done() is closed and Err() reports the cause.
type Channel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	peerID string

	envs chan signaling.Envelope

	closed    chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex

	done chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial connects to the relay and starts the read loop.
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}

	dialURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DisplayName != "" {
		q := dialURL.Query()
		q.Set("name", cfg.DisplayName)
		dialURL.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, dialURL.String(), http.Header{})
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}

	peerID := ""
	if resp != nil {
		peerID = resp.Header.Get(signaling.PeerIDHeader)
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
	}

	conn.SetReadLimit(maxBytes)

	c := &Channel{
		conn:   conn,
		logger: logger,
		peerID: peerID,
		envs:   make(chan signaling.Envelope, 16),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// PeerID is the identity the relay registered this connection under.
func (c *Channel) PeerID() string {
	return c.peerID
}

// Envelopes delivers inbound envelopes in arrival order.
func (c *Channel) Envelopes() <-chan signaling.Envelope {
	return c.envs
}

// Done is closed once the channel is no longer usable.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err reports why the channel ended; nil after a local Close.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send transmits one envelope. Writes are serialized and bounded by a write
// deadline.
func (c *Channel) Send(env signaling.Envelope) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the connection down. Safe to call multiple times.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

func (c *Channel) readLoop() {
	defer close(c.done)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				// Local close; not an error.
			default:
				c.errMu.Lock()
				c.err = err
				c.errMu.Unlock()
			}
			_ = c.Close()
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		env, err := signaling.Parse(data)
		if err != nil {
			// A malformed envelope never kills the channel.
			c.logger.Warn("dropping malformed envelope", "err", err)
			continue
		}

		select {
		case c.envs <- env:
		case <-c.closed:
			return
		}
	}
}
