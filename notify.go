package driftline

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// NotifyConfig configures the WebSocket change-notification subscriber.
type NotifyConfig struct {
	// Enabled turns on the subscriber.
	Enabled bool

	// URL is the WebSocket endpoint of the remote store's change feed.
	URL string

	// PingInterval is how often to ping the server. Default: 30s.
	PingInterval time.Duration

	// HandshakeTimeout bounds the dial. Default: 10s.
	HandshakeTimeout time.Duration

	// Reconnect governs reconnect pacing after a dropped connection.
	Reconnect BackoffConfig

	// BufferSize is the notification channel buffer. Default: 256.
	BufferSize int
}

// DefaultNotifyConfig returns default notification settings.
func DefaultNotifyConfig(url string) NotifyConfig {
	return NotifyConfig{
		Enabled:          true,
		URL:              url,
		PingInterval:     30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		Reconnect:        DefaultBackoffConfig(),
		BufferSize:       256,
	}
}

// WebSocketNotifier subscribes to the remote change feed over a WebSocket
// and emits ChangeNotifications. The feed only triggers opportunistic pull
// cycles; a dropped connection degrades to the fallback pull schedule, so
// reconnect failures are logged, never fatal.
type WebSocketNotifier struct {
	config NotifyConfig
	clock  Clock

	ch     chan ChangeNotification
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewWebSocketNotifier creates a notifier. Call Start to begin receiving.
func NewWebSocketNotifier(config NotifyConfig, clock Clock) *WebSocketNotifier {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	config.Reconnect = config.Reconnect.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketNotifier{
		config: config,
		clock:  clock,
		ch:     make(chan ChangeNotification, config.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the connection loop.
func (n *WebSocketNotifier) Start() {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer close(n.ch)
		n.run()
	}()
}

// Notifications returns the notification stream.
func (n *WebSocketNotifier) Notifications() <-chan ChangeNotification {
	return n.ch
}

// Close stops the notifier and closes the stream.
func (n *WebSocketNotifier) Close() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.mu.Unlock()

	n.cancel()
	n.wg.Wait()
	return nil
}

func (n *WebSocketNotifier) run() {
	attempt := 0
	for {
		if n.ctx.Err() != nil {
			return
		}

		conn, err := n.dial()
		if err != nil {
			attempt++
			delay := n.config.Reconnect.NextDelay(attempt)
			log.Printf("driftline: change feed dial failed (attempt=%d): %v", attempt, err)
			select {
			case <-n.ctx.Done():
				return
			case <-n.clock.After(delay):
			}
			continue
		}
		attempt = 0

		n.readLoop(conn)
		conn.Close()
	}
}

func (n *WebSocketNotifier) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: n.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(n.ctx, n.config.URL, nil)
	return conn, err
}

func (n *WebSocketNotifier) readLoop(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	// Ping loop; the connection drops on write failure and run reconnects.
	go func() {
		ticker := time.NewTicker(n.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-n.ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(n.config.HandshakeTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if n.ctx.Err() == nil {
				log.Printf("driftline: change feed read failed: %v", err)
			}
			return
		}
		var note ChangeNotification
		if err := json.Unmarshal(data, &note); err != nil {
			log.Printf("driftline: malformed change notification: %v", err)
			continue
		}
		select {
		case n.ch <- note:
		default:
			// The consumer pulls on a schedule anyway; dropping a
			// notification only delays an opportunistic pull.
		}
	}
}
