package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// TradeHandler receives every decoded trade.
type TradeHandler func(domain.TradeEvent)

// WSClient is one connection to the Polymarket activity stream. It does not
// reconnect on its own; Done reports when the connection is gone so the
// owner can dial a new client.
type WSClient struct {
	wsURL   string
	onTrade TradeHandler

	writeMu sync.Mutex
	conn    *websocket.Conn

	done      chan struct{}
	closeOnce sync.Once
	errCh     chan error
}

// NewWSClient creates a client for wsURL, e.g.
// "wss://ws-live-data.polymarket.com".
func NewWSClient(wsURL string, onTrade TradeHandler) *WSClient {
	return &WSClient{
		wsURL:   wsURL,
		onTrade: onTrade,
		done:    make(chan struct{}),
		errCh:   make(chan error, 1),
	}
}

// Connect dials, subscribes to activity trades and starts the read and
// ping loops.
func (w *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w: %w", domain.ErrConnectivity, err)
	}
	w.conn = conn

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	cmd := subscribeCommand{
		Action:        "subscribe",
		Subscriptions: []subscription{{Topic: "activity", Type: "trades"}},
	}
	if err := w.writeJSON(cmd); err != nil {
		_ = conn.Close()
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}

	go w.readLoop()
	go w.pingLoop()
	return nil
}

// Done yields the error that ended the connection. It is never closed.
func (w *WSClient) Done() <-chan error {
	return w.errCh
}

// Close sends a close frame and tears the connection down.
func (w *WSClient) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		if w.conn == nil {
			return
		}
		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

func (w *WSClient) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WSClient) readLoop() {
	for {
		_, msg, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				w.errCh <- nil
			default:
				w.errCh <- fmt.Errorf("polymarket/ws: %w: %w", domain.ErrWSDisconnect, err)
			}
			return
		}
		w.handleMessage(msg)
	}
}

func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.writeMu.Lock()
			err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleMessage decodes trade frames and ignores everything else.
func (w *WSClient) handleMessage(raw []byte) {
	var msg TradeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Topic != "activity" || (msg.Type != "trades" && msg.Type != "orders_matched") {
		return
	}
	if msg.Payload.ProxyWallet == "" || w.onTrade == nil {
		return
	}
	w.onTrade(msg.Payload.ToDomainTrade())
}
