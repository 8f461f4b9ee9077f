// Package bridge owns the upstream connection to the realtime
// speech-recognition provider: one provider session per local session,
// audio in, turn events out.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fasthttp/websocket"
)

// Provider event message types, as emitted on the realtime socket.
const (
	eventBegin       = "Begin"
	eventTurn        = "Turn"
	eventTermination = "Termination"
	eventError       = "Error"
)

// providerEvent is the decoded superset of provider messages. The provider
// reports one Turn message per speaker turn, revised in place until
// end_of_turn with formatted text marks it committed.
type providerEvent struct {
	Type            string `json:"type"`
	ID              string `json:"id,omitempty"`
	TurnOrder       int    `json:"turn_order"`
	Transcript      string `json:"transcript"`
	AudioStartMs    int64  `json:"audio_start_ms"`
	AudioEndMs      int64  `json:"audio_end_ms"`
	EndOfTurn       bool   `json:"end_of_turn"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
	Error           string `json:"error,omitempty"`
}

// terminateMessage asks the provider to flush trailing finals and close.
type terminateMessage struct {
	Type string `json:"type"`
}

// Conn is the subset of the provider WebSocket used by the bridge.
type Conn interface {
	WriteBinary(data []byte) error
	WriteJSON(v interface{}) error
	ReadMessage() ([]byte, error)
	Close() error
}

// DialFunc establishes a provider connection. Injectable for tests.
type DialFunc func(ctx context.Context) (Conn, error)

// Config holds the provider connection settings. Endpoint and APIKey are
// required and validated before a session is allowed to start.
type Config struct {
	Endpoint          string
	APIKey            string
	Model             string
	Language          string
	ConnectTimeout    time.Duration
	ChunkWriteTimeout time.Duration
}

// Validate reports whether the provider is usable at all. Called eagerly at
// session start so a missing credential fails before any audio is sent.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("provider endpoint not configured")
	}
	if c.APIKey == "" {
		return fmt.Errorf("provider credential not configured")
	}
	return nil
}

// wsConn adapts a fasthttp/websocket client connection to Conn.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (w *wsConn) WriteBinary(data []byte) error {
	if w.writeTimeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConn) WriteJSON(v interface{}) error {
	if w.writeTimeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	return w.conn.WriteJSON(v)
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// Dialer returns a DialFunc that connects to the configured provider
// endpoint with the credential header set.
func Dialer(cfg Config) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		url := cfg.Endpoint
		if cfg.Model != "" {
			url += "?model=" + cfg.Model
			if cfg.Language != "" {
				url += "&language=" + cfg.Language
			}
		} else if cfg.Language != "" {
			url += "?language=" + cfg.Language
		}

		dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
		header := http.Header{}
		header.Set("Authorization", cfg.APIKey)

		dialCtx := ctx
		if cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
			defer cancel()
		}

		conn, _, err := dialer.DialContext(dialCtx, url, header)
		if err != nil {
			return nil, fmt.Errorf("provider dial failed: %w", err)
		}
		return &wsConn{conn: conn, writeTimeout: cfg.ChunkWriteTimeout}, nil
	}
}
