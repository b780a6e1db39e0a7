package top

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"code.hybscloud.com/iox"
	"github.com/agent-racer/sessionpool/internal/ws"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

var errNotConnected = errors.New("not connected")

// envelope mirrors ws.WSMessage with the payload left undecoded.
type envelope struct {
	Type    ws.MessageType  `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// WSClient follows the daemon's /ws stream.
type WSClient struct {
	url   string
	token string

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	seq     uint64
	pingCtx context.CancelFunc
}

func NewWSClient(url, token string) *WSClient {
	return &WSClient{url: url, token: token}
}

type ConnectedMsg struct{}

type DisconnectedMsg struct{ Err error }

type SnapshotMsg struct{ Payload ws.SnapshotPayload }

type DeltaMsg struct{ Payload ws.DeltaPayload }

type CompletionMsg struct{ Payload ws.CompletionPayload }

type ErrorMsg struct{ Raw json.RawMessage }

// Listen returns a command that dials until connected or ctx ends.
func (c *WSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		var bo iox.Backoff
		for {
			if ctx.Err() != nil {
				return nil
			}
			var header http.Header
			if c.token != "" {
				header = http.Header{"Authorization": []string{"Bearer " + c.token}}
			}
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
			if err != nil {
				bo.Wait()
				continue
			}

			c.mu.Lock()
			if c.pingCtx != nil {
				c.pingCtx()
			}
			pingCtx, pingCancel := context.WithCancel(ctx)
			c.conn = conn
			c.seq = 0
			c.pingCtx = pingCancel
			c.mu.Unlock()

			go c.pingLoop(pingCtx, conn)
			return ConnectedMsg{}
		}
	}
}

// ReadLoop returns a command that yields the next decoded message.
func (c *WSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return DisconnectedMsg{Err: errNotConnected}
		}

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				conn.Close()
				return DisconnectedMsg{Err: err}
			}

			var msg envelope
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			c.mu.Lock()
			c.seq = msg.Seq
			c.mu.Unlock()

			if m := decode(msg); m != nil {
				return m
			}
		}
	}
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Seq returns the last seen sequence number.
func (c *WSClient) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Close drops the current connection. A pending ReadLoop returns
// DisconnectedMsg.
func (c *WSClient) Close() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.pingCtx
	c.conn = nil
	c.pingCtx = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

func decode(msg envelope) tea.Msg {
	switch msg.Type {
	case ws.MsgSnapshot:
		var p ws.SnapshotPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return SnapshotMsg{Payload: p}
		}
	case ws.MsgDelta:
		var p ws.DeltaPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return DeltaMsg{Payload: p}
		}
	case ws.MsgCompletion:
		var p ws.CompletionPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return CompletionMsg{Payload: p}
		}
	case ws.MsgError:
		return ErrorMsg{Raw: msg.Payload}
	}
	return nil
}

// HTTPClient makes REST calls to the daemon.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Pool fetches /api/pool.
func (c *HTTPClient) Pool() (*ws.PoolPayload, error) {
	var p ws.PoolPayload
	if err := c.do(http.MethodGet, "/api/pool", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CloseSession asks the daemon to close handle id.
func (c *HTTPClient) CloseSession(id int) error {
	return c.do(http.MethodPost, "/api/sessions/"+strconv.Itoa(id)+"/close", nil)
}

func (c *HTTPClient) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HTTPBase converts ws://host:port/ws to http://host:port.
func HTTPBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil || u.Host == "" {
		return "http://127.0.0.1:8080"
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}
