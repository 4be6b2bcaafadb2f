package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/backupdesk/backupdesk/internal/apierr"
	"github.com/backupdesk/backupdesk/internal/transport"
)

// Transport names accepted by NewDialer
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Conn is one open push connection. Next blocks until a message payload
// arrives or the connection fails.
type Conn interface {
	Next() ([]byte, error)
	Close() error
}

// Dialer opens push connections to the API
type Dialer interface {
	Dial(ctx context.Context, path string, query url.Values) (Conn, error)
}

// NewDialer returns the push dialer for kind ("sse" or "websocket")
func NewDialer(kind string, t *transport.Client) (Dialer, error) {
	switch kind {
	case TransportSSE, "":
		return &SSEDialer{t: t}, nil
	case TransportWebSocket:
		return &WebSocketDialer{t: t, dialer: websocket.DefaultDialer}, nil
	default:
		return nil, fmt.Errorf("unknown push transport %q", kind)
	}
}

// SSEDialer opens text/event-stream connections
type SSEDialer struct {
	t *transport.Client
}

func (d *SSEDialer) Dial(ctx context.Context, path string, query url.Values) (Conn, error) {
	resp, err := d.t.Stream(ctx, path, query)
	if err != nil {
		return nil, err
	}
	return newSSEConn(resp.Body), nil
}

// sseConn reads event-stream frames. Only data fields matter: lines of one
// event are joined with "\n", comments and other fields are ignored.
type sseConn struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	once    sync.Once
}

func newSSEConn(body io.ReadCloser) *sseConn {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &sseConn{body: body, scanner: scanner}
}

func (c *sseConn) Next() ([]byte, error) {
	var data [][]byte
	for c.scanner.Scan() {
		line := c.scanner.Bytes()

		if len(line) == 0 {
			if len(data) > 0 {
				return bytes.Join(data, []byte("\n")), nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		if string(field) != "data" {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		data = append(data, append([]byte(nil), value...))
	}

	if err := c.scanner.Err(); err != nil {
		return nil, &apierr.TransportFailure{Op: "read event stream", Err: err}
	}
	return nil, &apierr.TransportFailure{Op: "read event stream", Err: io.EOF}
}

func (c *sseConn) Close() error {
	var err error
	c.once.Do(func() { err = c.body.Close() })
	return err
}

// WebSocketDialer carries the same JSON payloads over a websocket
type WebSocketDialer struct {
	t      *transport.Client
	dialer *websocket.Dialer
}

func (d *WebSocketDialer) Dial(ctx context.Context, path string, query url.Values) (Conn, error) {
	u := d.t.URL(path, query)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), d.t.Header())
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			if resp.StatusCode >= http.StatusBadRequest {
				return nil, d.t.Failure(resp.StatusCode, resp.Header, body)
			}
		}
		return nil, &apierr.TransportFailure{Op: "websocket dial", Err: err}
	}

	wc := &wsConn{conn: conn}
	// unblock ReadMessage when the subscription is torn down
	context.AfterFunc(ctx, func() { _ = wc.Close() })
	return wc, nil
}

type wsConn struct {
	conn *websocket.Conn
	once sync.Once
}

func (c *wsConn) Next() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, &apierr.TransportFailure{Op: "read websocket", Err: err}
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline())
		err = c.conn.Close()
	})
	return err
}

func deadline() time.Time {
	return time.Now().Add(time.Second)
}
