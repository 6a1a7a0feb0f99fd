package quotestream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

const readLimit = 1 << 20

// Conn is one open transport to the feed
type Conn interface {
	// Read blocks until the next text message arrives or the connection closes.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Ping verifies the connection is still open.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a transport to url
type Dialer func(ctx context.Context, url string) (Conn, error)

// createHTTP1Client creates an HTTP client that forces HTTP/1.1.
// Some edge proxies negotiate HTTP/2 via TLS ALPN, but the WebSocket
// upgrade handshake requires HTTP/1.1.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// WebsocketDialer dials the feed with nhooyr.io/websocket over HTTP/1.1
func WebsocketDialer() Dialer {
	client := createHTTP1Client()
	return func(ctx context.Context, url string) (Conn, error) {
		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPClient: client,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to dial WebSocket: %w", err)
		}
		conn.SetReadLimit(readLimit)
		return &wsConn{conn: conn}, nil
	}
}

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := w.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		// Only text frames carry feed messages
		if msgType == websocket.MessageText {
			return data, nil
		}
	}
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}
