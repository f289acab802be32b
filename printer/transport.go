package printer

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marc/sdcp_bridge/sdcp"
)

// Transport is one bidirectional message connection to a device. Send
// may be called concurrently; Receive is called from a single reader.
type Transport interface {
	Send(msg []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens a transport to a device.
type Dialer func(device sdcp.PrinterDevice) (Transport, error)

const dialTimeout = 10 * time.Second

// wsTransport is the production Transport over a SDCP control
// websocket.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialWebSocket connects to the device's SDCP control endpoint.
func DialWebSocket(device sdcp.PrinterDevice) (Transport, error) {
	if net.ParseIP(device.IP) == nil {
		return nil, fmt.Errorf("%w: %q", sdcp.ErrInvalidAddress, device.IP)
	}

	u := url.URL{
		Scheme: "ws",
		Host:   fmt.Sprintf("%s:%d", device.IP, sdcp.ControlPort),
		Path:   sdcp.WebSocketPath,
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", sdcp.ErrConnectionTimeout, u.Host)
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %s", sdcp.ErrConnectionTimeout, u.Host)
		}
		return nil, fmt.Errorf("%w: %s: %v", sdcp.ErrConnectionFailed, u.Host, err)
	}

	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Send(msg []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *wsTransport) Receive() ([]byte, error) {
	_, msg, err := t.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sdcp.ErrDisconnected, err)
	}
	return msg, nil
}

func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
	t.writeMu.Unlock()
	return t.conn.Close()
}
