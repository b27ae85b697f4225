package relayclient

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	opText  = 0x1
	opClose = 0x8
	opPing  = 0x9
	opPong  = 0xA
)

// EventConn is a live subscription to the relay's event stream. The first
// frame the server sends is the ready event naming the session and the
// channels it was subscribed to.
type EventConn struct {
	conn net.Conn
	rw   *bufio.ReadWriter
	mu   sync.Mutex
}

// Listen dials the relay's websocket endpoint, authenticating with the
// client's bearer token via the token query parameter.
func (c *Client) Listen(ctx context.Context) (*EventConn, error) {
	rawURL, err := websocketURL(c.BaseURL, c.Token)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := openWebsocketConn(ctx, u)
	if err != nil {
		return nil, err
	}
	rw, key, err := sendHandshake(conn, u)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := verifyServerHandshake(rw, key); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &EventConn{conn: conn, rw: rw}, nil
}

// Next blocks until the next text frame arrives, answering pings along the
// way. A close frame surfaces as io.EOF.
func (e *EventConn) Next() ([]byte, error) {
	for {
		opcode, payload, err := e.readFrame()
		if err != nil {
			return nil, err
		}
		switch opcode {
		case opText:
			return payload, nil
		case opClose:
			return nil, io.EOF
		case opPing:
			if err := e.writeFrame(opPong, payload); err != nil {
				return nil, err
			}
		case opPong:
			// ignore
		default:
			// ignore other opcodes
		}
	}
}

type controlFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id,omitempty"`
}

// Heartbeat refreshes the server-side liveness deadline for this session.
func (e *EventConn) Heartbeat() error {
	return e.sendControl(controlFrame{Type: "heartbeat"})
}

// Subscribe asks the server to add a channel to this session's push set.
// The server ignores the request unless the caller is a member.
func (e *EventConn) Subscribe(channelID uuid.UUID) error {
	return e.sendControl(controlFrame{Type: "subscribe", ChannelID: channelID.String()})
}

func (e *EventConn) Unsubscribe(channelID uuid.UUID) error {
	return e.sendControl(controlFrame{Type: "unsubscribe", ChannelID: channelID.String()})
}

func (e *EventConn) sendControl(msg controlFrame) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return e.writeFrame(opText, data)
}

func (e *EventConn) Close() error {
	return e.conn.Close()
}

func websocketURL(base, token string) (string, error) {
	base = normalizeBaseURL(base)
	if base == "" {
		return "", fmt.Errorf("relay base URL missing")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %s", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func openWebsocketConn(ctx context.Context, u *url.URL) (net.Conn, error) {
	host := u.Host
	switch strings.ToLower(u.Scheme) {
	case "ws":
		if !strings.Contains(host, ":") {
			host += ":80"
		}
		var d net.Dialer
		return d.DialContext(ctx, "tcp", host)
	case "wss":
		if !strings.Contains(host, ":") {
			host += ":443"
		}
		d := tls.Dialer{Config: &tls.Config{MinVersion: tls.VersionTLS12}}
		return d.DialContext(ctx, "tcp", host)
	default:
		return nil, fmt.Errorf("unsupported websocket scheme %s", u.Scheme)
	}
}

func sendHandshake(conn net.Conn, u *url.URL) (*bufio.ReadWriter, string, error) {
	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, "", err
	}
	key := base64.StdEncoding.EncodeToString(keyBytes)
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: %s\r\nSec-WebSocket-Version: 13\r\n\r\n", path, u.Host, key)
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if _, err := rw.WriteString(req); err != nil {
		return nil, "", err
	}
	if err := rw.Flush(); err != nil {
		return nil, "", err
	}
	return rw, key, nil
}

func verifyServerHandshake(rw *bufio.ReadWriter, key string) error {
	status, err := rw.ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.Contains(status, "101") {
		return fmt.Errorf("websocket handshake failed: %s", strings.TrimSpace(status))
	}
	accept, err := readAcceptHeader(rw)
	if err != nil {
		return err
	}
	if accept != computeAccept(key) {
		return fmt.Errorf("websocket handshake validation failed")
	}
	return nil
}

func readAcceptHeader(rw *bufio.ReadWriter) (string, error) {
	var accept string
	for {
		line, err := rw.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 && strings.EqualFold(strings.TrimSpace(parts[0]), "Sec-WebSocket-Accept") {
			accept = strings.TrimSpace(parts[1])
		}
	}
	if accept == "" {
		return "", fmt.Errorf("websocket handshake validation failed")
	}
	return accept, nil
}

func (e *EventConn) readFrame() (byte, []byte, error) {
	opcode, fin, masked, length, err := e.readFrameMeta()
	if err != nil {
		return 0, nil, err
	}
	var mask [4]byte
	if masked {
		if _, err := io.ReadFull(e.rw, mask[:]); err != nil {
			return 0, nil, err
		}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(e.rw, payload); err != nil {
		return 0, nil, err
	}
	if masked {
		for i := range payload {
			payload[i] ^= mask[i%4]
		}
	}
	if !fin {
		return 0, nil, fmt.Errorf("fragmented frames not supported")
	}
	return opcode, payload, nil
}

func (e *EventConn) readFrameMeta() (byte, bool, bool, int, error) {
	first, err := e.rw.ReadByte()
	if err != nil {
		return 0, false, false, 0, err
	}
	fin := first&0x80 != 0
	opcode := first & 0x0F
	second, err := e.rw.ReadByte()
	if err != nil {
		return 0, false, false, 0, err
	}
	masked := second&0x80 != 0
	length := int(second & 0x7F)
	switch length {
	case 126:
		var ext uint16
		if err := binary.Read(e.rw, binary.BigEndian, &ext); err != nil {
			return 0, false, false, 0, err
		}
		length = int(ext)
	case 127:
		var ext uint64
		if err := binary.Read(e.rw, binary.BigEndian, &ext); err != nil {
			return 0, false, false, 0, err
		}
		if ext > (1<<31 - 1) {
			return 0, false, false, 0, fmt.Errorf("frame too large")
		}
		length = int(ext)
	}
	return opcode, fin, masked, length, nil
}

// writeFrame sends a masked client frame, as RFC 6455 requires for the
// client side of a connection.
func (e *EventConn) writeFrame(opcode byte, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	if err := e.rw.WriteByte(0x80 | opcode); err != nil {
		return err
	}
	length := len(payload)
	switch {
	case length <= 125:
		if err := e.rw.WriteByte(0x80 | byte(length)); err != nil {
			return err
		}
	case length < 65536:
		if err := e.rw.WriteByte(0x80 | 126); err != nil {
			return err
		}
		if err := binary.Write(e.rw, binary.BigEndian, uint16(length)); err != nil {
			return err
		}
	default:
		if err := e.rw.WriteByte(0x80 | 127); err != nil {
			return err
		}
		if err := binary.Write(e.rw, binary.BigEndian, uint64(length)); err != nil {
			return err
		}
	}
	var mask [4]byte
	if _, err := rand.Read(mask[:]); err != nil {
		return err
	}
	if _, err := e.rw.Write(mask[:]); err != nil {
		return err
	}
	masked := make([]byte, length)
	for i, b := range payload {
		masked[i] = b ^ mask[i%4]
	}
	if _, err := e.rw.Write(masked); err != nil {
		return err
	}
	return e.rw.Flush()
}

func computeAccept(key string) string {
	const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}
