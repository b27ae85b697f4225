package http

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/events"
	"e2ee-relay/internal/netutil"
	"e2ee-relay/internal/registry"
	"e2ee-relay/internal/store"

	"github.com/google/uuid"
)

const (
	opText  = 0x1
	opClose = 0x8
	opPing  = 0x9
	opPong  = 0xA

	// inbound client frames carry heartbeats and subscription changes;
	// anything larger than this is a protocol violation
	maxClientFrame = 1 << 16
)

type wsHandler struct {
	store    *store.Store
	registry *registry.Registry
}

// clientFrame is what connected clients send us: heartbeats plus optional
// late subscription changes.
type clientFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id,omitempty"`
}

func (h *wsHandler) handle(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	ident, ok := auth.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := acceptWebSocket(w, r)
	if err != nil {
		slog.Warn("websocket handshake failed", "error", err, "request_id", reqID)
		return
	}

	remoteIP, _ := netutil.NormalizeIP(r.RemoteAddr)
	meta := registry.Meta{
		RemoteIP:  remoteIP,
		UserAgent: netutil.TruncateUserAgent(r.UserAgent()),
	}
	sess := registry.NewSession(ident.UserID, ident.DeviceID, ws, meta)
	if err := h.registry.Admit(sess); err != nil {
		_ = ws.Close()
		return
	}

	channels, err := h.store.Memberships().ChannelIDsForUser(r.Context(), ident.UserID)
	if err != nil {
		slog.Warn("loading session channels failed", "error", err, "user_id", ident.UserID, "request_id", reqID)
		h.registry.Remove(sess)
		return
	}
	if err := h.registry.Activate(sess, channels); err != nil {
		h.registry.Remove(sess)
		return
	}

	ready := events.Ready{
		Type:      events.TypeReady,
		SessionID: sess.ID.String(),
		UserID:    ident.UserID.String(),
		DeviceID:  ident.DeviceID.String(),
		Channels:  make([]string, 0, len(channels)),
	}
	for _, ch := range channels {
		ready.Channels = append(ready.Channels, ch.String())
	}
	if frame, err := json.Marshal(ready); err == nil {
		if err := ws.Send(frame); err != nil {
			h.registry.Remove(sess)
			return
		}
	}

	h.readLoop(r, ws, sess)
}

func (h *wsHandler) readLoop(r *http.Request, ws *wsConn, sess *registry.Session) {
	defer h.registry.Remove(sess)

	for {
		opcode, payload, err := ws.readFrame()
		if err != nil {
			return
		}
		switch opcode {
		case opText:
			var msg clientFrame
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			if err := h.handleClientFrame(r, sess, msg); err != nil {
				return
			}
		case opPing:
			if err := ws.writeFrame(opPong, payload); err != nil {
				return
			}
		case opPong:
			// client answered one of our pings
		case opClose:
			return
		}
	}
}

func (h *wsHandler) handleClientFrame(r *http.Request, sess *registry.Session, msg clientFrame) error {
	switch msg.Type {
	case "heartbeat":
		return h.registry.Heartbeat(sess)
	case "subscribe":
		channelID, err := uuid.Parse(msg.ChannelID)
		if err != nil {
			return nil
		}
		// only members may subscribe to a channel's pushes
		if _, err := h.store.Memberships().Get(r.Context(), channelID, sess.UserID); err != nil {
			return nil
		}
		return h.registry.Subscribe(sess, channelID)
	case "unsubscribe":
		channelID, err := uuid.Parse(msg.ChannelID)
		if err != nil {
			return nil
		}
		h.registry.Unsubscribe(sess, channelID)
	}
	return nil
}

// wsConn is one upgraded connection. Writes are serialized by the mutex so
// registry pushes and protocol replies never interleave frames.
type wsConn struct {
	conn net.Conn
	br   *bufio.Reader
	w    *bufio.Writer
	mu   sync.Mutex
}

// Send delivers a text frame. It satisfies registry.Transport.
func (c *wsConn) Send(payload []byte) error {
	return c.writeFrame(opText, payload)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func acceptWebSocket(w http.ResponseWriter, r *http.Request) (*wsConn, error) {
	if !strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, fmt.Errorf("missing upgrade header")
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, fmt.Errorf("invalid upgrade value")
	}
	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, fmt.Errorf("missing websocket key")
	}
	accept := computeAccept(key)
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return nil, fmt.Errorf("hijacking not supported")
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, err
	}
	response := fmt.Sprintf("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n", accept)
	if _, err := rw.WriteString(response); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &wsConn{conn: conn, br: rw.Reader, w: bufio.NewWriter(conn)}, nil
}

func (c *wsConn) writeFrame(opcode byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	if err := c.w.WriteByte(0x80 | opcode); err != nil {
		return err
	}
	length := len(payload)
	switch {
	case length <= 125:
		if err := c.w.WriteByte(byte(length)); err != nil {
			return err
		}
	case length < 65536:
		if err := c.w.WriteByte(126); err != nil {
			return err
		}
		if err := binary.Write(c.w, binary.BigEndian, uint16(length)); err != nil {
			return err
		}
	default:
		if err := c.w.WriteByte(127); err != nil {
			return err
		}
		if err := binary.Write(c.w, binary.BigEndian, uint64(length)); err != nil {
			return err
		}
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *wsConn) readFrame() (byte, []byte, error) {
	opcode, fin, masked, length, err := c.readFrameMeta()
	if err != nil {
		return 0, nil, err
	}
	maskKey, err := c.readMaskKey(masked)
	if err != nil {
		return 0, nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return 0, nil, err
	}
	if masked {
		applyMask(payload, maskKey)
	}
	if !fin {
		return 0, nil, fmt.Errorf("fragmented frames not supported")
	}
	return opcode, payload, nil
}

func (c *wsConn) readFrameMeta() (byte, bool, bool, int, error) {
	first, err := c.br.ReadByte()
	if err != nil {
		return 0, false, false, 0, err
	}
	fin := first&0x80 != 0
	opcode := first & 0x0F
	second, err := c.br.ReadByte()
	if err != nil {
		return 0, false, false, 0, err
	}
	masked := second&0x80 != 0
	length := int(second & 0x7F)
	switch length {
	case 126:
		var ext uint16
		if err := binary.Read(c.br, binary.BigEndian, &ext); err != nil {
			return 0, false, false, 0, err
		}
		length = int(ext)
	case 127:
		var ext uint64
		if err := binary.Read(c.br, binary.BigEndian, &ext); err != nil {
			return 0, false, false, 0, err
		}
		if ext > maxClientFrame {
			return 0, false, false, 0, fmt.Errorf("frame too large (%d bytes)", ext)
		}
		length = int(ext)
	}
	if length > maxClientFrame {
		return 0, false, false, 0, fmt.Errorf("frame too large (%d bytes)", length)
	}
	return opcode, fin, masked, length, nil
}

func (c *wsConn) readMaskKey(masked bool) ([4]byte, error) {
	var mask [4]byte
	if !masked {
		return mask, nil
	}
	if _, err := io.ReadFull(c.br, mask[:]); err != nil {
		return mask, err
	}
	return mask, nil
}

func applyMask(payload []byte, mask [4]byte) {
	for i := range payload {
		payload[i] ^= mask[i%4]
	}
}

func computeAccept(key string) string {
	const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}
