package protect

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-protect-backup/internal/logging"
)

const (
	wsPath = "/proxy/protect/ws/updates"

	// The NVR heartbeats well inside this window; a silent socket is dead.
	wsLivenessTimeout = 90 * time.Second
	wsPingInterval    = 30 * time.Second
	wsWriteTimeout    = 10 * time.Second
	wsQueueSize       = 64
)

// Update frame packet types and payload formats.
const (
	packetTypeAction  = 1
	packetTypePayload = 2

	payloadFormatJSON       = 1
	payloadFormatUTF8       = 2
	payloadFormatNodeBuffer = 3
)

const packetHeaderSize = 8

// Action is the first half of an update frame: what happened to which
// model.
type Action struct {
	Action      string `json:"action"`
	ID          string `json:"id"`
	ModelKey    string `json:"modelKey"`
	NewUpdateID string `json:"newUpdateId"`
}

// WSMessage is one decoded update. Data is the full object for "add"
// actions and the changed fields for "update" actions; it is nil when the
// payload was not JSON.
type WSMessage struct {
	Action Action
	Data   json.RawMessage
}

type packetHeader struct {
	packetType byte
	format     byte
	deflated   bool
	size       uint32
}

// decodePacket splits one length-prefixed packet off raw, inflating it if
// needed.
func decodePacket(raw []byte) (packetHeader, []byte, []byte, error) {
	if len(raw) < packetHeaderSize {
		return packetHeader{}, nil, nil, fmt.Errorf("packet truncated: %d bytes", len(raw))
	}
	hdr := packetHeader{
		packetType: raw[0],
		format:     raw[1],
		deflated:   raw[2] == 1,
		size:       binary.BigEndian.Uint32(raw[4:8]),
	}
	if len(raw) < packetHeaderSize+int(hdr.size) {
		return packetHeader{}, nil, nil, fmt.Errorf("packet payload truncated: want %d, have %d", hdr.size, len(raw)-packetHeaderSize)
	}
	payload := raw[packetHeaderSize : packetHeaderSize+int(hdr.size)]
	rest := raw[packetHeaderSize+int(hdr.size):]
	if hdr.deflated {
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return packetHeader{}, nil, nil, fmt.Errorf("inflate packet: %w", err)
		}
		inflated, err := io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return packetHeader{}, nil, nil, fmt.Errorf("inflate packet: %w", err)
		}
		payload = inflated
	}
	return hdr, payload, rest, nil
}

// DecodeUpdateMessage parses a raw websocket frame into its action and
// data packets.
func DecodeUpdateMessage(raw []byte) (*WSMessage, error) {
	actionHdr, actionPayload, rest, err := decodePacket(raw)
	if err != nil {
		return nil, err
	}
	if actionHdr.packetType != packetTypeAction || actionHdr.format != payloadFormatJSON {
		return nil, fmt.Errorf("unexpected action packet type=%d format=%d", actionHdr.packetType, actionHdr.format)
	}
	dataHdr, dataPayload, _, err := decodePacket(rest)
	if err != nil {
		return nil, err
	}
	if dataHdr.packetType != packetTypePayload {
		return nil, fmt.Errorf("unexpected data packet type=%d", dataHdr.packetType)
	}

	msg := &WSMessage{}
	if err := json.Unmarshal(actionPayload, &msg.Action); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	if dataHdr.format == payloadFormatJSON {
		msg.Data = json.RawMessage(dataPayload)
	}
	return msg, nil
}

// Subscription is a live update stream. Messages is closed when the stream
// dies; Err then reports why, or nil after a deliberate Close.
type Subscription struct {
	conn       *websocket.Conn
	msgs       chan *WSMessage
	done       chan struct{}
	closeOnce  sync.Once
	log        *slog.Logger
	onUpdateID func(string)

	mu  sync.Mutex
	err error
}

// Subscribe opens the realtime update socket, resuming from the last seen
// update id when one is known.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	u := *c.base
	u.Scheme = "wss"
	u.Path = wsPath
	c.mu.Lock()
	if c.lastUpdateID != "" {
		q := u.Query()
		q.Set("lastUpdateId", c.lastUpdateID)
		u.RawQuery = q.Encode()
	}
	csrf := c.csrf
	c.mu.Unlock()

	hdr := http.Header{}
	if csrf != "" {
		hdr.Set(csrfHeader, csrf)
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	sub := &Subscription{
		conn: conn,
		msgs: make(chan *WSMessage, wsQueueSize),
		done: make(chan struct{}),
		log:  c.log,
		onUpdateID: func(id string) {
			c.mu.Lock()
			c.lastUpdateID = id
			c.mu.Unlock()
		},
	}
	go sub.readLoop()
	go sub.pingLoop()
	return sub, nil
}

func (s *Subscription) Messages() <-chan *WSMessage {
	return s.msgs
}

// Err reports why the stream died. It is meaningful once Messages is
// closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the stream down without recording an error.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Close()
}

func (s *Subscription) extendDeadline() {
	s.conn.SetReadDeadline(time.Now().Add(wsLivenessTimeout))
}

func (s *Subscription) readLoop() {
	defer close(s.msgs)
	s.extendDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendDeadline()
		return nil
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Deliberate close, not a liveness failure.
			default:
				s.fail(fmt.Errorf("websocket read: %w", err))
			}
			return
		}
		s.extendDeadline()
		s.log.Log(context.Background(), logging.LevelWebsocketData, "websocket frame", "bytes", len(raw))

		msg, err := DecodeUpdateMessage(raw)
		if err != nil {
			s.log.Warn("undecodable websocket frame", "error", err)
			continue
		}
		if msg.Action.NewUpdateID != "" {
			s.onUpdateID(msg.Action.NewUpdateID)
		}
		select {
		case s.msgs <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			if err != nil {
				s.fail(fmt.Errorf("websocket ping: %w", err))
				return
			}
		case <-s.done:
			return
		}
	}
}
