// Package wsrpc implements the request/response WebSocket-style transport
// adapter: JSON control requests and binary media frames multiplexed on one
// connection.
package wsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"sesame/internal/playererr"
	"sesame/internal/transport"
	"sesame/internal/wire"
)

// Command is one of the control envelope's request types.
type Command string

const (
	CommandLive     Command = "live"
	CommandLoad     Command = "load"
	CommandSeek     Command = "seek"
	CommandRead     Command = "read"
	CommandUnload   Command = "unload"
	CommandKeyframe Command = "keyframe"
)

// Request is the JSON control envelope sent to the server.
type Request struct {
	ID     uint64          `json:"id"`
	Type   Command         `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the JSON control envelope the server echoes back.
type Response struct {
	ID     uint64          `json:"id"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

const (
	requestTimeout        = 10 * time.Second
	keyframeRateLimit     = 1 * time.Second
	reconnectDelay        = 2 * time.Second
)

type pendingRequest struct {
	respCh chan Response
}

// Source is the request/response adapter's StreamSource half. A binary
// media frame whose header ID is below the ignore_below watermark is
// dropped; both are uint64, so the comparison is unsigned.
type Source struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]*pendingRequest
	nextID  uint64

	ignoreBelow uint64

	lastKeyframeReq time.Time

	autoReconnect bool
	closed        bool

	handlers map[transport.EventKind][]func(transport.Event)
}

// Config configures Source.
type Config struct {
	URL           string
	AutoReconnect bool
}

// New creates a Source pointed at url. Connect actually dials.
func New(cfg Config) *Source {
	return &Source{
		url:           cfg.URL,
		pending:       make(map[uint64]*pendingRequest),
		autoReconnect: cfg.AutoReconnect,
		handlers:      make(map[transport.EventKind][]func(transport.Event)),
	}
}

func (s *Source) On(kind transport.EventKind, handler func(transport.Event)) {
	s.mu.Lock()
	s.handlers[kind] = append(s.handlers[kind], handler)
	s.mu.Unlock()
}

func (s *Source) emit(ev transport.Event) {
	s.mu.Lock()
	handlers := append([]func(transport.Event){}, s.handlers[ev.Kind]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Connect dials the server and starts the read loop.
func (s *Source) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("wsrpc: dial: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.closed = false
	s.mu.Unlock()

	go s.readLoop(conn)
	s.emit(transport.Event{Kind: transport.EventConnected})
	return nil
}

func (s *Source) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose()
			return
		}
		switch msgType {
		case websocket.TextMessage:
			s.handleControlMessage(data)
		case websocket.BinaryMessage:
			s.handleMediaFrame(data)
		}
	}
}

func (s *Source) handleControlMessage(data []byte) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		s.emit(transport.Event{Kind: transport.EventError, Err: fmt.Errorf("wsrpc: bad control message: %w", err)})
		return
	}
	s.mu.Lock()
	pending, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()
	if ok {
		pending.respCh <- resp
	}
}

func (s *Source) handleMediaFrame(data []byte) {
	parsed, err := wire.Parse(data)
	if err != nil {
		s.emit(transport.Event{Kind: transport.EventError, Err: fmt.Errorf("wsrpc: parse: %w", err)})
		return
	}
	s.mu.Lock()
	below := parsed.Header.ID < s.ignoreBelow
	s.mu.Unlock()
	if below {
		return
	}
	s.emit(transport.Event{
		Kind:       transport.EventData,
		StreamKind: transport.StreamMedia,
		Parsed:     parsed,
	})
}

func (s *Source) handleClose() {
	s.mu.Lock()
	wasClosed := s.closed
	s.mu.Unlock()
	if wasClosed {
		return
	}
	s.emit(transport.Event{Kind: transport.EventDisconnected})
	if s.autoReconnect {
		time.AfterFunc(reconnectDelay, func() {
			_ = s.Connect()
		})
	}
}

// sendRequest issues a control request and waits for the matching response
// or the request timeout, whichever comes first.
func (s *Source) sendRequest(ctx context.Context, cmd Command, params any) (Response, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return Response{}, fmt.Errorf("wsrpc: not connected")
	}

	id := atomic.AddUint64(&s.nextID, 1)
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return Response{}, err
		}
		raw = b
	}

	pending := &pendingRequest{respCh: make(chan Response, 1)}
	s.mu.Lock()
	s.pending[id] = pending
	s.mu.Unlock()

	b, err := json.Marshal(Request{ID: id, Type: cmd, Params: raw})
	if err != nil {
		return Response{}, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return Response{}, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	select {
	case resp := <-pending.respCh:
		return resp, nil
	case <-timeoutCtx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return Response{}, fmt.Errorf("wsrpc: request %d: %w", id, playererr.ErrRequestTimeout)
	}
}

// Live issues a live command, switching the server-side stream to live
// mode.
func (s *Source) Live(ctx context.Context) error {
	_, err := s.sendRequest(ctx, CommandLive, nil)
	return err
}

// Load issues a load command for the given source URL/path.
func (s *Source) Load(ctx context.Context, target string) error {
	_, err := s.sendRequest(ctx, CommandLoad, map[string]string{"target": target})
	return err
}

// Seek issues a seek command and bumps the ignore_below watermark so
// stale in-flight frames from before the seek are dropped.
func (s *Source) Seek(ctx context.Context, positionMs int64, watermarkID uint64) error {
	s.mu.Lock()
	if watermarkID > s.ignoreBelow {
		s.ignoreBelow = watermarkID
	}
	s.mu.Unlock()
	_, err := s.sendRequest(ctx, CommandSeek, map[string]int64{"position_ms": positionMs})
	return err
}

// Read issues a read command to pull the next chunk of on-demand data.
func (s *Source) Read(ctx context.Context) error {
	_, err := s.sendRequest(ctx, CommandRead, nil)
	return err
}

// Unload issues an unload command, releasing server-side playback state.
func (s *Source) Unload(ctx context.Context) error {
	_, err := s.sendRequest(ctx, CommandUnload, nil)
	return err
}

// RequestKeyframe asks the server for a keyframe, rate-limited to once per
// second.
func (s *Source) RequestKeyframe() error {
	s.mu.Lock()
	now := time.Now()
	if now.Sub(s.lastKeyframeReq) < keyframeRateLimit {
		s.mu.Unlock()
		return nil
	}
	s.lastKeyframeReq = now
	s.mu.Unlock()

	_, err := s.sendRequest(context.Background(), CommandKeyframe, nil)
	return err
}

// Disconnect closes the underlying connection without triggering
// auto-reconnect.
func (s *Source) Disconnect() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Dispose disconnects permanently.
func (s *Source) Dispose() error {
	return s.Disconnect()
}
