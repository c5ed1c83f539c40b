package wsrpc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"sesame/internal/transport"
)

// Sink is the WebSocket-style Sink adapter: one binary message per packet,
// plus a JSON control channel for keyframe requests from the viewer.
type Sink struct {
	mu   sync.Mutex
	conn *websocket.Conn

	onRequestKeyframe func()
}

// NewSink wraps an already-accepted websocket connection (the capture
// pipeline is the server side of this adapter; the viewer dials in).
func NewSink(conn *websocket.Conn) *Sink {
	s := &Sink{conn: conn}
	go s.readControlLoop()
	return s
}

func (s *Sink) readControlLoop() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if req.Type == CommandKeyframe {
			s.mu.Lock()
			handler := s.onRequestKeyframe
			s.mu.Unlock()
			if handler != nil {
				handler()
			}
		}
		resp := Response{ID: req.ID, OK: true}
		b, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		s.mu.Lock()
		_ = s.conn.WriteMessage(websocket.TextMessage, b)
		s.mu.Unlock()
	}
}

func (s *Sink) Connect() error    { return nil }
func (s *Sink) Disconnect() error { return s.conn.Close() }

// Send writes one packet as a single binary message.
func (s *Sink) Send(pkt transport.SerializedPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pkt.Bytes)
}

// SendData writes raw auxiliary bytes as a text message holding a JSON
// {track, data} envelope. wsrpc.Source reads every text message as a control
// response, so it does not turn these envelopes into data events.
func (s *Sink) SendData(track string, data []byte) error {
	envelope, err := json.Marshal(struct {
		Track string `json:"track"`
		Data  []byte `json:"data"`
	}{Track: track, Data: data})
	if err != nil {
		return fmt.Errorf("wsrpc: encode data envelope: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, envelope)
}

func (s *Sink) OnRequestKeyframe(handler func()) {
	s.mu.Lock()
	s.onRequestKeyframe = handler
	s.mu.Unlock()
}

func (s *Sink) Dispose() error { return s.Disconnect() }
