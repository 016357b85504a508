package session

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"emberroom/go-backend/internal/wire"
)

// Transport is one live connection to the relay. Sends are fire-and-forget;
// inbound frames and the close event arrive on the handlers.
type Transport interface {
	SendFrame(f wire.Frame) error
	Close() error
}

// TransportHandlers receive transport events. OnClose fires exactly once,
// with selfInitiated reporting whether Close was called locally.
type TransportHandlers struct {
	OnFrame func(f wire.Frame)
	OnClose func(selfInitiated bool)
}

// Dialer opens transports to a relay; injectable so tests can wire sessions
// to an in-process registry.
type Dialer interface {
	Dial(roomID string, h TransportHandlers) (Transport, error)
}

// WebsocketDialer connects to a relay over gorilla/websocket.
type WebsocketDialer struct {
	// BaseURL is the relay endpoint, e.g. "ws://relay.example:8321".
	BaseURL string
}

func (d *WebsocketDialer) Dial(roomID string, h TransportHandlers) (Transport, error) {
	endpoint := fmt.Sprintf("%s/rooms/%s/ws", d.BaseURL, url.PathEscape(roomID))
	ws, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return nil, err
	}
	t := &wsTransport{ws: ws, handlers: h}
	go t.readLoop()
	return t, nil
}

type wsTransport struct {
	ws       *websocket.Conn
	handlers TransportHandlers

	mu     sync.Mutex
	closed bool
	self   bool
}

func (t *wsTransport) SendFrame(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return websocket.ErrCloseSent
	}
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.self = true
	t.mu.Unlock()
	return t.ws.Close()
}

func (t *wsTransport) readLoop() {
	for {
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			t.mu.Lock()
			self := t.self
			t.closed = true
			t.mu.Unlock()
			if t.handlers.OnClose != nil {
				t.handlers.OnClose(self)
			}
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			// A relay sending invalid frames is not something the client
			// can repair; drop the frame and keep reading.
			continue
		}
		if t.handlers.OnFrame != nil {
			t.handlers.OnFrame(frame)
		}
	}
}
