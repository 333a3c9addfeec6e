package broadcast

import (
	"sync"

	"github.com/gorilla/websocket"
)

// WSSubscriber adapts a *websocket.Conn to the Subscriber interface. gorilla
// conns do not permit concurrent writers, so every Send is serialized behind
// a mutex, the same guard other_examples/249e56be_..._server-hub.go.go puts
// around each subscriber's connection.
type WSSubscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSSubscriber(conn *websocket.Conn) *WSSubscriber {
	return &WSSubscriber{conn: conn}
}

func (s *WSSubscriber) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *WSSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
