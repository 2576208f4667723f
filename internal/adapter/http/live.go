package http

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cwygoda/downlee/internal/fanout"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// wsViewer forwards hub messages to one websocket connection.
type wsViewer struct {
	conn *websocket.Conn
	send chan fanout.Message
	done chan struct{}
	once sync.Once
}

func newViewer(conn *websocket.Conn) *wsViewer {
	return &wsViewer{
		conn: conn,
		send: make(chan fanout.Message, sendBuffer),
		done: make(chan struct{}),
	}
}

// Send queues m for the write pump. It fails when the buffer is full.
func (v *wsViewer) Send(m fanout.Message) bool {
	select {
	case <-v.done:
		return false
	default:
	}
	select {
	case v.send <- m:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which closes the connection.
func (v *wsViewer) Close() {
	v.once.Do(func() { close(v.done) })
}

// clientMessage is a control frame sent by the dashboard.
type clientMessage struct {
	Type string `json:"type"`
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		log.Printf("live: upgrade failed: %v", err)
		return
	}

	v := newViewer(conn)
	go s.writePump(v)
	s.feed.Join(v)
	s.readPump(v)
}

func (s *Server) readPump(v *wsViewer) {
	defer func() {
		s.feed.Leave(v)
		v.Close()
	}()

	v.conn.SetReadLimit(maxMessageSize)
	v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("live: read error: %v", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "resync" {
			s.feed.Refresh(v)
		}
	}
}

func (s *Server) writePump(v *wsViewer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		v.conn.Close()
	}()

	for {
		select {
		case <-v.done:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			v.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case m := <-v.send:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteJSON(m); err != nil {
				v.Close()
				return
			}
		case <-ticker.C:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				v.Close()
				return
			}
		}
	}
}
