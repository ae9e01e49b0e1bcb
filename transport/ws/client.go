package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// client is one websocket connection. Messages for it queue on send, which
// only its write loop drains.
type client struct {
	conn *websocket.Conn
	send chan Message
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log().Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan Message, s.sendBuffer)}
	s.add(c)
	s.log().Debug("websocket client connected", "remote", r.RemoteAddr)

	go s.writeLoop(c)
	s.readLoop(c)

	s.drop(c)
	s.log().Debug("websocket client disconnected", "remote", r.RemoteAddr)
}

// readLoop handles client commands until the connection fails.
func (s *Server) readLoop(c *client) {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log().Warn("websocket read failed", "error", err)
			}
			return
		}
		switch msg.Type {
		case TypeStartRequest:
			reply := Message{Type: TypeRequestAccepted, ID: msg.ID}
			if err := s.ctrl.Submit(msg.ID, msg.FilePath, msg.VirtualPaths); err != nil {
				reply = Message{Type: TypeRequestRejected, ID: msg.ID, Message: err.Error()}
			}
			s.sendTo(c, reply)
		case TypeCancelRequest:
			s.ctrl.CancelRequest(msg.ID)
		default:
			s.log().Debug("ignoring websocket message", "type", msg.Type)
		}
	}
}

// writeLoop writes queued messages until send is closed or a write fails.
func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			s.log().Debug("websocket write failed", "error", err)
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) add(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) drop(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.dropLocked(c)
}

// dropLocked unregisters c and closes its queue. Callers hold clientsMu.
func (s *Server) dropLocked(c *client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.send)
}

// broadcast queues msg for every client. Clients whose queue is full are
// disconnected rather than silently missing events.
func (s *Server) broadcast(msg Message) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		s.queueLocked(c, msg)
	}
}

func (s *Server) sendTo(c *client, msg Message) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if _, ok := s.clients[c]; ok {
		s.queueLocked(c, msg)
	}
}

func (s *Server) queueLocked(c *client, msg Message) {
	select {
	case c.send <- msg:
	default:
		s.log().Warn("dropping slow websocket client", "type", msg.Type, "request", msg.ID)
		s.dropLocked(c)
	}
}
