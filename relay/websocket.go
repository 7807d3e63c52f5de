package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"

	"github.com/james226/collab-session/protocol"
)

const maxFrameSize = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) serveWebsocket(rw http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(rw, req, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	join, err := s.readJoin(ws)
	if err != nil {
		s.metrics.Rejected("handshake")
		s.logger.Info("closing connection before join", "remote", req.RemoteAddr, "error", err)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}

	roomID, userID := s.identify(join)
	c := newClient(ws, userID, join.UserName, protocol.Pose{Position: join.Position, Quaternion: join.Quaternion})
	logger := s.logger.With("room", roomID, "user", userID, "conn", c.id.String())

	go s.writePump(c)

	broker := s.join(roomID, c)
	if broker == nil {
		c.shutdown()
		return
	}
	logger.Debug("connection admitted")

	s.readPump(broker, c)

	select {
	case broker.leaving <- c:
	case <-broker.done:
	}
	c.shutdown()
	logger.Debug("connection closed")
}

func (s *Server) readJoin(ws *websocket.Conn) (*protocol.JoinLobby, error) {
	ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	join, ok := msg.(*protocol.JoinLobby)
	if !ok {
		return nil, ErrNotJoined
	}
	return join, nil
}

// identify resolves the room and user id of a joining client. A valid ticket
// for the requested room resumes the previous identity.
func (s *Server) identify(join *protocol.JoinLobby) (roomID, userID string) {
	roomID = join.RoomID
	if join.Ticket != "" {
		ticket, err := s.tickets.Verify(join.Ticket)
		switch {
		case err != nil:
			s.logger.Info("ignoring rejoin ticket", "error", err)
		case roomID != "" && roomID != ticket.RoomID:
			s.logger.Info("ignoring rejoin ticket for another room", "room", roomID, "ticket_room", ticket.RoomID)
		default:
			return ticket.RoomID, ticket.UserID
		}
	}

	if roomID == "" {
		roomID = ksuid.New().String()
	}
	return roomID, ksuid.New().String()
}

func (s *Server) readPump(broker *Broker, c *client) {
	extend := func() {
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	}
	extend()
	c.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				s.logger.Debug("websocket read error", "user", c.userID, "error", err)
			}
			return
		}
		extend()

		msg, err := protocol.Decode(data)
		if err != nil {
			s.metrics.Rejected("malformed")
			s.logger.Debug("dropping malformed frame", "user", c.userID, "event", protocol.PeekEvent(data), "error", err)
			continue
		}

		select {
		case broker.inbound <- clientFrame{client: c, msg: msg}:
		case <-broker.done:
			return
		case <-c.closed:
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(frame []byte) bool {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.logger.Debug("websocket write error", "user", c.userID, "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case frame := <-c.send:
			if !write(frame) {
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case <-c.closed:
			for {
				select {
				case frame := <-c.send:
					if !write(frame) {
						return
					}
				default:
					c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}
