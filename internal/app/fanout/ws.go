package fanout

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"github.com/todostream/project/internal/platform/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// WSServer upgrades authenticated HTTP requests and runs the read and write
// pumps for each connection.
type WSServer struct {
	Service *Service
	Auth    auth.Manager
	Log     zerolog.Logger
	NewID   func() string

	upgrader websocket.Upgrader
}

func NewWSServer(svc *Service, authMgr auth.Manager, log zerolog.Logger) *WSServer {
	return &WSServer{
		Service: svc,
		Auth:    authMgr,
		Log:     log,
		NewID:   func() string { return nuid.Next() },
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect cross-origin through the app shell;
			// the bearer token is the access control.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}
	identity, err := s.Auth.Parse(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConn(s.NewID(), identity.UserID)
	s.Service.Registry.Add(conn)
	if s.Service.Metrics != nil {
		s.Service.Metrics.ConnectedClients.Inc()
	}
	s.Log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Msg("client connected")

	go s.writePump(ws, conn)
	s.readPump(ws, conn)
}

func (s *WSServer) readPump(ws *websocket.Conn, conn *Conn) {
	defer func() {
		conn.Close()
		s.Service.Registry.Remove(conn.ID)
		if s.Service.Metrics != nil {
			s.Service.Metrics.ConnectedClients.Dec()
		}
		ws.Close()
		s.Log.Info().
			Str("connection_id", conn.ID).
			Str("user_id", conn.UserID).
			Msg("client disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.Log.Debug().Err(err).Str("connection_id", conn.ID).Msg("unexpected close")
			}
			return
		}

		switch msg.Type {
		case MsgSubscribe:
			s.Service.Resubscribe(conn, msg)
		case MsgUnsubscribe:
			conn.Unsubscribe()
			conn.TrySend(ServerMessage{Type: MsgSubscriptionAck})
		case MsgPing:
			conn.TrySend(ServerMessage{Type: MsgPong})
		default:
			conn.TrySend(ServerMessage{Type: MsgError, Reason: "unknown message type"})
		}
	}
}

func (s *WSServer) writePump(ws *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg := <-conn.Outbox():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(msg); err != nil {
				conn.Close()
				return
			}
		case <-conn.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
