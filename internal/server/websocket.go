package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/output"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/protocol"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/session"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/stage"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/vad"
)

const wsWriteTimeout = 10 * time.Second

// ClientMessage is a JSON text message sent by a stream client
type ClientMessage struct {
	Type  string             `json:"type"` // manual_start, manual_stop, genre, new_song, ping
	Genre *stage.GenreConfig `json:"genre,omitempty"`
}

// ServerMessage is a JSON reply to a client message
type ServerMessage struct {
	Type    string `json:"type"` // pong, ack, error
	Request string `json:"request,omitempty"`
	Error   string `json:"error,omitempty"`
}

// wsClient serializes writes to one WebSocket connection
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) writeBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsClient) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	// Unblock the reader if the peer never answers the close
	c.conn.SetReadDeadline(time.Now().Add(time.Second))
}

func (h *HTTPServer) checkOrigin(r *http.Request) bool {
	allowed := h.config.HTTP.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// handleStream implements GET /sessions/{id}/stream. Inbound binary messages
// are protocol packets, inbound text messages are ClientMessage values.
// Outbound text messages are session events; every segment event is followed
// by a binary message carrying the segment audio.
func (h *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sessionID, err := uuid.Parse(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	sub, err := h.sessions.Subscribe(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	h.metrics.AddWebSocketClients(1)
	defer h.metrics.AddWebSocketClients(-1)

	h.logger.Info("Stream client connected",
		slog.String("session_id", id),
		slog.String("remote_addr", r.RemoteAddr),
	)

	client := &wsClient{conn: conn}
	done := make(chan struct{})

	go func() {
		defer close(done)
		h.forwardEvents(client, sub, id)
	}()

	h.readClient(client, sessionID, id)

	// Client went away; the session keeps running until stopped or idle
	sub.Close()
	<-done

	h.logger.Info("Stream client disconnected", slog.String("session_id", id))
}

// forwardEvents writes session events to the client until the subscription ends
func (h *HTTPServer) forwardEvents(client *wsClient, sub *output.Subscription, id string) {
	for ev := range sub.Events() {
		if err := client.writeJSON(ev); err != nil {
			return
		}

		if ev.Type == output.EventSegment && ev.Segment != nil && len(ev.Segment.Audio) > 0 {
			if err := client.writeBinary(ev.Segment.Audio); err != nil {
				return
			}
		}
	}

	reason := "stream closed"
	if err := sub.Err(); err != nil {
		reason = err.Error()
		h.logger.Warn("Stream subscriber dropped",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}
	client.close(websocket.CloseNormalClosure, reason)
}

// readClient applies inbound messages until the connection fails
func (h *HTTPServer) readClient(client *wsClient, sessionID uuid.UUID, id string) {
	for {
		msgType, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := h.handlePacket(sessionID, data); err != nil && !errors.Is(err, session.ErrBackpressureDrop) {
				client.writeJSON(ServerMessage{Type: "error", Error: err.Error()})
			}

		case websocket.TextMessage:
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				client.writeJSON(ServerMessage{Type: "error", Error: "invalid message: " + err.Error()})
				continue
			}
			client.writeJSON(h.handleClientMessage(id, msg))
		}
	}
}

// handlePacket applies one binary protocol packet to its session
func (h *HTTPServer) handlePacket(sessionID uuid.UUID, data []byte) error {
	packet, err := protocol.ParsePacket(data)
	if err != nil {
		return err
	}
	if packet.Header.SessionID != sessionID {
		return errors.New("packet session id does not match the stream")
	}

	return applyPacket(h.sessions, packet)
}

func (h *HTTPServer) handleClientMessage(id string, msg ClientMessage) ServerMessage {
	var err error

	switch msg.Type {
	case "ping":
		return ServerMessage{Type: "pong"}
	case "manual_start", "manual_stop":
		var control vad.Control
		control, err = vad.ParseControl(msg.Type)
		if err == nil {
			err = h.sessions.Control(id, control)
		}
	case "new_song":
		err = h.sessions.NewSong(id)
	case "genre":
		if msg.Genre == nil {
			err = errors.New("genre message requires a genre")
		} else {
			err = h.sessions.UpdateGenre(id, *msg.Genre)
		}
	default:
		err = errors.New("unknown message type " + msg.Type)
	}

	if err != nil {
		return ServerMessage{Type: "error", Request: msg.Type, Error: err.Error()}
	}
	return ServerMessage{Type: "ack", Request: msg.Type}
}

// applyPacket feeds a parsed audio or control packet to the session manager
func applyPacket(sessions *session.Manager, packet *protocol.Packet) error {
	id := packet.Header.SessionID.String()

	switch packet.Header.PacketType {
	case protocol.PacketTypeAudio:
		frame, err := packet.Frame()
		if err != nil {
			return err
		}
		return sessions.FeedAudio(id, frame)

	case protocol.PacketTypeControl:
		control, err := packet.CaptureControl()
		if err != nil {
			return err
		}
		return sessions.Control(id, control)
	}

	return nil
}
