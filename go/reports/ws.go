package reports

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/crunchdao/coordinator-node-starter/go/bus"
	"github.com/crunchdao/coordinator-node-starter/go/ops"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The tail is read-only telemetry guarded by the same auth
	// middleware as the rest of the API, so any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// tailFrame is the wire form of a bus message pushed to tail clients.
type tailFrame struct {
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// handleFeedTail upgrades the connection and streams feed advance events
// until the client hangs up or the server drains.
func (s *Server) handleFeedTail(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event bus is not running")
		return
	}
	var conn, err = upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ops.WebsocketClients.Inc()
	defer ops.WebsocketClients.Dec()

	var sub, cancel = s.events.Subscribe(bus.TopicFeedAdvanced, "ws-"+r.RemoteAddr, 64)
	defer cancel()

	// Drain reads so client close frames and pings are processed; the
	// channel close is our only signal that the peer went away.
	var closed = make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.WithField("client", r.RemoteAddr).Debug("feed tail attached")
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case msg, ok := <-sub:
			if !ok {
				var deadline = time.Now().Add(wsWriteTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "bus closed"), deadline)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(tailFrame{Topic: msg.Topic, At: msg.At, Payload: msg.Payload}); err != nil {
				log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).Debug("feed tail write failed")
				return
			}
		}
	}
}
