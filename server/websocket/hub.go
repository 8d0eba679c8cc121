package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"shoebox/proto"
)

const defaultSendTimeout = time.Second

// frame is one unit of outbound work for a connection's writer pump.
// Either a text payload or a close request, never both.
type frame struct {
	data      []byte
	close     bool
	closeCode int
}

type session struct {
	tx chan frame
}

// Hub maps server-generated user ids to live connections and delivers
// outbound messages to them. It implements registry.Sender. Ids are opaque,
// unique per connection and never reused.
type Hub struct {
	logger zerolog.Logger
	mx     *sync.Mutex
	conns  map[string]*session
}

func NewHub(logger *zerolog.Logger) *Hub {
	return &Hub{
		logger: logger.With().Str("component", "websocket-hub").Logger(),
		mx:     &sync.Mutex{},
		conns:  make(map[string]*session),
	}
}

func (h *Hub) register(userID string) *session {
	sess := &session{tx: make(chan frame)}
	h.mx.Lock()
	h.conns[userID] = sess
	h.mx.Unlock()
	incConnections()
	return sess
}

// unregister removes the user's session. Reports whether the session was
// still present, so that racing error and close events tear down only once.
func (h *Hub) unregister(userID string) bool {
	h.mx.Lock()
	_, ok := h.conns[userID]
	delete(h.conns, userID)
	h.mx.Unlock()
	if ok {
		decConnections()
	}
	return ok
}

func (h *Hub) lookup(userID string) (*session, bool) {
	h.mx.Lock()
	defer h.mx.Unlock()
	sess, ok := h.conns[userID]
	return sess, ok
}

// Send delivers one message to one user, best-effort. Messages to unknown
// users are dropped: the user may have disconnected between the membership
// snapshot and delivery.
func (h *Hub) Send(userID string, msg proto.ServerMessage) {
	sess, ok := h.lookup(userID)
	if !ok {
		h.logger.Debug().Str("userID", userID).Msg("cannot send, user is gone")
		return
	}
	b, err := proto.EncodeServer(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("userID", userID).Msg("failed to encode outgoing message")
		return
	}
	h.push(userID, sess, frame{data: b})
	addDelivered(1)
}

// RequestClose asks the user's writer pump to close the connection with
// code 1011 when fatal, 1000 otherwise.
func (h *Hub) RequestClose(userID string, fatal bool) {
	sess, ok := h.lookup(userID)
	if !ok {
		return
	}
	code := websocket.CloseNormalClosure
	if fatal {
		code = websocket.CloseInternalServerErr
	}
	h.push(userID, sess, frame{close: true, closeCode: code})
}

func (h *Hub) push(userID string, sess *session, f frame) {
	t := time.NewTimer(defaultSendTimeout)
	defer t.Stop()
	select {
	case sess.tx <- f:
	case <-t.C:
		h.logger.Error().Str("userID", userID).Msg("dead endpoint")
	}
}
