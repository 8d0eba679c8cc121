package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"shoebox/proto"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// RoomService is the registry side of the hub. Decoded inbound traffic
	// goes down through it, broadcasts come back through registry.Sender.
	RoomService interface {
		ConnectUser(userID, userName, peerID, roomID string) error
		DisconnectUser(userID string)
		HandleMessage(userID string, msg proto.ClientMessage)
	}

	Config struct {
		Logger      *zerolog.Logger
		Hub         *Hub
		RoomService RoomService
		ListenAddr  string
	}

	Server struct {
		hub *Hub
		svc RoomService
		ws  *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		hub:    cfg.Hub,
		svc:    cfg.RoomService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.connect)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// connect upgrades the request and joins the caller to its room. The user
// id is generated here, one per connection; the client learns it from the
// identity message the registry sends right after the join.
func (srv *Server) connect(w http.ResponseWriter, r *http.Request) {
	var (
		roomID   = r.URL.Query().Get("room")
		userName = r.URL.Query().Get("userName")
		peerID   = r.URL.Query().Get("peerId")
	)
	if roomID == "" || userName == "" || peerID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	userID := uuid.NewString()
	sess := srv.hub.register(userID)

	ctx, cancel := context.WithCancel(context.TODO()) // long-living connection context

	go srv.handleWSConn(ctx, cancel, conn, userID, sess)

	if err = srv.svc.ConnectUser(userID, userName, peerID, roomID); err != nil {
		// the registry already sent the error message and requested a
		// close, nothing else to do here
		srv.logger.Warn().Err(err).Str("userID", userID).Msg("join refused")
		return
	}
	srv.logger.Debug().
		Str("roomID", roomID).
		Str("userID", userID).
		Msg("connection established")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	userID string,
	sess *session,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("userID", userID).
		Logger()

	wg.Add(2)
	go func() {
		srv.webSocketReceiver(ctx, wg, conn, userID, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, sess.tx, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.teardown(userID, &logger)
}

// teardown unmaps the connection and removes the user from its room. Both
// the error and the close path of the same connection end up here, so it
// must stay idempotent.
func (srv *Server) teardown(userID string, logger *zerolog.Logger) {
	if !srv.hub.unregister(userID) {
		return
	}
	srv.svc.DisconnectUser(userID)
	logger.Debug().Str("userID", userID).Msg("connection ended")
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan frame,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case f, ok := <-tx:
			if !ok {
				break SendLoop
			}

			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}

			if f.close {
				payload := websocket.FormatCloseMessage(f.closeCode, "")
				wsErr = conn.WriteMessage(websocket.CloseMessage, payload)
				if wsErr != nil {
					logger.Error().Err(wsErr).Msg("failed to send close message")
				}
				break SendLoop
			}

			wsErr = conn.WriteMessage(websocket.TextMessage, f.data)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	userID string,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Warn().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}
			srv.handleInbound(userID, msg, logger)
		}
	}
}

// handleInbound routes one raw frame. Malformed JSON is dropped with a
// warning and no reply; a well-formed frame with an unknown type or a
// mismatched shape gets a targeted error back.
func (srv *Server) handleInbound(userID string, raw []byte, logger *zerolog.Logger) {
	if !json.Valid(raw) {
		logger.Warn().Msg("dropped malformed frame")
		return
	}
	msg, err := proto.DecodeClient(raw)
	if err != nil {
		logger.Warn().Err(err).Msg("undecodable frame")
		if errors.Is(err, proto.ErrUnknownType) {
			srv.hub.Send(userID, proto.Error{Message: "unrecognized message type"})
		} else {
			srv.hub.Send(userID, proto.Error{Message: "could not deserialize message"})
		}
		return
	}
	srv.svc.HandleMessage(userID, msg)
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to close websocket connection")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
