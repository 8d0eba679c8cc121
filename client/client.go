// Package client is the driving layer of the room client: it owns the
// websocket, feeds inbound messages and call notifications through the
// state reducer one action at a time, and executes the resulting effects
// against the call orchestrator.
package client

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"shoebox/client/call"
	"shoebox/client/state"
	"shoebox/proto"
)

const (
	defaultDialTimeout   = 5 * time.Second
	defaultWriteDeadline = 5 * time.Second
	defaultActionBuffer  = 64
)

var (
	ErrNotJoined = errors.New("client has not joined a room")
)

type Config struct {
	Logger *zerolog.Logger

	// ServerURL is the websocket endpoint base, e.g. "ws://localhost:8888".
	ServerURL string
	Room      string
	UserName  string
	PeerID    string

	Transport call.Transport
	Playback  call.Playback
}

type Client struct {
	logger zerolog.Logger
	orch   *call.Orchestrator

	wsURL string

	actions chan state.Action

	mx    *sync.Mutex
	conn  *websocket.Conn
	world state.WorldState
}

func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("room", cfg.Room)
	q.Set("userName", cfg.UserName)
	q.Set("peerId", cfg.PeerID)
	u.RawQuery = q.Encode()

	cl := &Client{
		logger:  cfg.Logger.With().Str("component", "client").Logger(),
		wsURL:   u.String(),
		actions: make(chan state.Action, defaultActionBuffer),
		mx:      &sync.Mutex{},
		world:   state.New(),
	}
	cl.orch = call.New(call.Config{
		Logger:    cfg.Logger,
		Transport: cfg.Transport,
		Playback:  cfg.Playback,
		OnOpened:  func(peerID string) { cl.actions <- state.CallOpened{PeerID: peerID} },
		OnClosed:  func(peerID string) { cl.actions <- state.CallClosed{PeerID: peerID} },
	})
	return cl, nil
}

// Orchestrator exposes the call orchestrator so the transport integration
// can deliver its events.
func (cl *Client) Orchestrator() *call.Orchestrator {
	return cl.orch
}

// SetLocalStream hands the local audio to the orchestrator.
func (cl *Client) SetLocalStream(stream call.MediaStream) {
	cl.orch.SetLocalStream(stream)
}

// Join dials the server and marks the world joined. Run must be called
// afterwards to start processing.
func (cl *Client) Join(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	conn, _, err := dialer.DialContext(ctx, cl.wsURL, nil)
	if err != nil {
		return err
	}

	cl.mx.Lock()
	cl.conn = conn
	cl.world.DidJoin = true
	cl.mx.Unlock()

	cl.logger.Info().Str("url", cl.wsURL).Msg("joined room")
	return nil
}

// Run pumps the action queue until the context ends or the socket drops.
// Inbound socket messages and orchestrator notifications are applied
// strictly one at a time: a message's state transition and effect dispatch
// complete before the next action is handled.
func (cl *Client) Run(ctx context.Context) error {
	cl.mx.Lock()
	conn := cl.conn
	cl.mx.Unlock()
	if conn == nil {
		return ErrNotJoined
	}

	readErr := make(chan error, 1)
	go cl.readMessages(conn, readErr)

	for {
		select {
		case <-ctx.Done():
			cl.closeConn(conn)
			return ctx.Err()
		case err := <-readErr:
			return err
		case action := <-cl.actions:
			cl.apply(action)
		}
	}
}

func (cl *Client) readMessages(conn *websocket.Conn, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				readErr <- nil
			} else {
				readErr <- err
			}
			return
		}

		msg, err := proto.DecodeServer(data)
		if err != nil {
			cl.logger.Warn().Err(err).Msg("dropped undecodable server message")
			continue
		}
		cl.actions <- state.MessageReceived{Msg: msg}
	}
}

func (cl *Client) apply(action state.Action) {
	cl.mx.Lock()
	next, effects, err := state.Update(cl.world, action)
	if err == nil {
		cl.world = next
	}
	cl.mx.Unlock()

	if err != nil {
		cl.logger.Error().Err(err).Msg("state update failed")
		return
	}

	for _, effect := range effects {
		switch e := effect.(type) {
		case state.OpenCall:
			if openErr := cl.orch.Open(e.PeerID); openErr != nil {
				cl.logger.Error().Err(openErr).Str("peerID", e.PeerID).Msg("failed to open call")
			}
		case state.CloseCall:
			cl.orch.Close(e.PeerID)
		}
	}
}

// World returns a snapshot of the current world state for the UI.
func (cl *Client) World() state.WorldState {
	cl.mx.Lock()
	defer cl.mx.Unlock()
	return cl.world
}

// Move reports the local avatar's new position to the server. The local
// position is not updated here: the server's echo is what confirms the
// move and triggers the proximity rescan.
func (cl *Client) Move(x, y int) error {
	return cl.send(proto.MoveRequest{X: x, Y: y})
}

// Chat sends a chat line to the room.
func (cl *Client) Chat(text string) error {
	return cl.send(proto.ChatRequest{Message: text})
}

func (cl *Client) send(msg proto.ClientMessage) error {
	b, err := proto.EncodeClient(msg)
	if err != nil {
		return err
	}

	cl.mx.Lock()
	defer cl.mx.Unlock()
	if cl.conn == nil {
		return ErrNotJoined
	}
	if err = cl.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return cl.conn.WriteMessage(websocket.TextMessage, b)
}

func (cl *Client) closeConn(conn *websocket.Conn) {
	deadline := time.Now().Add(defaultWriteDeadline)
	payload := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.SetWriteDeadline(deadline); err == nil {
		_ = conn.WriteMessage(websocket.CloseMessage, payload)
	}
	if err := conn.Close(); err != nil {
		cl.logger.Error().Err(err).Msg("failed to close websocket connection")
	}
}
