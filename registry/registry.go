// Package registry owns all server-side room state: membership, positions
// and host assignment. It is the only writer of that state; the websocket
// layer feeds it decoded client messages and receives broadcasts back
// through the Sender interface.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"shoebox/model"
	"shoebox/proto"
)

const defaultEnvironment = "default"

var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room is not found")
)

// Sender delivers server messages to connected users. Implemented by the
// websocket hub. Delivery is best-effort: a user that disconnects mid-call
// may silently miss a message.
type Sender interface {
	Send(userID string, msg proto.ServerMessage)
	// RequestClose asks the transport to close the user's connection.
	// fatal selects close code 1011 instead of 1000.
	RequestClose(userID string, fatal bool)
}

// room is the authoritative aggregate for one room. users and positions
// always hold identical key sets; both are guarded by the registry mutex.
type room struct {
	meta      model.Room
	users     map[string]model.User
	positions map[string]model.Position
}

type Registry struct {
	logger zerolog.Logger
	sender Sender

	mx       *sync.Mutex
	rooms    map[string]*room
	userRoom map[string]string
}

type Config struct {
	Logger *zerolog.Logger
	Sender Sender
}

func New(cfg Config) *Registry {
	return &Registry{
		logger:   cfg.Logger.With().Str("component", "registry").Logger(),
		sender:   cfg.Sender,
		mx:       &sync.Mutex{},
		rooms:    make(map[string]*room),
		userRoom: make(map[string]string),
	}
}

// CreateRoom registers an empty room with the default environment.
// Rooms live for the process lifetime, there is no teardown.
func (reg *Registry) CreateRoom(roomID string) error {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	if _, ok := reg.rooms[roomID]; ok {
		return fmt.Errorf("%w: %s", ErrRoomExists, roomID)
	}
	reg.rooms[roomID] = &room{
		meta:      model.Room{RoomID: roomID, Environment: defaultEnvironment},
		users:     make(map[string]model.User),
		positions: make(map[string]model.Position),
	}
	reg.logger.Debug().Str("roomID", roomID).Msg("room created")
	return nil
}

// ConnectUser places a user into a room at (0,0). The first member becomes
// the host. The joiner receives identity and a full sync, then the whole
// room (joiner included) receives the joined announcement. An unknown room
// id fails the connection: the joiner gets an error message and a non-fatal
// close request.
func (reg *Registry) ConnectUser(userID, userName, peerID, roomID string) error {
	reg.mx.Lock()

	rm, ok := reg.rooms[roomID]
	if !ok {
		reg.mx.Unlock()
		reg.sender.Send(userID, proto.Error{Message: "could not find room with ID " + roomID})
		reg.sender.RequestClose(userID, false)
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}

	user := model.User{Name: userName, PeerID: peerID, Avatar: "default.png"}
	position := model.Position{}
	rm.users[userID] = user
	rm.positions[userID] = position
	reg.userRoom[userID] = roomID

	// the first user to join a room is the host; decided under the same
	// lock as the insert so concurrent joins cannot both claim it
	if len(rm.users) == 1 {
		rm.meta.HostID = userID
	}

	sync := proto.Sync{
		Room:      rm.meta,
		Users:     copyUsers(rm.users),
		Positions: copyPositions(rm.positions),
	}
	members := memberSnapshot(rm)
	reg.mx.Unlock()

	reg.sender.Send(userID, proto.Identity{UserID: userID})
	reg.sender.Send(userID, sync)
	reg.sendToAll(members, proto.Joined{UserID: userID, User: user, Position: position})

	reg.logger.Debug().
		Str("userID", userID).
		Str("roomID", roomID).
		Str("peerID", peerID).
		Msg("user connected")
	return nil
}

// DisconnectUser removes the user from its room and announces the
// departure. Calling it for a user with no room mapping is a no-op; the
// websocket layer may invoke it twice for the same connection when both
// error and close events fire.
func (reg *Registry) DisconnectUser(userID string) {
	reg.mx.Lock()

	roomID, ok := reg.userRoom[userID]
	if !ok {
		reg.mx.Unlock()
		return
	}
	rm, ok := reg.rooms[roomID]
	if !ok {
		reg.mx.Unlock()
		reg.invariant("room %s mapped for user %s does not exist", roomID, userID)
		return
	}

	delete(rm.users, userID)
	delete(rm.positions, userID)
	delete(reg.userRoom, userID)

	members := memberSnapshot(rm)
	reg.mx.Unlock()

	reg.sendToAll(members, proto.Left{UserID: userID})
	reg.logger.Debug().
		Str("userID", userID).
		Str("roomID", roomID).
		Msg("user disconnected")
}

// HandleMove updates the mover's canonical position and broadcasts it to
// the whole room, the mover included. The echo back to the mover is what
// triggers the client's proximity rescan.
func (reg *Registry) HandleMove(userID string, x, y int) {
	reg.mx.Lock()

	rm, ok := reg.roomOf(userID)
	if !ok {
		reg.mx.Unlock()
		reg.sendError(userID, "no room found for user "+userID)
		return
	}
	if _, ok = rm.positions[userID]; !ok {
		reg.mx.Unlock()
		reg.invariant("no position for member %s", userID)
		return
	}
	position := model.Position{X: x, Y: y}
	rm.positions[userID] = position

	members := memberSnapshot(rm)
	reg.mx.Unlock()

	reg.sendToAll(members, proto.Move{UserID: userID, Position: position})
}

// HandleChat relays a chat line to the sender's room.
func (reg *Registry) HandleChat(userID, text string) {
	reg.mx.Lock()

	rm, ok := reg.roomOf(userID)
	if !ok {
		reg.mx.Unlock()
		reg.sendError(userID, "no room found for user "+userID)
		return
	}
	members := memberSnapshot(rm)
	reg.mx.Unlock()

	reg.sendToAll(members, proto.Chat{UserID: userID, Message: text})
}

// HandleMessage routes one decoded client message.
func (reg *Registry) HandleMessage(userID string, msg proto.ClientMessage) {
	switch m := msg.(type) {
	case proto.MoveRequest:
		reg.HandleMove(userID, m.X, m.Y)
	case proto.ChatRequest:
		reg.HandleChat(userID, m.Message)
	default:
		reg.sendError(userID, "unrecognized message")
	}
}

// RoomCount reports the number of existing rooms, for metrics.
func (reg *Registry) RoomCount() int {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	return len(reg.rooms)
}

// roomOf resolves a user's room. Callers must hold the mutex.
func (reg *Registry) roomOf(userID string) (*room, bool) {
	roomID, ok := reg.userRoom[userID]
	if !ok {
		return nil, false
	}
	rm, ok := reg.rooms[roomID]
	if !ok {
		reg.invariant("room %s mapped for user %s does not exist", roomID, userID)
		return nil, false
	}
	return rm, true
}

// sendToAll delivers a message to a membership snapshot taken at dispatch
// time. A user leaving mid-broadcast may or may not receive it.
func (reg *Registry) sendToAll(members []string, msg proto.ServerMessage) {
	for _, userID := range members {
		reg.sender.Send(userID, msg)
	}
}

func (reg *Registry) sendError(userID, text string) {
	reg.sender.Send(userID, proto.Error{Message: text})
}

// invariant reports a bookkeeping violation. These are programmer errors,
// not recoverable user-facing conditions; the offending operation is
// aborted and the violation logged at error level.
func (reg *Registry) invariant(format string, args ...any) {
	reg.logger.Error().Str("invariant", fmt.Sprintf(format, args...)).Msg("registry bookkeeping violated")
}

func memberSnapshot(rm *room) []string {
	members := make([]string, 0, len(rm.users))
	for userID := range rm.users {
		members = append(members, userID)
	}
	return members
}

func copyUsers(src map[string]model.User) map[string]model.User {
	dst := make(map[string]model.User, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyPositions(src map[string]model.Position) map[string]model.Position {
	dst := make(map[string]model.Position, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
