// Package proto defines the JSON wire format spoken between server and
// clients. Messages are tagged unions: a "type" property selects the
// variant, remaining properties are the variant's payload. Decoding rejects
// unknown tags instead of falling through.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"shoebox/model"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrDecode      = errors.New("cannot decode message")
)

// ServerMessage is a message sent from the server to a client.
type ServerMessage interface {
	serverTag() string
}

// ClientMessage is a message sent from a client to the server.
type ClientMessage interface {
	clientTag() string
}

// Identity tells a freshly connected client its server-assigned user id.
type Identity struct {
	UserID string `json:"userId"`
}

// Sync carries a full room snapshot. Sent once right after Identity.
type Sync struct {
	Room      model.Room                `json:"room"`
	Positions map[string]model.Position `json:"positions"`
	Users     map[string]model.User     `json:"users"`
}

// Joined announces a new member to the whole room, the member included.
type Joined struct {
	UserID   string         `json:"userId"`
	User     model.User     `json:"user"`
	Position model.Position `json:"position"`
}

// Left announces a departed member.
type Left struct {
	UserID string `json:"userId"`
}

// Move announces a member's new position, echoed to the mover as well.
type Move struct {
	UserID   string         `json:"userId"`
	Position model.Position `json:"position"`
}

// Chat relays a chat line to the whole room.
type Chat struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

// Error carries a server-side application error to one client.
type Error struct {
	Message string `json:"message"`
}

func (Identity) serverTag() string { return "identity" }
func (Sync) serverTag() string     { return "sync" }
func (Joined) serverTag() string   { return "joined" }
func (Left) serverTag() string     { return "left" }
func (Move) serverTag() string     { return "move" }
func (Chat) serverTag() string     { return "chat" }
func (Error) serverTag() string    { return "error" }

// MoveRequest asks the server to move the sender's avatar.
type MoveRequest struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ChatRequest asks the server to relay a chat line to the sender's room.
type ChatRequest struct {
	Message string `json:"message"`
}

func (MoveRequest) clientTag() string { return "move" }
func (ChatRequest) clientTag() string { return "chat" }

type envelope struct {
	Type string `json:"type"`
}

// EncodeServer marshals a server message with its type tag.
func EncodeServer(msg ServerMessage) ([]byte, error) {
	return encode(msg.serverTag(), msg)
}

// EncodeClient marshals a client message with its type tag.
func EncodeClient(msg ClientMessage) ([]byte, error) {
	return encode(msg.clientTag(), msg)
}

func encode(tag string, msg any) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal %q message: %w", tag, err)
	}
	head, _ := json.Marshal(envelope{Type: tag})
	if string(body) == "{}" {
		return head, nil
	}
	// splice the tag into the payload object
	out := append(head[:len(head)-1], ',')
	out = append(out, body[1:]...)
	return out, nil
}

// DecodeServer parses a server message, dispatching on the type tag.
func DecodeServer(data []byte) (ServerMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Join(ErrDecode, err)
	}
	var (
		msg ServerMessage
		err error
	)
	switch env.Type {
	case "identity":
		msg, err = decodeAs[Identity](data)
	case "sync":
		msg, err = decodeAs[Sync](data)
	case "joined":
		msg, err = decodeAs[Joined](data)
	case "left":
		msg, err = decodeAs[Left](data)
	case "move":
		msg, err = decodeAs[Move](data)
	case "chat":
		msg, err = decodeAs[Chat](data)
	case "error":
		msg, err = decodeAs[Error](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return msg, err
}

// DecodeClient parses a client message, dispatching on the type tag.
func DecodeClient(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Join(ErrDecode, err)
	}
	switch env.Type {
	case "move":
		return decodeAs[MoveRequest](data)
	case "chat":
		return decodeAs[ChatRequest](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeAs[T any](data []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, errors.Join(ErrDecode, err)
	}
	return msg, nil
}
