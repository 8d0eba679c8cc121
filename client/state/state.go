// Package state holds the client's world state and the pure transition
// function that advances it. Update never touches the network or the call
// transport: side effects come back to the caller as Effect values, to be
// executed after the transition commits.
package state

import (
	"fmt"
	"sort"

	"shoebox/model"
	"shoebox/proto"
)

// WorldState is everything the client knows about the world. Values are
// treated as immutable: Update returns a fresh state and leaves its input
// untouched.
type WorldState struct {
	DidJoin   bool
	UserID    string
	RoomState *model.RoomState
	OpenCalls map[string]struct{}
	Log       []string
}

// New returns an empty world state.
func New() WorldState {
	return WorldState{
		OpenCalls: make(map[string]struct{}),
	}
}

// Action is an input to the reducer: either an inbound server message or a
// call-lifecycle notification from the orchestrator.
type Action interface {
	isAction()
}

type MessageReceived struct {
	Msg proto.ServerMessage
}

type CallOpened struct {
	PeerID string
}

type CallClosed struct {
	PeerID string
}

func (MessageReceived) isAction() {}
func (CallOpened) isAction()      {}
func (CallClosed) isAction()      {}

// Effect is a command for the call orchestrator. Both variants are
// idempotent at the receiving end, so re-deriving them on every move is
// safe.
type Effect interface {
	isEffect()
}

type OpenCall struct {
	PeerID string
}

type CloseCall struct {
	PeerID string
}

func (OpenCall) isEffect()  {}
func (CloseCall) isEffect() {}

// Update applies one action to the world state. It is pure: the input
// state is never mutated and the same (state, action) pair always yields
// the same result.
func Update(s WorldState, a Action) (WorldState, []Effect, error) {
	switch act := a.(type) {
	case MessageReceived:
		return applyMessage(s, act.Msg)
	case CallOpened:
		userID, ok := userIDByPeerID(s.RoomState, act.PeerID)
		if !ok {
			return s, nil, fmt.Errorf("no user found for peer %s", act.PeerID)
		}
		next := s
		next.OpenCalls = cloneSet(s.OpenCalls)
		next.OpenCalls[userID] = struct{}{}
		return next, nil, nil
	case CallClosed:
		userID, ok := userIDByPeerID(s.RoomState, act.PeerID)
		if !ok {
			return s, nil, fmt.Errorf("no user found for peer %s", act.PeerID)
		}
		next := s
		next.OpenCalls = cloneSet(s.OpenCalls)
		delete(next.OpenCalls, userID)
		return next, nil, nil
	}
	return s, nil, nil
}

func applyMessage(s WorldState, msg proto.ServerMessage) (WorldState, []Effect, error) {
	switch m := msg.(type) {
	case proto.Sync:
		next := s
		next.RoomState = &model.RoomState{
			Room:      m.Room,
			Users:     cloneUsers(m.Users),
			Positions: clonePositions(m.Positions),
		}
		return next, nil, nil

	case proto.Identity:
		next := s
		next.UserID = m.UserID
		return next, nil, nil

	case proto.Joined:
		if s.RoomState == nil {
			return s, nil, nil
		}
		next := s
		next.RoomState = cloneRoomState(s.RoomState)
		next.RoomState.Users[m.UserID] = m.User
		next.RoomState.Positions[m.UserID] = m.Position
		next.Log = appendLog(s.Log, m.User.Name+" joined!")
		return next, nil, nil

	case proto.Left:
		if s.RoomState == nil {
			return s, nil, nil
		}
		user, ok := s.RoomState.Users[m.UserID]
		if !ok {
			return s, nil, nil
		}
		next := s
		next.RoomState = cloneRoomState(s.RoomState)
		delete(next.RoomState.Users, m.UserID)
		delete(next.RoomState.Positions, m.UserID)
		// keep open calls a subset of room membership; the remote side's
		// own closure tears down its half of the call
		if _, open := s.OpenCalls[m.UserID]; open {
			next.OpenCalls = cloneSet(s.OpenCalls)
			delete(next.OpenCalls, m.UserID)
		}
		next.Log = appendLog(s.Log, user.Name+" left!")
		return next, nil, nil

	case proto.Move:
		if s.RoomState == nil {
			return s, nil, nil
		}
		next := s
		next.RoomState = cloneRoomState(s.RoomState)
		next.RoomState.Positions[m.UserID] = m.Position

		if m.UserID == s.UserID {
			// server confirmed our own move: the one place where the whole
			// call topology is recomputed
			return next, rescanCalls(next.RoomState, s.UserID), nil
		}

		// we duplicate the leave-radius check on both sides because a
		// remote browser's close event may not fire promptly
		myPosition, ok := next.RoomState.Positions[s.UserID]
		if !ok {
			return next, nil, nil
		}
		if !model.InCallRadius(m.Position, myPosition) {
			mover, ok := next.RoomState.Users[m.UserID]
			if !ok {
				return next, nil, fmt.Errorf("no user found for id %s", m.UserID)
			}
			return next, []Effect{CloseCall{PeerID: mover.PeerID}}, nil
		}
		return next, nil, nil

	case proto.Chat, proto.Error:
		// not reflected in world state
		return s, nil, nil
	}
	return s, nil, nil
}

// rescanCalls derives the desired call topology from scratch: one open or
// close command per other member, depending on proximity to the local
// user. The commands are no-ops when the call is already in the desired
// state.
func rescanCalls(rs *model.RoomState, localID string) []Effect {
	position := rs.Positions[localID]

	userIDs := make([]string, 0, len(rs.Users))
	for userID := range rs.Users {
		if userID != localID {
			userIDs = append(userIDs, userID)
		}
	}
	sort.Strings(userIDs) // stable effect order regardless of map iteration

	effects := make([]Effect, 0, len(userIDs))
	for _, userID := range userIDs {
		peerID := rs.Users[userID].PeerID
		if model.InCallRadius(rs.Positions[userID], position) {
			effects = append(effects, OpenCall{PeerID: peerID})
		} else {
			effects = append(effects, CloseCall{PeerID: peerID})
		}
	}
	return effects
}

func userIDByPeerID(rs *model.RoomState, peerID string) (string, bool) {
	if rs == nil {
		return "", false
	}
	for userID, user := range rs.Users {
		if user.PeerID == peerID {
			return userID, true
		}
	}
	return "", false
}

func cloneRoomState(rs *model.RoomState) *model.RoomState {
	return &model.RoomState{
		Room:      rs.Room,
		Users:     cloneUsers(rs.Users),
		Positions: clonePositions(rs.Positions),
	}
}

func cloneUsers(src map[string]model.User) map[string]model.User {
	dst := make(map[string]model.User, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func clonePositions(src map[string]model.Position) map[string]model.Position {
	dst := make(map[string]model.Position, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneSet(src map[string]struct{}) map[string]struct{} {
	dst := make(map[string]struct{}, len(src)+1)
	for k := range src {
		dst[k] = struct{}{}
	}
	return dst
}

func appendLog(log []string, line string) []string {
	out := make([]string, len(log)+1)
	copy(out, log)
	out[len(log)] = line
	return out
}
