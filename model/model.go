package model

// Room carries a room's metadata. The first user to join becomes the host;
// the host id is assigned once and never reassigned, even after the host
// leaves.
type Room struct {
	RoomID      string `json:"roomId"`
	Environment string `json:"environment"`
	HostID      string `json:"hostId"`
}

// User describes a room member. PeerID is the user's address on the
// voice-call transport and is unique per connected user.
type User struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	PeerID string `json:"peerId"`
}

// Position is an avatar position on the integer grid.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// RoomState is a full snapshot of a room as sent to clients. Users and
// Positions always share an identical key set of user ids.
type RoomState struct {
	Room      Room                `json:"room"`
	Positions map[string]Position `json:"positions"`
	Users     map[string]User     `json:"users"`
}
