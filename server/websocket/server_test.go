package websocket

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"shoebox/proto"
	"shoebox/registry"
)

func startTestServer(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()
	logger := zerolog.Nop()
	hub := NewHub(&logger)
	reg := registry.New(registry.Config{Logger: &logger, Sender: hub})
	srv := NewServer(Config{
		Logger:      &logger,
		Hub:         hub,
		RoomService: reg,
		ListenAddr:  ":0",
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, reg
}

func dialRoom(t *testing.T, ts *httptest.Server, room, userName, peerID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/ws?room=" + room + "&userName=" + userName + "&peerId=" + peerID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) proto.ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := proto.DecodeServer(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func writeClientMessage(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestConnect_JoinSequence(t *testing.T) {
	ts, reg := startTestServer(t)
	if err := reg.CreateRoom("ABCDEF"); err != nil {
		t.Fatalf("create room: %v", err)
	}

	connA := dialRoom(t, ts, "ABCDEF", "alice", "peer-a")

	identity, ok := readServerMessage(t, connA).(proto.Identity)
	if !ok {
		t.Fatal("expected identity first")
	}
	sync, ok := readServerMessage(t, connA).(proto.Sync)
	if !ok {
		t.Fatal("expected sync second")
	}
	if len(sync.Users) != 1 || sync.Room.HostID != identity.UserID {
		t.Errorf("expected single-member room hosted by joiner, got %#v", sync)
	}
	joined, ok := readServerMessage(t, connA).(proto.Joined)
	if !ok || joined.UserID != identity.UserID {
		t.Errorf("expected own joined announcement, got %#v", joined)
	}

	// second joiner: existing member gets the announcement, host stays
	connB := dialRoom(t, ts, "ABCDEF", "bob", "peer-b")

	if _, ok = readServerMessage(t, connB).(proto.Identity); !ok {
		t.Fatal("expected identity for second joiner")
	}
	syncB, ok := readServerMessage(t, connB).(proto.Sync)
	if !ok {
		t.Fatal("expected sync for second joiner")
	}
	if len(syncB.Users) != 2 || syncB.Room.HostID != identity.UserID {
		t.Errorf("expected two users with original host, got %#v", syncB)
	}

	joinedB, ok := readServerMessage(t, connA).(proto.Joined)
	if !ok || joinedB.User.Name != "bob" {
		t.Errorf("expected joined(bob) for first member, got %#v", joinedB)
	}
}

func TestConnect_UnknownRoom(t *testing.T) {
	ts, _ := startTestServer(t)

	conn := dialRoom(t, ts, "NOSUCH", "alice", "peer-a")

	msg := readServerMessage(t, conn)
	errMsg, ok := msg.(proto.Error)
	if !ok {
		t.Fatalf("expected error message, got %#v", msg)
	}
	if !strings.Contains(errMsg.Message, "NOSUCH") {
		t.Errorf("error should name the room, got %q", errMsg.Message)
	}

	// the server follows up with a requested (non-error) close
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected close code 1000, got %v", err)
	}
}

func TestConnect_MissingParams(t *testing.T) {
	ts, _ := startTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?room=ABCDEF"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Errorf("expected 400 response, got %v", resp)
	}
}

func TestInbound_MoveIsEchoedToMover(t *testing.T) {
	ts, reg := startTestServer(t)
	if err := reg.CreateRoom("ABCDEF"); err != nil {
		t.Fatalf("create room: %v", err)
	}

	conn := dialRoom(t, ts, "ABCDEF", "alice", "peer-a")
	for i := 0; i < 3; i++ { // identity, sync, joined
		readServerMessage(t, conn)
	}

	writeClientMessage(t, conn, `{"type":"move","x":150,"y":0}`)

	move, ok := readServerMessage(t, conn).(proto.Move)
	if !ok {
		t.Fatal("expected move echo")
	}
	if move.Position.X != 150 || move.Position.Y != 0 {
		t.Errorf("unexpected echoed position %#v", move.Position)
	}
}

func TestInbound_MalformedFrameIsDropped(t *testing.T) {
	ts, reg := startTestServer(t)
	if err := reg.CreateRoom("ABCDEF"); err != nil {
		t.Fatalf("create room: %v", err)
	}

	conn := dialRoom(t, ts, "ABCDEF", "alice", "peer-a")
	for i := 0; i < 3; i++ {
		readServerMessage(t, conn)
	}

	writeClientMessage(t, conn, `{{{not json`)
	writeClientMessage(t, conn, `{"type":"chat","message":"still here"}`)

	// the malformed frame produces no reply at all: the next message on
	// the wire is the chat broadcast, and the connection stays usable
	chat, ok := readServerMessage(t, conn).(proto.Chat)
	if !ok {
		t.Fatalf("expected chat broadcast, got %#v", chat)
	}
	if chat.Message != "still here" {
		t.Errorf("unexpected chat payload %#v", chat)
	}
}

func TestInbound_UnknownTypeGetsTargetedError(t *testing.T) {
	ts, reg := startTestServer(t)
	if err := reg.CreateRoom("ABCDEF"); err != nil {
		t.Fatalf("create room: %v", err)
	}

	conn := dialRoom(t, ts, "ABCDEF", "alice", "peer-a")
	for i := 0; i < 3; i++ {
		readServerMessage(t, conn)
	}

	writeClientMessage(t, conn, `{"type":"dance"}`)

	msg := readServerMessage(t, conn)
	if _, ok := msg.(proto.Error); !ok {
		t.Fatalf("expected targeted error, got %#v", msg)
	}
}

func TestDisconnect_BroadcastsLeft(t *testing.T) {
	ts, reg := startTestServer(t)
	if err := reg.CreateRoom("ABCDEF"); err != nil {
		t.Fatalf("create room: %v", err)
	}

	connA := dialRoom(t, ts, "ABCDEF", "alice", "peer-a")
	for i := 0; i < 3; i++ {
		readServerMessage(t, connA)
	}

	connB := dialRoom(t, ts, "ABCDEF", "bob", "peer-b")
	identityB, ok := readServerMessage(t, connB).(proto.Identity)
	if !ok {
		t.Fatal("expected identity for bob")
	}
	readServerMessage(t, connA) // joined(bob)

	_ = connB.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = connB.Close()

	left, ok := readServerMessage(t, connA).(proto.Left)
	if !ok || left.UserID != identityB.UserID {
		t.Errorf("expected left(bob), got %#v", left)
	}
}
