package call

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type fakeSession struct {
	mu     sync.Mutex
	closed int
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

type fakeTransport struct {
	mu       sync.Mutex
	dials    []string
	sessions map[string]*fakeSession
	dialErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sessions: make(map[string]*fakeSession)}
}

func (f *fakeTransport) Dial(peerID string, _ MediaStream) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	f.dials = append(f.dials, peerID)
	sess := &fakeSession{}
	f.sessions[peerID] = sess
	return sess, nil
}

type recorder struct {
	mu     sync.Mutex
	opened []string
	closed []string
	played []string
}

func (r *recorder) Play(peerID string, _ MediaStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.played = append(r.played, peerID)
}

func (r *recorder) onOpened(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, peerID)
}

func (r *recorder) onClosed(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, peerID)
}

func newTestOrchestrator() (*Orchestrator, *fakeTransport, *recorder) {
	logger := zerolog.Nop()
	transport := newFakeTransport()
	rec := &recorder{}
	orch := New(Config{
		Logger:    &logger,
		Transport: transport,
		Playback:  rec,
		OnOpened:  rec.onOpened,
		OnClosed:  rec.onClosed,
	})
	orch.SetLocalStream("local-stream")
	return orch, transport, rec
}

func TestOpen_RequiresLocalStream(t *testing.T) {
	logger := zerolog.Nop()
	orch := New(Config{Logger: &logger, Transport: newFakeTransport()})

	if err := orch.Open("peer-b"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	orch, transport, rec := newTestOrchestrator()

	if err := orch.Open("peer-b"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := orch.Open("peer-b"); err != nil {
		t.Fatalf("second open: %v", err)
	}

	if len(transport.dials) != 1 {
		t.Errorf("expected exactly one dial, got %v", transport.dials)
	}

	orch.HandleEvent(StreamReceived{PeerID: "peer-b", Stream: "remote"})
	orch.HandleEvent(StreamReceived{PeerID: "peer-b", Stream: "remote"})

	if len(rec.opened) != 1 {
		t.Errorf("expected exactly one opened notification, got %v", rec.opened)
	}
	if len(rec.played) != 1 {
		t.Errorf("expected stream wired into playback once, got %v", rec.played)
	}
}

func TestClose_UntrackedPeerIsNoop(t *testing.T) {
	orch, transport, rec := newTestOrchestrator()

	orch.Close("peer-b")

	if len(transport.dials) != 0 || len(rec.closed) != 0 {
		t.Errorf("close of untracked peer must do nothing")
	}
}

func TestClose_TearsDownSession(t *testing.T) {
	orch, transport, _ := newTestOrchestrator()

	if err := orch.Open("peer-b"); err != nil {
		t.Fatalf("open: %v", err)
	}
	orch.Close("peer-b")

	if transport.sessions["peer-b"].closed != 1 {
		t.Errorf("expected transport session closed once, got %d", transport.sessions["peer-b"].closed)
	}
	if orch.Tracked("peer-b") {
		t.Error("call still tracked after close")
	}

	// closing again stays a no-op
	orch.Close("peer-b")
	if transport.sessions["peer-b"].closed != 1 {
		t.Error("second close must not touch the session")
	}
}

func TestDialFailure_LeavesNothingTracked(t *testing.T) {
	orch, transport, _ := newTestOrchestrator()
	transport.dialErr = errors.New("network down")

	if err := orch.Open("peer-b"); err == nil {
		t.Fatal("expected dial error")
	}
	if orch.Tracked("peer-b") {
		t.Error("failed dial must not leave a tracked call")
	}
}

func TestRemoteClose_NotifiesOnce(t *testing.T) {
	orch, _, rec := newTestOrchestrator()

	if err := orch.Open("peer-b"); err != nil {
		t.Fatalf("open: %v", err)
	}
	orch.HandleEvent(StreamReceived{PeerID: "peer-b", Stream: "remote"})
	orch.HandleEvent(Closed{PeerID: "peer-b"})
	orch.HandleEvent(Closed{PeerID: "peer-b"})

	if len(rec.closed) != 1 {
		t.Errorf("expected one closed notification, got %v", rec.closed)
	}
	if orch.Tracked("peer-b") {
		t.Error("call still tracked after remote close")
	}
}

func TestErrorWhileConnecting_ProducesCleanClose(t *testing.T) {
	orch, _, rec := newTestOrchestrator()

	if err := orch.Open("peer-b"); err != nil {
		t.Fatalf("open: %v", err)
	}
	// no stream yet: still connecting
	orch.HandleEvent(Errored{PeerID: "peer-b", Err: errors.New("ice failed")})

	if len(rec.opened) != 0 {
		t.Errorf("call never opened, got notifications %v", rec.opened)
	}
	if len(rec.closed) != 1 {
		t.Errorf("expected one closed notification, got %v", rec.closed)
	}
	if orch.Tracked("peer-b") {
		t.Error("call still tracked after transport error")
	}
}

func TestIncomingCall_HandledLikeOutgoing(t *testing.T) {
	orch, transport, rec := newTestOrchestrator()

	sess := &fakeSession{}
	orch.HandleEvent(Incoming{PeerID: "peer-b", Session: sess})

	if !orch.Tracked("peer-b") {
		t.Fatal("incoming call not tracked")
	}
	if len(transport.dials) != 0 {
		t.Errorf("incoming call must not dial, got %v", transport.dials)
	}

	// an open command for an already-answered call is a no-op
	if err := orch.Open("peer-b"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(transport.dials) != 0 {
		t.Errorf("open after incoming must not dial, got %v", transport.dials)
	}

	orch.HandleEvent(StreamReceived{PeerID: "peer-b", Stream: "remote"})
	if len(rec.opened) != 1 {
		t.Errorf("expected opened notification, got %v", rec.opened)
	}

	orch.Close("peer-b")
	if sess.closed != 1 {
		t.Errorf("expected incoming session closed, got %d", sess.closed)
	}
}
