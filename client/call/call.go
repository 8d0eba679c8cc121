// Package call manages the lifecycle of peer-to-peer voice calls, keyed by
// the remote peer id. The media transport itself lives behind the
// Transport interface; this package only tracks which calls exist and in
// what state, and turns transport events into notifications for the state
// layer.
package call

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrNotInitialized = errors.New("orchestrator has no local stream")
)

// MediaStream is an opaque handle to an audio stream owned by the
// transport.
type MediaStream any

// Session is one live transport-level call.
type Session interface {
	Close() error
}

// Transport initiates outgoing calls. Its asynchronous events (remote
// stream, close, error, incoming call) are delivered to
// Orchestrator.HandleEvent by the transport integration.
type Transport interface {
	Dial(peerID string, local MediaStream) (Session, error)
}

// Playback wires a remote audio stream into local output.
type Playback interface {
	Play(peerID string, stream MediaStream)
}

// Event is a transport notification consumed by the orchestrator.
type Event interface {
	isEvent()
}

// StreamReceived fires when the remote side's audio arrives, for both
// outgoing and answered calls.
type StreamReceived struct {
	PeerID string
	Stream MediaStream
}

// Closed fires when the remote side hangs up.
type Closed struct {
	PeerID string
}

// Errored fires on a transport failure; treated exactly like Closed.
type Errored struct {
	PeerID string
	Err    error
}

// Incoming fires when a remote peer calls us. The transport has already
// answered with the local stream.
type Incoming struct {
	PeerID  string
	Session Session
}

func (StreamReceived) isEvent() {}
func (Closed) isEvent()         {}
func (Errored) isEvent()        {}
func (Incoming) isEvent()       {}

type callState int

const (
	stateConnecting callState = iota
	stateOpen
)

type call struct {
	session Session
	state   callState
}

type Config struct {
	Logger    *zerolog.Logger
	Transport Transport
	Playback  Playback

	// OnOpened and OnClosed report call lifecycle changes upward; they
	// feed the state reducer as actions.
	OnOpened func(peerID string)
	OnClosed func(peerID string)
}

// Orchestrator executes open/close commands against the transport and
// tracks live calls. Every operation checks current state first: duplicate
// opens and closes are expected, not errors.
type Orchestrator struct {
	logger    zerolog.Logger
	transport Transport
	playback  Playback
	onOpened  func(peerID string)
	onClosed  func(peerID string)

	mx    *sync.Mutex
	local MediaStream
	calls map[string]*call
}

func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		logger:    cfg.Logger.With().Str("component", "call-orchestrator").Logger(),
		transport: cfg.Transport,
		playback:  cfg.Playback,
		onOpened:  cfg.OnOpened,
		onClosed:  cfg.OnClosed,
		mx:        &sync.Mutex{},
		calls:     make(map[string]*call),
	}
}

// SetLocalStream hands the orchestrator the local audio to offer on
// outgoing calls. Must be called before the first Open.
func (o *Orchestrator) SetLocalStream(stream MediaStream) {
	o.mx.Lock()
	o.local = stream
	o.mx.Unlock()
}

// Open initiates a call to the peer unless one is already tracked in any
// state.
func (o *Orchestrator) Open(peerID string) error {
	o.mx.Lock()
	if _, ok := o.calls[peerID]; ok {
		o.mx.Unlock()
		return nil
	}
	if o.local == nil {
		o.mx.Unlock()
		return ErrNotInitialized
	}
	local := o.local
	// reserve the slot before dialing so a concurrent Open stays a no-op
	o.calls[peerID] = &call{state: stateConnecting}
	o.mx.Unlock()

	o.logger.Debug().Str("peerID", peerID).Msg("calling peer")

	session, err := o.transport.Dial(peerID, local)
	if err != nil {
		o.mx.Lock()
		delete(o.calls, peerID)
		o.mx.Unlock()
		return err
	}

	o.mx.Lock()
	if tracked, ok := o.calls[peerID]; ok {
		tracked.session = session
	}
	o.mx.Unlock()
	return nil
}

// Close tears down the call to the peer. A peer with no tracked call is a
// no-op.
func (o *Orchestrator) Close(peerID string) {
	o.mx.Lock()
	tracked, ok := o.calls[peerID]
	if !ok {
		o.mx.Unlock()
		return
	}
	delete(o.calls, peerID)
	o.mx.Unlock()

	o.logger.Debug().Str("peerID", peerID).Msg("closing call")
	if tracked.session != nil {
		if err := tracked.session.Close(); err != nil {
			o.logger.Error().Err(err).Str("peerID", peerID).Msg("failed to close call")
		}
	}
}

// HandleEvent consumes one transport event. Events are not ordered
// relative to Open/Close commands; idempotence of the table operations is
// what keeps the two sides consistent.
func (o *Orchestrator) HandleEvent(ev Event) {
	switch e := ev.(type) {
	case Incoming:
		o.handleIncoming(e)
	case StreamReceived:
		o.handleStream(e)
	case Closed:
		o.handleClose(e.PeerID)
	case Errored:
		o.logger.Error().Err(e.Err).Str("peerID", e.PeerID).Msg("call transport error")
		o.handleClose(e.PeerID)
	}
}

// handleIncoming tracks a remote-initiated call. From here on it is
// indistinguishable from an outgoing one.
func (o *Orchestrator) handleIncoming(e Incoming) {
	o.mx.Lock()
	if _, ok := o.calls[e.PeerID]; ok {
		o.mx.Unlock()
		return
	}
	o.calls[e.PeerID] = &call{session: e.Session, state: stateConnecting}
	o.mx.Unlock()

	o.logger.Debug().Str("peerID", e.PeerID).Msg("answered incoming call")
}

func (o *Orchestrator) handleStream(e StreamReceived) {
	o.mx.Lock()
	tracked, ok := o.calls[e.PeerID]
	if !ok {
		o.mx.Unlock()
		o.logger.Warn().Str("peerID", e.PeerID).Msg("stream for untracked call")
		return
	}
	alreadyOpen := tracked.state == stateOpen
	tracked.state = stateOpen
	o.mx.Unlock()

	if alreadyOpen {
		return
	}
	if o.playback != nil {
		o.playback.Play(e.PeerID, e.Stream)
	}
	if o.onOpened != nil {
		o.onOpened(e.PeerID)
	}
}

// handleClose removes the tracked entry and reports closure regardless of
// prior state, so a call that errors while still connecting produces a
// clean notification too.
func (o *Orchestrator) handleClose(peerID string) {
	o.mx.Lock()
	_, ok := o.calls[peerID]
	delete(o.calls, peerID)
	o.mx.Unlock()

	if !ok {
		return
	}
	o.logger.Debug().Str("peerID", peerID).Msg("call closed")
	if o.onClosed != nil {
		o.onClosed(peerID)
	}
}

// Tracked reports whether a call to the peer exists in any state.
func (o *Orchestrator) Tracked(peerID string) bool {
	o.mx.Lock()
	defer o.mx.Unlock()
	_, ok := o.calls[peerID]
	return ok
}
