// Package call implements the per-peer call state machine and the session
// negotiator that drives offer/answer/ICE exchange for one media session.
//
// The machine processes signaling envelopes and local user actions as
// discrete events, one at a time. It exclusively owns the CallSession and its
// negotiator; nothing else may mutate negotiator state.
package call

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peercall/peercall/internal/signaling"
)

// Sender transmits outbound envelopes to the relay.
type Sender interface {
	Send(env signaling.Envelope) error
}

// RosterView answers whether a peer can currently be called.
type RosterView interface {
	IsCallable(peerID string) bool
}

// Events is the UI-facing collaborator. Callbacks run outside the machine's
// lock, so they may call back into the machine (e.g. AcceptCall from
// IncomingCall).
type Events interface {
	IncomingCall(peerID, displayName string)
	CallConnected(peerID string)
	CallEnded(peerID string, reason EndReason)
	RemoteTrack(peerID string, track *webrtc.TrackRemote)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) IncomingCall(string, string)             {}
func (NopEvents) CallConnected(string)                    {}
func (NopEvents) CallEnded(string, EndReason)             {}
func (NopEvents) RemoteTrack(string, *webrtc.TrackRemote) {}

// Session is the externally visible view of the current call.
type Session struct {
	PeerID   string
	PeerName string
	Role     Role
	State    State
}

// session is the machine's single owned call. It exists only while
// non-terminated; teardown removes it, so the single-call invariant is
// structural rather than checked.
type session struct {
	peerID   string
	peerName string
	role     Role
	state    State

	negotiator Negotiator

	// remoteOffer is held on the callee side until AcceptCall consumes it.
	remoteOffer signaling.SDP

	// gen distinguishes this session from earlier ones so stale async
	// notifications (candidate discoveries, pending timers) are discarded.
	gen uint64

	pendingTimer *time.Timer
}

type MachineConfig struct {
	Sender        Sender
	NewNegotiator NegotiatorFactory

	// Roster gates StartCall. A nil roster allows calling any peer ID, which
	// is the anonymous variant's behavior.
	Roster RosterView

	// Events defaults to NopEvents.
	Events Events

	Logger *slog.Logger

	// PendingCallTimeout bounds how long a call may stay pending before being
	// torn down. Zero disables the timeout.
	PendingCallTimeout time.Duration
}

// Machine is the call state machine. All methods are safe for concurrent
// use; each event is processed to completion under a single mutex.
type Machine struct {
	sender         Sender
	newNegotiator  NegotiatorFactory
	roster         RosterView
	events         Events
	logger         *slog.Logger
	pendingTimeout time.Duration

	mu      sync.Mutex
	sess    *session
	lastGen uint64
}

func NewMachine(cfg MachineConfig) *Machine {
	events := cfg.Events
	if events == nil {
		events = NopEvents{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		sender:         cfg.Sender,
		newNegotiator:  cfg.NewNegotiator,
		roster:         cfg.Roster,
		events:         events,
		logger:         logger,
		pendingTimeout: cfg.PendingCallTimeout,
	}
}

// State reports the current call state; StateIdle when no session exists.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return StateIdle
	}
	return m.sess.state
}

// Session returns the current call, if any.
func (m *Machine) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Session{}, false
	}
	return Session{
		PeerID:   m.sess.peerID,
		PeerName: m.sess.peerName,
		Role:     m.sess.role,
		State:    m.sess.state,
	}, true
}

// StartCall initiates an outgoing call to peerID. It fails without mutating
// state when a call already exists or the peer is not callable.
func (m *Machine) StartCall(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != nil {
		return fmt.Errorf("%w: session with %s is %s", ErrAlreadyInCall, m.sess.peerID, m.sess.state)
	}
	if peerID == "" {
		return fmt.Errorf("%w: empty peer id", ErrPeerUnavailable)
	}
	if m.roster != nil && !m.roster.IsCallable(peerID) {
		return fmt.Errorf("%w: %s is offline or unknown", ErrPeerUnavailable, peerID)
	}

	gen := m.nextGenLocked()
	neg, err := m.newNegotiator(m.handlersFor(peerID, gen))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	offer, err := neg.CreateLocalOffer()
	if err != nil {
		_ = neg.Close()
		return fmt.Errorf("create local offer: %w", err)
	}

	env, err := signaling.NewOffer(peerID, offer)
	if err != nil {
		_ = neg.Close()
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	if err := m.sender.Send(env); err != nil {
		_ = neg.Close()
		return fmt.Errorf("%w: send offer: %v", ErrTransportUnavailable, err)
	}

	m.sess = &session{
		peerID:     peerID,
		role:       RoleCaller,
		state:      StateOutgoingPending,
		negotiator: neg,
		gen:        gen,
	}
	m.armPendingTimerLocked()

	m.logger.Info("outgoing call", "peer_id", peerID)
	return nil
}

// HandleEnvelope applies one inbound signaling envelope. Envelopes that do
// not match the current session are dropped; only malformed or out-of-context
// protocol input yields an error, and no error here is fatal to the machine.
func (m *Machine) HandleEnvelope(env signaling.Envelope) error {
	switch env.Type {
	case signaling.TypeOffer:
		return m.handleOffer(env)
	case signaling.TypeAnswer:
		return m.handleAnswer(env)
	case signaling.TypeCandidate:
		return m.handleCandidate(env)
	case signaling.TypeDecline, signaling.TypeEnd:
		return m.handleRemoteHangup(env)
	default:
		return fmt.Errorf("%w: unexpected envelope type %q", ErrProtocol, env.Type)
	}
}

func (m *Machine) handleOffer(env signaling.Envelope) error {
	if env.SenderID == "" {
		return fmt.Errorf("%w: offer without sender_id", ErrProtocol)
	}

	m.mu.Lock()
	if m.sess != nil {
		// Busy policy: a second offer is declined immediately rather than
		// queued, including glare (the current peer re-offering). The existing
		// session is untouched.
		peerID, state := m.sess.peerID, m.sess.state
		m.mu.Unlock()

		m.logger.Info("declining offer while busy",
			"offer_from", env.SenderID,
			"current_peer", peerID,
			"current_state", state,
		)
		if err := m.sender.Send(signaling.NewDecline(env.SenderID)); err != nil {
			m.logger.Warn("failed to send busy decline", "peer_id", env.SenderID, "err", err)
		}
		return nil
	}

	desc, err := env.SessionDescription()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	gen := m.nextGenLocked()
	neg, err := m.newNegotiator(m.handlersFor(env.SenderID, gen))
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	m.sess = &session{
		peerID:      env.SenderID,
		peerName:    env.FullName,
		role:        RoleCallee,
		state:       StateIncomingPending,
		negotiator:  neg,
		remoteOffer: desc,
		gen:         gen,
	}
	m.armPendingTimerLocked()
	m.mu.Unlock()

	m.logger.Info("incoming call", "peer_id", env.SenderID, "full_name", env.FullName)
	m.events.IncomingCall(env.SenderID, env.FullName)
	return nil
}

func (m *Machine) handleAnswer(env signaling.Envelope) error {
	m.mu.Lock()
	if m.sess == nil || m.sess.state != StateOutgoingPending || m.sess.peerID != env.SenderID {
		m.mu.Unlock()
		m.logger.Debug("dropping answer with no matching pending call", "sender_id", env.SenderID)
		return nil
	}
	peerID := m.sess.peerID

	desc, err := env.SessionDescription()
	if err == nil {
		err = m.sess.negotiator.ApplyRemoteDescription(desc)
	}
	if err != nil {
		m.teardownLocked()
		m.mu.Unlock()

		m.events.CallEnded(peerID, EndReasonNegotiation)
		return fmt.Errorf("apply remote answer: %w", err)
	}

	m.sess.state = StateConnected
	m.stopPendingTimerLocked()
	m.mu.Unlock()

	m.logger.Info("call connected", "peer_id", peerID, "role", RoleCaller)
	m.events.CallConnected(peerID)
	return nil
}

func (m *Machine) handleCandidate(env signaling.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A candidate for a peer with no session is a late packet for an ended
	// call. Expected; dropped without a diagnostic.
	if m.sess == nil || m.sess.peerID != env.SenderID {
		return nil
	}

	cand, err := env.ICECandidate()
	if err != nil {
		m.logger.Warn("dropping malformed remote candidate", "peer_id", env.SenderID, "err", err)
		return nil
	}
	if err := m.sess.negotiator.AddRemoteCandidate(cand); err != nil {
		// Best-effort ICE: a rejected candidate never aborts the call.
		m.logger.Warn("failed to add remote candidate", "peer_id", env.SenderID, "err", err)
	}
	return nil
}

func (m *Machine) handleRemoteHangup(env signaling.Envelope) error {
	m.mu.Lock()
	if m.sess == nil || m.sess.peerID != env.SenderID {
		m.mu.Unlock()
		m.logger.Debug("dropping hangup for peer with no session",
			"type", env.Type,
			"sender_id", env.SenderID,
		)
		return nil
	}
	peerID := m.sess.peerID
	reason := EndReasonRemoteEnded
	if env.Type == signaling.TypeDecline {
		reason = EndReasonRemoteDeclined
	}
	m.teardownLocked()
	m.mu.Unlock()

	m.logger.Info("call ended by remote", "peer_id", peerID, "reason", reason)
	m.events.CallEnded(peerID, reason)
	return nil
}

// AcceptCall answers the pending incoming call.
func (m *Machine) AcceptCall() error {
	m.mu.Lock()
	if m.sess == nil || m.sess.state != StateIncomingPending {
		m.mu.Unlock()
		return ErrNoPendingCall
	}
	peerID := m.sess.peerID

	answer, err := m.sess.negotiator.CreateLocalAnswer(m.sess.remoteOffer)
	if err != nil {
		m.teardownLocked()
		m.mu.Unlock()

		m.events.CallEnded(peerID, EndReasonNegotiation)
		return fmt.Errorf("create local answer: %w", err)
	}

	env, err := signaling.NewAnswer(peerID, answer)
	if err == nil {
		err = m.sender.Send(env)
	}
	if err != nil {
		m.teardownLocked()
		m.mu.Unlock()

		m.events.CallEnded(peerID, EndReasonTransport)
		return fmt.Errorf("%w: send answer: %v", ErrTransportUnavailable, err)
	}

	m.sess.state = StateConnected
	m.stopPendingTimerLocked()
	m.mu.Unlock()

	m.logger.Info("call connected", "peer_id", peerID, "role", RoleCallee)
	m.events.CallConnected(peerID)
	return nil
}

// DeclineCall rejects the current call. It is a no-op when no session exists.
func (m *Machine) DeclineCall() error {
	return m.hangup(signaling.TypeDecline, EndReasonLocalDeclined)
}

// EndCall hangs up the current call. It is a no-op when no session exists;
// calling it twice is harmless.
func (m *Machine) EndCall() error {
	return m.hangup(signaling.TypeEnd, EndReasonLocalEnded)
}

func (m *Machine) hangup(t signaling.Type, reason EndReason) error {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return nil
	}
	peerID := m.sess.peerID

	// Tell the remote peer before tearing down locally. Best-effort: the
	// transport may already be gone, and teardown proceeds regardless.
	var env signaling.Envelope
	if t == signaling.TypeDecline {
		env = signaling.NewDecline(peerID)
	} else {
		env = signaling.NewEnd(peerID)
	}
	if err := m.sender.Send(env); err != nil {
		m.logger.Warn("failed to send hangup", "type", t, "peer_id", peerID, "err", err)
	}

	m.teardownLocked()
	m.mu.Unlock()

	m.logger.Info("call ended locally", "peer_id", peerID, "reason", reason)
	m.events.CallEnded(peerID, reason)
	return nil
}

// HandleTransportDown terminates any open session after the signaling channel
// is lost. No reconnect is attempted; the user must re-initiate.
func (m *Machine) HandleTransportDown() {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return
	}
	peerID := m.sess.peerID
	m.teardownLocked()
	m.mu.Unlock()

	m.logger.Warn("call terminated: signaling transport lost", "peer_id", peerID)
	m.events.CallEnded(peerID, EndReasonTransport)
}

// teardownLocked terminates and removes the current session. The negotiator's
// own Close is idempotent, so teardown racing a concurrent close is safe.
func (m *Machine) teardownLocked() {
	if m.sess == nil {
		return
	}
	m.stopPendingTimerLocked()
	m.sess.state = StateTerminated
	if err := m.sess.negotiator.Close(); err != nil {
		m.logger.Warn("negotiator close", "peer_id", m.sess.peerID, "err", err)
	}
	m.sess = nil
}

func (m *Machine) nextGenLocked() uint64 {
	m.lastGen++
	return m.lastGen
}

func (m *Machine) handlersFor(peerID string, gen uint64) NegotiatorHandlers {
	return NegotiatorHandlers{
		OnLocalCandidate: func(cand signaling.Candidate) {
			m.emitLocalCandidate(peerID, gen, cand)
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			m.events.RemoteTrack(peerID, track)
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			m.logger.Debug("peer connection state", "peer_id", peerID, "state", state.String())
		},
	}
}

// emitLocalCandidate forwards one discovered local candidate to the remote
// peer, unless the session it belongs to is already gone.
func (m *Machine) emitLocalCandidate(peerID string, gen uint64, cand signaling.Candidate) {
	m.mu.Lock()
	stale := m.sess == nil || m.sess.gen != gen
	m.mu.Unlock()
	if stale {
		return
	}

	env, err := signaling.NewCandidate(peerID, cand)
	if err != nil {
		m.logger.Warn("encode local candidate", "peer_id", peerID, "err", err)
		return
	}
	if err := m.sender.Send(env); err != nil {
		m.logger.Warn("failed to send local candidate", "peer_id", peerID, "err", err)
	}
}

func (m *Machine) armPendingTimerLocked() {
	if m.pendingTimeout <= 0 || m.sess == nil {
		return
	}
	gen := m.sess.gen
	m.sess.pendingTimer = time.AfterFunc(m.pendingTimeout, func() {
		m.expirePending(gen)
	})
}

func (m *Machine) stopPendingTimerLocked() {
	if m.sess != nil && m.sess.pendingTimer != nil {
		m.sess.pendingTimer.Stop()
		m.sess.pendingTimer = nil
	}
}

func (m *Machine) expirePending(gen uint64) {
	m.mu.Lock()
	if m.sess == nil || m.sess.gen != gen ||
		(m.sess.state != StateOutgoingPending && m.sess.state != StateIncomingPending) {
		m.mu.Unlock()
		return
	}
	peerID := m.sess.peerID
	if m.sess.state == StateOutgoingPending {
		if err := m.sender.Send(signaling.NewEnd(peerID)); err != nil {
			m.logger.Warn("failed to send timeout hangup", "peer_id", peerID, "err", err)
		}
	}
	m.teardownLocked()
	m.mu.Unlock()

	m.logger.Info("pending call timed out", "peer_id", peerID)
	m.events.CallEnded(peerID, EndReasonTimeout)
}
