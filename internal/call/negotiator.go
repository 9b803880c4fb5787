package call

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/peercall/peercall/internal/signaling"
)

// Negotiator drives description and candidate exchange for one media session.
// Implementations must tolerate candidates arriving before the remote
// description by buffering them, and Close must be safe to call multiple
// times and concurrently with in-flight operations (whose results are then
// discarded).
type Negotiator interface {
	CreateLocalOffer() (signaling.SDP, error)
	CreateLocalAnswer(remoteOffer signaling.SDP) (signaling.SDP, error)
	ApplyRemoteDescription(desc signaling.SDP) error
	AddRemoteCandidate(cand signaling.Candidate) error
	Close() error
}

// NegotiatorHandlers are the notifications a negotiator emits while a session
// is open. OnLocalCandidate is required; the rest are optional.
type NegotiatorHandlers struct {
	// OnLocalCandidate fires once per discovered local ICE candidate, in
	// discovery order but with no ordering guarantee relative to the
	// offer/answer that started gathering.
	OnLocalCandidate func(signaling.Candidate)

	// OnRemoteTrack fires when remote media arrives. Rendering is the UI's
	// concern; the core only forwards the track handle.
	OnRemoteTrack func(*webrtc.TrackRemote)

	OnConnectionStateChange func(webrtc.PeerConnectionState)
}

// NegotiatorFactory constructs a fresh negotiator for one call session.
type NegotiatorFactory func(h NegotiatorHandlers) (Negotiator, error)

// webrtcNegotiator is the pion-backed Negotiator. One is constructed per
// CallSession and closed exactly once on teardown.
type webrtcNegotiator struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	// mu guards the pre-description candidate buffer.
	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// NewNegotiatorFactory returns a factory producing pion-backed negotiators.
// api should come from NewAPI so SettingEngine restrictions apply; a nil api
// falls back to pion defaults.
func NewNegotiatorFactory(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger) NegotiatorFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(h NegotiatorHandlers) (Negotiator, error) {
		return newWebRTCNegotiator(api, iceServers, logger, h)
	}
}

func newWebRTCNegotiator(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger, h NegotiatorHandlers) (*webrtcNegotiator, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}

	n := &webrtcNegotiator{
		pc:     pc,
		logger: logger,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || n.closed.Load() {
			return
		}
		if h.OnLocalCandidate != nil {
			h.OnLocalCandidate(signaling.CandidateFromPion(c.ToJSON()))
		}
	})

	if h.OnRemoteTrack != nil {
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			h.OnRemoteTrack(track)
		})
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if h.OnConnectionStateChange != nil {
			h.OnConnectionStateChange(state)
		}
	})

	return n, nil
}

// CreateLocalOffer produces the caller-side offer and sets it as the local
// description, which starts asynchronous candidate gathering.
func (n *webrtcNegotiator) CreateLocalOffer() (signaling.SDP, error) {
	if n.closed.Load() {
		return signaling.SDP{}, ErrNegotiatorClosed
	}

	// Receive-only transceivers give the offer its audio/video sections; the
	// local capture tracks are attached by the media layer, not the core.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := n.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return signaling.SDP{}, fmt.Errorf("%w: add %s transceiver: %v", ErrNegotiation, kind, err)
		}
	}

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SDP{}, fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return signaling.SDP{}, fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}
	if n.closed.Load() {
		return signaling.SDP{}, ErrNegotiatorClosed
	}
	return signaling.SDPFromPion(offer), nil
}

// CreateLocalAnswer applies remoteOffer as the remote description, then
// produces and applies the local answer.
func (n *webrtcNegotiator) CreateLocalAnswer(remoteOffer signaling.SDP) (signaling.SDP, error) {
	if err := n.ApplyRemoteDescription(remoteOffer); err != nil {
		return signaling.SDP{}, err
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SDP{}, fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return signaling.SDP{}, fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err)
	}
	if n.closed.Load() {
		return signaling.SDP{}, ErrNegotiatorClosed
	}
	return signaling.SDPFromPion(answer), nil
}

// ApplyRemoteDescription applies desc and flushes any candidates buffered
// before it arrived, in their original arrival order.
func (n *webrtcNegotiator) ApplyRemoteDescription(desc signaling.SDP) error {
	if n.closed.Load() {
		return ErrNegotiatorClosed
	}

	pionDesc, err := desc.ToPion()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	if err := n.pc.SetRemoteDescription(pionDesc); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", ErrNegotiation, desc.Type, err)
	}
	if n.closed.Load() {
		return ErrNegotiatorClosed
	}

	n.mu.Lock()
	n.remoteSet = true
	buffered := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, cand := range buffered {
		if err := n.pc.AddICECandidate(cand); err != nil {
			n.logger.Warn("dropping buffered ice candidate", "err", err)
		}
	}
	return nil
}

// AddRemoteCandidate applies cand, or buffers it when the remote description
// has not been applied yet. A malformed candidate is an error for the caller
// to log; it never aborts the session.
func (n *webrtcNegotiator) AddRemoteCandidate(cand signaling.Candidate) error {
	if n.closed.Load() {
		return ErrNegotiatorClosed
	}

	n.mu.Lock()
	if !n.remoteSet {
		n.pending = append(n.pending, cand.ToPion())
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	return n.pc.AddICECandidate(cand.ToPion())
}

// Close releases the underlying peer connection. It is idempotent and safe to
// call while another negotiator operation is in flight; that operation's
// result is discarded.
func (n *webrtcNegotiator) Close() error {
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		n.closeErr = n.pc.Close()

		n.mu.Lock()
		n.pending = nil
		n.mu.Unlock()
	})
	return n.closeErr
}
