package call

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/peercall/peercall/internal/signaling"
)

func newTestNegotiator(t *testing.T, api *webrtc.API, h NegotiatorHandlers) *webrtcNegotiator {
	t.Helper()
	n, err := newWebRTCNegotiator(api, nil, slog.Default(), h)
	if err != nil {
		t.Fatalf("new negotiator: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNegotiator_CreateLocalOffer(t *testing.T) {
	n := newTestNegotiator(t, nil, NegotiatorHandlers{})

	offer, err := n.CreateLocalOffer()
	if err != nil {
		t.Fatalf("create local offer: %v", err)
	}
	if offer.Type != "offer" || offer.SDP == "" {
		t.Fatalf("unexpected offer: type=%q sdp empty=%v", offer.Type, offer.SDP == "")
	}
}

func TestNegotiator_CreateLocalAnswer(t *testing.T) {
	caller := newTestNegotiator(t, nil, NegotiatorHandlers{})
	callee := newTestNegotiator(t, nil, NegotiatorHandlers{})

	offer, err := caller.CreateLocalOffer()
	if err != nil {
		t.Fatalf("create local offer: %v", err)
	}

	answer, err := callee.CreateLocalAnswer(offer)
	if err != nil {
		t.Fatalf("create local answer: %v", err)
	}
	if answer.Type != "answer" || answer.SDP == "" {
		t.Fatalf("unexpected answer: type=%q sdp empty=%v", answer.Type, answer.SDP == "")
	}

	if err := caller.ApplyRemoteDescription(answer); err != nil {
		t.Fatalf("apply remote answer: %v", err)
	}
}

func TestNegotiator_ApplyRemoteDescription_Malformed(t *testing.T) {
	n := newTestNegotiator(t, nil, NegotiatorHandlers{})

	err := n.ApplyRemoteDescription(signaling.SDP{Type: "pranswer", SDP: "v=0"})
	if !errors.Is(err, ErrNegotiation) {
		t.Fatalf("expected ErrNegotiation for unsupported type, got %v", err)
	}

	err = n.ApplyRemoteDescription(signaling.SDP{Type: "answer", SDP: "not-sdp"})
	if !errors.Is(err, ErrNegotiation) {
		t.Fatalf("expected ErrNegotiation for garbage sdp, got %v", err)
	}
}

func TestNegotiator_CandidateBufferedBeforeDescription(t *testing.T) {
	caller := newTestNegotiator(t, nil, NegotiatorHandlers{})
	callee := newTestNegotiator(t, nil, NegotiatorHandlers{})

	// Candidates may legitimately arrive before the offer is accepted.
	mid := "0"
	idx := uint16(0)
	early := signaling.Candidate{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	if err := callee.AddRemoteCandidate(early); err != nil {
		t.Fatalf("buffering a pre-description candidate must not fail: %v", err)
	}

	callee.mu.Lock()
	buffered := len(callee.pending)
	callee.mu.Unlock()
	if buffered != 1 {
		t.Fatalf("expected 1 buffered candidate, got %d", buffered)
	}

	offer, err := caller.CreateLocalOffer()
	if err != nil {
		t.Fatalf("create local offer: %v", err)
	}
	if _, err := callee.CreateLocalAnswer(offer); err != nil {
		t.Fatalf("create local answer: %v", err)
	}

	callee.mu.Lock()
	buffered = len(callee.pending)
	remoteSet := callee.remoteSet
	callee.mu.Unlock()
	if buffered != 0 || !remoteSet {
		t.Fatalf("expected flush after remote description, buffered=%d remoteSet=%v", buffered, remoteSet)
	}
}

func TestNegotiator_CloseIsIdempotent(t *testing.T) {
	n := newTestNegotiator(t, nil, NegotiatorHandlers{})

	if err := n.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := n.CreateLocalOffer(); !errors.Is(err, ErrNegotiatorClosed) {
		t.Fatalf("expected ErrNegotiatorClosed, got %v", err)
	}
	if err := n.AddRemoteCandidate(signaling.Candidate{Candidate: "candidate:1"}); !errors.Is(err, ErrNegotiatorClosed) {
		t.Fatalf("expected ErrNegotiatorClosed, got %v", err)
	}
}

func TestNegotiator_CloseDuringNegotiationDiscardsResult(t *testing.T) {
	caller := newTestNegotiator(t, nil, NegotiatorHandlers{})
	callee := newTestNegotiator(t, nil, NegotiatorHandlers{})

	offer, err := caller.CreateLocalOffer()
	if err != nil {
		t.Fatalf("create local offer: %v", err)
	}

	// Closing the callee before it answers must leave its in-flight answer
	// unusable rather than applied to a closed session.
	if err := callee.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := callee.CreateLocalAnswer(offer); !errors.Is(err, ErrNegotiatorClosed) {
		t.Fatalf("expected ErrNegotiatorClosed, got %v", err)
	}
}

// TestNegotiator_EndToEndOverVNet runs a complete offer/answer/candidate
// exchange between two negotiators over a virtual network and waits for both
// peer connections to reach Connected.
func TestNegotiator_EndToEndOverVNet(t *testing.T) {
	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	connectedA := make(chan struct{}, 1)
	connectedB := make(chan struct{}, 1)

	var negA, negB *webrtcNegotiator

	negA = newTestNegotiator(t, newVNetAPI(t, netA), NegotiatorHandlers{
		OnLocalCandidate: func(cand signaling.Candidate) {
			if err := negB.AddRemoteCandidate(cand); err != nil {
				t.Logf("add candidate to B: %v", err)
			}
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			if state == webrtc.PeerConnectionStateConnected {
				select {
				case connectedA <- struct{}{}:
				default:
				}
			}
		},
	})
	negB = newTestNegotiator(t, newVNetAPI(t, netB), NegotiatorHandlers{
		OnLocalCandidate: func(cand signaling.Candidate) {
			if err := negA.AddRemoteCandidate(cand); err != nil {
				t.Logf("add candidate to A: %v", err)
			}
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			if state == webrtc.PeerConnectionStateConnected {
				select {
				case connectedB <- struct{}{}:
				default:
				}
			}
		},
	})

	offer, err := negA.CreateLocalOffer()
	if err != nil {
		t.Fatalf("create local offer: %v", err)
	}
	answer, err := negB.CreateLocalAnswer(offer)
	if err != nil {
		t.Fatalf("create local answer: %v", err)
	}
	if err := negA.ApplyRemoteDescription(answer); err != nil {
		t.Fatalf("apply remote answer: %v", err)
	}

	timeout := time.After(30 * time.Second)
	for _, ch := range []chan struct{}{connectedA, connectedB} {
		select {
		case <-ch:
		case <-timeout:
			t.Fatalf("peers did not reach connected state")
		}
	}
}

func newVNetAPI(t *testing.T, n *vnet.Net) *webrtc.API {
	t.Helper()

	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("register codecs: %v", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	)
}
