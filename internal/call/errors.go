package call

import "errors"

var (
	// ErrAlreadyInCall is returned by StartCall when a non-terminated session
	// already exists. At most one call may be pending or active at a time.
	ErrAlreadyInCall = errors.New("already in a call")
	// ErrPeerUnavailable is returned by StartCall when the roster reports the
	// target peer offline or unknown.
	ErrPeerUnavailable = errors.New("peer unavailable")
	// ErrNoPendingCall is returned by AcceptCall when there is no incoming
	// call awaiting a decision.
	ErrNoPendingCall = errors.New("no pending incoming call")
	// ErrNegotiation covers malformed or rejected session descriptions.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrTransportUnavailable indicates the signaling channel is closed or
	// erroring. Sessions are torn down; no automatic retry is attempted.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrProtocol indicates an unrecognized or out-of-context envelope. It is
	// never fatal to an existing session.
	ErrProtocol = errors.New("protocol error")
	// ErrNegotiatorClosed is returned by negotiator operations that complete
	// after Close; their results are discarded.
	ErrNegotiatorClosed = errors.New("negotiator closed")
)
