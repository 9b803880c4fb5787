package call

// State is the lifecycle state of a call session.
type State string

const (
	StateIdle            State = "idle"
	StateOutgoingPending State = "outgoing-pending"
	StateIncomingPending State = "incoming-pending"
	StateConnected       State = "connected"
	StateTerminated      State = "terminated"
)

// Role distinguishes which side initiated the call.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// EndReason explains why a session reached StateTerminated.
type EndReason string

const (
	EndReasonLocalEnded     EndReason = "local-ended"
	EndReasonLocalDeclined  EndReason = "local-declined"
	EndReasonRemoteEnded    EndReason = "remote-ended"
	EndReasonRemoteDeclined EndReason = "remote-declined"
	EndReasonNegotiation    EndReason = "negotiation-failed"
	EndReasonTransport      EndReason = "transport-lost"
	EndReasonTimeout        EndReason = "timeout"
)
