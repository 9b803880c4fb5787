// Package signaling defines the JSON envelopes exchanged with the relay and
// their conversions to pion types.
//
// This package models the protocol surface only; call semantics live in
// internal/call and forwarding lives in internal/relayserver.
package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// PeerIDHeader names the WebSocket upgrade response header carrying the
// relay-assigned peer ID.
const PeerIDHeader = "X-Peercall-Peer-Id"

// Type discriminates signaling envelopes on the wire.
type Type string

const (
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "ice-candidate"
	TypeDecline   Type = "decline-call"
	TypeEnd       Type = "end-call"
	TypeRoster    Type = "online-friends-update"
	TypeError     Type = "error"
)

// Envelope is one signaling message, one per WebSocket text frame.
//
// Payload semantics depend on Type: an SDP for offer/answer, a Candidate for
// ice-candidate, a []RosterEntry for online-friends-update. Payload is kept
// raw so the relay can forward envelopes without re-encoding them.
type Envelope struct {
	Type     Type            `json:"type"`
	SenderID string          `json:"sender_id,omitempty"`
	TargetID string          `json:"target_id,omitempty"`
	FullName string          `json:"full_name,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// RosterEntry is one peer in an online-friends-update payload. The roster is
// replaced wholesale on every update.
type RosterEntry struct {
	ID         string `json:"id"`
	FullName   string `json:"full_name"`
	Username   string `json:"username,omitempty"`
	ProfilePic string `json:"profile_pic,omitempty"`
	IsOnline   bool   `json:"is_online"`
}

// Parse decodes and validates a single envelope. Unknown fields and trailing
// data are rejected.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

func (e Envelope) Validate() error {
	switch e.Type {
	case TypeOffer, TypeAnswer:
		if len(e.Payload) == 0 {
			return fmt.Errorf("%s envelope missing payload", e.Type)
		}
	case TypeCandidate:
		if len(e.Payload) == 0 {
			return fmt.Errorf("ice-candidate envelope missing payload")
		}
	case TypeDecline, TypeEnd:
		if len(e.Payload) != 0 {
			return fmt.Errorf("%s envelope has unexpected payload", e.Type)
		}
	case TypeRoster:
		if len(e.Payload) == 0 {
			return fmt.Errorf("online-friends-update envelope missing payload")
		}
		if e.TargetID != "" {
			return fmt.Errorf("online-friends-update envelope has unexpected target_id")
		}
	case TypeError:
		if e.Message == "" {
			return fmt.Errorf("error envelope missing message")
		}
	default:
		return fmt.Errorf("unsupported envelope type %q", e.Type)
	}
	return nil
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// SessionDescription decodes the payload of an offer or answer envelope.
func (e Envelope) SessionDescription() (SDP, error) {
	if e.Type != TypeOffer && e.Type != TypeAnswer {
		return SDP{}, fmt.Errorf("envelope type %q carries no session description", e.Type)
	}
	var s SDP
	if err := json.Unmarshal(e.Payload, &s); err != nil {
		return SDP{}, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return s, nil
}

// ICECandidate decodes the payload of an ice-candidate envelope.
func (e Envelope) ICECandidate() (Candidate, error) {
	if e.Type != TypeCandidate {
		return Candidate{}, fmt.Errorf("envelope type %q carries no candidate", e.Type)
	}
	var c Candidate
	if err := json.Unmarshal(e.Payload, &c); err != nil {
		return Candidate{}, fmt.Errorf("decode ice-candidate payload: %w", err)
	}
	return c, nil
}

// Roster decodes the payload of an online-friends-update envelope.
func (e Envelope) Roster() ([]RosterEntry, error) {
	if e.Type != TypeRoster {
		return nil, fmt.Errorf("envelope type %q carries no roster", e.Type)
	}
	var entries []RosterEntry
	if err := json.Unmarshal(e.Payload, &entries); err != nil {
		return nil, fmt.Errorf("decode roster payload: %w", err)
	}
	return entries, nil
}

// NewOffer builds an offer envelope addressed to targetID.
func NewOffer(targetID string, desc SDP) (Envelope, error) {
	return newPayloadEnvelope(TypeOffer, targetID, desc)
}

// NewAnswer builds an answer envelope addressed to targetID.
func NewAnswer(targetID string, desc SDP) (Envelope, error) {
	return newPayloadEnvelope(TypeAnswer, targetID, desc)
}

// NewCandidate builds an ice-candidate envelope addressed to targetID.
func NewCandidate(targetID string, cand Candidate) (Envelope, error) {
	return newPayloadEnvelope(TypeCandidate, targetID, cand)
}

// NewDecline builds a decline-call envelope addressed to targetID.
func NewDecline(targetID string) Envelope {
	return Envelope{Type: TypeDecline, TargetID: targetID}
}

// NewEnd builds an end-call envelope addressed to targetID.
func NewEnd(targetID string) Envelope {
	return Envelope{Type: TypeEnd, TargetID: targetID}
}

// NewRoster builds an online-friends-update envelope.
func NewRoster(entries []RosterEntry) (Envelope, error) {
	if entries == nil {
		entries = []RosterEntry{}
	}
	return newPayloadEnvelope(TypeRoster, "", entries)
}

// NewError builds an error envelope.
func NewError(message string) Envelope {
	return Envelope{Type: TypeError, Message: message}
}

func newPayloadEnvelope(t Type, targetID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Envelope{Type: t, TargetID: targetID, Payload: raw}, nil
}
