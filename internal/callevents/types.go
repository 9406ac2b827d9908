// Package callevents encodes and
// decodes the wire schema: the m.call / m.call.member state events and the
// seven to-device signalling message variants, without any knowledge of
// state machines or routing. It is a pure parser/serializer.
package callevents

import (
	"encoding/json"

	"github.com/dkeye/groupcall/internal/calltypes"
)

// Event type strings for the Matrix call-signalling wire schema.
const (
	TypeConference               = "m.call"
	TypeMember                   = "m.call.member"
	TypeInvite                   = "m.call.invite"
	TypeAnswer                   = "m.call.answer"
	TypeCandidates                = "m.call.candidates"
	TypeHangup                   = "m.call.hangup"
	TypeReject                   = "m.call.reject"
	TypeNegotiate                 = "m.call.negotiate"
	TypeSDPStreamMetadataChanged  = "m.call.sdp_stream_metadata_changed"
)

// ConferenceContent is the content of an m.call state event.
// State key = ConferenceID.
type ConferenceContent struct {
	Intent     calltypes.CallIntent `json:"m.intent"`
	Type       calltypes.CallType   `json:"m.type"`
	Name       string               `json:"m.name,omitempty"`
	Terminated bool                 `json:"m.terminated,omitempty"`
}

// Feed describes one published media stream's purpose.
type Feed struct {
	Purpose calltypes.StreamPurpose `json:"purpose"`
}

// MemberDeviceEntry is one device's participation in one conference, inside
// an m.call.member event.
type MemberDeviceEntry struct {
	DeviceID  calltypes.DeviceID    `json:"device_id"`
	SessionID calltypes.SessionID   `json:"session_id"`
	Feeds     []Feed                `json:"feeds,omitempty"`
}

// MemberCallEntry groups the devices a user has in one conference.
type MemberCallEntry struct {
	CallID  calltypes.ConferenceID `json:"m.call_id"`
	Devices []MemberDeviceEntry    `json:"m.devices"`
}

// MemberContent is the content of an m.call.member state event.
// State key = UserID. A user may be in several conferences in the same
// room at once, expressed as several MemberCallEntry values.
type MemberContent struct {
	Calls []MemberCallEntry `json:"m.calls"`
}

// CallOf returns the entry for confID, if the user has joined it.
func (m MemberContent) CallOf(confID calltypes.ConferenceID) (MemberCallEntry, bool) {
	for _, c := range m.Calls {
		if c.CallID == confID {
			return c, true
		}
	}
	return MemberCallEntry{}, false
}

// SDPData is the {type, sdp} pair carried by Invite/Answer/Negotiate.
type SDPData struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one ICE candidate, or the empty sentinel marking end of
// gathering.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// IsEndOfCandidates reports whether this is the end-of-gathering sentinel.
func (c Candidate) IsEndOfCandidates() bool {
	return c.Candidate == ""
}

// StreamMetadataEntry describes one stream's purpose and owning device for
// SDPStreamMetadataChanged, grounded in matrix-org-waterfall's
// event.CallSDPStreamMetadata map shape.
type StreamMetadataEntry struct {
	Purpose  calltypes.StreamPurpose `json:"purpose"`
	DeviceID calltypes.DeviceID      `json:"device_id,omitempty"`
}

// StreamMetadata maps stream id -> its metadata.
type StreamMetadata map[string]StreamMetadataEntry

// Envelope is the set of fields every to-device signalling message carries.
type Envelope struct {
	CallID          calltypes.CallID       `json:"call_id"`
	ConfID          calltypes.ConferenceID `json:"conf_id"`
	PartyID         string                 `json:"party_id"`
	DeviceID        calltypes.DeviceID     `json:"device_id"`
	SenderSessionID calltypes.SessionID    `json:"sender_session_id"`
	DestSessionID   calltypes.SessionID    `json:"dest_session_id"`
	Seq             uint64                 `json:"seq"`
}

// Kind discriminates the Message tagged union.
type Kind int

const (
	KindInvite Kind = iota
	KindAnswer
	KindCandidates
	KindHangup
	KindReject
	KindNegotiate
	KindSDPStreamMetadataChanged
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindInvite:
		return TypeInvite
	case KindAnswer:
		return TypeAnswer
	case KindCandidates:
		return TypeCandidates
	case KindHangup:
		return TypeHangup
	case KindReject:
		return TypeReject
	case KindNegotiate:
		return TypeNegotiate
	case KindSDPStreamMetadataChanged:
		return TypeSDPStreamMetadataChanged
	default:
		return "unknown"
	}
}

// Message is the decoded form of one to-device signalling event. Exactly
// one of the variant-specific fields is meaningful, selected by Kind.
type Message struct {
	Kind     Kind
	Envelope Envelope

	SDP        SDPData                 // Invite, Answer, Negotiate
	Candidates []Candidate              // Candidates
	Reason     calltypes.HangupReason   // Hangup, Reject
	Metadata   StreamMetadata           // SDPStreamMetadataChanged

	// RawType/RawContent are always populated, and are the only fields
	// populated for KindUnknown: this keeps the decoder forward-compatible
	// with message types it doesn't recognize.
	RawType    string
	RawContent json.RawMessage
}
