package callevents

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/groupcall/internal/calltypes"
)

// ParseConferenceEvent decodes an m.call state event's content.
func ParseConferenceEvent(raw json.RawMessage) (ConferenceContent, error) {
	var c ConferenceContent
	if err := json.Unmarshal(raw, &c); err != nil {
		return ConferenceContent{}, fmt.Errorf("%w: m.call content: %v", calltypes.ErrMalformedEvent, err)
	}
	if c.Intent == "" || c.Type == "" {
		return ConferenceContent{}, fmt.Errorf("%w: m.call missing m.intent/m.type", calltypes.ErrMalformedEvent)
	}
	return c, nil
}

// EncodeConferenceEvent serializes an m.call state event's content.
func EncodeConferenceEvent(c ConferenceContent) (json.RawMessage, error) {
	return json.Marshal(c)
}

// ParseMemberEvent decodes an m.call.member state event's content.
func ParseMemberEvent(raw json.RawMessage) (MemberContent, error) {
	var m MemberContent
	if err := json.Unmarshal(raw, &m); err != nil {
		return MemberContent{}, fmt.Errorf("%w: m.call.member content: %v", calltypes.ErrMalformedEvent, err)
	}
	for _, call := range m.Calls {
		for _, dev := range call.Devices {
			if dev.DeviceID == "" || dev.SessionID == "" {
				return MemberContent{}, fmt.Errorf("%w: m.call.member device missing device_id/session_id", calltypes.ErrMalformedEvent)
			}
		}
	}
	return m, nil
}

// EncodeMemberEvent serializes an m.call.member state event's content.
func EncodeMemberEvent(m MemberContent) (json.RawMessage, error) {
	return json.Marshal(m)
}

// decodeEnvelope extracts the common Envelope from a to-device payload and
// checks its required fields; variant decoders unmarshal the same raw bytes
// again for their variant-specific fields.
func decodeEnvelope(raw json.RawMessage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: envelope: %v", calltypes.ErrMalformedEvent, err)
	}
	if env.CallID == "" || env.ConfID == "" || env.DeviceID == "" || env.SenderSessionID == "" {
		return Envelope{}, fmt.Errorf("%w: envelope missing required field", calltypes.ErrMalformedEvent)
	}
	return env, nil
}

// Decode parses one to-device signalling event. eventType is the event's
// type string (e.g. "m.call.invite"); raw is its content. Unknown types
// decode successfully into a KindUnknown Message rather than erroring,
// so a newer event type never breaks an older decoder; only structurally
// malformed payloads of a *known* type error.
func Decode(eventType string, raw json.RawMessage) (Message, error) {
	switch eventType {
	case TypeInvite, TypeAnswer, TypeNegotiate:
		env, err := decodeEnvelope(raw)
		if err != nil {
			return Message{}, err
		}
		var body struct {
			Offer       *SDPData `json:"offer"`
			Answer      *SDPData `json:"answer"`
			Description *SDPData `json:"description"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return Message{}, fmt.Errorf("%w: %s body: %v", calltypes.ErrMalformedEvent, eventType, err)
		}
		sdp := firstNonNil(body.Offer, body.Answer, body.Description)
		if sdp == nil {
			return Message{}, fmt.Errorf("%w: %s missing sdp payload", calltypes.ErrMalformedEvent, eventType)
		}
		return Message{
			Kind:       kindForType(eventType),
			Envelope:   env,
			SDP:        *sdp,
			RawType:    eventType,
			RawContent: raw,
		}, nil

	case TypeCandidates:
		env, err := decodeEnvelope(raw)
		if err != nil {
			return Message{}, err
		}
		var body struct {
			Candidates []Candidate `json:"candidates"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return Message{}, fmt.Errorf("%w: candidates body: %v", calltypes.ErrMalformedEvent, err)
		}
		return Message{
			Kind:       KindCandidates,
			Envelope:   env,
			Candidates: body.Candidates,
			RawType:    eventType,
			RawContent: raw,
		}, nil

	case TypeHangup, TypeReject:
		env, err := decodeEnvelope(raw)
		if err != nil {
			return Message{}, err
		}
		var body struct {
			Reason calltypes.HangupReason `json:"reason"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return Message{}, fmt.Errorf("%w: %s body: %v", calltypes.ErrMalformedEvent, eventType, err)
		}
		return Message{
			Kind:       kindForType(eventType),
			Envelope:   env,
			Reason:     body.Reason,
			RawType:    eventType,
			RawContent: raw,
		}, nil

	case TypeSDPStreamMetadataChanged:
		env, err := decodeEnvelope(raw)
		if err != nil {
			return Message{}, err
		}
		var body struct {
			Metadata StreamMetadata `json:"sdp_stream_metadata"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return Message{}, fmt.Errorf("%w: metadata body: %v", calltypes.ErrMalformedEvent, err)
		}
		return Message{
			Kind:       KindSDPStreamMetadataChanged,
			Envelope:   env,
			Metadata:   body.Metadata,
			RawType:    eventType,
			RawContent: raw,
		}, nil

	default:
		return Message{
			Kind:       KindUnknown,
			RawType:    eventType,
			RawContent: raw,
		}, nil
	}
}

func kindForType(t string) Kind {
	switch t {
	case TypeInvite:
		return KindInvite
	case TypeAnswer:
		return KindAnswer
	case TypeNegotiate:
		return KindNegotiate
	case TypeHangup:
		return KindHangup
	case TypeReject:
		return KindReject
	default:
		return KindUnknown
	}
}

func firstNonNil(sdps ...*SDPData) *SDPData {
	for _, s := range sdps {
		if s != nil {
			return s
		}
	}
	return nil
}

// Encode serializes a Message back into (eventType, content) for
// transmission. KindUnknown messages round-trip their RawContent unchanged.
func Encode(msg Message) (string, json.RawMessage, error) {
	if msg.Kind == KindUnknown {
		return msg.RawType, msg.RawContent, nil
	}

	env := msg.Envelope
	switch msg.Kind {
	case KindInvite:
		body := struct {
			Envelope
			Offer SDPData `json:"offer"`
		}{env, msg.SDP}
		raw, err := json.Marshal(body)
		return TypeInvite, raw, err

	case KindAnswer:
		body := struct {
			Envelope
			Answer SDPData `json:"answer"`
		}{env, msg.SDP}
		raw, err := json.Marshal(body)
		return TypeAnswer, raw, err

	case KindNegotiate:
		body := struct {
			Envelope
			Description SDPData `json:"description"`
		}{env, msg.SDP}
		raw, err := json.Marshal(body)
		return TypeNegotiate, raw, err

	case KindCandidates:
		body := struct {
			Envelope
			Candidates []Candidate `json:"candidates"`
		}{env, msg.Candidates}
		raw, err := json.Marshal(body)
		return TypeCandidates, raw, err

	case KindHangup:
		body := struct {
			Envelope
			Reason calltypes.HangupReason `json:"reason"`
		}{env, msg.Reason}
		raw, err := json.Marshal(body)
		return TypeHangup, raw, err

	case KindReject:
		body := struct {
			Envelope
			Reason calltypes.HangupReason `json:"reason,omitempty"`
		}{env, msg.Reason}
		raw, err := json.Marshal(body)
		return TypeReject, raw, err

	case KindSDPStreamMetadataChanged:
		body := struct {
			Envelope
			Metadata StreamMetadata `json:"sdp_stream_metadata"`
		}{env, msg.Metadata}
		raw, err := json.Marshal(body)
		return TypeSDPStreamMetadataChanged, raw, err

	default:
		return "", nil, fmt.Errorf("%w: cannot encode kind %d", calltypes.ErrMalformedEvent, msg.Kind)
	}
}
