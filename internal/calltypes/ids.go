// Package calltypes holds the identifiers, enums and sentinel errors shared
// by every layer of the group-call signalling core.
package calltypes

import "fmt"

// UserID is a Matrix user identifier, e.g. "@alice:example.org".
type UserID string

// DeviceID is a Matrix device identifier local to a UserID.
type DeviceID string

// RoomID is the Matrix room the conference lives in.
type RoomID string

// SessionID is minted by each device per client incarnation. A change in
// SessionID means the peer restarted and any prior state for it is stale.
type SessionID string

// CallID identifies one PeerCall leg. Generated by whichever side initiates.
type CallID string

// ConferenceID identifies one GroupCall within a room; matches the
// m.call state event's state key.
type ConferenceID string

// MemberKey uniquely identifies a participating device within a GroupCall.
type MemberKey struct {
	UserID   UserID
	DeviceID DeviceID
}

func (k MemberKey) String() string {
	return fmt.Sprintf("%s/%s", k.UserID, k.DeviceID)
}

// Less gives MemberKey a total order: by UserID then DeviceID. Used for
// initiator selection and for Perfect Negotiation politeness.
func (k MemberKey) Less(other MemberKey) bool {
	if k.UserID != other.UserID {
		return k.UserID < other.UserID
	}
	return k.DeviceID < other.DeviceID
}
