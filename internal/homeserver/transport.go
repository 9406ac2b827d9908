// Package homeserver defines the external collaborators the signalling
// core depends on but never constructs itself: the homeserver transport
// (state events, to-device messages, TURN settings) and the device-message
// encrypter. The
// signalling core (registry/groupcall/member) only ever sees these two
// interfaces; MautrixTransport is the one concrete, runnable adapter.
package homeserver

import (
	"context"
	"encoding/json"

	"github.com/dkeye/groupcall/internal/calltypes"
)

// ICEServerConfig is the TURN/STUN configuration handed back by
// QueryTURNSettings.
type ICEServerConfig struct {
	URLs       []string
	Username   string
	Credential string
}

// EventID is the opaque id a homeserver assigns a sent state event.
type EventID string

// Transport is the homeserver-facing side of the core.
// All three methods are suspension points: callers should
// bound them with a context deadline (10s is a reasonable default).
type Transport interface {
	SendState(ctx context.Context, roomID calltypes.RoomID, eventType, stateKey string, content json.RawMessage) (EventID, error)
	SendToDevice(ctx context.Context, eventType string, messages map[calltypes.UserID]map[calltypes.DeviceID]json.RawMessage, txnID string) error
	QueryTURNSettings(ctx context.Context) (ICEServerConfig, error)
}

// EncryptedEnvelope is the ciphertext ready for SendToDevice.
type EncryptedEnvelope = json.RawMessage

// Encrypter is the device-message encryption layer, injected
// so the signalling core never touches key material directly.
type Encrypter interface {
	Encrypt(ctx context.Context, roomID calltypes.RoomID, userID calltypes.UserID, deviceID calltypes.DeviceID, payload json.RawMessage) (EncryptedEnvelope, error)
}
