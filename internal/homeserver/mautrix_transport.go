package homeserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/groupcall/internal/calltypes"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MautrixTransport is the real Transport, backed by maunium.net/go/mautrix.
// Grounded directly in matrix-org-waterfall's signaling.go: the
// client.SendToDevice(evtType, *mautrix.ReqSendToDevice) call shape and the
// map[id.UserID]map[id.DeviceID]*event.Content nesting are copied from that
// file's sendToDevice function.
type MautrixTransport struct {
	Client *mautrix.Client
	Logger zerolog.Logger

	// StaticTURN is returned by QueryTURNSettings when set; a real
	// deployment would instead call the homeserver's turnServer endpoint,
	// which mautrix-go does not wrap directly as of this writing, so a
	// static/injected config is the honest default here.
	StaticTURN ICEServerConfig
}

func (t *MautrixTransport) SendState(
	ctx context.Context,
	roomID calltypes.RoomID,
	eventType, stateKey string,
	content json.RawMessage,
) (EventID, error) {
	evtType := event.Type{Type: eventType, Class: event.StateEventType}
	resp, err := t.Client.SendStateEvent(ctx, id.RoomID(roomID), evtType, stateKey, json.RawMessage(content))
	if err != nil {
		return "", fmt.Errorf("%w: send_state %s: %v", calltypes.ErrTransportFailure, eventType, err)
	}
	return EventID(resp.EventID), nil
}

func (t *MautrixTransport) SendToDevice(
	ctx context.Context,
	eventType string,
	messages map[calltypes.UserID]map[calltypes.DeviceID]json.RawMessage,
	txnID string,
) error {
	evtType := event.Type{Type: eventType, Class: event.ToDeviceEventType}

	perUser := make(map[id.UserID]map[id.DeviceID]*event.Content, len(messages))
	for userID, byDevice := range messages {
		perDevice := make(map[id.DeviceID]*event.Content, len(byDevice))
		for deviceID, content := range byDevice {
			var raw map[string]any
			if err := json.Unmarshal(content, &raw); err != nil {
				return fmt.Errorf("%w: marshal to-device content for %s/%s: %v", calltypes.ErrMalformedEvent, userID, deviceID, err)
			}
			perDevice[id.DeviceID(deviceID)] = &event.Content{Raw: raw}
		}
		perUser[id.UserID(userID)] = perDevice
	}

	req := &mautrix.ReqSendToDevice{Messages: perUser}
	if _, err := t.Client.SendToDevice(ctx, evtType, req); err != nil {
		return fmt.Errorf("%w: send_to_device %s txn=%s: %v", calltypes.ErrTransportFailure, eventType, txnID, err)
	}
	return nil
}

func (t *MautrixTransport) QueryTURNSettings(_ context.Context) (ICEServerConfig, error) {
	if len(t.StaticTURN.URLs) == 0 {
		return ICEServerConfig{}, fmt.Errorf("%w: no TURN settings configured", calltypes.ErrTransportFailure)
	}
	return t.StaticTURN, nil
}
