package calltypes

import "errors"

// Error taxonomy shared across the signalling core. These are sentinel
// kinds, wrapped with %w at each layer boundary rather than carrying
// their own payload types.
var (
	ErrMalformedEvent   = errors.New("malformed signalling event")
	ErrUnknownCall      = errors.New("to-device message references an unknown call")
	ErrTransportFailure = errors.New("homeserver transport failure")
	ErrEncryptionFailure = errors.New("device-message encryption failure")
	ErrWebRTCFatal      = errors.New("webrtc engine fatal error")
	ErrGlareLost        = errors.New("outgoing call lost glare")

	// ErrInvalidTransition is returned by PeerCall/GroupCall operations that
	// are not valid from the aggregate's current state (e.g. answer() from
	// Connected). Such calls are usually routine races rather than bugs,
	// so callers should generally check this with errors.Is rather than
	// surface it to a user.
	ErrInvalidTransition = errors.New("operation not valid from current state")

	// ErrSessionMismatch is returned by inbound message handling when the
	// message's dest_session_id does not match our own_session_id.
	ErrSessionMismatch = errors.New("dest_session_id does not match own session")
)
