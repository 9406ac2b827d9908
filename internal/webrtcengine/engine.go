// Package webrtcengine defines the WebRTC peer-connection engine as an
// external collaborator: PeerCall drives it but never embeds
// it directly, so the signalling core stays testable without real media.
package webrtcengine

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Candidate mirrors callevents.Candidate without importing that package,
// keeping webrtcengine dependency-free of the signalling schema.
type Candidate = webrtc.ICECandidateInit

// Engine is one WebRTC peer connection for one PeerCall leg.
//
// Every suspension point (offer/answer/ICE) takes a context so PeerCall
// can bound and cancel it.
type Engine interface {
	// CreateOffer starts local negotiation: adds tracks (already attached
	// via AddLocalTrack), creates an SDP offer, and sets it as the local
	// description. Returns the local description's SDP once ICE gathering
	// has completed.
	CreateOffer(ctx context.Context) (sdp string, err error)

	// CreateAnswer applies a remote offer and produces an answer.
	CreateAnswer(ctx context.Context, remoteOffer string) (sdp string, err error)

	// SetRemoteAnswer applies a remote answer to a leg we offered.
	SetRemoteAnswer(ctx context.Context, remoteAnswer string) error

	// SetRemoteOffer applies a fresh remote offer during renegotiation and
	// returns a new answer.
	SetRemoteOffer(ctx context.Context, remoteOffer string) (sdp string, err error)

	// AddICECandidate applies one remote candidate. An empty Candidate
	// field is the end-of-gathering sentinel and is a no-op here.
	AddICECandidate(c Candidate) error

	// AddLocalTrack attaches local media. Replacing the full track set
	// should make OnNegotiationNeeded fire.
	AddLocalTrack(track *webrtc.TrackLocalStaticRTP) error
	RemoveAllLocalTracks() error

	// Close releases all engine resources. Idempotent.
	Close() error

	// Callback registration for the events PeerCall reacts to
	// asynchronously: local ICE gathering, connection state, closure, and
	// a need to (re)negotiate.
	OnNegotiationNeeded(func())
	OnICECandidate(func(Candidate))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnClosed(func())
}

// Factory creates a fresh Engine for one new leg. PeerCall takes a Factory
// rather than a pre-built Engine so each call() / first-invite gets its own
// peer connection.
type Factory interface {
	NewEngine(ctx context.Context) (Engine, error)
}

// LocalMedia is the local track set a leg publishes. GroupCall owns the
// canonical copy and replaces it wholesale via SetMedia; Member and
// PeerCall each hold only a read-only copy of whatever was last applied.
type LocalMedia struct {
	Tracks []*webrtc.TrackLocalStaticRTP
}
