package webrtcengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PionEngine is the real Engine, backed by github.com/pion/webrtc/v4.
// It can both originate offers (OnNegotiationNeeded) and answer them,
// since PeerCall may sit on either side of a call.
type PionEngine struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool

	onNegotiationNeeded func()
	onICE               func(Candidate)
	onICEState          func(webrtc.ICEConnectionState)
	onTrack             func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onClosed            func()
}

// PionFactory builds PionEngines sharing one ICE server configuration.
type PionFactory struct {
	Config webrtc.Configuration
	Logger zerolog.Logger
}

// NewPionFactory constructs a PionFactory, defaulting to the global logger
// when logger is nil.
func NewPionFactory(cfg webrtc.Configuration, logger *zerolog.Logger) *PionFactory {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &PionFactory{Config: cfg, Logger: l}
}

// DefaultConfig is a single public STUN server, no TURN. A PionFactory's ICE
// servers are fixed when it is built: the TURN settings GroupCall.Join
// fetches through homeserver.Transport.QueryTURNSettings are stored on the
// GroupCall but not applied to engines.
func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

func (f *PionFactory) NewEngine(ctx context.Context) (Engine, error) {
	pc, err := webrtc.NewPeerConnection(f.Config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	e := &PionEngine{pc: pc, logger: f.Logger}
	e.wire(ctx)
	return e, nil
}

func (e *PionEngine) wire(ctx context.Context) {
	e.pc.OnNegotiationNeeded(func() {
		if e.onNegotiationNeeded != nil {
			e.onNegotiationNeeded()
		}
	})

	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			if e.onICE != nil {
				e.onICE(Candidate{}) // end-of-gathering sentinel
			}
			return
		}
		if e.onICE != nil {
			e.onICE(c.ToJSON())
		}
	})

	e.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		e.logger.Info().Str("module", "webrtcengine").Str("ice_state", s.String()).Msg("ICE state changed")
		if e.onICEState != nil {
			e.onICEState(s)
		}
	})

	e.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			if e.onClosed != nil {
				e.onClosed()
			}
		}
	})

	e.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if e.onTrack != nil {
			e.onTrack(ctx, track, receiver)
		}
	})
}

func (e *PionEngine) CreateOffer(ctx context.Context) (string, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return e.pc.LocalDescription().SDP, nil
}

func (e *PionEngine) CreateAnswer(ctx context.Context, remoteOffer string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteOffer}
	if err := e.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return e.pc.LocalDescription().SDP, nil
}

func (e *PionEngine) SetRemoteAnswer(_ context.Context, remoteAnswer string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: remoteAnswer}
	if err := e.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (e *PionEngine) SetRemoteOffer(ctx context.Context, remoteOffer string) (string, error) {
	return e.CreateAnswer(ctx, remoteOffer)
}

func (e *PionEngine) AddICECandidate(c Candidate) error {
	if c.Candidate == "" {
		return nil // end-of-gathering sentinel carries no candidate to add
	}
	return e.pc.AddICECandidate(c)
}

func (e *PionEngine) AddLocalTrack(track *webrtc.TrackLocalStaticRTP) error {
	_, err := e.pc.AddTrack(track)
	return err
}

func (e *PionEngine) RemoveAllLocalTracks() error {
	for _, sender := range e.pc.GetSenders() {
		if err := e.pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("remove track: %w", err)
		}
	}
	return nil
}

func (e *PionEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if err := e.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

func (e *PionEngine) OnNegotiationNeeded(fn func())                   { e.onNegotiationNeeded = fn }
func (e *PionEngine) OnICECandidate(fn func(Candidate))               { e.onICE = fn }
func (e *PionEngine) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) { e.onICEState = fn }
func (e *PionEngine) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	e.onTrack = fn
}
func (e *PionEngine) OnClosed(fn func()) { e.onClosed = fn }
