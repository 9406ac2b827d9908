// Package peercall implements PeerCall, the state machine for one leg of a
// group call between our device and a single remote device.
// It owns exactly one webrtcengine.Engine and speaks only
// callevents.Message; it knows nothing about rooms, membership, or other
// legs; that is Member and GroupCall's job.
package peercall

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/groupcall/internal/calltypes"
	"github.com/dkeye/groupcall/internal/callevents"
	"github.com/dkeye/groupcall/internal/clock"
	"github.com/dkeye/groupcall/internal/webrtcengine"
)

const maxBufferedCandidates = 64

// Local is the identity of our own leg: who we are and which remote device
// we are paired with. Politeness for Perfect Negotiation is derived from
// these two keys, the same MemberKey.Less order Member uses to pick an
// initiator.
type Local struct {
	RoomID         calltypes.RoomID
	ConfID         calltypes.ConferenceID
	CallID         calltypes.CallID
	Self           calltypes.MemberKey
	Remote         calltypes.MemberKey
	LocalSessionID calltypes.SessionID
}

// Hooks are the callbacks PeerCall drives, supplied by Member. Send must be
// non-nil; the other hooks are skipped when nil.
type Hooks struct {
	// Send emits one outbound to-device message for this leg. PeerCall
	// fills in the whole Envelope from its own Local and the remote session
	// it has seen; Member re-stamps the party/device/session fields and
	// hands the message on for encryption and transport.
	Send func(ctx context.Context, msg callevents.Message) error

	// OnStateChange is called after every state transition.
	OnStateChange func(calltypes.PeerCallState)

	// OnEnded is called exactly once, when the leg reaches PeerEnded.
	OnEnded func(reason calltypes.HangupReason)

	// OnRemoteStreamMetadata is called on m.call.sdp_stream_metadata_changed.
	OnRemoteStreamMetadata func(callevents.StreamMetadata)
}

// PeerCall is one leg's state machine. All exported methods are
// goroutine-safe.
type PeerCall struct {
	local   Local
	factory webrtcengine.Factory
	clock   clock.Clock
	logger  zerolog.Logger
	hooks   Hooks

	// polite decides who backs off during simultaneous renegotiation:
	// the lexicographically greater MemberKey is polite, mirroring
	// member.DecideInitiator's use of the same order for the opposite
	// question (who goes first).
	polite bool

	mu                        sync.Mutex
	state                     calltypes.PeerCallState
	engine                    webrtcengine.Engine
	remoteOffer               string
	remoteSessionID           calltypes.SessionID
	remoteCandidates          []callevents.Candidate // buffered until a remote description is set
	localDescriptionSent      bool                    // our Invite/Answer has gone out
	pendingOutboundCandidates []callevents.Candidate  // buffered until localDescriptionSent
	makingOffer               bool
	ignoreOffer               bool
}

// New constructs a fledgling PeerCall. Call() or the first Invite handed
// to HandleSignalling() moves it out of PeerFledgling.
func New(local Local, factory webrtcengine.Factory, clk clock.Clock, logger zerolog.Logger, hooks Hooks) *PeerCall {
	return &PeerCall{
		local:   local,
		factory: factory,
		clock:   clk,
		logger:  logger.With().Str("module", "peercall").Str("call_id", string(local.CallID)).Logger(),
		hooks:   hooks,
		polite:  local.Remote.Less(local.Self),
		state:   calltypes.PeerFledgling,
	}
}

// State returns the current lifecycle state.
func (p *PeerCall) State() calltypes.PeerCallState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PeerCall) setState(s calltypes.PeerCallState) {
	p.state = s
	if p.hooks.OnStateChange != nil {
		p.hooks.OnStateChange(s)
	}
}

func (p *PeerCall) envelope(seq uint64) callevents.Envelope {
	return callevents.Envelope{
		CallID:          p.local.CallID,
		ConfID:          p.local.ConfID,
		PartyID:         string(p.local.Self.DeviceID),
		DeviceID:        p.local.Self.DeviceID,
		SenderSessionID: p.local.LocalSessionID,
		DestSessionID:   p.remoteSessionID,
		Seq:             seq,
	}
}

// Call starts the outgoing leg: it must be called exactly once, from
// PeerFledgling. It creates the engine, produces an offer and sends the
// Invite message.
func (p *PeerCall) Call(ctx context.Context) error {
	p.mu.Lock()
	if p.state != calltypes.PeerFledgling {
		p.mu.Unlock()
		return fmt.Errorf("%w: call() from %s", calltypes.ErrInvalidTransition, p.state)
	}
	p.setState(calltypes.PeerCreateOffer)
	p.mu.Unlock()

	engine, err := p.factory.NewEngine(ctx)
	if err != nil {
		p.fail(ctx, calltypes.ReasonFatalError)
		return fmt.Errorf("%w: new engine: %v", calltypes.ErrWebRTCFatal, err)
	}
	p.wireEngine(ctx, engine)

	offer, err := engine.CreateOffer(ctx)
	if err != nil {
		p.fail(ctx, calltypes.ReasonFatalError)
		return fmt.Errorf("%w: create offer: %v", calltypes.ErrWebRTCFatal, err)
	}

	p.mu.Lock()
	p.engine = engine
	p.setState(calltypes.PeerInviteSent)
	p.mu.Unlock()

	msg := callevents.Message{
		Kind:     callevents.KindInvite,
		Envelope: p.envelope(0),
		SDP:      callevents.SDPData{Type: "offer", SDP: offer},
	}
	if err := p.send(ctx, msg); err != nil {
		return err
	}
	p.flushPendingOutboundCandidates(ctx)
	return nil
}

// Answer accepts an incoming call from PeerRinging: it creates the engine,
// applies the buffered remote offer, produces an answer and sends it.
func (p *PeerCall) Answer(ctx context.Context) error {
	p.mu.Lock()
	if p.state != calltypes.PeerRinging {
		p.mu.Unlock()
		return fmt.Errorf("%w: answer() from %s", calltypes.ErrInvalidTransition, p.state)
	}
	offer := p.remoteOffer
	p.setState(calltypes.PeerCreateAnswer)
	p.mu.Unlock()

	engine, err := p.factory.NewEngine(ctx)
	if err != nil {
		p.fail(ctx, calltypes.ReasonFatalError)
		return fmt.Errorf("%w: new engine: %v", calltypes.ErrWebRTCFatal, err)
	}
	p.wireEngine(ctx, engine)

	answer, err := engine.CreateAnswer(ctx, offer)
	if err != nil {
		p.fail(ctx, calltypes.ReasonFatalError)
		return fmt.Errorf("%w: create answer: %v", calltypes.ErrWebRTCFatal, err)
	}

	p.mu.Lock()
	p.engine = engine
	p.setState(calltypes.PeerConnecting)
	p.flushRemoteCandidatesLocked(ctx)
	p.mu.Unlock()

	msg := callevents.Message{
		Kind:     callevents.KindAnswer,
		Envelope: p.envelope(0),
		SDP:      callevents.SDPData{Type: "answer", SDP: answer},
	}
	if err := p.send(ctx, msg); err != nil {
		return err
	}
	p.flushPendingOutboundCandidates(ctx)
	return nil
}

// flushPendingOutboundCandidates marks our local description sent and emits
// whatever local candidates gathered while it wasn't, as one batched
// Candidates message, preserving ordering relative to Invite/Answer.
func (p *PeerCall) flushPendingOutboundCandidates(ctx context.Context) {
	p.mu.Lock()
	p.localDescriptionSent = true
	batch := p.pendingOutboundCandidates
	p.pendingOutboundCandidates = nil
	envelope := p.envelope(0)
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	_ = p.send(ctx, callevents.Message{
		Kind:       callevents.KindCandidates,
		Envelope:   envelope,
		Candidates: batch,
	})
}

// HandleSignalling dispatches one inbound to-device message against the
// current state.
func (p *PeerCall) HandleSignalling(ctx context.Context, msg callevents.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == calltypes.PeerEnded {
		// Duplicate hangups/candidates after we've already torn down are
		// routine (retransmission, races); ignore rather than error.
		return nil
	}

	switch msg.Kind {
	case callevents.KindInvite:
		return p.handleInviteLocked(ctx, msg)
	case callevents.KindAnswer:
		return p.handleAnswerLocked(ctx, msg)
	case callevents.KindCandidates:
		return p.handleCandidatesLocked(ctx, msg)
	case callevents.KindNegotiate:
		return p.handleNegotiateLocked(ctx, msg)
	case callevents.KindHangup:
		reason := msg.Reason
		if reason == "" {
			reason = calltypes.ReasonUserHangup
		}
		p.endLocked(reason)
		return nil
	case callevents.KindReject:
		p.endLocked(calltypes.ReasonUserBusy)
		return nil
	case callevents.KindSDPStreamMetadataChanged:
		if p.hooks.OnRemoteStreamMetadata != nil {
			p.hooks.OnRemoteStreamMetadata(msg.Metadata)
		}
		return nil
	default:
		// KindUnknown: forward-compatible event we don't understand yet.
		p.logger.Debug().Str("raw_type", msg.RawType).Msg("ignoring unrecognised to-device message")
		return nil
	}
}

func (p *PeerCall) handleInviteLocked(ctx context.Context, msg callevents.Message) error {
	switch p.state {
	case calltypes.PeerFledgling:
		p.remoteOffer = msg.SDP.SDP
		p.remoteSessionID = msg.Envelope.SenderSessionID
		p.setState(calltypes.PeerRinging)
		return nil
	case calltypes.PeerInviteSent, calltypes.PeerCreateOffer:
		// Glare: both sides invited the same remote device at once. The
		// leg whose call_id sorts lower wins; the loser ends as replaced
		// so the survivor is unambiguous.
		if msg.Envelope.CallID < p.local.CallID {
			p.endLocked(calltypes.ReasonReplaced)
			return calltypes.ErrGlareLost
		}
		p.logger.Debug().Str("incoming_call_id", string(msg.Envelope.CallID)).Msg("won glare, ignoring incoming invite")
		return nil
	default:
		return fmt.Errorf("%w: invite in state %s", calltypes.ErrInvalidTransition, p.state)
	}
}

func (p *PeerCall) handleAnswerLocked(ctx context.Context, msg callevents.Message) error {
	if p.state != calltypes.PeerInviteSent {
		return fmt.Errorf("%w: answer in state %s", calltypes.ErrInvalidTransition, p.state)
	}
	p.remoteSessionID = msg.Envelope.SenderSessionID
	if err := p.engine.SetRemoteAnswer(ctx, msg.SDP.SDP); err != nil {
		p.endLocked(calltypes.ReasonFatalError)
		return fmt.Errorf("%w: set remote answer: %v", calltypes.ErrWebRTCFatal, err)
	}
	p.setState(calltypes.PeerConnecting)
	p.flushRemoteCandidatesLocked(ctx)
	return nil
}

func (p *PeerCall) handleCandidatesLocked(ctx context.Context, msg callevents.Message) error {
	switch p.state {
	case calltypes.PeerConnecting, calltypes.PeerConnected:
		for _, c := range msg.Candidates {
			if c.IsEndOfCandidates() {
				continue
			}
			if err := p.engine.AddICECandidate(toEngineCandidate(c)); err != nil {
				p.logger.Warn().Err(err).Msg("add ice candidate failed")
			}
		}
		return nil
	case calltypes.PeerFledgling, calltypes.PeerRinging, calltypes.PeerCreateAnswer, calltypes.PeerInviteSent, calltypes.PeerCreateOffer:
		// No remote description applied yet (or engine not yet built):
		// buffer, bounded, oldest-drop, same policy as GroupCall's
		// pre-membership buffer.
		p.remoteCandidates = append(p.remoteCandidates, msg.Candidates...)
		if over := len(p.remoteCandidates) - maxBufferedCandidates; over > 0 {
			p.remoteCandidates = p.remoteCandidates[over:]
		}
		return nil
	default:
		return fmt.Errorf("%w: candidates in state %s", calltypes.ErrInvalidTransition, p.state)
	}
}

func (p *PeerCall) flushRemoteCandidatesLocked(ctx context.Context) {
	for _, c := range p.remoteCandidates {
		if c.IsEndOfCandidates() {
			continue
		}
		if err := p.engine.AddICECandidate(toEngineCandidate(c)); err != nil {
			p.logger.Warn().Err(err).Msg("add buffered ice candidate failed")
		}
	}
	p.remoteCandidates = nil
}

// handleNegotiateLocked implements Perfect Negotiation's receiving side:
// the polite peer always accepts a colliding offer and rolls back its
// own; the impolite peer ignores one.
func (p *PeerCall) handleNegotiateLocked(ctx context.Context, msg callevents.Message) error {
	if p.state != calltypes.PeerConnected && p.state != calltypes.PeerConnecting {
		return fmt.Errorf("%w: negotiate in state %s", calltypes.ErrInvalidTransition, p.state)
	}

	offerCollision := msg.SDP.Type == "offer" && (p.makingOffer || p.state != calltypes.PeerConnected)
	p.ignoreOffer = !p.polite && offerCollision
	if p.ignoreOffer {
		p.logger.Debug().Msg("impolite side ignoring colliding offer")
		return nil
	}

	switch msg.SDP.Type {
	case "offer":
		answer, err := p.engine.SetRemoteOffer(ctx, msg.SDP.SDP)
		if err != nil {
			return fmt.Errorf("%w: set remote offer: %v", calltypes.ErrWebRTCFatal, err)
		}
		reply := callevents.Message{
			Kind:     callevents.KindNegotiate,
			Envelope: p.envelope(0),
			SDP:      callevents.SDPData{Type: "answer", SDP: answer},
		}
		return p.sendLocked(ctx, reply)
	case "answer":
		if err := p.engine.SetRemoteAnswer(ctx, msg.SDP.SDP); err != nil {
			return fmt.Errorf("%w: set remote answer: %v", calltypes.ErrWebRTCFatal, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: negotiate with unknown sdp type %q", calltypes.ErrMalformedEvent, msg.SDP.Type)
	}
}

// SetMedia replaces the local track set on the engine. Swapping the track
// set makes the engine fire OnNegotiationNeeded, which drives the existing
// Negotiate flow (polite side accepts a colliding offer, impolite side
// ignores it) the same way any other renegotiation does.
func (p *PeerCall) SetMedia(ctx context.Context, media webrtcengine.LocalMedia) error {
	p.mu.Lock()
	if p.state != calltypes.PeerConnected && p.state != calltypes.PeerConnecting {
		p.mu.Unlock()
		return fmt.Errorf("%w: set_media from %s", calltypes.ErrInvalidTransition, p.state)
	}
	engine := p.engine
	p.mu.Unlock()

	if err := engine.RemoveAllLocalTracks(); err != nil {
		return fmt.Errorf("%w: remove local tracks: %v", calltypes.ErrWebRTCFatal, err)
	}
	for _, track := range media.Tracks {
		if err := engine.AddLocalTrack(track); err != nil {
			return fmt.Errorf("%w: add local track: %v", calltypes.ErrWebRTCFatal, err)
		}
	}
	return nil
}

// Hangup ends the leg, notifying the remote side with reason.
func (p *PeerCall) Hangup(ctx context.Context, reason calltypes.HangupReason) error {
	p.mu.Lock()
	if p.state == calltypes.PeerEnded {
		p.mu.Unlock()
		return nil
	}
	p.endLocked(reason)
	p.mu.Unlock()

	msg := callevents.Message{
		Kind:     callevents.KindHangup,
		Envelope: p.envelope(0),
		Reason:   reason,
	}
	return p.send(ctx, msg)
}

// Close tears the leg down locally without necessarily notifying the
// remote side (e.g. we already received its hangup, or the owning
// GroupCall is being abandoned). Pass a non-empty reason to still emit a
// hangup (e.g. Replaced).
func (p *PeerCall) Close(ctx context.Context, reason calltypes.HangupReason) error {
	if reason == "" {
		p.mu.Lock()
		if p.state == calltypes.PeerEnded {
			p.mu.Unlock()
			return nil
		}
		p.endLocked(calltypes.ReasonUserHangup)
		p.mu.Unlock()
		return nil
	}
	return p.Hangup(ctx, reason)
}

func (p *PeerCall) endLocked(reason calltypes.HangupReason) {
	if p.state == calltypes.PeerEnded {
		return
	}
	if p.engine != nil {
		if err := p.engine.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("close engine on end")
		}
	}
	p.setState(calltypes.PeerEnded)
	if p.hooks.OnEnded != nil {
		p.hooks.OnEnded(reason)
	}
}

func (p *PeerCall) fail(ctx context.Context, reason calltypes.HangupReason) {
	p.mu.Lock()
	p.endLocked(reason)
	p.mu.Unlock()
}

func (p *PeerCall) send(ctx context.Context, msg callevents.Message) error {
	if err := p.hooks.Send(ctx, msg); err != nil {
		return fmt.Errorf("%w: send %s: %v", calltypes.ErrTransportFailure, msg.Kind, err)
	}
	return nil
}

func (p *PeerCall) sendLocked(ctx context.Context, msg callevents.Message) error {
	// Called with p.mu held (from handleNegotiateLocked), so Send runs
	// under p.mu here and must not re-enter PeerCall.
	return p.send(ctx, msg)
}

func (p *PeerCall) wireEngine(ctx context.Context, engine webrtcengine.Engine) {
	engine.OnICECandidate(func(c webrtcengine.Candidate) {
		wireCandidate := fromEngineCandidate(c)

		p.mu.Lock()
		p.pendingOutboundCandidates = append(p.pendingOutboundCandidates, wireCandidate)
		if over := len(p.pendingOutboundCandidates) - maxBufferedCandidates; over > 0 {
			p.pendingOutboundCandidates = p.pendingOutboundCandidates[over:]
		}
		var batch []callevents.Candidate
		// Before our Invite/Answer has gone out, candidates stay buffered
		// so they can never be reordered ahead of it (flushed explicitly
		// from Call()/Answer() instead). Afterwards, the end-of-gathering
		// sentinel marks one tick's worth of candidates as ready to send
		// together.
		if p.localDescriptionSent && wireCandidate.IsEndOfCandidates() {
			batch = p.pendingOutboundCandidates
			p.pendingOutboundCandidates = nil
		}
		envelope := p.envelope(0)
		p.mu.Unlock()

		if len(batch) > 0 {
			_ = p.send(ctx, callevents.Message{
				Kind:       callevents.KindCandidates,
				Envelope:   envelope,
				Candidates: batch,
			})
		}
	})

	engine.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		switch s {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			p.mu.Lock()
			if p.state == calltypes.PeerConnecting {
				p.setState(calltypes.PeerConnected)
			}
			p.mu.Unlock()
		case webrtc.ICEConnectionStateFailed:
			p.fail(ctx, calltypes.ReasonICEFailed)
		}
	})

	engine.OnNegotiationNeeded(func() {
		p.mu.Lock()
		state := p.state
		p.makingOffer = true
		p.mu.Unlock()
		defer func() {
			p.mu.Lock()
			p.makingOffer = false
			p.mu.Unlock()
		}()

		if state != calltypes.PeerConnected && state != calltypes.PeerConnecting {
			return // initial offer is driven explicitly by Call()
		}
		offer, err := engine.CreateOffer(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Msg("renegotiation offer failed")
			return
		}
		_ = p.send(ctx, callevents.Message{
			Kind:     callevents.KindNegotiate,
			Envelope: p.envelope(0),
			SDP:      callevents.SDPData{Type: "offer", SDP: offer},
		})
	})

	engine.OnClosed(func() {
		p.mu.Lock()
		alreadyEnded := p.state == calltypes.PeerEnded
		p.mu.Unlock()
		if !alreadyEnded {
			p.fail(ctx, calltypes.ReasonICEFailed)
		}
	})
}

func toEngineCandidate(c callevents.Candidate) webrtcengine.Candidate {
	return webrtcengine.Candidate{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

func fromEngineCandidate(c webrtcengine.Candidate) callevents.Candidate {
	return callevents.Candidate{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
