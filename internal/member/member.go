// Package member implements Member, the per-remote-device connection
// manager inside one GroupCall. It owns exactly one
// peercall.PeerCall at a time, decides who initiates, retries a failed
// connection attempt a bounded number of times, stamps outbound envelopes
// and filters stale inbound ones.
package member

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dkeye/groupcall/internal/calltypes"
	"github.com/dkeye/groupcall/internal/callevents"
	"github.com/dkeye/groupcall/internal/clock"
	"github.com/dkeye/groupcall/internal/peercall"
	"github.com/dkeye/groupcall/internal/webrtcengine"
)

// MaxRetries bounds how many times Member re-runs connect() after a
// retryable hangup before giving up on the remote device.
const MaxRetries = 3

// DecideInitiator reports whether self should send the invite, using the
// same total order as peercall's politeness rule: the lexicographically
// lesser MemberKey initiates.
func DecideInitiator(self, remote calltypes.MemberKey) bool {
	return self.Less(remote)
}

// Hooks are the callbacks Member drives outward, supplied by GroupCall.
type Hooks struct {
	// SendEnvelope delivers one fully-stamped to-device message.
	SendEnvelope func(ctx context.Context, msg callevents.Message) error

	// OnConnected/OnEnded report the owned PeerCall's terminal outcomes.
	OnConnected func()
	OnEnded     func(reason calltypes.HangupReason, retriesExhausted bool)

	OnRemoteStreamMetadata func(callevents.StreamMetadata)
}

// Member manages the connection to one remote device within a GroupCall.
type Member struct {
	roomID  calltypes.RoomID
	confID  calltypes.ConferenceID
	self    calltypes.MemberKey
	remote  calltypes.MemberKey
	factory webrtcengine.Factory
	clock   clock.Clock
	logger  zerolog.Logger
	hooks   Hooks

	mu              sync.Mutex
	ownSessionID    calltypes.SessionID
	remoteSessionID calltypes.SessionID
	retries         int
	attempt         int
	localMedia      webrtcengine.LocalMedia
	call            *peercall.PeerCall
}

// New constructs a Member. It does not start connecting; call Connect().
func New(roomID calltypes.RoomID, confID calltypes.ConferenceID, self, remote calltypes.MemberKey, ownSessionID calltypes.SessionID, factory webrtcengine.Factory, clk clock.Clock, logger zerolog.Logger, hooks Hooks) *Member {
	return &Member{
		roomID:       roomID,
		confID:       confID,
		self:         self,
		remote:       remote,
		ownSessionID: ownSessionID,
		factory:      factory,
		clock:        clk,
		logger:       logger.With().Str("module", "member").Str("remote", remote.String()).Logger(),
		hooks:        hooks,
	}
}

// Remote returns the device this Member connects to.
func (m *Member) Remote() calltypes.MemberKey { return m.remote }

// Connect establishes (or re-establishes) the owned PeerCall. If self
// should initiate per DecideInitiator, it calls out; otherwise it waits
// for an incoming invite via HandleMessage.
func (m *Member) Connect(ctx context.Context) error {
	if !DecideInitiator(m.self, m.remote) {
		// We don't initiate: wait for an incoming invite, which carries
		// the call_id the other side chose. firstCallFromInvite creates
		// the PeerCall at that point, not here.
		return nil
	}

	m.mu.Lock()
	m.attempt++
	callID := calltypes.CallID(newCallID(m.self, m.remote, m.attempt))
	pc := m.newPeerCallLocked(callID)
	m.call = pc
	m.mu.Unlock()

	return pc.Call(ctx)
}

func (m *Member) newPeerCallLocked(callID calltypes.CallID) *peercall.PeerCall {
	local := peercall.Local{
		RoomID:         m.roomID,
		ConfID:         m.confID,
		CallID:         callID,
		Self:           m.self,
		Remote:         m.remote,
		LocalSessionID: m.ownSessionID,
	}
	var pc *peercall.PeerCall
	hooks := peercall.Hooks{
		Send: m.stampAndSend,
		OnStateChange: func(s calltypes.PeerCallState) {
			if s == calltypes.PeerConnected {
				if m.hooks.OnConnected != nil {
					m.hooks.OnConnected()
				}
				go m.applyStoredMedia(pc)
			}
		},
		OnEnded:                m.onPeerEnded,
		OnRemoteStreamMetadata: m.hooks.OnRemoteStreamMetadata,
	}
	pc = peercall.New(local, m.factory, m.clock, m.logger, hooks)
	return pc
}

// SetMedia stores the local track set and, if a PeerCall is already live,
// asks it to renegotiate immediately. If the PeerCall isn't connected yet,
// the stored tracks are applied automatically once it reaches
// PeerConnected (see newPeerCallLocked's OnStateChange hook).
func (m *Member) SetMedia(ctx context.Context, media webrtcengine.LocalMedia) error {
	m.mu.Lock()
	m.localMedia = media
	pc := m.call
	m.mu.Unlock()

	if pc == nil {
		return nil
	}
	if err := pc.SetMedia(ctx, media); err != nil {
		if errors.Is(err, calltypes.ErrInvalidTransition) {
			m.logger.Debug().Err(err).Msg("set_media deferred until peer call connects")
			return nil
		}
		return err
	}
	return nil
}

func (m *Member) applyStoredMedia(pc *peercall.PeerCall) {
	m.mu.Lock()
	media := m.localMedia
	m.mu.Unlock()
	if len(media.Tracks) == 0 {
		return
	}
	if err := pc.SetMedia(context.Background(), media); err != nil {
		m.logger.Debug().Err(err).Msg("apply stored local media after connect failed")
	}
}

// stampAndSend fills in party_id/session fields PeerCall cannot know about
// itself (party_id is always our own device_id) and forwards to the
// injected transport.
func (m *Member) stampAndSend(ctx context.Context, msg callevents.Message) error {
	m.mu.Lock()
	msg.Envelope.PartyID = string(m.self.DeviceID)
	msg.Envelope.DeviceID = m.self.DeviceID
	msg.Envelope.SenderSessionID = m.ownSessionID
	msg.Envelope.DestSessionID = m.remoteSessionID
	m.mu.Unlock()

	return m.hooks.SendEnvelope(ctx, msg)
}

func (m *Member) onPeerEnded(reason calltypes.HangupReason) {
	m.mu.Lock()
	retryable := reason.Retryable()
	if retryable {
		m.retries++
	}
	exhausted := !retryable || m.retries > MaxRetries
	m.mu.Unlock()

	if m.hooks.OnEnded != nil {
		m.hooks.OnEnded(reason, exhausted)
	}
}

// ShouldRetry reports whether the retry counter is still within MaxRetries.
// It does not look at the last hangup reason; GroupCall decides whether to
// reconnect from the retriesExhausted flag passed to Hooks.OnEnded.
func (m *Member) ShouldRetry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries <= MaxRetries
}

// ResetRetries clears the retry counter. HandleMessage clears it the same
// way when a message from a new remote session_id arrives: a restart is not
// a continuation of the old failure run.
func (m *Member) ResetRetries() {
	m.mu.Lock()
	m.retries = 0
	m.mu.Unlock()
}

// HandleMessage applies the inbound filter (dest_session_id must match our
// own session) then dispatches to the owned PeerCall. A session_id change
// on the remote resets the retry counter.
func (m *Member) HandleMessage(ctx context.Context, msg callevents.Message) error {
	m.mu.Lock()
	if msg.Envelope.DestSessionID != "" && msg.Envelope.DestSessionID != m.ownSessionID {
		m.mu.Unlock()
		return fmt.Errorf("%w: dest=%s own=%s", calltypes.ErrSessionMismatch, msg.Envelope.DestSessionID, m.ownSessionID)
	}
	if msg.Envelope.PartyID != "" && msg.Envelope.PartyID != string(m.remote.DeviceID) {
		m.logger.Debug().Str("party_id", msg.Envelope.PartyID).Msg("inbound party_id differs from remote device id")
	}
	if msg.Envelope.SenderSessionID != "" && msg.Envelope.SenderSessionID != m.remoteSessionID {
		if m.remoteSessionID != "" {
			m.logger.Debug().Str("old_session", string(m.remoteSessionID)).Str("new_session", string(msg.Envelope.SenderSessionID)).Msg("remote session rotated, resetting retries")
			m.retries = 0
		}
		m.remoteSessionID = msg.Envelope.SenderSessionID
	}
	pc := m.call
	m.mu.Unlock()

	if pc == nil {
		pc = m.firstCallFromInvite(msg)
	}
	return pc.HandleSignalling(ctx, msg)
}

// firstCallFromInvite lazily creates the PeerCall, keyed by the inbound
// call_id, for the first message that arrives while none exists (on the
// non-initiating side Connect() never creates one).
func (m *Member) firstCallFromInvite(msg callevents.Message) *peercall.PeerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call != nil {
		return m.call
	}
	pc := m.newPeerCallLocked(msg.Envelope.CallID)
	m.call = pc
	return pc
}

// AnswerIncoming accepts the ringing leg created by an inbound invite.
func (m *Member) AnswerIncoming(ctx context.Context) error {
	m.mu.Lock()
	pc := m.call
	m.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("%w: no incoming call to answer", calltypes.ErrInvalidTransition)
	}
	return pc.Answer(ctx)
}

// Hangup ends the owned PeerCall, if any.
func (m *Member) Hangup(ctx context.Context, reason calltypes.HangupReason) error {
	m.mu.Lock()
	pc := m.call
	m.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Hangup(ctx, reason)
}

// State returns the owned PeerCall's state, or PeerFledgling if none
// exists yet.
func (m *Member) State() calltypes.PeerCallState {
	m.mu.Lock()
	pc := m.call
	m.mu.Unlock()
	if pc == nil {
		return calltypes.PeerFledgling
	}
	return pc.State()
}

// newCallID mints a call_id unique per connection attempt: attempt is bumped
// on every Connect(), so a retry after a retryable hangup never reuses the
// id of the leg that just failed.
func newCallID(self, remote calltypes.MemberKey, attempt int) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", self.UserID, self.DeviceID, remote.UserID, remote.DeviceID, attempt)
}
