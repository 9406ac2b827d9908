// Package groupcall implements GroupCall, the per-room conference
// aggregate. It owns one Member per remote device,
// reconciles membership against m.call.member state events, and buffers
// to-device messages that arrive before the membership event that would
// let them be routed.
package groupcall

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dkeye/groupcall/internal/calltypes"
	"github.com/dkeye/groupcall/internal/callevents"
	"github.com/dkeye/groupcall/internal/clock"
	"github.com/dkeye/groupcall/internal/homeserver"
	"github.com/dkeye/groupcall/internal/member"
	"github.com/dkeye/groupcall/internal/metrics"
	"github.com/dkeye/groupcall/internal/webrtcengine"
)

// maxBufferedPerMember bounds how many pre-membership to-device messages
// GroupCall holds for a device it hasn't reconciled into a Member yet,
// oldest dropped first.
const maxBufferedPerMember = 64

// Hooks are GroupCall's external collaborators, all injected so the
// aggregate stays unit-testable without a live homeserver.
type Hooks struct {
	Transport homeserver.Transport
	Encrypter homeserver.Encrypter
	Factory   webrtcengine.Factory

	OnStateChange func(calltypes.GroupCallState)
}

// GroupCall is one conference within one room.
type GroupCall struct {
	roomID       calltypes.RoomID
	confID       calltypes.ConferenceID
	self         calltypes.MemberKey
	ownSessionID calltypes.SessionID
	clock        clock.Clock
	logger       zerolog.Logger
	hooks        Hooks

	mu       sync.Mutex
	state    calltypes.GroupCallState
	intent   calltypes.CallIntent
	callType calltypes.CallType
	muted    bool

	// Local state, meaningful only while joined (HasJoined()).
	localMedia        webrtcengine.LocalMedia
	turnSettings      homeserver.ICEServerConfig
	ownObserved       bool
	ownDeviceIndex    int
	ownEventTimestamp int64

	members  map[calltypes.MemberKey]*member.Member
	buffered map[calltypes.MemberKey][]callevents.Message
}

// New constructs a fledgling GroupCall.
func New(roomID calltypes.RoomID, confID calltypes.ConferenceID, self calltypes.MemberKey, ownSessionID calltypes.SessionID, clk clock.Clock, logger zerolog.Logger, hooks Hooks) *GroupCall {
	return &GroupCall{
		roomID:       roomID,
		confID:       confID,
		self:         self,
		ownSessionID: ownSessionID,
		clock:        clk,
		logger:       logger.With().Str("module", "groupcall").Str("room_id", string(roomID)).Str("conf_id", string(confID)).Logger(),
		hooks:        hooks,
		state:        calltypes.GroupCallFledgling,
		members:      make(map[calltypes.MemberKey]*member.Member),
		buffered:     make(map[calltypes.MemberKey][]callevents.Message),
	}
}

// State returns the current lifecycle state.
func (g *GroupCall) State() calltypes.GroupCallState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// TURNSettings returns the ICE server config requested by the last Join(),
// or the zero value if none has been requested or applied yet.
func (g *GroupCall) TURNSettings() homeserver.ICEServerConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.turnSettings
}

func (g *GroupCall) setStateLocked(s calltypes.GroupCallState) {
	g.state = s
	if g.hooks.OnStateChange != nil {
		g.hooks.OnStateChange(s)
	}
}

// Create publishes the m.call conference state event. Valid from
// Fledgling only.
func (g *GroupCall) Create(ctx context.Context, intent calltypes.CallIntent, callType calltypes.CallType, name string) error {
	g.mu.Lock()
	if g.state != calltypes.GroupCallFledgling {
		g.mu.Unlock()
		return fmt.Errorf("%w: create() from %s", calltypes.ErrInvalidTransition, g.state)
	}
	g.intent, g.callType = intent, callType
	g.setStateLocked(calltypes.GroupCallCreating)
	g.mu.Unlock()

	content := callevents.ConferenceContent{Intent: intent, Type: callType, Name: name}
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("%w: encode conference content: %v", calltypes.ErrMalformedEvent, err)
	}
	if _, err := g.hooks.Transport.SendState(ctx, g.roomID, callevents.TypeConference, string(g.confID), raw); err != nil {
		g.mu.Lock()
		g.setStateLocked(calltypes.GroupCallFledgling)
		g.mu.Unlock()
		return err
	}

	g.mu.Lock()
	g.setStateLocked(calltypes.GroupCallCreated)
	g.mu.Unlock()
	metrics.RecordConferenceCreated()
	return nil
}

// Join publishes our own m.call.member entry, requests TURN settings, and
// connects to every currently known remote device. Valid from Created or
// Fledgling (joining a call someone else created, which this core never
// itself publishes m.call for). It does not itself transition to Joined:
// that happens in UpdateMembership, once our own membership event is
// observed back via sync.
func (g *GroupCall) Join(ctx context.Context, media webrtcengine.LocalMedia) error {
	g.mu.Lock()
	if g.state != calltypes.GroupCallCreated && g.state != calltypes.GroupCallFledgling {
		g.mu.Unlock()
		return fmt.Errorf("%w: join() from %s", calltypes.ErrInvalidTransition, g.state)
	}
	g.setStateLocked(calltypes.GroupCallJoining)
	g.localMedia = media
	g.ownObserved = false
	members := make([]*member.Member, 0, len(g.members))
	for _, m := range g.members {
		members = append(members, m)
	}
	g.mu.Unlock()

	if err := g.publishMembership(ctx); err != nil {
		g.mu.Lock()
		g.setStateLocked(calltypes.GroupCallCreated)
		g.mu.Unlock()
		return err
	}

	if turn, err := g.hooks.Transport.QueryTURNSettings(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("query turn settings failed, continuing without TURN")
	} else {
		g.mu.Lock()
		g.turnSettings = turn
		g.mu.Unlock()
	}

	for _, m := range members {
		if err := m.SetMedia(ctx, media); err != nil {
			g.logger.Warn().Err(err).Str("remote", m.Remote().String()).Msg("set_media on join failed")
		}
		if err := m.Connect(ctx); err != nil {
			g.logger.Warn().Err(err).Str("remote", m.Remote().String()).Msg("connect on join failed")
		}
	}
	return nil
}

// Leave hangs up every Member, retracts our m.call.member entry, and
// returns to Fledgling.
func (g *GroupCall) Leave(ctx context.Context, reason calltypes.HangupReason) error {
	g.mu.Lock()
	if !g.state.HasJoined() {
		g.mu.Unlock()
		return nil
	}
	members := make([]*member.Member, 0, len(g.members))
	for _, m := range g.members {
		members = append(members, m)
	}
	g.members = make(map[calltypes.MemberKey]*member.Member)
	g.localMedia = webrtcengine.LocalMedia{}
	g.turnSettings = homeserver.ICEServerConfig{}
	g.ownObserved = false
	g.setStateLocked(calltypes.GroupCallFledgling)
	g.mu.Unlock()

	for _, m := range members {
		if err := m.Hangup(ctx, reason); err != nil {
			g.logger.Warn().Err(err).Msg("hangup on leave failed")
		}
	}
	return g.retractMembership(ctx)
}

func (g *GroupCall) publishMembership(ctx context.Context) error {
	entry := callevents.MemberCallEntry{
		CallID: g.confID,
		Devices: []callevents.MemberDeviceEntry{
			{DeviceID: g.self.DeviceID, SessionID: g.ownSessionID},
		},
	}
	content := callevents.MemberContent{Calls: []callevents.MemberCallEntry{entry}}
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("%w: encode member content: %v", calltypes.ErrMalformedEvent, err)
	}
	_, err = g.hooks.Transport.SendState(ctx, g.roomID, callevents.TypeMember, string(g.self.UserID), raw)
	return err
}

func (g *GroupCall) retractMembership(ctx context.Context) error {
	content := callevents.MemberContent{Calls: []callevents.MemberCallEntry{}}
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("%w: encode member content: %v", calltypes.ErrMalformedEvent, err)
	}
	_, err = g.hooks.Transport.SendState(ctx, g.roomID, callevents.TypeMember, string(g.self.UserID), raw)
	return err
}

// SetMuted records the local mute setting. It is not passed on to any
// Member, PeerCall or track; callers change what is sent through SetMedia.
func (g *GroupCall) SetMuted(muted bool) {
	g.mu.Lock()
	g.muted = muted
	g.mu.Unlock()
}

// Muted reports the last value passed to SetMuted.
func (g *GroupCall) Muted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.muted
}

// SetMedia replaces the local track set and fans it out to every Member's
// set_media, which in turn pushes it down to its owned PeerCall and
// triggers renegotiation there.
func (g *GroupCall) SetMedia(ctx context.Context, media webrtcengine.LocalMedia) error {
	g.mu.Lock()
	if !g.state.HasJoined() {
		g.mu.Unlock()
		return fmt.Errorf("%w: set_media() from %s", calltypes.ErrInvalidTransition, g.state)
	}
	g.localMedia = media
	members := make([]*member.Member, 0, len(g.members))
	for _, m := range g.members {
		members = append(members, m)
	}
	g.mu.Unlock()

	for _, m := range members {
		if err := m.SetMedia(ctx, media); err != nil {
			g.logger.Warn().Err(err).Str("remote", m.Remote().String()).Msg("set_media fan-out failed")
		}
	}
	return nil
}

// UpdateMembership reconciles the room's m.call.member state events
// against our live Member set: new remote devices get a Member (and a
// Connect() while we have joined) and receive any to-device messages
// buffered for them; vanished ones are hung up and dropped. A device we
// already know is left as it is, even if its session_id changed: its
// Member keeps its PeerCall, and resets its retry counter only when the
// first message from the new session arrives (Member.HandleMessage).
func (g *GroupCall) UpdateMembership(ctx context.Context, byUser map[calltypes.UserID]callevents.MemberContent) error {
	wanted := make(map[calltypes.MemberKey]calltypes.SessionID)
	for userID, content := range byUser {
		entry, ok := content.CallOf(g.confID)
		if !ok {
			continue
		}
		if userID == g.self.UserID {
			g.reconcileOwnDevice(entry)
			continue
		}
		for _, dev := range entry.Devices {
			wanted[calltypes.MemberKey{UserID: userID, DeviceID: dev.DeviceID}] = dev.SessionID
		}
	}

	g.mu.Lock()
	var toRemove []*member.Member
	for key, m := range g.members {
		if _, ok := wanted[key]; !ok {
			toRemove = append(toRemove, m)
			delete(g.members, key)
		}
	}
	var toConnect, created []*member.Member
	for key, sessionID := range wanted {
		if _, ok := g.members[key]; ok {
			continue
		}
		m := g.newMemberLocked(key)
		g.members[key] = m
		created = append(created, m)
		_ = sessionID // captured on first inbound message via Member.HandleMessage
		if g.state.HasJoined() {
			toConnect = append(toConnect, m)
		}
	}
	media := g.localMedia
	g.mu.Unlock()

	for _, m := range toRemove {
		if err := m.Hangup(ctx, calltypes.ReasonUserHangup); err != nil {
			g.logger.Warn().Err(err).Msg("hangup on membership removal failed")
		}
	}
	for _, m := range toConnect {
		if err := m.SetMedia(ctx, media); err != nil {
			g.logger.Warn().Err(err).Str("remote", m.Remote().String()).Msg("set_media on membership add failed")
		}
		if err := m.Connect(ctx); err != nil {
			g.logger.Warn().Err(err).Str("remote", m.Remote().String()).Msg("connect on membership add failed")
		}
	}
	for _, m := range created {
		g.flushBuffered(ctx, m)
	}
	return nil
}

// reconcileOwnDevice applies the own-device entry from a fresh
// m.call.member event: records our position in the device list and the
// observation time, and completes the Joining -> Joined transition on the
// first sync echo of our own join() write.
func (g *GroupCall) reconcileOwnDevice(entry callevents.MemberCallEntry) {
	index := -1
	for i, dev := range entry.Devices {
		if dev.DeviceID == g.self.DeviceID {
			index = i
			break
		}
	}
	if index < 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.ownDeviceIndex = index
	g.ownEventTimestamp = g.clock.Now().UnixMilli()
	if g.state == calltypes.GroupCallJoining && !g.ownObserved {
		g.ownObserved = true
		g.setStateLocked(calltypes.GroupCallJoined)
		metrics.RecordJoinCompleted()
	}
}

func (g *GroupCall) newMemberLocked(key calltypes.MemberKey) *member.Member {
	hooks := member.Hooks{
		SendEnvelope: func(ctx context.Context, msg callevents.Message) error {
			return g.sendEnvelopeTo(ctx, key, msg)
		},
		OnEnded: func(reason calltypes.HangupReason, exhausted bool) {
			metrics.RecordMemberEnded(string(reason), exhausted)
			if exhausted {
				g.logger.Info().Str("remote", key.String()).Str("reason", string(reason)).Msg("member retries exhausted")
				return
			}
			g.mu.Lock()
			m, ok := g.members[key]
			g.mu.Unlock()
			if !ok {
				return
			}
			go func() {
				if err := m.Connect(context.Background()); err != nil {
					g.logger.Warn().Err(err).Str("remote", key.String()).Msg("retry connect failed")
				}
			}()
		},
	}
	return member.New(g.roomID, g.confID, g.self, key, g.ownSessionID, g.hooks.Factory, g.clock, g.logger, hooks)
}

// sendEnvelopeTo encodes and delivers one to-device message to a specific
// remote device. dest is the Member's remote key, supplied at Member
// construction time rather than recovered from the message itself:
// Envelope carries only the sender's own device_id (party_id is always
// the sender's own device), never the recipient's identity.
func (g *GroupCall) sendEnvelopeTo(ctx context.Context, dest calltypes.MemberKey, msg callevents.Message) error {
	eventType, content, err := callevents.Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: encode outbound message: %v", calltypes.ErrMalformedEvent, err)
	}

	if g.hooks.Encrypter != nil {
		enc, err := g.hooks.Encrypter.Encrypt(ctx, g.roomID, dest.UserID, dest.DeviceID, content)
		if err != nil {
			return fmt.Errorf("%w: %v", calltypes.ErrEncryptionFailure, err)
		}
		content = enc
	}

	messages := map[calltypes.UserID]map[calltypes.DeviceID]json.RawMessage{
		dest.UserID: {dest.DeviceID: content},
	}
	return g.hooks.Transport.SendToDevice(ctx, eventType, messages, string(msg.Envelope.CallID))
}

// HandleDeviceMessage routes one inbound to-device message to the Member
// for (senderUserID, msg.Envelope.DeviceID). If that Member doesn't exist
// yet (the to-device message raced the membership event that would have
// created it), the message is buffered, bounded and oldest-drop,
// until UpdateMembership catches up.
func (g *GroupCall) HandleDeviceMessage(ctx context.Context, senderUserID calltypes.UserID, msg callevents.Message) error {
	key := calltypes.MemberKey{UserID: senderUserID, DeviceID: msg.Envelope.DeviceID}

	g.mu.Lock()
	m, ok := g.members[key]
	if !ok {
		buf := append(g.buffered[key], msg)
		if over := len(buf) - maxBufferedPerMember; over > 0 {
			g.logger.Warn().Str("remote", key.String()).Int("dropped", over).Msg("to-device buffer full, dropping oldest")
			buf = buf[over:]
		}
		g.buffered[key] = buf
		g.mu.Unlock()
		g.logger.Debug().Str("remote", key.String()).Msg("buffering to-device message for unreconciled member")
		return nil
	}
	g.mu.Unlock()

	return m.HandleMessage(ctx, msg)
}

func (g *GroupCall) flushBuffered(ctx context.Context, m *member.Member) {
	key := m.Remote()
	g.mu.Lock()
	msgs := g.buffered[key]
	delete(g.buffered, key)
	g.mu.Unlock()

	for _, msg := range msgs {
		if err := m.HandleMessage(ctx, msg); err != nil {
			g.logger.Warn().Err(err).Str("remote", key.String()).Msg("flushing buffered message failed")
		}
	}
}

// MemberCount reports the number of remote devices currently tracked.
func (g *GroupCall) MemberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}
