// Package registry implements CallRegistry, the top-level fan-out in
// front of every GroupCall: it maps (room_id, conf_id) to
// the GroupCall aggregate, dispatches homeserver events to the right one,
// and keeps terminated conferences around for a grace window so
// late-arriving to-device messages don't spuriously create a new one.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/groupcall/internal/calltypes"
	"github.com/dkeye/groupcall/internal/callevents"
	"github.com/dkeye/groupcall/internal/clock"
	"github.com/dkeye/groupcall/internal/groupcall"
	"github.com/dkeye/groupcall/internal/homeserver"
	"github.com/dkeye/groupcall/internal/metrics"
	"github.com/dkeye/groupcall/internal/webrtcengine"
)

// GraceWindow is the minimum time a terminated GroupCall's entry is kept
// around before eviction.
const GraceWindow = 30 * time.Second

type key struct {
	roomID calltypes.RoomID
	confID calltypes.ConferenceID
}

type entry struct {
	call        *groupcall.GroupCall
	terminated  bool
	terminateAt time.Time
}

// Hooks are the external collaborators every GroupCall the registry
// creates will be wired with.
type Hooks struct {
	Transport homeserver.Transport
	Encrypter homeserver.Encrypter
	Factory   webrtcengine.Factory
}

// CallRegistry owns every live GroupCall in every room the bot has joined.
type CallRegistry struct {
	self         calltypes.MemberKey
	ownSessionID calltypes.SessionID
	clock        clock.Clock
	logger       zerolog.Logger
	hooks        Hooks

	mu      sync.Mutex
	entries map[key]*entry
}

// New constructs an empty CallRegistry.
func New(self calltypes.MemberKey, ownSessionID calltypes.SessionID, clk clock.Clock, logger zerolog.Logger, hooks Hooks) *CallRegistry {
	return &CallRegistry{
		self:         self,
		ownSessionID: ownSessionID,
		clock:        clk,
		logger:       logger.With().Str("module", "registry").Logger(),
		hooks:        hooks,
		entries:      make(map[key]*entry),
	}
}

// GetOrCreate returns the GroupCall for (roomID, confID), creating a
// fledgling one if none exists and none was recently terminated.
func (r *CallRegistry) GetOrCreate(roomID calltypes.RoomID, confID calltypes.ConferenceID) *groupcall.GroupCall {
	k := key{roomID, confID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[k]; ok {
		return e.call
	}

	gc := groupcall.New(roomID, confID, r.self, r.ownSessionID, r.clock, r.logger, groupcall.Hooks{
		Transport: r.hooks.Transport,
		Encrypter: r.hooks.Encrypter,
		Factory:   r.hooks.Factory,
		OnStateChange: func(s calltypes.GroupCallState) {
			if s == calltypes.GroupCallFledgling {
				r.markTerminated(k)
			}
		},
	})
	r.entries[k] = &entry{call: gc}
	metrics.SetActiveConferences(len(r.entries))
	return gc
}

// Lookup returns the GroupCall for (roomID, confID) if one exists,
// whether live or within its grace window, without creating one.
func (r *CallRegistry) Lookup(roomID calltypes.RoomID, confID calltypes.ConferenceID) (*groupcall.GroupCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key{roomID, confID}]
	if !ok {
		return nil, false
	}
	return e.call, true
}

func (r *CallRegistry) markTerminated(k key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[k]
	if !ok {
		return
	}
	e.terminated = true
	e.terminateAt = r.clock.Now().Add(GraceWindow)
}

// Sweep evicts every entry whose grace window has elapsed. Callers should
// run this periodically (see cmd/groupcalld); it never blocks on network
// I/O.
func (r *CallRegistry) Sweep() {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.entries {
		if e.terminated && !now.Before(e.terminateAt) {
			delete(r.entries, k)
		}
	}
	metrics.SetActiveConferences(len(r.entries))
}

// HandleConferenceEvent applies an m.call state event: creates the
// GroupCall if needed, or marks it terminated if m.terminated is set.
func (r *CallRegistry) HandleConferenceEvent(roomID calltypes.RoomID, confID calltypes.ConferenceID, content callevents.ConferenceContent) {
	k := key{roomID, confID}
	if content.Terminated {
		r.markTerminated(k)
		return
	}
	r.GetOrCreate(roomID, confID)
}

// HandleMembershipEvent reconciles one room's full membership state
// (already aggregated per-user by the caller, since m.call.member's state
// key is the user, not the conference) against every GroupCall known in
// that room.
func (r *CallRegistry) HandleMembershipEvent(ctx context.Context, roomID calltypes.RoomID, byConf map[calltypes.ConferenceID]map[calltypes.UserID]callevents.MemberContent) error {
	for confID, byUser := range byConf {
		gc, ok := r.Lookup(roomID, confID)
		if !ok {
			gc = r.GetOrCreate(roomID, confID)
		}
		if err := gc.UpdateMembership(ctx, byUser); err != nil {
			return fmt.Errorf("update membership room=%s conf=%s: %w", roomID, confID, err)
		}
	}
	return nil
}

// HandleToDevice routes one inbound to-device message by its conf_id. If
// no GroupCall is known for it (neither live nor in its grace window),
// the message is dropped with ErrUnknownCall: there is nothing to buffer
// it against.
func (r *CallRegistry) HandleToDevice(ctx context.Context, roomID calltypes.RoomID, senderUserID calltypes.UserID, msg callevents.Message) error {
	gc, ok := r.Lookup(roomID, msg.Envelope.ConfID)
	if !ok {
		return fmt.Errorf("%w: room=%s conf=%s call=%s", calltypes.ErrUnknownCall, roomID, msg.Envelope.ConfID, msg.Envelope.CallID)
	}
	return gc.HandleDeviceMessage(ctx, senderUserID, msg)
}
